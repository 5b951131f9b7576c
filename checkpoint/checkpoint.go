// Package checkpoint persists the run state document so an interrupted batch
// can resume without recomputing finished groups.
package checkpoint

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// GroupStatus is the lifecycle state of one spatial group.
type GroupStatus string

const (
	GroupPending       GroupStatus = "pending"
	GroupRunning       GroupStatus = "running"
	GroupComplete      GroupStatus = "complete"
	GroupFailedPartial GroupStatus = "failed-partial"
)

// GroupState is the persisted progress of one group.
type GroupState struct {
	Status    GroupStatus `json:"status"`
	Total     int         `json:"total"`
	Processed int         `json:"processed"`
	Failed    int         `json:"failed"`
	File      string      `json:"file,omitempty"` // newest artifact for this group
	UpdatedAt time.Time   `json:"updated_at"`
}

// RunState is the resume document for one output directory.
type RunState struct {
	ParcelsPath string              `json:"parcels_path"`
	RasterPath  string              `json:"raster_path"`
	StartedAt   time.Time           `json:"started_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	Groups      map[int]*GroupState `json:"groups"`
}

// Codec serializes the run state document.
type Codec interface {
	Encode(w io.Writer, st *RunState) error
	Decode(r io.Reader, st *RunState) error
	Extension() string
}

// JSONCodec writes human-readable state, the default.
type JSONCodec struct{}

func (JSONCodec) Encode(w io.Writer, st *RunState) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func (JSONCodec) Decode(r io.Reader, st *RunState) error {
	return json.NewDecoder(r).Decode(st)
}

func (JSONCodec) Extension() string { return ".json" }

// GobCodec writes compact binary state for very large runs.
type GobCodec struct{}

func (GobCodec) Encode(w io.Writer, st *RunState) error {
	return gob.NewEncoder(w).Encode(st)
}

func (GobCodec) Decode(r io.Reader, st *RunState) error {
	return gob.NewDecoder(r).Decode(st)
}

func (GobCodec) Extension() string { return ".gob" }

// Store owns the run state file. Saves are atomic: state goes to a temporary
// file first and is renamed over the previous one, so a crash mid-write never
// corrupts the resume document.
type Store struct {
	mu    sync.Mutex
	path  string
	codec Codec
	state *RunState
	now   func() time.Time
}

// NewStore creates a store with a fresh document at dir/run_state<ext>.
func NewStore(dir string, codec Codec) *Store {
	s := &Store{
		path:  filepath.Join(dir, "run_state"+codec.Extension()),
		codec: codec,
		now:   time.Now,
	}
	s.state = &RunState{
		StartedAt: s.now(),
		Groups:    make(map[int]*GroupState),
	}
	return s
}

// OpenStore loads an existing document from dir when present, otherwise it
// starts fresh. The boolean reports whether prior state was found.
func OpenStore(dir string, codec Codec) (*Store, bool, error) {
	s := NewStore(dir, codec)
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return s, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open run state: %w", err)
	}
	defer f.Close()

	st := &RunState{}
	if err := codec.Decode(f, st); err != nil {
		return nil, false, fmt.Errorf("decode run state %s: %w", s.path, err)
	}
	if st.Groups == nil {
		st.Groups = make(map[int]*GroupState)
	}
	s.state = st
	return s, true, nil
}

// SetInputs records the input paths the state belongs to.
func (s *Store) SetInputs(parcelsPath, rasterPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ParcelsPath = parcelsPath
	s.state.RasterPath = rasterPath
}

// Inputs returns the recorded input paths.
func (s *Store) Inputs() (parcelsPath, rasterPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ParcelsPath, s.state.RasterPath
}

// RegisterGroup adds a pending entry for the group. An existing entry with
// the same parcel count survives, so resumed runs keep completed groups; a
// different count means the partition changed and the entry resets.
func (s *Store) RegisterGroup(id, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gs, ok := s.state.Groups[id]; ok && gs.Total == total {
		return
	}
	s.state.Groups[id] = &GroupState{
		Status:    GroupPending,
		Total:     total,
		UpdatedAt: s.now(),
	}
}

// GroupRunning marks the group started and saves.
func (s *Store) GroupRunning(id int) error {
	return s.update(id, GroupRunning, -1, -1, "")
}

// GroupProgress records a checkpoint for a running group and saves.
func (s *Store) GroupProgress(id, processed, failed int, file string) error {
	return s.update(id, GroupRunning, processed, failed, file)
}

// GroupComplete marks the group finished and saves.
func (s *Store) GroupComplete(id, processed, failed int, file string) error {
	return s.update(id, GroupComplete, processed, failed, file)
}

// GroupFailed marks the group failed-partial and saves. The group file still
// holds one row per parcel; the remainder rows are zero-filled.
func (s *Store) GroupFailed(id, processed, failed int, file string) error {
	return s.update(id, GroupFailedPartial, processed, failed, file)
}

func (s *Store) update(id int, status GroupStatus, processed, failed int, file string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gs, ok := s.state.Groups[id]
	if !ok {
		return fmt.Errorf("group %d was never registered", id)
	}
	gs.Status = status
	if processed >= 0 {
		gs.Processed = processed
	}
	if failed >= 0 {
		gs.Failed = failed
	}
	if file != "" {
		gs.File = file
	}
	gs.UpdatedAt = s.now()
	return s.save()
}

// CompletedGroups returns the final artifact path per completed group.
func (s *Store) CompletedGroups() map[int]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	done := make(map[int]string)
	for id, gs := range s.state.Groups {
		if gs.Status == GroupComplete && gs.File != "" {
			done[id] = gs.File
		}
	}
	return done
}

// State returns a copy of the document.
func (s *Store) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := *s.state
	st.Groups = make(map[int]*GroupState, len(s.state.Groups))
	for id, gs := range s.state.Groups {
		c := *gs
		st.Groups[id] = &c
	}
	return st
}

// Path returns the run state file location.
func (s *Store) Path() string {
	return s.path
}

// Save persists the document.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func (s *Store) save() error {
	s.state.UpdatedAt = s.now()

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("write run state: %w", err)
	}
	if err := s.codec.Encode(f, s.state); err != nil {
		f.Close()
		return fmt.Errorf("encode run state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write run state: %w", err)
	}
	return os.Rename(tmp, s.path)
}
