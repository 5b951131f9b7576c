// Package pipeline executes spatial groups on a fixed worker pool. Each
// worker owns its raster handle and classifier state, groups are dispatched
// unordered, and group results are checkpointed so an interrupted run can
// resume from the last persisted state.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bsaid97/go-slope-stats/checkpoint"
	"github.com/bsaid97/go-slope-stats/config"
	"github.com/bsaid97/go-slope-stats/output"
	"github.com/bsaid97/go-slope-stats/parcels"
	"github.com/bsaid97/go-slope-stats/partition"
	"github.com/bsaid97/go-slope-stats/progress"
	"github.com/bsaid97/go-slope-stats/raster"
	"github.com/bsaid97/go-slope-stats/slope"
)

// Config wires the runner's collaborators.
type Config struct {
	Policy     config.Policy
	RasterPath string
	OutDir     string
	Workers    int // concurrent groups; capped to the group count
	Tracker    *progress.Tracker
	Reporter   *progress.Reporter
	Store      *checkpoint.Store
	Log        zerolog.Logger
}

// GroupResult is the outcome of one executed group. Records always carries
// one row per input parcel, zero-filled past the point of a group abort.
type GroupResult struct {
	GroupID int
	Records []slope.Record
	Failed  bool   // aborted mid-group and zero-filled
	File    string // final group artifact, empty if the write failed
}

// groupWorker is the per-worker state a group runs against. The raster-backed
// implementation is the only one outside tests.
type groupWorker interface {
	Classify(p *parcels.Parcel) slope.Result
	Close() error
}

type rasterWorker struct {
	handle     *raster.Handle
	classifier *slope.Classifier
}

func (w *rasterWorker) Classify(p *parcels.Parcel) slope.Result { return w.classifier.Classify(p) }
func (w *rasterWorker) Close() error                            { return w.handle.Close() }

// Runner executes groups against per-worker classifiers. Workers never share
// GEOS or PROJ state.
type Runner struct {
	cfg     Config
	now     func() time.Time
	factory func(id int, parcelCRS string) (groupWorker, error)
}

func New(cfg Config) *Runner {
	r := &Runner{cfg: cfg, now: time.Now}
	r.factory = r.newRasterWorker
	return r
}

func (r *Runner) newRasterWorker(id int, parcelCRS string) (groupWorker, error) {
	h, err := raster.Open(r.cfg.RasterPath)
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", id, err)
	}
	log := r.cfg.Log.With().Int("worker", id).Logger()
	c := slope.NewClassifier(r.cfg.Policy, parcelCRS, h, log)
	if err := c.Prepare(); err != nil {
		h.Close()
		return nil, fmt.Errorf("worker %d: %w", id, err)
	}
	return &rasterWorker{handle: h, classifier: c}, nil
}

// Run executes the groups and returns records keyed by group id. All worker
// resources are created before the first group is dispatched, so a raster or
// projection problem aborts the run while it is still cheap to do so.
func (r *Runner) Run(set *parcels.Set, groups []partition.Group) (map[int][]slope.Record, error) {
	if len(groups) == 0 {
		return map[int][]slope.Record{}, nil
	}
	n := max(min(r.cfg.Workers, len(groups)), 1)

	workers := make([]groupWorker, 0, n)
	closeAll := func() {
		for _, w := range workers {
			if err := w.Close(); err != nil {
				r.cfg.Log.Warn().Err(err).Msg("cannot close worker raster handle")
			}
		}
	}
	for i := 0; i < n; i++ {
		w, err := r.factory(i, set.CRS)
		if err != nil {
			closeAll()
			return nil, err
		}
		workers = append(workers, w)
	}
	defer closeAll()

	r.cfg.Log.Info().
		Int("workers", n).
		Int("groups", len(groups)).
		Msg("dispatching groups")

	jobs := make(chan partition.Group, len(groups))
	results := make(chan GroupResult, len(groups))

	var wg sync.WaitGroup
	for i, w := range workers {
		i, w := i, w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for g := range jobs {
				results <- r.runGroup(i, w, set, g)
			}
		}()
	}
	for _, g := range groups {
		jobs <- g
	}
	close(jobs)
	wg.Wait()
	close(results)

	out := make(map[int][]slope.Record, len(groups))
	for res := range results {
		out[res.GroupID] = res.Records
	}
	return out, nil
}

// runGroup classifies every parcel of one group in input order. Progress is
// checkpointed every Policy.CheckpointEvery parcels or CheckpointInterval of
// wall time, whichever comes first. A panic anywhere in the group zero-fills
// the remaining parcels so the group file still has one row per parcel.
func (r *Runner) runGroup(workerID int, w groupWorker, set *parcels.Set, g partition.Group) GroupResult {
	log := r.cfg.Log.With().Int("group", g.ID).Int("worker", workerID).Logger()
	start := r.now()
	lastCheckpoint := start
	every := r.cfg.Policy.CheckpointEvery
	interval := r.cfg.Policy.CheckpointInterval()

	r.cfg.Tracker.StartGroup(g.ID, len(g.ParcelIdx))
	if err := r.cfg.Store.GroupRunning(g.ID); err != nil {
		log.Error().Err(err).Msg("cannot update run state")
	}
	log.Debug().Int("parcels", len(g.ParcelIdx)).Msg("group started")

	res := GroupResult{GroupID: g.ID, Records: make([]slope.Record, 0, len(g.ParcelIdx))}
	failed := 0

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Msg("group aborted, zero-filling remaining parcels")
				res.Failed = true
			}
		}()
		for i, idx := range g.ParcelIdx {
			p := &set.Parcels[idx]
			t0 := r.now()
			outcome := w.Classify(p)
			res.Records = append(res.Records, slope.Record{
				Parcel:  p,
				Result:  outcome,
				Seconds: r.now().Sub(t0).Seconds(),
			})
			if outcome.Reason != slope.FailureNone {
				failed++
			}
			for _, warn := range outcome.Warnings {
				log.Warn().Str("parcel", p.ID).Msg(warn)
			}
			r.cfg.Tracker.Add(g.ID, outcome.Reason != slope.FailureNone)
			r.cfg.Reporter.MaybeReport()

			done := i + 1
			if done == len(g.ParcelIdx) {
				break
			}
			if done%every == 0 || (interval > 0 && r.now().Sub(lastCheckpoint) >= interval) {
				r.checkpointGroup(g.ID, res.Records, failed, log)
				lastCheckpoint = r.now()
			}
		}
	}()

	if res.Failed {
		numClasses := len(r.cfg.Policy.Classes)
		for _, idx := range g.ParcelIdx[len(res.Records):] {
			p := &set.Parcels[idx]
			res.Records = append(res.Records, slope.Record{
				Parcel: p,
				Result: slope.Failed(slope.FailureGroupAborted, numClasses),
			})
			failed++
			r.cfg.Tracker.Add(g.ID, true)
		}
	}

	elapsed := r.now().Sub(start)
	finalPath := filepath.Join(r.cfg.OutDir, output.GroupCompleteFile(g.ID))
	if err := output.WriteRecords(finalPath, res.Records, r.cfg.Policy); err != nil {
		log.Error().Err(err).Msg("cannot write group file")
		res.Failed = true
	} else {
		res.File = finalPath
		if err := os.Remove(filepath.Join(r.cfg.OutDir, output.GroupInProgressFile(g.ID))); err != nil && !os.IsNotExist(err) {
			log.Debug().Err(err).Msg("cannot remove in-progress file")
		}
	}

	summary := output.SummarizeGroup(g.ID, res.Records, elapsed, r.cfg.Policy)
	summaryPath := filepath.Join(r.cfg.OutDir, output.GroupSummaryFile(g.ID))
	if err := output.WriteGroupSummary(summaryPath, summary, r.cfg.Policy); err != nil {
		log.Error().Err(err).Msg("cannot write group summary")
	}

	var stateErr error
	if res.Failed {
		stateErr = r.cfg.Store.GroupFailed(g.ID, len(res.Records), failed, res.File)
	} else {
		stateErr = r.cfg.Store.GroupComplete(g.ID, len(res.Records), failed, res.File)
	}
	if stateErr != nil {
		log.Error().Err(stateErr).Msg("cannot update run state")
	}

	r.cfg.Reporter.GroupDone(g.ID)
	log.Info().
		Int("parcels", len(res.Records)).
		Int("failed", failed).
		Float64("elapsed_sec", elapsed.Seconds()).
		Bool("aborted", res.Failed).
		Msg("group finished")
	return res
}

func (r *Runner) checkpointGroup(id int, recs []slope.Record, failed int, log zerolog.Logger) {
	path := filepath.Join(r.cfg.OutDir, output.GroupInProgressFile(id))
	if err := output.WriteRecords(path, recs, r.cfg.Policy); err != nil {
		log.Warn().Err(err).Msg("checkpoint write failed")
		return
	}
	if err := r.cfg.Store.GroupProgress(id, len(recs), failed, path); err != nil {
		log.Warn().Err(err).Msg("run state update failed")
	}
	log.Debug().Int("parcels", len(recs)).Msg("checkpoint written")
}

// Resume loads the records of already-completed groups from their group
// files and reports which groups still need to run. A completed group whose
// file has gone missing is re-executed rather than trusted.
func Resume(store *checkpoint.Store, groups []partition.Group, pol config.Policy, log zerolog.Logger) (done map[int][]slope.Record, todo []partition.Group) {
	completed := store.CompletedGroups()
	done = make(map[int][]slope.Record)
	for _, g := range groups {
		file, ok := completed[g.ID]
		if !ok {
			todo = append(todo, g)
			continue
		}
		if _, err := os.Stat(file); err != nil {
			log.Warn().Int("group", g.ID).Str("file", file).Msg("group file missing, re-running group")
			todo = append(todo, g)
			continue
		}
		recs, err := output.ReadRecords(file, pol)
		if err != nil {
			log.Warn().Err(err).Int("group", g.ID).Msg("cannot read group file, re-running group")
			todo = append(todo, g)
			continue
		}
		if len(recs) != len(g.ParcelIdx) {
			log.Warn().Int("group", g.ID).Int("have", len(recs)).Int("want", len(g.ParcelIdx)).
				Msg("group file row count does not match, re-running group")
			todo = append(todo, g)
			continue
		}
		log.Info().Int("group", g.ID).Int("parcels", len(recs)).Msg("group already complete, skipping")
		done[g.ID] = recs
	}
	return done, todo
}
