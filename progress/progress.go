// Package progress tracks per-group and overall completion for long batch
// runs and renders a rate-limited status line.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tj/go-spin"
)

// ewma folds one instantaneous observation into the previous estimate.
func ewma(prev, inst, alpha float64) float64 {
	return alpha*inst + (1-alpha)*prev
}

// GroupProgress is a point-in-time view of one group.
type GroupProgress struct {
	Done       int
	Total      int
	Rate       float64 // parcels per second, smoothed
	Started    time.Time
	LastUpdate time.Time
}

type groupState struct {
	done       int
	total      int
	start      time.Time
	lastUpdate time.Time
	rate       float64
	hasRate    bool
}

// Snapshot is a point-in-time view of the whole run.
type Snapshot struct {
	Done        int
	Failed      int
	Total       int
	GroupsDone  int
	GroupsTotal int
	Rate        float64 // parcels per second, smoothed global rate
	Elapsed     time.Duration
	ETA         time.Duration // zero until a rate exists
}

// Tracker accumulates completion counts shared by all workers. The global
// rate smooths cumulative-done over elapsed rather than the last delta, so a
// single stalled parcel does not swing the ETA.
type Tracker struct {
	mu          sync.Mutex
	alpha       float64
	now         func() time.Time
	start       time.Time
	total       int
	done        int
	failed      int
	rate        float64
	hasRate     bool
	groups      map[int]*groupState
	groupsDone  int
	groupsTotal int
}

// NewTracker creates a tracker for total parcels across groupsTotal groups.
// alpha is the EWMA smoothing factor.
func NewTracker(total, groupsTotal int, alpha float64) *Tracker {
	t := &Tracker{
		alpha:       alpha,
		now:         time.Now,
		total:       total,
		groups:      make(map[int]*groupState),
		groupsTotal: groupsTotal,
	}
	t.start = t.now()
	return t
}

// StartGroup registers a group before its first parcel completes.
func (t *Tracker) StartGroup(id, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.groups[id] = &groupState{total: total, start: now, lastUpdate: now}
}

// Add records one finished parcel in the given group.
func (t *Tracker) Add(groupID int, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.done++
	if failed {
		t.failed++
	}

	if elapsed := now.Sub(t.start).Seconds(); elapsed > 0 {
		inst := float64(t.done) / elapsed
		if t.hasRate {
			t.rate = ewma(t.rate, inst, t.alpha)
		} else {
			t.rate = inst
			t.hasRate = true
		}
	}

	gs := t.groups[groupID]
	if gs == nil {
		return
	}
	gs.done++
	if dt := now.Sub(gs.lastUpdate).Seconds(); dt > 0 {
		inst := 1 / dt
		if gs.hasRate {
			gs.rate = ewma(gs.rate, inst, t.alpha)
		} else {
			gs.rate = inst
			gs.hasRate = true
		}
	}
	gs.lastUpdate = now
	if gs.done == gs.total {
		t.groupsDone++
	}
}

// Snapshot returns the current overall progress.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		Done:        t.done,
		Failed:      t.failed,
		Total:       t.total,
		GroupsDone:  t.groupsDone,
		GroupsTotal: t.groupsTotal,
		Rate:        t.rate,
		Elapsed:     t.now().Sub(t.start),
	}
	if t.hasRate && t.rate > 0 && t.done < t.total {
		s.ETA = time.Duration(float64(t.total-t.done) / t.rate * float64(time.Second))
	}
	return s
}

// Group returns the current progress of one group.
func (t *Tracker) Group(id int) (GroupProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	gs := t.groups[id]
	if gs == nil {
		return GroupProgress{}, false
	}
	return GroupProgress{
		Done:       gs.done,
		Total:      gs.total,
		Rate:       gs.rate,
		Started:    gs.start,
		LastUpdate: gs.lastUpdate,
	}, true
}

// Reporter renders snapshots as a single rewritten terminal line, at most
// once per interval no matter how many workers call it.
type Reporter struct {
	mu       sync.Mutex
	tracker  *Tracker
	out      io.Writer
	log      zerolog.Logger
	spinner  *spin.Spinner
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

// NewReporter writes status lines for tracker to out.
func NewReporter(tracker *Tracker, out io.Writer, interval time.Duration, log zerolog.Logger) *Reporter {
	return &Reporter{
		tracker:  tracker,
		out:      out,
		log:      log,
		spinner:  spin.New(),
		interval: interval,
		now:      time.Now,
	}
}

// MaybeReport writes a status line unless one was written too recently.
func (r *Reporter) MaybeReport() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if !r.last.IsZero() && now.Sub(r.last) < r.interval {
		return
	}
	r.last = now
	r.writeLine(r.tracker.Snapshot(), r.spinner.Next())
}

// GroupDone logs one group's completion. Unlike the status line, the log
// entry survives scrollback.
func (r *Reporter) GroupDone(id int) {
	gp, ok := r.tracker.Group(id)
	if !ok {
		return
	}
	r.log.Info().
		Int("group", id).
		Int("parcels", gp.Done).
		Float64("rate_per_sec", gp.Rate).
		Dur("elapsed", gp.LastUpdate.Sub(gp.Started)).
		Msg("group complete")
}

// Final replaces the status line with the closing line and logs the summary.
func (r *Reporter) Final() {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.tracker.Snapshot()
	fmt.Fprintf(r.out, "\rprocessed %d/%d parcels in %s (%d failed)\n",
		s.Done, s.Total, s.Elapsed.Truncate(time.Millisecond), s.Failed)
	r.log.Info().
		Int("processed", s.Done).
		Int("failed", s.Failed).
		Dur("elapsed", s.Elapsed).
		Float64("rate_per_sec", s.Rate).
		Msg("run complete")
}

func (r *Reporter) writeLine(s Snapshot, frame string) {
	pct := 0.0
	if s.Total > 0 {
		pct = float64(s.Done) / float64(s.Total) * 100
	}
	fmt.Fprintf(r.out, "\r%s %d/%d parcels (%.1f%%) groups %d/%d %.1f/sec eta %s",
		frame, s.Done, s.Total, pct, s.GroupsDone, s.GroupsTotal, s.Rate, formatETA(s.ETA))
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	return d.Truncate(time.Second).String()
}
