package progress

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testTracker(total, groups int) (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	tr := NewTracker(total, groups, 0.1)
	tr.now = clock.Now
	tr.start = clock.Now()
	return tr, clock
}

func TestEWMA(t *testing.T) {
	assert.InDelta(t, 11.0, ewma(10, 20, 0.1), 1e-9)
	assert.InDelta(t, 10.0, ewma(10, 10, 0.1), 1e-9)
}

func TestTrackerFirstSampleIsInstantaneous(t *testing.T) {
	tr, clock := testTracker(10, 1)
	tr.StartGroup(0, 10)

	clock.Advance(2 * time.Second)
	tr.Add(0, false)

	s := tr.Snapshot()
	assert.Equal(t, 1, s.Done)
	assert.InDelta(t, 0.5, s.Rate, 1e-9)
	assert.Equal(t, 18*time.Second, s.ETA)
}

func TestTrackerSmoothsGlobalRate(t *testing.T) {
	tr, clock := testTracker(100, 1)
	tr.StartGroup(0, 100)

	clock.Advance(time.Second)
	tr.Add(0, false) // 1 done in 1s: rate 1.0

	clock.Advance(250 * time.Millisecond)
	tr.Add(0, false) // 2 done in 1.25s: instantaneous 1.6

	s := tr.Snapshot()
	assert.InDelta(t, 0.1*1.6+0.9*1.0, s.Rate, 1e-9)
}

func TestTrackerPerGroupRate(t *testing.T) {
	tr, clock := testTracker(5, 1)
	tr.StartGroup(0, 5)

	clock.Advance(time.Second)
	tr.Add(0, false) // first sample: 1/s

	clock.Advance(500 * time.Millisecond)
	tr.Add(0, false) // instantaneous 2/s

	gp, ok := tr.Group(0)
	require.True(t, ok)
	assert.Equal(t, 2, gp.Done)
	assert.InDelta(t, 0.1*2.0+0.9*1.0, gp.Rate, 1e-9)
}

func TestTrackerCountsGroupCompletions(t *testing.T) {
	tr, clock := testTracker(3, 2)
	tr.StartGroup(0, 2)
	tr.StartGroup(1, 1)

	clock.Advance(time.Second)
	tr.Add(0, false)
	clock.Advance(time.Second)
	tr.Add(0, true)
	assert.Equal(t, 1, tr.Snapshot().GroupsDone)

	clock.Advance(time.Second)
	tr.Add(1, false)

	s := tr.Snapshot()
	assert.Equal(t, 2, s.GroupsDone)
	assert.Equal(t, 3, s.Done)
	assert.Equal(t, 1, s.Failed)
	assert.Zero(t, s.ETA, "no ETA once everything is done")
}

func TestReporterRateLimit(t *testing.T) {
	tr, _ := testTracker(10, 1)
	clock := &fakeClock{t: time.Unix(2000, 0)}
	var buf bytes.Buffer
	r := NewReporter(tr, &buf, time.Second, zerolog.Nop())
	r.now = clock.Now

	r.MaybeReport()
	r.MaybeReport()
	clock.Advance(999 * time.Millisecond)
	r.MaybeReport()
	assert.Equal(t, 1, strings.Count(buf.String(), "\r"))

	clock.Advance(time.Millisecond)
	r.MaybeReport()
	assert.Equal(t, 2, strings.Count(buf.String(), "\r"))
}

func TestReporterFinalLine(t *testing.T) {
	tr, clock := testTracker(2, 1)
	tr.StartGroup(0, 2)
	clock.Advance(time.Second)
	tr.Add(0, false)
	clock.Advance(time.Second)
	tr.Add(0, true)

	var buf bytes.Buffer
	r := NewReporter(tr, &buf, time.Second, zerolog.Nop())
	r.Final()

	assert.Contains(t, buf.String(), "processed 2/2 parcels")
	assert.Contains(t, buf.String(), "(1 failed)")
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestTrackerConcurrentAdds(t *testing.T) {
	tr := NewTracker(1000, 10, 0.1)
	for g := range 10 {
		tr.StartGroup(g, 100)
	}

	var wg sync.WaitGroup
	for g := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				tr.Add(g, false)
			}
		}()
	}
	wg.Wait()

	s := tr.Snapshot()
	assert.Equal(t, 1000, s.Done)
	assert.Equal(t, 10, s.GroupsDone)
}
