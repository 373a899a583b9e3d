package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(clock *time.Time) *Tracker {
	tr := NewTracker()
	tr.now = func() time.Time { return *clock }
	tr.lastSnapshot = *clock
	return tr
}

func TestAdvanceAndRestore(t *testing.T) {
	tr := NewTracker()
	tr.Start("a", "setup.exe", 1000)

	assert.Equal(t, int64(500), tr.Advance(0, "a", 500))
	assert.Equal(t, int64(800), tr.Advance(0, "a", -300))

	remaining, ok := tr.Remaining("a")
	require.True(t, ok)
	assert.Equal(t, int64(800), remaining)
}

func TestAdvanceClamps(t *testing.T) {
	tr := NewTracker()
	tr.Start("a", "setup.exe", 100)

	assert.Equal(t, int64(100), tr.Advance(0, "a", -50))
	assert.Equal(t, int64(0), tr.Advance(0, "a", 250))
	assert.Equal(t, int64(0), tr.Advance(0, "a", 1))

	_, ok := tr.Remaining("missing")
	assert.False(t, ok)
	assert.Equal(t, int64(0), tr.Advance(0, "missing", 10))
}

func TestResize(t *testing.T) {
	tr := NewTracker()
	tr.Start("a", "setup.exe", 1000)
	tr.Resize("a", 1200)
	remaining, _ := tr.Remaining("a")
	assert.Equal(t, int64(1200), remaining)
	assert.Equal(t, int64(0), tr.Advance(1, "a", 1200))
}

func TestSnapshotClearsSamples(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := newTestTracker(&clock)
	tr.Start("a", "one.bin", 1000)
	tr.Start("b", "two.bin", 500)

	tr.Advance(0, "a", 300)
	tr.Advance(1, "b", 200)
	tr.Advance(1, "b", 100)

	clock = clock.Add(time.Second)
	snap := tr.Snapshot()
	assert.Equal(t, time.Second, snap.Interval)
	assert.Equal(t, int64(700+200), snap.TotalRemaining)
	require.Len(t, snap.Workers, 2)
	assert.Equal(t, WorkerRate{Worker: 0, Bytes: 300, Rate: 300}, snap.Workers[0])
	assert.Equal(t, WorkerRate{Worker: 1, Bytes: 300, Rate: 300}, snap.Workers[1])
	assert.InDelta(t, 600.0, snap.Rate(), 0.001)
	assert.Len(t, snap.Tasks, 2)

	clock = clock.Add(time.Second)
	next := tr.Snapshot()
	assert.Empty(t, next.Workers)
	assert.Equal(t, snap.TotalRemaining, next.TotalRemaining)
}

func TestSnapshotExcludesFinished(t *testing.T) {
	tr := NewTracker()
	tr.Start("a", "one.bin", 1000)
	tr.Start("b", "two.bin", 500)
	tr.Finish("b")
	assert.Equal(t, int64(1000), tr.Snapshot().TotalRemaining)
}

func TestConcurrentAdvance(t *testing.T) {
	tr := NewTracker()
	tr.Start("a", "big.bin", 4*1000)
	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				tr.Advance(w, "a", 1)
			}
		}()
	}
	wg.Wait()
	remaining, _ := tr.Remaining("a")
	assert.Equal(t, int64(0), remaining)
}
