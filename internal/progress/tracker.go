package progress

import (
	"sort"
	"sync"
	"time"
)

type TaskProgress struct {
	ID        string
	Name      string
	Total     int64
	Remaining int64
	StartTime time.Time
	Done      bool
}

type WorkerRate struct {
	Worker int
	Bytes  int64
	Rate   float64 // bytes per second over the snapshot interval
}

type Snapshot struct {
	At             time.Time
	Interval       time.Duration
	TotalRemaining int64
	Workers        []WorkerRate
	Tasks          []TaskProgress
}

type sample struct {
	worker int
	bytes  int64
}

// Tracker holds remaining-byte counters per task and the throughput sample
// log. A single mutex guards both and is only held for arithmetic.
type Tracker struct {
	mutex        sync.Mutex
	tasks        map[string]*TaskProgress
	samples      []sample
	lastSnapshot time.Time
	now          func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		tasks:        make(map[string]*TaskProgress),
		lastSnapshot: time.Now(),
		now:          time.Now,
	}
}

func (t *Tracker) Start(id, name string, total int64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.tasks[id] = &TaskProgress{
		ID:        id,
		Name:      name,
		Total:     total,
		Remaining: total,
		StartTime: t.now(),
	}
}

// Resize replaces the total for a task whose remote size drifted. The
// remaining counter is reset to the new total, so it must be called before
// any bytes of the task are counted.
func (t *Tracker) Resize(id string, total int64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if info, exists := t.tasks[id]; exists {
		info.Total = total
		info.Remaining = total
	}
}

// Advance records delta confirmed bytes for a task. A negative delta
// restores bytes of a failed attempt. Remaining stays within [0, Total].
func (t *Tracker) Advance(worker int, id string, delta int64) int64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	info, exists := t.tasks[id]
	if !exists {
		return 0
	}
	before := info.Remaining
	info.Remaining = min(max(info.Remaining-delta, 0), info.Total)
	applied := before - info.Remaining
	if applied != 0 {
		t.samples = append(t.samples, sample{worker: worker, bytes: applied})
	}
	return info.Remaining
}

func (t *Tracker) Remaining(id string) (int64, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	info, exists := t.tasks[id]
	if !exists {
		return 0, false
	}
	return info.Remaining, true
}

func (t *Tracker) Finish(id string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if info, exists := t.tasks[id]; exists {
		info.Done = true
	}
}

// Snapshot summarizes throughput since the previous snapshot and clears the
// sample log.
func (t *Tracker) Snapshot() Snapshot {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	now := t.now()
	interval := now.Sub(t.lastSnapshot)
	t.lastSnapshot = now

	perWorker := make(map[int]int64)
	for _, s := range t.samples {
		perWorker[s.worker] += s.bytes
	}
	t.samples = t.samples[:0]

	snap := Snapshot{At: now, Interval: interval}
	for worker, bytes := range perWorker {
		rate := 0.0
		if interval > 0 && bytes > 0 {
			rate = float64(bytes) / interval.Seconds()
		}
		snap.Workers = append(snap.Workers, WorkerRate{Worker: worker, Bytes: bytes, Rate: rate})
	}
	sort.Slice(snap.Workers, func(i, j int) bool {
		return snap.Workers[i].Worker < snap.Workers[j].Worker
	})
	for _, info := range t.tasks {
		if !info.Done {
			snap.TotalRemaining += info.Remaining
		}
		snap.Tasks = append(snap.Tasks, *info)
	}
	sort.Slice(snap.Tasks, func(i, j int) bool {
		return snap.Tasks[i].StartTime.Before(snap.Tasks[j].StartTime) ||
			(snap.Tasks[i].StartTime.Equal(snap.Tasks[j].StartTime) && snap.Tasks[i].Name < snap.Tasks[j].Name)
	})
	return snap
}

// Rate sums the per-worker rates of a snapshot.
func (s Snapshot) Rate() float64 {
	var total float64
	for _, w := range s.Workers {
		total += w.Rate
	}
	return total
}
