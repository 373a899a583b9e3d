package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunProcessesEveryItemOnce(t *testing.T) {
	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}
	var mutex sync.Mutex
	seen := make(map[int]int)
	workers := make(map[int]bool)

	err := Run(context.Background(), 4, items, func(ctx context.Context, worker int, item int) error {
		mutex.Lock()
		defer mutex.Unlock()
		seen[item]++
		workers[worker] = true
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 100)
	for item, count := range seen {
		assert.Equal(t, 1, count, "item %d", item)
	}
	for worker := range workers {
		assert.True(t, worker >= 0 && worker < 4)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	items := make([]int, 20)
	err := Run(context.Background(), 3, items, func(ctx context.Context, worker int, item int) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunStopsOnFatalError(t *testing.T) {
	fatal := errors.New("session expired")
	var processed atomic.Int32
	items := make([]int, 50)

	err := Run(context.Background(), 1, items, func(ctx context.Context, worker int, item int) error {
		if processed.Add(1) == 3 {
			return fatal
		}
		return nil
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, int32(3), processed.Load())
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var processed atomic.Int32
	err := Run(ctx, 2, make([]int, 10), func(ctx context.Context, worker int, item int) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, processed.Load())
}

func TestRunEmpty(t *testing.T) {
	err := Run(context.Background(), 4, []string{}, func(ctx context.Context, worker int, item string) error {
		t.Fatal("job called for empty input")
		return nil
	})
	assert.NoError(t, err)
}
