package output

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wing32s/gogrepoc/internal/engine"
	"github.com/wing32s/gogrepoc/internal/progress"
)

func TestPrintProgressBar(t *testing.T) {
	tests := []struct {
		current, total int64
		want           string
	}{
		{0, 100, "0.0%"},
		{50, 100, "50.0%"},
		{150, 100, "100.0%"},
		{-5, 100, "0.0%"},
		{10, 0, "100.0%"},
	}
	for _, tt := range tests {
		assert.Contains(t, PrintProgressBar(tt.current, tt.total, 10), tt.want)
	}
}

func TestManagerRecordsFileLifecycle(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(&buf)
	require.False(t, m.interactive)

	m.Started("1", "game/setup.exe", 1000)
	m.Started("2", "game/patch.bin", 200)
	m.Snapshot(progress.Snapshot{
		At:             time.Now(),
		TotalRemaining: 700,
		Tasks: []progress.TaskProgress{
			{ID: "1", Name: "game/setup.exe", Total: 1000, Remaining: 500},
			{ID: "2", Name: "game/patch.bin", Total: 200, Remaining: 200},
		},
	})
	m.mutex.RLock()
	require.Len(t, m.outputs["1"].StreamLines, 1)
	assert.Contains(t, m.outputs["1"].StreamLines[0], "50.0%")
	m.mutex.RUnlock()

	m.Finished("1", "game/setup.exe", engine.StatusCompleted, nil)
	m.Finished("2", "game/patch.bin", engine.StatusFailed, fmt.Errorf("host returned 404"))
	m.Finished("3", "unknown.bin", engine.StatusFailed, fmt.Errorf("ignored"))

	out := buf.String()
	assert.Contains(t, out, "Completed game/setup.exe")
	assert.Contains(t, out, "Failed game/patch.bin")
	assert.NotContains(t, out, "unknown.bin")
	require.Len(t, m.errors, 1)
	assert.True(t, m.outputs["1"].Complete)
	assert.Empty(t, m.outputs["1"].StreamLines)
}

func TestShowSummary(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(&buf)
	m.Started("1", "b.bin", 10)
	m.Finished("1", "b.bin", engine.StatusFailed, fmt.Errorf("connection reset"))
	buf.Reset()

	m.ShowSummary(&engine.Report{
		Completed:     []string{"a.bin"},
		Unchanged:     []string{"c.bin"},
		Skipped:       []engine.Skip{{Name: "d.bin", Size: 2048, Reason: "download budget exceeded"}},
		Failed:        []engine.Failure{{Name: "b.bin", Err: fmt.Errorf("connection reset")}},
		BytesFetched:  1024,
		BytesVerified: 2048,
	})
	out := buf.String()
	assert.Contains(t, out, "Completed 1 of 4")
	assert.Contains(t, out, "Up to date 1 of 4")
	assert.Contains(t, out, "Skipped 1 of 4")
	assert.Contains(t, out, "d.bin")
	assert.Contains(t, out, "download budget exceeded")
	assert.Contains(t, out, "Failed 1 of 4")
	assert.Contains(t, out, "Error: connection reset")
}

func TestStartStopDisplayNonInteractive(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(&buf)
	m.displayTick = time.Millisecond
	m.StartDisplay()
	m.Started("1", "a.bin", 10)
	time.Sleep(5 * time.Millisecond)
	m.StopDisplay()
	assert.NotContains(t, buf.String(), "\033[")
}

func TestPrintPlan(t *testing.T) {
	var buf bytes.Buffer
	PrintPlan(&buf, &engine.Report{
		Planned:     []string{"a.bin", strings.Repeat("x", 200)},
		QueuedBytes: 4096,
		Skipped:     []engine.Skip{{Name: "big.iso", Reason: "download budget exceeded"}},
	})
	out := buf.String()
	assert.Contains(t, out, "2 files")
	assert.Contains(t, out, "a.bin")
	assert.Contains(t, out, "...")
	assert.Contains(t, out, "big.iso: download budget exceeded")
}
