package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/wing32s/gogrepoc/internal/engine"
	"github.com/wing32s/gogrepoc/internal/progress"
	"github.com/wing32s/gogrepoc/internal/utils"
)

type FileOutput struct {
	ID          string
	Name        string
	Size        int64
	Status      engine.Status
	Message     string
	StreamLines []string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
	Index       int
}

type ErrorReport struct {
	Name  string
	Error error
	Time  time.Time
}

// Manager renders per-file progress for a run and implements
// engine.Observer. On a terminal it redraws in place; elsewhere it prints
// one line per finished file.
type Manager struct {
	outputs     map[string]*FileOutput
	mutex       sync.RWMutex
	out         io.Writer
	interactive bool
	numLines    int
	maxFinished int
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	fileCount   int
	displayWg   sync.WaitGroup
	rate        float64
	remaining   int64
}

var _ engine.Observer = (*Manager)(nil)

func NewManager(out io.Writer) *Manager {
	return &Manager{
		outputs:     make(map[string]*FileOutput),
		out:         out,
		interactive: isTerminal(out),
		maxFinished: 8,
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
	}
}

func (m *Manager) Started(id, name string, size int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.fileCount++
	m.outputs[id] = &FileOutput{
		ID:          id,
		Name:        name,
		Size:        size,
		Message:     name,
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
		Index:       m.fileCount,
	}
}

func (m *Manager) Finished(id, name string, status engine.Status, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	info, exists := m.outputs[id]
	if !exists {
		return
	}
	info.StreamLines = nil
	info.Complete = true
	info.Status = status
	info.Error = err
	info.LastUpdated = time.Now()
	switch status {
	case engine.StatusCompleted:
		info.Message = fmt.Sprintf("Completed %s (%s)", name, utils.FormatBytes(uint64(info.Size)))
	case engine.StatusUnchanged:
		info.Message = fmt.Sprintf("%s is up to date", name)
	case engine.StatusSkipped:
		info.Message = fmt.Sprintf("Skipped %s: %v", name, err)
	default:
		info.Message = fmt.Sprintf("Failed %s", name)
		m.errors = append(m.errors, ErrorReport{Name: name, Error: err, Time: time.Now()})
	}
	if !m.interactive {
		fmt.Fprintf(m.out, "%s %s\n", statusIndicator(status), styleFor(status).Render(info.Message))
	}
}

// Snapshot refreshes the progress bar of every file still in flight.
func (m *Manager) Snapshot(snap progress.Snapshot) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rate = snap.Rate()
	m.remaining = snap.TotalRemaining
	for _, task := range snap.Tasks {
		info, exists := m.outputs[task.ID]
		if !exists || info.Complete || task.Done {
			continue
		}
		done := task.Total - task.Remaining
		elapsed := time.Since(info.StartTime).Seconds()
		speed := 0.0
		if elapsed > 0 {
			speed = float64(done) / elapsed
		}
		text := fmt.Sprintf("%s / %s", utils.FormatBytes(uint64(max(done, 0))), utils.FormatBytes(uint64(task.Total)))
		info.StreamLines = []string{fmt.Sprintf("%s%s %s %s", PrintProgressBar(done, task.Total, 30), debugStyle.Render(text),
			StyleSymbols["bullet"], debugStyle.Render(utils.FormatSpeed(speed)))}
		info.LastUpdated = time.Now()
	}
}

func statusIndicator(status engine.Status) string {
	switch status {
	case engine.StatusCompleted, engine.StatusUnchanged:
		return successStyle.Render(StyleSymbols["pass"])
	case engine.StatusFailed:
		return errorStyle.Render(StyleSymbols["fail"])
	case engine.StatusSkipped:
		return warningStyle.Render(StyleSymbols["warning"])
	default:
		return pendingStyle.Render(StyleSymbols["pending"])
	}
}

func styleFor(status engine.Status) lipgloss.Style {
	switch status {
	case engine.StatusCompleted, engine.StatusUnchanged:
		return successStyle
	case engine.StatusFailed:
		return errorStyle
	case engine.StatusSkipped:
		return warningStyle
	default:
		return pendingStyle
	}
}

func (m *Manager) sortFiles() (active, finished []*FileOutput) {
	var all []*FileOutput
	for _, info := range m.outputs {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Index < all[j].Index
	})
	for _, f := range all {
		if f.Complete {
			finished = append(finished, f)
		} else {
			active = append(active, f)
		}
	}
	return active, finished
}

func (m *Manager) updateDisplay() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	availableLines := getTerminalHeight(m.out) - 3 // Leave some buffer for prompt

	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	lineCount := 0
	active, finished := m.sortFiles()

	header := fmt.Sprintf("%s remaining %s %s", utils.FormatBytes(uint64(max(m.remaining, 0))), StyleSymbols["bullet"], utils.FormatSpeed(m.rate))
	fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2), headerStyle.Render(header))
	lineCount++

	if len(finished) > m.maxFinished {
		if lineCount < availableLines {
			fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2), infoStyle.Render(fmt.Sprintf("%d files finished ...", len(finished)-m.maxFinished)))
			lineCount++
		}
		finished = finished[len(finished)-m.maxFinished:]
	}
	for _, info := range finished {
		if lineCount >= availableLines {
			break
		}
		elapsed := info.LastUpdated.Sub(info.StartTime).Round(time.Second)
		fmt.Fprintf(m.out, "%s%s %s %s\n", strings.Repeat(" ", 2), statusIndicator(info.Status),
			debugStyle.Render(elapsed.String()), styleFor(info.Status).Render(info.Message))
		lineCount++
	}

	for _, info := range active {
		if lineCount >= availableLines {
			break
		}
		elapsed := time.Since(info.StartTime).Round(time.Second)
		fmt.Fprintf(m.out, "%s%s %s %s\n", strings.Repeat(" ", 2), statusIndicator(""),
			debugStyle.Render(elapsed.String()), pendingStyle.Render(info.Message))
		lineCount++
		indent := strings.Repeat(" ", 2+4)
		for _, line := range info.StreamLines {
			if lineCount >= availableLines {
				break
			}
			fmt.Fprintf(m.out, "%s%s\n", indent, streamStyle.Render(line))
			lineCount++
		}
	}
	m.numLines = lineCount
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if m.interactive {
					m.updateDisplay()
				}
			case <-m.doneCh:
				if m.interactive {
					m.updateDisplay()
				}
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Bold(true).Render("Errors:"))
	for i, err := range m.errors {
		fmt.Fprintf(m.out, "%s%s %s %s\n",
			strings.Repeat(" ", 2+2),
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", err.Time.Format("15:04:05"))),
			errorStyle.Render(fmt.Sprintf("File: %s", err.Name)))
		fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2+4), errorStyle.Render(fmt.Sprintf("Error: %v", err.Error)))
	}
}

// ShowSummary prints per-status totals and the run report's byte counts.
func (m *Manager) ShowSummary(report *engine.Report) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	fmt.Fprintln(m.out)
	if report == nil {
		report = &engine.Report{}
	}
	total := len(report.Completed) + len(report.Unchanged) + len(report.Skipped) + len(report.Failed)
	line := func(style lipgloss.Style, text string) {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+style.Render(text))
	}
	line(success2Style, fmt.Sprintf("Completed %d of %d", len(report.Completed), total))
	if len(report.Unchanged) > 0 {
		line(successStyle, fmt.Sprintf("Up to date %d of %d", len(report.Unchanged), total))
	}
	if len(report.Skipped) > 0 {
		line(warningStyle, fmt.Sprintf("Skipped %d of %d", len(report.Skipped), total))
		for _, s := range report.Skipped {
			line(debugStyle, fmt.Sprintf("  %s %s (%s): %s", StyleSymbols["dot"], s.Name, utils.FormatBytes(uint64(s.Size)), s.Reason))
		}
	}
	if len(report.Failed) > 0 {
		line(errorStyle, fmt.Sprintf("Failed %d of %d", len(report.Failed), total))
	}
	if conflicts := report.Conflicts(); len(conflicts) > 0 {
		line(warningStyle, fmt.Sprintf("Needs attention, provisional and final copies both present: %s", strings.Join(conflicts, ", ")))
	}
	line(infoStyle, fmt.Sprintf("Fetched %s %s verified locally %s",
		utils.FormatBytes(uint64(report.BytesFetched)), StyleSymbols["bullet"], utils.FormatBytes(uint64(report.BytesVerified))))
	m.displayErrors()
	fmt.Fprintln(m.out)
}

// PrintPlan lists what a dry run would transfer.
func PrintPlan(w io.Writer, report *engine.Report) {
	PrintHeader(w, fmt.Sprintf("%d files, %s would be queued", len(report.Planned), utils.FormatBytes(uint64(report.QueuedBytes))))
	for _, name := range report.Planned {
		fmt.Fprintf(w, "%s%s %s\n", strings.Repeat(" ", 2), StyleSymbols["arrow"], truncate(name, 120))
	}
	for _, s := range report.Skipped {
		fmt.Fprintf(w, "%s%s %s\n", strings.Repeat(" ", 2), FWarning(StyleSymbols["warning"]), FDebug(fmt.Sprintf("%s: %s", s.Name, s.Reason)))
	}
}
