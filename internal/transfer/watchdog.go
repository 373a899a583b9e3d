package transfer

import (
	"context"
	"io"
	"os"
	"time"
)

type watchdog struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	timeout time.Duration
}

// newWatchdog derives a context that is canceled with os.ErrDeadlineExceeded
// once timeout passes without a Kick.
func newWatchdog(parent context.Context, timeout time.Duration) (context.Context, *watchdog) {
	ctx, cancel := context.WithCancelCause(parent)
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			cancel(os.ErrDeadlineExceeded)
		})
	}
	return ctx, &watchdog{
		ctx:     ctx,
		cancel:  cancel,
		timer:   timer,
		timeout: timeout,
	}
}

func (wd *watchdog) Kick() {
	if wd.timer != nil {
		wd.timer.Reset(wd.timeout)
	}
}

func (wd *watchdog) Stop() {
	if wd.timer != nil {
		wd.timer.Stop()
	}
	wd.cancel(nil)
}

// Fired reports whether the inactivity timer, not the parent, canceled ctx.
func (wd *watchdog) Fired() bool {
	return context.Cause(wd.ctx) == os.ErrDeadlineExceeded
}

// guardedReader kicks the watchdog on every successful read.
type guardedReader struct {
	r  io.Reader
	wd *watchdog
}

func (g guardedReader) Read(p []byte) (int, error) {
	n, err := g.r.Read(p)
	if n > 0 {
		g.wd.Kick()
	}
	return n, err
}
