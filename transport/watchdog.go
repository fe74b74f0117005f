package transport

import (
	"context"
	"errors"
	"os"
	"time"
)

// watchdog cancels its context when it is not kicked within timeout. A zero
// timeout disables the timer but still yields a cancellable context.
type watchdog struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	timeout time.Duration
}

func newWatchdog(parent context.Context, timeout time.Duration) *watchdog {
	ctx, cancel := context.WithCancelCause(parent)
	wd := &watchdog{
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
	}
	if timeout > 0 {
		wd.timer = time.AfterFunc(timeout, func() {
			cancel(os.ErrDeadlineExceeded)
		})
	}
	return wd
}

// Kick restarts the countdown.
func (wd *watchdog) Kick() {
	if wd.timer != nil {
		wd.timer.Reset(wd.timeout)
	}
}

// Cancel stops the timer and cancels the context.
func (wd *watchdog) Cancel() {
	if wd.timer != nil {
		wd.timer.Stop()
	}
	wd.cancel(nil)
}

// Expired reports whether the context was cancelled by the timer.
func (wd *watchdog) Expired() bool {
	return errors.Is(context.Cause(wd.ctx), os.ErrDeadlineExceeded)
}
