package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"syscall"

	"github.com/franksops/gofetch/transport"
)

// DefaultMaxRetries is the number of extra connection attempts made after a
// transient failure.
const DefaultMaxRetries = 3

// RetryState tracks the attempts made for one connection.
type RetryState struct {
	Attempt int
	Max     int

	// Relaxed latches once the revocation check has been relaxed.
	Relaxed bool
}

// RetryPolicy wraps the request step of a connection. Transient failures are
// retried up to MaxRetries times; an unavailable revocation list relaxes the
// revocation check once without using up a retry.
type RetryPolicy struct {
	MaxRetries      int
	ForceRevocation bool
	Abort           SignalView
	Listener        transport.Listener
	Logger          *slog.Logger
}

// IsTransient reports whether err is worth another connection attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, transport.ErrConnRefused) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, transport.ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (p *RetryPolicy) notify(text string) {
	if p.Listener != nil {
		p.Listener.OnMessage(text)
	}
}

func (p *RetryPolicy) aborted(ctx context.Context, stopped func() bool) bool {
	if p.Abort != nil && p.Abort.IsSet() {
		return true
	}
	if stopped != nil && stopped() {
		return true
	}
	return ctx.Err() != nil
}

// Do sends req through client, retrying as the policy allows. It returns
// ErrAborted when stopped reports true, the abort signal fires, or ctx is
// cancelled between attempts.
func (p *RetryPolicy) Do(ctx context.Context, client transport.Client, req transport.Request, stopped func() bool) (RetryState, error) {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	state := RetryState{Max: max(p.MaxRetries, 0)}

	for {
		if p.aborted(ctx, stopped) {
			return state, ErrAborted
		}

		err := client.Open(ctx, req)
		if err == nil {
			return state, nil
		}

		if p.aborted(ctx, stopped) {
			return state, ErrAborted
		}

		if errors.Is(err, transport.ErrRevocationUnavailable) && !p.ForceRevocation && !state.Relaxed {
			if r, ok := client.(transport.Relaxer); ok {
				r.RelaxRevocation()
				state.Relaxed = true
				log.Warn("revocation check relaxed", "url", req.URL.Redacted(), "error", err)
				p.notify("Revocation information is unavailable, retrying without the revocation check!")
				continue
			}
		}

		if IsTransient(err) && state.Attempt < state.Max {
			state.Attempt++
			log.Info("connection attempt failed", "url", req.URL.Redacted(), "attempt", state.Attempt, "error", err)
			p.notify(fmt.Sprintf("Connection failed (%v), retrying [%d/%d]", err, state.Attempt, state.Max))
			continue
		}

		return state, err
	}
}
