package engine

import (
	"errors"
	"log/slog"

	"github.com/franksops/gofetch/transport"
)

// NewConnector creates the task that sends the request. It runs the retry
// policy around client.Open and reports OutcomeComplete once a response has
// been received.
func NewConnector(client transport.Client, req transport.Request, policy *RetryPolicy, log *slog.Logger, opts ...TaskOption) *Task {
	if log == nil {
		log = slog.Default()
	}
	fn := func(tc *TaskControl) (Outcome, error) {
		state, err := policy.Do(tc.Context(), client, req, tc.Stopped)
		if errors.Is(err, ErrAborted) {
			return OutcomeAborted, abortedError("connect")
		}
		if err != nil {
			return OutcomeTransportError, transportError("connect", err)
		}
		if tc.Stopped() {
			return OutcomeAborted, abortedError("connect")
		}
		if state.Attempt > 0 || state.Relaxed {
			log.Debug("connected after retries", "attempts", state.Attempt, "relaxed", state.Relaxed)
		}
		return OutcomeComplete, nil
	}

	opts = append([]TaskOption{WithPriority(PriorityAboveNormal), WithTaskLogger(log)}, opts...)
	return NewTask("connector", fn, opts...)
}
