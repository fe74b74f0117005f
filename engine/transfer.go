package engine

import (
	"log/slog"

	"github.com/franksops/gofetch/sink"
	"github.com/franksops/gofetch/transport"
)

// NewTransfer creates the task that streams the response body into out. The
// byte counter is updated before the stop flag is checked, so a poller never
// sees progress go backwards.
func NewTransfer(client transport.Client, out sink.Sink, tctx *TransferContext, bufs *BufferPool, log *slog.Logger, opts ...TaskOption) *Task {
	if log == nil {
		log = slog.Default()
	}
	fn := func(tc *TaskControl) (Outcome, error) {
		bp := bufs.Get()
		defer bufs.Put(bp)
		buf := *bp

		for {
			if tc.Stopped() {
				return OutcomeAborted, abortedError("receive")
			}

			n, eof, err := client.ReadChunk(buf)
			if err != nil {
				return OutcomeTransportError, transportError("receive", err)
			}

			if n > 0 {
				tctx.Add(int64(n))
				if tc.Stopped() {
					return OutcomeAborted, abortedError("receive")
				}
				if err := out.Write(buf[:n]); err != nil {
					return OutcomeSinkError, sinkError("write", err)
				}
			}

			if eof {
				return OutcomeComplete, nil
			}
		}
	}

	opts = append([]TaskOption{WithPriority(PriorityAboveNormal), WithTaskLogger(log)}, opts...)
	return NewTask("transfer", fn, opts...)
}
