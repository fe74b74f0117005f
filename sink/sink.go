package sink

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"
)

var (
	// ErrNotOpen is returned when writing to a sink that is not open.
	ErrNotOpen = errors.New("sink is not open")

	// ErrDiscarded is used to abort an upload whose transfer failed.
	ErrDiscarded = errors.New("transfer failed, output discarded")
)

// Sink receives the downloaded bytes. Open is called once before the first
// Write. Close is called exactly once; success tells the sink whether the
// transfer completed, so it can keep or discard partial output.
type Sink interface {
	Open() error
	Write(p []byte) error
	Close(success bool) error
}

// Options configure the sinks created by New.
type Options struct {
	// Timestamp is applied as the modification time of a file output on a
	// successful close. The zero value leaves the time alone.
	Timestamp time.Time

	// KeepFailed keeps partial output after a failed transfer.
	KeepFailed bool

	Logger *slog.Logger
}

func (o *Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Kind names the output type selected for a target.
type Kind int

const (
	KindFile Kind = iota
	KindStdout
	KindNull
	KindS3
)

// KindOf returns the sink kind New would create for target.
func KindOf(target string) Kind {
	switch {
	case target == "-":
		return KindStdout
	case strings.EqualFold(target, "NUL") || target == os.DevNull:
		return KindNull
	case strings.HasPrefix(target, "s3://"):
		return KindS3
	default:
		return KindFile
	}
}

// New creates the sink for target: "-" writes to standard output, "NUL" or
// the null device discards, s3://bucket/key uploads and anything else is a
// file path. The sink is not opened.
func New(ctx context.Context, target string, opts Options) (Sink, error) {
	switch KindOf(target) {
	case KindStdout:
		return NewStdoutSink(os.Stdout), nil
	case KindNull:
		return NewNullSink(), nil
	case KindS3:
		return NewS3Sink(ctx, target, opts)
	default:
		return NewFileSink(target, opts), nil
	}
}
