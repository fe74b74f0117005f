package sink

import (
	"bufio"
	"fmt"
	"io"
)

var (
	_ Sink = (*StdoutSink)(nil)
	_ Sink = (*NullSink)(nil)
)

// StdoutSink writes to standard output through a buffer.
type StdoutSink struct {
	out io.Writer
	w   *bufio.Writer
}

// NewStdoutSink creates a sink writing to out.
func NewStdoutSink(out io.Writer) *StdoutSink {
	return &StdoutSink{out: out}
}

// Open implements Sink.
func (s *StdoutSink) Open() error {
	s.w = bufio.NewWriter(s.out)
	return nil
}

// Write implements Sink.
func (s *StdoutSink) Write(p []byte) error {
	if s.w == nil {
		return ErrNotOpen
	}
	if _, err := s.w.Write(p); err != nil {
		return fmt.Errorf("failed to write to stdout: %w", err)
	}
	return nil
}

// Close implements Sink. Buffered data is flushed even after a failure since
// it cannot be taken back.
func (s *StdoutSink) Close(bool) error {
	if s.w == nil {
		return nil
	}
	w := s.w
	s.w = nil
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush stdout: %w", err)
	}
	return nil
}

// NullSink discards everything.
type NullSink struct {
	written int64
}

// NewNullSink creates a discarding sink.
func NewNullSink() *NullSink {
	return &NullSink{}
}

// Open implements Sink.
func (s *NullSink) Open() error { return nil }

// Write implements Sink.
func (s *NullSink) Write(p []byte) error {
	s.written += int64(len(p))
	return nil
}

// Close implements Sink.
func (s *NullSink) Close(bool) error { return nil }

// Written returns the number of bytes discarded.
func (s *NullSink) Written() int64 {
	return s.written
}
