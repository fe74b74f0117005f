package sink

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const fileBufferSize = 64 * 1024

var _ Sink = (*FileSink)(nil)

// FileSink writes to a local file. The file is created or truncated by Open.
// On a successful close the configured timestamp is applied; on a failed close
// the file is removed unless partial output is kept.
type FileSink struct {
	path string
	opts Options
	log  *slog.Logger

	file *os.File
	w    *bufio.Writer
}

// NewFileSink creates a sink for path.
func NewFileSink(path string, opts Options) *FileSink {
	return &FileSink{
		path: path,
		opts: opts,
		log:  opts.logger(),
	}
}

// Path returns the output path.
func (s *FileSink) Path() string {
	return s.path
}

// Open implements Sink.
func (s *FileSink) Open() error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	s.file = file
	s.w = bufio.NewWriterSize(file, fileBufferSize)
	return nil
}

// Write implements Sink.
func (s *FileSink) Write(p []byte) error {
	if s.w == nil {
		return ErrNotOpen
	}
	if _, err := s.w.Write(p); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *FileSink) Close(success bool) error {
	if s.file == nil {
		return nil
	}
	file, w := s.file, s.w
	s.file, s.w = nil, nil

	flushErr := w.Flush()
	closeErr := file.Close()

	if !success {
		if s.opts.KeepFailed {
			s.log.Info("keeping incomplete output", "path", s.path)
			return nil
		}
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove incomplete output: %w", err)
		}
		return nil
	}

	if err := errors.Join(flushErr, closeErr); err != nil {
		return fmt.Errorf("failed to finish output file: %w", err)
	}

	if !s.opts.Timestamp.IsZero() {
		if err := os.Chtimes(s.path, time.Now(), s.opts.Timestamp); err != nil {
			s.log.Warn("failed to set file time", "path", s.path, "error", err)
		}
	}
	return nil
}
