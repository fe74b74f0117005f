package logger

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

var Log = slog.Default()

// Init installs the process logger. With a log file, records are written as
// JSON to a size-rotated file; otherwise they go to console as text, where
// only warnings are shown unless verbose is set. The returned closer releases
// the log file.
func Init(logFilePath string, verbose bool, console io.Writer) io.Closer {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	var closer io.Closer = nopCloser{}
	var handler slog.Handler
	if logFilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   logFilePath,
			MaxSize:    10, // MB
			MaxBackups: 1,
			MaxAge:     0, // ignore age
			Compress:   false,
		}
		if !verbose {
			level = slog.LevelInfo
		}
		handler = slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: level})
		closer = rotator
	} else {
		handler = slog.NewTextHandler(console, &slog.HandlerOptions{Level: level})
	}

	Log = slog.New(handler)
	slog.SetDefault(Log)
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
