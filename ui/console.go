package ui

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/franksops/gofetch/engine"
	"github.com/franksops/gofetch/transport"
)

// Console writes the user-facing text of a run. It is not a logger: its
// output is meant for people and goes to stderr, since stdout may carry the
// download itself.
type Console struct {
	out io.Writer

	info    *color.Color
	notice  *color.Color
	warn    *color.Color
	fail    *color.Color
	success *color.Color
}

// NewConsole creates a Console writing to out.
func NewConsole(out io.Writer) *Console {
	return &Console{
		out:     out,
		info:    color.New(color.FgCyan),
		notice:  color.New(color.Faint),
		warn:    color.New(color.FgYellow),
		fail:    color.New(color.FgRed, color.Bold),
		success: color.New(color.FgGreen, color.Bold),
	}
}

// Writer returns the underlying writer.
func (c *Console) Writer() io.Writer {
	return c.out
}

// Notice prints a diagnostic notice.
func (c *Console) Notice(text string) {
	c.notice.Fprintf(c.out, "--> %s\n", text)
}

// Info prints plain informational text.
func (c *Console) Info(format string, args ...any) {
	c.info.Fprintf(c.out, format+"\n", args...)
}

// Warn prints a warning. Texts already carrying a "WARNING:" prefix are kept
// as they are.
func (c *Console) Warn(text string) {
	if !strings.HasPrefix(text, "WARNING:") {
		text = "WARNING: " + text
	}
	c.warn.Fprintln(c.out, text)
}

// Error prints an error line.
func (c *Console) Error(text string) {
	c.fail.Fprintln(c.out, "ERROR: "+text)
}

// Response prints the response info block.
func (c *Console) Response(res transport.Result) {
	fmt.Fprintln(c.out)
	for _, line := range ResponseInfo(res) {
		fmt.Fprintln(c.out, line)
	}
	fmt.Fprintln(c.out)
}

// Connecting announces the connection attempt.
func (c *Console) Connecting(hostPort string) {
	c.Info("Connecting to %s, please wait...", hostPort)
}

// Completed prints the completion line of a successful run.
func (c *Console) Completed(r *engine.Report) {
	fmt.Fprintln(c.out, "Flushing output buffers...")
	c.success.Fprintf(c.out, "Download completed in %s (avg. rate: %s).\n",
		FormatDuration(r.Elapsed), formatSpeed(r.AverageRate))
	if r.HasChecksum {
		fmt.Fprintf(c.out, "CRC64 checksum: %s\n", engine.FormatChecksum(r.Checksum))
	}
}

// Skipped prints the outcome of an update-mode run that found the local
// copy current.
func (c *Console) Skipped(r *engine.Report) {
	c.success.Fprintln(c.out, "SKIPPED: Server currently does *not* provide a newer version of the file.")
	if !r.Retained.IsZero() {
		fmt.Fprintf(c.out, "Version created at '%s' was retained.\n", r.Retained.Format("2006-01-02 15:04:05"))
	}
}

// Failed prints the categorized error of a failed run. The captured
// diagnostic comes first, then the category line.
func (c *Console) Failed(r *engine.Report, err error) {
	switch engine.KindOf(err) {
	case engine.KindAborted:
		c.fail.Fprintln(c.out, "SIGINT: Operation aborted by the user !!!")
		return
	case engine.KindConfig:
		c.Error(err.Error())
		return
	}

	fmt.Fprintf(c.out, "--> %v\n", err)
	op := ""
	var e *engine.Error
	if errors.As(err, &e) {
		op = e.Op
	}
	switch {
	case op == "request" && r != nil:
		c.Error(fmt.Sprintf("The server failed to handle this request! [Status %d]", r.Result.StatusCode))
	case engine.KindOf(err) == engine.KindSink && op == "write":
		c.Error("Failed to write data to sink, download has failed!")
	case engine.KindOf(err) == engine.KindSink:
		c.Error("Failed to open or close the output, download has failed!")
	case op == "connect" || op == "connector":
		c.Error("Connection could not be established!")
	default:
		c.Error("Failed to receive incoming data, download has failed!")
	}
}

// Bell rings the terminal bell.
func (c *Console) Bell() {
	fmt.Fprint(c.out, "\a")
}
