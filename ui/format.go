package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/franksops/gofetch/engine"
	"github.com/franksops/gofetch/transport"
)

const notAvailable = "<N/A>"

var spinnerFrames = [4]byte{'-', '\\', '|', '/'}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GB/s", bytesPerSec/(1024*1024*1024))
	} else if bytesPerSec >= 1024*1024 {
		return fmt.Sprintf("%.2f MB/s", bytesPerSec/(1024*1024))
	} else if bytesPerSec >= 1024 {
		return fmt.Sprintf("%.2f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSec)
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n int64) string {
	if n < 0 {
		return notAvailable
	}
	v := float64(n)
	switch {
	case v >= 1024*1024*1024*1024:
		return fmt.Sprintf("%.2f TB", v/(1024*1024*1024*1024))
	case v >= 1024*1024*1024:
		return fmt.Sprintf("%.2f GB", v/(1024*1024*1024))
	case v >= 1024*1024:
		return fmt.Sprintf("%.2f MB", v/(1024*1024))
	case v >= 1024:
		return fmt.Sprintf("%.2f KB", v/1024)
	}
	return fmt.Sprintf("%d B", n)
}

// FormatDuration renders a remaining or elapsed time rounded to seconds.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return notAvailable
	}
	if d.Hours() > 24 {
		return "> 1d"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

// SpinnerFrame returns the spinner character for a poll count.
func SpinnerFrame(tick int) string {
	return string(spinnerFrames[tick&3])
}

// ProgressLine renders a snapshot as a single status line, for example
// "42.0% of 1.50 MB received, 120.00 KB/s, 7s remaining...".
func ProgressLine(s engine.Snapshot) string {
	var sb strings.Builder

	if pct, ok := s.Percent(); ok {
		fmt.Fprintf(&sb, "%.1f%% of %s received, ", pct, FormatBytes(s.Size))
	} else {
		fmt.Fprintf(&sb, "%s received, ", FormatBytes(s.Transferred))
	}

	if s.RateKnown {
		sb.WriteString(formatSpeed(s.Rate) + ", ")
	}

	switch {
	case s.ETAKnown && s.AlmostDone():
		sb.WriteString("almost finished...")
	case s.ETAKnown:
		sb.WriteString(FormatDuration(s.ETA) + " remaining...")
	default:
		sb.WriteString("please stand by...")
	}
	return sb.String()
}

// ResponseInfo renders the response details shown after the result check.
func ResponseInfo(res transport.Result) []string {
	orNA := func(s string) string {
		if s == "" {
			return notAvailable
		}
		return s
	}
	lastModified := notAvailable
	if !res.LastModified.IsZero() {
		lastModified = res.LastModified.UTC().Format(time.RFC1123)
	}
	length := notAvailable
	if res.Size >= 0 {
		length = fmt.Sprintf("%d", res.Size)
	}
	return []string{
		fmt.Sprintf("--> HTTP Status code : %d [%s]", res.StatusCode, transport.StatusText(res.StatusCode)),
		fmt.Sprintf("--> Content type     : %s", orNA(res.ContentType)),
		fmt.Sprintf("--> Content encoding : %s", orNA(res.ContentEncoding)),
		fmt.Sprintf("--> Content length   : %s", length),
		fmt.Sprintf("--> Last modified TS : %s", lastModified),
	}
}
