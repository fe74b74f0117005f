package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/franksops/gofetch/engine"
	"github.com/franksops/gofetch/transport"
	"github.com/stretchr/testify/require"
)

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		bytesPerSec float64
		expected    string
	}{
		{500, "500 B/s"},
		{1024, "1.00 KB/s"},
		{2048, "2.00 KB/s"},
		{1048576, "1.00 MB/s"},
		{1572864, "1.50 MB/s"},
		{1073741824, "1.00 GB/s"},
	}

	for _, tt := range tests {
		result := formatSpeed(tt.bytesPerSec)
		if result != tt.expected {
			t.Errorf("formatSpeed(%v) = %v; want %v", tt.bytesPerSec, result, tt.expected)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	require.Equal(t, "<N/A>", FormatBytes(-1))
	require.Equal(t, "0 B", FormatBytes(0))
	require.Equal(t, "1023 B", FormatBytes(1023))
	require.Equal(t, "1.50 KB", FormatBytes(1536))
	require.Equal(t, "953.67 KB", FormatBytes(976_562))
	require.Equal(t, "2.00 GB", FormatBytes(2<<30))
	require.Equal(t, "1.00 TB", FormatBytes(1<<40))
}

func TestFormatDuration(t *testing.T) {
	require.Equal(t, "<N/A>", FormatDuration(-time.Second))
	require.Equal(t, "5s", FormatDuration(5*time.Second+200*time.Millisecond))
	require.Equal(t, "1m30s", FormatDuration(90*time.Second))
	require.Equal(t, "250ms", FormatDuration(250*time.Millisecond))
	require.Equal(t, "> 1d", FormatDuration(25*time.Hour))
}

func TestProgressLine(t *testing.T) {
	tests := []struct {
		name string
		snap engine.Snapshot
		want string
	}{
		{
			name: "counting down",
			snap: engine.Snapshot{Transferred: 512, Size: 1024, Rate: 2048, RateKnown: true, ETA: 10 * time.Second, ETAKnown: true},
			want: "50.0% of 1.00 KB received, 2.00 KB/s, 10s remaining...",
		},
		{
			name: "almost finished",
			snap: engine.Snapshot{Transferred: 1000, Size: 1024, Rate: 2048, RateKnown: true, ETA: time.Second, ETAKnown: true},
			want: "97.7% of 1.00 KB received, 2.00 KB/s, almost finished...",
		},
		{
			name: "rate unknown",
			snap: engine.Snapshot{Transferred: 0, Size: 1024},
			want: "0.0% of 1.00 KB received, please stand by...",
		},
		{
			name: "size unknown",
			snap: engine.Snapshot{Transferred: 2048, Size: transport.SizeUnknown, Rate: 100, RateKnown: true},
			want: "2.00 KB received, 100 B/s, please stand by...",
		},
		{
			name: "nothing known",
			snap: engine.Snapshot{Transferred: 10, Size: transport.SizeUnknown},
			want: "10 B received, please stand by...",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ProgressLine(tt.snap))
		})
	}
}

func TestSpinnerFrame(t *testing.T) {
	var frames []string
	for i := range 5 {
		frames = append(frames, SpinnerFrame(i))
	}
	require.Equal(t, []string{"-", "\\", "|", "/", "-"}, frames)
}

func TestResponseInfo(t *testing.T) {
	lines := ResponseInfo(transport.Result{StatusCode: 200, Size: transport.SizeUnknown})
	require.Len(t, lines, 5)
	require.Equal(t, "--> HTTP Status code : 200 [OK]", lines[0])
	require.True(t, strings.HasSuffix(lines[1], "<N/A>"))
	require.True(t, strings.HasSuffix(lines[3], "<N/A>"))
	require.True(t, strings.HasSuffix(lines[4], "<N/A>"))

	modified := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	lines = ResponseInfo(transport.Result{StatusCode: 206, Size: 42, ContentType: "text/plain", LastModified: modified})
	require.Equal(t, "--> Content type     : text/plain", lines[1])
	require.Equal(t, "--> Content length   : 42", lines[3])
	require.Equal(t, "--> Last modified TS : Thu, 02 Jan 2020 03:04:05 UTC", lines[4])
}
