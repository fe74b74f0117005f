package engine_test

import (
	"net/url"
	"testing"

	"github.com/franksops/gofetch/engine"
	"github.com/stretchr/testify/require"
)

func TestFetchJob(t *testing.T) {
	u, err := url.Parse("http://example.com/file.bin")
	require.NoError(t, err)

	job := engine.NewFetchJob(u, "/tmp/file.bin")
	require.NotEmpty(t, job.ID)
	require.Equal(t, "/tmp/file.bin", job.Output)
	require.Zero(t, job.Part)
	require.False(t, job.Ranged)

	other := engine.NewFetchJob(u, "/tmp/file.bin")
	require.NotEqual(t, job.ID, other.ID)
}

func TestFetchJob_PartJob(t *testing.T) {
	u, _ := url.Parse("http://example.com/file.bin")
	job := engine.NewFetchJob(u, "out.bin")

	part := job.PartJob(2, 100, 199)
	require.Equal(t, "out.bin.part2", part.Output)
	require.Equal(t, 2, part.Part)
	require.Equal(t, int64(100), part.RangeStart)
	require.Equal(t, int64(199), part.RangeEnd)
	require.True(t, part.Ranged)
	require.NotEqual(t, job.ID, part.ID)
	require.Same(t, job.URL, part.URL)

	// the first byte alone is still a range, not the whole resource
	first := job.PartJob(1, 0, 0)
	require.True(t, first.Ranged)
	require.Equal(t, int64(0), first.RangeEnd)
}

func TestJobChannel(t *testing.T) {
	ch := make(engine.JobChannel, 1)

	u, _ := url.Parse("ftp://example.com/foo.txt")
	ch <- engine.FetchJob{URL: u, Output: "foo.txt"}
	received := <-ch

	require.Equal(t, "foo.txt", received.Output)
}
