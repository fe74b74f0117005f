package engine

import (
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// FetchJob describes one download: either the whole resource, or one byte
// range of it when the download is split into parts.
type FetchJob struct {
	// ID identifies the job in the run journal.
	ID string

	// URL is the resource to fetch.
	URL *url.URL

	// Output is the sink target: a file path, "-" for stdout, NUL for the
	// null device or an s3:// location.
	Output string

	// Part is zero for a single-stream download and 1..N for the parts of a
	// split download.
	Part int

	// Ranged selects the inclusive byte range [RangeStart, RangeEnd]. A
	// negative RangeEnd means up to the end of the resource.
	Ranged     bool
	RangeStart int64
	RangeEnd   int64
}

// NewFetchJob creates a single-stream job with a fresh ID.
func NewFetchJob(u *url.URL, output string) FetchJob {
	return FetchJob{
		ID:     uuid.NewString(),
		URL:    u,
		Output: output,
	}
}

// PartJob derives the job that fetches bytes [start, end] of j into its own
// part file.
func (j FetchJob) PartJob(part int, start, end int64) FetchJob {
	return FetchJob{
		ID:         uuid.NewString(),
		URL:        j.URL,
		Output:     PartPath(j.Output, part),
		Part:       part,
		Ranged:     true,
		RangeStart: start,
		RangeEnd:   end,
	}
}

// PartPath names the temporary file holding part n of output.
func PartPath(output string, n int) string {
	return fmt.Sprintf("%s.part%d", output, n)
}

// JobChannel is a channel used to queue and dispatch FetchJobs to workers
// in the worker pool.
type JobChannel chan FetchJob
