package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/franksops/gofetch/sink"
	"github.com/franksops/gofetch/transport"
)

// MaxParts is the largest number of parts a download can be split into.
const MaxParts = 9

// Multipart downloads a resource in byte ranges. It learns the size with a
// HEAD request, runs one Fetcher per range on a WorkerPool, each writing its
// own part file, and concatenates the parts into the output in order.
//
// When the size is unknown or too small to split, it falls back to a single
// stream.
type Multipart struct {
	job   FetchJob
	opts  Options
	parts int
	abort SignalView
	fopts []FetcherOption

	// proto holds the resolved options shared by all fetchers.
	proto *Fetcher

	counts []atomic.Int64

	mu       sync.Mutex
	firstErr error
}

// NewMultipart creates a split download of job into parts ranges.
func NewMultipart(job FetchJob, opts Options, parts int, abort SignalView, fopts ...FetcherOption) *Multipart {
	if abort == nil {
		abort = NewSignal()
	}
	parts = min(max(parts, 1), MaxParts)
	return &Multipart{
		job:   job,
		opts:  opts,
		parts: parts,
		abort: abort,
		fopts: fopts,
		proto: NewFetcher(job, opts, abort, fopts...),
	}
}

// Split divides [0, size) into n contiguous inclusive ranges. The last range
// absorbs the remainder.
func Split(size int64, n int) [][2]int64 {
	if n < 1 || size < int64(n) {
		return nil
	}
	step := size / int64(n)
	ranges := make([][2]int64, n)
	for i := range n {
		start := int64(i) * step
		end := start + step - 1
		if i == n-1 {
			end = size - 1
		}
		ranges[i] = [2]int64{start, end}
	}
	return ranges
}

// Run performs the download.
func (m *Multipart) Run(ctx context.Context) (*Report, error) {
	if m.parts == 1 {
		return m.single(ctx)
	}

	started := time.Now()
	log := m.proto.log
	obs := m.proto.observer

	head, err := m.head(ctx)
	if err != nil {
		return head, err
	}

	ranges := Split(head.Result.Size, m.parts)
	if ranges == nil {
		log.Info("size unknown or too small, not splitting", "size", head.Result.Size)
		obs.OnMessage("Content length is unknown or too small, downloading in a single stream.")
		return m.single(ctx)
	}
	if !head.Result.AcceptRanges {
		log.Info("server does not accept byte ranges, not splitting")
		obs.OnMessage("Server does not accept byte ranges, downloading in a single stream.")
		return m.single(ctx)
	}

	report := &Report{JobID: m.job.ID, Result: head.Result}
	finish := func(state RunState, err error) (*Report, error) {
		report.State = state
		report.Elapsed = time.Since(started)
		obs.OnState(state)
		return report, err
	}

	obs.OnState(RunTransferring)
	log.Info("starting split download", "parts", len(ranges), "size", head.Result.Size)

	partAbort := NewSignal()
	stopForward := make(chan struct{})
	defer close(stopForward)
	go func() {
		select {
		case <-m.abort.Done():
			partAbort.Set()
		case <-stopForward:
		}
	}()

	jobs := make([]FetchJob, len(ranges))
	for i, r := range ranges {
		jobs[i] = m.job.PartJob(i+1, r[0], r[1])
	}
	m.counts = make([]atomic.Int64, len(jobs))

	tstart := time.Now()
	tctx := NewTransferContext(head.Result.Size, tstart)

	ch := make(JobChannel, len(jobs))
	pool := NewWorkerPool(ctx, ch, func(ctx context.Context, job FetchJob) error {
		return m.runPart(ctx, job, partAbort)
	})
	pool.SetWorkerCount(len(jobs))
	for _, j := range jobs {
		ch <- j
	}
	close(ch)

	waitErr := make(chan error, 1)
	go func() { waitErr <- pool.Wait() }()

	meter := newProgressMeter(DefaultRateWindow, tstart, time.Now)
	ticker := time.NewTicker(m.proto.opts.PollInterval)
	defer ticker.Stop()

	var poolErr error
wait:
	for {
		select {
		case poolErr = <-waitErr:
			break wait
		case <-ticker.C:
			m.syncCounter(tctx)
			obs.OnProgress(meter.sample(tctx))
		}
	}
	m.syncCounter(tctx)
	snap := meter.sample(tctx)
	snap.Final = true
	obs.OnProgress(snap)
	report.Transferred = tctx.Transferred()

	if poolErr != nil || m.abort.IsSet() {
		m.removeParts(jobs, true)
		err := m.failure(poolErr)
		if KindOf(err) == KindAborted {
			return finish(RunAborted, err)
		}
		return finish(RunFailed, err)
	}

	obs.OnState(RunFinalizing)
	sum, err := m.merge(ctx, jobs, head.Result)
	if err != nil {
		m.removeParts(jobs, true)
		return finish(RunFailed, err)
	}
	if secs := time.Since(tstart).Seconds(); secs > 0 {
		report.AverageRate = float64(report.Transferred) / secs
	}
	if m.opts.Checksum {
		report.Checksum = sum
		report.HasChecksum = true
	}
	m.removeParts(jobs, false)
	return finish(RunDone, nil)
}

func (m *Multipart) single(ctx context.Context) (*Report, error) {
	return NewFetcher(m.job, m.opts, m.abort, m.fopts...).Run(ctx)
}

// head sends a HEAD request to learn the size and modification time.
func (m *Multipart) head(ctx context.Context) (*Report, error) {
	opts := m.opts
	opts.Verb = transport.VerbHead
	opts.Body = ""
	opts.UpdateMode = false
	opts.Checksum = false
	opts.SetFileTime = false

	nullSink := func(context.Context, string, sink.Options) (sink.Sink, error) {
		return sink.NewNullSink(), nil
	}
	fopts := append(append([]FetcherOption{}, m.fopts...),
		WithObserver(headObserver{m.proto.observer}),
		WithSinkFactory(nullSink),
		WithTracker(nil),
	)
	report, err := NewFetcher(m.job, opts, m.abort, fopts...).Run(ctx)
	if err != nil {
		m.proto.observer.OnState(report.State)
	}
	return report, err
}

func (m *Multipart) runPart(ctx context.Context, job FetchJob, partAbort *Signal) error {
	opts := m.opts
	opts.UpdateMode = false
	opts.Checksum = false
	opts.SetFileTime = false

	fopts := append(append([]FetcherOption{}, m.fopts...),
		WithObserver(&partObserver{m: m, part: job.Part}),
		WithSinkFactory(sink.New),
		WithBufferPool(m.proto.bufs),
	)
	report, err := NewFetcher(job, opts, partAbort, fopts...).Run(ctx)
	if err == nil {
		if want := job.RangeEnd - job.RangeStart + 1; report.Transferred != want {
			err = transportError("receive", fmt.Errorf("part %d: received %d bytes, expected %d", job.Part, report.Transferred, want))
		}
	}
	if err != nil {
		m.record(err)
		partAbort.Set()
	}
	return err
}

// record keeps the first error that is not a consequence of another part
// failing.
func (m *Multipart) record(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.firstErr == nil || (KindOf(m.firstErr) == KindAborted && KindOf(err) != KindAborted) {
		m.firstErr = err
	}
}

func (m *Multipart) failure(poolErr error) error {
	if m.abort.IsSet() {
		return abortedError("receive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.firstErr != nil {
		return m.firstErr
	}
	if poolErr != nil {
		return &Error{Kind: KindUnknown, Op: "receive", Err: poolErr}
	}
	return abortedError("receive")
}

func (m *Multipart) syncCounter(tctx *TransferContext) {
	var total int64
	for i := range m.counts {
		total += m.counts[i].Load()
	}
	if d := total - tctx.Transferred(); d > 0 {
		tctx.Add(d)
	}
}

// merge concatenates the part files into the output and returns the CRC64 of
// the merged data.
func (m *Multipart) merge(ctx context.Context, jobs []FetchJob, res transport.Result) (uint64, error) {
	sopts := sink.Options{KeepFailed: m.opts.KeepFailed, Logger: m.proto.log}
	if m.opts.SetFileTime && !res.LastModified.IsZero() {
		sopts.Timestamp = res.LastModified
	}
	out, err := sink.New(ctx, m.job.Output, sopts)
	if err != nil {
		return 0, sinkError("open", err)
	}
	if err := out.Open(); err != nil {
		return 0, sinkError("open", err)
	}

	cw := NewChecksumWriter(sinkWriter{out})
	bp := m.proto.bufs.Get()
	defer m.proto.bufs.Put(bp)

	for _, job := range jobs {
		if err := appendFile(cw, job.Output, *bp); err != nil {
			_ = out.Close(false)
			return 0, sinkError("merge", err)
		}
	}
	if err := out.Close(true); err != nil {
		return 0, sinkError("close", err)
	}
	m.proto.log.Debug("parts merged", "bytes", cw.BytesWritten())
	return cw.Checksum(), nil
}

func appendFile(w io.Writer, path string, buf []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.CopyBuffer(w, f, buf); err != nil {
		return fmt.Errorf("failed to append %s: %w", path, err)
	}
	return nil
}

// removeParts deletes the part files. After a failure they are kept when
// partial output is wanted.
func (m *Multipart) removeParts(jobs []FetchJob, failed bool) {
	if failed && m.opts.KeepFailed {
		return
	}
	for _, job := range jobs {
		if err := os.Remove(job.Output); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.proto.log.Warn("failed to remove part file", "path", job.Output, "error", err)
		}
	}
}

// sinkWriter adapts a sink.Sink to io.Writer.
type sinkWriter struct {
	s sink.Sink
}

func (w sinkWriter) Write(p []byte) (int, error) {
	if err := w.s.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// headObserver forwards the HEAD run's messages and response but hides its
// terminal states.
type headObserver struct {
	Observer
}

func (o headObserver) OnState(s RunState) {
	if s == RunConnecting || s == RunResultCheck {
		o.Observer.OnState(s)
	}
}

func (headObserver) OnProgress(Snapshot) {}

// partObserver prefixes part messages and feeds the combined counter.
type partObserver struct {
	m    *Multipart
	part int
}

func (o *partObserver) OnMessage(text string) {
	o.m.proto.observer.OnMessage(fmt.Sprintf("[part %d] %s", o.part, text))
}

func (o *partObserver) OnState(RunState)            {}
func (o *partObserver) OnResponse(transport.Result) {}

func (o *partObserver) OnProgress(s Snapshot) {
	o.m.counts[o.part-1].Store(s.Transferred)
}
