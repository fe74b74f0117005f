package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/franksops/gofetch/sink"
	"github.com/franksops/gofetch/store"
	"github.com/franksops/gofetch/transport"
)

const (
	// DefaultPollInterval is how often the orchestrator wakes up to check
	// the abort signal and render progress.
	DefaultPollInterval = 250 * time.Millisecond

	// DefaultStopTimeout is how long a task is given to stop cooperatively
	// before it is terminated.
	DefaultStopTimeout = 1250 * time.Millisecond
)

// RunState is the state of the orchestrator.
type RunState int

const (
	RunIdle RunState = iota
	RunConnecting
	RunResultCheck
	RunSkippedNotModified
	RunTransferring
	RunFinalizing
	RunDone
	RunFailed
	RunAborted
)

func (s RunState) String() string {
	switch s {
	case RunIdle:
		return "idle"
	case RunConnecting:
		return "connecting"
	case RunResultCheck:
		return "result check"
	case RunSkippedNotModified:
		return "skipped (not modified)"
	case RunTransferring:
		return "transferring"
	case RunFinalizing:
		return "finalizing"
	case RunDone:
		return "done"
	case RunFailed:
		return "failed"
	case RunAborted:
		return "aborted"
	default:
		return fmt.Sprintf("RunState(%d)", int(s))
	}
}

// Options configure a Fetcher.
type Options struct {
	Verb     string
	Body     string
	Referrer string

	// UpdateMode makes the request conditional on the modification time of
	// an existing output file.
	UpdateMode bool

	// SetFileTime applies the server's Last-Modified time to the output.
	SetFileTime bool

	KeepFailed bool
	Checksum   bool

	MaxRetries      int
	ForceRevocation bool

	PollInterval time.Duration
	StopTimeout  time.Duration
	ChunkSize    int

	// Transport is passed to the client factory. Listener and the byte range
	// are filled in by the Fetcher.
	Transport transport.Options
}

func (o *Options) setDefaults() {
	if o.Verb == "" {
		o.Verb = transport.VerbGet
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
}

func (o *Options) validate() error {
	if o.Transport.Insecure && (o.Transport.ForceCRL || o.ForceRevocation) {
		return errors.New("insecure mode and forced revocation checks are mutually exclusive")
	}
	return nil
}

// Observer receives what a run wants to show the user. All methods are
// called from the goroutine running Fetcher.Run, except OnMessage, which may
// also be called from task goroutines.
type Observer interface {
	OnMessage(text string)
	OnState(state RunState)
	OnResponse(res transport.Result)
	OnProgress(s Snapshot)
}

type nopObserver struct{}

func (nopObserver) OnMessage(string)            {}
func (nopObserver) OnState(RunState)            {}
func (nopObserver) OnResponse(transport.Result) {}
func (nopObserver) OnProgress(Snapshot)         {}

// ClientFactory creates the transport client for a run.
type ClientFactory func(ctx context.Context, u *url.URL, opts transport.Options) (transport.Client, error)

// SinkFactory creates the (unopened) output sink for a run.
type SinkFactory func(ctx context.Context, target string, opts sink.Options) (sink.Sink, error)

// Report describes a finished run.
type Report struct {
	JobID  string
	State  RunState
	Result transport.Result

	// Skipped is set when the server reported the local copy as current.
	Skipped bool
	// Retained is the modification time of the local copy kept on a skip.
	Retained time.Time

	Transferred int64
	Elapsed     time.Duration
	// AverageRate is in bytes per second over the transfer phase.
	AverageRate float64

	Checksum    uint64
	HasChecksum bool
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithObserver sets the observer receiving messages and progress.
func WithObserver(o Observer) FetcherOption {
	return func(f *Fetcher) {
		if o != nil {
			f.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		if log != nil {
			f.log = log
		}
	}
}

// WithClientFactory replaces transport.New.
func WithClientFactory(fn ClientFactory) FetcherOption {
	return func(f *Fetcher) {
		f.newClient = fn
	}
}

// WithSinkFactory replaces sink.New.
func WithSinkFactory(fn SinkFactory) FetcherOption {
	return func(f *Fetcher) {
		f.newSink = fn
	}
}

// WithTracker journals the run.
func WithTracker(rt *RunTracker) FetcherOption {
	return func(f *Fetcher) {
		f.tracker = rt
	}
}

// WithBufferPool shares a buffer pool between fetchers.
func WithBufferPool(bp *BufferPool) FetcherOption {
	return func(f *Fetcher) {
		f.bufs = bp
	}
}

// Fetcher runs one download through the orchestrator state machine:
// connect, check the result, transfer and finalize. A Fetcher is used for a
// single run.
type Fetcher struct {
	job   FetchJob
	opts  Options
	abort SignalView

	observer  Observer
	log       *slog.Logger
	newClient ClientFactory
	newSink   SinkFactory
	tracker   *RunTracker
	bufs      *BufferPool
	now       func() time.Time
	freeSpace func(target string) (uint64, error)

	mu    sync.Mutex
	state RunState
}

// NewFetcher creates a Fetcher for job. abort is the process-wide
// cancellation signal.
func NewFetcher(job FetchJob, opts Options, abort SignalView, fopts ...FetcherOption) *Fetcher {
	opts.setDefaults()
	if abort == nil {
		abort = NewSignal()
	}
	f := &Fetcher{
		job:       job,
		opts:      opts,
		abort:     abort,
		observer:  nopObserver{},
		log:       slog.Default(),
		newClient: transport.New,
		newSink:   sink.New,
		now:       time.Now,
		freeSpace: sink.FreeSpace,
	}
	for _, o := range fopts {
		o(f)
	}
	if f.bufs == nil || f.bufs.Size() != f.opts.ChunkSize {
		f.bufs = NewBufferPool(f.opts.ChunkSize)
	}
	f.log = f.log.With("url", job.URL.Redacted())
	if job.Part > 0 {
		f.log = f.log.With("part", job.Part)
	}
	return f
}

// State returns the current orchestrator state.
func (f *Fetcher) State() RunState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fetcher) setState(s RunState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()

	f.log.Debug("state changed", "state", s.String())
	f.observer.OnState(s)
}

// Run performs the download. The returned report is never nil; on failure
// it carries the terminal state and the error is an *Error.
func (f *Fetcher) Run(ctx context.Context) (*Report, error) {
	started := f.now()
	report := &Report{JobID: f.job.ID}
	defer func() {
		report.State = f.State()
		report.Elapsed = f.now().Sub(started)
	}()

	if err := f.opts.validate(); err != nil {
		f.setState(RunFailed)
		return report, &Error{Kind: KindConfig, Op: "configure", Err: err}
	}

	f.journal(func(rt *RunTracker) error { return rt.Begin(f.job) })

	since := f.conditionalTime()

	topts := f.opts.Transport
	topts.Listener = f.observer
	if topts.Logger == nil {
		topts.Logger = f.log
	}
	if f.job.Ranged {
		topts.Ranged = true
		topts.RangeStart = f.job.RangeStart
		topts.RangeEnd = f.job.RangeEnd
	}
	if f.opts.ForceRevocation {
		topts.ForceCRL = true
	}

	client, err := f.newClient(ctx, f.job.URL, topts)
	if err != nil {
		return report, f.fail(transportError("connect", err))
	}
	closer := &clientCloser{client: client}
	defer closer.close()

	// Connecting
	f.setState(RunConnecting)
	f.journal(func(rt *RunTracker) error { return rt.Mark(f.job.ID, store.StateConnecting) })

	policy := &RetryPolicy{
		MaxRetries:      f.opts.MaxRetries,
		ForceRevocation: f.opts.ForceRevocation,
		Abort:           f.abort,
		Listener:        f.observer,
		Logger:          f.log,
	}
	req := transport.Request{
		Verb:            f.opts.Verb,
		URL:             f.job.URL,
		Body:            f.opts.Body,
		Referrer:        f.opts.Referrer,
		IfModifiedSince: since,
	}
	connector := NewConnector(client, req, policy, f.log, WithForceHook(closer.close))
	if err := f.runTask(ctx, connector, nil); err != nil {
		return report, f.fail(err)
	}
	if f.aborted(ctx) {
		return report, f.fail(abortedError("connect"))
	}

	// ResultCheck
	f.setState(RunResultCheck)
	res, err := client.Result()
	if err != nil {
		return report, f.fail(transportError("query", err))
	}
	report.Result = res

	if f.opts.UpdateMode && !since.IsZero() && res.StatusCode == 304 {
		report.Skipped = true
		report.Retained = since
		f.log.Info("server copy is not newer, skipping", "retained", since)
		f.journal(func(rt *RunTracker) error { return rt.Skip(f.job.ID, res.StatusCode) })
		f.setState(RunSkippedNotModified)
		return report, nil
	}

	f.observer.OnResponse(res)
	if !res.Success {
		err := fmt.Errorf("the server failed to handle this request [status %d]", res.StatusCode)
		return report, f.fail(transportError("request", err))
	}
	if f.job.Ranged && f.opts.Verb != transport.VerbHead && res.StatusCode != 206 {
		err := fmt.Errorf("the server ignored the requested byte range [status %d]", res.StatusCode)
		return report, f.fail(transportError("request", err))
	}
	if f.aborted(ctx) {
		return report, f.fail(abortedError("query"))
	}

	if res.Size > 0 && sink.KindOf(f.job.Output) == sink.KindFile {
		f.checkSpace(res.Size)
	}

	// Transferring
	sopts := sink.Options{KeepFailed: f.opts.KeepFailed, Logger: f.log}
	if f.opts.SetFileTime && !res.LastModified.IsZero() {
		sopts.Timestamp = res.LastModified
	}
	base, err := f.newSink(ctx, f.job.Output, sopts)
	if err != nil {
		return report, f.fail(sinkError("open", err))
	}
	if err := base.Open(); err != nil {
		return report, f.fail(sinkError("open", err))
	}

	out := &guardedSink{Sink: base}
	var wrapped sink.Sink = out
	var sum *ChecksumSink
	if f.opts.Checksum {
		sum = NewChecksumSink(wrapped)
		wrapped = sum
	}
	if f.tracker != nil {
		wrapped = f.tracker.Track(wrapped, f.job.ID)
	}
	f.journal(func(rt *RunTracker) error { return rt.Respond(f.job.ID, res.StatusCode, res.Size) })

	f.setState(RunTransferring)
	tstart := f.now()
	tctx := NewTransferContext(res.Size, tstart)
	transfer := NewTransfer(client, wrapped, tctx, f.bufs, f.log, WithForceHook(closer.close))
	err = f.runTask(ctx, transfer, tctx)
	report.Transferred = tctx.Transferred()
	if err == nil && f.aborted(ctx) {
		err = abortedError("receive")
	}
	if err != nil {
		forced := transfer.Forced()
		if cerr := f.closeSink(out, false, forced); cerr != nil {
			f.log.Debug("closing sink after failure", "error", cerr)
		}
		return report, f.fail(err)
	}

	// Finalizing
	f.setState(RunFinalizing)
	if err := f.closeSink(out, true, false); err != nil {
		return report, f.fail(sinkError("close", err))
	}

	if secs := f.now().Sub(tstart).Seconds(); secs > 0 {
		report.AverageRate = float64(report.Transferred) / secs
	}
	if sum != nil {
		report.Checksum = sum.Checksum()
		report.HasChecksum = true
	}
	f.journal(func(rt *RunTracker) error { return rt.Complete(f.job.ID, report.Transferred) })
	f.setState(RunDone)
	f.log.Info("download completed", "bytes", report.Transferred)
	return report, nil
}

// checkSpace warns when the output volume cannot hold size bytes. The
// download still proceeds.
func (f *Fetcher) checkSpace(size int64) {
	free, err := f.freeSpace(f.job.Output)
	if err != nil {
		f.log.Debug("free space unknown", "output", f.job.Output, "error", err)
		return
	}
	if uint64(size) > free {
		f.log.Warn("output volume too small", "free", free, "size", size)
		f.observer.OnMessage(fmt.Sprintf("WARNING: Output volume has only %d bytes free, but %d bytes are expected!", free, size))
	}
}

// conditionalTime returns the timestamp for an update-mode request, or the
// zero time when the request is unconditional.
func (f *Fetcher) conditionalTime() time.Time {
	if !f.opts.UpdateMode {
		return time.Time{}
	}
	if sink.KindOf(f.job.Output) == sink.KindFile {
		info, err := os.Stat(f.job.Output)
		if err == nil && info.Mode().IsRegular() {
			return info.ModTime()
		}
	}
	f.log.Warn("local file missing, downloading unconditionally", "output", f.job.Output)
	f.observer.OnMessage("WARNING: Local file does not exist yet, going to download unconditionally!")
	return time.Time{}
}

func (f *Fetcher) aborted(ctx context.Context) bool {
	return f.abort.IsSet() || ctx.Err() != nil
}

// runTask starts t and waits for it, waking up every poll interval to
// report progress and check the abort signal. On abort the task is stopped,
// forcibly if it does not react in time.
func (f *Fetcher) runTask(ctx context.Context, t *Task, tctx *TransferContext) error {
	if err := t.Start(ctx); err != nil {
		return &Error{Kind: KindUnknown, Op: t.Name(), Err: err}
	}

	var meter *progressMeter
	if tctx != nil {
		meter = newProgressMeter(DefaultRateWindow, tctx.Started(), f.now)
		f.observer.OnProgress(meter.sample(tctx))
	}

	for !t.JoinSignal(f.abort, f.opts.PollInterval) {
		if f.aborted(ctx) {
			f.log.Warn("abort requested, stopping task", "task", t.Name())
			if !t.Stop(f.opts.StopTimeout, true) {
				f.log.Error("task did not stop", "task", t.Name())
			}
			return abortedError(t.Name())
		}
		if meter != nil {
			f.observer.OnProgress(meter.sample(tctx))
		}
	}

	if meter != nil {
		snap := meter.sample(tctx)
		snap.Final = true
		f.observer.OnProgress(snap)
	}

	outcome, err := t.Result(), t.Err()
	switch outcome {
	case OutcomeComplete:
		return nil
	case OutcomeAborted:
		return abortedError(t.Name())
	}
	if err == nil {
		err = errors.New(t.ErrorText())
	}
	if KindOf(err) == KindUnknown {
		return &Error{Kind: KindUnknown, Op: t.Name(), Err: err}
	}
	return err
}

// closeSink closes out. After a forced stop the abandoned transfer goroutine
// may still be inside Write, so the close is given StopTimeout to get the
// sink lock before the sink is abandoned as well.
func (f *Fetcher) closeSink(out *guardedSink, success, forced bool) error {
	if !forced {
		return out.Close(success)
	}
	done := make(chan error, 1)
	go func() { done <- out.Close(success) }()
	select {
	case err := <-done:
		return err
	case <-time.After(f.opts.StopTimeout):
		f.log.Warn("sink is still busy, abandoning it", "output", f.job.Output)
		return nil
	}
}

func (f *Fetcher) fail(err error) error {
	state, jstate := RunFailed, store.StateFailed
	if KindOf(err) == KindAborted {
		state, jstate = RunAborted, store.StateAborted
	}
	f.journal(func(rt *RunTracker) error { return rt.Fail(f.job.ID, jstate, err) })
	f.log.Info("run ended", "state", state.String(), "error", err)
	f.setState(state)
	return err
}

// journal applies fn to the tracker, if any. Journal failures are logged
// and never fail the download.
func (f *Fetcher) journal(fn func(*RunTracker) error) {
	if f.tracker == nil {
		return
	}
	if err := fn(f.tracker); err != nil {
		f.log.Warn("failed to update run journal", "error", err)
	}
}

// clientCloser closes a transport client exactly once. It serves as the
// force hook of both tasks and as the final release in Run.
type clientCloser struct {
	client transport.Client
	once   sync.Once
}

func (c *clientCloser) close() {
	c.once.Do(func() {
		_ = c.client.Close()
	})
}

var errSinkClosed = errors.New("sink is closed")

// guardedSink serializes Write and Close so a sink abandoned by a forced
// stop is never written after it was closed.
type guardedSink struct {
	sink.Sink
	mu     sync.Mutex
	closed bool
}

func (g *guardedSink) Write(p []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errSinkClosed
	}
	return g.Sink.Write(p)
}

func (g *guardedSink) Close(success bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	return g.Sink.Close(success)
}
