package engine

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"

	"github.com/franksops/gofetch/sink"
	"github.com/franksops/gofetch/transport"
)

// fakeClient is an in-memory transport.Client.
type fakeClient struct {
	mu sync.Mutex

	// openErrs are returned by successive Open calls.
	openErrs  []error
	blockOpen bool
	blockRead bool
	readErr   error

	result transport.Result
	body   []byte
	pos    int

	opens    int
	reads    int
	closes   int
	lastReq  transport.Request
	unblock  chan struct{}
	unblockO sync.Once
}

func newFakeClient(status int, body []byte) *fakeClient {
	return &fakeClient{
		result: transport.Result{
			Success:    status >= 200 && status < 300,
			StatusCode: status,
			Size:       int64(len(body)),
		},
		body:    body,
		unblock: make(chan struct{}),
	}
}

func (c *fakeClient) Open(ctx context.Context, req transport.Request) error {
	c.mu.Lock()
	c.opens++
	c.lastReq = req
	var err error
	if len(c.openErrs) > 0 {
		err = c.openErrs[0]
		c.openErrs = c.openErrs[1:]
	}
	block := c.blockOpen
	c.mu.Unlock()

	if block {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.unblock:
			return transport.ErrClosed
		}
	}
	return err
}

func (c *fakeClient) Result() (transport.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, nil
}

func (c *fakeClient) ReadChunk(buf []byte) (int, bool, error) {
	c.mu.Lock()
	c.reads++
	block, readErr := c.blockRead, c.readErr
	c.mu.Unlock()

	if block {
		<-c.unblock
		return 0, false, transport.ErrClosed
	}
	if readErr != nil {
		return 0, false, readErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n := copy(buf, c.body[c.pos:])
	c.pos += n
	return n, c.pos == len(c.body), nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.unblockO.Do(func() { close(c.unblock) })
	return nil
}

func (c *fakeClient) stats() (opens, reads, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens, c.reads, c.closes
}

func (c *fakeClient) request() transport.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReq
}

// relaxingClient adds transport.Relaxer to fakeClient.
type relaxingClient struct {
	*fakeClient
	relaxed int
}

func (c *relaxingClient) RelaxRevocation() {
	c.relaxed++
}

// memSink is an in-memory sink.Sink.
type memSink struct {
	mu       sync.Mutex
	opened   bool
	data     []byte
	writeErr error
	closes   []bool
}

func (s *memSink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	return nil
}

func (s *memSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return sink.ErrNotOpen
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	s.data = append(s.data, p...)
	return nil
}

func (s *memSink) Close(success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes = append(s.closes, success)
	return nil
}

func (s *memSink) closeCalls() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.closes...)
}

func (s *memSink) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// recordingObserver records everything a run reports.
type recordingObserver struct {
	mu        sync.Mutex
	messages  []string
	states    []RunState
	responses []transport.Result
	progress  []Snapshot
}

func (o *recordingObserver) OnMessage(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, text)
}

func (o *recordingObserver) OnState(s RunState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}

func (o *recordingObserver) OnResponse(res transport.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.responses = append(o.responses, res)
}

func (o *recordingObserver) OnProgress(s Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = append(o.progress, s)
}

func (o *recordingObserver) Messages() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.messages...)
}

func (o *recordingObserver) States() []RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]RunState(nil), o.states...)
}

func (o *recordingObserver) Progress() []Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Snapshot(nil), o.progress...)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("bad url %q: %v", raw, err)
	}
	return u
}

func clientFactory(c transport.Client) ClientFactory {
	return func(context.Context, *url.URL, transport.Options) (transport.Client, error) {
		return c, nil
	}
}

func sinkFactory(s sink.Sink, calls *int) SinkFactory {
	return func(context.Context, string, sink.Options) (sink.Sink, error) {
		if calls != nil {
			*calls++
		}
		return s, nil
	}
}

var errBoom = errors.New("boom")
