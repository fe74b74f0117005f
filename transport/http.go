package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync"
	"time"
)

const maxRedirects = 10

var _ Client = (*HTTPClient)(nil)
var _ Relaxer = (*HTTPClient)(nil)

// HTTPClient implements Client over net/http.
type HTTPClient struct {
	opts     Options
	client   *http.Client
	crl      *revocationChecker
	listener Listener
	log      *slog.Logger

	mu     sync.Mutex
	closed bool
	resp   *http.Response
	wd     *watchdog
	result Result
}

// NewHTTPClient creates an HTTP(S) client.
func NewHTTPClient(opts Options) *HTTPClient {
	c := &HTTPClient{
		opts:     opts,
		crl:      newRevocationChecker(opts.ConnectTimeout),
		listener: opts.listener(),
		log:      opts.logger(),
	}

	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: opts.Insecure,
	}
	if !opts.Insecure {
		tlsConfig.VerifyConnection = c.crl.verify
	}

	tr := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: opts.ConnectTimeout,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        1,
	}
	if !opts.NoProxy {
		tr.Proxy = c.proxy
	}

	c.client = &http.Client{
		Transport:     tr,
		CheckRedirect: c.checkRedirect,
	}
	return c
}

func (c *HTTPClient) proxy(req *http.Request) (*url.URL, error) {
	u, err := http.ProxyFromEnvironment(req)
	if err == nil && u != nil {
		c.listener.OnMessage("Using proxy server: " + u.Host)
	}
	return u, err
}

func (c *HTTPClient) checkRedirect(req *http.Request, via []*http.Request) error {
	if c.opts.NoRedirect {
		return http.ErrUseLastResponse
	}
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	c.listener.OnMessage("Redirecting: " + req.URL.String())
	return nil
}

func (c *HTTPClient) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(info httptrace.DNSStartInfo) {
			c.listener.OnMessage("Resolving name: " + info.Host)
		},
		ConnectDone: func(network, addr string, err error) {
			if err == nil {
				c.listener.OnMessage("Connected to server: " + addr)
			}
		},
		TLSHandshakeDone: func(cs tls.ConnectionState, err error) {
			if err == nil {
				c.listener.OnMessage("Secure channel established: " + tls.VersionName(cs.Version))
			}
		},
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				c.listener.OnMessage("Request sent, awaiting response...")
			}
		},
		GotFirstResponseByte: func() {
			c.listener.OnMessage("Response received.")
		},
	}
}

// RelaxRevocation implements Relaxer.
func (c *HTTPClient) RelaxRevocation() {
	c.crl.relax()
}

// Open implements Client. Any previous response is released first.
func (c *HTTPClient) Open(ctx context.Context, req Request) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.releaseLocked()
	wd := newWatchdog(ctx, c.opts.ReceiveTimeout)
	c.wd = wd
	c.mu.Unlock()

	reqCtx := wd.ctx
	if c.opts.Verbose {
		reqCtx = httptrace.WithClientTrace(reqCtx, c.trace())
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	hreq, err := http.NewRequestWithContext(reqCtx, req.Verb, req.URL.String(), body)
	if err != nil {
		wd.Cancel()
		return fmt.Errorf("failed to create request: %w", err)
	}
	if req.Body != "" {
		hreq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.opts.UserAgent != "" {
		hreq.Header.Set("User-Agent", c.opts.UserAgent)
	}
	if req.Referrer != "" {
		hreq.Header.Set("Referer", req.Referrer)
	}
	if !req.IfModifiedSince.IsZero() {
		hreq.Header.Set("If-Modified-Since", req.IfModifiedSince.UTC().Format(http.TimeFormat))
	}
	if c.opts.hasRange() {
		hreq.Header.Set("Range", c.opts.rangeHeader())
	}
	if c.opts.NoProxy {
		hreq.Header.Set("Cache-Control", "no-cache")
	}

	c.log.Debug("sending request", "verb", req.Verb, "url", req.URL.Redacted())

	resp, err := c.client.Do(hreq)
	if err != nil {
		err = c.classify(wd, err)
		wd.Cancel()
		return err
	}
	wd.Kick()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.wd != wd {
		resp.Body.Close()
		wd.Cancel()
		return ErrClosed
	}
	c.resp = resp
	c.result = resultFromResponse(resp)
	return nil
}

func resultFromResponse(resp *http.Response) Result {
	ranges := resp.StatusCode == http.StatusPartialContent ||
		strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes")
	res := Result{
		Success:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode:      resp.StatusCode,
		Size:            SizeUnknown,
		ContentType:     resp.Header.Get("Content-Type"),
		ContentEncoding: resp.Header.Get("Content-Encoding"),
		AcceptRanges:    ranges,
	}
	if resp.ContentLength >= 0 {
		res.Size = resp.ContentLength
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			res.LastModified = t
		}
	}
	return res
}

func (c *HTTPClient) classify(wd *watchdog, err error) error {
	if wd.Expired() {
		return fmt.Errorf("%w: no response within %s", ErrTimeout, c.opts.ReceiveTimeout)
	}
	if rerr := c.crl.take(); rerr != nil {
		return fmt.Errorf("%w (%v)", rerr, err)
	}
	return err
}

// Result implements Client.
func (c *HTTPClient) Result() (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resp == nil {
		return Result{}, ErrNotOpen
	}
	return c.result, nil
}

// ReadChunk implements Client.
func (c *HTTPClient) ReadChunk(buf []byte) (int, bool, error) {
	c.mu.Lock()
	resp, wd, closed := c.resp, c.wd, c.closed
	c.mu.Unlock()

	if closed {
		return 0, false, ErrClosed
	}
	if resp == nil {
		return 0, false, ErrNotOpen
	}

	n, err := resp.Body.Read(buf)
	if n > 0 {
		wd.Kick()
	}
	if errors.Is(err, io.EOF) {
		return n, true, nil
	}
	if err != nil {
		if wd.Expired() {
			return n, false, fmt.Errorf("%w: no data received within %s", ErrTimeout, c.opts.ReceiveTimeout)
		}
		return n, false, fmt.Errorf("failed to receive data: %w", err)
	}
	return n, false, nil
}

// Close implements Client. It unblocks a concurrent Open or ReadChunk.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.releaseLocked()
	c.client.CloseIdleConnections()
	return err
}

func (c *HTTPClient) releaseLocked() error {
	if c.wd != nil {
		c.wd.Cancel()
		c.wd = nil
	}
	var err error
	if c.resp != nil {
		err = c.resp.Body.Close()
		c.resp = nil
	}
	c.result = Result{}
	return err
}
