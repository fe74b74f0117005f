package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
)

var _ Client = (*FTPClient)(nil)

// ftpConn is the subset of *ftp.ServerConn the client uses.
type ftpConn interface {
	Login(user, password string) error
	FileSize(path string) (int64, error)
	GetTime(path string) (time.Time, error)
	RetrFrom(path string, offset uint64) (*ftp.Response, error)
	Quit() error
}

type ftpDialFunc func(ctx context.Context, addr string, timeout time.Duration) (ftpConn, error)

func dialFTP(ctx context.Context, addr string, timeout time.Duration) (ftpConn, error) {
	opts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if timeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(timeout))
	}
	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// FTPClient implements Client for ftp:// addresses. Only GET and HEAD are
// supported. A conditional request yields a synthesized 304 when the remote
// file is not newer than the given time.
type FTPClient struct {
	opts     Options
	dial     ftpDialFunc
	listener Listener
	log      *slog.Logger

	mu     sync.Mutex
	closed bool
	conn   ftpConn
	data   io.ReadCloser
	body   io.Reader
	wd     *watchdog
	stop   func() bool
	result Result
	opened bool
}

// NewFTPClient creates an FTP client.
func NewFTPClient(opts Options) *FTPClient {
	return &FTPClient{
		opts:     opts,
		dial:     dialFTP,
		listener: opts.listener(),
		log:      opts.logger(),
	}
}

func ftpCredentials(u *url.URL) (string, string) {
	if u.User == nil {
		return "anonymous", "anonymous"
	}
	pass, _ := u.User.Password()
	return u.User.Username(), pass
}

// Open implements Client.
func (c *FTPClient) Open(ctx context.Context, req Request) error {
	if req.Verb != VerbGet && req.Verb != VerbHead {
		return fmt.Errorf("the %s verb is not supported for FTP", req.Verb)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.releaseLocked()
	wd := newWatchdog(ctx, c.opts.ReceiveTimeout)
	c.wd = wd
	c.mu.Unlock()

	addr := HostPort(req.URL)
	if c.opts.Verbose {
		c.listener.OnMessage("Connecting to FTP server: " + addr)
	}

	conn, err := c.dial(wd.ctx, addr, c.opts.ConnectTimeout)
	if err != nil {
		wd.Cancel()
		if wd.Expired() {
			return fmt.Errorf("%w: no response within %s", ErrTimeout, c.opts.ReceiveTimeout)
		}
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	// The watchdog and Close both tear the control connection down.
	stop := context.AfterFunc(wd.ctx, func() { _ = conn.Quit() })

	res, body, data, err := c.request(conn, req)
	if err != nil {
		stop()
		_ = conn.Quit()
		if wd.Expired() {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		wd.Cancel()
		return err
	}
	wd.Kick()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.wd != wd {
		stop()
		if data != nil {
			_ = data.Close()
		}
		_ = conn.Quit()
		wd.Cancel()
		return ErrClosed
	}
	c.conn, c.data, c.body, c.stop = conn, data, body, stop
	c.result = res
	c.opened = true
	return nil
}

func (c *FTPClient) request(conn ftpConn, req Request) (Result, io.Reader, io.ReadCloser, error) {
	user, pass := ftpCredentials(req.URL)
	if err := conn.Login(user, pass); err != nil {
		return Result{}, nil, nil, fmt.Errorf("FTP login failed: %w", err)
	}

	path := req.URL.Path
	res := Result{
		Success:      true,
		StatusCode:   200,
		Size:         SizeUnknown,
		AcceptRanges: true, // REST
	}

	if size, err := conn.FileSize(path); err == nil {
		res.Size = size
	} else {
		c.log.Debug("SIZE not available", "path", path, "error", err)
	}
	if mod, err := conn.GetTime(path); err == nil {
		res.LastModified = mod
	} else {
		c.log.Debug("MDTM not available", "path", path, "error", err)
	}

	if notModified(res.LastModified, req.IfModifiedSince) {
		res.Success = false
		res.StatusCode = 304
		res.Size = SizeUnknown
		return res, eofReader{}, nil, nil
	}

	var limit int64 = -1
	if c.opts.hasRange() {
		res.StatusCode = 206
		if c.opts.RangeEnd >= 0 {
			limit = c.opts.RangeEnd - c.opts.RangeStart + 1
		}
		if res.Size != SizeUnknown {
			remaining := max(res.Size-c.opts.RangeStart, 0)
			if limit < 0 || remaining < limit {
				limit = remaining
			}
			res.Size = limit
		} else if limit >= 0 {
			res.Size = limit
		}
	}

	if req.Verb == VerbHead {
		return res, eofReader{}, nil, nil
	}

	data, err := conn.RetrFrom(path, uint64(max(c.opts.RangeStart, 0)))
	if err != nil {
		return Result{}, nil, nil, fmt.Errorf("failed to retrieve %s: %w", path, err)
	}

	var body io.Reader = data
	if limit >= 0 {
		body = io.LimitReader(data, limit)
	}
	return res, body, data, nil
}

// notModified compares at second granularity, the resolution of MDTM.
func notModified(remote, since time.Time) bool {
	if remote.IsZero() || since.IsZero() {
		return false
	}
	return !remote.Truncate(time.Second).After(since.Truncate(time.Second))
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// Result implements Client.
func (c *FTPClient) Result() (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return Result{}, ErrNotOpen
	}
	return c.result, nil
}

// ReadChunk implements Client.
func (c *FTPClient) ReadChunk(buf []byte) (int, bool, error) {
	c.mu.Lock()
	body, wd, closed := c.body, c.wd, c.closed
	c.mu.Unlock()

	if closed {
		return 0, false, ErrClosed
	}
	if body == nil {
		return 0, false, ErrNotOpen
	}

	n, err := body.Read(buf)
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

// Close implements Client.
func (c *FTPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.releaseLocked()
}

func (c *FTPClient) releaseLocked() error {
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
	if c.wd != nil {
		c.wd.Cancel()
		c.wd = nil
	}

	var errs []error
	if c.conn != nil {
		// Quit first so closing the data connection does not wait on the server.
		errs = append(errs, c.conn.Quit())
		c.conn = nil
	}
	if c.data != nil {
		_ = c.data.Close()
		c.data = nil
	}
	c.body = nil
	c.opened = false
	c.result = Result{}
	return errors.Join(errs...)
}
