package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SizeUnknown is reported when the server did not announce a content length.
const SizeUnknown int64 = -1

// Supported request verbs.
const (
	VerbGet    = "GET"
	VerbPost   = "POST"
	VerbPut    = "PUT"
	VerbDelete = "DELETE"
	VerbHead   = "HEAD"
)

var (
	// ErrRevocationUnavailable is returned when the revocation status of the
	// server certificate could not be determined.
	ErrRevocationUnavailable = errors.New("certificate revocation information is unavailable")

	// ErrCertificateRevoked is returned when the server certificate is revoked.
	ErrCertificateRevoked = errors.New("server certificate has been revoked")

	// ErrConnRefused marks a refused connection.
	ErrConnRefused = errors.New("connection refused")

	// ErrTimeout marks a connect or receive timeout.
	ErrTimeout = errors.New("operation timed out")

	// ErrNotOpen is returned when a client is used before Open succeeded.
	ErrNotOpen = errors.New("request has not been sent")

	// ErrClosed is returned when a client is used after Close.
	ErrClosed = errors.New("client is closed")

	// ErrUnsupportedScheme is returned by New for URLs it cannot serve.
	ErrUnsupportedScheme = errors.New("unsupported protocol, only HTTP(S), FTP and S3 are allowed")
)

// Request describes the single request a client sends.
type Request struct {
	Verb string
	URL  *url.URL

	// Body is the URL-encoded form body; empty for none.
	Body string

	Referrer string

	// IfModifiedSince makes the request conditional when non-zero.
	IfModifiedSince time.Time
}

// Result is the response information queried after Open.
type Result struct {
	Success         bool
	StatusCode      int
	Size            int64
	LastModified    time.Time
	ContentType     string
	ContentEncoding string

	// AcceptRanges reports that the server can serve byte ranges.
	AcceptRanges bool
}

// Client is a blocking, single-use transport connection. Open sends the
// request; Result and ReadChunk are valid only after Open returned nil. Close
// releases the connection and may be called concurrently with a blocked
// ReadChunk to unblock it.
type Client interface {
	Open(ctx context.Context, req Request) error
	Result() (Result, error)
	ReadChunk(buf []byte) (n int, eof bool, err error)
	Close() error
}

// Relaxer is implemented by clients that can drop a mandatory certificate
// revocation check after the revocation information turned out unavailable.
type Relaxer interface {
	RelaxRevocation()
}

// Listener receives diagnostic notices such as redirects and retries.
type Listener interface {
	OnMessage(text string)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(text string)

// OnMessage implements Listener.
func (f ListenerFunc) OnMessage(text string) {
	f(text)
}

type nopListener struct{}

func (nopListener) OnMessage(string) {}

// Options configure a client.
type Options struct {
	UserAgent  string
	NoProxy    bool
	NoRedirect bool

	// Ranged requests the inclusive byte range [RangeStart, RangeEnd]. A
	// negative RangeEnd means up to the end of the resource.
	Ranged     bool
	RangeStart int64
	RangeEnd   int64

	Insecure bool
	ForceCRL bool

	ConnectTimeout time.Duration
	ReceiveTimeout time.Duration

	Verbose  bool
	Listener Listener
	Logger   *slog.Logger
}

func (o *Options) listener() Listener {
	if o.Listener == nil {
		return nopListener{}
	}
	return o.Listener
}

func (o *Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *Options) hasRange() bool {
	return o.Ranged
}

// rangeHeader formats the byte range as an HTTP Range header value.
func (o *Options) rangeHeader() string {
	if o.RangeEnd >= 0 {
		return fmt.Sprintf("bytes=%d-%d", o.RangeStart, o.RangeEnd)
	}
	return fmt.Sprintf("bytes=%d-", o.RangeStart)
}

// New creates the client matching the scheme of u.
func New(ctx context.Context, u *url.URL, opts Options) (Client, error) {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return NewHTTPClient(opts), nil
	case "ftp":
		return NewFTPClient(opts), nil
	case "s3":
		return NewS3Client(ctx, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// ParseURL parses and checks a source address. An address without a scheme
// is treated as http.
func ParseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty source address")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid source address: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("the specified URL is incomplete: %s", raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ftp", "s3":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return u, nil
}

// HostPort returns host:port of u with the scheme default port filled in.
func HostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	switch strings.ToLower(u.Scheme) {
	case "https", "s3":
		port = "443"
	case "ftp":
		port = "21"
	}
	return u.Hostname() + ":" + port
}

// StatusText returns a short description of an HTTP-style status code.
func StatusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Unknown"
}
