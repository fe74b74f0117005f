package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

var _ Client = (*S3Client)(nil)

// s3GetAPI is the subset of *s3.Client used for downloads.
type s3GetAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Client implements Client for s3://bucket/key addresses using the default
// AWS credential chain.
type S3Client struct {
	api      s3GetAPI
	opts     Options
	listener Listener
	log      *slog.Logger

	mu     sync.Mutex
	closed bool
	opened bool
	body   io.ReadCloser
	wd     *watchdog
	result Result
}

// NewS3Client loads the default AWS configuration and creates an S3 client.
func NewS3Client(ctx context.Context, opts Options) (*S3Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return newS3Client(s3.NewFromConfig(cfg), opts), nil
}

func newS3Client(api s3GetAPI, opts Options) *S3Client {
	return &S3Client{
		api:      api,
		opts:     opts,
		listener: opts.listener(),
		log:      opts.logger(),
	}
}

// SplitS3URL returns the bucket and key of an s3:// address.
func SplitS3URL(raw string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(raw, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 address: %s", raw)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 address needs a bucket and a key: %s", raw)
	}
	return bucket, key, nil
}

// Open implements Client.
func (c *S3Client) Open(ctx context.Context, req Request) error {
	if req.Verb != VerbGet && req.Verb != VerbHead {
		return fmt.Errorf("the %s verb is not supported for S3", req.Verb)
	}
	bucket, key := req.URL.Host, strings.TrimPrefix(req.URL.Path, "/")
	if bucket == "" || key == "" {
		return fmt.Errorf("s3 address needs a bucket and a key: %s", req.URL)
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

	c.log.Debug("requesting object", "bucket", bucket, "key", key, "verb", req.Verb)

	var (
		res  Result
		body io.ReadCloser
		err  error
	)
	if req.Verb == VerbHead {
		res, err = c.head(wd.ctx, bucket, key, req)
	} else {
		res, body, err = c.get(wd.ctx, bucket, key, req)
	}
	if err != nil {
		res, err = c.statusFromError(err)
	}
	if err != nil {
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
		if body != nil {
			body.Close()
		}
		wd.Cancel()
		return ErrClosed
	}
	if body == nil {
		body = io.NopCloser(eofReader{})
	}
	c.body = body
	c.result = res
	c.opened = true
	return nil
}

func (c *S3Client) get(ctx context.Context, bucket, key string, req Request) (Result, io.ReadCloser, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if c.opts.hasRange() {
		in.Range = aws.String(c.opts.rangeHeader())
	}
	if !req.IfModifiedSince.IsZero() {
		in.IfModifiedSince = aws.Time(req.IfModifiedSince)
	}

	out, err := c.api.GetObject(ctx, in)
	if err != nil {
		return Result{}, nil, err
	}
	res := s3Result(out.ContentLength, out.LastModified, out.ContentType, out.ContentEncoding)
	if out.ContentRange != nil {
		res.StatusCode = http.StatusPartialContent
	}
	return res, out.Body, nil
}

func (c *S3Client) head(ctx context.Context, bucket, key string, req Request) (Result, error) {
	in := &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if c.opts.hasRange() {
		in.Range = aws.String(c.opts.rangeHeader())
	}
	if !req.IfModifiedSince.IsZero() {
		in.IfModifiedSince = aws.Time(req.IfModifiedSince)
	}

	out, err := c.api.HeadObject(ctx, in)
	if err != nil {
		return Result{}, err
	}
	return s3Result(out.ContentLength, out.LastModified, out.ContentType, out.ContentEncoding), nil
}

func s3Result(length *int64, modified *time.Time, ctype, encoding *string) Result {
	res := Result{
		Success:         true,
		StatusCode:      http.StatusOK,
		Size:            SizeUnknown,
		LastModified:    aws.ToTime(modified),
		ContentType:     aws.ToString(ctype),
		ContentEncoding: aws.ToString(encoding),
		AcceptRanges:    true,
	}
	if length != nil {
		res.Size = *length
	}
	return res
}

// statusFromError turns an API error that carries an HTTP status into a
// result, so a 304 or 404 is reported the same way the HTTP client does.
func (c *S3Client) statusFromError(err error) (Result, error) {
	var status interface{ HTTPStatusCode() int }
	if !errors.As(err, &status) || status.HTTPStatusCode() == 0 {
		return Result{}, err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && status.HTTPStatusCode() != http.StatusNotModified {
		c.listener.OnMessage(fmt.Sprintf("S3 error: %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage()))
	}

	return Result{
		Success:    false,
		StatusCode: status.HTTPStatusCode(),
		Size:       SizeUnknown,
	}, nil
}

// Result implements Client.
func (c *S3Client) Result() (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return Result{}, ErrNotOpen
	}
	return c.result, nil
}

// ReadChunk implements Client.
func (c *S3Client) ReadChunk(buf []byte) (int, bool, error) {
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
func (c *S3Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.releaseLocked()
}

func (c *S3Client) releaseLocked() error {
	if c.wd != nil {
		c.wd.Cancel()
		c.wd = nil
	}
	var err error
	if c.body != nil {
		err = c.body.Close()
		c.body = nil
	}
	c.opened = false
	c.result = Result{}
	return err
}
