package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var _ Sink = (*S3Sink)(nil)

// uploadAPI is the subset of *manager.Uploader used by S3Sink.
type uploadAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Sink streams the download into an S3 object through the multipart
// upload manager.
type S3Sink struct {
	api    uploadAPI
	ctx    context.Context
	bucket string
	key    string
	opts   Options
	log    *slog.Logger

	pw      *io.PipeWriter
	errChan chan error
}

// NewS3Sink creates a sink for an s3://bucket/key target using the default
// AWS credential chain.
func NewS3Sink(ctx context.Context, target string, opts Options) (*S3Sink, error) {
	bucket, key, err := splitS3Target(target)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	uploader := manager.NewUploader(s3.NewFromConfig(cfg))
	return newS3Sink(ctx, uploader, bucket, key, opts), nil
}

func newS3Sink(ctx context.Context, api uploadAPI, bucket, key string, opts Options) *S3Sink {
	return &S3Sink{
		api:    api,
		ctx:    ctx,
		bucket: bucket,
		key:    key,
		opts:   opts,
		log:    opts.logger(),
	}
}

func splitS3Target(target string) (string, string, error) {
	rest, ok := strings.CutPrefix(target, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 target: %s", target)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 target needs a bucket and a key: %s", target)
	}
	return bucket, key, nil
}

// Open implements Sink. It starts the upload in the background.
func (s *S3Sink) Open() error {
	pr, pw := io.Pipe()
	errChan := make(chan error, 1)

	go func() {
		_, err := s.api.Upload(s.ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key),
			Body:   pr,
		})
		pr.CloseWithError(err)
		errChan <- err
	}()

	s.pw = pw
	s.errChan = errChan
	return nil
}

// Write implements Sink.
func (s *S3Sink) Write(p []byte) error {
	if s.pw == nil {
		return ErrNotOpen
	}
	if _, err := s.pw.Write(p); err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}

// Close implements Sink. A failed transfer aborts the upload unless partial
// output is kept.
func (s *S3Sink) Close(success bool) error {
	if s.pw == nil {
		return nil
	}
	pw := s.pw
	s.pw = nil

	if !success && !s.opts.KeepFailed {
		pw.CloseWithError(ErrDiscarded)
		if err := <-s.errChan; err != nil && !errors.Is(err, ErrDiscarded) {
			s.log.Debug("upload aborted", "bucket", s.bucket, "key", s.key, "error", err)
		}
		return nil
	}

	if err := pw.Close(); err != nil {
		return err
	}
	if err := <-s.errChan; err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}
