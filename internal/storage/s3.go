package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// S3Storage keeps table segments and landing files in an S3 bucket or any
// S3-compatible endpoint.
type S3Storage struct {
	client *s3.Client
	bucket string
	cfg    S3Config
	logger *zap.Logger
}

// S3Config holds S3 client settings.
type S3Config struct {
	Region string

	// Endpoint overrides the AWS endpoint (MinIO, LocalStack)
	Endpoint string

	// UsePathStyle is required by most S3-compatible servers
	UsePathStyle bool

	MultipartConfig MultipartUploadConfig

	// MaxRetries bounds retries of one request. Default: 3
	MaxRetries int

	// RetryBase is the first backoff delay, doubled per attempt. Default: 100ms
	RetryBase time.Duration

	Logger *zap.Logger
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:          "us-east-1",
		MultipartConfig: DefaultMultipartConfig(),
		MaxRetries:      3,
		RetryBase:       100 * time.Millisecond,
	}
}

// NewS3Storage loads the default AWS credential chain and builds a client.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	if bucket == "" {
		return nil, fmt.Errorf("storage: s3 bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StorageWithClient(client, bucket, cfg), nil
}

// NewS3StorageWithClient wraps a configured client.
func NewS3StorageWithClient(client *s3.Client, bucket string, cfg S3Config) *S3Storage {
	if cfg.MultipartConfig.PartSize <= 0 {
		cfg.MultipartConfig = DefaultMultipartConfig()
	}
	if cfg.MultipartConfig.Concurrency <= 0 {
		cfg.MultipartConfig.Concurrency = DefaultMultipartConfig().Concurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Storage{client: client, bucket: bucket, cfg: cfg, logger: logger}
}

// Upload sends a local file, in parallel parts above the part size. The
// object becomes visible only when the upload completes.
func (s *S3Storage) Upload(ctx context.Context, localPath, objectPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	size := stat.Size()

	if size > s.cfg.MultipartConfig.PartSize {
		err = s.multipartUpload(ctx, file, size, objectPath)
	} else {
		err = s.retry(ctx, "put "+objectPath, func() error {
			_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(s.bucket),
				Key:           aws.String(objectPath),
				Body:          io.NewSectionReader(file, 0, size),
				ContentLength: aws.Int64(size),
			})
			return err
		})
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUploadFailed, objectPath, err)
	}
	return nil
}

func (s *S3Storage) multipartUpload(ctx context.Context, file *os.File, size int64, objectPath string) error {
	var created *s3.CreateMultipartUploadOutput
	err := s.retry(ctx, "create multipart "+objectPath, func() error {
		var err error
		created, err = s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	if err != nil {
		return err
	}
	uploadID := created.UploadId

	partSize := s.cfg.MultipartConfig.PartSize
	numParts := int((size + partSize - 1) / partSize)
	parts := make([]types.CompletedPart, numParts)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MultipartConfig.Concurrency)
	for i := 0; i < numParts; i++ {
		offset := int64(i) * partSize
		length := min(partSize, size-offset)
		partNum := int32(i + 1)
		g.Go(func() error {
			return s.retry(gctx, fmt.Sprintf("upload part %d of %s", partNum, objectPath), func() error {
				resp, err := s.client.UploadPart(gctx, &s3.UploadPartInput{
					Bucket:        aws.String(s.bucket),
					Key:           aws.String(objectPath),
					UploadId:      uploadID,
					PartNumber:    aws.Int32(partNum),
					Body:          io.NewSectionReader(file, offset, length),
					ContentLength: aws.Int64(length),
				})
				if err != nil {
					return err
				}
				parts[partNum-1] = types.CompletedPart{ETag: resp.ETag, PartNumber: aws.Int32(partNum)}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		s.abortMultipart(objectPath, uploadID)
		return err
	}

	err = s.retry(ctx, "complete multipart "+objectPath, func() error {
		_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(objectPath),
			UploadId:        uploadID,
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		return err
	})
	if err != nil {
		s.abortMultipart(objectPath, uploadID)
		return err
	}
	return nil
}

// abortMultipart runs on its own context so a cancelled upload still
// releases its parts.
func (s *S3Storage) abortMultipart(objectPath string, uploadID *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(objectPath),
		UploadId: uploadID,
	}); err != nil {
		s.logger.Warn("abort multipart upload failed", zap.String("object", objectPath), zap.Error(err))
	}
}

// Download copies an object to localPath through a temporary file in the
// same directory, so localPath never holds a partial object.
func (s *S3Storage) Download(ctx context.Context, objectPath, localPath string) error {
	var body io.ReadCloser
	err := s.retry(ctx, "get "+objectPath, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			var noSuchKey *types.NoSuchKey
			if errors.As(err, &noSuchKey) {
				return ErrObjectNotFound
			}
			return err
		}
		body = resp.Body
		return nil
	})
	if errors.Is(err, ErrObjectNotFound) {
		return ErrObjectNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDownloadFailed, objectPath, err)
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %s: %v", ErrDownloadFailed, objectPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return nil
}

// Delete removes an object. S3 reports success for missing keys.
func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	err := s.retry(ctx, "delete "+objectPath, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeleteFailed, objectPath, err)
	}
	return nil
}

// Exists reports whether an object exists.
func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	exists := false
	err := s.retry(ctx, "head "+objectPath, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		switch {
		case err == nil:
			exists = true
		case isS3NotFound(err):
			exists = false
		default:
			return err
		}
		return nil
	})
	return exists, err
}

// ListObjects returns every object under prefix, sorted by key.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := s.retry(ctx, "list "+prefix, func() error {
			var err error
			page, err = paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrListFailed, prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Path:    aws.ToString(obj.Key),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Path < objects[j].Path })
	return objects, nil
}

// isS3NotFound matches HeadObject errors, which carry no typed body.
func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "404")
}

// maxRetryBackoff caps the delay between retries of one request.
const maxRetryBackoff = 30 * time.Second

// retry runs op with exponential backoff. Missing objects and context
// cancellation are returned at once.
func (s *S3Storage) retry(ctx context.Context, what string, op func() error) error {
	var err error
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.cfg.RetryBase),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(maxRetryBackoff),
		backoff.WithMaxElapsedTime(0))
	for attempt := 0; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = op()
		if err == nil || errors.Is(err, ErrObjectNotFound) || errors.Is(err, context.Canceled) {
			return err
		}
		if attempt >= s.cfg.MaxRetries {
			return err
		}
		wait := bo.NextBackOff()
		s.logger.Debug("s3 request failed, retrying",
			zap.String("op", what),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
