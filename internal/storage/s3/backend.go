// Package s3 stores objects in an S3-compatible bucket (AWS, MinIO).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/jcbsnclr/ksync/internal/logging"
)

// Config holds the connection settings of an S3 backend.
type Config struct {
	Endpoint  string // empty for AWS
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string
}

// Backend implements storage.Backend on a bucket. Objects are immutable:
// a key is written once and later writes of the same key are no-ops.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// New connects to the bucket, creating it when missing.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
			// Many S3-compatible servers reject the SDK's default
			// trailing checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		}
	})

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	b := &Backend{client: client, bucket: cfg.Bucket, prefix: prefix}
	if err := b.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}
	if _, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}); createErr != nil {
		return fmt.Errorf("bucket %s is not reachable (%v) and cannot be created: %w", b.bucket, err, createErr)
	}
	logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	return nil
}

func (b *Backend) key(k string) *string {
	return aws.String(b.prefix + k)
}

func statusOf(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf) || statusOf(err) == http.StatusNotFound
}

// GetObject opens the object at key.
func (b *Backend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: b.key(key)})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("get object %s: %w", key, fs.ErrNotExist)
		}
		return nil, 0, fmt.Errorf("get object %s: %w", key, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// PutObject uploads size bytes to key unless the key already exists. The
// write is conditional, so two servers storing the same content race
// safely: the loser gets a precondition failure and the stored bytes are
// the same either way.
func (b *Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           b.key(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
		IfNoneMatch:   aws.String("*"),
	})
	switch status := statusOf(err); {
	case err == nil:
		logging.Debug("S3 put object", zap.String("key", key), zap.Int64("size", size))
		return nil
	case status == http.StatusPreconditionFailed, status == http.StatusConflict:
		logging.Debug("S3 object already stored", zap.String("key", key))
		return nil
	default:
		return fmt.Errorf("put object %s: %w", key, err)
	}
}

// ObjectExists reports whether key is stored.
func (b *Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.bucket), Key: b.key(key)})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("head object %s: %w", key, err)
}

// Type returns "s3".
func (b *Backend) Type() string {
	return "s3"
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (b *Backend) Close() error {
	return nil
}
