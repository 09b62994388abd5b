package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Sentinel errors for sink failures. Wrapped around the underlying
// provider error so callers can branch on the class.
var (
	// ErrBucketNotFound means the configured bucket does not exist.
	ErrBucketNotFound = errors.New("recorder: bucket not found")

	// ErrAccessDenied means the sink credentials lack write permission.
	ErrAccessDenied = errors.New("recorder: access denied")

	// ErrThrottled means the provider asked us to slow down.
	ErrThrottled = errors.New("recorder: throttled")
)

// Sink stores finished summary documents keyed by a slash-separated
// path (typically <job_collection>/<job_id>.jsonl).
type Sink interface {
	Put(ctx context.Context, key string, body []byte) error
}

// FileSink writes documents under a root directory, creating
// intermediate directories as needed.
type FileSink struct {
	root string
}

// NewFileSink creates a sink rooted at dir.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("recorder: file sink requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create sink root: %w", err)
	}
	return &FileSink{root: dir}, nil
}

func (s *FileSink) Put(_ context.Context, key string, body []byte) error {
	rel := filepath.FromSlash(strings.TrimPrefix(key, "/"))
	path := filepath.Join(s.root, rel)
	if !strings.HasPrefix(path, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return fmt.Errorf("recorder: key %q escapes sink root", key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("recorder: create sink dir: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("recorder: write summary: %w", err)
	}
	return nil
}

// S3Config configures an S3 summary sink.
//
// Credentials follow the AWS SDK v2 default chain unless explicit keys
// are provided. For S3-compatible stores (MinIO, Wasabi), set Endpoint
// and typically ForcePathStyle.
type S3Config struct {
	// Bucket is the bucket name (required).
	Bucket string

	// Prefix is prepended to every document key.
	Prefix string

	// Region is the AWS region. Empty lets the SDK resolve it.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// AccessKeyID / SecretAccessKey are explicit credentials. If one is
	// set, both must be.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs, required by most
	// S3-compatible stores.
	ForcePathStyle bool
}

// Validate checks that required configuration is present.
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("recorder: s3 sink requires a bucket")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return fmt.Errorf("recorder: access key id and secret must be provided together")
	}
	return nil
}

// S3Sink writes documents as objects in one bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink builds the AWS client and returns the sink.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("recorder: load aws config: %w", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &S3Sink{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// NewS3SinkFromClient wraps an existing client; used by tests.
func NewS3SinkFromClient(client *s3.Client, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Sink) Put(ctx context.Context, key string, body []byte) error {
	objectKey := strings.TrimPrefix(key, "/")
	if s.prefix != "" {
		objectKey = s.prefix + "/" + objectKey
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		if class := classifyS3Error(err); class != nil {
			return fmt.Errorf("%w: put %s: %v", class, objectKey, err)
		}
		return fmt.Errorf("recorder: put summary object: %w", err)
	}
	return nil
}

// classifyS3Error maps provider errors onto the sink sentinels, or nil
// when the error carries no recognized class.
func classifyS3Error(err error) error {
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return ErrBucketNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return ErrBucketNotFound
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return ErrAccessDenied
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return ErrThrottled
		}
	}
	return nil
}
