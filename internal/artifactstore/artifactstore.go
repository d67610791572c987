// Package artifactstore implements the content-addressed blob store: put and
// get by hex digest against a single S3-compatible bucket. Transient
// failures (network, credential, permission) are retried with bounded
// exponential backoff, generalizing the retry-loop shape used for SQLite
// busy-retries elsewhere in this codebase to a remote object store.
package artifactstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Retry is the bounded exponential backoff applied to put/get: up to 4
// attempts, the first try plus 3 retries after 1/2/4-second waits.
var Retry = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Client is the S3-compatible subset of operations this store needs. The
// real *s3.Client satisfies it; tests substitute a fake.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Store is a content-addressed object store addressed by hex digest within
// a single logical bucket.
type Store struct {
	client Client
	bucket string
}

// Options configures how the underlying S3-compatible client is built.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseTLS    bool
}

// New constructs a Store against an S3-compatible endpoint, using static
// credentials and path-style addressing (required by most non-AWS S3
// implementations such as MinIO).
func New(ctx context.Context, opts Options) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("artifactstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &Store{client: client, bucket: opts.Bucket}, nil
}

// NewWithClient builds a Store around an already-constructed client — used
// by tests and by callers that need custom S3 client options.
func NewWithClient(client Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// EnsureBucket creates the bucket if it doesn't already exist. The api
// command calls it once at startup, before any upload; Put and Get do not
// create the bucket themselves.
func (s *Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket})
	if err == nil {
		return nil
	}
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &s.bucket})
	if err != nil {
		return fmt.Errorf("artifactstore: create bucket: %w", err)
	}
	return nil
}

// Put writes bytes under key, idempotent by key: re-putting the same key
// with the same bytes succeeds without error. Retries transient failures
// with bounded exponential backoff.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return withRetry(ctx, Retry, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      &s.bucket,
			Key:         &key,
			Body:        bytes.NewReader(data),
			ContentType: &contentType,
		})
		return err
	})
}

// Get fetches the blob stored under key to a local file at dest, returning
// dest on success. Retries transient failures with bounded exponential
// backoff.
func (s *Store) Get(ctx context.Context, key, dest string) (string, error) {
	err := withRetry(ctx, Retry, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
		if err != nil {
			return err
		}
		defer out.Body.Close()

		f, err := os.Create(dest)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(f, out.Body)
		return err
	})
	if err != nil {
		return "", err
	}
	return dest, nil
}

func withRetry(ctx context.Context, backoff []time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt <= len(backoff); attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == len(backoff) {
			break
		}
		t := time.NewTimer(backoff[attempt])
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("artifactstore: exhausted retries: %w", err)
}
