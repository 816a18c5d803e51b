// Package storage stages file payloads in S3-compatible object storage.
// The pipeline downloads file entities to local temp paths; the store
// moves that content under a sync-scoped key so destinations only carry
// the reference, not the bytes. MinIO and Hetzner object storage work
// through the same client via a custom endpoint and path-style
// addressing.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"weave.evalgo.org/common"
)

// DefaultRegion is used when no region is configured; S3-compatible
// stores accept any region but the SDK requires one for signing.
const DefaultRegion = "us-east-1"

// Config wires a FileStore to a bucket.
type Config struct {
	// Endpoint is the S3-compatible endpoint URL; empty means AWS
	Endpoint string

	// Region for request signing
	Region string

	// Bucket holding the staged payloads
	Bucket string

	// AccessKey for static credentials; empty uses the ambient AWS chain
	AccessKey string
	SecretKey string

	// UsePathStyle forces path-style addressing (required for MinIO)
	UsePathStyle bool

	Logger *logrus.Entry
}

// FileStore writes file entity payloads to one bucket.
type FileStore struct {
	client S3Client
	bucket string
	log    *logrus.Entry
}

// NewFileStore builds the S3 client from the config and makes sure the
// bucket exists.
func NewFileStore(ctx context.Context, cfg Config) (*FileStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("file store requires a bucket")
	}
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load storage credentials: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	fs := NewFileStoreWithClient(client, cfg.Bucket, cfg.Logger)
	if err := fs.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return fs, nil
}

// NewFileStoreWithClient wires a store over an existing client.
func NewFileStoreWithClient(client S3Client, bucket string, log *logrus.Entry) *FileStore {
	if log == nil {
		log = common.Component("storage")
	}
	return &FileStore{client: client, bucket: bucket, log: log.WithField("bucket", bucket)}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *FileStore) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	s.log.Info("created storage bucket")
	return nil
}

// Key returns the object key a payload is staged under. It is
// deterministic so deletes can reconstruct it from identity alone.
func (s *FileStore) Key(syncID, entityID string) string {
	return "syncs/" + syncID + "/" + entityID
}

// Put stages one payload and returns its object key. Seekable bodies
// (local temp files) are measured so the upload carries an exact
// content length.
func (s *FileStore) Put(ctx context.Context, syncID, entityID string, body io.Reader) (string, error) {
	key := s.Key(syncID, entityID)

	size := int64(-1)
	if seeker, ok := body.(io.Seeker); ok {
		end, err := seeker.Seek(0, io.SeekEnd)
		if err != nil {
			return "", fmt.Errorf("failed to measure payload: %w", err)
		}
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return "", fmt.Errorf("failed to rewind payload: %w", err)
		}
		size = end
	}

	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("failed to stage payload %s: %w", key, err)
	}

	log := s.log.WithField("key", key)
	if size >= 0 {
		log = log.WithField("size", humanize.Bytes(uint64(size)))
	}
	log.Debug("staged file payload")
	return key, nil
}

// Get opens a staged payload for reading; the caller closes it.
func (s *FileStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read payload %s: %w", key, err)
	}
	return out.Body, nil
}

// Delete removes a staged payload. Deleting a key that was never staged
// is not an error; S3 delete is idempotent.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete payload %s: %w", key, err)
	}
	return nil
}
