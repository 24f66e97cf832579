package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds configuration for the S3 chunk store backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not
	// subdomain). Required by most S3-compatible providers.
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// S3API is the subset of the S3 client the store uses.
// Satisfied by *s3.Client; narrowed for testing.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Store persists chunks as objects at
// <prefix>/sessions/<sessionID>/<index>.chunk.
// S3 PUTs are atomic, so no temp-and-rename dance is needed.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store creates an S3-backed chunk store.
// Uses the AWS SDK default credential chain (env vars, shared config,
// IAM role).
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewS3StoreWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix), nil
}

// NewS3StoreWithClient creates an S3 store over an existing client.
func NewS3StoreWithClient(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// WriteChunk implements Store.
func (s *S3Store) WriteChunk(ctx context.Context, sessionID string, index int, data []byte) error {
	key := s.objectKey(sessionID, index)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return WrapWriteError(err, key)
}

// HasChunk implements Store.
func (s *S3Store) HasChunk(ctx context.Context, sessionID string, index int) (bool, error) {
	key := s.objectKey(sessionID, index)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, WrapReadError(err, key)
}

// ReadChunksInOrder implements Store.
func (s *S3Store) ReadChunksInOrder(_ context.Context, sessionID string, totalChunks int) (ChunkSequence, error) {
	return &s3Sequence{store: s, sessionID: sessionID, total: totalChunks}, nil
}

// DeleteSession implements Store.
func (s *S3Store) DeleteSession(ctx context.Context, sessionID string) error {
	prefix := s.sessionPrefix(sessionID)
	var continuation *string
	for {
		listed, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return WrapDeleteError(err, prefix)
		}
		if len(listed.Contents) == 0 {
			return nil
		}

		objects := make([]s3types.ObjectIdentifier, 0, len(listed.Contents))
		for _, obj := range listed.Contents {
			objects = append(objects, s3types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: objects},
		}); err != nil {
			return WrapDeleteError(err, prefix)
		}

		if listed.IsTruncated == nil || !*listed.IsTruncated {
			return nil
		}
		continuation = listed.NextContinuationToken
	}
}

func (s *S3Store) sessionPrefix(sessionID string) string {
	return path.Join(s.prefix, "sessions", sessionID) + "/"
}

func (s *S3Store) objectKey(sessionID string, index int) string {
	return path.Join(s.prefix, "sessions", sessionID, chunkFileName(index))
}

// s3Sequence fetches chunk objects lazily in index order.
type s3Sequence struct {
	store     *S3Store
	sessionID string
	total     int
	pos       int
}

func (q *s3Sequence) Next(ctx context.Context) (io.ReadCloser, error) {
	if q.pos >= q.total {
		return nil, io.EOF
	}
	key := q.store.objectKey(q.sessionID, q.pos)
	out, err := q.store.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(q.store.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, WrapReadError(err, key)
	}
	q.pos++
	return out.Body, nil
}

func (q *s3Sequence) Restart() { q.pos = 0 }

// Verify S3Store implements Store.
var _ Store = (*S3Store)(nil)
