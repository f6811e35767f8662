package filestore

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3Options configures the S3-compatible backend.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
	Log       zerolog.Logger
}

// S3Store archives artifacts to an S3-compatible object store. The object
// key mirrors the drive layout: <prefix>/YYYY/MM/<name>.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	log    zerolog.Logger
}

// NewS3Store creates the S3 backend and verifies bucket access.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}

	s := &S3Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: opts.Bucket,
		prefix: opts.Prefix,
		log:    opts.Log.With().Str("component", "s3-store").Logger(),
	}

	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket}); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			opts.Bucket, opts.Endpoint, err)
	}
	s.log.Info().Str("bucket", opts.Bucket).Msg("S3 connection verified")
	return s, nil
}

func (s *S3Store) Type() string { return "s3" }

func (s *S3Store) objectKey(year, month, name string) string {
	parts := []string{year, month, name}
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return strings.Join(parts, "/")
}

// Lookup reports the object key if the artifact already exists, or "".
func (s *S3Store) Lookup(ctx context.Context, year, month, name string) (string, error) {
	key := s.objectKey(year, month, name)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return "", nil
	}
	return key, nil
}

// Upload puts the artifact. PutObject overwrites by key, so retries are
// naturally idempotent; the object key doubles as the file id.
func (s *S3Store) Upload(ctx context.Context, year, month, name string, data []byte) (string, error) {
	key := s.objectKey(year, month, name)
	contentType := "application/json"
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload %q: %w", key, err)
	}
	s.log.Debug().Str("key", key).Msg("s3 artifact uploaded")
	return key, nil
}
