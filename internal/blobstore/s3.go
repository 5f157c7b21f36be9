package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Options tunes the client built by NewS3Client. Endpoint and PathStyle are
// for S3-compatible stores such as MinIO.
type S3Options struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region := strings.TrimSpace(opts.Region); region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	endpoint := strings.TrimSpace(opts.Endpoint)
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	}), nil
}

type s3Store struct {
	client     S3Client
	bucket     string
	prefix     string
	maxGetSize int64
}

func newS3Store(cfg Config) (*s3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}
	return &s3Store{
		client:     cfg.S3Client,
		bucket:     bucket,
		prefix:     cleanPrefix(cfg.Prefix),
		maxGetSize: maxGet,
	}, nil
}

func (s *s3Store) Put(ctx context.Context, key string, payload []byte, opts PutOptions) error {
	k, err := resolveKey(s.prefix, key)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(k.full),
		Body:     bytes.NewReader(payload),
		Metadata: copyMetadata(opts.Metadata),
	}
	if ct := strings.TrimSpace(opts.ContentType); ct != "" {
		in.ContentType = aws.String(ct)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("blobstore/s3: put %q: %w", k.logical, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) (Object, error) {
	k, err := resolveKey(s.prefix, key)
	if err != nil {
		return Object{}, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k.full),
	})
	if err != nil {
		if isNotFound(err) {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, k.logical)
		}
		return Object{}, fmt.Errorf("blobstore/s3: get %q: %w", k.logical, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxGetSize+1))
	if err != nil {
		return Object{}, fmt.Errorf("blobstore/s3: read %q: %w", k.logical, err)
	}
	if int64(len(data)) > s.maxGetSize {
		return Object{}, fmt.Errorf("%w: %q exceeds %d bytes", ErrTooLarge, k.logical, s.maxGetSize)
	}
	return Object{
		Key:          k.logical,
		Data:         data,
		ContentType:  aws.ToString(out.ContentType),
		Metadata:     copyMetadata(out.Metadata),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	k, err := resolveKey(s.prefix, key)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k.full),
	})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("blobstore/s3: head %q: %w", k.logical, err)
	}
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	}
	return false
}
