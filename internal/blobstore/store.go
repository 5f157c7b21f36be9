package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxGetSize int64 = 1 << 20
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrTooLarge      = errors.New("blobstore: object too large")
)

// Store persists immutable documents such as withdrawal receipts.
//
// Keys are logical: the configured prefix is applied by the driver and never
// appears in returned objects.
type Store interface {
	Put(ctx context.Context, key string, payload []byte, opts PutOptions) error
	Get(ctx context.Context, key string) (Object, error)
	Exists(ctx context.Context, key string) (bool, error)
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	Metadata     map[string]string
	LastModified time.Time
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes returned by Get. Defaults to 1 MiB when <= 0.
	MaxGetSize int64

	Bucket   string
	S3Client S3Client
}

func New(cfg Config) (Store, error) {
	switch NormalizeDriver(cfg.Driver) {
	case DriverMemory:
		return newMemoryStore(cfg.Prefix, time.Now), nil
	case DriverS3:
		return newS3Store(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// NormalizeDriver lowercases driver and maps empty to s3.
func NormalizeDriver(driver string) string {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		return DriverS3
	}
	return driver
}

type objectKey struct {
	logical string
	full    string
}

func resolveKey(prefix, key string) (objectKey, error) {
	if key != strings.TrimSpace(key) {
		return objectKey{}, fmt.Errorf("%w: surrounding whitespace", ErrInvalidKey)
	}
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return objectKey{}, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.ContainsFunc(key, func(r rune) bool { return r < 0x20 || r == 0x7f }) {
		return objectKey{}, fmt.Errorf("%w: control characters", ErrInvalidKey)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return objectKey{}, fmt.Errorf("%w: parent segment", ErrInvalidKey)
		}
	}
	if prefix == "" {
		return objectKey{logical: key, full: key}, nil
	}
	return objectKey{logical: key, full: prefix + "/" + key}, nil
}

func cleanPrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if k = strings.TrimSpace(k); k != "" {
			out[strings.ToLower(k)] = strings.TrimSpace(v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
