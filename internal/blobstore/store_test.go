package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "memory", cfg: Config{Driver: DriverMemory}},
		{name: "unsupported driver", cfg: Config{Driver: "gcs"}, wantErr: true},
		{name: "s3 missing bucket", cfg: Config{Driver: DriverS3, S3Client: &fakeS3Client{}}, wantErr: true},
		{name: "s3 missing client", cfg: Config{Driver: DriverS3, Bucket: "spayment-receipts"}, wantErr: true},
		{name: "default driver is s3", cfg: Config{Bucket: "spayment-receipts", S3Client: &fakeS3Client{}}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, err := New(tc.cfg)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if store == nil {
				t.Fatalf("New returned nil store")
			}
		})
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 12, 0, 0, 0, time.UTC)
	store := newMemoryStore("mainnet/", func() time.Time { return now })
	ctx := context.Background()

	payload := []byte(`{"receiptId":"r1"}`)
	if err := store.Put(ctx, "/withdrawals/r1.json", payload, PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"Kind": "withdraw", " ": "dropped"},
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := store.Exists(ctx, "withdrawals/r1.json")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatalf("Exists returned false for persisted key")
	}

	obj, err := store.Get(ctx, "withdrawals/r1.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.Key != "withdrawals/r1.json" {
		t.Fatalf("key: got %q", obj.Key)
	}
	if !bytes.Equal(obj.Data, payload) || obj.ContentType != "application/json" {
		t.Fatalf("unexpected object: %+v", obj)
	}
	if len(obj.Metadata) != 1 || obj.Metadata["kind"] != "withdraw" {
		t.Fatalf("metadata: got %v", obj.Metadata)
	}
	if !obj.LastModified.Equal(now) {
		t.Fatalf("last modified: got %v want %v", obj.LastModified, now)
	}

	obj.Data[0] = 'X'
	obj.Metadata["kind"] = "changed"
	reload, err := store.Get(ctx, "withdrawals/r1.json")
	if err != nil {
		t.Fatalf("Get reload: %v", err)
	}
	if reload.Data[0] != '{' || reload.Metadata["kind"] != "withdraw" {
		t.Fatalf("stored object was mutated through Get")
	}

	if _, err := store.Get(ctx, "withdrawals/r2.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, key := range []string{"", "   ", "/", "\x00bad", "\nnewline", "a/../b", " padded"} {
		if err := store.Put(context.Background(), key, []byte("x"), PutOptions{}); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Put(%q): expected ErrInvalidKey, got %v", key, err)
		}
		if _, err := store.Exists(context.Background(), key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Exists(%q): expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestS3StorePutGetExists(t *testing.T) {
	t.Parallel()

	const fullKey = "mainnet/withdrawals/r1.json"
	client := &fakeS3Client{
		putFn: func(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			if aws.ToString(in.Bucket) != "spayment-receipts" || aws.ToString(in.Key) != fullKey {
				t.Errorf("put target: %s/%s", aws.ToString(in.Bucket), aws.ToString(in.Key))
			}
			if aws.ToString(in.ContentType) != "application/json" || in.Metadata["kind"] != "withdraw-on-behalf" {
				t.Errorf("put headers: %q %v", aws.ToString(in.ContentType), in.Metadata)
			}
			return &s3.PutObjectOutput{}, nil
		},
		getFn: func(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			if aws.ToString(in.Key) != fullKey {
				t.Errorf("get key: %s", aws.ToString(in.Key))
			}
			return &s3.GetObjectOutput{
				Body:        io.NopCloser(strings.NewReader(`{"receiptId":"r1"}`)),
				ContentType: aws.String("application/json"),
				Metadata:    map[string]string{"kind": "withdraw-on-behalf"},
			}, nil
		},
		headFn: func(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			if aws.ToString(in.Key) != fullKey {
				t.Errorf("head key: %s", aws.ToString(in.Key))
			}
			return &s3.HeadObjectOutput{}, nil
		},
	}
	store, err := New(Config{
		Driver:     DriverS3,
		Bucket:     "spayment-receipts",
		Prefix:     "/mainnet/",
		MaxGetSize: 4 << 10,
		S3Client:   client,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "withdrawals/r1.json", []byte(`{"receiptId":"r1"}`), PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"kind": "withdraw-on-behalf"},
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	obj, err := store.Get(ctx, "withdrawals/r1.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.Key != "withdrawals/r1.json" || string(obj.Data) != `{"receiptId":"r1"}` {
		t.Fatalf("unexpected object: %+v", obj)
	}
	ok, err := store.Exists(ctx, "withdrawals/r1.json")
	if err != nil || !ok {
		t.Fatalf("Exists: got %v, %v", ok, err)
	}
}

func TestS3StoreMapsNotFound(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return nil, fakeAPIError{code: "NoSuchKey"}
		},
		headFn: func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			return nil, fakeAPIError{code: "NotFound"}
		},
	}
	store, err := New(Config{Driver: DriverS3, Bucket: "spayment-receipts", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := store.Get(context.Background(), "withdrawals/missing.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Get, got %v", err)
	}
	ok, err := store.Exists(context.Background(), "withdrawals/missing.json")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatalf("Exists returned true for missing key")
	}
}

func TestS3StoreSurfacesOtherErrors(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		headFn: func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			return nil, fakeAPIError{code: "AccessDenied"}
		},
	}
	store, err := New(Config{Driver: DriverS3, Bucket: "spayment-receipts", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.Exists(context.Background(), "withdrawals/r1.json"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected access error, got %v", err)
	}
}

func TestS3StoreMaxGetSize(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("this payload is too large"))}, nil
		},
	}
	store, err := New(Config{Driver: DriverS3, Bucket: "spayment-receipts", S3Client: client, MaxGetSize: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.Get(context.Background(), "withdrawals/r3.json"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

type fakeS3Client struct {
	putFn  func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getFn  func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	headFn func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func (f *fakeS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putFn == nil {
		return &s3.PutObjectOutput{}, nil
	}
	return f.putFn(ctx, in, opts...)
}

func (f *fakeS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getFn == nil {
		return nil, errors.New("unexpected GetObject call")
	}
	return f.getFn(ctx, in, opts...)
}

func (f *fakeS3Client) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headFn == nil {
		return &s3.HeadObjectOutput{}, nil
	}
	return f.headFn(ctx, in, opts...)
}

type fakeAPIError struct {
	code string
}

func (f fakeAPIError) ErrorCode() string             { return f.code }
func (f fakeAPIError) ErrorMessage() string          { return "fake" }
func (f fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (f fakeAPIError) Error() string                 { return f.code }
