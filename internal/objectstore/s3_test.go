package objectstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// mockS3 implements S3API for testing.
type mockS3 struct {
	putObjectFunc     func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getObjectFunc     func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	headObjectFunc    func(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	deleteObjectFunc  func(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	listObjectsV2Func func(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	copyObjectFunc    func(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

func (m *mockS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putObjectFunc != nil {
		return m.putObjectFunc(ctx, params, optFns...)
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getObjectFunc != nil {
		return m.getObjectFunc(ctx, params, optFns...)
	}
	return &s3.GetObjectOutput{}, nil
}

func (m *mockS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headObjectFunc != nil {
		return m.headObjectFunc(ctx, params, optFns...)
	}
	return &s3.HeadObjectOutput{}, nil
}

func (m *mockS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.deleteObjectFunc != nil {
		return m.deleteObjectFunc(ctx, params, optFns...)
	}
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if m.listObjectsV2Func != nil {
		return m.listObjectsV2Func(ctx, params, optFns...)
	}
	return &s3.ListObjectsV2Output{}, nil
}

func (m *mockS3) CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	if m.copyObjectFunc != nil {
		return m.copyObjectFunc(ctx, params, optFns...)
	}
	return &s3.CopyObjectOutput{}, nil
}

// mockPresigner implements S3Presigner for testing.
type mockPresigner struct {
	putFunc func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	getFunc func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

func (m *mockPresigner) PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	if m.putFunc != nil {
		return m.putFunc(ctx, params, optFns...)
	}
	return &v4.PresignedHTTPRequest{URL: "https://signed.example/put"}, nil
}

func (m *mockPresigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, params, optFns...)
	}
	return &v4.PresignedHTTPRequest{URL: "https://signed.example/get"}, nil
}

func TestS3Store_Get_NotFound(t *testing.T) {
	client := &mockS3{
		getObjectFunc: func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return nil, &s3types.NoSuchKey{}
		},
	}
	store := NewS3Store(client, &mockPresigner{}, "test-bucket")

	_, _, err := store.Get(context.Background(), "org/dom/user/messages/2025/03/missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestS3Store_Delete_Idempotent(t *testing.T) {
	client := &mockS3{
		deleteObjectFunc: func(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
			return &s3.DeleteObjectOutput{}, nil
		},
	}
	store := NewS3Store(client, &mockPresigner{}, "test-bucket")

	// Delete the same key twice -- both must succeed.
	for i := 0; i < 2; i++ {
		if err := store.Delete(context.Background(), "some/key"); err != nil {
			t.Fatalf("delete %d failed: %v", i+1, err)
		}
	}
}

func TestS3Store_List_Pagination(t *testing.T) {
	client := &mockS3{
		listObjectsV2Func: func(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
			if aws.ToString(params.Prefix) != "org/dom/" {
				t.Errorf("prefix = %q, want %q", aws.ToString(params.Prefix), "org/dom/")
			}
			return &s3.ListObjectsV2Output{
				Contents: []s3types.Object{
					{Key: aws.String("org/dom/a"), Size: aws.Int64(1)},
					{Key: aws.String("org/dom/b"), Size: aws.Int64(2)},
				},
				IsTruncated: aws.Bool(true),
			}, nil
		},
	}
	store := NewS3Store(client, &mockPresigner{}, "test-bucket")

	page, err := store.List(context.Background(), "org/dom/", "", 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page.Objects) != 2 {
		t.Fatalf("objects = %d, want 2", len(page.Objects))
	}
	if page.NextCursor != "org/dom/b" {
		t.Errorf("cursor = %q, want %q", page.NextCursor, "org/dom/b")
	}
}

func TestS3Store_Presign_ClampsTTL(t *testing.T) {
	var captured time.Duration
	presigner := &mockPresigner{
		putFunc: func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
			opts := s3.PresignOptions{}
			for _, fn := range optFns {
				fn(&opts)
			}
			captured = opts.Expires
			return &v4.PresignedHTTPRequest{URL: "https://signed.example/put"}, nil
		},
	}
	store := NewS3Store(&mockS3{}, presigner, "test-bucket")

	tests := []struct {
		name string
		ttl  time.Duration
		want time.Duration
	}{
		{"below minimum", time.Second, MinPresignTTL},
		{"above maximum", 30 * 24 * time.Hour, MaxPresignTTL},
		{"in range", time.Hour, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.PresignUpload(context.Background(), "k", "text/plain", tt.ttl); err != nil {
				t.Fatalf("PresignUpload failed: %v", err)
			}
			if captured != tt.want {
				t.Errorf("expires = %v, want %v", captured, tt.want)
			}
		})
	}
}

func TestMemoryStore_PutGetRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	body := "From nobody Thu Mar 14 ..."
	if _, err := store.Put(ctx, "o/d/u/messages/2025/03/m1", "message/rfc822", int64(len(body)), strings.NewReader(body)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rc, info, err := store.Get(ctx, "o/d/u/messages/2025/03/m1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer rc.Close()
	buf := make([]byte, len(body))
	if _, err := rc.Read(buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf) != body {
		t.Errorf("body = %q, want %q", string(buf), body)
	}
	if info.Size != int64(len(body)) {
		t.Errorf("size = %d, want %d", info.Size, len(body))
	}
}

func TestMemoryStore_ListStableOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, k := range []string{"o/d/c", "o/d/a", "o/d/b", "other/x"} {
		if _, err := store.Put(ctx, k, "text/plain", 1, strings.NewReader("x")); err != nil {
			t.Fatalf("Put %s failed: %v", k, err)
		}
	}

	page, err := store.List(ctx, "o/d/", "", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"o/d/a", "o/d/b", "o/d/c"}
	if len(page.Objects) != len(want) {
		t.Fatalf("objects = %d, want %d", len(page.Objects), len(want))
	}
	for i, obj := range page.Objects {
		if obj.Key != want[i] {
			t.Errorf("objects[%d] = %q, want %q", i, obj.Key, want[i])
		}
	}
}

func TestMemoryStore_PrefixSize(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Put(ctx, "o/d/u/a", "text/plain", 3, strings.NewReader("abc"))
	store.Put(ctx, "o/d/u/b", "text/plain", 2, strings.NewReader("de"))
	store.Put(ctx, "o/other/c", "text/plain", 9, strings.NewReader("unrelated"))

	bytes, count, err := store.PrefixSize(ctx, "o/d/")
	if err != nil {
		t.Fatalf("PrefixSize failed: %v", err)
	}
	if bytes != 5 {
		t.Errorf("bytes = %d, want 5", bytes)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}
