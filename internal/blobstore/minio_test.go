package blobstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"cowrite/api/internal/collab"
)

var _ collab.DocumentStore = (*Store)(nil)

// fakeS3 serves GET and HEAD for a fixed set of objects in one bucket.
func fakeS3(t *testing.T, bucket string, objects map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		if path == bucket && r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		key := strings.TrimPrefix(path, bucket+"/")
		body, ok := objects[key]
		if !ok || r.Method != http.MethodGet {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message><Key>` + key + `</Key><BucketName>` + bucket + `</BucketName></Error>`))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("Last-Modified", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).Format(http.TimeFormat))
		w.Header().Set("ETag", `"0123456789abcdef"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestStore(t *testing.T, endpoint string) *Store {
	t.Helper()
	s, err := New(Config{
		Endpoint:  endpoint,
		AccessKey: "minio",
		SecretKey: "minio-secret",
		Bucket:    "docs",
		Region:    "us-east-1",
		Prefix:    "/cowrite/",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestLoadReadsObject(t *testing.T) {
	srv := fakeS3(t, "docs", map[string]string{"cowrite/doc-1.txt": "hello"})
	s := newTestStore(t, strings.TrimPrefix(srv.URL, "http://"))

	text, err := s.Load(context.Background(), "doc-1")
	if err != nil || text != "hello" {
		t.Fatalf("Load() = %q, %v", text, err)
	}
}

func TestLoadMissingObjectIsEmpty(t *testing.T) {
	srv := fakeS3(t, "docs", nil)
	s := newTestStore(t, strings.TrimPrefix(srv.URL, "http://"))

	text, err := s.Load(context.Background(), "doc-missing")
	if err != nil || text != "" {
		t.Fatalf("expected an empty seed, got %q (%v)", text, err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected an error without a bucket")
	}
}

func TestMinioRoundTrip(t *testing.T) {
	endpoint := strings.TrimSpace(os.Getenv("COWRITE_TEST_MINIO_ENDPOINT"))
	if endpoint == "" {
		t.Skip("COWRITE_TEST_MINIO_ENDPOINT is not set")
	}
	s, err := New(Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("COWRITE_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("COWRITE_TEST_MINIO_SECRET_KEY"),
		Bucket:    "cowrite-test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	if err := s.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket() error = %v", err)
	}
	if err := s.Save(ctx, "doc-rt", "round trip ✓"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	text, err := s.Load(ctx, "doc-rt")
	if err != nil || text != "round trip ✓" {
		t.Fatalf("Load() = %q, %v", text, err)
	}
}
