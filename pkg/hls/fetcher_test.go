package hls

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aminofox/hlsdemux/pkg/cache"
	"github.com/aminofox/hlsdemux/pkg/config"
	"github.com/aminofox/hlsdemux/pkg/errors"
	"github.com/aminofox/hlsdemux/pkg/logger"
)

func testLogger() logger.Logger {
	return logger.NewDefaultLogger(logger.ErrorLevel, "text")
}

func TestHTTPFetcherFetchBlob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(config.FetcherConfig{RequestTimeout: 5 * time.Second}, testLogger())
	body, err := f.FetchBlob(context.Background(), srv.URL, 0, -1)
	if err != nil {
		t.Fatalf("FetchBlob failed: %v", err)
	}
	if string(body) != "hello world" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestHTTPFetcherSendsRangeHeader(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Write([]byte("partial"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(config.FetcherConfig{RequestTimeout: 5 * time.Second}, testLogger())
	if _, err := f.FetchBlob(context.Background(), srv.URL, 100, 199); err != nil {
		t.Fatalf("FetchBlob failed: %v", err)
	}
	if gotRange != "bytes=100-199" {
		t.Errorf("expected Range header bytes=100-199, got %q", gotRange)
	}
}

func TestHTTPFetcherNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(config.FetcherConfig{RequestTimeout: 5 * time.Second}, testLogger())
	_, err := f.FetchBlob(context.Background(), srv.URL, 0, -1)
	if !errors.IsErrorCode(err, errors.ErrCodeFetchNotFound) {
		t.Fatalf("expected ErrCodeFetchNotFound, got %v", err)
	}
}

func TestHTTPFetcherStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("chunk-one-"))
		w.Write([]byte("chunk-two"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(config.FetcherConfig{RequestTimeout: 5 * time.Second}, testLogger())

	var received []byte
	ok, err := f.Stream(context.Background(), srv.URL, 0, -1, func(chunk []byte) error {
		received = append(received, chunk...)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if !ok {
		t.Fatal("expected Stream to report clean completion")
	}
	if string(received) != "chunk-one-chunk-two" {
		t.Errorf("unexpected streamed content: %q", received)
	}
}

// countingFetcher counts FetchBlob calls, to verify cachingFetcher actually
// short-circuits on a cache hit
type countingFetcher struct {
	calls int
	body  []byte
}

func (f *countingFetcher) FetchBlob(ctx context.Context, uri string, rangeStart, rangeEnd int64) ([]byte, error) {
	f.calls++
	return f.body, nil
}
func (f *countingFetcher) Stream(ctx context.Context, uri string, rangeStart, rangeEnd int64, sink Sink) (bool, error) {
	return true, nil
}
func (f *countingFetcher) Cancel() {}

func TestCachingFetcherAvoidsRepeatOriginHits(t *testing.T) {
	inner := &countingFetcher{body: []byte("segment-body")}
	mem := cache.NewInMemoryCache(100, time.Minute, cache.EvictionPolicyLRU)
	mem.Start()
	defer mem.Stop()

	f := &cachingFetcher{inner: inner, cache: mem, ttl: time.Minute}

	ctx := context.Background()
	first, err := f.FetchBlob(ctx, "http://example.com/seg.ts", 0, -1)
	if err != nil {
		t.Fatalf("first FetchBlob failed: %v", err)
	}
	if string(first) != "segment-body" {
		t.Errorf("unexpected first body: %q", first)
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 origin call after first fetch, got %d", inner.calls)
	}

	second, err := f.FetchBlob(ctx, "http://example.com/seg.ts", 0, -1)
	if err != nil {
		t.Fatalf("second FetchBlob failed: %v", err)
	}
	if string(second) != "segment-body" {
		t.Errorf("unexpected second body: %q", second)
	}
	if inner.calls != 1 {
		t.Errorf("expected cache hit to avoid a second origin call, got %d calls", inner.calls)
	}
}

func TestCacheKeyDistinguishesRanges(t *testing.T) {
	a := cacheKey("http://example.com/x", 0, -1)
	b := cacheKey("http://example.com/x", 0, 99)
	if a == b {
		t.Error("expected different byte ranges to produce different cache keys")
	}
}
