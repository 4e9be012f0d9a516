package hls

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/aminofox/hlsdemux/pkg/cache"
	"github.com/aminofox/hlsdemux/pkg/cdn"
	"github.com/aminofox/hlsdemux/pkg/config"
	"github.com/aminofox/hlsdemux/pkg/errors"
	"github.com/aminofox/hlsdemux/pkg/logger"
)

// Sink receives chunks from a streaming fetch, in order
type Sink func(chunk []byte) error

// Fetcher is the adapter contract over an external downloader. It is
// deliberately thin: this module never implements the HTTP transport
// itself, only this seam and the concrete backends that satisfy it.
type Fetcher interface {
	// FetchBlob performs a synchronous whole-body fetch. rangeEnd = -1
	// means "to end". Returns nil, nil on cancellation.
	FetchBlob(ctx context.Context, uri string, rangeStart, rangeEnd int64) ([]byte, error)

	// Stream performs a streaming fetch, invoking sink on each received
	// chunk in order. Returns true on clean end-of-stream, false on any
	// error or cancellation.
	Stream(ctx context.Context, uri string, rangeStart, rangeEnd int64, sink Sink) (bool, error)

	// Cancel preempts any in-flight call on this fetcher.
	Cancel()
}

// HTTPFetcher is the default Fetcher backend, using net/http with
// byte-range support via the Range header.
type HTTPFetcher struct {
	client *http.Client
	log    logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewHTTPFetcher creates an HTTP-backed Fetcher
func NewHTTPFetcher(cfg config.FetcherConfig, log logger.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: cfg.RequestTimeout},
		log:    log,
	}
}

func (f *HTTPFetcher) newRequest(ctx context.Context, uri string, rangeStart, rangeEnd int64) (*http.Request, context.Context, context.CancelFunc, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, uri, nil)
	if err != nil {
		cancel()
		return nil, nil, nil, errors.NewFetchError("failed to build request", err)
	}

	if rangeStart > 0 || rangeEnd >= 0 {
		if rangeEnd >= 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rangeStart, rangeEnd))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rangeStart))
		}
	}

	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()

	return req, reqCtx, cancel, nil
}

// FetchBlob implements Fetcher
func (f *HTTPFetcher) FetchBlob(ctx context.Context, uri string, rangeStart, rangeEnd int64) ([]byte, error) {
	req, reqCtx, cancel, err := f.newRequest(ctx, uri, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}
	defer cancel()

	resp, err := f.client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, nil
		}
		return nil, errors.NewFetchError("request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.New(errors.ErrCodeFetchNotFound, uri)
	}
	if resp.StatusCode >= 400 {
		return nil, errors.NewFetchError(fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, nil
		}
		return nil, errors.NewFetchError("failed to read response body", err)
	}

	return body, nil
}

// Stream implements Fetcher
func (f *HTTPFetcher) Stream(ctx context.Context, uri string, rangeStart, rangeEnd int64, sink Sink) (bool, error) {
	req, _, cancel, err := f.newRequest(ctx, uri, rangeStart, rangeEnd)
	if err != nil {
		return false, err
	}
	defer cancel()

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, errors.NewFetchError("request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return false, errors.NewFetchError(fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := sink(chunk); err != nil {
				return false, err
			}
		}
		if readErr == io.EOF {
			return true, nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, errors.NewFetchError("stream read failed", readErr)
		}
	}
}

// Cancel implements Fetcher
func (f *HTTPFetcher) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
}

// s3Fetcher is a Fetcher backend for s3:// URIs, letting a host point the
// demuxer at segments staged in a bucket without a CDN in front.
type s3Fetcher struct {
	client *s3.Client
	log    logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewS3Fetcher creates an S3-backed Fetcher for s3://bucket/key URIs
func NewS3Fetcher(cfg config.S3Config, log logger.Logger) (Fetcher, error) {
	var awsCfg aws.Config
	var err error

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(),
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(), awsconfig.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, errors.NewFetchError("failed to load AWS config", err)
	}

	opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &s3Fetcher{client: s3.NewFromConfig(awsCfg, opts...), log: log}, nil
}

func parseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "s3" {
		return "", "", errors.New(errors.ErrCodeFetchInvalidURI, "not an s3:// uri: "+uri)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

func (f *s3Fetcher) getObjectInput(uri string, rangeStart, rangeEnd int64) (*s3.GetObjectInput, error) {
	bucket, key, err := parseS3URI(uri)
	if err != nil {
		return nil, err
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}

	if rangeStart > 0 || rangeEnd >= 0 {
		if rangeEnd >= 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rangeStart, rangeEnd))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", rangeStart))
		}
	}

	return input, nil
}

// FetchBlob implements Fetcher
func (f *s3Fetcher) FetchBlob(ctx context.Context, uri string, rangeStart, rangeEnd int64) ([]byte, error) {
	input, err := f.getObjectInput(uri, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()
	defer cancel()

	out, err := f.client.GetObject(reqCtx, input)
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, nil
		}
		return nil, errors.NewFetchError("s3 GetObject failed", err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil && reqCtx.Err() != nil {
		return nil, nil
	}
	return body, err
}

// Stream implements Fetcher
func (f *s3Fetcher) Stream(ctx context.Context, uri string, rangeStart, rangeEnd int64, sink Sink) (bool, error) {
	input, err := f.getObjectInput(uri, rangeStart, rangeEnd)
	if err != nil {
		return false, err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()
	defer cancel()

	out, err := f.client.GetObject(reqCtx, input)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, errors.NewFetchError("s3 GetObject failed", err)
	}
	defer out.Body.Close()

	buf := make([]byte, 32*1024)
	for {
		n, readErr := out.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := sink(chunk); err != nil {
				return false, err
			}
		}
		if readErr == io.EOF {
			return true, nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, errors.NewFetchError("s3 stream read failed", readErr)
		}
	}
}

// Cancel implements Fetcher
func (f *s3Fetcher) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
}

// schemedFetcher dispatches FetchBlob/Stream to an HTTP or S3 backend based
// on the uri's scheme.
type schemedFetcher struct {
	http Fetcher
	s3   Fetcher
}

// NewFetcher builds the Fetcher used by the rest of the engine: HTTP(S) and
// s3:// URIs are dispatched to the matching backend, optionally behind a
// CDN rewriter and a response cache.
func NewFetcher(cfg *config.Config, log logger.Logger) (Fetcher, error) {
	var f Fetcher = &schemedFetcher{
		http: NewHTTPFetcher(cfg.Fetcher, log),
	}

	s3f, err := NewS3Fetcher(cfg.Fetcher.S3, log)
	if err == nil {
		f.(*schemedFetcher).s3 = s3f
	}

	if cfg.CDN.Enabled {
		f = &cdnFetcher{
			inner:  f,
			client: cdn.NewCDNClient(cdn.CDNConfig{BaseURL: cfg.CDN.BaseURL, Enabled: cfg.CDN.Enabled}),
		}
	}

	if cfg.Cache.Enabled {
		f = newCachingFetcher(f, cfg.Cache, log)
	}

	return f, nil
}

func (f *schemedFetcher) backendFor(uri string) Fetcher {
	if strings.HasPrefix(uri, "s3://") && f.s3 != nil {
		return f.s3
	}
	return f.http
}

func (f *schemedFetcher) FetchBlob(ctx context.Context, uri string, rangeStart, rangeEnd int64) ([]byte, error) {
	return f.backendFor(uri).FetchBlob(ctx, uri, rangeStart, rangeEnd)
}

func (f *schemedFetcher) Stream(ctx context.Context, uri string, rangeStart, rangeEnd int64, sink Sink) (bool, error) {
	return f.backendFor(uri).Stream(ctx, uri, rangeStart, rangeEnd, sink)
}

func (f *schemedFetcher) Cancel() {
	f.http.Cancel()
	if f.s3 != nil {
		f.s3.Cancel()
	}
}

// cdnFetcher rewrites the URI through a CDN base before delegating
type cdnFetcher struct {
	inner  Fetcher
	client *cdn.CDNClient
}

func (f *cdnFetcher) FetchBlob(ctx context.Context, uri string, rangeStart, rangeEnd int64) ([]byte, error) {
	return f.inner.FetchBlob(ctx, f.client.GetURL(uri), rangeStart, rangeEnd)
}

func (f *cdnFetcher) Stream(ctx context.Context, uri string, rangeStart, rangeEnd int64, sink Sink) (bool, error) {
	return f.inner.Stream(ctx, f.client.GetURL(uri), rangeStart, rangeEnd, sink)
}

func (f *cdnFetcher) Cancel() { f.inner.Cancel() }

// cachingFetcher wraps a Fetcher with a response cache keyed by uri+range,
// so a live-playlist refresh that re-requests an unchanged key/map doesn't
// re-hit the origin.
type cachingFetcher struct {
	inner Fetcher
	cache cache.Cache
	ttl   time.Duration
}

func newCachingFetcher(inner Fetcher, cfg config.CacheConfig, log logger.Logger) Fetcher {
	var c cache.Cache
	if cfg.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c = cache.NewRedisCache(rdb, cfg.Redis.KeyPrefix, cfg.TTL)
	} else {
		mem := cache.NewInMemoryCache(10000, cfg.TTL, cache.EvictionPolicyLRU)
		mem.Start()
		c = mem
	}

	return &cachingFetcher{inner: inner, cache: c, ttl: cfg.TTL}
}

func cacheKey(uri string, rangeStart, rangeEnd int64) string {
	return uri + "|" + strconv.FormatInt(rangeStart, 10) + "-" + strconv.FormatInt(rangeEnd, 10)
}

// byteCache is implemented by RedisCache, which stores/retrieves raw bytes
// without the json round-trip that Cache.Get/Set applies to interface{}
type byteCache interface {
	GetBytes(ctx context.Context, key string) ([]byte, error)
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// FetchBlob implements Fetcher, consulting the cache first
func (f *cachingFetcher) FetchBlob(ctx context.Context, uri string, rangeStart, rangeEnd int64) ([]byte, error) {
	key := cacheKey(uri, rangeStart, rangeEnd)

	if bc, ok := f.cache.(byteCache); ok {
		if data, err := bc.GetBytes(ctx, key); err == nil {
			return data, nil
		}
	} else if cached, err := f.cache.Get(ctx, key); err == nil {
		if data, ok := cached.([]byte); ok {
			return data, nil
		}
	}

	data, err := f.inner.FetchBlob(ctx, uri, rangeStart, rangeEnd)
	if err != nil || data == nil {
		return data, err
	}

	if bc, ok := f.cache.(byteCache); ok {
		bc.SetBytes(ctx, key, data, f.ttl)
	} else {
		f.cache.Set(ctx, key, data, f.ttl)
	}

	return data, nil
}

// Stream implements Fetcher; streaming responses are not cached, matching
// that only whole-blob fetches (playlists, keys, maps) benefit from reuse.
func (f *cachingFetcher) Stream(ctx context.Context, uri string, rangeStart, rangeEnd int64, sink Sink) (bool, error) {
	return f.inner.Stream(ctx, uri, rangeStart, rangeEnd, sink)
}

func (f *cachingFetcher) Cancel() { f.inner.Cancel() }
