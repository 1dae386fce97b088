package imagecache

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentuity/imagecache/cache"
	"github.com/agentuity/imagecache/downloader"
	"github.com/agentuity/imagecache/logger"
	"github.com/agentuity/imagecache/processor"
)

func newTestFetcher(t *testing.T, dlOpts ...downloader.Option) *Fetcher {
	t.Helper()
	f, err := NewDefault(context.Background(), t.TempDir(), "images",
		logger.NewTestLogger(), DefaultConfig(), dlOpts...)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f
}

// upper is a trivial processing stage used across the tests below.
type upper struct{}

func (upper) Identifier() string { return "upper" }
func (upper) Process(p []byte) ([]byte, error) {
	return bytes.ToUpper(p), nil
}

type failing struct{}

func (failing) Identifier() string { return "failing" }
func (failing) Process(p []byte) ([]byte, error) {
	return nil, errors.New("broken stage")
}

func TestRetrieveNetworkThenMemory(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()
	f := newTestFetcher(t)

	res, err := f.Retrieve(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), res.Data)
	assert.Equal(t, cache.TierNetwork, res.Origin)
	assert.Equal(t, srv.URL, res.Source)

	res, err = f.Retrieve(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), res.Data)
	assert.Equal(t, cache.TierMemory, res.Origin)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRetrieveDiskPromotion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()
	f := newTestFetcher(t)

	_, err := f.Retrieve(context.Background(), srv.URL, Options{WaitForDiskWrite: true})
	require.NoError(t, err)
	f.Cache().ClearMemory()

	res, err := f.Retrieve(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), res.Data)
	assert.Equal(t, cache.TierDisk, res.Origin)

	// The disk hit was promoted.
	res, err = f.Retrieve(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	assert.Equal(t, cache.TierMemory, res.Origin)
}

func TestOnlyFromCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()
	f := newTestFetcher(t)

	_, err := f.Retrieve(context.Background(), srv.URL, Options{OnlyFromCache: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindNotFound, Classify(err))

	_, err = f.Retrieve(context.Background(), srv.URL, Options{})
	require.NoError(t, err)

	res, err := f.Retrieve(context.Background(), srv.URL, Options{OnlyFromCache: true})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), res.Data)
}

func TestForceRefreshAndOnlyFromCacheRejected(t *testing.T) {
	f := newTestFetcher(t)
	_, err := f.Retrieve(context.Background(), "http://unused",
		Options{ForceRefresh: true, OnlyFromCache: true})
	require.Error(t, err)
}

func TestForceRefreshNotModified(t *testing.T) {
	var fullResponses atomic.Int32
	var sawConditional atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			sawConditional.Store(true)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		fullResponses.Add(1)
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()
	f := newTestFetcher(t)

	_, err := f.Retrieve(context.Background(), srv.URL, Options{WaitForDiskWrite: true})
	require.NoError(t, err)

	res, err := f.Retrieve(context.Background(), srv.URL, Options{ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), res.Data)
	assert.Equal(t, cache.TierDisk, res.Origin)
	assert.True(t, sawConditional.Load())
	assert.Equal(t, int32(1), fullResponses.Load(), "payload transferred once")

	// The disk entry survived the revalidation.
	assert.Equal(t, cache.TierMemory, f.Cache().IsCached(srv.URL))
}

func TestForceRefreshChanged(t *testing.T) {
	var version atomic.Int32
	version.Store(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := version.Load()
		etag := fmt.Sprintf("%q", fmt.Sprintf("v%d", v))
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		fmt.Fprintf(w, "payload-v%d", v)
	}))
	defer srv.Close()
	f := newTestFetcher(t)

	res, err := f.Retrieve(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-v1"), res.Data)

	version.Store(2)
	res, err = f.Retrieve(context.Background(), srv.URL, Options{ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-v2"), res.Data)
	assert.Equal(t, cache.TierNetwork, res.Origin)

	res, err = f.Retrieve(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-v2"), res.Data)
	assert.Equal(t, cache.TierMemory, res.Origin)
}

func TestDeduplicatedRetrievals(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write([]byte("payload"))
	}))
	defer srv.Close()
	f := newTestFetcher(t)

	const callers = 4
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.Retrieve(context.Background(), srv.URL, Options{})
		}(i)
	}
	require.Eventually(t, func() bool { return hits.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("payload"), results[i].Data)
	}
	assert.Equal(t, int32(1), hits.Load(), "one transfer served every caller")
}

func TestRetrieveCancelled(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()
	f := newTestFetcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.Retrieve(ctx, srv.URL, Options{})
		done <- err
	}()
	<-started
	cancel()

	err := <-done
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, KindCancelled, Classify(err))
}

func TestProtocolFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()
	f := newTestFetcher(t)

	_, err := f.Retrieve(context.Background(), srv.URL, Options{})
	require.Error(t, err)
	assert.Equal(t, KindProtocol, Classify(err))
	var perr *downloader.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusNotFound, perr.StatusCode)
	assert.Equal(t, cache.TierNone, f.Cache().IsCached(srv.URL))
}

func TestPipelineDistinctKeys(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()
	f := newTestFetcher(t)

	res, err := f.Retrieve(context.Background(), srv.URL,
		Options{Pipeline: processor.Pipeline{upper{}}})
	require.NoError(t, err)
	assert.Equal(t, []byte("PAYLOAD"), res.Data)

	// Same URL, no pipeline: different key, so a second transfer.
	res, err = f.Retrieve(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), res.Data)
	assert.Equal(t, int32(2), hits.Load())

	// Both variants are now cached independently.
	res, err = f.Retrieve(context.Background(), srv.URL,
		Options{Pipeline: processor.Pipeline{upper{}}})
	require.NoError(t, err)
	assert.Equal(t, []byte("PAYLOAD"), res.Data)
	assert.Equal(t, cache.TierMemory, res.Origin)
	assert.Equal(t, int32(2), hits.Load())
}

func TestCacheOriginalAlongsideProcessed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()
	f := newTestFetcher(t)

	_, err := f.Retrieve(context.Background(), srv.URL, Options{
		Pipeline:                        processor.Pipeline{upper{}},
		CacheOriginalAlongsideProcessed: true,
	})
	require.NoError(t, err)

	// The untransformed bytes were cached under the base key, so an
	// unprocessed retrieval skips the network.
	res, err := f.Retrieve(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), res.Data)
	assert.Equal(t, cache.TierMemory, res.Origin)
	assert.Equal(t, int32(1), hits.Load())
}

func TestProcessingFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()
	f := newTestFetcher(t)

	_, err := f.Retrieve(context.Background(), srv.URL,
		Options{Pipeline: processor.Pipeline{failing{}}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProcessing))
	assert.Equal(t, KindProcessing, Classify(err))

	// Nothing was cached for the failed request.
	assert.Equal(t, cache.TierNone, f.Cache().IsCached(srv.URL))
}

func TestSkipDisk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()
	f := newTestFetcher(t)

	_, err := f.Retrieve(context.Background(), srv.URL,
		Options{SkipDisk: true, WaitForDiskWrite: true})
	require.NoError(t, err)

	f.Cache().ClearMemory()
	assert.Equal(t, cache.TierNone, f.Cache().IsCached(srv.URL))
}

func TestCustomCacheKey(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()
	f := newTestFetcher(t)

	_, err := f.Retrieve(context.Background(), srv.URL+"/a?token=1",
		Options{CacheKey: "resource"})
	require.NoError(t, err)

	// A different URL with the same key is a cache hit.
	res, err := f.Retrieve(context.Background(), srv.URL+"/a?token=2",
		Options{CacheKey: "resource"})
	require.NoError(t, err)
	assert.Equal(t, cache.TierMemory, res.Origin)
	assert.Equal(t, int32(1), hits.Load())
}

func TestProgressReported(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()
	f := newTestFetcher(t)

	var mu sync.Mutex
	var lastReceived, lastExpected int64
	_, err := f.Retrieve(context.Background(), srv.URL, Options{
		OnProgress: func(received, expected int64) {
			mu.Lock()
			lastReceived, lastExpected = received, expected
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(len(payload)), lastReceived)
	assert.Equal(t, int64(len(payload)), lastExpected)
}

func TestDiskSniffExtension(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 'd', 'a', 't', 'a'}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(png)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.DiskSniffExtension = true
	f, err := NewDefault(context.Background(), t.TempDir(), "images",
		logger.NewTestLogger(), cfg)
	require.NoError(t, err)
	t.Cleanup(f.Close)

	_, err = f.Retrieve(context.Background(), srv.URL, Options{WaitForDiskWrite: true})
	require.NoError(t, err)
	assert.Equal(t, ".png", filepath.Ext(f.Cache().DiskPath(srv.URL)))
}

func TestCloseIdempotent(t *testing.T) {
	f := newTestFetcher(t)
	f.Close()
	f.Close()
}
