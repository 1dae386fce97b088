package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentuity/imagecache/diskcache"
	"github.com/agentuity/imagecache/logger"
	"github.com/agentuity/imagecache/memcache"
)

func newCoordinator(t *testing.T, memOpts []memcache.Option, diskOpts []diskcache.Option) *Coordinator {
	t.Helper()
	ctx := context.Background()
	mem := memcache.New(ctx, memOpts...)
	disk, err := diskcache.New(ctx, t.TempDir(), "images", logger.NewTestLogger(), diskOpts...)
	require.NoError(t, err)
	c := New(mem, disk, logger.NewTestLogger())
	t.Cleanup(c.Close)
	return c
}

func TestRoundTrip(t *testing.T) {
	c := newCoordinator(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, c.Store(ctx, "k", []byte("v"), StoreOptions{WaitForDisk: true}))

	data, tier, err := c.Retrieve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
	assert.Equal(t, TierMemory, tier)

	// After clearing memory, the disk tier serves the payload and promotes
	// it back into memory.
	c.ClearMemory()
	data, tier, err = c.Retrieve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
	assert.Equal(t, TierDisk, tier)

	data, tier, err = c.Retrieve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
	assert.Equal(t, TierMemory, tier)
}

func TestMiss(t *testing.T) {
	c := newCoordinator(t, nil, nil)
	data, tier, err := c.Retrieve(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Equal(t, TierNone, tier)
}

func TestBackgroundDiskWrite(t *testing.T) {
	c := newCoordinator(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, c.Store(ctx, "k", []byte("v"), StoreOptions{}))
	assert.Eventually(t, func() bool {
		return c.IsCached("k") == TierMemory && c.disk.Exists("k")
	}, time.Second, 5*time.Millisecond)
}

func TestSkipDisk(t *testing.T) {
	c := newCoordinator(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, c.Store(ctx, "k", []byte("v"), StoreOptions{SkipDisk: true}))
	c.Close() // flush any background writes before asserting
	assert.False(t, c.disk.Exists("k"))
}

func TestIsCachedIsPure(t *testing.T) {
	c := newCoordinator(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, c.Store(ctx, "k", []byte("v"), StoreOptions{WaitForDisk: true}))
	c.ClearMemory()
	assert.Equal(t, TierDisk, c.IsCached("k"))
	// IsCached never promotes; the entry is still only on disk.
	assert.Equal(t, TierDisk, c.IsCached("k"))
}

func TestRemove(t *testing.T) {
	c := newCoordinator(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, c.Store(ctx, "k", []byte("v"), StoreOptions{WaitForDisk: true}))
	require.NoError(t, c.Remove(ctx, "k"))
	assert.Equal(t, TierNone, c.IsCached("k"))
}

func TestClearDisk(t *testing.T) {
	c := newCoordinator(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, c.Store(ctx, "k", []byte("v"), StoreOptions{WaitForDisk: true}))
	require.NoError(t, c.ClearDisk())
	c.ClearMemory()
	assert.Equal(t, TierNone, c.IsCached("k"))
}

func TestCleanExpired(t *testing.T) {
	c := newCoordinator(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, c.Store(ctx, "k", []byte("v"), StoreOptions{
		MemoryTTL:   time.Nanosecond,
		DiskTTL:     time.Nanosecond,
		WaitForDisk: true,
	}))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.CleanExpired(ctx))
	assert.Equal(t, TierNone, c.IsCached("k"))
}

// A payload larger than the whole disk budget is served from
// memory until memory is cleared, then it is gone for good because the disk
// tier evicted it immediately.
func TestDiskBudgetSmallerThanPayload(t *testing.T) {
	c := newCoordinator(t,
		[]memcache.Option{memcache.WithTotalCostLimit(1000)},
		[]diskcache.Option{diskcache.WithSizeLimit(50)},
	)
	ctx := context.Background()
	payload := make([]byte, 100)
	require.NoError(t, c.Store(ctx, "k1", payload, StoreOptions{WaitForDisk: true}))

	data, tier, err := c.Retrieve(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, TierMemory, tier)
	assert.Len(t, data, 100)

	c.ClearMemory()
	data, tier, err = c.Retrieve(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Equal(t, TierNone, tier)
}

func TestConcurrentRetrieve(t *testing.T) {
	c := newCoordinator(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, c.Store(ctx, "k", []byte("v"), StoreOptions{WaitForDisk: true}))
	c.ClearMemory()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, tier, err := c.Retrieve(ctx, "k")
			assert.NoError(t, err)
			assert.Equal(t, []byte("v"), data)
			assert.NotEqual(t, TierNone, tier)
		}()
	}
	wg.Wait()
}

func TestMemoryOnlyCoordinator(t *testing.T) {
	mem := memcache.New(context.Background())
	c := New(mem, nil, nil)
	t.Cleanup(c.Close)
	ctx := context.Background()
	require.NoError(t, c.Store(ctx, "k", []byte("v"), StoreOptions{}))
	data, tier, err := c.Retrieve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
	assert.Equal(t, TierMemory, tier)
	assert.Empty(t, c.DiskPath("k"))
	require.NoError(t, c.ClearDisk())
}
