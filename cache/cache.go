// Package cache composes the memory and disk tiers behind one key based API.
//
// Reads try the memory tier first and promote disk hits into memory. Writes
// go through the memory tier and, by default, to a background disk write.
// The coordinator owns both tiers; callers never touch them directly.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/agentuity/imagecache/diskcache"
	"github.com/agentuity/imagecache/logger"
	"github.com/agentuity/imagecache/memcache"
)

// Tier identifies where a payload came from or is cached.
type Tier int

const (
	TierNone Tier = iota
	TierMemory
	TierDisk
	TierNetwork
)

func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierDisk:
		return "disk"
	case TierNetwork:
		return "network"
	default:
		return "none"
	}
}

// StoreOptions controls how a payload is written through the tiers.
type StoreOptions struct {
	// MemoryTTL overrides the memory tier default expiration.
	MemoryTTL time.Duration
	// DiskTTL overrides the disk tier default expiration.
	DiskTTL time.Duration
	// Cost overrides the memory cost; zero means payload length.
	Cost int64
	// SkipDisk keeps the payload out of the disk tier (memory only mode).
	SkipDisk bool
	// WaitForDisk makes Store return only after the disk write is durable
	// instead of completing it in the background.
	WaitForDisk bool
}

// Coordinator fronts a memory tier and an optional disk tier. All methods
// are safe for concurrent use.
type Coordinator struct {
	mem       *memcache.Store
	disk      *diskcache.Store
	log       logger.Logger
	group     singleflight.Group
	waitGroup sync.WaitGroup
	once      sync.Once
}

// New returns a Coordinator owning the given tiers. disk may be nil for a
// memory only cache. Close releases both tiers.
func New(mem *memcache.Store, disk *diskcache.Store, log logger.Logger) *Coordinator {
	if log == nil {
		log = logger.NewNop()
	}
	return &Coordinator{
		mem:  mem,
		disk: disk,
		log:  log.WithPrefix("[cache]"),
	}
}

// Retrieve returns the payload for key and the tier that served it. A disk
// hit is promoted into the memory tier. A miss is ([]byte(nil), TierNone, nil);
// errors are only returned for failed disk reads.
func (c *Coordinator) Retrieve(ctx context.Context, key string) ([]byte, Tier, error) {
	if data, ok := c.mem.Get(key); ok {
		return data, TierMemory, nil
	}
	if c.disk == nil {
		return nil, TierNone, nil
	}
	// Collapse a burst of misses for one key into a single file read.
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		data, err := c.disk.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, TierNone, err
	}
	data, _ := v.([]byte)
	if data == nil {
		return nil, TierNone, nil
	}
	c.mem.Set(key, data, 0, 0)
	return data, TierDisk, nil
}

// Store writes payload through the tiers according to opts. The memory write
// is always synchronous; the disk write runs in the background unless
// WaitForDisk is set, and background failures are logged, not returned.
func (c *Coordinator) Store(ctx context.Context, key string, payload []byte, opts StoreOptions) error {
	c.mem.Set(key, payload, opts.Cost, opts.MemoryTTL)
	if c.disk == nil || opts.SkipDisk {
		return nil
	}
	if opts.WaitForDisk {
		return c.disk.Set(ctx, key, payload, opts.DiskTTL)
	}
	bgCtx := context.WithoutCancel(ctx)
	c.waitGroup.Add(1)
	go func() {
		defer c.waitGroup.Done()
		if err := c.disk.Set(bgCtx, key, payload, opts.DiskTTL); err != nil {
			c.log.Warn("background disk write for %q failed: %v", key, err)
		}
	}()
	return nil
}

// RefreshDisk extends the disk entry for key without rewriting its payload.
// Used when a conditional fetch confirms the cached copy is still current.
func (c *Coordinator) RefreshDisk(ctx context.Context, key string, ttl time.Duration) error {
	if c.disk == nil {
		return nil
	}
	return c.disk.Touch(ctx, key, ttl)
}

// Remove drops key from every tier.
func (c *Coordinator) Remove(ctx context.Context, key string) error {
	c.mem.Remove(key)
	if c.disk == nil {
		return nil
	}
	return c.disk.Remove(ctx, key)
}

// IsCached reports the highest tier holding a fresh entry for key. It is a
// pure query: no promotion, no access time refresh.
func (c *Coordinator) IsCached(key string) Tier {
	if c.mem.Contains(key) {
		return TierMemory
	}
	if c.disk != nil && c.disk.Exists(key) {
		return TierDisk
	}
	return TierNone
}

// ClearMemory drops every memory tier entry.
func (c *Coordinator) ClearMemory() {
	c.mem.RemoveAll()
}

// ClearDisk drops every disk tier entry.
func (c *Coordinator) ClearDisk() error {
	if c.disk == nil {
		return nil
	}
	return c.disk.RemoveAll()
}

// CleanExpiredMemory removes stale memory entries and returns their keys.
func (c *Coordinator) CleanExpiredMemory() []string {
	return c.mem.RemoveExpired()
}

// CleanExpiredDisk removes expired disk files and returns their names.
func (c *Coordinator) CleanExpiredDisk() ([]string, error) {
	if c.disk == nil {
		return nil, nil
	}
	return c.disk.RemoveExpired()
}

// CleanExpired sweeps both tiers concurrently.
func (c *Coordinator) CleanExpired(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.mem.RemoveExpired()
		return nil
	})
	g.Go(func() error {
		_, err := c.CleanExpiredDisk()
		return err
	})
	return g.Wait()
}

// DiskPath returns the file path the disk tier uses for key, or "" when
// there is no disk tier.
func (c *Coordinator) DiskPath(key string) string {
	if c.disk == nil {
		return ""
	}
	return c.disk.FilePath(key)
}

// Close waits for outstanding background disk writes and shuts down both
// tiers. It is safe to call more than once.
func (c *Coordinator) Close() {
	c.once.Do(func() {
		c.waitGroup.Wait()
		c.mem.Close()
		if c.disk != nil {
			c.disk.Close()
		}
	})
}
