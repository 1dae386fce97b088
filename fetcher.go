package imagecache

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/agentuity/imagecache/cache"
	"github.com/agentuity/imagecache/diskcache"
	"github.com/agentuity/imagecache/downloader"
	"github.com/agentuity/imagecache/logger"
	"github.com/agentuity/imagecache/memcache"
	"github.com/agentuity/imagecache/processor"
)

// Result is the outcome of a successful retrieval.
type Result struct {
	// Data is the (possibly processed) payload.
	Data []byte
	// Origin is the tier that produced the payload: memory, disk or network.
	Origin cache.Tier
	// Source is the resource URL the retrieval was issued for.
	Source string
}

// validators are the response validators remembered per key for conditional
// refetches.
type validators struct {
	etag         string
	lastModified string
}

// Fetcher is the retrieval entry point: cache first, then a deduplicated
// download, then processing, then write-back. Construct one per cache
// namespace and share it; all methods are safe for concurrent use.
type Fetcher struct {
	cache      *cache.Coordinator
	dl         *downloader.Downloader
	log        logger.Logger
	validators sync.Map // composite key -> validators
	closeOnce  sync.Once
}

// New returns a Fetcher over an existing cache coordinator and downloader.
// Close releases the coordinator and downloader.
func New(c *cache.Coordinator, dl *downloader.Downloader, log logger.Logger) *Fetcher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Fetcher{
		cache: c,
		dl:    dl,
		log:   log.WithPrefix("[imagecache]"),
	}
}

// NewDefault builds a Fetcher with both tiers under root/name and the given
// config (see ConfigFromEnv). A process typically creates one and shares it;
// there is no package level singleton.
func NewDefault(ctx context.Context, root, name string, log logger.Logger, cfg Config, dlOpts ...downloader.Option) (*Fetcher, error) {
	memOpts := []memcache.Option{
		memcache.WithTotalCostLimit(cfg.MemoryCostLimit),
		memcache.WithCountLimit(cfg.MemoryCountLimit),
	}
	if cfg.MemoryExpiration != 0 {
		memOpts = append(memOpts, memcache.WithExpiration(cfg.MemoryExpiration))
	}
	if cfg.MemorySweepInterval > 0 {
		memOpts = append(memOpts, memcache.WithSweepInterval(cfg.MemorySweepInterval))
	}
	mem := memcache.New(ctx, memOpts...)

	diskOpts := []diskcache.Option{
		diskcache.WithSizeLimit(cfg.DiskSizeLimit),
		diskcache.WithPathExtension(cfg.DiskPathExtension),
	}
	if cfg.DiskSniffExtension {
		diskOpts = append(diskOpts, diskcache.WithExtensionSniffer(processor.SniffExtension))
	}
	if cfg.DiskExpiration != 0 {
		diskOpts = append(diskOpts, diskcache.WithExpiration(cfg.DiskExpiration))
	}
	if cfg.DiskSweepInterval > 0 {
		diskOpts = append(diskOpts, diskcache.WithSweepInterval(cfg.DiskSweepInterval))
	}
	disk, err := diskcache.New(ctx, root, name, log, diskOpts...)
	if err != nil {
		mem.Close()
		return nil, err
	}

	opts := append([]downloader.Option{downloader.WithTimeout(cfg.DownloadTimeout)}, dlOpts...)
	dl := downloader.New(log, opts...)
	return New(cache.New(mem, disk, log), dl, log), nil
}

// Default builds a Fetcher under the user cache directory with environment
// driven configuration. Shorthand for NewDefault with ConfigFromEnv.
func Default(ctx context.Context, log logger.Logger) (*Fetcher, error) {
	root, err := os.UserCacheDir()
	if err != nil {
		return nil, errors.Wrap(err, "imagecache: no user cache directory")
	}
	return NewDefault(ctx, filepath.Join(root, "imagecache"), "default", log, ConfigFromEnv())
}

// Cache exposes the cache coordinator for maintenance operations (clearing
// tiers, sweeping expired entries).
func (f *Fetcher) Cache() *cache.Coordinator {
	return f.cache
}

// Close aborts in-flight downloads and releases both cache tiers. Safe to
// call more than once.
func (f *Fetcher) Close() {
	f.closeOnce.Do(func() {
		f.dl.Close()
		f.cache.Close()
	})
}

type fetchOutcome struct {
	res *downloader.Result
	err error
}

// Retrieve returns the payload for url, consulting the cache tiers first and
// downloading (deduplicated per key) on a miss. Failures are returned as
// tagged errors (see Classify); cancellation of ctx cancels only this
// caller's interest in the download.
func (f *Fetcher) Retrieve(ctx context.Context, url string, opts Options) (*Result, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	baseKey, key := opts.key(url)

	if !opts.ForceRefresh {
		data, tier, err := f.cache.Retrieve(ctx, key)
		if err != nil {
			// Degrade to a miss; the network path below still serves the caller.
			f.log.Warn("cache read for %q failed, treating as miss: %v", key, err)
		}
		if data != nil {
			return &Result{Data: data, Origin: tier, Source: url}, nil
		}
	}
	if opts.OnlyFromCache {
		return nil, errors.Mark(errors.Newf("imagecache: %q is not cached and network access is disabled", key), ErrNotFound)
	}

	res, err := f.download(ctx, key, url, opts)
	if err != nil {
		return nil, err
	}
	f.rememberValidators(key, res)

	storeOpts := cache.StoreOptions{
		MemoryTTL:   opts.MemoryTTL,
		DiskTTL:     opts.DiskTTL,
		SkipDisk:    opts.SkipDisk,
		WaitForDisk: opts.WaitForDiskWrite,
	}

	if res.NotModified {
		// The cached copy is current: refresh its disk expiration and
		// repopulate memory without rewriting the payload file.
		if err := f.cache.RefreshDisk(ctx, key, opts.DiskTTL); err != nil {
			f.log.Warn("failed to refresh disk entry for %q: %v", key, err)
		}
		memOnly := storeOpts
		memOnly.SkipDisk = true
		if err := f.cache.Store(ctx, key, res.Data, memOnly); err != nil {
			f.log.Warn("failed to repopulate memory for %q: %v", key, err)
		}
		return &Result{Data: res.Data, Origin: cache.TierDisk, Source: url}, nil
	}

	payload := res.Data
	processed := payload
	if len(opts.Pipeline) > 0 {
		processed, err = opts.Pipeline.Process(payload)
		if err != nil {
			// A failed transform poisons nothing: the request fails and the
			// cache is left untouched.
			return nil, errors.Mark(err, ErrProcessing)
		}
		if opts.CacheOriginalAlongsideProcessed {
			if err := f.cache.Store(ctx, baseKey, payload, storeOpts); err != nil {
				f.log.Warn("failed to store original for %q: %v", baseKey, err)
			}
		}
	}

	if err := f.cache.Store(ctx, key, processed, storeOpts); err != nil {
		// The caller got their payload; a failed write-back is not fatal.
		f.log.Warn("failed to store %q: %v", key, err)
	}
	return &Result{Data: processed, Origin: cache.TierNetwork, Source: url}, nil
}

// download registers this caller on the (possibly shared) transfer for key
// and waits for its completion.
func (f *Fetcher) download(ctx context.Context, key, url string, opts Options) (*downloader.Result, error) {
	if opts.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DownloadTimeout)
		defer cancel()
	}

	ref := f.cachedReference(ctx, key, opts)
	ch := make(chan fetchOutcome, 1)
	f.dl.Fetch(ctx, key, url, ref, opts.OnProgress, func(res *downloader.Result, err error) {
		ch <- fetchOutcome{res, err}
	})
	outcome := <-ch
	return outcome.res, outcome.err
}

// cachedReference assembles the conditional-fetch reference for a forced
// refresh: the cached payload plus any remembered response validators.
func (f *Fetcher) cachedReference(ctx context.Context, key string, opts Options) *downloader.CachedReference {
	if !opts.ForceRefresh {
		return nil
	}
	data, _, err := f.cache.Retrieve(ctx, key)
	if err != nil || data == nil {
		return nil
	}
	ref := &downloader.CachedReference{Data: data}
	if v, ok := f.validators.Load(key); ok {
		ref.ETag = v.(validators).etag
		ref.LastModified = v.(validators).lastModified
	}
	return ref
}

func (f *Fetcher) rememberValidators(key string, res *downloader.Result) {
	if res.ETag == "" && res.LastModified == "" {
		return
	}
	f.validators.Store(key, validators{etag: res.ETag, lastModified: res.LastModified})
}
