package imagecache

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/agentuity/imagecache/downloader"
	"github.com/agentuity/imagecache/processor"
)

// Options controls one retrieval. The zero value is the common case: read
// through both cache tiers, download on a miss, cache the result.
type Options struct {
	// ForceRefresh bypasses the cache read and goes to the network. Any
	// cached copy is still used for a conditional fetch, so an unchanged
	// resource costs a 304 instead of a full transfer.
	ForceRefresh bool
	// OnlyFromCache forbids network access; a cache miss becomes ErrNotFound.
	OnlyFromCache bool
	// CacheOriginalAlongsideProcessed also stores the unprocessed bytes
	// under the base key, so a later retrieval with a different pipeline
	// skips the network.
	CacheOriginalAlongsideProcessed bool
	// WaitForDiskWrite makes Retrieve return only after the disk write is
	// durable, trading latency for read-after-write consistency.
	WaitForDiskWrite bool
	// SkipDisk keeps this payload out of the disk tier.
	SkipDisk bool
	// CacheKey overrides the default key (the resource URL).
	CacheKey string
	// MemoryTTL and DiskTTL override the tier default expirations.
	MemoryTTL time.Duration
	DiskTTL   time.Duration
	// Pipeline is applied to downloaded bytes; its identifier becomes part
	// of the cache key.
	Pipeline processor.Pipeline
	// OnProgress receives transfer progress; expected is -1 when unknown.
	OnProgress downloader.Progress
	// DownloadTimeout bounds this caller's wait for the download. Zero
	// means no per-caller bound (the downloader's own attempt timeout
	// still applies).
	DownloadTimeout time.Duration
}

func (o *Options) validate() error {
	if o.ForceRefresh && o.OnlyFromCache {
		return errors.New("imagecache: ForceRefresh and OnlyFromCache are mutually exclusive")
	}
	return nil
}

// key returns the composite cache key for url under these options.
func (o *Options) key(url string) (base, composite string) {
	base = o.CacheKey
	if base == "" {
		base = url
	}
	return base, processor.CacheKey(base, o.Pipeline)
}
