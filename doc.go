// Package imagecache retrieves images (or any immutable payloads) by URL
// through a two-tier cache, with deduplicated downloads, configurable retry
// strategies, and an optional processing pipeline applied before caching.
//
// # Retrieval
//
// [Fetcher.Retrieve] is the single entry point. It resolves a cache key from
// the URL and the configured pipeline, consults the memory tier, then the
// disk tier, and only then downloads:
//
//	f, err := imagecache.NewDefault(ctx, os.TempDir(), "images", log,
//	    imagecache.ConfigFromEnv())
//	if err != nil { ... }
//	defer f.Close()
//
//	res, err := f.Retrieve(ctx, url, imagecache.Options{})
//	// res.Data, res.Origin (memory, disk or network), res.Source
//
// A disk hit is promoted into memory so the next retrieval is served from
// the fast tier. Payloads downloaded from the network are written through to
// memory synchronously and to disk in the background; use
// [Options.WaitForDiskWrite] when the caller must observe durability.
//
// # Download Deduplication
//
// Concurrent retrievals of the same key share one transfer. Every caller
// receives its own completion and progress callbacks, and cancelling one
// caller's context detaches only that caller; the transfer itself is aborted
// only when its last interested caller is gone. See
// [downloader.Downloader.Fetch].
//
// # Conditional Refresh
//
// [Options.ForceRefresh] bypasses the cache read and revalidates with the
// origin using any remembered ETag or Last-Modified validators. A 304
// response refreshes the cached entry's expiration without rewriting its
// payload on disk.
//
// # Processing
//
// A [processor.Pipeline] transforms the downloaded bytes before caching, and
// its identity is folded into the cache key, so the same URL processed two
// different ways occupies two distinct cache entries. Built-in stages check
// image formats by magic bytes and enforce payload size caps. Set
// [Options.CacheOriginalAlongsideProcessed] to also cache the untransformed
// payload under the unprocessed key.
//
// # Errors
//
// Failures are classified by [Classify] into transport, protocol, cache,
// processing, cancellation and not-found kinds. [ErrNotFound] marks an
// [Options.OnlyFromCache] miss, [ErrCancelled] a cancelled retrieval, and
// [ErrProcessing] a pipeline failure. Use errors.Is against the sentinels or
// switch on the [Kind].
package imagecache
