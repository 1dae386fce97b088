package diskcache

import (
	"strings"
	"time"
)

// DefaultExpiration is the absolute TTL for entries written with a zero ttl.
// Disk entries are long lived compared to the memory tier.
const DefaultExpiration = 7 * 24 * time.Hour

// DefaultSweepInterval is how often the background sweeper removes expired files.
const DefaultSweepInterval = 10 * time.Minute

// DefaultEvictionFraction is the share of the size limit the store shrinks to
// when a write pushes it over budget. Shrinking below the limit avoids
// running eviction after every subsequent write.
const DefaultEvictionFraction = 0.5

// config holds the resolved configuration for a Store.
type config struct {
	sizeLimit        int64
	defaultTTL       time.Duration
	sweepInterval    time.Duration
	pathExtension    string
	extensionSniffer func(payload []byte) string
	evictionFraction float64
	fileMode         uint32
}

// Option configures a Store.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultTTL:       DefaultExpiration,
		sweepInterval:    DefaultSweepInterval,
		evictionFraction: DefaultEvictionFraction,
		fileMode:         0644,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sweepInterval <= 0 {
		cfg.sweepInterval = DefaultSweepInterval
	}
	if cfg.evictionFraction <= 0 || cfg.evictionFraction > 1 {
		cfg.evictionFraction = DefaultEvictionFraction
	}
	return cfg
}

// WithSizeLimit caps the total payload bytes on disk. Zero means no cap.
func WithSizeLimit(limit int64) Option {
	return func(c *config) { c.sizeLimit = limit }
}

// WithExpiration sets the absolute TTL for entries written with a zero ttl.
// Use NeverExpires to disable expiration by default.
func WithExpiration(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithSweepInterval sets the interval for background expired file cleanup.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// WithPathExtension appends a fixed extension to every cache file name.
func WithPathExtension(ext string) Option {
	return func(c *config) {
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.pathExtension = ext
	}
}

// WithExtensionSniffer derives each file's extension from its payload at
// write time, typically from magic bytes. An empty return falls back to the
// fixed extension. Reads locate the stored file by its hashed name whatever
// extension it carries, so the sniffer only shapes how files appear on disk.
func WithExtensionSniffer(fn func(payload []byte) string) Option {
	return func(c *config) { c.extensionSniffer = fn }
}

// WithEvictionFraction sets the fraction of the size limit the store shrinks
// to when over budget. Must be in (0, 1]; defaults to DefaultEvictionFraction.
func WithEvictionFraction(f float64) Option {
	return func(c *config) { c.evictionFraction = f }
}

// WithFileMode sets the permission bits for cache files.
func WithFileMode(mode uint32) Option {
	return func(c *config) { c.fileMode = mode }
}
