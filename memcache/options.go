package memcache

import "time"

// DefaultExpiration is the sliding TTL used when Set is called with a zero ttl.
const DefaultExpiration = 5 * time.Minute

// DefaultSweepInterval is how often the background sweeper removes stale entries.
const DefaultSweepInterval = 2 * time.Minute

// config holds the resolved configuration for a Store.
type config struct {
	totalCostLimit int64
	countLimit     int
	defaultTTL     time.Duration
	sweepInterval  time.Duration
	onEvicted      func(key string)
}

// Option configures a Store.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultTTL:    DefaultExpiration,
		sweepInterval: DefaultSweepInterval,
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
	return cfg
}

// WithTotalCostLimit caps the summed cost of all entries. Zero means no cap.
func WithTotalCostLimit(limit int64) Option {
	return func(c *config) { c.totalCostLimit = limit }
}

// WithCountLimit caps the number of entries. Zero means no cap.
func WithCountLimit(limit int) Option {
	return func(c *config) { c.countLimit = limit }
}

// WithExpiration sets the default sliding TTL for entries stored with a zero
// ttl. Use NeverExpires to disable expiration by default.
func WithExpiration(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithSweepInterval sets the interval for background stale entry cleanup.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// WithEvicted registers a hook invoked with the key of every entry removed by
// budget eviction or the sweeper. The hook must not call back into the Store.
func WithEvicted(fn func(key string)) Option {
	return func(c *config) { c.onEvicted = fn }
}
