package downloader

import (
	"net/http"
	"time"

	"github.com/agentuity/imagecache/retrier"
)

// DefaultTimeout bounds a single transfer attempt.
const DefaultTimeout = 30 * time.Second

// config holds the resolved configuration for a Downloader.
type config struct {
	client   *http.Client
	timeout  time.Duration
	strategy retrier.Strategy
	header   http.Header
}

// Option configures a Downloader.
type Option func(*config)

func defaultConfig() config {
	return config{
		client:  &http.Client{},
		timeout: DefaultTimeout,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.client == nil {
		cfg.client = &http.Client{}
	}
	return cfg
}

// WithHTTPClient sets the HTTP client used for transfers.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) { c.client = client }
}

// WithTimeout bounds each transfer attempt. The timeout is independent of
// the retry strategy; hitting it counts as a retryable failure. Zero
// disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithStrategy sets the retry strategy consulted after each failed attempt.
// Without one, failures are terminal immediately.
func WithStrategy(s retrier.Strategy) Option {
	return func(c *config) { c.strategy = s }
}

// WithRequestHeader adds fixed headers to every request, e.g. a User-Agent
// or an auth token.
func WithRequestHeader(header http.Header) Option {
	return func(c *config) { c.header = header }
}
