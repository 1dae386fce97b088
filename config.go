package imagecache

import (
	"os"
	"strconv"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// Config carries the tier and downloader defaults used by NewDefault.
type Config struct {
	MemoryCostLimit     int64
	MemoryCountLimit    int
	MemoryExpiration    time.Duration
	MemorySweepInterval time.Duration
	DiskSizeLimit       int64
	DiskExpiration      time.Duration
	DiskSweepInterval   time.Duration
	DiskPathExtension   string
	DiskSniffExtension  bool
	DownloadTimeout     time.Duration
}

// DefaultConfig returns the built-in defaults: a quarter of a gigabyte of
// memory, an unbounded disk with week-long entries, 30s transfers.
func DefaultConfig() Config {
	return Config{
		MemoryCostLimit:  256 << 20,
		MemoryExpiration: 5 * time.Minute,
		DiskExpiration:   7 * 24 * time.Hour,
		DownloadTimeout:  30 * time.Second,
	}
}

// ConfigFromEnv returns DefaultConfig overridden by IMAGECACHE_* environment
// variables. Durations accept day suffixes ("7d", "12h30m"); sizes and
// counts are plain integers. Unparseable values keep the default.
//
// Recognized variables: IMAGECACHE_MEMORY_COST_LIMIT,
// IMAGECACHE_MEMORY_COUNT_LIMIT, IMAGECACHE_MEMORY_EXPIRATION,
// IMAGECACHE_MEMORY_SWEEP_INTERVAL, IMAGECACHE_DISK_SIZE_LIMIT,
// IMAGECACHE_DISK_EXPIRATION, IMAGECACHE_DISK_SWEEP_INTERVAL,
// IMAGECACHE_DISK_PATH_EXTENSION, IMAGECACHE_DISK_SNIFF_EXTENSION,
// IMAGECACHE_DOWNLOAD_TIMEOUT.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	envInt64(&cfg.MemoryCostLimit, "IMAGECACHE_MEMORY_COST_LIMIT")
	envInt(&cfg.MemoryCountLimit, "IMAGECACHE_MEMORY_COUNT_LIMIT")
	envDuration(&cfg.MemoryExpiration, "IMAGECACHE_MEMORY_EXPIRATION")
	envDuration(&cfg.MemorySweepInterval, "IMAGECACHE_MEMORY_SWEEP_INTERVAL")
	envInt64(&cfg.DiskSizeLimit, "IMAGECACHE_DISK_SIZE_LIMIT")
	envDuration(&cfg.DiskExpiration, "IMAGECACHE_DISK_EXPIRATION")
	envDuration(&cfg.DiskSweepInterval, "IMAGECACHE_DISK_SWEEP_INTERVAL")
	envDuration(&cfg.DownloadTimeout, "IMAGECACHE_DOWNLOAD_TIMEOUT")
	if v := os.Getenv("IMAGECACHE_DISK_PATH_EXTENSION"); v != "" {
		cfg.DiskPathExtension = v
	}
	envBool(&cfg.DiskSniffExtension, "IMAGECACHE_DISK_SNIFF_EXTENSION")
	return cfg
}

func envInt64(dst *int64, name string) {
	if v := os.Getenv(name); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = parsed
		}
	}
}

func envInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func envBool(dst *bool, name string) {
	if v := os.Getenv(name); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func envDuration(dst *time.Duration, name string) {
	if v := os.Getenv(name); v != "" {
		if parsed, err := str2duration.ParseDuration(v); err == nil {
			*dst = parsed
		}
	}
}
