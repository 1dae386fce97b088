package imagecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("IMAGECACHE_MEMORY_COST_LIMIT", "1048576")
	t.Setenv("IMAGECACHE_MEMORY_COUNT_LIMIT", "50")
	t.Setenv("IMAGECACHE_DISK_EXPIRATION", "3d")
	t.Setenv("IMAGECACHE_DOWNLOAD_TIMEOUT", "10s")
	t.Setenv("IMAGECACHE_DISK_PATH_EXTENSION", "img")
	t.Setenv("IMAGECACHE_DISK_SNIFF_EXTENSION", "true")

	cfg := ConfigFromEnv()
	assert.Equal(t, int64(1<<20), cfg.MemoryCostLimit)
	assert.Equal(t, 50, cfg.MemoryCountLimit)
	assert.Equal(t, 3*24*time.Hour, cfg.DiskExpiration)
	assert.Equal(t, 10*time.Second, cfg.DownloadTimeout)
	assert.Equal(t, "img", cfg.DiskPathExtension)
	assert.True(t, cfg.DiskSniffExtension)
}

func TestConfigFromEnvUnparseableKeepsDefault(t *testing.T) {
	t.Setenv("IMAGECACHE_MEMORY_COST_LIMIT", "lots")
	t.Setenv("IMAGECACHE_MEMORY_EXPIRATION", "soon")

	def := DefaultConfig()
	cfg := ConfigFromEnv()
	assert.Equal(t, def.MemoryCostLimit, cfg.MemoryCostLimit)
	assert.Equal(t, def.MemoryExpiration, cfg.MemoryExpiration)
}
