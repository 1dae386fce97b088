package diskcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/agentuity/imagecache/logger"
)

// NeverExpires disables time based expiration for an entry or a store.
const NeverExpires time.Duration = -1

const (
	metaSuffix = ".meta"
	tmpSuffix  = ".tmp"
)

// metadata is the sidecar record stored next to every payload file. It is a
// cache of filesystem truth: a payload file with a missing or corrupt sidecar
// is still served, with the file modification time standing in for the last
// access time.
type metadata struct {
	ExpiresAt  int64 `msgpack:"expires_at"` // unix nanos, zero means never
	CreatedAt  int64 `msgpack:"created_at"`
	LastAccess int64 `msgpack:"last_access"`
	Size       int64 `msgpack:"size"`
}

func (m *metadata) expired(now time.Time) bool {
	return m.ExpiresAt > 0 && now.UnixNano() > m.ExpiresAt
}

// Store is a persistent key to blob cache rooted at <root>/<name>. Each key
// maps to one file named by a hash of the key; presence and metadata of the
// files is authoritative, there is no index.
type Store struct {
	dir       string
	log       logger.Logger
	cfg       config
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	evicting  atomic.Bool
}

// New returns a disk Store writing under <root>/<name>. The directory is
// created if needed. The sweeper goroutine is stopped by Close.
func New(parent context.Context, root, name string, log logger.Logger, opts ...Option) (*Store, error) {
	if name == "" {
		return nil, errors.New("diskcache: cache name is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	cfg := applyOptions(opts)
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "diskcache: failed to create cache directory")
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Store{
		dir:    dir,
		log:    log.WithPrefix("[diskcache]"),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	s.waitGroup.Add(1)
	go s.run()
	return s, nil
}

// FilePath returns the path the payload for key is (or would be) stored at.
// With an extension sniffer the extension depends on the stored payload, so
// the path of an existing entry is resolved from disk.
func (s *Store) FilePath(key string) string {
	if s.cfg.extensionSniffer != nil {
		if path, ok := s.lookup(key); ok {
			return path
		}
	}
	return filepath.Join(s.dir, s.hashName(key)+s.cfg.pathExtension)
}

func (s *Store) hashName(key string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

// lookup finds the stored payload file for key regardless of extension.
// Hashed names are fixed width, so the prefix only ever matches this key's
// own files.
func (s *Store) lookup(key string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(s.dir, s.hashName(key)+"*"))
	if err != nil {
		return "", false
	}
	for _, m := range matches {
		if strings.HasSuffix(m, metaSuffix) || strings.HasSuffix(m, tmpSuffix) {
			continue
		}
		return m, true
	}
	return "", false
}

// Get returns the payload for key, or (nil, nil) on a miss. An expired entry
// is deleted lazily and reported as a miss. A missing cache directory is a
// plain miss. The entry's last access time is refreshed.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.FilePath(key)
	now := time.Now()

	meta, metaErr := s.readMeta(path)
	if metaErr != nil && !os.IsNotExist(metaErr) {
		s.log.Warn("unreadable metadata for %s: %v", filepath.Base(path), metaErr)
	}
	if meta != nil && meta.expired(now) {
		s.removeFiles(path)
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "diskcache: failed to read cache file")
	}

	if meta == nil {
		// No sidecar. Apply the default TTL to the file modification time so
		// entries written by older versions still age out.
		if fi, statErr := os.Stat(path); statErr == nil && s.cfg.defaultTTL > 0 {
			if now.After(fi.ModTime().Add(s.cfg.defaultTTL)) {
				s.removeFiles(path)
				return nil, nil
			}
		}
		meta = &metadata{
			CreatedAt: now.UnixNano(),
			Size:      int64(len(data)),
		}
		if s.cfg.defaultTTL > 0 {
			meta.ExpiresAt = now.Add(s.cfg.defaultTTL).UnixNano()
		}
	}
	meta.LastAccess = now.UnixNano()
	if err := s.writeMeta(path, meta); err != nil {
		s.log.Warn("failed to refresh access time for %s: %v", filepath.Base(path), err)
	}
	return data, nil
}

// Set stores payload under key with an absolute expiration of now+ttl. A ttl
// of zero means the store default; NeverExpires disables expiration. The
// write is atomic (temp file then rename) and recreates the cache directory
// if it was externally deleted.
func (s *Store) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return errors.Wrap(err, "diskcache: failed to create cache directory")
	}
	ext := s.cfg.pathExtension
	var stale string
	if s.cfg.extensionSniffer != nil {
		if e := s.cfg.extensionSniffer(payload); e != "" {
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			ext = e
		}
		if old, ok := s.lookup(key); ok {
			stale = old
		}
	}
	path := filepath.Join(s.dir, s.hashName(key)+ext)
	if err := s.writeAtomic(path, payload); err != nil {
		return err
	}
	if stale != "" && stale != path {
		// The payload's sniffed format changed; drop the old variant.
		s.removeFiles(stale)
	}

	if ttl == 0 {
		ttl = s.cfg.defaultTTL
	}
	now := time.Now()
	meta := &metadata{
		CreatedAt:  now.UnixNano(),
		LastAccess: now.UnixNano(),
		Size:       int64(len(payload)),
	}
	if ttl > 0 {
		meta.ExpiresAt = now.Add(ttl).UnixNano()
	}
	if err := s.writeMeta(path, meta); err != nil {
		// The payload is cached either way, it just ages by mtime instead.
		s.log.Warn("failed to write metadata for %s: %v", filepath.Base(path), err)
	}

	s.maybeEvict()
	return nil
}

// Touch refreshes the expiration and access time of an existing entry
// without rewriting its payload. It is a no-op for a missing entry.
func (s *Store) Touch(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.FilePath(key)
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "diskcache: failed to stat cache file")
	}
	if ttl == 0 {
		ttl = s.cfg.defaultTTL
	}
	now := time.Now()
	meta, metaErr := s.readMeta(path)
	if metaErr != nil || meta == nil {
		meta = &metadata{CreatedAt: fi.ModTime().UnixNano(), Size: fi.Size()}
	}
	meta.LastAccess = now.UnixNano()
	if ttl > 0 {
		meta.ExpiresAt = now.Add(ttl).UnixNano()
	} else {
		meta.ExpiresAt = 0
	}
	return s.writeMeta(path, meta)
}

// Exists reports whether a fresh entry is present for key. It never mutates
// access times. Freshness is judged the same way Get judges it, so Exists
// never reports an entry Get would age out.
func (s *Store) Exists(key string) bool {
	path := s.FilePath(key)
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	now := time.Now()
	meta, metaErr := s.readMeta(path)
	if metaErr != nil || meta == nil {
		// No sidecar. The default TTL against the file modification time
		// stands in, as in Get.
		if s.cfg.defaultTTL > 0 && now.After(fi.ModTime().Add(s.cfg.defaultTTL)) {
			return false
		}
		return true
	}
	return !meta.expired(now)
}

// Remove deletes the entry for key, if present.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.removeFiles(s.FilePath(key))
}

// RemoveAll deletes every entry and leaves an empty cache directory behind.
func (s *Store) RemoveAll() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return errors.Wrap(err, "diskcache: failed to remove cache directory")
	}
	return errors.Wrap(os.MkdirAll(s.dir, 0755), "diskcache: failed to recreate cache directory")
}

// RemoveExpired deletes every expired entry and returns their file names.
func (s *Store) RemoveExpired() ([]string, error) {
	infos, err := s.scan()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var removed []string
	for _, info := range infos {
		if info.expiresAt > 0 && now.UnixNano() > info.expiresAt {
			if err := s.removeFiles(info.path); err != nil {
				s.log.Warn("failed to remove expired file %s: %v", info.name, err)
				continue
			}
			removed = append(removed, info.name)
		}
	}
	return removed, nil
}

// TotalSize returns the summed size of all payload files, recomputed by
// walking the directory. A missing directory reports zero.
func (s *Store) TotalSize() (int64, error) {
	infos, err := s.scan()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, info := range infos {
		total += info.size
	}
	return total, nil
}

// Close stops the sweeper. It is safe to call more than once.
func (s *Store) Close() {
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
	})
}

type fileInfo struct {
	path       string
	name       string
	size       int64
	lastAccess int64
	expiresAt  int64
}

// scan walks the cache directory and returns one record per payload file,
// taking last access and expiration from the sidecar when available and
// falling back to file modification time. A missing directory yields an
// empty result, not an error.
func (s *Store) scan() ([]fileInfo, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "diskcache: failed to read cache directory")
	}
	infos := make([]fileInfo, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasSuffix(de.Name(), metaSuffix) || strings.HasSuffix(de.Name(), tmpSuffix) {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(s.dir, de.Name())
		info := fileInfo{
			path:       path,
			name:       de.Name(),
			size:       fi.Size(),
			lastAccess: fi.ModTime().UnixNano(),
		}
		if s.cfg.defaultTTL > 0 {
			info.expiresAt = fi.ModTime().Add(s.cfg.defaultTTL).UnixNano()
		}
		if meta, err := s.readMeta(path); err == nil && meta != nil {
			if meta.LastAccess > 0 {
				info.lastAccess = meta.LastAccess
			}
			info.expiresAt = meta.ExpiresAt
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// maybeEvict shrinks the store to evictionFraction of the size limit when a
// write pushed it over budget, removing files oldest by last access first.
// Only one eviction pass runs at a time; no lock is held across the file I/O.
func (s *Store) maybeEvict() {
	if s.cfg.sizeLimit <= 0 {
		return
	}
	if !s.evicting.CompareAndSwap(false, true) {
		return
	}
	defer s.evicting.Store(false)

	infos, err := s.scan()
	if err != nil {
		s.log.Warn("eviction scan failed: %v", err)
		return
	}
	var total int64
	for _, info := range infos {
		total += info.size
	}
	if total <= s.cfg.sizeLimit {
		return
	}
	target := int64(float64(s.cfg.sizeLimit) * s.cfg.evictionFraction)
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].lastAccess < infos[j].lastAccess
	})
	for _, info := range infos {
		if total <= target {
			break
		}
		if err := s.removeFiles(info.path); err != nil {
			s.log.Warn("failed to evict %s: %v", info.name, err)
			continue
		}
		total -= info.size
		s.log.Debug("evicted %s (%d bytes)", info.name, info.size)
	}
}

func (s *Store) writeAtomic(path string, payload []byte) error {
	tmp := path + tmpSuffix
	if err := os.WriteFile(tmp, payload, os.FileMode(s.cfg.fileMode)); err != nil {
		return errors.Wrap(err, "diskcache: failed to write temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "diskcache: failed to rename cache file")
	}
	return nil
}

func (s *Store) readMeta(path string) (*metadata, error) {
	data, err := os.ReadFile(path + metaSuffix)
	if err != nil {
		return nil, err
	}
	var meta metadata
	if err := msgpack.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrap(err, "diskcache: corrupt metadata")
	}
	return &meta, nil
}

func (s *Store) writeMeta(path string, meta *metadata) error {
	data, err := msgpack.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "diskcache: failed to marshal metadata")
	}
	return s.writeAtomic(path+metaSuffix, data)
}

func (s *Store) removeFiles(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		err = nil
	}
	if metaErr := os.Remove(path + metaSuffix); metaErr != nil && !os.IsNotExist(metaErr) && err == nil {
		err = metaErr
	}
	return errors.Wrap(err, "diskcache: failed to remove cache file")
}

func (s *Store) run() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if removed, err := s.RemoveExpired(); err != nil {
				s.log.Warn("sweep failed: %v", err)
			} else if len(removed) > 0 {
				s.log.Debug("sweep removed %d expired files", len(removed))
			}
		}
	}
}
