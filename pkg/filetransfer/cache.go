package filetransfer

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/thin-edge/tedge-agent-go/pkg/metrics"
	"github.com/thin-edge/tedge-agent-go/pkg/utils"
)

var ErrNoSuchFile = errors.New("no such file")

// Cache stores artifacts under content-addressed blobs so identical
// payloads are kept once, with a size-bounded LRU reclaiming space.
// Uploaded paths are references onto blobs
type Cache struct {
	dir      string
	maxBytes int64

	mutex    sync.Mutex
	size     int64
	lastUsed map[string]time.Time
}

// NewCache opens (or creates) the cache directory. maxSize accepts human
// readable values like "256MB"
func NewCache(dir string, maxSize string) (*Cache, error) {
	maxBytes, err := units.RAMInBytes(maxSize)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cache size %q", maxSize)
	}
	c := &Cache{
		dir:      dir,
		maxBytes: maxBytes,
		lastUsed: make(map[string]time.Time),
	}
	for _, sub := range []string{"blobs", "paths"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, err
		}
	}
	if err := c.scan(); err != nil {
		return nil, err
	}
	return c, nil
}

// scan rebuilds the size accounting from disk
func (c *Cache) scan() error {
	entries, err := os.ReadDir(filepath.Join(c.dir, "blobs"))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		c.size += info.Size()
		c.lastUsed[entry.Name()] = info.ModTime()
	}
	slog.Info("File cache loaded.", "dir", c.dir, "blobs", len(c.lastUsed), "size", units.HumanSize(float64(c.size)))
	return nil
}

func (c *Cache) blobPath(digest string) string {
	return filepath.Join(c.dir, "blobs", digest)
}

// pathEntry maps the user visible path onto a filesystem-safe reference
// file holding the blob digest
func (c *Cache) pathEntry(path string) string {
	encoded := strings.ReplaceAll(strings.Trim(path, "/"), "/", "%2F")
	return filepath.Join(c.dir, "paths", encoded)
}

// Put stores the content under the given path, deduplicating identical
// payloads. Re-uploading the same path is idempotent
func (c *Cache) Put(path string, content io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(c.dir, "blobs"), ".upload*")
	if err != nil {
		return "", 0, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), content)
	if err != nil {
		tmp.Close()
		return "", 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	digest := hex.EncodeToString(hasher.Sum(nil))

	c.mutex.Lock()
	defer c.mutex.Unlock()

	blob := c.blobPath(digest)
	if !utils.PathExists(blob) {
		if err := os.Rename(tmpName, blob); err != nil {
			return "", 0, err
		}
		c.size += size
	}
	c.lastUsed[digest] = time.Now()

	if err := utils.AtomicWrite(c.pathEntry(path), []byte(digest), 0644); err != nil {
		return "", 0, err
	}

	c.evictLocked()
	return digest, size, nil
}

// Open returns a seekable reader over the content of a path
func (c *Cache) Open(path string) (*os.File, time.Time, error) {
	digest, err := os.ReadFile(c.pathEntry(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, time.Time{}, errors.Wrap(ErrNoSuchFile, path)
		}
		return nil, time.Time{}, err
	}

	c.mutex.Lock()
	c.lastUsed[string(digest)] = time.Now()
	c.mutex.Unlock()

	file, err := os.Open(c.blobPath(string(digest)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, time.Time{}, errors.Wrap(ErrNoSuchFile, path)
		}
		return nil, time.Time{}, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, time.Time{}, err
	}
	return file, info.ModTime(), nil
}

// Delete removes a path reference. Unreferenced blobs are reclaimed
func (c *Cache) Delete(path string) error {
	entry := c.pathEntry(path)
	if !utils.PathExists(entry) {
		return errors.Wrap(ErrNoSuchFile, path)
	}
	if err := os.Remove(entry); err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.reclaimUnreferencedLocked()
	return nil
}

// referencedDigests lists the digests still reachable from a path entry
func (c *Cache) referencedDigests() map[string]struct{} {
	out := make(map[string]struct{})
	entries, err := os.ReadDir(filepath.Join(c.dir, "paths"))
	if err != nil {
		return out
	}
	for _, entry := range entries {
		digest, err := os.ReadFile(filepath.Join(c.dir, "paths", entry.Name()))
		if err != nil {
			continue
		}
		out[string(digest)] = struct{}{}
	}
	return out
}

func (c *Cache) reclaimUnreferencedLocked() {
	referenced := c.referencedDigests()
	for digest := range c.lastUsed {
		if _, ok := referenced[digest]; ok {
			continue
		}
		c.removeBlobLocked(digest)
	}
}

func (c *Cache) removeBlobLocked(digest string) {
	info, err := os.Stat(c.blobPath(digest))
	if err == nil {
		c.size -= info.Size()
	}
	os.Remove(c.blobPath(digest))
	delete(c.lastUsed, digest)
}

// evictLocked drops the least recently used blobs (and their path
// references) until the cache fits its bound
func (c *Cache) evictLocked() {
	if c.size <= c.maxBytes {
		return
	}

	type usage struct {
		digest string
		at     time.Time
	}
	ordered := make([]usage, 0, len(c.lastUsed))
	for digest, at := range c.lastUsed {
		ordered = append(ordered, usage{digest: digest, at: at})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].at.Before(ordered[j].at) })

	for _, item := range ordered {
		if c.size <= c.maxBytes {
			return
		}
		c.removePathsReferencing(item.digest)
		c.removeBlobLocked(item.digest)
		metrics.FileCacheEvictions.Inc()
		slog.Info("Evicted blob from file cache.", "digest", item.digest, "size", units.HumanSize(float64(c.size)))
	}
}

func (c *Cache) removePathsReferencing(digest string) {
	entries, err := os.ReadDir(filepath.Join(c.dir, "paths"))
	if err != nil {
		return
	}
	for _, entry := range entries {
		path := filepath.Join(c.dir, "paths", entry.Name())
		ref, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if string(ref) == digest {
			os.Remove(path)
		}
	}
}

// Size reports the current blob usage in bytes
func (c *Cache) Size() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.size
}
