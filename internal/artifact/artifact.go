// Package artifact is a URL-addressed on-disk cache for model files.
//
// Every entry is a blob plus a JSON manifest, both named after the SHA-256 of
// the source URL. Reads validate the entry against its manifest and delete it
// when it does not match, so a torn or truncated write heals on the next
// fetch. Writes are best effort: a full disk or a failed write is logged and
// the caller still gets the downloaded body.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/prism/internal/logger"
	"github.com/samcharles93/prism/internal/version"
)

const (
	// LargeFileThreshold is the size above which bodies are streamed to disk
	// instead of being buffered in memory.
	LargeFileThreshold int64 = 2 << 30

	// SafetyMargin is kept free on top of every cached body.
	SafetyMargin int64 = 100 << 20

	defaultPartSize     int64 = 64 << 20
	defaultParallel           = 4
	defaultMaxRetries         = 4
	blobsDir                  = "blobs"
	manifestsDir              = "manifests"
	partialSuffix             = "-partial"
)

// ProgressFunc receives the running byte count and the expected total.
// It is only called when the total is known.
type ProgressFunc func(received, total int64)

// Usage summarizes cache occupancy.
type Usage struct {
	Used      int64 `json:"used"`
	Available int64 `json:"available"`
}

type Options struct {
	// Dir is the cache root. Required.
	Dir string
	// MaxBytes caps the cache size. Zero means bounded only by free disk space.
	MaxBytes int64
	// Client performs requests. Defaults to a client that also serves file:// URLs.
	Client *http.Client
	// Quota overrides the storage estimate; used by tests.
	Quota Quota
	// PartSize and Parallel tune ranged downloads of large files.
	PartSize int64
	Parallel int
	// MaxRetries bounds retries per download part.
	MaxRetries int
	Logger     logger.Logger
}

// Cache is safe for concurrent use.
type Cache struct {
	dir        string
	client     *http.Client
	quota      Quota
	partSize   int64
	parallel   int
	maxRetries int
	log        logger.Logger

	mu sync.Mutex
}

type manifest struct {
	URL      string    `json:"url"`
	Size     int64     `json:"size"`
	Digest   string    `json:"digest,omitempty"`
	StoredAt time.Time `json:"stored_at"`
}

func New(opts Options) (*Cache, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("artifact: cache directory is required")
	}
	for _, sub := range []string{blobsDir, manifestsDir} {
		if err := os.MkdirAll(filepath.Join(opts.Dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("artifact: create cache dir: %w", err)
		}
	}
	c := &Cache{
		dir:        opts.Dir,
		client:     opts.Client,
		quota:      opts.Quota,
		partSize:   opts.PartSize,
		parallel:   opts.Parallel,
		maxRetries: opts.MaxRetries,
		log:        logger.Component(opts.Logger, "artifact"),
	}
	if c.client == nil {
		c.client = defaultClient()
	}
	if c.quota == nil {
		c.quota = diskQuota{dir: opts.Dir, max: opts.MaxBytes}
	}
	if c.partSize <= 0 {
		c.partSize = defaultPartSize
	}
	if c.parallel <= 0 {
		c.parallel = defaultParallel
	}
	if c.maxRetries <= 0 {
		c.maxRetries = defaultMaxRetries
	}
	return c, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

func defaultClient() *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.RegisterProtocol("file", http.NewFileTransport(http.Dir("/")))
	return &http.Client{Transport: t}
}

func key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "sha256-" + hex.EncodeToString(sum[:])
}

func (c *Cache) blobPath(url string) string {
	return filepath.Join(c.dir, blobsDir, key(url))
}

func (c *Cache) manifestPath(url string) string {
	return filepath.Join(c.dir, manifestsDir, key(url)+".json")
}

// cacheable reports whether url should be persisted. Local files never are.
func cacheable(url string) bool {
	return !strings.HasPrefix(url, "file://")
}

func (c *Cache) readManifest(url string) (manifest, error) {
	var m manifest
	raw, err := os.ReadFile(c.manifestPath(url))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("decode manifest: %w", err)
	}
	if m.URL != url {
		return m, fmt.Errorf("manifest url mismatch: %q", m.URL)
	}
	return m, nil
}

func (c *Cache) writeManifest(m manifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return writeFileAtomic(c.manifestPath(m.URL), raw)
}

// Delete removes the entry for url, including any partial download.
func (c *Cache) Delete(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(url)
}

func (c *Cache) deleteLocked(url string) {
	blob := c.blobPath(url)
	for _, p := range []string{c.manifestPath(url), blob, blob + partialSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.log.Warn("failed to remove cache file", "path", p, "error", err)
		}
	}
	parts, _ := filepath.Glob(blob + partialSuffix + "-*")
	for _, p := range parts {
		_ = os.Remove(p)
	}
}

// Info reports bytes held by the cache and bytes still available to it.
// Available is -1 when the storage estimate is unavailable.
func (c *Cache) Info() (Usage, error) {
	used, err := c.used()
	if err != nil {
		return Usage{}, err
	}
	avail, err := c.quota.Available(used)
	if err != nil {
		c.log.Debug("storage estimate unavailable", "error", err)
		avail = -1
	}
	return Usage{Used: used, Available: avail}, nil
}

func (c *Cache) used() (int64, error) {
	var total int64
	err := filepath.WalkDir(c.dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("artifact: measure cache: %w", err)
	}
	return total, nil
}

// Clear removes every cached entry. It reports whether the cache is now empty.
func (c *Cache) Clear() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range []string{blobsDir, manifestsDir} {
		p := filepath.Join(c.dir, sub)
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.MkdirAll(p, 0o755); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return false, fmt.Errorf("artifact: clear cache: %w", err)
	}
	c.log.Info("cache cleared", "dir", c.dir)
	return true, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	return req, nil
}
