package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
)

// part is one ranged slice of a large download. Its progress is persisted next
// to the partial file so an interrupted download resumes where it stopped.
type part struct {
	N         int   `json:"n"`
	Offset    int64 `json:"offset"`
	Size      int64 `json:"size"`
	Completed int64 `json:"completed"`
}

func (p *part) remaining() int64 { return p.Size - p.Completed }

// FetchFile makes url available as a local file and returns its path. The
// body is streamed to disk and never held in memory, so this is the path for
// anything above LargeFileThreshold. Unlike Fetch, the body must be persisted
// to be usable, so a quota shortfall is an error.
func (c *Cache) FetchFile(ctx context.Context, rawURL string, progress ProgressFunc) (string, error) {
	if !cacheable(rawURL) {
		return localPath(rawURL)
	}
	if path, ok := c.stored(rawURL); ok {
		c.log.Debug("cache hit", "url", rawURL, "path", path)
		return path, nil
	}

	size, exists, ranged, err := c.head(ctx, rawURL)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", &StatusError{Method: http.MethodHead, URL: rawURL, StatusCode: http.StatusNotFound}
	}

	if err := c.reserve(rawURL, size); err != nil {
		return "", err
	}

	blob := c.blobPath(rawURL)
	partial := blob + partialSuffix
	tr := newTracker(size, progress)

	start := time.Now()
	if ranged && size > 0 {
		err = c.downloadParts(ctx, rawURL, partial, size, tr)
	} else {
		err = c.downloadStream(ctx, rawURL, partial, tr)
	}
	if err != nil {
		return "", err
	}

	info, err := os.Stat(partial)
	if err != nil {
		return "", err
	}
	if size > 0 && info.Size() != size {
		c.Delete(rawURL)
		return "", fmt.Errorf("artifact: %s: downloaded %d of %d bytes", rawURL, info.Size(), size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Rename(partial, blob); err != nil {
		return "", fmt.Errorf("artifact: finalize %s: %w", rawURL, err)
	}
	c.removeParts(partial)
	if err := c.writeManifest(manifest{URL: rawURL, Size: info.Size(), StoredAt: time.Now().UTC()}); err != nil {
		c.log.Warn("cache manifest write failed", "url", rawURL, "error", err)
	}
	c.log.Info("downloaded", "url", rawURL, "bytes", info.Size(), "elapsed", time.Since(start).Round(time.Millisecond))
	return blob, nil
}

// stored returns the blob path when a complete entry exists.
func (c *Cache) stored(rawURL string) (string, bool) {
	m, err := c.readManifest(rawURL)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.evict(rawURL, "unreadable manifest", err)
		}
		return "", false
	}
	path := c.blobPath(rawURL)
	info, err := os.Stat(path)
	if err != nil || info.Size() != m.Size {
		c.evict(rawURL, "size mismatch", err)
		return "", false
	}
	return path, true
}

func (c *Cache) reserve(rawURL string, size int64) error {
	used, err := c.used()
	if err != nil {
		return err
	}
	avail, err := c.quota.Available(used)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInsufficientStorage, rawURL, err)
	}
	if !fits(max(size, 0), avail) {
		return fmt.Errorf("%w: %s needs %d bytes plus margin, %d available", ErrInsufficientStorage, rawURL, size, avail)
	}
	return nil
}

func (c *Cache) head(ctx context.Context, rawURL string) (size int64, exists, ranged bool, err error) {
	req, err := newRequest(ctx, http.MethodHead, rawURL)
	if err != nil {
		return -1, false, false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return -1, false, false, fmt.Errorf("artifact: probe %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return -1, false, false, nil
	case resp.StatusCode >= 300:
		return -1, false, false, &StatusError{Method: http.MethodHead, URL: rawURL, StatusCode: resp.StatusCode}
	}
	return resp.ContentLength, true, resp.Header.Get("Accept-Ranges") == "bytes", nil
}

func (c *Cache) downloadParts(ctx context.Context, rawURL, partial string, size int64, tr *tracker) error {
	file, err := os.OpenFile(partial, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := file.Truncate(size); err != nil {
		return err
	}

	parts := c.planParts(partial, size)
	for _, p := range parts {
		if p.Completed > 0 {
			tr.add(p.Completed)
		}
	}

	g, inner := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)
	for _, p := range parts {
		if p.remaining() == 0 {
			continue
		}
		g.Go(func() error {
			var err error
			for try := 0; try < c.maxRetries; try++ {
				err = c.downloadPart(inner, rawURL, file, partial, p, tr)
				switch {
				case err == nil:
					return nil
				case errors.Is(err, context.Canceled), errors.Is(err, syscall.ENOSPC), !retryable(err):
					return err
				}
				wait := time.Second << try
				c.log.Info("download part failed, retrying", "url", rawURL, "part", p.N, "attempt", try+1, "wait", wait, "error", err)
				select {
				case <-inner.Done():
					return inner.Err()
				case <-time.After(wait):
				}
			}
			return fmt.Errorf("artifact: %s part %d: retries exhausted: %w", rawURL, p.N, err)
		})
	}
	return g.Wait()
}

func (c *Cache) downloadPart(ctx context.Context, rawURL string, file *os.File, partial string, p *part, tr *tracker) error {
	req, err := newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return err
	}
	from := p.Offset + p.Completed
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", from, p.Offset+p.Size-1))
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return &StatusError{Method: http.MethodGet, URL: rawURL, StatusCode: resp.StatusCode}
	}

	w := io.NewOffsetWriter(file, from)
	n, err := io.CopyN(w, io.TeeReader(resp.Body, tr), p.remaining())
	p.Completed += n
	if werr := writePart(partial, p); werr != nil {
		return werr
	}
	return err
}

func (c *Cache) downloadStream(ctx context.Context, rawURL, partial string, tr *tracker) error {
	req, err := newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("artifact: get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{Method: http.MethodGet, URL: rawURL, StatusCode: resp.StatusCode}
	}
	if tr.total <= 0 && resp.ContentLength > 0 {
		tr.total = resp.ContentLength
	}

	file, err := os.Create(partial)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := io.Copy(file, io.TeeReader(resp.Body, tr)); err != nil {
		return fmt.Errorf("artifact: stream %s: %w", rawURL, err)
	}
	return file.Sync()
}

func (c *Cache) planParts(partial string, size int64) []*part {
	n := int((size + c.partSize - 1) / c.partSize)
	parts := make([]*part, 0, n)
	for i := range n {
		off := int64(i) * c.partSize
		p := &part{N: i, Offset: off, Size: min(c.partSize, size-off)}
		if saved, err := readPart(partial, i); err == nil && saved.Offset == p.Offset && saved.Size == p.Size {
			p.Completed = min(saved.Completed, p.Size)
		}
		parts = append(parts, p)
	}
	return parts
}

func (c *Cache) removeParts(partial string) {
	files, _ := filepath.Glob(partial + "-*")
	for _, f := range files {
		if err := os.Remove(f); err != nil {
			c.log.Warn("failed to remove part state", "path", f, "error", err)
		}
	}
}

func partPath(partial string, n int) string {
	return partial + "-" + strconv.Itoa(n)
}

func readPart(partial string, n int) (*part, error) {
	raw, err := os.ReadFile(partPath(partial, n))
	if err != nil {
		return nil, err
	}
	var p part
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func writePart(partial string, p *part) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(partPath(partial, p.N), raw, 0o644)
}

func localPath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("artifact: parse %s: %w", rawURL, err)
	}
	path := filepath.FromSlash(u.Path)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("artifact: %w", err)
	}
	return path, nil
}
