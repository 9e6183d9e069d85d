package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"time"
)

// Fetch returns the body at url, serving it from the cache when a valid
// entry exists. Corrupt entries are deleted and refetched. Transport errors
// are returned; cache write failures are only logged.
func (c *Cache) Fetch(ctx context.Context, url string, progress ProgressFunc) ([]byte, error) {
	if cacheable(url) {
		if data, ok := c.read(url); ok {
			c.log.Debug("cache hit", "url", url, "bytes", len(data))
			return data, nil
		}
	}

	size, _, err := c.Probe(ctx, url)
	if err != nil {
		c.log.Debug("size probe failed", "url", url, "error", err)
		size = -1
	}
	if size > LargeFileThreshold {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, url, size)
	}

	data, err := c.download(ctx, url, size, progress)
	if err != nil {
		return nil, err
	}
	if cacheable(url) {
		c.store(url, data)
	}
	return data, nil
}

// Probe issues a HEAD request for url. A 404 reports exists=false without an
// error. size is -1 when the server does not declare a length.
func (c *Cache) Probe(ctx context.Context, url string) (size int64, exists bool, err error) {
	req, err := newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return -1, false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return -1, false, fmt.Errorf("artifact: probe %s: %w", url, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return -1, false, nil
	case resp.StatusCode >= 300:
		return -1, false, &StatusError{Method: http.MethodHead, URL: url, StatusCode: resp.StatusCode}
	}
	if resp.ContentLength < 0 {
		return -1, true, nil
	}
	return resp.ContentLength, true, nil
}

func (c *Cache) download(ctx context.Context, url string, size int64, progress ProgressFunc) ([]byte, error) {
	req, err := newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("artifact: get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, &StatusError{Method: http.MethodGet, URL: url, StatusCode: resp.StatusCode}
	}

	total := resp.ContentLength
	if total <= 0 {
		total = size
	}
	if total > LargeFileThreshold {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, url, total)
	}

	var buf bytes.Buffer
	if total > 0 {
		buf.Grow(int(total))
	}
	tracker := newTracker(total, progress)
	if _, err := io.Copy(&buf, io.TeeReader(resp.Body, tracker)); err != nil {
		return nil, fmt.Errorf("artifact: read %s: %w", url, err)
	}
	if total > 0 && int64(buf.Len()) != total {
		return nil, fmt.Errorf("artifact: read %s: got %d of %d bytes", url, buf.Len(), total)
	}
	return buf.Bytes(), nil
}

// read returns a cached body after checking it against its manifest.
// Entries that fail any check are removed.
func (c *Cache) read(url string) ([]byte, bool) {
	m, err := c.readManifest(url)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.evict(url, "unreadable manifest", err)
		}
		return nil, false
	}
	data, err := os.ReadFile(c.blobPath(url))
	if err != nil {
		c.evict(url, "unreadable blob", err)
		return nil, false
	}
	if int64(len(data)) != m.Size {
		c.evict(url, "size mismatch", fmt.Errorf("manifest %d, blob %d", m.Size, len(data)))
		return nil, false
	}
	if m.Digest != "" && digest(data) != m.Digest {
		c.evict(url, "digest mismatch", nil)
		return nil, false
	}
	return data, true
}

func (c *Cache) evict(url, reason string, err error) {
	args := []any{"url", url, "reason", reason}
	if err != nil {
		args = append(args, "error", err)
	}
	c.log.Warn("discarding corrupt cache entry", args...)
	c.Delete(url)
}

// store persists data when the quota allows it. It never fails the caller.
func (c *Cache) store(url string, data []byte) {
	size := int64(len(data))

	c.mu.Lock()
	defer c.mu.Unlock()

	used, err := c.used()
	if err != nil {
		c.log.Warn("skipping cache write", "url", url, "error", err)
		return
	}
	avail, err := c.quota.Available(used)
	if err != nil {
		c.log.Warn("skipping cache write, storage estimate unavailable", "url", url, "error", err)
		return
	}
	if !fits(size, avail) {
		c.log.Warn("skipping cache write, not enough space", "url", url, "bytes", size, "available", avail)
		return
	}

	m := manifest{URL: url, Size: size, Digest: digest(data), StoredAt: time.Now().UTC()}
	if err := writeFileAtomic(c.blobPath(url), data); err != nil {
		c.log.Warn("cache write failed", "url", url, "error", err)
		c.deleteLocked(url)
		return
	}
	if err := c.writeManifest(m); err != nil {
		c.log.Warn("cache manifest write failed", "url", url, "error", err)
		c.deleteLocked(url)
		return
	}

	// Read back so a short write is caught now rather than on the next load.
	back, err := os.ReadFile(c.blobPath(url))
	if err != nil || int64(len(back)) != size || digest(back) != m.Digest {
		c.log.Warn("cache entry failed verification", "url", url, "error", err)
		c.deleteLocked(url)
		return
	}
	c.log.Debug("cached", "url", url, "bytes", size)
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
