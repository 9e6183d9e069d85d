package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/prism/internal/version"
)

const DefaultMaxImageBytes = 32 << 20

var ErrImageTooLarge = errors.New("image exceeds size limit")

// Source loads raw image bytes from a reference: a data: URL, an http(s)
// URL, a file:// URL or a plain path.
type Source struct {
	Client   *http.Client
	MaxBytes int64
}

func (s *Source) limit() int64 {
	if s == nil || s.MaxBytes <= 0 {
		return DefaultMaxImageBytes
	}
	return s.MaxBytes
}

func (s *Source) Load(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "data:"):
		return s.decodeDataURL(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return s.get(ctx, ref)
	case strings.HasPrefix(ref, "file://"):
		u, err := url.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("image: %w", err)
		}
		return s.read(filepath.FromSlash(u.Path))
	case ref == "":
		return nil, errors.New("image: empty reference")
	default:
		return s.read(ref)
	}
}

func (s *Source) decodeDataURL(ref string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, errors.New("image: malformed data URL")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("image: unsupported data URL encoding %q", meta)
	}
	if int64(base64.StdEncoding.DecodedLen(len(payload))) > s.limit()+2 {
		return nil, ErrImageTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("image: decode data URL: %w", err)
	}
	return data, nil
}

func (s *Source) get(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	client := http.DefaultClient
	if s != nil && s.Client != nil {
		client = s.Client
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image: get %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("image: get %s: %s", ref, resp.Status)
	}
	return s.readAll(resp.Body)
}

func (s *Source) read(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}
	defer f.Close()
	return s.readAll(f)
}

func (s *Source) readAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.limit()+1))
	if err != nil {
		return nil, fmt.Errorf("image: read: %w", err)
	}
	if int64(len(data)) > s.limit() {
		return nil, ErrImageTooLarge
	}
	return data, nil
}
