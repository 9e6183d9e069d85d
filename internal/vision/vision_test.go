package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/prism/internal/logger"
	"github.com/samcharles93/prism/internal/tensor"
)

// smallConfig keeps tensors tiny: factor 4, 4x4 patches per 8px tile.
func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.PatchSize = 2
	cfg.DownsampleFactor = 2
	cfg.TileSize = 8
	cfg.MinImageTokens = 1
	cfg.MaxImageTokens = 4
	cfg.MaxNumPatches = 16
	cfg.MinTiles = 2
	cfg.MaxTiles = 4
	return cfg
}

func solid(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func dataURL(t *testing.T, img image.Image) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t, img))
}

func TestSourceLoad(t *testing.T) {
	t.Parallel()

	payload := []byte("image-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "img.bin")
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		t.Fatal(err)
	}

	s := &Source{Client: srv.Client()}
	refs := map[string]string{
		"data": "data:image/png;base64," + base64.StdEncoding.EncodeToString(payload),
		"http": srv.URL + "/img.png",
		"file": "file://" + filepath.ToSlash(path),
		"path": path,
	}
	for name, ref := range refs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got, err := s.Load(context.Background(), ref)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("got %q, want %q", got, payload)
			}
		})
	}

	if _, err := s.Load(context.Background(), srv.URL+"/missing"); err == nil {
		t.Fatalf("expected error for 404")
	}
	if _, err := s.Load(context.Background(), "data:image/png,raw"); err == nil {
		t.Fatalf("expected error for non-base64 data URL")
	}
	if _, err := s.Load(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty reference")
	}
}

func TestSourceSizeLimit(t *testing.T) {
	t.Parallel()

	s := &Source{MaxBytes: 4}
	path := filepath.Join(t.TempDir(), "big")
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(context.Background(), path); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected ErrImageTooLarge, got %v", err)
	}
	ref := "data:;base64," + base64.StdEncoding.EncodeToString([]byte("0123456789"))
	if _, err := s.Load(context.Background(), ref); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected ErrImageTooLarge for data URL, got %v", err)
	}
}

func TestParseConfigOverlaysDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig([]byte(`{"max_image_tokens": 128, "do_image_splitting": false, "image_mean": [0.1, 0.2, 0.3]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := DefaultConfig()
	want.MaxImageTokens = 128
	want.Split = false
	want.Mean = [3]float32{0.1, 0.2, 0.3}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	if _, err := ParseConfig([]byte(`{"encoder_patch_size": 0}`)); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestSmartResize(t *testing.T) {
	t.Parallel()

	p, err := NewProcessor(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		h, w   int
		wh, ww int
	}{
		{512, 512, 512, 512},
		{300, 400, 288, 384},
		{1000, 2000, 352, 704},
		{100, 60, 352, 224},
	}
	for _, tc := range tests {
		h, w := p.SmartResize(tc.h, tc.w)
		if h != tc.wh || w != tc.ww {
			t.Errorf("SmartResize(%d, %d) = (%d, %d), want (%d, %d)", tc.h, tc.w, h, w, tc.wh, tc.ww)
		}
		if h%32 != 0 || w%32 != 0 {
			t.Errorf("SmartResize(%d, %d) not a multiple of 32: (%d, %d)", tc.h, tc.w, h, w)
		}
	}
}

func TestTileGridMatchesAspect(t *testing.T) {
	t.Parallel()

	p, err := NewProcessor(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if g := p.tileGrid(1000, 2000); g != (grid{cols: 4, rows: 2}) {
		t.Fatalf("tileGrid(1000, 2000) = %+v, want 4x2", g)
	}
	if g := p.tileGrid(600, 1200); g != (grid{cols: 2, rows: 1}) {
		t.Fatalf("tileGrid(600, 1200) = %+v, want 2x1", g)
	}
	if !p.tooLarge(1000, 2000) || p.tooLarge(512, 512) {
		t.Fatalf("unexpected tooLarge decision")
	}
}

func TestProcessSingleTile(t *testing.T) {
	t.Parallel()

	p, err := NewProcessor(smallConfig())
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Process(solid(12, 4, color.White))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if diff := cmp.Diff([]int{1, 16, 12}, b.PixelValues.Shape()); diff != "" {
		t.Fatalf("pixel shape (-want +got):\n%s", diff)
	}
	shapes, _ := b.SpatialShapes.Int64s()
	if diff := cmp.Diff([]int64{2, 6}, shapes); diff != "" {
		t.Fatalf("spatial shapes (-want +got):\n%s", diff)
	}
	mask, _ := b.Mask.Int64s()
	marked := 0
	for _, m := range mask {
		marked += int(m)
	}
	if marked != 12 {
		t.Fatalf("mask marks %d patches, want 12", marked)
	}
	if b.Tokens != 3 || b.Tiles != 1 {
		t.Fatalf("tokens=%d tiles=%d, want 3 and 1", b.Tokens, b.Tiles)
	}

	px, _ := b.PixelValues.Float32s()
	if math.Abs(float64(px[0])-1) > 1e-5 {
		t.Fatalf("white pixel normalized to %v, want 1", px[0])
	}
	for i := 12 * 12; i < len(px); i++ {
		if px[i] != 0 {
			t.Fatalf("padding value at %d is %v, want 0", i, px[i])
		}
	}
}

func TestProcessTilesWithThumbnail(t *testing.T) {
	t.Parallel()

	p, err := NewProcessor(smallConfig())
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Process(solid(32, 16, color.Black))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if b.Tiles != 3 {
		t.Fatalf("tiles = %d, want 2 tiles plus thumbnail", b.Tiles)
	}
	shapes, _ := b.SpatialShapes.Int64s()
	if diff := cmp.Diff([]int64{4, 4, 4, 4, 2, 4}, shapes); diff != "" {
		t.Fatalf("spatial shapes (-want +got):\n%s", diff)
	}
	if b.Tokens != 10 {
		t.Fatalf("tokens = %d, want 10", b.Tokens)
	}
}

func TestPatchifyOrder(t *testing.T) {
	t.Parallel()

	cfg := smallConfig()
	cfg.Mean = [3]float32{}
	cfg.Std = [3]float32{1, 1, 1}
	cfg.RescaleFactor = 1
	p, err := NewProcessor(cfg)
	if err != nil {
		t.Fatal(err)
	}
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x + 4*y), A: 255})
		}
	}
	b, err := p.patchify([]*image.RGBA{img})
	if err != nil {
		t.Fatal(err)
	}
	px, _ := b.PixelValues.Float32s()
	dim := 12
	// patch 1 is (py 0, px 1): pixels (2,0) (3,0) (2,1) (3,1).
	got := []float32{px[dim+0], px[dim+3], px[dim+6], px[dim+9]}
	if diff := cmp.Diff([]float32{2, 3, 6, 7}, got); diff != "" {
		t.Fatalf("patch layout (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()

	p, _ := NewProcessor(smallConfig())
	if _, err := p.Decode([]byte("not an image")); err == nil {
		t.Fatalf("expected decode error")
	}
	img, err := p.Decode(pngBytes(t, solid(3, 2, color.White)))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if img.Bounds().Dx() != 3 {
		t.Fatalf("unexpected bounds %v", img.Bounds())
	}
}

type imageGraph struct {
	mu      sync.Mutex
	hidden  int
	output  string
	calls   int
	failure error
	panics  bool
}

func (g *imageGraph) Name() string         { return "embed_images" }
func (g *imageGraph) InputNames() []string { return []string{InputPixelValues, InputPixelMask, InputSpatialShapes} }
func (g *imageGraph) OutputNames() []string {
	if g.output != "" {
		return []string{g.output}
	}
	return []string{OutputFeatures}
}
func (g *imageGraph) Close() error { return nil }

func (g *imageGraph) Run(_ context.Context, in map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.panics {
		panic("embedder exploded")
	}
	if g.failure != nil {
		return nil, g.failure
	}
	g.calls++
	shapes, err := in[InputSpatialShapes].Int64s()
	if err != nil {
		return nil, err
	}
	rows := 0
	for i := 0; i < len(shapes); i += 2 {
		rows += int(shapes[i]/2) * int(shapes[i+1]/2)
	}
	data := make([]float32, rows*g.hidden)
	for i := range data {
		data[i] = float32(g.calls)
	}
	return map[string]*tensor.Tensor{g.OutputNames()[0]: tensor.FromFloat32(data, rows, g.hidden)}, nil
}

func (g *imageGraph) runs() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func newTestCache(t *testing.T, g *imageGraph) *EmbeddingCache {
	t.Helper()
	p, err := NewProcessor(smallConfig())
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewEmbeddingCache(CacheOptions{Graph: g, Processor: p, Hidden: g.hidden, Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestEmbeddingsReuseCachedBuffer(t *testing.T) {
	t.Parallel()

	g := &imageGraph{hidden: 3}
	c := newTestCache(t, g)
	ref := dataURL(t, solid(8, 8, color.White))

	first, total, per, err := c.Embeddings(context.Background(), []string{ref})
	if err != nil {
		t.Fatalf("embeddings: %v", err)
	}
	if total != 4 || len(first) != 4*3 {
		t.Fatalf("total=%d len=%d, want 4 rows of 3", total, len(first))
	}
	if diff := cmp.Diff([]int{4}, per); diff != "" {
		t.Fatalf("per image (-want +got):\n%s", diff)
	}

	second, _, _, err := c.Embeddings(context.Background(), []string{ref})
	if err != nil {
		t.Fatalf("second embeddings: %v", err)
	}
	if g.runs() != 1 {
		t.Fatalf("image embedder ran %d times, want 1", g.runs())
	}
	if &first[0] != &second[0] {
		t.Fatalf("second call returned a different buffer")
	}
}

func TestEmbeddingsOrderAndDedupe(t *testing.T) {
	t.Parallel()

	g := &imageGraph{hidden: 2}
	c := newTestCache(t, g)
	a := dataURL(t, solid(8, 8, color.White))
	b := dataURL(t, solid(12, 4, color.Black))

	buf, total, per, err := c.Embeddings(context.Background(), []string{a, b, a})
	if err != nil {
		t.Fatalf("embeddings: %v", err)
	}
	if g.runs() != 2 {
		t.Fatalf("image embedder ran %d times, want 2", g.runs())
	}
	if diff := cmp.Diff([]int{4, 3, 4}, per); diff != "" {
		t.Fatalf("per image (-want +got):\n%s", diff)
	}
	if total != 11 || len(buf) != 11*2 {
		t.Fatalf("total=%d len=%d", total, len(buf))
	}
	// a was embedded first (value 1), b second (value 2).
	if buf[0] != 1 || buf[8] != 2 || buf[len(buf)-1] != 1 {
		t.Fatalf("concatenation out of order: %v", buf)
	}
}

func TestEmbeddingsClear(t *testing.T) {
	t.Parallel()

	g := &imageGraph{hidden: 2}
	c := newTestCache(t, g)
	ref := dataURL(t, solid(8, 8, color.White))
	if _, _, _, err := c.Embeddings(context.Background(), []string{ref}); err != nil {
		t.Fatal(err)
	}
	c.Clear()
	if _, _, _, err := c.Embeddings(context.Background(), []string{ref}); err != nil {
		t.Fatal(err)
	}
	if g.runs() != 2 {
		t.Fatalf("expected a fresh embedder run after Clear, got %d runs", g.runs())
	}
}

func TestEmbeddingsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	g := &imageGraph{hidden: 2, failure: boom}
	c := newTestCache(t, g)
	ref := dataURL(t, solid(8, 8, color.White))
	if _, _, _, err := c.Embeddings(context.Background(), []string{ref}); !errors.Is(err, boom) {
		t.Fatalf("expected graph error, got %v", err)
	}
	if _, _, _, err := c.Embeddings(context.Background(), []string{"data:image/png;base64,AAAA"}); err == nil {
		t.Fatalf("expected decode error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, _, err := c.Embeddings(ctx, []string{ref}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEmbeddingsFallbackOutputName(t *testing.T) {
	t.Parallel()

	g := &imageGraph{hidden: 2, output: "last_hidden_state"}
	c := newTestCache(t, g)
	_, total, _, err := c.Embeddings(context.Background(), []string{dataURL(t, solid(8, 8, color.White))})
	if err != nil {
		t.Fatalf("embeddings: %v", err)
	}
	if total != 4 {
		t.Fatalf("total = %d, want 4", total)
	}
}

func TestNewEmbeddingCacheValidates(t *testing.T) {
	t.Parallel()

	if _, err := NewEmbeddingCache(CacheOptions{Hidden: 2}); err == nil {
		t.Fatalf("expected error without graph")
	}
	if _, err := NewEmbeddingCache(CacheOptions{Graph: &imageGraph{}}); err == nil {
		t.Fatalf("expected error without hidden size")
	}
}

func TestEmbeddingsRecoverGraphPanics(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, &imageGraph{hidden: 2, panics: true})
	_, _, _, err := c.Embeddings(context.Background(), []string{dataURL(t, solid(8, 8, color.White))})
	if err == nil || !strings.Contains(err.Error(), "panic in embed_images") {
		t.Fatalf("expected converted panic, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("failed embedding was cached")
	}
}

func TestEmbeddingsOverLimitWarns(t *testing.T) {
	t.Parallel()

	p, err := NewProcessor(smallConfig())
	if err != nil {
		t.Fatal(err)
	}
	var logs bytes.Buffer
	g := &imageGraph{hidden: 3}
	// 4 rows of 3 float32s weigh 48 bytes.
	c, err := NewEmbeddingCache(CacheOptions{
		Graph:     g,
		Processor: p,
		Hidden:    3,
		MaxBytes:  16,
		Logger:    logger.Text(&logs, slog.LevelDebug),
	})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	ref := dataURL(t, solid(8, 8, color.White))
	for range 2 {
		if _, total, _, err := c.Embeddings(context.Background(), []string{ref}); err != nil || total != 4 {
			t.Fatalf("embeddings: total=%d err=%v", total, err)
		}
	}
	if g.runs() != 2 {
		t.Fatalf("image embedder ran %d times, want 2 for an uncacheable embedding", g.runs())
	}
	if !strings.Contains(logs.String(), "exceeds cache limit") {
		t.Fatalf("missing over-limit warning in logs:\n%s", logs.String())
	}
}
