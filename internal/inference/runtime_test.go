package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samcharles93/prism/internal/artifact"
	"github.com/samcharles93/prism/internal/graph"
	"github.com/samcharles93/prism/internal/logger"
)

// hubTokenizer is a byte-level vocab of single letters ("a" is 1) with an
// unknown token and the LFM2-VL added tokens.
func hubTokenizer() string {
	var vocab strings.Builder
	vocab.WriteString(`"<unk>":0`)
	for i := 1; i <= 25; i++ {
		fmt.Fprintf(&vocab, `,%q:%d`, string(rune('a'+i-1)), i)
	}
	return `{
  "model": {"type": "BPE", "unk_token": "<unk>", "vocab": {` + vocab.String() + `}, "merges": []},
  "added_tokens": [
    {"id": 26, "content": "<|image_start|>", "special": true},
    {"id": 27, "content": "<|image_end|>", "special": true},
    {"id": 28, "content": "<image>", "special": true},
    {"id": 29, "content": "<|im_start|>", "special": true},
    {"id": 30, "content": "<|endoftext|>", "special": true},
    {"id": 31, "content": "<|im_end|>", "special": true}
  ]
}`
}

func hubFiles() map[string][]byte {
	return map[string][]byte{
		"/m/config.json":                    []byte(`{"model_type":"lfm2-vl","text_config":{"hidden_size":4,"num_attention_heads":2,"num_key_value_heads":2,"head_dim":3,"num_hidden_layers":3,"conv_L_cache":3,"vocab_size":32}}`),
		"/m/tokenizer.json":                 []byte(hubTokenizer()),
		"/m/tokenizer_config.json":          []byte(`{"add_bos_token": false, "eos_token": "<|im_end|>"}`),
		"/m/preprocessor_config.json":       []byte(`{"encoder_patch_size":2,"downsample_factor":2,"tile_size":8,"min_image_tokens":1,"max_image_tokens":4,"max_num_patches":16,"max_tiles":4}`),
		"/m/onnx/embed_tokens.onnx":         []byte("tokens"),
		"/m/onnx/embed_images.onnx":         []byte("images"),
		"/m/onnx/decoder_model_merged.onnx": []byte("decoder"),
	}
}

func newHub(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "f", time.Time{}, bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRuntime(t *testing.T, engine graph.Engine, strict bool) *Runtime {
	t.Helper()
	store, err := artifact.New(artifact.Options{
		Dir:    t.TempDir(),
		Quota:  artifact.QuotaFunc(func(int64) (int64, error) { return 1 << 40, nil }),
		Logger: logger.Discard(),
	})
	if err != nil {
		t.Fatalf("artifact cache: %v", err)
	}
	r, err := NewRuntime(Options{Store: store, Engine: engine, Logger: logger.Discard(), StrictImageTokens: strict})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	return r
}

func whiteImage(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := range 8 {
		for x := range 8 {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func loadRuntime(t *testing.T, engine *fakeEngine, strict bool) *Runtime {
	t.Helper()
	srv := newHub(t, hubFiles())
	r := newRuntime(t, engine, strict)
	if err := r.Load(context.Background(), srv.URL+"/m", LoadOptions{Device: "cpu"}); err != nil {
		t.Fatalf("load: %v", err)
	}
	return r
}

func TestRuntimeLoadAndGenerate(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	srv := newHub(t, hubFiles())
	r := newRuntime(t, engine, false)

	var mu sync.Mutex
	done := map[string]bool{}
	err := r.Load(context.Background(), srv.URL+"/m", LoadOptions{
		Device: "cpu",
		Progress: func(ev graph.ProgressEvent) {
			mu.Lock()
			defer mu.Unlock()
			if ev.Status == graph.StatusDone {
				done[ev.File] = true
			}
		},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, f := range []string{"config.json", "tokenizer.json", "tokenizer_config.json", "onnx/decoder_model_merged.onnx"} {
		if !done[f] {
			t.Fatalf("no done event for %s (got %v)", f, done)
		}
	}
	if got := strings.Join(engine.loaded(), ","); got != "embed_tokens,embed_images,decoder" {
		t.Fatalf("graphs loaded in order %s", got)
	}

	cfg, err := r.Config()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HiddenSize != 4 || cfg.Special.Image != 28 || cfg.Special.EOS != 31 || cfg.Special.ImageStart != 26 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	var streamed strings.Builder
	res, err := r.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}}, GenerateOptions{
		MaxNewTokens: 3,
		OnToken: func(text string, _ int) bool {
			streamed.WriteString(text)
			return false
		},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "abc" || streamed.String() != "abc" {
		t.Fatalf("text=%q streamed=%q, want abc", res.Text, streamed.String())
	}
	if res.Stats.PromptTokens == 0 || res.Stats.StopReason != StopLength {
		t.Fatalf("unexpected stats %+v", res.Stats)
	}
}

func TestRuntimeImagesAreEmbeddedOnce(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	r := loadRuntime(t, engine, true)
	img := whiteImage(t)
	msgs := []Message{{Role: "user", Content: "describe"}}

	for range 2 {
		res, err := r.Generate(context.Background(), msgs, GenerateOptions{MaxNewTokens: 2, Images: []string{img}})
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if res.Stats.ImageTokens != 4 {
			t.Fatalf("image tokens = %d, want 4", res.Stats.ImageTokens)
		}
	}
	if engine.images.runs() != 1 {
		t.Fatalf("image embedder ran %d times, want 1", engine.images.runs())
	}

	r.ClearImageCache()
	if _, err := r.Generate(context.Background(), msgs, GenerateOptions{MaxNewTokens: 1, Images: []string{img}}); err != nil {
		t.Fatal(err)
	}
	if engine.images.runs() != 2 {
		t.Fatalf("image embedder ran %d times after clear, want 2", engine.images.runs())
	}
}

func TestRuntimeStrictImageTokens(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	r := loadRuntime(t, engine, true)
	img := whiteImage(t)

	// A literal placeholder in the text adds a marker no image backs.
	msgs := []Message{{Role: "user", Content: "<image> twice"}}
	_, err := r.Generate(context.Background(), msgs, GenerateOptions{MaxNewTokens: 1, Images: []string{img}})
	if !errors.Is(err, ErrImageTokenMismatch) {
		t.Fatalf("expected ErrImageTokenMismatch, got %v", err)
	}
	if !r.Loaded() {
		t.Fatalf("a failed generate must leave the model loaded")
	}
	if _, err := r.Generate(context.Background(), []Message{{Role: "user", Content: "ok"}}, GenerateOptions{MaxNewTokens: 1}); err != nil {
		t.Fatalf("generate after failure: %v", err)
	}
}

func TestRuntimeDisposeResilience(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	engine.images.err = errors.New("release failed")
	r := loadRuntime(t, engine, false)
	m := r.model

	r.Dispose()
	if !engine.tokens.closed || !engine.images.closed || !engine.decoder.closed {
		t.Fatalf("every graph must be released: tokens=%v images=%v decoder=%v",
			engine.tokens.closed, engine.images.closed, engine.decoder.closed)
	}
	if m.tok != nil {
		t.Fatalf("tokenizer reference not cleared")
	}
	if r.Loaded() {
		t.Fatalf("runtime still loaded after dispose")
	}
	r.Dispose()

	_, err := r.Generate(context.Background(), []Message{{Role: "user", Content: "x"}}, GenerateOptions{})
	if !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
}

func TestRuntimeLoadFailureReleasesGraphs(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	engine.fail = "decoder"
	srv := newHub(t, hubFiles())
	r := newRuntime(t, engine, false)

	err := r.Load(context.Background(), srv.URL+"/m", LoadOptions{})
	if !errors.Is(err, graph.ErrGraphLoad) {
		t.Fatalf("expected ErrGraphLoad, got %v", err)
	}
	var le *graph.LoadError
	if !errors.As(err, &le) || le.Graph != "decoder" || le.Hint == "" {
		t.Fatalf("expected decoder LoadError with a hint, got %v", err)
	}
	if !engine.tokens.closed || !engine.images.closed {
		t.Fatalf("graphs built before the failure must be released")
	}
	if r.Loaded() {
		t.Fatalf("runtime loaded after a failed load")
	}
}

func TestRuntimeLoadMissingDocument(t *testing.T) {
	t.Parallel()

	files := hubFiles()
	delete(files, "/m/tokenizer.json")
	srv := newHub(t, files)
	r := newRuntime(t, newFakeEngine(), false)
	err := r.Load(context.Background(), srv.URL+"/m", LoadOptions{})
	if err == nil || !artifact.NotFound(err) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestRuntimeCacheOperations(t *testing.T) {
	t.Parallel()

	r := loadRuntime(t, newFakeEngine(), false)
	usage, err := r.CacheInfo()
	if err != nil {
		t.Fatalf("cache info: %v", err)
	}
	if usage.Used <= 0 {
		t.Fatalf("expected cached bytes after load, got %+v", usage)
	}
	cleared, err := r.ClearModelCache()
	if err != nil || !cleared {
		t.Fatalf("clear: %v %v", cleared, err)
	}
	if !r.Loaded() {
		t.Fatalf("clearing the artifact cache must not unload the model")
	}
}

func TestNewRuntimeValidates(t *testing.T) {
	t.Parallel()

	if _, err := NewRuntime(Options{Engine: newFakeEngine()}); err == nil {
		t.Fatalf("expected error without store")
	}
	r := newRuntime(t, newFakeEngine(), false)
	if _, err := r.Config(); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
}

func TestRuntimePrefetch(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	srv := newHub(t, hubFiles())
	r := newRuntime(t, engine, false)

	n, err := r.Prefetch(context.Background(), srv.URL+"/m", graph.Quantization{}, nil)
	if err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	if want := int64(len("tokens") + len("images") + len("decoder")); n != want {
		t.Fatalf("prefetched %d graph bytes, want %d", n, want)
	}
	if len(engine.loaded()) != 0 || r.Loaded() {
		t.Fatalf("prefetch must not load graphs")
	}
	usage, err := r.CacheInfo()
	if err != nil || usage.Used == 0 {
		t.Fatalf("cache empty after prefetch: %+v %v", usage, err)
	}
}
