package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samcharles93/prism/internal/artifact"
	"github.com/samcharles93/prism/internal/graph"
	"github.com/samcharles93/prism/internal/logger"
	"github.com/samcharles93/prism/internal/tensor"
	"github.com/samcharles93/prism/internal/tokenizer"
	"github.com/samcharles93/prism/internal/vision"
)

// Store is the artifact cache surface the runtime uses.
type Store interface {
	graph.Fetcher
	Info() (artifact.Usage, error)
	Clear() (bool, error)
}

type Options struct {
	Store  Store
	Engine graph.Engine
	// HubURL is the base for repository ids. Defaults to DefaultHubURL.
	HubURL string
	Logger logger.Logger
	// StrictImageTokens fails generation when image markers and image
	// embedding rows disagree instead of truncating to the shorter count.
	StrictImageTokens bool
	// ChatTemplate overrides the tokenizer's template, inline or as a path.
	ChatTemplate    string
	ImageCacheBytes int64
	ImageSource     *vision.Source
	// Shards overrides per-file external data counts.
	Shards map[string]int
}

// Runtime owns one loaded model. A single mutex serializes every operation,
// so no two graph runs ever overlap.
type Runtime struct {
	mu    sync.Mutex
	opts  Options
	log   logger.Logger
	model *loadedModel
}

type loadedModel struct {
	path      string
	cfg       ModelConfig
	tok       *tokenizer.HFTokenizer
	graphs    *graph.Set
	layout    *slotLayout
	images    *vision.EmbeddingCache
	template  string
	stop      []int
	defaults  GenDefaults
	positions bool
}

func NewRuntime(opts Options) (*Runtime, error) {
	if opts.Store == nil {
		return nil, errors.New("runtime: artifact store is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("runtime: graph engine is required")
	}
	if opts.HubURL == "" {
		opts.HubURL = DefaultHubURL
	}
	return &Runtime{opts: opts, log: logger.Component(opts.Logger, "runtime")}, nil
}

func (r *Runtime) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model != nil
}

// Config returns the loaded model's configuration.
func (r *Runtime) Config() (ModelConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model == nil {
		return ModelConfig{}, ErrNotLoaded
	}
	return r.model.cfg, nil
}

// Generate renders messages, embeds any images, and decodes greedily. A
// failed call leaves the model loaded.
func (r *Runtime) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (*Result, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.model
	if m == nil {
		return nil, ErrNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = resolveGenerate(opts, m.defaults)

	prompt, refs, err := m.renderPrompt(messages, opts)
	if err != nil {
		return nil, err
	}
	ids, err := safeEncode(m.tok, prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}

	var images []float32
	imageTokens := 0
	if len(refs) > 0 {
		var perImage []int
		images, imageTokens, perImage, err = m.images.Embeddings(ctx, refs)
		if err != nil {
			return nil, fmt.Errorf("embed images: %w", err)
		}
		var markers int
		ids, markers = ExpandImageTokens(ids, perImage, m.cfg.Special)
		if markers != len(refs) {
			r.log.Warn("image placeholders do not match images", "placeholders", markers, "images", len(refs))
		}
	}

	gen := m.generator(r.log)
	text, err := gen.embedTokens(ctx, ids)
	if err != nil {
		return nil, err
	}
	textRows, err := text.Float32s()
	if err != nil {
		return nil, err
	}
	combined, err := ComposeEmbeddings(ids, textRows, images, m.cfg.HiddenSize, m.cfg.Special.Image, r.opts.StrictImageTokens, r.log)
	if err != nil {
		return nil, err
	}

	res, err := gen.run(ctx, tensor.FromFloat32(combined, 1, len(ids), m.cfg.HiddenSize), opts.MaxNewTokens, opts.OnToken)
	if err != nil {
		return nil, err
	}
	res.Stats.PromptTokens = len(ids)
	res.Stats.ImageTokens = imageTokens
	r.log.Info("generation finished",
		"prompt_tokens", res.Stats.PromptTokens,
		"images", len(refs),
		"tokens", res.Stats.TokensGenerated,
		"stop", res.Stats.StopReason,
		"tps", fmt.Sprintf("%.2f", res.Stats.TPS),
	)
	return res, nil
}

func (m *loadedModel) generator(log logger.Logger) *generator {
	return &generator{
		embed:     m.graphs.EmbedTokens,
		decoder:   m.graphs.Decoder,
		layout:    m.layout,
		cfg:       m.cfg,
		tok:       m.tok,
		stop:      m.stop,
		positions: m.positions,
		log:       log,
	}
}

// CacheInfo reports artifact cache usage in bytes.
func (r *Runtime) CacheInfo() (artifact.Usage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts.Store.Info()
}

// ClearModelCache removes every cached artifact. Loaded graphs are not
// affected.
func (r *Runtime) ClearModelCache() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts.Store.Clear()
}

// ClearImageCache forgets memoized image embeddings. Call it when a new
// conversation begins.
func (r *Runtime) ClearImageCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model != nil {
		r.model.images.Clear()
	}
}

// Dispose releases the loaded model. Release failures are logged per graph
// and never returned. Safe to call more than once.
func (r *Runtime) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposeLocked()
}

func (r *Runtime) disposeLocked() {
	m := r.model
	if m == nil {
		return
	}
	r.model = nil
	start := time.Now()
	if m.images != nil {
		m.images.Clear()
	}
	m.tok = nil
	failed := m.graphs.Release(r.log)
	r.log.Info("model released", "model", m.path, "failures", failed, "elapsed", time.Since(start).Round(time.Millisecond))
}

func safeEncode(tok tokenizer.Tokenizer, prompt string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(prompt)
}
