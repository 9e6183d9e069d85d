package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/samcharles93/prism/internal/artifact"
	"github.com/samcharles93/prism/internal/graph"
	"github.com/samcharles93/prism/internal/logger"
	"github.com/samcharles93/prism/internal/tokenizer"
	"github.com/samcharles93/prism/internal/vision"
)

const (
	DefaultHubURL = "https://huggingface.co"

	GenerationConfigFile = "generation_config.json"
)

// ResolveModelURL maps a model path to the base URL its files live under.
// modelPath is an http(s) or file URL, a local directory, or a hub
// repository id "org/name" with an optional "@revision".
func ResolveModelURL(hub, modelPath string) (string, error) {
	p := strings.TrimSpace(modelPath)
	switch {
	case p == "":
		return "", errors.New("model path is required")
	case strings.HasPrefix(p, "http://"), strings.HasPrefix(p, "https://"), strings.HasPrefix(p, "file://"):
		return strings.TrimRight(p, "/"), nil
	}
	if info, err := os.Stat(p); err == nil && info.IsDir() {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		return "file://" + filepath.ToSlash(abs), nil
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, ".") {
		return "", fmt.Errorf("model directory %s not found", p)
	}
	repo, rev, _ := strings.Cut(p, "@")
	if rev == "" {
		rev = "main"
	}
	if parts := strings.Split(repo, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("model %q: expected org/name", modelPath)
	}
	if hub == "" {
		hub = DefaultHubURL
	}
	return strings.TrimRight(hub, "/") + "/" + repo + "/resolve/" + rev, nil
}

// Load fetches the model documents and graphs and makes the runtime ready.
// Any previously loaded model is released first. On failure the runtime
// stays unloaded and nothing partially built is retained.
func (r *Runtime) Load(ctx context.Context, modelPath string, opts LoadOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposeLocked()

	base, err := ResolveModelURL(r.opts.HubURL, modelPath)
	if err != nil {
		return err
	}
	if opts.Device == "" {
		opts.Device = "auto"
	}
	start := time.Now()
	log := r.log.With("model", modelPath)
	log.Info("loading model", "base", base, "device", opts.Device, "quantization", opts.Quantization.String())

	m, err := r.load(logger.WithContext(ctx, r.log), base, opts)
	if err != nil {
		log.Error("model load failed", "error", err)
		return err
	}
	m.path = modelPath
	r.model = m
	conv, kv := m.layout.counts()
	log.Info("model ready",
		"arch", m.cfg.Arch,
		"hidden", m.cfg.HiddenSize,
		"conv_slots", conv,
		"kv_slots", kv,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// Prefetch downloads a model's documents and graph files into the artifact
// cache without loading anything. It returns the graph bytes fetched.
func (r *Runtime) Prefetch(ctx context.Context, modelPath string, q graph.Quantization, progress graph.ProgressFunc) (int64, error) {
	base, err := ResolveModelURL(r.opts.HubURL, modelPath)
	if err != nil {
		return 0, err
	}
	docs := &documents{store: r.opts.Store, base: base, progress: progress, seen: map[string][]byte{}}
	for _, name := range []string{ModelConfigFile, tokenizer.TokenizerFile, tokenizer.ConfigFile} {
		if _, err := docs.Resolve(ctx, name); err != nil {
			return 0, err
		}
	}
	for _, name := range []string{GenerationConfigFile, vision.ConfigFile} {
		if _, _, err := docs.optional(ctx, name); err != nil {
			return 0, err
		}
	}
	loader := &graph.Loader{Fetcher: r.opts.Store, Shards: r.opts.Shards, Logger: r.log}
	return loader.Prefetch(ctx, base, q, progress)
}

func (r *Runtime) load(ctx context.Context, base string, opts LoadOptions) (*loadedModel, error) {
	docs := &documents{store: r.opts.Store, base: base, progress: opts.Progress, seen: map[string][]byte{}}

	raw, err := docs.Resolve(ctx, ModelConfigFile)
	if err != nil {
		return nil, err
	}
	cfg, imageIndex, err := ParseModelConfig(raw)
	if err != nil {
		return nil, err
	}

	tok, special, err := tokenizer.Load(ctx, docs)
	if err != nil {
		return nil, err
	}
	if special.Image < 0 && imageIndex != nil {
		special.Image = *imageIndex
		r.log.Info("image marker taken from model config", "id", special.Image)
	}
	cfg.Special = special
	if cfg.VocabSize == 0 {
		cfg.VocabSize = tok.VocabSize()
	}
	template, source := ResolveChatTemplate(r.opts.ChatTemplate, docs.seen[tokenizer.ConfigFile])
	r.log.Debug("chat template", "source", source)

	var defaults GenDefaults
	if raw, ok, err := docs.optional(ctx, GenerationConfigFile); err != nil {
		return nil, err
	} else if ok {
		defaults = parseGenerationDefaults(raw)
	}
	vcfg := vision.DefaultConfig()
	if raw, ok, err := docs.optional(ctx, vision.ConfigFile); err != nil {
		return nil, err
	} else if ok {
		if vcfg, err = vision.ParseConfig(raw); err != nil {
			return nil, err
		}
	}
	proc, err := vision.NewProcessor(vcfg)
	if err != nil {
		return nil, err
	}

	loader := &graph.Loader{Fetcher: r.opts.Store, Engine: r.opts.Engine, Shards: r.opts.Shards, Logger: r.log}
	set, err := loader.Load(ctx, base, opts.Device, opts.Quantization, opts.Progress)
	if err != nil {
		return nil, err
	}
	m, err := r.assemble(set, cfg, tok, proc)
	if err != nil {
		set.Release(r.log)
		return nil, err
	}
	m.template = template
	m.defaults = defaults
	m.stop = BuildStopTokens(special, tok.EOSID(), defaults.EOSTokenIDs)
	return m, nil
}

func (r *Runtime) assemble(set *graph.Set, cfg ModelConfig, tok *tokenizer.HFTokenizer, proc *vision.Processor) (*loadedModel, error) {
	inputs := set.Decoder.InputNames()
	for _, name := range []string{inputsEmbeds, attentionMask} {
		if !slices.Contains(inputs, name) {
			return nil, fmt.Errorf("decoder: missing input %q", name)
		}
	}
	layout, err := parseSlotLayout(inputs, set.Decoder.OutputNames())
	if err != nil {
		return nil, err
	}
	images, err := vision.NewEmbeddingCache(vision.CacheOptions{
		Graph:     set.EmbedImages,
		Processor: proc,
		Source:    r.opts.ImageSource,
		Hidden:    cfg.HiddenSize,
		MaxBytes:  r.opts.ImageCacheBytes,
		Logger:    r.log,
	})
	if err != nil {
		return nil, err
	}
	return &loadedModel{
		cfg:       cfg,
		tok:       tok,
		graphs:    set,
		layout:    layout,
		images:    images,
		positions: slices.Contains(inputs, positionIDs),
	}, nil
}

// documents resolves named model documents through the artifact store and
// remembers what it fetched.
type documents struct {
	store    Store
	base     string
	progress graph.ProgressFunc
	seen     map[string][]byte
}

func (d *documents) Resolve(ctx context.Context, name string) ([]byte, error) {
	if data, ok := d.seen[name]; ok {
		return data, nil
	}
	data, err := d.store.Fetch(ctx, d.base+"/"+name, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	d.seen[name] = data
	if d.progress != nil {
		d.progress(graph.ProgressEvent{Status: graph.StatusDone, Progress: 100, File: name})
	}
	return data, nil
}

// optional resolves a document that models may omit.
func (d *documents) optional(ctx context.Context, name string) ([]byte, bool, error) {
	data, err := d.Resolve(ctx, name)
	if err == nil {
		return data, true, nil
	}
	if artifact.NotFound(err) || errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	return nil, false, err
}

var _ tokenizer.DocumentResolver = (*documents)(nil)
