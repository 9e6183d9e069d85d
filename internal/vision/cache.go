package vision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"runtime"
	"slices"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/prism/internal/graph"
	"github.com/samcharles93/prism/internal/logger"
	"github.com/samcharles93/prism/internal/tensor"
)

// Image embedder tensor names.
const (
	InputPixelValues   = "pixel_values"
	InputPixelMask     = "pixel_attention_mask"
	InputSpatialShapes = "spatial_shapes"
	OutputFeatures     = "image_features"
)

const DefaultCacheBytes = 512 << 20

// Embedding is the image embedder output for one image: Tokens rows of the
// model's hidden width.
type Embedding struct {
	Data   []float32
	Tokens int
}

func (e *Embedding) weight() uint32 {
	return uint32(min(int64(len(e.Data))*4, math.MaxUint32))
}

type CacheOptions struct {
	Graph     graph.Graph
	Processor *Processor
	Source    *Source
	Hidden    int
	// MaxBytes bounds the memoized embeddings by size.
	MaxBytes int64
	// Parallel bounds concurrent image decoding. Defaults to GOMAXPROCS.
	Parallel int
	Logger   logger.Logger
}

// EmbeddingCache memoizes image embeddings by image reference. Entries live
// until Clear or until size pressure evicts them.
type EmbeddingCache struct {
	graph    graph.Graph
	output   string
	proc     *Processor
	source   *Source
	hidden   int
	parallel int
	maxBytes int64
	log      logger.Logger
	cache    *otter.Cache[string, *Embedding]
}

func NewEmbeddingCache(opts CacheOptions) (*EmbeddingCache, error) {
	if opts.Graph == nil {
		return nil, errors.New("vision: image embedder graph is required")
	}
	if opts.Hidden <= 0 {
		return nil, fmt.Errorf("vision: invalid hidden size %d", opts.Hidden)
	}
	c := &EmbeddingCache{
		graph:    opts.Graph,
		output:   OutputFeatures,
		proc:     opts.Processor,
		source:   opts.Source,
		hidden:   opts.Hidden,
		parallel: opts.Parallel,
		log:      logger.Component(opts.Logger, "vision"),
	}
	if c.proc == nil {
		p, err := NewProcessor(DefaultConfig())
		if err != nil {
			return nil, err
		}
		c.proc = p
	}
	if c.source == nil {
		c.source = &Source{}
	}
	if c.parallel <= 0 {
		c.parallel = runtime.GOMAXPROCS(0)
	}
	if outs := opts.Graph.OutputNames(); len(outs) > 0 && !slices.Contains(outs, OutputFeatures) {
		c.output = outs[0]
	}

	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultCacheBytes
	}
	c.maxBytes = maxBytes
	cache, err := otter.New(&otter.Options[string, *Embedding]{
		MaximumWeight: uint64(maxBytes),
		Weigher:       func(_ string, e *Embedding) uint32 { return e.weight() },
		OnDeletion:    c.evicted,
	})
	if err != nil {
		return nil, fmt.Errorf("vision: create cache: %w", err)
	}
	c.cache = cache
	return c, nil
}

func (c *EmbeddingCache) evicted(ev otter.DeletionEvent[string, *Embedding]) {
	if ev.WasEvicted() {
		c.log.Debug("image embedding evicted", "key", ev.Key, "cause", ev.Cause)
	}
}

// Embeddings returns the concatenated embeddings of refs in input order, the
// total row count, and the row count of each image. Missing images are
// decoded concurrently and embedded one at a time. A single image returns
// the cached buffer itself; callers must not modify it.
func (c *EmbeddingCache) Embeddings(ctx context.Context, refs []string) ([]float32, int, []int, error) {
	if len(refs) == 0 {
		return nil, 0, nil, nil
	}

	found := make(map[string]*Embedding, len(refs))
	var misses []string
	for _, ref := range refs {
		if _, ok := found[ref]; ok || slices.Contains(misses, ref) {
			continue
		}
		if e, ok := c.cache.GetIfPresent(cacheKey(ref)); ok {
			found[ref] = e
			continue
		}
		misses = append(misses, ref)
	}

	if len(misses) > 0 {
		batches, err := c.prepare(ctx, misses)
		if err != nil {
			return nil, 0, nil, err
		}
		for i, ref := range misses {
			if err := ctx.Err(); err != nil {
				return nil, 0, nil, err
			}
			start := time.Now()
			e, err := c.embed(ctx, batches[i])
			if err != nil {
				return nil, 0, nil, fmt.Errorf("image %d: %w", i, err)
			}
			if w := int64(e.weight()); w > c.maxBytes {
				c.log.Warn("image embedding exceeds cache limit, not retained", "bytes", w, "limit", c.maxBytes)
			} else {
				c.cache.Set(cacheKey(ref), e)
			}
			found[ref] = e
			c.log.Debug("image embedded", "tiles", batches[i].Tiles, "tokens", e.Tokens, "elapsed", time.Since(start).Round(time.Millisecond))
		}
	}

	perImage := make([]int, len(refs))
	total := 0
	for i, ref := range refs {
		perImage[i] = found[ref].Tokens
		total += perImage[i]
	}
	if len(refs) == 1 {
		return found[refs[0]].Data, total, perImage, nil
	}
	buf := make([]float32, 0, total*c.hidden)
	for _, ref := range refs {
		buf = append(buf, found[ref].Data...)
	}
	return buf, total, perImage, nil
}

func (c *EmbeddingCache) prepare(ctx context.Context, refs []string) ([]*Batch, error) {
	batches := make([]*Batch, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)
	for i, ref := range refs {
		g.Go(func() error {
			data, err := c.source.Load(gctx, ref)
			if err != nil {
				return err
			}
			img, err := c.proc.Decode(data)
			if err != nil {
				return err
			}
			b, err := c.proc.Process(img)
			if err != nil {
				return err
			}
			batches[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batches, nil
}

func (c *EmbeddingCache) embed(ctx context.Context, b *Batch) (*Embedding, error) {
	out, err := c.run(ctx, map[string]*tensor.Tensor{
		InputPixelValues:   b.PixelValues,
		InputPixelMask:     b.Mask,
		InputSpatialShapes: b.SpatialShapes,
	})
	if err != nil {
		return nil, err
	}
	feat, ok := out[c.output]
	if !ok {
		return nil, fmt.Errorf("image embedder returned no %q output", c.output)
	}
	data, err := feat.Float32s()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%c.hidden != 0 {
		return nil, fmt.Errorf("image features %s do not divide into rows of %d", feat, c.hidden)
	}
	rows := len(data) / c.hidden
	if rows != b.Tokens {
		c.log.Debug("image token count differs from patch estimate", "rows", rows, "estimate", b.Tokens)
	}
	return &Embedding{Data: data, Tokens: rows}, nil
}

// Clear drops every memoized embedding. Callers clear when a new
// conversation begins.
func (c *EmbeddingCache) Clear() {
	c.cache.InvalidateAll()
}

func (c *EmbeddingCache) Len() int {
	return c.cache.EstimatedSize()
}

// cacheKey keeps long inline references out of the key space.
func cacheKey(ref string) string {
	if len(ref) <= 256 {
		return ref
	}
	sum := sha256.Sum256([]byte(ref))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (c *EmbeddingCache) run(ctx context.Context, inputs map[string]*tensor.Tensor) (out map[string]*tensor.Tensor, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s: %v", c.graph.Name(), rec)
		}
	}()
	return c.graph.Run(ctx, inputs)
}
