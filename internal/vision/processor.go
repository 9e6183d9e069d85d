package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"slices"

	"github.com/goccy/go-json"
	_ "golang.org/x/image/webp"

	"github.com/samcharles93/prism/internal/tensor"
)

const ConfigFile = "preprocessor_config.json"

// Config holds the LFM2-VL image processor parameters.
type Config struct {
	PatchSize          int        `json:"encoder_patch_size"`
	DownsampleFactor   int        `json:"downsample_factor"`
	TileSize           int        `json:"tile_size"`
	MinImageTokens     int        `json:"min_image_tokens"`
	MaxImageTokens     int        `json:"max_image_tokens"`
	MaxNumPatches      int        `json:"max_num_patches"`
	MinTiles           int        `json:"min_tiles"`
	MaxTiles           int        `json:"max_tiles"`
	Split              bool       `json:"do_image_splitting"`
	Thumbnail          bool       `json:"use_thumbnail"`
	MaxPixelsTolerance float64    `json:"max_pixels_tolerance"`
	Mean               [3]float32 `json:"image_mean"`
	Std                [3]float32 `json:"image_std"`
	RescaleFactor      float32    `json:"rescale_factor"`
}

func DefaultConfig() Config {
	return Config{
		PatchSize:          16,
		DownsampleFactor:   2,
		TileSize:           512,
		MinImageTokens:     64,
		MaxImageTokens:     256,
		MaxNumPatches:      1024,
		MinTiles:           2,
		MaxTiles:           10,
		Split:              true,
		Thumbnail:          true,
		MaxPixelsTolerance: 2.0,
		Mean:               [3]float32{0.5, 0.5, 0.5},
		Std:                [3]float32{0.5, 0.5, 0.5},
		RescaleFactor:      1.0 / 255.0,
	}
}

// ParseConfig overlays a preprocessor document on the defaults.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.PatchSize <= 0, c.DownsampleFactor <= 0:
		return errors.New("vision: patch size and downsample factor must be positive")
	case c.MinImageTokens <= 0 || c.MaxImageTokens < c.MinImageTokens:
		return fmt.Errorf("vision: invalid image token range [%d, %d]", c.MinImageTokens, c.MaxImageTokens)
	case c.Split && (c.TileSize%c.factor() != 0 || c.MinTiles <= 0 || c.MaxTiles < c.MinTiles):
		return fmt.Errorf("vision: invalid tiling (tile %d, tiles [%d, %d])", c.TileSize, c.MinTiles, c.MaxTiles)
	case c.Std[0] == 0 || c.Std[1] == 0 || c.Std[2] == 0:
		return errors.New("vision: zero image std")
	}
	return nil
}

func (c Config) factor() int { return c.PatchSize * c.DownsampleFactor }

// Batch is the image embedder input for one image.
type Batch struct {
	// PixelValues is [tiles, maxPatches, 3*p*p], patch-major, (py, px, c) inside a patch.
	PixelValues *tensor.Tensor
	// Mask is [tiles, maxPatches]; 1 marks a real patch.
	Mask *tensor.Tensor
	// SpatialShapes is [tiles, 2] holding patch rows and columns.
	SpatialShapes *tensor.Tensor
	Tiles         int
	// Tokens is the embedding row count the batch is expected to produce.
	Tokens int
}

type Processor struct {
	cfg Config
}

func NewProcessor(cfg Config) (*Processor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Processor{cfg: cfg}, nil
}

func (p *Processor) Config() Config { return p.cfg }

func (p *Processor) Decode(data []byte) (image.Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("image: decode: %w", err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("image: empty %s image", format)
	}
	return img, nil
}

// SmartResize rounds each side to a multiple of patch*downsample and scales
// the result into the [min, max] image token pixel budget, keeping the
// aspect ratio.
func (p *Processor) SmartResize(height, width int) (int, int) {
	f := p.cfg.factor()
	minPixels := float64(p.cfg.MinImageTokens * f * f)
	maxPixels := float64(p.cfg.MaxImageTokens * f * f)
	h, w := float64(height), float64(width)

	hBar := max(f, roundTo(h, f))
	wBar := max(f, roundTo(w, f))
	switch area := float64(hBar * wBar); {
	case area > maxPixels:
		beta := math.Sqrt(h * w / maxPixels)
		hBar = max(f, int(math.Floor(h/beta/float64(f)))*f)
		wBar = max(f, int(math.Floor(w/beta/float64(f)))*f)
	case area < minPixels:
		beta := math.Sqrt(minPixels / (h * w))
		hBar = int(math.Ceil(h*beta/float64(f))) * f
		wBar = int(math.Ceil(w*beta/float64(f))) * f
	}
	return hBar, wBar
}

func roundTo(v float64, f int) int {
	return int(math.RoundToEven(v/float64(f))) * f
}

func (p *Processor) tooLarge(height, width int) bool {
	f := p.cfg.factor()
	h := max(f, roundTo(float64(height), f))
	w := max(f, roundTo(float64(width), f))
	limit := float64(p.cfg.MaxImageTokens*f*f) * p.cfg.MaxPixelsTolerance
	return float64(h*w) > limit
}

type grid struct{ cols, rows int }

// tileGrid picks the grid whose aspect ratio is closest to the image's,
// preferring more tiles on ties when the image is large enough to fill them.
func (p *Processor) tileGrid(height, width int) grid {
	var grids []grid
	for n := p.cfg.MinTiles; n <= p.cfg.MaxTiles; n++ {
		for cols := 1; cols <= n; cols++ {
			if n%cols != 0 {
				continue
			}
			g := grid{cols: cols, rows: n / cols}
			if !slices.Contains(grids, g) {
				grids = append(grids, g)
			}
		}
	}
	aspect := float64(width) / float64(height)
	area := float64(width * height)
	tile := float64(p.cfg.TileSize)
	best, bestDiff := grid{1, 1}, math.Inf(1)
	for _, g := range grids {
		diff := math.Abs(aspect - float64(g.cols)/float64(g.rows))
		if diff < bestDiff {
			best, bestDiff = g, diff
		} else if diff == bestDiff && area > 0.5*tile*tile*float64(g.cols*g.rows) {
			best = g
		}
	}
	return best
}

// Process turns a decoded image into embedder inputs.
func (p *Processor) Process(img image.Image) (*Batch, error) {
	rgb := composite(img)
	b := rgb.Bounds()
	height, width := b.Dy(), b.Dx()

	var tiles []*image.RGBA
	if p.cfg.Split && p.tooLarge(height, width) {
		g := p.tileGrid(height, width)
		ts := p.cfg.TileSize
		full := resize(rgb, image.Pt(g.cols*ts, g.rows*ts))
		for r := range g.rows {
			for c := range g.cols {
				tiles = append(tiles, crop(full, image.Rect(c*ts, r*ts, (c+1)*ts, (r+1)*ts)))
			}
		}
		if p.cfg.Thumbnail && len(tiles) > 1 {
			h, w := p.SmartResize(height, width)
			tiles = append(tiles, resize(rgb, image.Pt(w, h)))
		}
	} else {
		h, w := p.SmartResize(height, width)
		tiles = append(tiles, resize(rgb, image.Pt(w, h)))
	}
	return p.patchify(tiles)
}

func (p *Processor) patchify(tiles []*image.RGBA) (*Batch, error) {
	ps := p.cfg.PatchSize
	d := p.cfg.DownsampleFactor
	maxPatches := p.cfg.MaxNumPatches
	dim := 3 * ps * ps

	pixels := make([]float32, len(tiles)*maxPatches*dim)
	mask := make([]int64, len(tiles)*maxPatches)
	shapes := make([]int64, 0, len(tiles)*2)
	tokens := 0

	for t, tile := range tiles {
		b := tile.Bounds()
		nh, nw := b.Dy()/ps, b.Dx()/ps
		if nh*nw > maxPatches {
			return nil, fmt.Errorf("image: tile %d has %d patches, limit %d", t, nh*nw, maxPatches)
		}
		hwc := normalize(tile, p.cfg.Mean, p.cfg.Std, p.cfg.RescaleFactor)
		rowStride := b.Dx() * 3
		for py := range nh {
			for px := range nw {
				patch := t*maxPatches + py*nw + px
				dst := pixels[patch*dim : (patch+1)*dim]
				for y := range ps {
					src := (py*ps+y)*rowStride + px*ps*3
					copy(dst[y*ps*3:(y+1)*ps*3], hwc[src:src+ps*3])
				}
				mask[patch] = 1
			}
		}
		shapes = append(shapes, int64(nh), int64(nw))
		tokens += ceilDiv(nh, d) * ceilDiv(nw, d)
	}

	n := len(tiles)
	return &Batch{
		PixelValues:   tensor.FromFloat32(pixels, n, maxPatches, dim),
		Mask:          tensor.FromInt64(mask, n, maxPatches),
		SpatialShapes: tensor.FromInt64(shapes, n, 2),
		Tiles:         n,
		Tokens:        tokens,
	}, nil
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
