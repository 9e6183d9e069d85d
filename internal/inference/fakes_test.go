package inference

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/samcharles93/prism/internal/graph"
	"github.com/samcharles93/prism/internal/logger"
	"github.com/samcharles93/prism/internal/tensor"
	"github.com/samcharles93/prism/internal/tokenizer"
	"github.com/samcharles93/prism/internal/vision"
)

const (
	testHidden = 4
	testVocab  = 32
	testEOS    = 31
)

func testConfig() ModelConfig {
	return ModelConfig{
		Arch:       "lfm2-vl",
		HiddenSize: testHidden,
		NumKVHeads: 2,
		HeadDim:    3,
		ConvKernel: 4,
		NumLayers:  3,
		VocabSize:  testVocab,
		Special:    tokenizer.SpecialTokens{Image: 28, ImageStart: 26, ImageEnd: 27, EOS: testEOS},
	}
}

// tokenEmbedder embeds token id as a row filled with float32(id).
type tokenEmbedder struct {
	mu     sync.Mutex
	calls  int
	closed bool
	err    error
}

func (g *tokenEmbedder) Name() string          { return "embed_tokens" }
func (g *tokenEmbedder) InputNames() []string  { return []string{inputIDs} }
func (g *tokenEmbedder) OutputNames() []string { return []string{inputsEmbeds} }

func (g *tokenEmbedder) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return g.err
}

func (g *tokenEmbedder) Run(_ context.Context, in map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	ids, err := in[inputIDs].Int64s()
	if err != nil {
		return nil, err
	}
	data := make([]float32, 0, len(ids)*testHidden)
	for _, id := range ids {
		for range testHidden {
			data = append(data, float32(id))
		}
	}
	return map[string]*tensor.Tensor{inputsEmbeds: tensor.FromFloat32(data, 1, len(ids), testHidden)}, nil
}

// fakeDecoder has conv layers 0 and 2 and an attention layer 1. The next
// token is next(v) where v is the first value of the last input row.
type fakeDecoder struct {
	mu     sync.Mutex
	next   func(v int) int
	calls  int
	masks  []int
	seen   []int
	closed bool
	err    error
	fail   error
	panics bool
	// cancelAfter cancels the context passed via cancel after n runs.
	cancelAfter int
	cancel      context.CancelFunc
}

func (d *fakeDecoder) Name() string { return "decoder" }

func (d *fakeDecoder) InputNames() []string {
	return []string{inputsEmbeds, attentionMask, "past_conv.0", "past_key_values.1.key", "past_key_values.1.value", "past_conv.2"}
}

func (d *fakeDecoder) OutputNames() []string {
	return []string{outputLogits, "present_conv.0", "present.1.key", "present.1.value", "present_conv.2"}
}

func (d *fakeDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return d.err
}

func (d *fakeDecoder) Run(_ context.Context, in map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panics {
		panic("decoder boom")
	}
	if d.fail != nil {
		return nil, d.fail
	}
	d.calls++
	if d.cancel != nil && d.calls == d.cancelAfter {
		d.cancel()
	}

	embeds := in[inputsEmbeds]
	n := embeds.Dim(1)
	past := in["past_key_values.1.key"].Dim(2)
	if m := in[attentionMask].Len(); m != past+n {
		return nil, fmt.Errorf("mask length %d, want %d", m, past+n)
	}
	d.masks = append(d.masks, in[attentionMask].Len())

	row, err := embeds.LastRow()
	if err != nil {
		return nil, err
	}
	v := int(row[0])
	d.seen = append(d.seen, v)
	next := v + 1
	if d.next != nil {
		next = d.next(v)
	}
	logits := make([]float32, n*testVocab)
	logits[(n-1)*testVocab+next] = 1

	key := in["past_key_values.1.key"].Shape()
	key[2] = past + n
	return map[string]*tensor.Tensor{
		outputLogits:      tensor.FromFloat32(logits, 1, n, testVocab),
		"present_conv.0":  tensor.Zeros(tensor.Float32, in["past_conv.0"].Shape()...),
		"present_conv.2":  tensor.Zeros(tensor.Float32, in["past_conv.2"].Shape()...),
		"present.1.key":   tensor.Zeros(tensor.Float32, key...),
		"present.1.value": tensor.Zeros(tensor.Float32, key...),
	}, nil
}

func (d *fakeDecoder) runs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// letters decodes id n as the n-th lowercase letter; ids 26 and up are
// special and render as nothing.
type letters struct{}

func (letters) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		ids = append(ids, int(r-'a'))
	}
	return ids, nil
}

func (letters) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		if id < 26 {
			b.WriteByte(byte('a' + id))
		}
	}
	return b.String(), nil
}

func (letters) TokenString(id int) string { return fmt.Sprint(id) }

func newTestGenerator(dec *fakeDecoder) *generator {
	layout, err := parseSlotLayout(dec.InputNames(), dec.OutputNames())
	if err != nil {
		panic(err)
	}
	return &generator{
		embed:   &tokenEmbedder{},
		decoder: dec,
		layout:  layout,
		cfg:     testConfig(),
		tok:     letters{},
		stop:    []int{testEOS},
		log:     logger.Discard(),
	}
}

func promptEmbeds(ids ...int) *tensor.Tensor {
	data := make([]float32, 0, len(ids)*testHidden)
	for _, id := range ids {
		for range testHidden {
			data = append(data, float32(id))
		}
	}
	return tensor.FromFloat32(data, 1, len(ids), testHidden)
}

// imageEmbedder returns one row per downsampled patch, filled with 100.
type imageEmbedder struct {
	mu     sync.Mutex
	calls  int
	closed bool
	err    error
}

func (g *imageEmbedder) Name() string { return "embed_images" }
func (g *imageEmbedder) InputNames() []string {
	return []string{vision.InputPixelValues, vision.InputPixelMask, vision.InputSpatialShapes}
}
func (g *imageEmbedder) OutputNames() []string { return []string{vision.OutputFeatures} }

func (g *imageEmbedder) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return g.err
}

func (g *imageEmbedder) Run(_ context.Context, in map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	shapes, err := in[vision.InputSpatialShapes].Int64s()
	if err != nil {
		return nil, err
	}
	rows := 0
	for i := 0; i < len(shapes); i += 2 {
		rows += int(shapes[i]/2) * int(shapes[i+1]/2)
	}
	data := make([]float32, rows*testHidden)
	for i := range data {
		data[i] = 100
	}
	return map[string]*tensor.Tensor{vision.OutputFeatures: tensor.FromFloat32(data, rows, testHidden)}, nil
}

func (g *imageEmbedder) runs() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// fakeEngine hands out the three fake graphs by name.
type fakeEngine struct {
	mu      sync.Mutex
	tokens  *tokenEmbedder
	images  *imageEmbedder
	decoder *fakeDecoder
	loads   []string
	fail    string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{tokens: &tokenEmbedder{}, images: &imageEmbedder{}, decoder: &fakeDecoder{}}
}

func (e *fakeEngine) Load(_ context.Context, spec graph.Spec) (graph.Graph, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loads = append(e.loads, spec.Name)
	if spec.Name == e.fail {
		return nil, errors.New("-1")
	}
	switch spec.Name {
	case graph.EmbedTokens.String():
		return e.tokens, nil
	case graph.EmbedImages.String():
		return e.images, nil
	case graph.Decoder.String():
		return e.decoder, nil
	}
	return nil, fmt.Errorf("unknown graph %s", spec.Name)
}

func (e *fakeEngine) loaded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.loads)
}
