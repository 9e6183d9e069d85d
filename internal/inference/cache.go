package inference

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/samcharles93/prism/internal/tensor"
)

// Decoder state tensor names. Inputs carry the past state, outputs the
// state after the step.
const (
	convInPrefix  = "past_conv."
	convOutPrefix = "present_conv."
	kvInPrefix    = "past_key_values."
	kvOutPrefix   = "present."
)

type SlotKind int

const (
	SlotConv SlotKind = iota
	SlotKV
)

func (k SlotKind) String() string {
	if k == SlotConv {
		return "conv"
	}
	return "kv"
}

// CacheSlot is the recurrent state of one decoder layer: a fixed-width
// convolution window or a growing key/value pair.
type CacheSlot struct {
	Kind  SlotKind
	Conv  *tensor.Tensor
	Key   *tensor.Tensor
	Value *tensor.Tensor
}

// seqLen is the cached sequence length of a KV slot.
func (s *CacheSlot) seqLen() int {
	if s.Kind != SlotKV {
		return 0
	}
	return s.Key.Dim(2)
}

// slotNames ties one layer to its decoder tensor names.
type slotNames struct {
	layer    int
	kind     SlotKind
	convIn   string
	convOut  string
	keyIn    string
	valueIn  string
	keyOut   string
	valueOut string
}

// slotLayout is resolved once per loaded decoder so stepping never parses
// names.
type slotLayout struct {
	slots []slotNames
}

func parseSlotLayout(inputs, outputs []string) (*slotLayout, error) {
	byLayer := map[int]*slotNames{}
	get := func(layer int, kind SlotKind, name string) (*slotNames, error) {
		s, ok := byLayer[layer]
		if !ok {
			s = &slotNames{layer: layer, kind: kind}
			byLayer[layer] = s
		}
		if s.kind != kind {
			return nil, fmt.Errorf("decoder input %q: layer %d already has %s state", name, layer, s.kind)
		}
		return s, nil
	}

	for _, name := range inputs {
		switch {
		case strings.HasPrefix(name, convInPrefix):
			layer, err := strconv.Atoi(strings.TrimPrefix(name, convInPrefix))
			if err != nil {
				return nil, fmt.Errorf("decoder input %q: bad layer index", name)
			}
			s, err := get(layer, SlotConv, name)
			if err != nil {
				return nil, err
			}
			s.convIn = name
			s.convOut = convOutPrefix + strconv.Itoa(layer)
		case strings.HasPrefix(name, kvInPrefix):
			idx, part, ok := strings.Cut(strings.TrimPrefix(name, kvInPrefix), ".")
			layer, err := strconv.Atoi(idx)
			if !ok || err != nil {
				return nil, fmt.Errorf("decoder input %q: bad layer index", name)
			}
			s, err := get(layer, SlotKV, name)
			if err != nil {
				return nil, err
			}
			out := kvOutPrefix + idx + "." + part
			switch part {
			case "key":
				s.keyIn, s.keyOut = name, out
			case "value":
				s.valueIn, s.valueOut = name, out
			default:
				return nil, fmt.Errorf("decoder input %q: unknown state %q", name, part)
			}
		}
	}

	l := &slotLayout{}
	for _, s := range byLayer {
		want := []string{s.convOut}
		if s.kind == SlotKV {
			if s.keyIn == "" || s.valueIn == "" {
				return nil, fmt.Errorf("decoder layer %d: key/value inputs incomplete", s.layer)
			}
			want = []string{s.keyOut, s.valueOut}
		}
		for _, name := range want {
			if !slices.Contains(outputs, name) {
				return nil, fmt.Errorf("decoder layer %d: missing output %q", s.layer, name)
			}
		}
		l.slots = append(l.slots, *s)
	}
	slices.SortFunc(l.slots, func(a, b slotNames) int { return a.layer - b.layer })
	return l, nil
}

func (l *slotLayout) counts() (conv, kv int) {
	for _, s := range l.slots {
		if s.kind == SlotConv {
			conv++
		} else {
			kv++
		}
	}
	return conv, kv
}

// GenerationCache maps a decoder layer index to its state. It lives for one
// generate call.
type GenerationCache struct {
	layout *slotLayout
	slots  map[int]*CacheSlot
}

// newGenerationCache zeroes every conv window and starts every KV slot with
// an empty sequence dimension.
func newGenerationCache(layout *slotLayout, cfg ModelConfig) *GenerationCache {
	c := &GenerationCache{layout: layout, slots: make(map[int]*CacheSlot, len(layout.slots))}
	for _, s := range layout.slots {
		if s.kind == SlotConv {
			c.slots[s.layer] = &CacheSlot{
				Kind: SlotConv,
				Conv: tensor.Zeros(tensor.Float32, 1, cfg.HiddenSize, cfg.ConvWidth()),
			}
			continue
		}
		c.slots[s.layer] = &CacheSlot{
			Kind:  SlotKV,
			Key:   tensor.Zeros(tensor.Float32, 1, cfg.NumKVHeads, 0, cfg.HeadDim),
			Value: tensor.Zeros(tensor.Float32, 1, cfg.NumKVHeads, 0, cfg.HeadDim),
		}
	}
	return c
}

func (c *GenerationCache) Slot(layer int) (*CacheSlot, bool) {
	s, ok := c.slots[layer]
	return s, ok
}

func (c *GenerationCache) Len() int { return len(c.slots) }

// feed adds every slot to the decoder inputs.
func (c *GenerationCache) feed(inputs map[string]*tensor.Tensor) {
	for _, s := range c.layout.slots {
		slot := c.slots[s.layer]
		if s.kind == SlotConv {
			inputs[s.convIn] = slot.Conv
			continue
		}
		inputs[s.keyIn] = slot.Key
		inputs[s.valueIn] = slot.Value
	}
}

// replace swaps every slot for the decoder's fresh output. Conv state must
// keep its shape; KV state must grow by exactly step positions. Nothing is
// replaced when any output is missing or malformed.
func (c *GenerationCache) replace(outputs map[string]*tensor.Tensor, step int) error {
	next := make(map[int]*CacheSlot, len(c.slots))
	for _, s := range c.layout.slots {
		old := c.slots[s.layer]
		if s.kind == SlotConv {
			conv, ok := outputs[s.convOut]
			if !ok {
				return fmt.Errorf("decoder output %q missing", s.convOut)
			}
			if !slices.Equal(conv.Shape(), old.Conv.Shape()) {
				return fmt.Errorf("decoder output %q: shape %v, want %v", s.convOut, conv.Shape(), old.Conv.Shape())
			}
			next[s.layer] = &CacheSlot{Kind: SlotConv, Conv: conv}
			continue
		}
		key, ok := outputs[s.keyOut]
		if !ok {
			return fmt.Errorf("decoder output %q missing", s.keyOut)
		}
		value, ok := outputs[s.valueOut]
		if !ok {
			return fmt.Errorf("decoder output %q missing", s.valueOut)
		}
		for name, t := range map[string]*tensor.Tensor{s.keyOut: key, s.valueOut: value} {
			if err := checkGrowth(name, old.Key.Shape(), t.Shape(), step); err != nil {
				return err
			}
		}
		next[s.layer] = &CacheSlot{Kind: SlotKV, Key: key, Value: value}
	}
	c.slots = next
	return nil
}

func checkGrowth(name string, old, got []int, step int) error {
	want := slices.Clone(old)
	want[2] += step
	if !slices.Equal(want, got) {
		return fmt.Errorf("decoder output %q: shape %v, want %v", name, got, want)
	}
	return nil
}
