package inference

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGeneratorCacheShapeGrowth(t *testing.T) {
	t.Parallel()

	dec := &fakeDecoder{}
	g := newTestGenerator(dec)
	var seqLens []int
	g.observe = func(step int, c *GenerationCache) {
		for _, layer := range []int{0, 2} {
			s, ok := c.Slot(layer)
			if !ok || s.Kind != SlotConv {
				t.Fatalf("step %d: layer %d is not a conv slot", step, layer)
			}
			if diff := cmp.Diff([]int{1, testHidden, 3}, s.Conv.Shape()); diff != "" {
				t.Fatalf("step %d: conv shape changed (-want +got):\n%s", step, diff)
			}
		}
		kv, ok := c.Slot(1)
		if !ok || kv.Kind != SlotKV {
			t.Fatalf("step %d: layer 1 is not a kv slot", step)
		}
		seqLens = append(seqLens, kv.seqLen())
	}

	res, err := g.run(context.Background(), promptEmbeds(1, 2, 3), 5, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff([]int{3, 4, 5, 6}, seqLens); diff != "" {
		t.Fatalf("kv sequence lengths (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{3, 4, 5, 6, 7}, dec.masks); diff != "" {
		t.Fatalf("attention mask lengths (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{4, 5, 6, 7, 8}, res.Tokens); diff != "" {
		t.Fatalf("tokens (-want +got):\n%s", diff)
	}
	if res.Text != "efghi" || res.Stats.StopReason != StopLength || res.Stats.TokensGenerated != 5 {
		t.Fatalf("unexpected result %+v", res)
	}
	if g.state != stateStopped {
		t.Fatalf("state = %s, want stopped", g.state)
	}
}

func TestGeneratorGreedyDeterminism(t *testing.T) {
	t.Parallel()

	next := func(v int) int { return (v*7 + 3) % 26 }
	first, err := newTestGenerator(&fakeDecoder{next: next}).run(context.Background(), promptEmbeds(2, 9), 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := newTestGenerator(&fakeDecoder{next: next}).run(context.Background(), promptEmbeds(2, 9), 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first.Tokens, second.Tokens); diff != "" {
		t.Fatalf("greedy decoding diverged (-first +second):\n%s", diff)
	}
	if len(first.Tokens) != 8 {
		t.Fatalf("generated %d tokens, want 8", len(first.Tokens))
	}
}

func TestGeneratorEarlyStop(t *testing.T) {
	t.Parallel()

	dec := &fakeDecoder{}
	g := newTestGenerator(dec)
	replaced := false
	g.observe = func(int, *GenerationCache) { replaced = true }
	var got []string
	res, err := g.run(context.Background(), promptEmbeds(0), 10, func(text string, id int) bool {
		got = append(got, text)
		return true
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Tokens) != 1 || dec.runs() != 1 {
		t.Fatalf("tokens=%v runs=%d, want exactly one", res.Tokens, dec.runs())
	}
	if replaced {
		t.Fatalf("cache replaced after the callback stopped generation")
	}
	if res.Stats.StopReason != StopCallback {
		t.Fatalf("stop reason = %s", res.Stats.StopReason)
	}
	if diff := cmp.Diff([]string{"b"}, got); diff != "" {
		t.Fatalf("callback text (-want +got):\n%s", diff)
	}
}

func TestGeneratorStopsAtEOS(t *testing.T) {
	t.Parallel()

	dec := &fakeDecoder{next: func(v int) int {
		if v >= 5 {
			return testEOS
		}
		return v + 1
	}}
	var fragments []string
	res, err := newTestGenerator(dec).run(context.Background(), promptEmbeds(4), 10, func(text string, _ int) bool {
		fragments = append(fragments, text)
		return false
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff([]int{5, testEOS}, res.Tokens); diff != "" {
		t.Fatalf("tokens (-want +got):\n%s", diff)
	}
	if res.Text != "f" || res.Stats.StopReason != StopEOS {
		t.Fatalf("text=%q stop=%s", res.Text, res.Stats.StopReason)
	}
	if diff := cmp.Diff([]string{"f", ""}, fragments); diff != "" {
		t.Fatalf("fragments (-want +got):\n%s", diff)
	}
}

func TestGeneratorCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dec := &fakeDecoder{cancelAfter: 2, cancel: cancel}
	g := newTestGenerator(dec)
	_, err := g.run(ctx, promptEmbeds(1), 50, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if dec.runs() != 2 {
		t.Fatalf("decoder ran %d times after cancel, want 2", dec.runs())
	}
	if g.state != stateError {
		t.Fatalf("state = %s, want error", g.state)
	}
}

func TestGeneratorPropagatesDecoderFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("forced forward failure")
	_, err := newTestGenerator(&fakeDecoder{fail: boom}).run(context.Background(), promptEmbeds(1), 3, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected decoder error, got %v", err)
	}

	_, err = newTestGenerator(&fakeDecoder{panics: true}).run(context.Background(), promptEmbeds(1), 3, nil)
	if err == nil || !strings.Contains(err.Error(), "panic in decoder") {
		t.Fatalf("expected converted panic, got %v", err)
	}
}

type byteTokenizer struct{}

func (byteTokenizer) Encode(string) ([]int, error) { return nil, nil }
func (byteTokenizer) TokenString(int) string       { return "" }
func (byteTokenizer) Decode(ids []int) (string, error) {
	b := make([]byte, len(ids))
	for i, id := range ids {
		b[i] = byte(id)
	}
	return string(b), nil
}

func TestTextStreamHoldsPartialRunes(t *testing.T) {
	t.Parallel()

	s := textStream{tok: byteTokenizer{}}
	euro := []int{0xE2, 0x82, 0xAC}
	var got []string
	ids := []int{'a'}
	got = append(got, s.next(ids))
	for _, b := range euro {
		ids = append(ids, b)
		got = append(got, s.next(ids))
	}
	if diff := cmp.Diff([]string{"a", "", "", "€"}, got); diff != "" {
		t.Fatalf("fragments (-want +got):\n%s", diff)
	}
}

// splitRune decodes like letters except that id 3 renders as the first two
// bytes of a three-byte rune.
type splitRune struct{ letters }

func (s splitRune) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		if id == 3 {
			b.WriteString("\xe2\x82")
			continue
		}
		text, _ := s.letters.Decode([]int{id})
		b.WriteString(text)
	}
	return b.String(), nil
}

func TestGeneratorFlushesHeldBytesAtEnd(t *testing.T) {
	t.Parallel()

	g := newTestGenerator(&fakeDecoder{})
	g.tok = splitRune{}
	var fragments []string
	res, err := g.run(context.Background(), promptEmbeds(1), 2, func(text string, _ int) bool {
		fragments = append(fragments, text)
		return false
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff([]string{"c", "", "\xe2\x82"}, fragments); diff != "" {
		t.Fatalf("fragments (-want +got):\n%s", diff)
	}
	if got := strings.Join(fragments, ""); got != res.Text {
		t.Fatalf("streamed %q, result text %q", got, res.Text)
	}
}
