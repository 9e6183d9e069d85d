package inference

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samcharles93/prism/internal/graph"
	"github.com/samcharles93/prism/internal/logger"
	"github.com/samcharles93/prism/internal/logits"
	"github.com/samcharles93/prism/internal/tensor"
	"github.com/samcharles93/prism/internal/tokenizer"
)

// Graph tensor names shared by the token embedder and the decoder.
const (
	inputIDs      = "input_ids"
	inputsEmbeds  = "inputs_embeds"
	attentionMask = "attention_mask"
	positionIDs   = "position_ids"
	outputLogits  = "logits"
)

type decodeState int

const (
	stateInitialized decodeState = iota
	stateStepping
	stateStopped
	stateError
)

func (s decodeState) String() string {
	switch s {
	case stateInitialized:
		return "initialized"
	case stateStepping:
		return "stepping"
	case stateStopped:
		return "stopped"
	default:
		return "error"
	}
}

// generator runs greedy decoding over one prompt. It owns nothing; the
// runtime lends it graphs for the duration of a call.
type generator struct {
	embed     graph.Graph
	decoder   graph.Graph
	layout    *slotLayout
	cfg       ModelConfig
	tok       tokenizer.Tokenizer
	stop      []int
	positions bool
	log       logger.Logger

	state decodeState
	// observe sees the cache after every replacement.
	observe func(step int, c *GenerationCache)
}

// run decodes from prompt embeddings of shape [1, n, hidden] until a stop
// token, a callback stop or maxNew tokens. The context is checked before
// every step and handed to every graph run.
func (g *generator) run(ctx context.Context, inputs *tensor.Tensor, maxNew int, onToken TokenFunc) (*Result, error) {
	start := time.Now()
	cache := newGenerationCache(g.layout, g.cfg)
	g.state = stateInitialized

	res := &Result{Stats: Stats{StopReason: StopLength}}
	stream := textStream{tok: g.tok}
	past, step := 0, inputs.Dim(1)

	g.state = stateStepping
	for i := range maxNew {
		if err := ctx.Err(); err != nil {
			return g.fail(err)
		}
		feed := map[string]*tensor.Tensor{
			inputsEmbeds:  inputs,
			attentionMask: tensor.Ones(1, past+step),
		}
		if g.positions {
			feed[positionIDs] = positionRange(past, step)
		}
		cache.feed(feed)

		out, err := safeRun(ctx, g.decoder, feed)
		if err != nil {
			return g.fail(fmt.Errorf("decode step %d: %w", i, err))
		}
		lt, ok := out[outputLogits]
		if !ok {
			return g.fail(fmt.Errorf("decode step %d: decoder returned no %q", i, outputLogits))
		}
		row, err := lt.LastRow()
		if err != nil {
			return g.fail(fmt.Errorf("decode step %d: %w", i, err))
		}
		id, err := logits.Argmax(row)
		if err != nil {
			return g.fail(fmt.Errorf("decode step %d: %w", i, err))
		}

		res.Tokens = append(res.Tokens, id)
		halt := onToken != nil && onToken(stream.next(res.Tokens), id)
		if slices.Contains(g.stop, id) {
			res.Stats.StopReason = StopEOS
			break
		}
		if halt {
			res.Stats.StopReason = StopCallback
			break
		}
		if i == maxNew-1 {
			break
		}

		if err := cache.replace(out, step); err != nil {
			return g.fail(fmt.Errorf("decode step %d: %w", i, err))
		}
		past += step
		if g.observe != nil {
			g.observe(i, cache)
		}
		if inputs, err = g.embedTokens(ctx, []int{id}); err != nil {
			return g.fail(fmt.Errorf("decode step %d: %w", i, err))
		}
		step = 1
	}
	g.state = stateStopped

	text, err := g.tok.Decode(res.Tokens)
	if err != nil {
		return g.fail(fmt.Errorf("decode output: %w", err))
	}
	res.Text = text
	if tail := stream.rest(text); onToken != nil && tail != "" {
		onToken(tail, res.Tokens[len(res.Tokens)-1])
	}
	res.Stats.TokensGenerated = len(res.Tokens)
	res.Stats.Duration = time.Since(start)
	if res.Stats.Duration.Seconds() > 0 {
		res.Stats.TPS = float64(res.Stats.TokensGenerated) / res.Stats.Duration.Seconds()
	}
	return res, nil
}

func (g *generator) fail(err error) (*Result, error) {
	g.state = stateError
	return nil, err
}

// embedTokens runs the token embedder and returns [1, len(ids), hidden].
func (g *generator) embedTokens(ctx context.Context, ids []int) (*tensor.Tensor, error) {
	data := make([]int64, len(ids))
	for i, id := range ids {
		data[i] = int64(id)
	}
	out, err := safeRun(ctx, g.embed, map[string]*tensor.Tensor{inputIDs: tensor.FromInt64(data, 1, len(ids))})
	if err != nil {
		return nil, fmt.Errorf("embed tokens: %w", err)
	}
	t, ok := out[inputsEmbeds]
	if !ok {
		names := g.embed.OutputNames()
		if len(names) == 0 || out[names[0]] == nil {
			return nil, fmt.Errorf("embed tokens: no %q output", inputsEmbeds)
		}
		t = out[names[0]]
	}
	if t.Len() != len(ids)*g.cfg.HiddenSize {
		return nil, fmt.Errorf("embed tokens: output %s for %d tokens of width %d", t, len(ids), g.cfg.HiddenSize)
	}
	return t.Reshape(1, len(ids), g.cfg.HiddenSize)
}

func positionRange(past, n int) *tensor.Tensor {
	data := make([]int64, n)
	for i := range data {
		data[i] = int64(past + i)
	}
	return tensor.FromInt64(data, 1, n)
}

func safeRun(ctx context.Context, g graph.Graph, inputs map[string]*tensor.Tensor) (out map[string]*tensor.Tensor, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s: %v", g.Name(), rec)
		}
	}()
	return g.Run(ctx, inputs)
}

// textStream turns the growing token list into incremental text, holding
// back a trailing partial UTF-8 sequence until it completes.
type textStream struct {
	tok     tokenizer.Tokenizer
	emitted string
}

func (s *textStream) next(tokens []int) string {
	full, err := s.tok.Decode(tokens)
	if err != nil || !strings.HasPrefix(full, s.emitted) {
		return ""
	}
	frag := full[len(s.emitted):]
	i := len(frag) - 1
	for i > 0 && !utf8.RuneStart(frag[i]) {
		i--
	}
	if i >= 0 && !utf8.FullRuneInString(frag[i:]) {
		frag = frag[:i]
	}
	s.emitted += frag
	return frag
}

// rest returns what of the final text has not been emitted yet, including
// a held-back partial sequence.
func (s *textStream) rest(full string) string {
	if !strings.HasPrefix(full, s.emitted) {
		return ""
	}
	return full[len(s.emitted):]
}
