package tokenizer

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/samcharles93/prism/internal/logger"
)

const (
	TokenizerFile = "tokenizer.json"
	ConfigFile    = "tokenizer_config.json"

	ImageToken      = "<image>"
	ImageStartToken = "<|image_start|>"
	ImageEndToken   = "<|image_end|>"
	DefaultEOSToken = "<|im_end|>"
)

// DocumentResolver supplies named tokenizer documents. It replaces any path
// scheme the tokenizer would otherwise need; Load never touches the
// filesystem or network directly.
type DocumentResolver interface {
	Resolve(ctx context.Context, name string) ([]byte, error)
}

// ResolverFunc adapts a function to DocumentResolver.
type ResolverFunc func(ctx context.Context, name string) ([]byte, error)

func (f ResolverFunc) Resolve(ctx context.Context, name string) ([]byte, error) {
	return f(ctx, name)
}

// SpecialTokens holds the ids the runtime needs. Unresolved ids are -1.
type SpecialTokens struct {
	Image      int `json:"image"`
	ImageStart int `json:"image_start"`
	ImageEnd   int `json:"image_end"`
	EOS        int `json:"eos"`
}

// HasImageBounds reports whether both region boundary tokens resolved.
func (s SpecialTokens) HasImageBounds() bool {
	return s.ImageStart >= 0 && s.ImageEnd >= 0
}

// Load builds a tokenizer from tokenizer.json and tokenizer_config.json
// obtained through r, and resolves the runtime's special token ids.
func Load(ctx context.Context, r DocumentResolver) (*HFTokenizer, SpecialTokens, error) {
	none := SpecialTokens{Image: -1, ImageStart: -1, ImageEnd: -1, EOS: -1}
	tokJSON, err := r.Resolve(ctx, TokenizerFile)
	if err != nil {
		return nil, none, fmt.Errorf("tokenizer: resolve %s: %w", TokenizerFile, err)
	}
	tokConfig, err := r.Resolve(ctx, ConfigFile)
	if err != nil {
		return nil, none, fmt.Errorf("tokenizer: resolve %s: %w", ConfigFile, err)
	}
	tok, err := LoadHFTokenizerBytes(tokJSON, tokConfig)
	if err != nil {
		return nil, none, err
	}

	log := logger.Component(logger.FromContext(ctx), "tokenizer")
	eosName := eosToken(tokConfig)
	special := SpecialTokens{
		Image:      tok.resolve(ImageToken),
		ImageStart: tok.resolve(ImageStartToken),
		ImageEnd:   tok.resolve(ImageEndToken),
		EOS:        tok.resolve(eosName),
	}
	if special.Image < 0 {
		log.Warn("image marker token not found; images cannot be placed", "token", ImageToken)
	}
	if !special.HasImageBounds() {
		log.Info("image region tokens not found; boundaries will be omitted",
			"start", ImageStartToken, "end", ImageEndToken)
	}
	if special.EOS < 0 {
		log.Warn("end-of-sequence token not found; generation stops only at the token limit", "token", eosName)
	}
	log.Debug("tokenizer loaded", "vocab", tok.VocabSize(), "image", special.Image, "eos", special.EOS)
	return tok, special, nil
}

// resolve prefers an exact added-tokens match and falls back to the vocabulary.
func (t *HFTokenizer) resolve(content string) int {
	if id, ok := t.added[content]; ok {
		return id
	}
	return lookup(t.encoder, content)
}

func eosToken(tokConfig []byte) string {
	var cfg struct {
		EOS tokenValue `json:"eos_token"`
	}
	if err := json.Unmarshal(tokConfig, &cfg); err != nil || cfg.EOS == "" {
		return DefaultEOSToken
	}
	return string(cfg.EOS)
}
