package inference

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/samcharles93/prism/internal/tokenizer"
)

const ModelConfigFile = "config.json"

// ModelConfig is fixed once a model is loaded.
type ModelConfig struct {
	Arch       string `json:"arch"`
	HiddenSize int    `json:"hidden_size"`
	NumKVHeads int    `json:"num_kv_heads"`
	HeadDim    int    `json:"head_dim"`
	// ConvKernel is the short convolution width K; conv state keeps K-1
	// columns.
	ConvKernel int                     `json:"conv_kernel"`
	NumLayers  int                     `json:"num_layers"`
	VocabSize  int                     `json:"vocab_size"`
	Special    tokenizer.SpecialTokens `json:"special_tokens"`
}

// ConvWidth is the column count of every conv state slot.
func (c ModelConfig) ConvWidth() int { return c.ConvKernel - 1 }

type textConfig struct {
	HiddenSize        int    `json:"hidden_size"`
	NumAttentionHeads int    `json:"num_attention_heads"`
	NumKVHeads        int    `json:"num_key_value_heads"`
	HeadDim           int    `json:"head_dim"`
	NumHiddenLayers   int    `json:"num_hidden_layers"`
	VocabSize         int    `json:"vocab_size"`
	ConvLCache        int    `json:"conv_L_cache"`
	ModelType         string `json:"model_type"`
}

type hfConfig struct {
	textConfig
	Text            *textConfig `json:"text_config"`
	ImageTokenIndex *int        `json:"image_token_index"`
	ModelType       string      `json:"model_type"`
}

// ParseModelConfig reads config.json. Vision-language configs nest the
// decoder parameters under text_config; text-only configs keep them at the
// top level.
func ParseModelConfig(data []byte) (ModelConfig, *int, error) {
	var raw hfConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return ModelConfig{}, nil, fmt.Errorf("parse %s: %w", ModelConfigFile, err)
	}
	tc := raw.textConfig
	if raw.Text != nil {
		tc = *raw.Text
	}

	cfg := ModelConfig{
		Arch:       raw.ModelType,
		HiddenSize: tc.HiddenSize,
		NumKVHeads: tc.NumKVHeads,
		HeadDim:    tc.HeadDim,
		NumLayers:  tc.NumHiddenLayers,
		VocabSize:  tc.VocabSize,
		// conv_L_cache counts the cached columns.
		ConvKernel: tc.ConvLCache + 1,
		Special:    tokenizer.SpecialTokens{Image: -1, ImageStart: -1, ImageEnd: -1, EOS: -1},
	}
	if cfg.Arch == "" {
		cfg.Arch = tc.ModelType
	}
	if cfg.NumKVHeads == 0 {
		cfg.NumKVHeads = tc.NumAttentionHeads
	}
	if cfg.HeadDim == 0 && tc.NumAttentionHeads > 0 {
		cfg.HeadDim = cfg.HiddenSize / tc.NumAttentionHeads
	}
	if tc.ConvLCache == 0 {
		cfg.ConvKernel = 4
	}
	if err := cfg.validate(); err != nil {
		return ModelConfig{}, nil, err
	}
	return cfg, raw.ImageTokenIndex, nil
}

func (c ModelConfig) validate() error {
	switch {
	case c.HiddenSize <= 0:
		return fmt.Errorf("%s: invalid hidden_size %d", ModelConfigFile, c.HiddenSize)
	case c.NumKVHeads <= 0:
		return fmt.Errorf("%s: invalid num_key_value_heads %d", ModelConfigFile, c.NumKVHeads)
	case c.HeadDim <= 0:
		return fmt.Errorf("%s: invalid head_dim %d", ModelConfigFile, c.HeadDim)
	case c.ConvKernel < 2:
		return fmt.Errorf("%s: invalid conv kernel %d", ModelConfigFile, c.ConvKernel)
	}
	return nil
}
