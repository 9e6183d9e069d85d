package inference

import "github.com/goccy/go-json"

const DefaultMaxNewTokens = 512

// GenDefaults are the generation settings a model ships in
// generation_config.json.
type GenDefaults struct {
	MaxNewTokens *int
	EOSTokenIDs  []int
}

// idList accepts a single id or a list of ids.
type idList []int

func (l *idList) UnmarshalJSON(data []byte) error {
	var one int
	if err := json.Unmarshal(data, &one); err == nil {
		*l = idList{one}
		return nil
	}
	var many []int
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

func parseGenerationDefaults(data []byte) GenDefaults {
	var cfg struct {
		MaxNewTokens *int   `json:"max_new_tokens"`
		EOSTokenID   idList `json:"eos_token_id"`
	}
	if len(data) == 0 {
		return GenDefaults{}
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return GenDefaults{}
	}
	return GenDefaults{MaxNewTokens: cfg.MaxNewTokens, EOSTokenIDs: cfg.EOSTokenID}
}

func resolveGenerate(opts GenerateOptions, defaults GenDefaults) GenerateOptions {
	if opts.MaxNewTokens > 0 {
		return opts
	}
	opts.MaxNewTokens = DefaultMaxNewTokens
	if defaults.MaxNewTokens != nil && *defaults.MaxNewTokens > 0 {
		opts.MaxNewTokens = *defaults.MaxNewTokens
	}
	return opts
}
