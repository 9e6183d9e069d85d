package inference

import (
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// ResolveChatTemplate picks the chat template: an explicit override (inline
// or a file path) first, then the tokenizer config's. The second value names
// the source.
func ResolveChatTemplate(override string, tokConfig []byte) (string, string) {
	template := strings.TrimSpace(override)
	source := ""
	switch {
	case template != "":
		source = "flag"
	default:
		if t := configTemplate(tokConfig); t != "" {
			template = t
			source = "tokenizer_config"
		} else {
			return "", "none"
		}
	}

	if len(template) < 256 && fileExists(template) {
		if raw, err := os.ReadFile(template); err == nil && len(raw) > 0 {
			template = string(raw)
			source += ":file"
		}
	}
	return template, source
}

// configTemplate reads chat_template as a string or as a list of named
// templates, preferring "default".
func configTemplate(tokConfig []byte) string {
	if len(tokConfig) == 0 {
		return ""
	}
	var cfg struct {
		ChatTemplate json.RawMessage `json:"chat_template"`
	}
	if err := json.Unmarshal(tokConfig, &cfg); err != nil || len(cfg.ChatTemplate) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(cfg.ChatTemplate, &s); err == nil {
		return s
	}
	var named []struct {
		Name     string `json:"name"`
		Template string `json:"template"`
	}
	if err := json.Unmarshal(cfg.ChatTemplate, &named); err != nil || len(named) == 0 {
		return ""
	}
	for _, t := range named {
		if t.Name == "default" {
			return t.Template
		}
	}
	return named[0].Template
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
