package tplparser

import (
	"fmt"
	"strings"
)

const defaultImageToken = "<image>"

// renderLFM2 renders the ChatML layout used by LFM2 and LFM2-VL. Image parts
// become one placeholder each; the runtime expands them after tokenization.
func renderLFM2(opts RenderOptions) (string, bool, error) {
	var b strings.Builder

	if !opts.AddBOS && opts.BOSToken != "" {
		b.WriteString(opts.BOSToken)
	}
	image := opts.ImageToken
	if image == "" {
		image = defaultImageToken
	}

	for _, m := range opts.Messages {
		b.WriteString("<|im_start|>")
		b.WriteString(m.Role)
		b.WriteString("\n")
		for range m.Images {
			b.WriteString(image)
		}
		if err := writeLFM2Content(&b, m.Content, image); err != nil {
			return "", false, fmt.Errorf("lfm2: %s content: %w", m.Role, err)
		}
		b.WriteString("<|im_end|>\n")
	}

	if opts.AddGenerationPrompt {
		b.WriteString("<|im_start|>assistant\n")
	}
	return b.String(), true, nil
}

func writeLFM2Content(b *strings.Builder, content any, image string) error {
	switch v := content.(type) {
	case nil:
		return nil
	case string:
		b.WriteString(v)
		return nil
	case []map[string]any:
		for _, part := range v {
			if err := writeLFM2Part(b, part, image); err != nil {
				return err
			}
		}
		return nil
	}
	parts, ok := asSlice(content)
	if !ok {
		j, err := jsonString(content)
		if err != nil {
			return err
		}
		b.WriteString(j)
		return nil
	}
	for _, p := range parts {
		part, ok := asMap(p)
		if !ok {
			if s, ok := asString(p); ok {
				b.WriteString(s)
				continue
			}
			return fmt.Errorf("unsupported content part %T", p)
		}
		if err := writeLFM2Part(b, part, image); err != nil {
			return err
		}
	}
	return nil
}

func writeLFM2Part(b *strings.Builder, part map[string]any, image string) error {
	typ, _ := asString(part["type"])
	switch typ {
	case "text":
		text, _ := asString(part["text"])
		b.WriteString(text)
	case "image", "image_url":
		b.WriteString(image)
	default:
		return fmt.Errorf("unsupported content part type %q", typ)
	}
	return nil
}
