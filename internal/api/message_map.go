package api

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/prism/internal/inference"
)

// chatMessagesToRuntime flattens OpenAI content parts. Text parts join with
// newlines; image_url parts become the images that message introduced.
func chatMessagesToRuntime(msgs []ChatMessage) ([]inference.Message, map[int][]string, error) {
	out := make([]inference.Message, 0, len(msgs))
	var images map[int][]string
	for i, m := range msgs {
		if m.Role == "" {
			return nil, nil, newInvalidRequest(fmt.Sprintf("messages[%d]: role is required", i))
		}
		text, refs, err := flattenContent(m.Content)
		if err != nil {
			return nil, nil, newInvalidRequest(fmt.Sprintf("messages[%d]: %v", i, err))
		}
		if len(refs) > 0 {
			if images == nil {
				images = map[int][]string{}
			}
			images[i] = refs
		}
		out = append(out, inference.Message{Role: m.Role, Content: text})
	}
	return out, images, nil
}

func flattenContent(content any) (string, []string, error) {
	switch v := content.(type) {
	case nil:
		return "", nil, nil
	case string:
		return v, nil, nil
	case []any:
		var texts, refs []string
		for _, part := range v {
			pm, ok := part.(map[string]any)
			if !ok {
				return "", nil, fmt.Errorf("content part must be an object")
			}
			typ, _ := pm["type"].(string)
			switch typ {
			case "text", "input_text":
				if s, ok := pm["text"].(string); ok {
					texts = append(texts, s)
				}
			case "image_url", "input_image":
				ref, err := imageRef(pm)
				if err != nil {
					return "", nil, err
				}
				refs = append(refs, ref)
			default:
				return "", nil, fmt.Errorf("unsupported content part type %q", typ)
			}
		}
		return strings.Join(texts, "\n"), refs, nil
	default:
		b, err := json.Marshal(content)
		if err != nil {
			return "", nil, fmt.Errorf("unsupported content type")
		}
		return string(b), nil, nil
	}
}

// imageRef accepts {"image_url": "..."} and {"image_url": {"url": "..."}}.
func imageRef(part map[string]any) (string, error) {
	switch v := part["image_url"].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case map[string]any:
		if url, _ := v["url"].(string); url != "" {
			return url, nil
		}
	}
	return "", fmt.Errorf("image part without url")
}
