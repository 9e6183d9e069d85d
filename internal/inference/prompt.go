package inference

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samcharles93/prism/internal/tokenizer"
	"github.com/samcharles93/prism/internal/tplparser"
)

// placeImages assigns image references to turns. MessageImages entries stay
// with their turn; Images not already placed go to the last user turn.
// The returned references follow prompt order.
func placeImages(messages []Message, opts GenerateOptions) ([][]string, []string, error) {
	perMsg := make([][]string, len(messages))
	placed := map[string]bool{}
	for i, refs := range opts.MessageImages {
		if i < 0 || i >= len(messages) {
			return nil, nil, fmt.Errorf("images for message %d: only %d messages", i, len(messages))
		}
		perMsg[i] = append(perMsg[i], refs...)
		for _, ref := range refs {
			placed[ref] = true
		}
	}
	if len(opts.Images) > 0 {
		last := len(messages) - 1
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == "user" {
				last = i
				break
			}
		}
		if last < 0 {
			return nil, nil, fmt.Errorf("images given without any message")
		}
		for _, ref := range opts.Images {
			if !placed[ref] {
				perMsg[last] = append(perMsg[last], ref)
				placed[ref] = true
			}
		}
	}
	var ordered []string
	for _, refs := range perMsg {
		ordered = append(ordered, refs...)
	}
	return perMsg, ordered, nil
}

func (m *loadedModel) renderPrompt(messages []Message, opts GenerateOptions) (string, []string, error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("at least one message is required")
	}
	perMsg, refs, err := placeImages(messages, opts)
	if err != nil {
		return "", nil, err
	}

	msgs := make([]tplparser.Message, len(messages))
	for i, msg := range messages {
		content := msg.Content
		if s, ok := content.(string); ok && msg.Role == "assistant" {
			content = sanitizeAssistant(s)
		}
		msgs[i] = tplparser.Message{Role: msg.Role, Content: content, Images: len(perMsg[i])}
	}

	bos := ""
	if id := m.tok.BOSID(); id >= 0 {
		bos = m.tok.TokenString(id)
	}
	rendered, ok, err := tplparser.Render(tplparser.RenderOptions{
		Template:            m.template,
		Arch:                m.cfg.Arch,
		BOSToken:            bos,
		AddBOS:              m.tok.AddBOS(),
		AddGenerationPrompt: true,
		ImageToken:          tokenizer.ImageToken,
		Messages:            msgs,
	})
	if err != nil {
		return "", nil, fmt.Errorf("render prompt: %w", err)
	}
	if ok {
		return rendered, refs, nil
	}
	text, err := lastUserText(messages)
	if err != nil {
		return "", nil, err
	}
	// Without a template the placeholders go in front of the text.
	last := perMsg[len(perMsg)-1]
	if len(refs) != len(last) {
		return "", nil, fmt.Errorf("images on earlier turns need a chat template")
	}
	return strings.Repeat(tokenizer.ImageToken, len(last)) + text, slices.Clone(last), nil
}

func lastUserText(msgs []Message) (string, error) {
	msg := msgs[len(msgs)-1]
	if text, ok := msg.Content.(string); ok {
		return text, nil
	}
	return "", fmt.Errorf("prompt content is not a string and no template renderer matched")
}
