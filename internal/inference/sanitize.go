package inference

import "strings"

// historyMarkers never belong in replayed assistant text. Image markers in
// particular would be counted as placeholders with no image behind them.
var historyMarkers = strings.NewReplacer(
	"<|im_start|>", "",
	"<|im_end|>", "",
	"<|endoftext|>", "",
	"<|startoftext|>", "",
	"<|image_start|>", "",
	"<|image_end|>", "",
	"<image>", "",
)

// sanitizeAssistant prepares an earlier assistant reply for the next prompt.
func sanitizeAssistant(text string) string {
	return strings.TrimSpace(historyMarkers.Replace(dropThinking(text)))
}

// dropThinking removes <think> spans, case-insensitively. An unclosed span
// runs to the end of the text.
func dropThinking(text string) string {
	const openTag, closeTag = "<think>", "</think>"
	lower := strings.ToLower(text)
	if len(lower) != len(text) {
		// Case folding changed byte offsets; match exactly instead.
		lower = text
	}
	if !strings.Contains(lower, openTag) {
		return text
	}
	var b strings.Builder
	for {
		i := strings.Index(lower, openTag)
		if i < 0 {
			b.WriteString(text)
			return b.String()
		}
		b.WriteString(text[:i])
		j := strings.Index(lower[i+len(openTag):], closeTag)
		if j < 0 {
			return b.String()
		}
		cut := i + len(openTag) + j + len(closeTag)
		text, lower = text[cut:], lower[cut:]
	}
}
