package inference

import (
	"time"

	"github.com/samcharles93/prism/internal/graph"
)

// Message is one conversation turn. Content is a string or a list of
// content parts.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// TokenFunc receives each generated token's text and id. Returning true
// stops generation after the current token.
type TokenFunc func(text string, id int) bool

type LoadOptions struct {
	// Device is cpu, gpu or auto.
	Device       string
	Quantization graph.Quantization
	Progress     graph.ProgressFunc
}

type GenerateOptions struct {
	// MaxNewTokens caps generated tokens. Zero uses the model default.
	MaxNewTokens int
	// Images belong to the latest user turn unless MessageImages places them.
	Images []string
	// MessageImages maps a message index to the images that turn introduced.
	MessageImages map[int][]string
	OnToken       TokenFunc
}

type StopReason string

const (
	StopEOS      StopReason = "eos"
	StopCallback StopReason = "callback"
	StopLength   StopReason = "length"
)

type Stats struct {
	PromptTokens    int
	ImageTokens     int
	TokensGenerated int
	Duration        time.Duration
	TPS             float64
	StopReason      StopReason
}

type Result struct {
	Text   string
	Tokens []int
	Stats  Stats
}
