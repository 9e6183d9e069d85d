package api

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// ChunkStreamWriter writes chat completion chunks as server-sent events.
type ChunkStreamWriter struct {
	w       io.Writer
	flusher func()
	id      string
	created int64
	model   string
	err     error
}

func NewChunkStreamWriter(c *echo.Context, id string, created int64, model string) (*ChunkStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	return &ChunkStreamWriter{
		w:       res,
		flusher: flusher.Flush,
		id:      id,
		created: created,
		model:   model,
	}, nil
}

// Begin sends the assistant role delta.
func (s *ChunkStreamWriter) Begin() error {
	return s.delta(&ChatMessage{Role: "assistant"}, nil)
}

// EmitToken sends one content delta. Empty text (a held-back partial rune
// or a special token) is skipped.
func (s *ChunkStreamWriter) EmitToken(text string) error {
	if text == "" {
		return s.err
	}
	return s.delta(&ChatMessage{Content: text}, nil)
}

func (s *ChunkStreamWriter) Complete(finishReason string) error {
	if err := s.delta(&ChatMessage{}, &finishReason); err != nil {
		return err
	}
	return s.done()
}

// Failed reports a mid-stream error. Headers are already out, so the error
// travels as a data event.
func (s *ChunkStreamWriter) Failed(err error) error {
	_, typ := statusFor(err)
	if sendErr := s.send(map[string]any{"error": ErrorBody{Message: err.Error(), Type: typ}}); sendErr != nil {
		return sendErr
	}
	return s.done()
}

func (s *ChunkStreamWriter) delta(msg *ChatMessage, finish *string) error {
	return s.send(ChatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChatChoice{{Index: 0, Delta: msg, FinishReason: finish}},
	})
}

func (s *ChunkStreamWriter) done() error {
	if s.err != nil {
		return s.err
	}
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		s.err = err
		return err
	}
	s.flush()
	return nil
}

// send records the first write error; later sends are dropped.
func (s *ChunkStreamWriter) send(payload any) error {
	if s.err != nil {
		return s.err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		s.err = err
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		s.err = err
		return err
	}
	s.flush()
	return nil
}

func (s *ChunkStreamWriter) flush() {
	if s.flusher != nil {
		s.flusher()
	}
}
