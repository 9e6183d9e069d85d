package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/prism/internal/inference"
)

func (s *Server) RegisterChatCompletions(e *echo.Echo) {
	e.POST("/v1/chat/completions", s.handleChatCompletions)
	e.GET("/v1/models", s.handleListModels)
}

func (s *Server) handleListModels(c *echo.Context) error {
	data := []map[string]any{{
		"id":       s.model,
		"object":   "model",
		"created":  s.clock().Unix(),
		"owned_by": "local",
	}}
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (s *Server) handleChatCompletions(c *echo.Context) error {
	if s.runtime == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "runtime not configured", "", "")
	}

	req, err := decodeJSON[ChatCompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Messages) == 0 {
		return writeBadRequest(c, "messages is required and must not be empty")
	}
	msgs, images, err := chatMessagesToRuntime(req.Messages)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Temperature != nil && *req.Temperature > 0 {
		s.log.Debug("temperature ignored, decoding is greedy", "temperature", *req.Temperature)
	}

	opts := inference.GenerateOptions{MessageImages: images}
	if req.MaxTokens != nil {
		opts.MaxNewTokens = *req.MaxTokens
	}
	if req.MaxCompletionTokens != nil {
		opts.MaxNewTokens = *req.MaxCompletionTokens
	}
	if opts.MaxNewTokens < 0 {
		return writeBadRequest(c, "max_tokens must not be negative")
	}

	completionID := "chatcmpl-" + uuid.NewString()
	created := s.clock().Unix()
	model := req.Model
	if model == "" {
		model = s.model
	}

	if req.Stream != nil && *req.Stream {
		return s.handleChatCompletionsStream(c, msgs, opts, completionID, created, model)
	}
	return s.handleChatCompletionsSync(c, msgs, opts, completionID, created, model)
}

func (s *Server) handleChatCompletionsSync(c *echo.Context, msgs []inference.Message, opts inference.GenerateOptions, completionID string, created int64, model string) error {
	start := time.Now()
	result, err := s.runtime.Generate(c.Request().Context(), msgs, opts)
	if err != nil {
		s.log.Warn("chat completion failed", "id", completionID, "error", err)
		return writeRuntimeError(c, err)
	}
	s.log.Info("chat completion", "id", completionID, "tokens", result.Stats.TokensGenerated, "elapsed", time.Since(start).Round(time.Millisecond))

	finishReason := finishReasonFor(result.Stats.StopReason)
	resp := ChatCompletionResponse{
		ID:      completionID,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []ChatChoice{
			{
				Index: 0,
				Message: &ChatMessage{
					Role:    "assistant",
					Content: result.Text,
				},
				FinishReason: &finishReason,
			},
		},
		Usage: usageFor(result.Stats),
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleChatCompletionsStream(c *echo.Context, msgs []inference.Message, opts inference.GenerateOptions, completionID string, created int64, model string) error {
	w, err := NewChunkStreamWriter(c, completionID, created, model)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	c.Response().WriteHeader(http.StatusOK)
	if err := w.Begin(); err != nil {
		return nil
	}

	// A failed write means the client is gone; stop decoding.
	opts.OnToken = func(text string, _ int) bool {
		return w.EmitToken(text) != nil
	}
	result, err := s.runtime.Generate(c.Request().Context(), msgs, opts)
	if err != nil {
		s.log.Warn("chat completion stream failed", "id", completionID, "error", err)
		_ = w.Failed(err)
		return nil
	}
	_ = w.Complete(finishReasonFor(result.Stats.StopReason))
	return nil
}

func finishReasonFor(reason inference.StopReason) string {
	if reason == inference.StopLength {
		return "length"
	}
	return "stop"
}

func usageFor(st inference.Stats) ChatUsage {
	return ChatUsage{
		PromptTokens:     st.PromptTokens,
		CompletionTokens: st.TokensGenerated,
		TotalTokens:      st.PromptTokens + st.TokensGenerated,
		ImageTokens:      st.ImageTokens,
	}
}
