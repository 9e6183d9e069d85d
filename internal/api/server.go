package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/prism/internal/artifact"
	"github.com/samcharles93/prism/internal/inference"
	"github.com/samcharles93/prism/internal/logger"
)

// Runtime is the part of inference.Runtime the server drives.
type Runtime interface {
	Generate(ctx context.Context, messages []inference.Message, opts inference.GenerateOptions) (*inference.Result, error)
	CacheInfo() (artifact.Usage, error)
	ClearModelCache() (bool, error)
	ClearImageCache()
	Loaded() bool
}

type Server struct {
	runtime Runtime
	model   string
	clock   func() time.Time
	log     logger.Logger
}

// NewServer serves one loaded model under the given model name.
func NewServer(runtime Runtime, model string, log logger.Logger) *Server {
	return &Server{
		runtime: runtime,
		model:   model,
		clock:   time.Now,
		log:     logger.Component(log, "api"),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/cache", s.handleCacheInfo)
	e.DELETE("/v1/cache", s.handleCacheClear)
	e.POST("/v1/images/reset", s.handleImagesReset)

	// Chat Completions API (OpenAI-compatible)
	s.RegisterChatCompletions(e)
}

func (s *Server) handleHealth(c *echo.Context) error {
	loaded := s.runtime != nil && s.runtime.Loaded()
	status := http.StatusOK
	resp := HealthResponse{Status: "ok", Model: s.model, Loaded: loaded}
	if !loaded {
		status = http.StatusServiceUnavailable
		resp.Status = "loading"
	}
	return c.JSON(status, resp)
}

func (s *Server) handleCacheInfo(c *echo.Context) error {
	usage, err := s.runtime.CacheInfo()
	if err != nil {
		return writeRuntimeError(c, err)
	}
	return c.JSON(http.StatusOK, CacheInfoResponse{Object: "cache", Used: usage.Used, Available: usage.Available})
}

func (s *Server) handleCacheClear(c *echo.Context) error {
	cleared, err := s.runtime.ClearModelCache()
	if err != nil {
		return writeRuntimeError(c, err)
	}
	s.log.Info("artifact cache cleared", "cleared", cleared)
	return c.JSON(http.StatusOK, CacheClearResponse{Object: "cache", Cleared: cleared})
}

func (s *Server) handleImagesReset(c *echo.Context) error {
	s.runtime.ClearImageCache()
	return c.NoContent(http.StatusNoContent)
}
