package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"

	"github.com/samcharles93/prism/internal/artifact"
	"github.com/samcharles93/prism/internal/graph"
	"github.com/samcharles93/prism/internal/inference"
	"github.com/samcharles93/prism/internal/logger"
)

// setup reads the config file and installs the logger on the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configPath())
	if err != nil {
		return ctx, fmt.Errorf("config %s: %w", configPath(), err)
	}
	fileConfig = cfg
	applyLoggingConfig(cmd, cfg)

	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	return logger.WithContext(ctx, logger.ForFormat(logFormat, os.Stderr, level)), nil
}

func openStore(log logger.Logger) (*artifact.Cache, error) {
	dir, err := resolvedCacheDir()
	if err != nil {
		return nil, err
	}
	return artifact.New(artifact.Options{Dir: dir, MaxBytes: cacheMaxBytes, Logger: log})
}

// session owns the runtime and the execution engine behind it.
type session struct {
	runtime *inference.Runtime
	engine  *graph.ONNXEngine
}

func openSession(log logger.Logger) (*session, error) {
	store, err := openStore(log)
	if err != nil {
		return nil, err
	}
	engine := graph.NewONNXEngine(log)
	rt, err := inference.NewRuntime(inference.Options{
		Store:             store,
		Engine:            engine,
		HubURL:            hubURL,
		Logger:            log,
		StrictImageTokens: strictImageTokens,
		ChatTemplate:      chatTemplate,
	})
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	return &session{runtime: rt, engine: engine}, nil
}

func (s *session) load(ctx context.Context, log logger.Logger) error {
	if modelPath == "" {
		return errors.New("--model is required (or set " + envModel + ")")
	}
	return s.runtime.Load(ctx, modelPath, inference.LoadOptions{
		Device:       device,
		Quantization: selectedQuantization(),
		Progress:     progressLogger(log),
	})
}

// Close releases graphs before the engines that back them.
func (s *session) Close() {
	s.runtime.Dispose()
	_ = s.engine.Close()
}

// progressLogger logs completed files and at most two loading updates per
// second.
func progressLogger(log logger.Logger) graph.ProgressFunc {
	limiter := rate.NewLimiter(rate.Every(500*time.Millisecond), 1)
	return func(ev graph.ProgressEvent) {
		switch {
		case ev.Status == graph.StatusDone:
			log.Info("fetched", "file", ev.File)
		case limiter.Allow():
			log.Info("fetching", "file", ev.File, "progress", fmt.Sprintf("%d%%", ev.Progress))
		}
	}
}

func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
		tb = 1024 * gb
	)
	switch {
	case b < 0:
		return "unknown"
	case b >= tb:
		return fmt.Sprintf("%.2f TiB", float64(b)/float64(tb))
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
