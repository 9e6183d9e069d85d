package main

import (
	"context"
	"errors"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/prism/internal/logger"
)

func pullCmd() *cli.Command {
	return &cli.Command{
		Name:  "pull",
		Usage: "Download a model's documents and graphs into the cache",
		Flags: append(commonModelFlags(), cacheFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, fileConfig)
			log := logger.FromContext(ctx)
			if modelPath == "" {
				return errors.New("--model is required (or set " + envModel + ")")
			}

			s, err := openSession(log)
			if err != nil {
				return err
			}
			defer s.Close()

			start := time.Now()
			n, err := s.runtime.Prefetch(ctx, modelPath, selectedQuantization(), progressLogger(log))
			if err != nil {
				return err
			}
			log.Info("model cached",
				"model", modelPath,
				"quantization", selectedQuantization().String(),
				"graph_bytes", formatBytes(n),
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
			return nil
		},
	}
}
