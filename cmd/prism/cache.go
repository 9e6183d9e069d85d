package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/prism/internal/logger"
)

func cacheCmd() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Inspect or clear the artifact cache",
		Commands: []*cli.Command{
			{
				Name:  "info",
				Usage: "Show cache location and usage",
				Flags: cacheFlags(),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					applyCacheConfig(cmd, fileConfig)
					store, err := openStore(logger.FromContext(ctx))
					if err != nil {
						return err
					}
					usage, err := store.Info()
					if err != nil {
						return err
					}
					fmt.Printf("directory:  %s\n", store.Dir())
					fmt.Printf("used:       %s\n", formatBytes(usage.Used))
					fmt.Printf("available:  %s\n", formatBytes(usage.Available))
					return nil
				},
			},
			{
				Name:  "clear",
				Usage: "Remove every cached artifact",
				Flags: cacheFlags(),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					applyCacheConfig(cmd, fileConfig)
					log := logger.FromContext(ctx)
					store, err := openStore(log)
					if err != nil {
						return err
					}
					cleared, err := store.Clear()
					if err != nil {
						return err
					}
					log.Info("cache cleared", "directory", store.Dir(), "removed", cleared)
					return nil
				},
			},
		},
	}
}
