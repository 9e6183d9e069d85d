package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/prism/internal/inference"
	"github.com/samcharles93/prism/internal/logger"
)

func runCmd() *cli.Command {
	var (
		prompt       string
		system       string
		images       []string
		maxNewTokens int64
		noStream     bool
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate a reply to one prompt, optionally with images",
		Flags: append(append(commonModelFlags(), cacheFlags()...),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text (read from stdin when omitted)",
				Destination: &prompt,
			},
			&cli.StringFlag{
				Name:        "system",
				Aliases:     []string{"sys"},
				Usage:       "optional system prompt",
				Destination: &system,
			},
			&cli.StringSliceFlag{
				Name:        "image",
				Aliases:     []string{"i"},
				Usage:       "image path, URL or data URL (repeatable)",
				Destination: &images,
			},
			&cli.Int64Flag{
				Name:        "max-new-tokens",
				Aliases:     []string{"n"},
				Usage:       "maximum tokens to generate (0 = model default)",
				Destination: &maxNewTokens,
			},
			&cli.BoolFlag{
				Name:        "no-stream",
				Usage:       "print the reply once generation finishes",
				Destination: &noStream,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyRunConfig(cmd, fileConfig, &maxNewTokens)
			log := logger.FromContext(ctx)
			if maxNewTokens < 0 {
				return errors.New("--max-new-tokens must not be negative")
			}
			if prompt == "" {
				text, err := readPrompt(os.Stdin)
				if err != nil {
					return err
				}
				prompt = text
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			s, err := openSession(log)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.load(ctx, log); err != nil {
				return err
			}

			out := bufio.NewWriter(os.Stdout)
			defer out.Flush()
			opts := inference.GenerateOptions{
				MaxNewTokens: int(maxNewTokens),
				Images:       images,
			}
			if !noStream {
				opts.OnToken = func(text string, _ int) bool {
					_, _ = out.WriteString(text)
					_ = out.Flush()
					return false
				}
			}
			res, err := s.runtime.Generate(ctx, buildMessages(system, prompt), opts)
			if err != nil {
				return err
			}
			if noStream {
				_, _ = out.WriteString(res.Text)
			}
			_, _ = out.WriteString("\n")

			log.Info("generation stats",
				"prompt_tokens", res.Stats.PromptTokens,
				"image_tokens", res.Stats.ImageTokens,
				"tokens", res.Stats.TokensGenerated,
				"stop", res.Stats.StopReason,
				"tps", fmt.Sprintf("%.2f", res.Stats.TPS),
			)
			return nil
		},
	}
}

func buildMessages(system, prompt string) []inference.Message {
	var msgs []inference.Message
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, inference.Message{Role: "system", Content: system})
	}
	return append(msgs, inference.Message{Role: "user", Content: prompt})
}

// stdinIsTTY is a small seam for tests.
var stdinIsTTY = isTTY

func readPrompt(r io.Reader) (string, error) {
	if stdinIsTTY() {
		return "", errors.New("--prompt is required when stdin is a terminal")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("empty prompt on stdin")
	}
	return text, nil
}

func isTTY() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}
