package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/prism/internal/graph"
)

var (
	modelPath         string
	cacheDir          string
	cacheMaxBytes     int64
	hubURL            string
	device            string
	quantization      string
	decoderQuant      string
	imageQuant        string
	chatTemplate      string
	strictImageTokens bool
	logLevel          string
	logFormat         string
	debug             bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "hub repository id (org/name[@revision]), base URL, or local directory",
			Sources:     cli.EnvVars(envModel),
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "execution device (auto, cpu, gpu)",
			Value:       "auto",
			Destination: &device,
		},
		&cli.StringFlag{
			Name:        "quantization",
			Aliases:     []string{"q"},
			Usage:       "graph variant for decoder and image embedder (fp16, q4, q4f16, q8, ...)",
			Destination: &quantization,
		},
		&cli.StringFlag{
			Name:        "decoder-quantization",
			Usage:       "decoder variant, overrides --quantization",
			Destination: &decoderQuant,
		},
		&cli.StringFlag{
			Name:        "image-quantization",
			Usage:       "image embedder variant, overrides --quantization",
			Destination: &imageQuant,
		},
		&cli.StringFlag{
			Name:        "chat-template",
			Usage:       "override the tokenizer chat template (inline or path)",
			Destination: &chatTemplate,
		},
		&cli.BoolFlag{
			Name:        "strict-image-tokens",
			Usage:       "fail when image placeholders and image embeddings disagree",
			Destination: &strictImageTokens,
		},
	}
}

func cacheFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "cache-dir",
			Usage:       "artifact cache directory",
			Sources:     cli.EnvVars(envCacheDir),
			Destination: &cacheDir,
		},
		&cli.Int64Flag{
			Name:        "cache-max-bytes",
			Usage:       "artifact cache size limit (0 = free disk space)",
			Destination: &cacheMaxBytes,
		},
		&cli.StringFlag{
			Name:        "hub-url",
			Usage:       "model hub base URL",
			Value:       "https://huggingface.co",
			Sources:     cli.EnvVars(envHubURL),
			Destination: &hubURL,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func selectedQuantization() graph.Quantization {
	q := graph.Uniform(quantization)
	if decoderQuant != "" {
		q.Decoder = decoderQuant
	}
	if imageQuant != "" {
		q.EmbedImages = imageQuant
	}
	return q
}
