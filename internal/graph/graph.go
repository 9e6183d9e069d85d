// Package graph resolves, fetches and constructs the three computation
// graphs of a vision-language model: token embedder, image embedder and
// decoder.
package graph

import (
	"context"
	"fmt"

	"github.com/samcharles93/prism/internal/logger"
	"github.com/samcharles93/prism/internal/tensor"
)

// Kind identifies one of the three graphs.
type Kind int

const (
	EmbedTokens Kind = iota
	EmbedImages
	Decoder
)

// Kinds is the load order.
var Kinds = []Kind{EmbedTokens, EmbedImages, Decoder}

func (k Kind) String() string {
	switch k {
	case EmbedTokens:
		return "embed_tokens"
	case EmbedImages:
		return "embed_images"
	case Decoder:
		return "decoder"
	default:
		return fmt.Sprintf("graph(%d)", int(k))
	}
}

// Graph is an executable computation graph with named inputs and outputs.
// Implementations need not be safe for concurrent Run calls.
type Graph interface {
	Name() string
	InputNames() []string
	OutputNames() []string
	Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
	Close() error
}

// Artifact is one fetched file: in memory (Data) or on disk (Path).
type Artifact struct {
	// Name is the repository-relative file name, e.g. "onnx/embed_tokens.onnx".
	Name string
	Path string
	Data []byte
	Size int64
}

// Spec is everything an Engine needs to construct one graph.
type Spec struct {
	Name         string
	Model        Artifact
	ExternalData []Artifact
	Device       string
}

// Engine turns fetched artifacts into executable graphs.
type Engine interface {
	Load(ctx context.Context, spec Spec) (Graph, error)
}

// Set holds the three graphs of a loaded model.
type Set struct {
	EmbedTokens Graph
	EmbedImages Graph
	Decoder     Graph
}

func (s *Set) get(kind Kind) Graph {
	switch kind {
	case EmbedTokens:
		return s.EmbedTokens
	case EmbedImages:
		return s.EmbedImages
	default:
		return s.Decoder
	}
}

func (s *Set) put(kind Kind, g Graph) {
	switch kind {
	case EmbedTokens:
		s.EmbedTokens = g
	case EmbedImages:
		s.EmbedImages = g
	default:
		s.Decoder = g
	}
}

// Release closes every handle independently. A failing or panicking Close is
// logged and does not prevent the others from being released. It returns the
// number of failures and is safe to call more than once.
func (s *Set) Release(log logger.Logger) int {
	if s == nil {
		return 0
	}
	if log == nil {
		log = logger.Default()
	}
	failed := 0
	for _, kind := range Kinds {
		g := s.get(kind)
		if g == nil {
			continue
		}
		s.put(kind, nil)
		if err := safeClose(g); err != nil {
			failed++
			log.Error("failed to release graph", "graph", kind.String(), "error", err)
		}
	}
	return failed
}

func safeClose(g Graph) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during close: %v", r)
		}
	}()
	return g.Close()
}
