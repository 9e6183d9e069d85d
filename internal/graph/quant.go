package graph

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// TextEmbedderTag is the only reduced-precision variant of the token
// embedder.
const TextEmbedderTag = "fp16"

var knownTags = []string{"fp16", "q4", "q4f16", "q8", "int8", "uint8", "bnb4", "quantized"}

// Quantization selects graph variants. The decoder and image embedder are
// independent; the token embedder follows from whether anything is requested.
type Quantization struct {
	Decoder     string `json:"decoder,omitempty" yaml:"decoder"`
	EmbedImages string `json:"embed_images,omitempty" yaml:"embed_images"`
}

// Uniform applies one tag to every graph.
func Uniform(tag string) Quantization {
	return Quantization{Decoder: tag, EmbedImages: tag}
}

// Requested reports whether any graph asks for a reduced-precision variant.
func (q Quantization) Requested() bool {
	return normalizeTag(q.Decoder) != "" || normalizeTag(q.EmbedImages) != ""
}

// For returns the file suffix tag for kind; "" means full precision.
func (q Quantization) For(kind Kind) string {
	switch kind {
	case EmbedTokens:
		if q.Requested() {
			return TextEmbedderTag
		}
		return ""
	case EmbedImages:
		return normalizeTag(q.EmbedImages)
	default:
		return normalizeTag(q.Decoder)
	}
}

func (q Quantization) Validate() error {
	for _, tag := range []string{q.Decoder, q.EmbedImages} {
		if t := normalizeTag(tag); t != "" && !slices.Contains(knownTags, t) {
			return fmt.Errorf("unknown quantization %q (expected one of %s)", tag, strings.Join(knownTags, ", "))
		}
	}
	return nil
}

func (q Quantization) String() string {
	d, i := q.For(Decoder), q.For(EmbedImages)
	if d == i {
		return orFull(d)
	}
	return "decoder=" + orFull(d) + ",embed_images=" + orFull(i)
}

func orFull(tag string) string {
	if tag == "" {
		return "fp32"
	}
	return tag
}

func normalizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	switch tag {
	case "", "fp32", "full", "none":
		return ""
	}
	return tag
}

// FileName returns the repository-relative graph file for kind and tag.
func FileName(kind Kind, tag string) string {
	base := "decoder_model_merged"
	switch kind {
	case EmbedTokens:
		base = "embed_tokens"
	case EmbedImages:
		base = "embed_images"
	}
	if tag = normalizeTag(tag); tag != "" {
		base += "_" + tag
	}
	return "onnx/" + base + ".onnx"
}

// DefaultShards is the fixed number of external data files each published
// graph carries. Files not listed have their weights inline.
var DefaultShards = map[string]int{
	"onnx/embed_tokens.onnx":               1,
	"onnx/embed_tokens_fp16.onnx":          1,
	"onnx/embed_images.onnx":               1,
	"onnx/embed_images_fp16.onnx":          1,
	"onnx/embed_images_q4.onnx":            1,
	"onnx/embed_images_q4f16.onnx":         1,
	"onnx/embed_images_q8.onnx":            1,
	"onnx/decoder_model_merged.onnx":       2,
	"onnx/decoder_model_merged_fp16.onnx":  1,
	"onnx/decoder_model_merged_q4.onnx":    1,
	"onnx/decoder_model_merged_q4f16.onnx": 1,
	"onnx/decoder_model_merged_q8.onnx":    1,
}

// ShardName returns the i-th external data file of file: "<file>_data",
// "<file>_data_1", ...
func ShardName(file string, i int) string {
	if i == 0 {
		return file + "_data"
	}
	return file + "_data_" + strconv.Itoa(i)
}
