package inference

import (
	"fmt"
	"slices"

	"github.com/samcharles93/prism/internal/logger"
	"github.com/samcharles93/prism/internal/tokenizer"
)

// ExpandImageTokens replaces the i-th image marker in ids with perImage[i]
// markers, bracketed by the region tokens when both are known. Markers past
// the last image are kept as single tokens. It returns the expanded sequence
// and the number of markers found in ids.
func ExpandImageTokens(ids []int, perImage []int, special tokenizer.SpecialTokens) ([]int, int) {
	if special.Image < 0 {
		return slices.Clone(ids), 0
	}
	extra := 0
	for _, n := range perImage {
		extra += n + 1
	}
	out := make([]int, 0, len(ids)+extra)
	bounds := special.HasImageBounds()
	found := 0
	for _, id := range ids {
		if id != special.Image {
			out = append(out, id)
			continue
		}
		if found >= len(perImage) {
			out = append(out, id)
			found++
			continue
		}
		if bounds {
			out = append(out, special.ImageStart)
		}
		for range perImage[found] {
			out = append(out, special.Image)
		}
		if bounds {
			out = append(out, special.ImageEnd)
		}
		found++
	}
	return out, found
}

// ComposeEmbeddings overwrites the text embedding row at each marker
// position with the next image embedding row. When the marker count and the
// image row count differ, strict mode fails with *ImageTokenMismatchError;
// otherwise the shorter count is used and a warning is logged.
func ComposeEmbeddings(seq []int, text, image []float32, hidden, marker int, strict bool, log logger.Logger) ([]float32, error) {
	if hidden <= 0 {
		return nil, fmt.Errorf("compose: invalid hidden size %d", hidden)
	}
	if len(text) != len(seq)*hidden {
		return nil, fmt.Errorf("compose: %d text values for %d tokens of width %d", len(text), len(seq), hidden)
	}
	if len(image)%hidden != 0 {
		return nil, fmt.Errorf("compose: %d image values do not divide into rows of %d", len(image), hidden)
	}
	out := slices.Clone(text)
	rows := len(image) / hidden
	var positions []int
	if marker >= 0 {
		for i, id := range seq {
			if id == marker {
				positions = append(positions, i)
			}
		}
	}
	if len(positions) == 0 && rows == 0 {
		return out, nil
	}

	n := len(positions)
	if n != rows {
		mismatch := &ImageTokenMismatchError{Markers: n, Rows: rows}
		if strict {
			return nil, mismatch
		}
		if log == nil {
			log = logger.Default()
		}
		log.Warn("image token count mismatch; using the shorter count", "markers", n, "rows", rows)
		n = min(n, rows)
	}
	for i := range n {
		pos := positions[i]
		copy(out[pos*hidden:(pos+1)*hidden], image[i*hidden:(i+1)*hidden])
	}
	return out, nil
}
