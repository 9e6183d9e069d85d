// Package logits selects the next token from a logits vector.
package logits

import (
	"errors"
	"math"
)

var ErrEmpty = errors.New("logits: empty vector")

// Argmax returns the index of the largest value. NaN
// entries are ignored; ties resolve to the lowest index so selection is
// deterministic.
func Argmax(x []float32) (int, error) {
	bestI := -1
	var bestV float32
	for i, v := range x {
		if math.IsNaN(float64(v)) {
			continue
		}
		if bestI < 0 || v > bestV {
			bestI, bestV = i, v
		}
	}
	if bestI < 0 {
		return 0, ErrEmpty
	}
	return bestI, nil
}
