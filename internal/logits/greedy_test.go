package logits

import (
	"errors"
	"math"
	"testing"
)

func TestArgmax(t *testing.T) {
	t.Parallel()

	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	tests := []struct {
		name string
		in   []float32
		want int
	}{
		{"single", []float32{-3}, 0},
		{"max", []float32{-1, 5, 3, 7, 2}, 3},
		{"tie lowest index", []float32{1, 9, 9, 0}, 1},
		{"negative", []float32{-5, -2, -9}, 1},
		{"skips nan", []float32{nan, 1, nan, 2}, 3},
		{"inf", []float32{1, inf, 2}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Argmax(tc.in)
			if err != nil {
				t.Fatalf("Argmax: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Argmax(%v) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

func TestArgmaxEmpty(t *testing.T) {
	t.Parallel()

	for _, in := range [][]float32{nil, {float32(math.NaN())}} {
		if _, err := Argmax(in); !errors.Is(err, ErrEmpty) {
			t.Fatalf("Argmax(%v) error = %v, want ErrEmpty", in, err)
		}
	}
}

func TestArgmaxDeterministic(t *testing.T) {
	t.Parallel()

	in := []float32{0.5, 0.25, 0.5, 0.125}
	first, _ := Argmax(in)
	for range 10 {
		if got, _ := Argmax(in); got != first {
			t.Fatalf("Argmax not deterministic: %d vs %d", got, first)
		}
	}
}
