package inference

import (
	"errors"
	"fmt"
)

var (
	ErrNotLoaded          = errors.New("runtime: no model loaded")
	ErrImageTokenMismatch = errors.New("image token count does not match image embeddings")
)

// ImageTokenMismatchError reports placeholder positions that do not line up
// with the image embedding rows.
type ImageTokenMismatchError struct {
	Markers int
	Rows    int
}

func (e *ImageTokenMismatchError) Error() string {
	return fmt.Sprintf("%v: %d marker tokens, %d embedding rows", ErrImageTokenMismatch, e.Markers, e.Rows)
}

func (e *ImageTokenMismatchError) Unwrap() error { return ErrImageTokenMismatch }
