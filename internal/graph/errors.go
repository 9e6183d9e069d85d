package graph

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrGraphLoad = errors.New("graph load failed")

const numericHint = "likely out of GPU memory or unsupported by the selected backend"

// LoadError names the graph that failed to construct.
type LoadError struct {
	Graph string
	Err   error
	Hint  string
}

func (e *LoadError) Error() string {
	msg := fmt.Sprintf("graph %s: load failed: %v", e.Graph, e.Err)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *LoadError) Unwrap() []error { return []error{ErrGraphLoad, e.Err} }

// NormalizeLoadError wraps err for graph. Engines sometimes fail with nothing
// but a numeric status code; those get a hint at the likely cause.
func NormalizeLoadError(graph string, err error) error {
	if err == nil {
		return nil
	}
	var le *LoadError
	if errors.As(err, &le) {
		return err
	}
	out := &LoadError{Graph: graph, Err: err}
	if bareNumber(err.Error()) {
		out.Hint = numericHint
	}
	return out
}

func bareNumber(msg string) bool {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return false
	}
	if _, err := strconv.ParseInt(msg, 10, 64); err == nil {
		return true
	}
	_, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(msg), "0x"), 16, 64)
	return err == nil && strings.HasPrefix(strings.ToLower(msg), "0x")
}
