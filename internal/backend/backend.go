package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
)

// Devices accepted on the command line and in config.
const (
	CPU  = "cpu"
	GPU  = "gpu"
	Auto = "auto"
)

// Execution engines registered with gomlx.
const (
	XLA      = "xla"
	SimpleGo = "simplego"
)

func Normalize(name string) (string, error) {
	device := strings.ToLower(strings.TrimSpace(name))
	switch device {
	case "":
		return Auto, nil
	case "cuda", "webgpu":
		return GPU, nil
	case CPU, GPU, Auto:
		return device, nil
	default:
		return "", fmt.Errorf("unknown device %q (expected auto, cpu, or gpu)", device)
	}
}

// Candidates lists the engines tried for device, in order. Accelerated
// devices fall back to the pure-Go engine.
func Candidates(device string) []string {
	if device == CPU {
		return []string{SimpleGo}
	}
	return []string{XLA, SimpleGo}
}

type openFunc func(config string) (backends.Backend, error)

// Open returns the first engine for device that initialises, with its name.
func Open(device string) (backends.Backend, string, error) {
	return open(device, backends.NewWithConfig)
}

func open(device string, newEngine openFunc) (backends.Backend, string, error) {
	device, err := Normalize(device)
	if err != nil {
		return nil, "", err
	}
	var errs []error
	for _, name := range Candidates(device) {
		engine, err := newEngine(name)
		if err == nil {
			return engine, name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return nil, "", fmt.Errorf("no execution engine for device %q: %w", device, errors.Join(errs...))
}
