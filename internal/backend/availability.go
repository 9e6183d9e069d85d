package backend

import "strings"

// Available returns a comma-separated list of available devices.
func Available() string {
	entries := []string{CPU}
	if Has(GPU) {
		entries = append(entries, GPU)
	}
	return strings.Join(entries, ",")
}

func Has(name string) bool {
	switch name {
	case GPU:
		return xlaEnabled
	default:
		return name == CPU
	}
}
