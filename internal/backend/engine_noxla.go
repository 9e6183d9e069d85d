//go:build !xla

package backend

const xlaEnabled = false
