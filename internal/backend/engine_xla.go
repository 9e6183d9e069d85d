//go:build xla

package backend

import _ "github.com/gomlx/gomlx/backends/xla"

const xlaEnabled = true
