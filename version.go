package parley

import (
	_ "embed"
	"strings"
)

// Version is the release of this module, read from the VERSION file.
//
//go:embed VERSION
var Version string

// Release returns Version without the trailing newline of the file.
func Release() string {
	return strings.TrimSpace(Version)
}
