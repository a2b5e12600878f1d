// Package flows ships the built-in flow definitions and the in-process tools
// they call.
package flows

import (
	"embed"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/registry"
)

//go:embed definitions/*.json definitions/*.yaml
var definitions embed.FS

// Builtin parses the embedded flow definitions in file name order.
func Builtin() ([]models.Flow, error) {
	return registry.LoadFS(definitions, "definitions")
}
