// Package model materializes model artifacts declared in the spicepod and
// keeps the loaded set in a Registry. Inference is not handled here; a loaded
// Model is a verified local copy of the artifact.
package model

import (
	"maps"
	"time"

	"github.com/rthomas/spiceai/spec"
)

// Model is a loaded artifact
type Model struct {
	Name     string            `json:"name"`
	From     string            `json:"from"`
	Source   string            `json:"source"`
	Params   map[string]string `json:"params,omitempty"`
	Path     string            `json:"path"`
	SHA256   string            `json:"sha256"`
	Size     int64             `json:"size"`
	LoadedAt time.Time         `json:"loaded_at"`
}

func newModel(m spec.Model) *Model {
	return &Model{
		Name:   m.Name,
		From:   m.From,
		Source: m.Source(),
		Params: maps.Clone(m.Params),
	}
}
