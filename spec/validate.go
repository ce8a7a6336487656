package spec

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/rthomas/spiceai/errors"
)

//go:embed spicepod.schema.json
var schemaJSON []byte

var schemaLoader = gojsonschema.NewBytesLoader(schemaJSON)

// ValidateDocument checks a raw spicepod document against the spicepod JSON schema.
func ValidateDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"Spec", "ValidateDocument", "decode spicepod")
	}
	if doc == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: empty spicepod", errors.ErrInvalidConfig),
			"Spec", "ValidateDocument", "decode spicepod")
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return errors.WrapInvalid(err, "Spec", "ValidateDocument", "schema validation")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(msgs, "; ")),
			"Spec", "ValidateDocument", "schema validation")
	}
	return nil
}

// Validate checks the rules the schema cannot express.
func (a *App) Validate() error {
	var problems []string

	seen := make(map[string]bool)
	for _, ds := range a.Datasets {
		switch {
		case ds.Name == "":
			problems = append(problems, "dataset with empty name")
			continue
		case seen[ds.Name]:
			problems = append(problems, fmt.Sprintf("duplicate dataset %s", ds.Name))
		}
		seen[ds.Name] = true

		if ds.SQL != "" && ds.SQLRef != "" {
			problems = append(problems, fmt.Sprintf("dataset %s sets both sql and sql_ref", ds.Name))
		}
		if !ds.IsView() && ds.From == "" {
			problems = append(problems, fmt.Sprintf("dataset %s has no from", ds.Name))
		}
		if !ds.Mode.Valid() {
			problems = append(problems, fmt.Sprintf("dataset %s has unknown mode %q", ds.Name, ds.Mode))
		}
		if _, err := ds.Acceleration.Refresh(); err != nil {
			problems = append(problems, fmt.Sprintf("dataset %s: %v", ds.Name, err))
		}
	}

	seen = make(map[string]bool)
	for _, m := range a.Models {
		switch {
		case m.Name == "":
			problems = append(problems, "model with empty name")
			continue
		case seen[m.Name]:
			problems = append(problems, fmt.Sprintf("duplicate model %s", m.Name))
		}
		seen[m.Name] = true
		if m.From == "" {
			problems = append(problems, fmt.Sprintf("model %s has no from", m.Name))
		}
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Spec", "Validate", "spicepod rules")
	}
	return nil
}
