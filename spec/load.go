package spec

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rthomas/spiceai/errors"
)

// maxPodFileSize bounds every spicepod or component file read from disk.
const maxPodFileSize = 1024 * 1024

// PodFileNames are the file names LoadDir looks for, in order.
var PodFileNames = []string{"spicepod.yaml", "spicepod.yml"}

type rawApp struct {
	Version  string      `yaml:"version"`
	Kind     string      `yaml:"kind"`
	Name     string      `yaml:"name"`
	Secrets  Secrets     `yaml:"secrets"`
	Datasets []yaml.Node `yaml:"datasets"`
	Models   []yaml.Node `yaml:"models"`
}

type componentRef struct {
	Ref string `yaml:"ref"`
}

// LoadDir loads and validates the spicepod in dir.
func LoadDir(dir string) (*App, error) {
	for _, name := range PodFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, errors.WrapInvalid(
		fmt.Errorf("%w: no spicepod.yaml in %s", errors.ErrConfigNotFound, dir),
		"Spec", "LoadDir", "locate spicepod")
}

// LoadFile loads and validates a spicepod file. Component refs resolve
// relative to the file's directory.
func LoadFile(path string) (*App, error) {
	data, err := readLimited(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Spec", "LoadFile", "read spicepod")
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes and validates a spicepod document. baseDir resolves refs and
// sql_ref paths; it may be empty for documents that use neither.
func Parse(data []byte, baseDir string) (*App, error) {
	if err := ValidateDocument(data); err != nil {
		return nil, err
	}

	var raw rawApp
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"Spec", "Parse", "decode spicepod")
	}

	app := &App{
		Version: raw.Version,
		Kind:    raw.Kind,
		Name:    raw.Name,
		Secrets: raw.Secrets,
	}

	for i := range raw.Datasets {
		var ds Dataset
		dir, err := decodeComponent(&raw.Datasets[i], baseDir, "dataset", &ds)
		if err != nil {
			return nil, err
		}
		ds.BaseDir = dir
		app.Datasets = append(app.Datasets, ds)
	}

	for i := range raw.Models {
		var m Model
		dir, err := decodeComponent(&raw.Models[i], baseDir, "model", &m)
		if err != nil {
			return nil, err
		}
		m.BaseDir = dir
		app.Models = append(app.Models, m)
	}

	if err := app.Validate(); err != nil {
		return nil, err
	}
	return app, nil
}

// decodeComponent decodes node into out, following a ref when the node is
// {ref: path}. It returns the directory the component was declared in.
func decodeComponent(node *yaml.Node, baseDir, kind string, out any) (string, error) {
	var ref componentRef
	if node.Kind == yaml.MappingNode && len(node.Content) == 2 {
		if err := node.Decode(&ref); err != nil {
			return "", errors.WrapInvalid(err, "Spec", "decodeComponent", "decode "+kind+" ref")
		}
	}
	if ref.Ref == "" {
		if err := node.Decode(out); err != nil {
			return "", errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
				"Spec", "decodeComponent", "decode "+kind)
		}
		return baseDir, nil
	}

	path, err := resolveRef(baseDir, ref.Ref, kind)
	if err != nil {
		return "", err
	}
	data, err := readLimited(path)
	if err != nil {
		return "", errors.WrapInvalid(err, "Spec", "decodeComponent", "read "+kind+" ref")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return "", errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrParsingFailed, path, err),
			"Spec", "decodeComponent", "decode "+kind+" ref")
	}
	return filepath.Dir(path), nil
}

// resolveRef turns a ref into a file path. A directory ref points at the
// <kind>.yaml file inside it.
func resolveRef(baseDir, ref, kind string) (string, error) {
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", errors.WrapInvalid(fmt.Errorf("%w: ref %s", errors.ErrConfigNotFound, ref),
			"Spec", "resolveRef", "stat "+kind+" ref")
	}
	if !info.IsDir() {
		return path, nil
	}
	for _, name := range []string{kind + ".yaml", kind + ".yml"} {
		candidate := filepath.Join(path, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", errors.WrapInvalid(fmt.Errorf("%w: no %s.yaml in %s", errors.ErrConfigNotFound, kind, ref),
		"Spec", "resolveRef", "locate "+kind+" file")
}

func readLimited(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxPodFileSize {
		return nil, fmt.Errorf("%s is %d bytes, limit %d", path, info.Size(), maxPodFileSize)
	}
	return os.ReadFile(path)
}
