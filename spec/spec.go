// Package spec defines the spicepod: the declarative set of datasets, models
// and secret settings the runtime keeps live.
package spec

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LocalhostSource is the dataset source that has no connector behind it. Data
// only arrives through the dataset's publisher.
const LocalhostSource = "localhost"

// DefaultEngine is the acceleration engine used when none is named.
const DefaultEngine = "memory"

// Mode controls whether a dataset accepts writes.
type Mode string

const (
	ModeRead      Mode = "read"
	ModeReadWrite Mode = "read_write"
)

// Valid reports whether m is a known mode. The empty mode is valid and means read.
func (m Mode) Valid() bool {
	return m == "" || m == ModeRead || m == ModeReadWrite
}

// App is one spicepod snapshot.
type App struct {
	Version  string    `yaml:"version" json:"version"`
	Kind     string    `yaml:"kind" json:"kind"`
	Name     string    `yaml:"name" json:"name"`
	Secrets  Secrets   `yaml:"secrets,omitempty" json:"secrets,omitempty"`
	Datasets []Dataset `yaml:"datasets,omitempty" json:"datasets,omitempty"`
	Models   []Model   `yaml:"models,omitempty" json:"models,omitempty"`
}

// Secrets declares the secret store the pod reads credentials from.
type Secrets struct {
	Store string `yaml:"store,omitempty" json:"store,omitempty"`
}

// Dataset declares one table.
type Dataset struct {
	Name         string            `yaml:"name" json:"name"`
	From         string            `yaml:"from,omitempty" json:"from,omitempty"`
	Description  string            `yaml:"description,omitempty" json:"description,omitempty"`
	Params       map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	Acceleration *Acceleration     `yaml:"acceleration,omitempty" json:"acceleration,omitempty"`
	Replication  *Replication      `yaml:"replication,omitempty" json:"replication,omitempty"`
	Mode         Mode              `yaml:"mode,omitempty" json:"mode,omitempty"`
	SQL          string            `yaml:"sql,omitempty" json:"sql,omitempty"`
	SQLRef       string            `yaml:"sql_ref,omitempty" json:"sql_ref,omitempty"`

	// BaseDir resolves SQLRef. It is the directory of the file that declared the dataset.
	BaseDir string `yaml:"-" json:"-"`
}

// Acceleration asks for a local materialized copy of the dataset.
type Acceleration struct {
	Enabled         bool              `yaml:"enabled" json:"enabled"`
	Engine          string            `yaml:"engine,omitempty" json:"engine,omitempty"`
	RefreshInterval string            `yaml:"refresh_interval,omitempty" json:"refresh_interval,omitempty"`
	Params          map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// UnmarshalYAML defaults Enabled to true: declaring an acceleration block turns it on.
func (a *Acceleration) UnmarshalYAML(node *yaml.Node) error {
	type plain Acceleration
	p := plain{Enabled: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*a = Acceleration(p)
	return nil
}

// EngineName returns the configured engine or DefaultEngine.
func (a *Acceleration) EngineName() string {
	if a == nil || a.Engine == "" {
		return DefaultEngine
	}
	return a.Engine
}

// Refresh parses RefreshInterval. Zero means load once.
func (a *Acceleration) Refresh() (time.Duration, error) {
	if a == nil || a.RefreshInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(a.RefreshInterval)
	if err != nil {
		return 0, fmt.Errorf("refresh_interval %q: %w", a.RefreshInterval, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("refresh_interval %q is negative", a.RefreshInterval)
	}
	return d, nil
}

// Replication asks for writes to be pushed back to the source.
type Replication struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Source returns the connector key: the part of From before the first ':'.
func (d *Dataset) Source() string {
	return sourceOf(d.From)
}

// Path returns the part of From after the source prefix.
func (d *Dataset) Path() string {
	return pathOf(d.From)
}

// IsView reports whether the dataset is defined by a query over other datasets.
func (d *Dataset) IsView() bool {
	return d.SQL != "" || d.SQLRef != ""
}

// ViewSQL returns the view query, reading SQLRef when the query is not inline.
func (d *Dataset) ViewSQL() (string, error) {
	if d.SQL != "" {
		return d.SQL, nil
	}
	if d.SQLRef == "" {
		return "", fmt.Errorf("dataset %s has no view query", d.Name)
	}
	path := d.SQLRef
	if !filepath.IsAbs(path) && d.BaseDir != "" {
		path = filepath.Join(d.BaseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("dataset %s: read sql_ref: %w", d.Name, err)
	}
	sql := strings.TrimSpace(string(data))
	if sql == "" {
		return "", fmt.Errorf("dataset %s: sql_ref %s is empty", d.Name, d.SQLRef)
	}
	return sql, nil
}

// GetMode returns the mode, defaulting to read.
func (d *Dataset) GetMode() Mode {
	if d.Mode == "" {
		return ModeRead
	}
	return d.Mode
}

// IsAccelerated reports whether an enabled acceleration is declared.
func (d *Dataset) IsAccelerated() bool {
	return d.Acceleration != nil && d.Acceleration.Enabled
}

// ReplicationEnabled reports whether write replication is requested.
func (d *Dataset) ReplicationEnabled() bool {
	return d.Replication != nil && d.Replication.Enabled
}

// EngineLabel names the engine for metrics: the acceleration engine, or "none".
func (d *Dataset) EngineLabel() string {
	if !d.IsAccelerated() {
		return "none"
	}
	return d.Acceleration.EngineName()
}

// Clone returns a deep copy.
func (d Dataset) Clone() Dataset {
	d.Params = maps.Clone(d.Params)
	if d.Acceleration != nil {
		acc := *d.Acceleration
		acc.Params = maps.Clone(acc.Params)
		d.Acceleration = &acc
	}
	if d.Replication != nil {
		rep := *d.Replication
		d.Replication = &rep
	}
	return d
}

// Equal compares two datasets by value.
func (d *Dataset) Equal(o *Dataset) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.Name != o.Name || d.From != o.From || d.Description != o.Description ||
		d.GetMode() != o.GetMode() || d.SQL != o.SQL || d.SQLRef != o.SQLRef || d.BaseDir != o.BaseDir {
		return false
	}
	if !maps.Equal(d.Params, o.Params) {
		return false
	}
	if (d.Acceleration == nil) != (o.Acceleration == nil) {
		return false
	}
	if d.Acceleration != nil {
		a, b := d.Acceleration, o.Acceleration
		if a.Enabled != b.Enabled || a.EngineName() != b.EngineName() ||
			a.RefreshInterval != b.RefreshInterval || !maps.Equal(a.Params, b.Params) {
			return false
		}
	}
	return d.ReplicationEnabled() == o.ReplicationEnabled()
}

// Model declares one model artifact.
type Model struct {
	Name        string            `yaml:"name" json:"name"`
	From        string            `yaml:"from" json:"from"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Params      map[string]string `yaml:"params,omitempty" json:"params,omitempty"`

	// BaseDir resolves relative file: sources.
	BaseDir string `yaml:"-" json:"-"`
}

// Source returns the artifact source key, the part of From before the first ':'.
func (m *Model) Source() string {
	return sourceOf(m.From)
}

// Path returns the part of From after the source prefix.
func (m *Model) Path() string {
	return pathOf(m.From)
}

// Clone returns a deep copy.
func (m Model) Clone() Model {
	m.Params = maps.Clone(m.Params)
	return m
}

// Equal compares two models by value.
func (m *Model) Equal(o *Model) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.Name == o.Name && m.From == o.From && m.Description == o.Description &&
		m.BaseDir == o.BaseDir && maps.Equal(m.Params, o.Params)
}

// Dataset looks up a dataset by name.
func (a *App) Dataset(name string) (*Dataset, bool) {
	if a == nil {
		return nil, false
	}
	for i := range a.Datasets {
		if a.Datasets[i].Name == name {
			return &a.Datasets[i], true
		}
	}
	return nil, false
}

// Model looks up a model by name.
func (a *App) Model(name string) (*Model, bool) {
	if a == nil {
		return nil, false
	}
	for i := range a.Models {
		if a.Models[i].Name == name {
			return &a.Models[i], true
		}
	}
	return nil, false
}

// DatasetNames returns the set of declared dataset names.
func (a *App) DatasetNames() map[string]struct{} {
	names := make(map[string]struct{})
	if a == nil {
		return names
	}
	for _, ds := range a.Datasets {
		names[ds.Name] = struct{}{}
	}
	return names
}

// Clone returns a deep copy.
func (a *App) Clone() *App {
	if a == nil {
		return nil
	}
	c := *a
	c.Datasets = make([]Dataset, len(a.Datasets))
	for i, ds := range a.Datasets {
		c.Datasets[i] = ds.Clone()
	}
	c.Models = make([]Model, len(a.Models))
	for i, m := range a.Models {
		c.Models[i] = m.Clone()
	}
	return &c
}

// Equal compares two snapshots by value. Component order matters.
func (a *App) Equal(o *App) bool {
	if a == nil || o == nil {
		return a == o
	}
	if a.Name != o.Name || a.Version != o.Version || a.Kind != o.Kind || a.Secrets != o.Secrets {
		return false
	}
	if len(a.Datasets) != len(o.Datasets) || len(a.Models) != len(o.Models) {
		return false
	}
	for i := range a.Datasets {
		if !a.Datasets[i].Equal(&o.Datasets[i]) {
			return false
		}
	}
	for i := range a.Models {
		if !a.Models[i].Equal(&o.Models[i]) {
			return false
		}
	}
	return true
}

func sourceOf(from string) string {
	if i := strings.Index(from, ":"); i >= 0 {
		return from[:i]
	}
	return from
}

func pathOf(from string) string {
	i := strings.Index(from, ":")
	if i < 0 {
		return ""
	}
	return strings.TrimPrefix(from[i+1:], "//")
}
