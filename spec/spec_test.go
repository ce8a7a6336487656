package spec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rthomas/spiceai/errors"
)

const basicPod = `
version: v1beta1
kind: Spicepod
name: taxi
secrets:
  store: env
datasets:
  - name: trips
    from: s3://bucket/trips/
    params:
      file_format: parquet
      region: us-east-1
    acceleration:
      engine: sqlite
      refresh_interval: 10s
  - name: orders
    from: postgres:public.orders
    mode: read_write
    replication:
      enabled: true
    params:
      pg_port: 5432
  - name: recent
    sql: SELECT * FROM trips JOIN orders ON trips.id = orders.trip_id
models:
  - name: fraud
    from: file:models/fraud.onnx
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestParse_Basic(t *testing.T) {
	app, err := Parse([]byte(basicPod), "")
	require.NoError(t, err)

	assert.Equal(t, "taxi", app.Name)
	assert.Equal(t, "env", app.Secrets.Store)
	require.Len(t, app.Datasets, 3)
	require.Len(t, app.Models, 1)

	trips := app.Datasets[0]
	assert.Equal(t, "s3", trips.Source())
	assert.Equal(t, "bucket/trips/", trips.Path())
	assert.True(t, trips.IsAccelerated(), "acceleration block defaults to enabled")
	assert.Equal(t, "sqlite", trips.EngineLabel())
	assert.Equal(t, ModeRead, trips.GetMode())

	orders := app.Datasets[1]
	assert.Equal(t, "postgres", orders.Source())
	assert.Equal(t, "public.orders", orders.Path())
	assert.Equal(t, ModeReadWrite, orders.GetMode())
	assert.True(t, orders.ReplicationEnabled())
	assert.Equal(t, "5432", orders.Params["pg_port"])
	assert.Equal(t, "none", orders.EngineLabel())

	recent := app.Datasets[2]
	assert.True(t, recent.IsView())
	sql, err := recent.ViewSQL()
	require.NoError(t, err)
	assert.Contains(t, sql, "JOIN orders")

	assert.Equal(t, "file", app.Models[0].Source())
	assert.Equal(t, "models/fraud.onnx", app.Models[0].Path())
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		pod  string
	}{
		{"wrong kind", "version: v1beta1\nkind: Pod\nname: x\n"},
		{"missing name", "version: v1beta1\nkind: Spicepod\n"},
		{"unknown secret store", "version: v1beta1\nkind: Spicepod\nname: x\nsecrets:\n  store: vault\n"},
		{"unknown dataset field", "version: v1beta1\nkind: Spicepod\nname: x\ndatasets:\n  - name: a\n    from: file:/a\n    colour: red\n"},
		{"bad mode", "version: v1beta1\nkind: Spicepod\nname: x\ndatasets:\n  - name: a\n    from: file:/a\n    mode: write\n"},
		{"model without from", "version: v1beta1\nkind: Spicepod\nname: x\nmodels:\n  - name: m\n"},
		{"empty document", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.pod), "")
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "got %v", err)
		})
	}
}

func TestParse_RuleViolations(t *testing.T) {
	tests := []struct {
		name string
		pod  string
		want string
	}{
		{
			"duplicate dataset",
			"version: v1\nkind: Spicepod\nname: x\ndatasets:\n  - name: a\n    from: file:/a\n  - name: a\n    from: file:/b\n",
			"duplicate dataset a",
		},
		{
			"sql and sql_ref",
			"version: v1\nkind: Spicepod\nname: x\ndatasets:\n  - name: v\n    sql: SELECT 1\n    sql_ref: v.sql\n",
			"sets both sql and sql_ref",
		},
		{
			"no from",
			"version: v1\nkind: Spicepod\nname: x\ndatasets:\n  - name: a\n",
			"has no from",
		},
		{
			"bad refresh interval",
			"version: v1\nkind: Spicepod\nname: x\ndatasets:\n  - name: a\n    from: file:/a\n    acceleration:\n      refresh_interval: often\n",
			"refresh_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.pod), "")
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDir_Refs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "spicepod.yaml"), `
version: v1beta1
kind: Spicepod
name: refs
datasets:
  - ref: datasets/eth
  - ref: views/top.yaml
models:
  - ref: models/fraud
`)
	writeFile(t, filepath.Join(dir, "datasets", "eth", "dataset.yaml"), "name: eth\nfrom: file:/data/eth.parquet\n")
	writeFile(t, filepath.Join(dir, "views", "top.yaml"), "name: top\nsql_ref: top.sql\n")
	writeFile(t, filepath.Join(dir, "views", "top.sql"), "SELECT * FROM eth\n")
	writeFile(t, filepath.Join(dir, "models", "fraud", "model.yml"), "name: fraud\nfrom: file:fraud.onnx\n")

	app, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, app.Datasets, 2)

	assert.Equal(t, "eth", app.Datasets[0].Name)
	assert.Equal(t, filepath.Join(dir, "datasets", "eth"), app.Datasets[0].BaseDir)

	top := app.Datasets[1]
	sql, err := top.ViewSQL()
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM eth", sql)

	require.Len(t, app.Models, 1)
	assert.Equal(t, filepath.Join(dir, "models", "fraud"), app.Models[0].BaseDir)
}

func TestLoadDir_Missing(t *testing.T) {
	_, err := LoadDir(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConfigNotFound)
}

func TestLoadDir_MissingRef(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "spicepod.yml"), "version: v1\nkind: Spicepod\nname: x\ndatasets:\n  - ref: nowhere\n")

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConfigNotFound)
}

func TestDataset_ViewSQLErrors(t *testing.T) {
	ds := Dataset{Name: "v", SQLRef: "missing.sql", BaseDir: t.TempDir()}
	_, err := ds.ViewSQL()
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.sql")
	writeFile(t, empty, "  \n")
	ds = Dataset{Name: "v", SQLRef: empty}
	_, err = ds.ViewSQL()
	assert.Error(t, err)

	ds = Dataset{Name: "plain", From: "file:/x"}
	_, err = ds.ViewSQL()
	assert.Error(t, err)
}

func TestDataset_SourceEdgeCases(t *testing.T) {
	ds := Dataset{From: LocalhostSource}
	assert.Equal(t, LocalhostSource, ds.Source())
	assert.Equal(t, "", ds.Path())

	ds = Dataset{From: "sqlite:events"}
	assert.Equal(t, "sqlite", ds.Source())
	assert.Equal(t, "events", ds.Path())
}

func TestDataset_CloneAndEqual(t *testing.T) {
	app, err := Parse([]byte(basicPod), "")
	require.NoError(t, err)

	orig := app.Datasets[0]
	clone := orig.Clone()
	assert.True(t, orig.Equal(&clone))

	clone.Params["region"] = "eu-west-1"
	assert.Equal(t, "us-east-1", orig.Params["region"], "clone must not share params")
	assert.False(t, orig.Equal(&clone))

	clone = orig.Clone()
	clone.Acceleration.RefreshInterval = "1m"
	assert.Equal(t, "10s", orig.Acceleration.RefreshInterval)
	assert.False(t, orig.Equal(&clone))

	// empty mode and explicit read are the same dataset
	a := Dataset{Name: "a", From: "file:/a"}
	b := Dataset{Name: "a", From: "file:/a", Mode: ModeRead}
	assert.True(t, a.Equal(&b))
}

func TestApp_EqualAndLookup(t *testing.T) {
	a, err := Parse([]byte(basicPod), "")
	require.NoError(t, err)
	b, err := Parse([]byte(basicPod), "")
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.True(t, a.Equal(a.Clone()))

	b.Models[0].From = "file:models/fraud_v2.onnx"
	assert.False(t, a.Equal(b))

	var nilApp *App
	assert.True(t, nilApp.Equal(nil))
	assert.False(t, nilApp.Equal(a))

	ds, ok := a.Dataset("orders")
	require.True(t, ok)
	assert.Equal(t, "postgres:public.orders", ds.From)
	_, ok = a.Dataset("missing")
	assert.False(t, ok)

	_, ok = a.Model("fraud")
	assert.True(t, ok)

	names := a.DatasetNames()
	assert.Len(t, names, 3)
	assert.Contains(t, names, "recent")
}

func TestAcceleration_Defaults(t *testing.T) {
	var acc *Acceleration
	assert.Equal(t, DefaultEngine, acc.EngineName())
	d, err := acc.Refresh()
	require.NoError(t, err)
	assert.Zero(t, d)

	app, err := Parse([]byte("version: v1\nkind: Spicepod\nname: x\ndatasets:\n  - name: a\n    from: file:/a\n    acceleration:\n      enabled: false\n"), "")
	require.NoError(t, err)
	assert.False(t, app.Datasets[0].IsAccelerated())
}
