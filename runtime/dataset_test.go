package runtime

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rthomas/spiceai/dataconnector"
	"github.com/rthomas/spiceai/spec"
	"github.com/rthomas/spiceai/status"
)

func names(ns ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(ns))
	for _, n := range ns {
		out[n] = struct{}{}
	}
	return out
}

func load(h *harness, ds spec.Dataset, existing map[string]struct{}) {
	h.rt.status.SetDataset(ds.Name, status.Initializing)
	h.rt.LoadDataset(ds, existing)
}

func TestLoadDataset_ViewSkipsConnectorAndAcceleration(t *testing.T) {
	h := newHarness(t, nil)
	view := spec.Dataset{
		Name:         "busy_trips",
		From:         "demo:ignored",
		SQL:          "SELECT * FROM trips WHERE fare > 10",
		Acceleration: &spec.Acceleration{Enabled: true},
	}

	load(h, view, names("trips", "busy_trips"))
	h.waitStatus(t, status.KindDataset, "busy_trips", status.Ready)

	assert.Equal(t, []string{"busy_trips"}, h.engine.Calls("AttachView"))
	assert.Zero(t, h.connectors.Creates("demo"))
	assert.Empty(t, h.engine.Calls("NewAcceleratedBackend"))
	assert.Empty(t, h.engine.Calls("AttachMesh"))
	assert.Equal(t, []status.ComponentStatus{status.Initializing, status.Ready},
		h.statuses(status.KindDataset, "busy_trips"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Datasets.WithLabelValues("memory")))
}

func TestLoadDataset_MissingDependencyNeverAttaches(t *testing.T) {
	h := newHarness(t, nil)
	view := spec.Dataset{Name: "v", SQL: "SELECT * FROM trips JOIN zones ON true"}

	load(h, view, names("v", "trips"))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.DatasetsLoadErrors) >= 3
	}, 2*time.Second, 2*time.Millisecond)

	assert.Empty(t, h.engine.Calls("AttachView"))
	assert.Equal(t, []status.ComponentStatus{status.Initializing}, h.statuses(status.KindDataset, "v"),
		"retryable failures write no terminal status")
}

func TestLoadDataset_DependencyDeclaredInAcceptedSnapshot(t *testing.T) {
	h := newHarness(t, &spec.App{Datasets: []spec.Dataset{{Name: "trips", From: "mesh:trips"}}})

	load(h, spec.Dataset{Name: "v", SQL: "SELECT * FROM trips"}, names("v"))
	h.waitStatus(t, status.KindDataset, "v", status.Ready)
}

func TestLoadDataset_MalformedViewIsPermanent(t *testing.T) {
	h := newHarness(t, nil)

	load(h, spec.Dataset{Name: "bad", SQL: "SELECT * FROM (trips"}, names("bad"))
	h.waitStatus(t, status.KindDataset, "bad", status.Error)

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, h.engine.Calls("ViewDependentTables"), 1, "a malformed view is not retried")
	assert.Empty(t, h.engine.Calls("AttachView"))
	assert.Equal(t, []status.ComponentStatus{status.Initializing, status.Error}, h.statuses(status.KindDataset, "bad"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DatasetsLoadErrors))

	e, _ := h.rt.Statuses().Get(status.KindDataset, "bad")
	assert.NotEmpty(t, e.Message)
}

func TestLoadDataset_UnknownSourceIsPermanent(t *testing.T) {
	h := newHarness(t, nil)

	load(h, accelerated("x", "ftp:files"), names("x"))
	h.waitStatus(t, status.KindDataset, "x", status.Error)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.connectors.Creates("ftp"))
	assert.Empty(t, h.engine.Calls("NewAcceleratedBackend"))
}

func TestLoadDataset_TransientConnectorFailureRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.connectors.failures["demo"] = 2

	load(h, accelerated("b", "demo:b"), names("b"))
	h.waitStatus(t, status.KindDataset, "b", status.Ready)

	assert.Equal(t, 3, h.connectors.Creates("demo"))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.DatasetsLoadErrors))
	assert.Equal(t, []status.ComponentStatus{status.Initializing, status.Ready}, h.statuses(status.KindDataset, "b"))
}

func TestLoadDataset_AttachFailureRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.fail("AttachConnectorToPublisher", stderrors.New("engine busy"))

	load(h, accelerated("b", "demo:b"), names("b"))
	require.Eventually(t, func() bool {
		return len(h.engine.Calls("AttachConnectorToPublisher")) >= 2
	}, 2*time.Second, 2*time.Millisecond)
	h.engine.fail("AttachConnectorToPublisher", nil)

	h.waitStatus(t, status.KindDataset, "b", status.Ready)
	assert.Equal(t, []status.ComponentStatus{status.Initializing, status.Ready}, h.statuses(status.KindDataset, "b"))
}

func TestLoadDataset_LocalhostWithoutAccelerationIsUnserved(t *testing.T) {
	h := newHarness(t, nil)

	load(h, spec.Dataset{Name: "a", From: "localhost"}, names("a"))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []status.ComponentStatus{status.Initializing}, h.statuses(status.KindDataset, "a"))
	assert.Empty(t, h.engine.calls)
	assert.Zero(t, testutil.ToFloat64(h.metrics.DatasetsLoadErrors))
}

func TestLoadDataset_DisabledAccelerationWithoutProviderIsUnserved(t *testing.T) {
	h := newHarness(t, nil)
	ds := accelerated("a", "demo:a")
	ds.Acceleration.Enabled = false

	load(h, ds, names("a"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []status.ComponentStatus{status.Initializing}, h.statuses(status.KindDataset, "a"))
	assert.Equal(t, 1, h.connectors.Creates("demo"))
}

func TestLoadDataset_Strategies(t *testing.T) {
	tests := []struct {
		name        string
		ds          spec.Dataset
		mesh        bool
		backend     bool
		publishers  []string
		wired       bool
		engineLabel string
	}{
		{
			name:        "mesh",
			ds:          spec.Dataset{Name: "m", From: "mesh:t"},
			mesh:        true,
			engineLabel: "none",
		},
		{
			name:        "disabled acceleration with provider is mesh",
			ds:          spec.Dataset{Name: "m", From: "mesh:t", Acceleration: &spec.Acceleration{Enabled: false}},
			mesh:        true,
			engineLabel: "none",
		},
		{
			name:        "accelerated read",
			ds:          accelerated("b", "demo:b"),
			backend:     true,
			wired:       true,
			engineLabel: "memory",
		},
		{
			name: "accelerated read_write",
			ds: func() spec.Dataset {
				ds := accelerated("b", "demo:b")
				ds.Mode = spec.ModeReadWrite
				return ds
			}(),
			backend:     true,
			publishers:  []string{"b/memory"},
			wired:       true,
			engineLabel: "memory",
		},
		{
			name:        "localhost accelerated",
			ds:          accelerated("local", "localhost"),
			backend:     true,
			publishers:  []string{"local/memory"},
			engineLabel: "memory",
		},
		{
			name: "replication",
			ds: func() spec.Dataset {
				ds := accelerated("r", "rw:r")
				ds.Mode = spec.ModeReadWrite
				ds.Replication = &spec.Replication{Enabled: true}
				return ds
			}(),
			backend:     true,
			publishers:  []string{"r/memory", "r/rw-writer"},
			wired:       true,
			engineLabel: "memory",
		},
		{
			name: "replication unsupported degrades to read",
			ds: func() spec.Dataset {
				ds := accelerated("r", "demo:r")
				ds.Mode = spec.ModeReadWrite
				ds.Replication = &spec.Replication{Enabled: true}
				return ds
			}(),
			backend:     true,
			publishers:  []string{"r/memory"},
			wired:       true,
			engineLabel: "memory",
		},
		{
			name: "replication needs read_write",
			ds: func() spec.Dataset {
				ds := accelerated("r", "rw:r")
				ds.Replication = &spec.Replication{Enabled: true}
				return ds
			}(),
			backend:     true,
			wired:       true,
			engineLabel: "memory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			load(h, tt.ds, names(tt.ds.Name))
			h.waitStatus(t, status.KindDataset, tt.ds.Name, status.Ready)

			assert.Equal(t, tt.mesh, len(h.engine.Calls("AttachMesh")) == 1)
			assert.Equal(t, tt.backend, len(h.engine.Calls("NewAcceleratedBackend")) == 1)
			assert.Equal(t, tt.publishers, h.engine.Calls("AttachPublisher"))
			assert.Equal(t, tt.wired, len(h.engine.Calls("AttachConnectorToPublisher")) == 1)
			assert.Equal(t, 1, h.engine.Generations(tt.ds.Name))
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Datasets.WithLabelValues(tt.engineLabel)))
		})
	}
}

func TestRemoveDataset(t *testing.T) {
	h := newHarness(t, nil)
	ds := accelerated("b", "demo:b")
	load(h, ds, names("b"))
	load(h, spec.Dataset{Name: "other", From: "mesh:o"}, names("other"))
	h.waitStatus(t, status.KindDataset, "b", status.Ready)
	h.waitStatus(t, status.KindDataset, "other", status.Ready)

	h.rt.RemoveDataset(ds)
	assert.Equal(t, []string{"b"}, h.engine.Calls("RemoveTable"))
	assert.Zero(t, testutil.ToFloat64(h.metrics.Datasets.WithLabelValues("memory")))

	// unknown names are a logged no-op
	h.rt.RemoveDataset(ds)
	h.rt.RemoveDataset(spec.Dataset{Name: "ghost"})
	assert.Equal(t, []string{"b"}, h.engine.Calls("RemoveTable"))
	assert.Zero(t, testutil.ToFloat64(h.metrics.Datasets.WithLabelValues("memory")))
	assert.True(t, h.engine.TableExists("other"))
}

func TestRemoveDataset_EngineFailureKeepsCount(t *testing.T) {
	h := newHarness(t, nil)
	ds := accelerated("b", "demo:b")
	load(h, ds, names("b"))
	h.waitStatus(t, status.KindDataset, "b", status.Ready)

	h.engine.fail("RemoveTable", stderrors.New("locked"))
	h.rt.RemoveDataset(ds)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Datasets.WithLabelValues("memory")))
}

func TestRemoveDataset_SupersedesRetryingPipeline(t *testing.T) {
	h := newHarness(t, nil)
	h.connectors.failAlways("demo", true)

	ds := accelerated("b", "demo:b")
	load(h, ds, names("b"))
	require.Eventually(t, func() bool { return h.connectors.Creates("demo") >= 2 }, 2*time.Second, 2*time.Millisecond)

	h.rt.status.SetDataset("b", status.Disabled)
	h.rt.RemoveDataset(ds)
	h.connectors.failAlways("demo", false)

	attempts := h.connectors.Creates("demo")
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, h.connectors.Creates("demo"), attempts+1, "the removed pipeline stops retrying")
	assert.Equal(t, []status.ComponentStatus{status.Initializing, status.Disabled}, h.statuses(status.KindDataset, "b"))
	assert.False(t, h.engine.TableExists("b"))
}

func TestUpdateDataset_SupersededAttemptWritesNoStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.connectors.failAlways("demo", true)

	old := accelerated("b", "demo:b")
	load(h, old, names("b"))
	require.Eventually(t, func() bool { return h.connectors.Creates("demo") >= 1 }, 2*time.Second, 2*time.Millisecond)

	updated := accelerated("b", "mesh:b")
	h.rt.UpdateDataset(updated, names("b"))
	h.waitStatus(t, status.KindDataset, "b", status.Ready)
	h.connectors.failAlways("demo", false)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, []status.ComponentStatus{
		status.Initializing, status.Refreshing, status.Initializing, status.Ready,
	}, h.statuses(status.KindDataset, "b"))
	assert.Equal(t, 1, h.engine.Generations("b"))
	assert.Equal(t, 1, len(h.engine.Calls("AttachConnectorToPublisher")))
}

func TestLoadDataset_SlowSourceDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, nil)
	release := h.engine.hold("slow")
	defer close(release)

	load(h, accelerated("slow", "demo:slow"), names("slow", "local", "other"))
	require.Eventually(t, func() bool {
		return len(h.engine.Calls("AttachConnectorToPublisher")) == 1
	}, 2*time.Second, 2*time.Millisecond)

	load(h, accelerated("local", "localhost"), names("slow", "local", "other"))
	h.waitStatus(t, status.KindDataset, "local", status.Ready)

	load(h, spec.Dataset{Name: "other", From: "mesh:o"}, names("slow", "local", "other"))
	h.waitStatus(t, status.KindDataset, "other", status.Ready)

	removed := make(chan struct{})
	go func() {
		h.rt.RemoveDataset(spec.Dataset{Name: "other"})
		close(removed)
	}()
	select {
	case <-removed:
	case <-time.After(time.Second):
		t.Fatal("RemoveDataset waited on another dataset's load")
	}
	assert.False(t, h.engine.TableExists("other"))

	e, _ := h.rt.Statuses().Get(status.KindDataset, "slow")
	assert.Equal(t, status.Initializing, e.Status)
}

func TestRemoveDataset_CancelsLoadInProgress(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.hold("slow")

	ds := accelerated("slow", "demo:slow")
	load(h, ds, names("slow"))
	require.Eventually(t, func() bool {
		return len(h.engine.Calls("AttachConnectorToPublisher")) == 1
	}, 2*time.Second, 2*time.Millisecond)

	h.rt.RemoveDataset(ds)
	time.Sleep(30 * time.Millisecond)

	assert.False(t, h.engine.TableExists("slow"), "a cancelled load registers nothing")
	assert.Equal(t, []status.ComponentStatus{status.Initializing}, h.statuses(status.KindDataset, "slow"))
	assert.Zero(t, testutil.ToFloat64(h.metrics.DatasetsLoadErrors))
}

func TestLoadDataset_AfterCloseIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.Close()

	load(h, accelerated("late", "demo:late"), names("late"))
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, h.connectors.Creates("demo"))
	assert.Empty(t, h.engine.Calls("NewAcceleratedBackend"))
}

func TestResolveConnector(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	conn, lerr := h.rt.resolveConnector(ctx, spec.Dataset{Name: "a", From: "localhost"})
	assert.Nil(t, lerr)
	assert.Nil(t, conn)

	conn, lerr = h.rt.resolveConnector(ctx, spec.Dataset{Name: "a", From: "mesh:x"})
	require.Nil(t, lerr)
	assert.NotNil(t, conn)

	_, lerr = h.rt.resolveConnector(ctx, spec.Dataset{Name: "a", From: "nope:x"})
	require.NotNil(t, lerr)
	assert.True(t, lerr.permanent)
	assert.ErrorIs(t, lerr, dataconnector.ErrUnknownConnector)

	h.connectors.failures["mesh"] = 1
	_, lerr = h.rt.resolveConnector(ctx, spec.Dataset{Name: "a", From: "mesh:x"})
	require.NotNil(t, lerr)
	assert.False(t, lerr.permanent)
}
