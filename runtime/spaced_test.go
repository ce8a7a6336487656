package runtime

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpacedLogger(t *testing.T) {
	var buf bytes.Buffer
	s := newSpacedLogger(slog.New(slog.NewTextHandler(&buf, nil)), 15*time.Second)
	now := time.Unix(0, 0)
	s.now = func() time.Time { return now }

	assert.True(t, s.Warn("a", "retrying", "dataset", "a"))
	assert.False(t, s.Warn("a", "retrying", "dataset", "a"))
	assert.True(t, s.Warn("b", "retrying", "dataset", "b"), "keys are spaced independently")

	now = now.Add(14 * time.Second)
	assert.False(t, s.Warn("a", "retrying"))
	now = now.Add(time.Second)
	assert.True(t, s.Warn("a", "retrying"))

	s.forget("a")
	assert.True(t, s.Warn("a", "retrying"))

	assert.Equal(t, 4, strings.Count(buf.String(), "retrying"))
}

func TestTasks_Generations(t *testing.T) {
	ts := newTasks()
	parent := context.Background()

	ctx1, gen1, _ := ts.start(parent, "a")
	assert.True(t, ts.current("a", gen1))

	ctx2, gen2, _ := ts.start(parent, "a")
	assert.False(t, ts.current("a", gen1), "a new start supersedes the previous one")
	assert.Error(t, ctx1.Err())
	assert.NoError(t, ctx2.Err())

	ts.finish("a", gen1)
	assert.NoError(t, ctx2.Err(), "finishing a stale generation leaves the live one alone")

	ts.stop("a")
	assert.False(t, ts.current("a", gen2))
	assert.Error(t, ctx2.Err())
	ts.finish("a", gen2)

	_, gen3, _ := ts.start(parent, "b")
	done := make(chan struct{})
	go func() {
		ts.stopAll()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("stopAll returned before the pipeline finished")
	case <-time.After(20 * time.Millisecond):
	}
	ts.finish("b", gen3)
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	_, _, ok := ts.start(parent, "c")
	assert.False(t, ok, "no pipeline starts once stopAll has begun")
}
