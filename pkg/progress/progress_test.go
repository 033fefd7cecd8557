package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangramdev/tangram/pkg/tgerror"
)

func drainUntilTerminal(t *testing.T, h *Handle) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-h.Events():
			events = append(events, e)
			if e.Kind == EventOutput || e.Kind == EventError {
				return events
			}
		case <-timeout:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func TestOutputTerminatesStream(t *testing.T) {
	h := New(10 * time.Millisecond)
	h.Log(LevelInfo, "working")
	h.Output("done")

	events := drainUntilTerminal(t, h)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventOutput, last.Kind)
	assert.Equal(t, "done", last.Output)

	var sawLog bool
	for _, e := range events {
		if e.Kind == EventLog {
			sawLog = true
			assert.Equal(t, "working", e.Message)
		}
	}
	assert.True(t, sawLog)
}

func TestIndicatorCoalescing(t *testing.T) {
	h := New(10 * time.Millisecond)
	h.Start("objects", "Objects", 100)
	h.Increment("objects", 7)
	h.Increment("objects", 3)

	// let at least two ticks pass with no further change; identical
	// snapshots must be suppressed
	time.Sleep(60 * time.Millisecond)
	h.Finish("objects")
	h.Output(nil)

	events := drainUntilTerminal(t, h)
	var snapshots [][]Indicator
	for _, e := range events {
		if e.Kind == EventIndicators {
			snapshots = append(snapshots, e.Indicators)
		}
	}
	require.NotEmpty(t, snapshots)
	final := snapshots[len(snapshots)-1]
	require.Len(t, final, 1)
	assert.Equal(t, uint64(10), final[0].Current)
	assert.Equal(t, uint64(100), final[0].Total)
	assert.False(t, final[0].Running)

	// suppression: consecutive snapshots are never identical
	for i := 1; i < len(snapshots); i++ {
		assert.NotEqual(t, snapshots[i-1], snapshots[i])
	}
}

func TestErrorTerminal(t *testing.T) {
	h := New(time.Hour) // no ticks during the test
	h.Error(tgerror.New(tgerror.CodeNotFound, "missing"))

	events := drainUntilTerminal(t, h)
	last := events[len(events)-1]
	require.Equal(t, EventError, last.Kind)
	assert.Equal(t, tgerror.CodeNotFound, last.Error.Code)
}

func TestSetAndIncrement(t *testing.T) {
	h := New(time.Hour)
	h.Start("bytes", "Bytes", 0)
	h.Set("bytes", 42)
	h.Increment("bytes", 8)

	snap := h.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(50), snap[0].Current)
	h.Output(nil)
	drainUntilTerminal(t, h)
}
