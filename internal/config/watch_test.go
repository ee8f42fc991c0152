package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func awaitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within deadline", kind)
		}
	}
}

func TestHotReloadAppliesChange(t *testing.T) {
	m, root := newTestManager(t)
	writeEnvFile(t, root, "brain.yaml", "maxTotalLeverage: 20\nmaxGlobalDrawdown: 0.25\n")

	_, _, err := m.LoadBrain(nil)
	require.NoError(t, err)
	require.NoError(t, m.Watch())
	defer m.StopWatch()

	events, cancel := m.Observe()
	defer cancel()

	writeEnvFile(t, root, "brain.yaml", "maxTotalLeverage: 15\nmaxGlobalDrawdown: 0.25\n")

	ev := awaitEvent(t, events, EventReloaded)
	require.Equal(t, TypeBrain, ev.Type)
	require.Equal(t, 15.0, m.Brain().MaxTotalLeverage)

	// The reload is versioned.
	tagged, err := m.History().SearchVersions(TypeBrain, TypeBrain, SearchQuery{Tags: []string{"reload"}})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
}

func TestHotReloadRetainsOnParseError(t *testing.T) {
	m, root := newTestManager(t)
	writeEnvFile(t, root, "brain.yaml", "maxTotalLeverage: 20\nmaxGlobalDrawdown: 0.25\n")

	_, _, err := m.LoadBrain(nil)
	require.NoError(t, err)
	require.NoError(t, m.Watch())
	defer m.StopWatch()

	events, cancel := m.Observe()
	defer cancel()

	writeEnvFile(t, root, "brain.yaml", "maxTotalLeverage: [unclosed\n")

	ev := awaitEvent(t, events, EventError)
	require.Equal(t, TypeBrain, ev.Type)
	require.NotEmpty(t, ev.Err)
	// The previous value stays live.
	require.Equal(t, 20.0, m.Brain().MaxTotalLeverage)
}

func TestHotReloadRejectsBrainBreachingPhase(t *testing.T) {
	m, root := newTestManager(t)
	writeEnvFile(t, root, "brain.yaml", "maxTotalLeverage: 20\nmaxGlobalDrawdown: 0.25\n")
	writeEnvFile(t, root, filepath.Join("phases", "phase1.yaml"), "maxLeverage: 15\nmaxDrawdown: 0.1\n")

	_, _, err := m.LoadBrain(nil)
	require.NoError(t, err)
	_, _, err = m.LoadPhase("phase1", nil)
	require.NoError(t, err)

	require.NoError(t, m.Watch())
	defer m.StopWatch()

	events, cancel := m.Observe()
	defer cancel()

	// The new cap is below phase1's live leverage: the reload must be
	// rejected, the old brain retained, and the attempt recorded for audit.
	writeEnvFile(t, root, "brain.yaml", "maxTotalLeverage: 10\nmaxGlobalDrawdown: 0.25\n")

	ev := awaitEvent(t, events, EventError)
	require.Contains(t, ev.Err, "invalid phase1 configuration")
	require.Equal(t, 20.0, m.Brain().MaxTotalLeverage)

	audit, err := m.History().SearchVersions(TypeBrain, TypeBrain, SearchQuery{Tags: []string{"rejected"}})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Contains(t, audit[0].Comment, "rejected reload")
}

func TestHotReloadPhase(t *testing.T) {
	m, root := newTestManager(t)
	writeEnvFile(t, root, filepath.Join("phases", "phase1.yaml"), "maxLeverage: 5\nmaxDrawdown: 0.1\n")

	_, _, err := m.LoadPhase("phase1", nil)
	require.NoError(t, err)
	require.NoError(t, m.Watch())
	defer m.StopWatch()

	events, cancel := m.Observe()
	defer cancel()

	writeEnvFile(t, root, filepath.Join("phases", "phase1.yaml"), "maxLeverage: 7\nmaxDrawdown: 0.1\n")

	ev := awaitEvent(t, events, EventReloaded)
	require.Equal(t, "phase1", ev.Key)

	phase, ok := m.Phase("phase1")
	require.True(t, ok)
	require.Equal(t, 7.0, phase.MaxLeverage)
}

func TestHotReloadIgnoresUnloadedFiles(t *testing.T) {
	m, root := newTestManager(t)
	require.NoError(t, m.Watch())
	defer m.StopWatch()

	events, cancel := m.Observe()
	defer cancel()

	// A phase that was never loaded does not produce events.
	writeEnvFile(t, root, filepath.Join("phases", "ghost.yaml"), "maxLeverage: 5\nmaxDrawdown: 0.1\n")

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(2 * time.Second):
	}

	_ = os.Remove(filepath.Join(root, "test", "phases", "ghost.yaml"))
}
