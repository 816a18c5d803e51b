package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave.evalgo.org/sync"
)

func TestPrintProgressStopsWhenStreamCloses(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()

	events := make(chan sync.Event, 4)
	events <- sync.Event{Type: sync.EventInserted, Delta: 1, Totals: sync.Totals{Inserted: 1}}
	events <- sync.Event{Type: sync.EventACLDone, Detail: map[string]int64{"memberships_added": 2}}
	events <- sync.Event{Type: sync.EventCompleted, Totals: sync.Totals{Inserted: 1}}
	close(events)

	done := make(chan struct{})
	go func() {
		printProgress(logger.WithField("component", "cli"), events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("printer did not stop on a closed stream")
	}

	var messages []string
	for _, entry := range hook.AllEntries() {
		messages = append(messages, entry.Message)
	}
	assert.Contains(t, messages, "access control reconciled")
	assert.Contains(t, messages, "job completed")
	assert.NotContains(t, messages, "progress", "sampled counters only print on the tick")
}

func TestLoadGraphFlag(t *testing.T) {
	graph, err := loadGraphFlag(syncRunCmd)
	require.NoError(t, err, "no flag set means no graph override")
	assert.Nil(t, graph)

	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nodes:
  - id: src
    kind: source
    name: gitea
  - id: store
    kind: destination
    name: couchdb
edges:
  - from: src
    to: store
`), 0o644))
	require.NoError(t, syncRunCmd.Flags().Set("dag", path))
	defer func() { _ = syncRunCmd.Flags().Set("dag", "") }()

	graph, err = loadGraphFlag(syncRunCmd)
	require.NoError(t, err)
	require.NotNil(t, graph)
	assert.Equal(t, "src", graph.Source().ID)
}

func TestLoadGraphFlagRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes: ["), 0o644))
	require.NoError(t, syncRunCmd.Flags().Set("dag", path))
	defer func() { _ = syncRunCmd.Flags().Set("dag", "") }()

	_, err := loadGraphFlag(syncRunCmd)
	assert.Error(t, err)
	assert.True(t, sync.IsValidation(err), "a bad graph file is a validation failure")
}

func TestPrintProgressReportsFailure(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()

	events := make(chan sync.Event, 1)
	events <- sync.Event{Type: sync.EventFailedJob, Error: "source validation failed"}
	close(events)

	printProgress(logger.WithField("component", "cli"), events)

	entry := hook.LastEntry()
	assert.NotNil(t, entry)
	assert.Equal(t, "job failed", entry.Message)
	assert.Equal(t, "source validation failed", entry.Data["error"])
}
