package sync

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave.evalgo.org/db"
)

func TestTracker_TracksLiveRun(t *testing.T) {
	tr := NewTracker()
	jobID, syncID := uuid.New(), uuid.New()
	p := NewProgress(jobID, nil)
	p.Inserted(2)

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Track(jobID, syncID, cancel, p)

	state, ok := tr.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, db.JobRunning, state.Status)
	assert.Equal(t, syncID, state.SyncID)
	assert.Equal(t, int64(2), state.Totals.Inserted)

	running := tr.Running()
	require.Len(t, running, 1)
	assert.Equal(t, jobID, running[0].JobID)
}

func TestTracker_CancelStopsTheRunContext(t *testing.T) {
	tr := NewTracker()
	jobID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	tr.Track(jobID, uuid.New(), cancel, nil)

	require.True(t, tr.Cancel(jobID))
	select {
	case <-ctx.Done():
	default:
		t.Fatal("cancel did not stop the run context")
	}

	assert.False(t, tr.Cancel(uuid.New()), "unknown job")

	tr.Finish(jobID, db.JobCancelled)
	assert.False(t, tr.Cancel(jobID), "finished runs cannot be cancelled")
}

func TestTracker_FinishRecordsTerminalState(t *testing.T) {
	tr := NewTracker()
	jobID := uuid.New()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Track(jobID, uuid.New(), cancel, nil)

	tr.Finish(jobID, db.JobCompleted)

	state, ok := tr.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, db.JobCompleted, state.Status)
	assert.Empty(t, tr.Running())
}

func TestTracker_EvictsOldestFinishedBeyondCap(t *testing.T) {
	tr := NewTracker()
	tr.maxFinished = 2

	live := uuid.New()
	_, cancelLive := context.WithCancel(context.Background())
	defer cancelLive()
	tr.Track(live, uuid.New(), cancelLive, nil)

	var finished []uuid.UUID
	for i := 0; i < 4; i++ {
		id := uuid.New()
		_, cancel := context.WithCancel(context.Background())
		tr.Track(id, uuid.New(), cancel, nil)
		tr.Finish(id, db.JobCompleted)
		cancel()
		finished = append(finished, id)
	}

	_, ok := tr.Get(finished[0])
	assert.False(t, ok, "oldest finished run evicted")
	_, ok = tr.Get(finished[1])
	assert.False(t, ok)
	_, ok = tr.Get(finished[3])
	assert.True(t, ok, "newest finished runs kept")

	_, ok = tr.Get(live)
	assert.True(t, ok, "live runs are never evicted")
}
