package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"weave.evalgo.org/db"
)

// DefaultTrackedFinished caps how many finished runs the tracker keeps
// for inspection before evicting the oldest.
const DefaultTrackedFinished = 100

// RunState is a snapshot of a tracked run.
type RunState struct {
	JobID     uuid.UUID    `json:"job_id"`
	SyncID    uuid.UUID    `json:"sync_id"`
	Status    db.JobStatus `json:"status"`
	StartedAt time.Time    `json:"started_at"`
	Totals    Totals       `json:"totals"`
}

type trackedRun struct {
	jobID       uuid.UUID
	syncID      uuid.UUID
	status      db.JobStatus
	startedAt   time.Time
	finishedSeq uint64
	cancel      context.CancelFunc
	progress    *Progress
}

// Tracker holds the runs this process hosts. Live runs expose their
// counters and can be cancelled; finished runs linger for a while so
// status queries right after completion still see fresh totals.
type Tracker struct {
	mu          gosync.RWMutex
	runs        map[uuid.UUID]*trackedRun
	maxFinished int
	finishSeq   uint64
}

func NewTracker() *Tracker {
	return &Tracker{
		runs:        make(map[uuid.UUID]*trackedRun),
		maxFinished: DefaultTrackedFinished,
	}
}

// Track registers a running job. cancel must stop the run's context.
func (t *Tracker) Track(jobID, syncID uuid.UUID, cancel context.CancelFunc, progress *Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[jobID] = &trackedRun{
		jobID:     jobID,
		syncID:    syncID,
		status:    db.JobRunning,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
		progress:  progress,
	}
}

// Cancel stops a live run. It reports whether this process hosted the
// run; the workers drain and the job finalizes as cancelled shortly
// after.
func (t *Tracker) Cancel(jobID uuid.UUID) bool {
	t.mu.RLock()
	run, ok := t.runs[jobID]
	t.mu.RUnlock()
	if !ok || run.status != db.JobRunning {
		return false
	}
	run.cancel()
	return true
}

// Finish records a run's terminal status and evicts old finished runs
// beyond the cap.
func (t *Tracker) Finish(jobID uuid.UUID, status db.JobStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[jobID]
	if !ok {
		return
	}
	run.status = status
	t.finishSeq++
	run.finishedSeq = t.finishSeq
	t.evictLocked()
}

// Get returns a snapshot of a tracked run.
func (t *Tracker) Get(jobID uuid.UUID) (RunState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[jobID]
	if !ok {
		return RunState{}, false
	}
	return snapshot(run), true
}

// Running lists the live runs of this process.
func (t *Tracker) Running() []RunState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []RunState
	for _, run := range t.runs {
		if run.status == db.JobRunning {
			out = append(out, snapshot(run))
		}
	}
	return out
}

func snapshot(run *trackedRun) RunState {
	s := RunState{
		JobID:     run.jobID,
		SyncID:    run.syncID,
		Status:    run.status,
		StartedAt: run.startedAt,
	}
	if run.progress != nil {
		s.Totals = run.progress.Totals()
	}
	return s
}

func (t *Tracker) evictLocked() {
	finished := 0
	for _, run := range t.runs {
		if run.status.Terminal() {
			finished++
		}
	}
	for finished > t.maxFinished {
		var oldest *trackedRun
		for _, run := range t.runs {
			if !run.status.Terminal() {
				continue
			}
			if oldest == nil || run.finishedSeq < oldest.finishedSeq {
				oldest = run
			}
		}
		if oldest == nil {
			return
		}
		delete(t.runs, oldest.jobID)
		finished--
	}
}
