package sync

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"weave.evalgo.org/db"
)

// EventType names a progress event on a job's channel.
type EventType string

const (
	EventInserted  EventType = "entities_inserted"
	EventUpdated   EventType = "entities_updated"
	EventSkipped   EventType = "entities_skipped"
	EventFailed    EventType = "entities_failed"
	EventACLDone   EventType = "acl_reconciliation_done"
	EventCompleted EventType = "job_completed"
	EventFailedJob EventType = "job_failed"
)

// Totals is a point-in-time snapshot of a job's counters.
type Totals struct {
	Inserted    int64 `json:"inserted"`
	Updated     int64 `json:"updated"`
	AlreadySync int64 `json:"already_sync"`
	Skipped     int64 `json:"skipped"`
	Failed      int64 `json:"failed"`
	Deleted     int64 `json:"deleted"`
}

// Event is one progress update. Delta is the increment that triggered
// it; Totals carries the full counter state so consumers never have to
// reconstruct it from deltas.
type Event struct {
	JobID  uuid.UUID        `json:"job_id"`
	Type   EventType        `json:"type"`
	Delta  int64            `json:"delta"`
	Totals Totals           `json:"totals"`
	Detail map[string]int64 `json:"detail,omitempty"`
	Error  string           `json:"error,omitempty"`
	TS     time.Time        `json:"ts"`
}

// Publisher receives every event a Progress emits. *PubSub is the real
// implementation.
type Publisher interface {
	Publish(jobID uuid.UUID, ev Event)
}

// Progress owns a job's counters. All increments are atomic; workers
// call it concurrently. Each increment publishes a typed event carrying
// the delta and a totals snapshot.
type Progress struct {
	jobID uuid.UUID
	pub   Publisher

	inserted    atomic.Int64
	updated     atomic.Int64
	alreadySync atomic.Int64
	skipped     atomic.Int64
	failed      atomic.Int64
	deleted     atomic.Int64
}

func NewProgress(jobID uuid.UUID, pub Publisher) *Progress {
	return &Progress{jobID: jobID, pub: pub}
}

func (p *Progress) Inserted(n int64) {
	p.inserted.Add(n)
	p.emit(EventInserted, n, nil, "")
}

func (p *Progress) Updated(n int64) {
	p.updated.Add(n)
	p.emit(EventUpdated, n, nil, "")
}

// AlreadySync counts unchanged entities. They move no data, so they
// update totals without an event of their own; the next event carries
// the new count.
func (p *Progress) AlreadySync(n int64) {
	p.alreadySync.Add(n)
}

func (p *Progress) Skipped(n int64) {
	p.skipped.Add(n)
	p.emit(EventSkipped, n, nil, "")
}

func (p *Progress) Failed(n int64) {
	p.failed.Add(n)
	p.emit(EventFailed, n, nil, "")
}

// Deleted counts removed entities. Like AlreadySync it only moves the
// totals; the terminal event reports the final count.
func (p *Progress) Deleted(n int64) {
	p.deleted.Add(n)
}

// ACLDone reports the outcome of the access control pipeline.
func (p *Progress) ACLDone(adds, removes, groupDeletes int64) {
	p.emit(EventACLDone, adds+removes+groupDeletes, map[string]int64{
		"memberships_added":   adds,
		"memberships_removed": removes,
		"members_deleted":     groupDeletes,
	}, "")
}

// Complete publishes the terminal success event.
func (p *Progress) Complete() {
	p.emit(EventCompleted, 0, nil, "")
}

// Fail publishes the terminal failure event with the job error.
func (p *Progress) Fail(errMsg string) {
	p.emit(EventFailedJob, 0, nil, errMsg)
}

// Totals returns a snapshot of all counters.
func (p *Progress) Totals() Totals {
	return Totals{
		Inserted:    p.inserted.Load(),
		Updated:     p.updated.Load(),
		AlreadySync: p.alreadySync.Load(),
		Skipped:     p.skipped.Load(),
		Failed:      p.failed.Load(),
		Deleted:     p.deleted.Load(),
	}
}

// Counters converts the snapshot into the persisted job counter shape.
func (p *Progress) Counters() db.JobCounters {
	t := p.Totals()
	return db.JobCounters{
		Inserted:    t.Inserted,
		Updated:     t.Updated,
		AlreadySync: t.AlreadySync,
		Skipped:     t.Skipped,
		Failed:      t.Failed,
		Deleted:     t.Deleted,
	}
}

func (p *Progress) emit(typ EventType, delta int64, detail map[string]int64, errMsg string) {
	if p.pub == nil {
		return
	}
	p.pub.Publish(p.jobID, Event{
		JobID:  p.jobID,
		Type:   typ,
		Delta:  delta,
		Totals: p.Totals(),
		Detail: detail,
		Error:  errMsg,
		TS:     time.Now().UTC(),
	})
}
