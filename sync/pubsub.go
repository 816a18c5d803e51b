package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"weave.evalgo.org/common"
)

// DefaultSubscriberBuffer is each subscriber's queue depth. A consumer
// that falls further behind starts losing events; delivery is
// at-most-once by design and totals on later events recover the state.
const DefaultSubscriberBuffer = 64

// redisChannel is the pattern for the cross-process event bridge.
func redisChannel(jobID uuid.UUID) string {
	return "weave:progress:" + jobID.String()
}

// Subscription is one consumer's view of a job's event stream. C closes
// when the job finishes or the subscription is cancelled.
type Subscription struct {
	C <-chan Event

	cancel func()
	once   sync.Once
}

// Unsubscribe detaches the consumer and closes C. Safe to call more
// than once and safe concurrently with CloseJob.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// PubSub fans progress events out to subscribers, keyed by job ID. One
// instance serves the whole process. Publishing never blocks: each
// subscriber has a bounded FIFO queue and overflow drops the event for
// that subscriber only.
//
// With a Redis client attached, every event is additionally published
// to weave:progress:<job_id> so processes that do not host the run can
// follow it.
type PubSub struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]map[uint64]*subscriber
	nextID uint64
	buffer int

	rdb *redis.Client
	log *logrus.Entry
}

// PubSubOption adjusts a PubSub at construction.
type PubSubOption func(*PubSub)

// WithRedis attaches the cross-process bridge.
func WithRedis(rdb *redis.Client) PubSubOption {
	return func(p *PubSub) { p.rdb = rdb }
}

// WithSubscriberBuffer overrides the per-subscriber queue depth.
func WithSubscriberBuffer(n int) PubSubOption {
	return func(p *PubSub) {
		if n > 0 {
			p.buffer = n
		}
	}
}

func NewPubSub(opts ...PubSubOption) *PubSub {
	p := &PubSub{
		jobs:   make(map[uuid.UUID]map[uint64]*subscriber),
		buffer: DefaultSubscriberBuffer,
		log:    common.Component("pubsub"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe attaches a consumer to a job's event stream. Subscribing to
// a job that already finished yields a subscription whose channel is
// closed on the next CloseJob; callers normally check job status first.
func (p *PubSub) Subscribe(jobID uuid.UUID) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs, ok := p.jobs[jobID]
	if !ok {
		subs = make(map[uint64]*subscriber)
		p.jobs[jobID] = subs
	}
	id := p.nextID
	p.nextID++
	sub := &subscriber{ch: make(chan Event, p.buffer)}
	subs[id] = sub

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if cur, ok := p.jobs[jobID]; ok {
				if s, ok := cur[id]; ok && !s.closed {
					s.closed = true
					close(s.ch)
				}
				delete(cur, id)
				if len(cur) == 0 {
					delete(p.jobs, jobID)
				}
			}
		},
	}
}

// Publish delivers an event to every local subscriber of the job and,
// when bridged, to Redis. A full subscriber queue drops the event.
func (p *PubSub) Publish(jobID uuid.UUID, ev Event) {
	p.mu.Lock()
	for _, sub := range p.jobs[jobID] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow consumer. Later totals carry the lost delta.
		}
	}
	p.mu.Unlock()

	if p.rdb == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.WithError(err).Warn("failed to encode progress event for redis")
		return
	}
	if err := p.rdb.Publish(context.Background(), redisChannel(jobID), payload).Err(); err != nil {
		p.log.WithError(err).WithField("job_id", jobID).Warn("failed to publish progress event to redis")
	}
}

// CloseJob closes every subscriber queue for the job and forgets it.
// Publishing to a closed job is a no-op.
func (p *PubSub) CloseJob(jobID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.jobs[jobID] {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	delete(p.jobs, jobID)
}

// SubscribeRemote follows a job's events over the Redis bridge. It is
// how an API instance streams progress for a run hosted elsewhere. The
// returned stop function tears the subscription down; the channel also
// closes when ctx ends.
func (p *PubSub) SubscribeRemote(ctx context.Context, jobID uuid.UUID) (<-chan Event, func(), error) {
	if p.rdb == nil {
		return nil, nil, fmt.Errorf("no redis client configured for remote progress")
	}
	sub := p.rdb.Subscribe(ctx, redisChannel(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to remote progress: %w", err)
	}

	out := make(chan Event, p.buffer)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.log.WithError(err).Warn("failed to decode remote progress event")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() { _ = sub.Close() }
	return out, stop, nil
}
