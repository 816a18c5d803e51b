// Package queue connects sync runs to RabbitMQ. Run requests are
// published to a durable request queue and picked up by workers;
// terminal job events are published to a durable event queue for
// downstream consumers. Messages are JSON and queues survive broker
// restarts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"weave.evalgo.org/common"
	"weave.evalgo.org/config"
	"weave.evalgo.org/db"
)

// RunRequest asks a worker to run the given sync.
type RunRequest struct {
	SyncID uuid.UUID `json:"sync_id"`
}

// Counters are the per-job entity counters carried on terminal events.
type Counters struct {
	Inserted    int64 `json:"inserted"`
	Updated     int64 `json:"updated"`
	AlreadySync int64 `json:"already_sync"`
	Skipped     int64 `json:"skipped"`
	Failed      int64 `json:"failed"`
	Deleted     int64 `json:"deleted"`
}

// CountersFromJob copies the counter columns of a job row.
func CountersFromJob(job *db.SyncJob) *Counters {
	return &Counters{
		Inserted:    job.Inserted,
		Updated:     job.Updated,
		AlreadySync: job.AlreadySync,
		Skipped:     job.Skipped,
		Failed:      job.Failed,
		Deleted:     job.Deleted,
	}
}

// JobEvent reports a job status change. Error and Counters are only set
// when the job has them: Error on failure, Counters on terminal states.
type JobEvent struct {
	JobID    uuid.UUID    `json:"job_id"`
	SyncID   uuid.UUID    `json:"sync_id"`
	Status   db.JobStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
	Counters *Counters    `json:"counters,omitempty"`
	TS       time.Time    `json:"ts"`
}

// EventFromJob builds the event for a job row in its current state.
func EventFromJob(job *db.SyncJob) JobEvent {
	ev := JobEvent{
		JobID:  job.ID,
		SyncID: job.SyncID,
		Status: job.Status,
		Error:  job.Error,
		TS:     time.Now().UTC(),
	}
	if job.Status.Terminal() {
		ev.Counters = CountersFromJob(job)
	}
	return ev
}

// Handler processes one run request. Returning an error requeues the
// request for redelivery; permanent failures (a sync that no longer
// exists, a validation error) should be absorbed by the handler so the
// request is not redelivered forever.
type Handler func(ctx context.Context, req RunRequest) error

// Service publishes and consumes sync queue messages over one AMQP
// connection. It is safe to share a Service across goroutines for
// publishing; ConsumeRunRequests owns the channel's consumer side.
type Service struct {
	connection AMQPConnection
	channel    AMQPChannel
	cfg        config.QueueConfig
	log        *logrus.Entry
}

// New connects to RabbitMQ and declares the request and event queues.
func New(cfg config.QueueConfig) (*Service, error) {
	return NewWithDialer(cfg, &RealAMQPDialer{})
}

// NewWithDialer is New with an injectable dialer for tests.
func NewWithDialer(cfg config.QueueConfig, dialer AMQPDialer) (*Service, error) {
	if cfg.RequestQueue == "" || cfg.EventQueue == "" {
		return nil, fmt.Errorf("queue names are required")
	}

	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	for _, name := range []string{cfg.RequestQueue, cfg.EventQueue} {
		_, err = ch.QueueDeclare(
			name,  // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
	}

	return &Service{
		connection: conn,
		channel:    ch,
		cfg:        cfg,
		log:        common.Component("queue"),
	}, nil
}

// PublishRunRequest enqueues a run request for the next free worker.
func (s *Service) PublishRunRequest(req RunRequest) error {
	if err := s.publish(s.cfg.RequestQueue, req); err != nil {
		return fmt.Errorf("failed to publish run request: %w", err)
	}
	s.log.WithField("sync_id", req.SyncID).Debug("queued run request")
	return nil
}

// PublishJobEvent reports a job status change to the event queue.
func (s *Service) PublishJobEvent(ev JobEvent) error {
	if err := s.publish(s.cfg.EventQueue, ev); err != nil {
		return fmt.Errorf("failed to publish job event: %w", err)
	}
	s.log.WithField("job_id", ev.JobID).WithField("status", ev.Status).Debug("published job event")
	return nil
}

func (s *Service) publish(queueName string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return s.channel.Publish(
		"",        // exchange (default)
		queueName, // routing key (queue name)
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// ConsumeRunRequests delivers run requests to handler until ctx is
// cancelled or the broker closes the delivery channel. Requests are
// acked on success and nacked back onto the queue when the handler
// fails; payloads that do not parse are nacked without requeue so a
// poison message cannot wedge the queue.
func (s *Service) ConsumeRunRequests(ctx context.Context, handler Handler) error {
	deliveries, err := s.channel.Consume(
		s.cfg.RequestQueue, // queue
		"",                 // consumer
		false,              // auto-ack
		false,              // exclusive
		false,              // no-local
		false,              // no-wait
		nil,                // args
	)
	if err != nil {
		return fmt.Errorf("failed to consume run requests: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			s.handleDelivery(ctx, d, handler)
		}
	}
}

func (s *Service) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	var req RunRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		s.log.WithError(err).Warn("dropping unreadable run request")
		if err := d.Nack(false, false); err != nil {
			s.log.WithError(err).Warn("failed to nack run request")
		}
		return
	}

	if err := handler(ctx, req); err != nil {
		s.log.WithError(err).WithField("sync_id", req.SyncID).Error("run request failed, requeueing")
		if err := d.Nack(false, true); err != nil {
			s.log.WithError(err).Warn("failed to nack run request")
		}
		return
	}

	if err := d.Ack(false); err != nil {
		s.log.WithError(err).Warn("failed to ack run request")
	}
}

// Close closes the channel and connection. Safe to call on a partially
// constructed service.
func (s *Service) Close() error {
	if s.channel != nil {
		s.channel.Close()
	}
	if s.connection != nil {
		s.connection.Close()
	}
	return nil
}
