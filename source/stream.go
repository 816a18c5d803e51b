package source

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"weave.evalgo.org/common"
	"weave.evalgo.org/entity"
)

// DefaultStreamBuffer is the stream capacity used when none is configured.
const DefaultStreamBuffer = 256

// Stream is the bounded buffer between a source's generator and the
// worker pool. A single producer goroutine drains the generator into a
// channel; any number of workers consume from Entities(). The producer
// suspends when the buffer is full, consumers when it is empty.
//
// A generator error surfaces through Err() once Entities() is closed;
// items already buffered are always delivered first.
type Stream struct {
	ch     chan entity.Entity
	cancel context.CancelFunc
	done   chan struct{}
	log    *logrus.Entry

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// NewStream starts the producer for the given source. The stream must
// be closed on every exit path; Close is safe to call more than once.
func NewStream(ctx context.Context, src Source, capacity int) *Stream {
	if capacity <= 0 {
		capacity = DefaultStreamBuffer
	}

	pctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ch:     make(chan entity.Entity, capacity),
		cancel: cancel,
		done:   make(chan struct{}),
		log:    common.Component("stream").WithField("source", src.ShortName()),
	}

	go s.produce(pctx, src)
	return s
}

func (s *Stream) produce(ctx context.Context, src Source) {
	defer close(s.done)

	s.log.Debug("source stream producer started")

	err := src.GenerateEntities(ctx, func(e entity.Entity) error {
		select {
		case s.ch <- e:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	// Close after the error is stored so consumers that observe the
	// closed channel always see the final error.
	close(s.ch)

	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.WithError(err).Error("source stream producer failed")
	} else {
		s.log.Debug("source stream producer finished")
	}
}

// Entities is the consumer side of the stream. It is closed once the
// generator finished, failed, or was cancelled; buffered items drain
// before the closure is observed.
func (s *Stream) Entities() <-chan entity.Entity {
	return s.ch
}

// Err reports how the producer ended. It is only meaningful after
// Entities() is closed; a cancelled stream reports context.Canceled.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the producer, waits for it to exit, and drops whatever
// is still buffered. It returns the generator error, with cancellation
// by Close itself filtered out.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		for range s.ch {
			// drop buffered items
		}
	})

	if err := s.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
