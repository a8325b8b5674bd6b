// Package dispatch fans events out to subscribers. Each subscriber has its
// own queue and worker, so a slow webhook never delays client delivery and
// every subscriber sees events in publish order.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reifying/untethered/internal/subscribers"
)

const (
	defaultRetryCount   = 3
	defaultRetryBackoff = 150 * time.Millisecond
	defaultQueueSize    = 256
)

type Option func(*Dispatcher)

func WithRetry(count int, backoff time.Duration) Option {
	return func(d *Dispatcher) {
		if count > 0 {
			d.retryCount = count
		}
		if backoff >= 0 {
			d.retryBackoff = backoff
		}
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

type Dispatcher struct {
	logger       *logrus.Entry
	retryCount   int
	retryBackoff time.Duration
	queueSize    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	queues []*queue
}

type queue struct {
	sub    subscribers.Subscriber
	events chan subscribers.Event
}

func New(logger *logrus.Entry, subs []subscribers.Subscriber, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger:       logger,
		retryCount:   defaultRetryCount,
		retryBackoff: defaultRetryBackoff,
		queueSize:    defaultQueueSize,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		q := &queue{sub: sub, events: make(chan subscribers.Event, d.queueSize)}
		d.queues = append(d.queues, q)
		d.wg.Add(1)
		go d.drain(q)
	}
	return d
}

// Dispatch enqueues the event for every subscriber without blocking. A
// subscriber whose queue is full misses the event.
func (d *Dispatcher) Dispatch(event subscribers.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, q := range d.queues {
		select {
		case q.events <- event:
		default:
			d.logger.WithFields(logrus.Fields{
				"subscriber": q.sub.Name(),
				"event_id":   event.ID,
				"event_type": event.Type,
			}).Warn("subscriber queue full, dropping event")
		}
	}
}

// Close stops accepting events, lets queued events drain and waits for the
// workers. Retries still pending when ctx expires are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, q := range d.queues {
			close(q.events)
		}
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) drain(q *queue) {
	defer d.wg.Done()
	for event := range q.events {
		d.dispatchOne(q.sub, event)
	}
}

func (d *Dispatcher) dispatchOne(sub subscribers.Subscriber, event subscribers.Event) {
	for attempt := 1; attempt <= d.retryCount; attempt++ {
		err := sub.Handle(d.ctx, event)
		if err == nil {
			return
		}

		d.logger.WithFields(logrus.Fields{
			"subscriber": sub.Name(),
			"event_id":   event.ID,
			"attempt":    attempt,
		}).WithError(err).Warn("subscriber failed")
		if attempt == d.retryCount {
			return
		}

		select {
		case <-d.ctx.Done():
			return
		case <-time.After(d.retryBackoff):
		}
	}
}
