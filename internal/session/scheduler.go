package session

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrSessionQueueFull = errors.New("session queue full")
	ErrSchedulerClosed  = errors.New("scheduler closed")
)

// Job is one unit of per-session work. Jobs for the same session run one at
// a time in enqueue order.
type Job func(context.Context)

type Scheduler struct {
	logger    *logrus.Entry
	queueSize int
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

type worker struct {
	ch chan Job
}

func NewScheduler(logger *logrus.Entry, queueSize int) *Scheduler {
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:    logger,
		queueSize: queueSize,
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[string]*worker),
	}
}

func (s *Scheduler) Enqueue(sessionID string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}

	w := s.workerFor(sessionID)
	select {
	case w.ch <- job:
		return nil
	default:
		s.logger.WithField("session_id", sessionID).Warn("session queue full")
		return ErrSessionQueueFull
	}
}

// workerFor must be called with mu held.
func (s *Scheduler) workerFor(key string) *worker {
	if w, ok := s.workers[key]; ok {
		return w
	}

	w := &worker{ch: make(chan Job, s.queueSize)}
	s.workers[key] = w

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for job := range w.ch {
			s.run(key, job)
		}
	}()

	return w
}

func (s *Scheduler) run(key string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("session_id", key).Errorf("session job panicked: %v", r)
		}
	}()
	job(s.ctx)
}

// Close stops accepting work, cancels the context handed to running jobs and
// waits for queued jobs to drain.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, w := range s.workers {
		close(w.ch)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
