package logging

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/reifying/untethered/internal/subscribers"
)

// Subscriber writes one debug line per event.
type Subscriber struct {
	logger *logrus.Entry
}

func New(logger *logrus.Entry) *Subscriber {
	return &Subscriber{logger: logger}
}

func (s *Subscriber) Name() string {
	return "logging"
}

func (s *Subscriber) Handle(_ context.Context, event subscribers.Event) error {
	s.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"session_id": event.SessionID,
	}).Debug("event")
	return nil
}
