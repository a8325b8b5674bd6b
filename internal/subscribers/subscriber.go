// Package subscribers defines the event envelope fanned out to every
// consumer of gateway activity.
package subscribers

import (
	"context"
	"time"

	"github.com/reifying/untethered/internal/ids"
	"github.com/reifying/untethered/internal/protocol"
)

type Event struct {
	ID        string               `json:"event_id"`
	Type      protocol.MessageType `json:"type"`
	SessionID string               `json:"session_id"`
	Timestamp time.Time            `json:"timestamp"`
	Payload   any                  `json:"payload"`
}

func NewEvent(sessionID string, msg any) Event {
	return Event{
		ID:        ids.New(),
		Type:      protocol.TypeOf(msg),
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   msg,
	}
}

type Subscriber interface {
	Name() string
	Handle(context.Context, Event) error
}

// TypeFilter returns a filter accepting only the given message types.
func TypeFilter(types ...protocol.MessageType) func(protocol.MessageType) bool {
	allowed := make(map[protocol.MessageType]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return func(t protocol.MessageType) bool {
		_, ok := allowed[t]
		return ok
	}
}
