package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/reifying/untethered/internal/session"
)

type MessageType string

// Client to server.
const (
	TypeConnect      MessageType = "connect"
	TypePing         MessageType = "ping"
	TypeSetDirectory MessageType = "set-directory"
	TypeNewSession   MessageType = "new-session"
	TypePrompt       MessageType = "prompt"
	TypeSubscribe    MessageType = "subscribe"
	TypeUnsubscribe  MessageType = "unsubscribe"
	TypeRefresh      MessageType = "refresh"
	TypeStartRun     MessageType = "start-run"
	TypeKillRun      MessageType = "kill-run"
)

// Server to client.
const (
	TypeHello           MessageType = "hello"
	TypeConnected       MessageType = "connected"
	TypeAuthError       MessageType = "auth-error"
	TypePong            MessageType = "pong"
	TypeAck             MessageType = "ack"
	TypeError           MessageType = "error"
	TypeSessionList     MessageType = "session-list"
	TypeSessionCreated  MessageType = "session-created"
	TypeHistory         MessageType = "history"
	TypeTurn            MessageType = "turn"
	TypeSessionLocked   MessageType = "session-locked"
	TypeSessionUnlocked MessageType = "session-unlocked"
	TypeRunStarted      MessageType = "run-started"
	TypeStepStarted     MessageType = "step-started"
	TypeRunExited       MessageType = "run-exited"
)

const ProtocolVersion = "1"

var ErrMissingType = errors.New("message type is required")

// Inbound is a decoded client frame whose payload is parsed on demand.
type Inbound struct {
	Type MessageType
	Raw  json.RawMessage
}

func DecodeInbound(data []byte) (Inbound, error) {
	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Inbound{}, fmt.Errorf("decode message: %w", err)
	}
	if strings.TrimSpace(string(probe.Type)) == "" {
		return Inbound{}, ErrMissingType
	}
	return Inbound{Type: probe.Type, Raw: append(json.RawMessage(nil), data...)}, nil
}

func (m Inbound) DecodePayload(v any) error {
	return json.Unmarshal(m.Raw, v)
}

type ConnectRequest struct {
	Type         MessageType `json:"type"`
	APIKey       string      `json:"api_key"`
	SessionLimit int         `json:"session_limit,omitempty"`
}

type SetDirectoryRequest struct {
	Type MessageType `json:"type"`
	Path string      `json:"path"`
}

type NewSessionRequest struct {
	Type             MessageType `json:"type"`
	WorkingDirectory string      `json:"working_directory,omitempty"`
}

type PromptRequest struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id,omitempty"`
	Text             string      `json:"text"`
	WorkingDirectory string      `json:"working_directory,omitempty"`
}

type SubscribeRequest struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	LastTurnID string      `json:"last_turn_id,omitempty"`
}

type UnsubscribeRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type RefreshRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
}

type StartRunRequest struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id"`
	TaskID           string      `json:"task_id"`
	WorkingDirectory string      `json:"working_directory,omitempty"`
}

type KillRunRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type Hello struct {
	Type    MessageType `json:"type"`
	Version string      `json:"version"`
	Message string      `json:"message,omitempty"`
}

type Connected struct {
	Type         MessageType `json:"type"`
	SessionCount int         `json:"session_count"`
}

type AuthError struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type Pong struct {
	Type MessageType `json:"type"`
}

type Ack struct {
	Type      MessageType `json:"type"`
	Ref       MessageType `json:"ref"`
	SessionID string      `json:"session_id,omitempty"`
}

type Error struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	SessionID string      `json:"session_id,omitempty"`
}

type SessionView struct {
	ID               string    `json:"id"`
	WorkingDirectory string    `json:"working_directory,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	TurnCount        int       `json:"turn_count"`
	Locked           bool      `json:"locked,omitempty"`
}

type SessionList struct {
	Type     MessageType   `json:"type"`
	Sessions []SessionView `json:"sessions"`
}

type SessionCreated struct {
	Type    MessageType `json:"type"`
	Session SessionView `json:"session"`
}

type TurnView struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Role      session.Role `json:"role"`
	Text      string       `json:"text"`
	Timestamp time.Time    `json:"timestamp"`
}

type History struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	Turns        []TurnView  `json:"turns"`
	TotalCount   int         `json:"total_count"`
	OldestTurnID *string     `json:"oldest_turn_id"`
	NewestTurnID *string     `json:"newest_turn_id"`
	IsComplete   bool        `json:"is_complete"`
}

type TurnAppended struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Turn      TurnView    `json:"turn"`
}

type SessionLock struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type RunStarted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TaskID    string      `json:"task_id"`
	Step      string      `json:"step"`
	StepCount int         `json:"step_count"`
}

type StepStarted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Step      string      `json:"step"`
	StepCount int         `json:"step_count"`
	Visit     int         `json:"visit"`
}

type RunExited struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TaskID    string      `json:"task_id,omitempty"`
	Reason    string      `json:"reason"`
	Category  string      `json:"category"`
	Message   string      `json:"message"`
	StepCount int         `json:"step_count"`
}

func TurnFromSession(turn session.Turn) TurnView {
	return TurnView{
		ID:        turn.ID,
		SessionID: turn.SessionID,
		Role:      turn.Role,
		Text:      turn.Text,
		Timestamp: turn.Timestamp,
	}
}

func SessionFromRecord(rec session.Session, locked bool) SessionView {
	return SessionView{
		ID:               rec.ID,
		WorkingDirectory: rec.WorkingDirectory,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
		TurnCount:        rec.TurnCount,
		Locked:           locked,
	}
}

func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// TypeOf returns the type tag of an outbound message value.
func TypeOf(msg any) MessageType {
	switch m := msg.(type) {
	case Hello:
		return m.Type
	case Connected:
		return m.Type
	case AuthError:
		return m.Type
	case Pong:
		return m.Type
	case Ack:
		return m.Type
	case Error:
		return m.Type
	case SessionList:
		return m.Type
	case SessionCreated:
		return m.Type
	case History:
		return m.Type
	case TurnAppended:
		return m.Type
	case SessionLock:
		return m.Type
	case RunStarted:
		return m.Type
	case StepStarted:
		return m.Type
	case RunExited:
		return m.Type
	default:
		return ""
	}
}
