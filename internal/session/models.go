package session

import "time"

// Role is the resolved classification of a turn, decided once at ingestion.
type Role string

const (
	RoleUser           Role = "user"
	RoleAgentText      Role = "agent-text"
	RoleToolInvocation Role = "tool-invocation"
	RoleToolResult     Role = "tool-result"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAgentText, RoleToolInvocation, RoleToolResult:
		return true
	default:
		return false
	}
}

type Session struct {
	ID               string    `json:"id"`
	WorkingDirectory string    `json:"working_directory,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	TurnCount        int       `json:"turn_count"`

	// RemoteEstablished is set once the agent has accepted a create call for
	// this session. Turns alone do not imply it: a failed first call still
	// leaves the user's prompt in the transcript.
	RemoteEstablished bool `json:"remote_established,omitempty"`
}

// Turn is one exchange unit. Turns of a session are totally ordered by
// (Timestamp, Sequence).
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
}

// TurnInput is what callers hand to AppendTurn; the store assigns the rest.
type TurnInput struct {
	Role      Role
	Text      string
	Timestamp time.Time
}

// Before reports whether a sorts before b in the transcript order.
func (t Turn) Before(other Turn) bool {
	if !t.Timestamp.Equal(other.Timestamp) {
		return t.Timestamp.Before(other.Timestamp)
	}
	return t.Sequence < other.Sequence
}
