package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reifying/untethered/internal/apperr"
)

// MaxSessionIDLength bounds client-chosen session ids. It matches the sql
// column size and keeps a history envelope far below any byte budget.
const MaxSessionIDLength = 191

var (
	ErrNotFound = apperr.New(apperr.KindNotFound, "not found")
	ErrClosed   = errors.New("store is closed")
)

type Store interface {
	CreateSession(ctx context.Context, workingDirectory string) (Session, error)
	EnsureSession(ctx context.Context, sessionID, workingDirectory string) (Session, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
	ListSessions(ctx context.Context, limit int) ([]Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	AppendTurn(ctx context.Context, sessionID string, input TurnInput) (Turn, error)
	Turns(ctx context.Context, sessionID string) ([]Turn, error)
	TurnByID(ctx context.Context, turnID string) (Turn, error)
	RecentTurns(ctx context.Context, sessionID string, n int) ([]Turn, error)
	// MarkRemoteEstablished records that the agent holds a session with this
	// id, so later invocations resume it. It is idempotent.
	MarkRemoteEstablished(ctx context.Context, sessionID string) error
	Close() error
}

func validateSessionID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return apperr.Validation("session_id is required")
	}
	if len(sessionID) > MaxSessionIDLength {
		return apperr.Validation("session_id is longer than %d bytes", MaxSessionIDLength)
	}
	return nil
}

func normalizeInput(input TurnInput, now time.Time) (TurnInput, error) {
	if !input.Role.Valid() {
		return TurnInput{}, apperr.Validation("invalid turn role %q", input.Role)
	}
	if input.Timestamp.IsZero() {
		input.Timestamp = now
	}
	input.Timestamp = input.Timestamp.UTC()
	return input, nil
}

// clampTimestamp keeps timestamps non-decreasing within a session.
func clampTimestamp(last, candidate time.Time) time.Time {
	if !last.IsZero() && candidate.Before(last) {
		return last
	}
	return candidate
}

func sortSessions(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].UpdatedAt.Equal(sessions[j].UpdatedAt) {
			return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}

func sortTurns(turns []Turn) {
	sort.SliceStable(turns, func(i, j int) bool {
		return turns[i].Before(turns[j])
	})
}

func tailTurns(turns []Turn, n int) []Turn {
	if n > 0 && n < len(turns) {
		turns = turns[len(turns)-n:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// keyedLocks hands out one mutex per session id so appends serialize per
// session while other sessions proceed.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
