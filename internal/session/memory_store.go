package session

import (
	"context"
	"sync"
	"time"

	"github.com/reifying/untethered/internal/apperr"
	"github.com/reifying/untethered/internal/ids"
)

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionLog
	closed   bool

	indexMu   sync.RWMutex
	turnIndex map[string]string

	now func() time.Time
}

type sessionLog struct {
	mu    sync.RWMutex
	meta  Session
	turns []Turn
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*sessionLog),
		turnIndex: make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, workingDirectory string) (Session, error) {
	return s.EnsureSession(ctx, ids.New(), workingDirectory)
}

func (s *MemoryStore) EnsureSession(_ context.Context, sessionID, workingDirectory string) (Session, error) {
	if err := validateSessionID(sessionID); err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Session{}, ErrClosed
	}

	if existing, ok := s.sessions[sessionID]; ok {
		existing.mu.Lock()
		defer existing.mu.Unlock()
		if existing.meta.WorkingDirectory == "" && workingDirectory != "" {
			existing.meta.WorkingDirectory = workingDirectory
		}
		return existing.meta, nil
	}

	now := s.now()
	log := &sessionLog{meta: Session{
		ID:               sessionID,
		WorkingDirectory: workingDirectory,
		CreatedAt:        now,
		UpdatedAt:        now,
	}}
	s.sessions[sessionID] = log
	return log.meta, nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	log, err := s.logFor(sessionID)
	if err != nil {
		return Session{}, err
	}
	log.mu.RLock()
	defer log.mu.RUnlock()
	return log.meta, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, limit int) ([]Session, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	logs := make([]*sessionLog, 0, len(s.sessions))
	for _, log := range s.sessions {
		logs = append(logs, log)
	}
	s.mu.RUnlock()

	out := make([]Session, 0, len(logs))
	for _, log := range logs {
		log.mu.RLock()
		out = append(out, log.meta)
		log.mu.RUnlock()
	}
	sortSessions(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	log, ok := s.sessions[sessionID]
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !ok {
		s.mu.Unlock()
		return notFound("session", sessionID)
	}
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	log.mu.RLock()
	defer log.mu.RUnlock()
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	for _, turn := range log.turns {
		delete(s.turnIndex, turn.ID)
	}
	return nil
}

func (s *MemoryStore) AppendTurn(_ context.Context, sessionID string, input TurnInput) (Turn, error) {
	input, err := normalizeInput(input, s.now())
	if err != nil {
		return Turn{}, err
	}
	log, err := s.logFor(sessionID)
	if err != nil {
		return Turn{}, err
	}

	log.mu.Lock()
	var last time.Time
	if n := len(log.turns); n > 0 {
		last = log.turns[n-1].Timestamp
	}
	turn := Turn{
		ID:        ids.New(),
		SessionID: sessionID,
		Role:      input.Role,
		Text:      input.Text,
		Timestamp: clampTimestamp(last, input.Timestamp),
		Sequence:  int64(len(log.turns) + 1),
	}
	log.turns = append(log.turns, turn)
	log.meta.TurnCount = len(log.turns)
	log.meta.UpdatedAt = turn.Timestamp
	log.mu.Unlock()

	s.indexMu.Lock()
	s.turnIndex[turn.ID] = sessionID
	s.indexMu.Unlock()
	return turn, nil
}

func (s *MemoryStore) MarkRemoteEstablished(_ context.Context, sessionID string) error {
	log, err := s.logFor(sessionID)
	if err != nil {
		return err
	}
	log.mu.Lock()
	log.meta.RemoteEstablished = true
	log.mu.Unlock()
	return nil
}

func (s *MemoryStore) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	return s.RecentTurns(ctx, sessionID, 0)
}

func (s *MemoryStore) TurnByID(_ context.Context, turnID string) (Turn, error) {
	s.indexMu.RLock()
	sessionID, ok := s.turnIndex[turnID]
	s.indexMu.RUnlock()
	if !ok {
		return Turn{}, notFound("turn", turnID)
	}

	log, err := s.logFor(sessionID)
	if err != nil {
		return Turn{}, err
	}
	log.mu.RLock()
	defer log.mu.RUnlock()
	for _, turn := range log.turns {
		if turn.ID == turnID {
			return turn, nil
		}
	}
	return Turn{}, notFound("turn", turnID)
}

func (s *MemoryStore) RecentTurns(_ context.Context, sessionID string, n int) ([]Turn, error) {
	log, err := s.logFor(sessionID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return []Turn{}, nil
		}
		return nil, err
	}
	log.mu.RLock()
	defer log.mu.RUnlock()
	return tailTurns(log.turns, n), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) logFor(sessionID string) (*sessionLog, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	log, ok := s.sessions[sessionID]
	if !ok {
		return nil, notFound("session", sessionID)
	}
	return log, nil
}
