package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/reifying/untethered/internal/apperr"
	"github.com/reifying/untethered/internal/ids"
)

const (
	indexFileName   = "index.toml"
	transcriptsDir  = "transcripts"
	tempFilePattern = ".index-*.tmp"
	dirMode         = 0o700
	fileMode        = 0o600
)

// FileStore keeps the session index in index.toml and each transcript in an
// append-only transcripts/<session>.jsonl file. Everything is loaded at open;
// the transcript files are the source of truth for turn counts.
type FileStore struct {
	root string

	mu        sync.RWMutex
	sessions  map[string]*fileSession
	turnIndex map[string]string
	closed    bool

	indexMu sync.Mutex
	locks   *keyedLocks
	now     func() time.Time
}

type fileSession struct {
	meta  Session
	turns []Turn
}

type indexFile struct {
	Sessions []indexEntry `toml:"sessions"`
}

type indexEntry struct {
	ID                string    `toml:"id"`
	WorkingDirectory  string    `toml:"working_directory"`
	CreatedAt         time.Time `toml:"created_at"`
	UpdatedAt         time.Time `toml:"updated_at"`
	TurnCount         int       `toml:"turn_count"`
	RemoteEstablished bool      `toml:"remote_established"`
}

var _ Store = (*FileStore)(nil)

func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, apperr.Validation("file store root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, transcriptsDir), dirMode); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	s := &FileStore{
		root:      root,
		sessions:  make(map[string]*fileSession),
		turnIndex: make(map[string]string),
		locks:     newKeyedLocks(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read session index: %w", err)
	}

	var index indexFile
	if err := toml.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("decode session index: %w", err)
	}

	for _, entry := range index.Sessions {
		if checkFileSessionID(entry.ID) != nil {
			continue
		}
		turns, err := readTranscript(s.transcriptPath(entry.ID))
		if err != nil {
			return err
		}
		meta := Session{
			ID:                entry.ID,
			WorkingDirectory:  entry.WorkingDirectory,
			CreatedAt:         entry.CreatedAt.UTC(),
			UpdatedAt:         entry.UpdatedAt.UTC(),
			TurnCount:         len(turns),
			RemoteEstablished: entry.RemoteEstablished,
		}
		if n := len(turns); n > 0 && turns[n-1].Timestamp.After(meta.UpdatedAt) {
			meta.UpdatedAt = turns[n-1].Timestamp
		}
		s.sessions[entry.ID] = &fileSession{meta: meta, turns: turns}
		for _, turn := range turns {
			s.turnIndex[turn.ID] = entry.ID
		}
	}
	return nil
}

// readTranscript decodes a jsonl transcript. A torn final line left by an
// interrupted write is dropped.
func readTranscript(path string) ([]Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var turns []Turn
	reader := bufio.NewReader(f)
	for {
		line, readErr := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var turn Turn
			if err := json.Unmarshal(line, &turn); err != nil {
				break
			}
			turn.Timestamp = turn.Timestamp.UTC()
			turns = append(turns, turn)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read transcript: %w", readErr)
		}
	}
	sortTurns(turns)
	return turns, nil
}

func (s *FileStore) CreateSession(ctx context.Context, workingDirectory string) (Session, error) {
	return s.EnsureSession(ctx, ids.New(), workingDirectory)
}

func (s *FileStore) EnsureSession(_ context.Context, sessionID, workingDirectory string) (Session, error) {
	if err := checkFileSessionID(sessionID); err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Session{}, ErrClosed
	}
	entry, ok := s.sessions[sessionID]
	changed := false
	switch {
	case !ok:
		now := s.now()
		entry = &fileSession{meta: Session{
			ID:               sessionID,
			WorkingDirectory: workingDirectory,
			CreatedAt:        now,
			UpdatedAt:        now,
		}}
		s.sessions[sessionID] = entry
		changed = true
	case entry.meta.WorkingDirectory == "" && workingDirectory != "":
		entry.meta.WorkingDirectory = workingDirectory
		changed = true
	}
	meta := entry.meta
	s.mu.Unlock()

	if changed {
		if err := s.writeIndex(); err != nil {
			return Session{}, err
		}
	}
	return meta, nil
}

func (s *FileStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	if err := validateSessionID(sessionID); err != nil {
		return Session{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Session{}, ErrClosed
	}
	entry, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, notFound("session", sessionID)
	}
	return entry.meta, nil
}

func (s *FileStore) ListSessions(_ context.Context, limit int) ([]Session, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	out := make([]Session, 0, len(s.sessions))
	for _, entry := range s.sessions {
		out = append(out, entry.meta)
	}
	s.mu.RUnlock()

	sortSessions(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *FileStore) DeleteSession(_ context.Context, sessionID string) error {
	if err := checkFileSessionID(sessionID); err != nil {
		return err
	}
	unlock := s.locks.lock(sessionID)
	defer unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	entry, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return notFound("session", sessionID)
	}
	delete(s.sessions, sessionID)
	for _, turn := range entry.turns {
		delete(s.turnIndex, turn.ID)
	}
	s.mu.Unlock()

	if err := os.Remove(s.transcriptPath(sessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove transcript: %w", err)
	}
	return s.writeIndex()
}

func (s *FileStore) AppendTurn(_ context.Context, sessionID string, input TurnInput) (Turn, error) {
	if err := checkFileSessionID(sessionID); err != nil {
		return Turn{}, err
	}
	input, err := normalizeInput(input, s.now())
	if err != nil {
		return Turn{}, err
	}
	unlock := s.locks.lock(sessionID)
	defer unlock()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return Turn{}, ErrClosed
	}
	entry, ok := s.sessions[sessionID]
	var last time.Time
	var seq int64 = 1
	if ok {
		if n := len(entry.turns); n > 0 {
			last = entry.turns[n-1].Timestamp
			seq = entry.turns[n-1].Sequence + 1
		}
	}
	s.mu.RUnlock()
	if !ok {
		return Turn{}, notFound("session", sessionID)
	}

	turn := Turn{
		ID:        ids.New(),
		SessionID: sessionID,
		Role:      input.Role,
		Text:      input.Text,
		Timestamp: clampTimestamp(last, input.Timestamp),
		Sequence:  seq,
	}
	if err := s.appendLine(sessionID, turn); err != nil {
		return Turn{}, err
	}

	s.mu.Lock()
	entry.turns = append(entry.turns, turn)
	entry.meta.TurnCount = len(entry.turns)
	entry.meta.UpdatedAt = turn.Timestamp
	s.turnIndex[turn.ID] = sessionID
	s.mu.Unlock()

	if err := s.writeIndex(); err != nil {
		return Turn{}, err
	}
	return turn, nil
}

func (s *FileStore) MarkRemoteEstablished(_ context.Context, sessionID string) error {
	if err := checkFileSessionID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	entry, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return notFound("session", sessionID)
	}
	changed := !entry.meta.RemoteEstablished
	entry.meta.RemoteEstablished = true
	s.mu.Unlock()

	if !changed {
		return nil
	}
	return s.writeIndex()
}

func (s *FileStore) appendLine(sessionID string, turn Turn) error {
	line, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.transcriptPath(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append transcript: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close transcript: %w", err)
	}
	return nil
}

func (s *FileStore) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	return s.RecentTurns(ctx, sessionID, 0)
}

func (s *FileStore) TurnByID(_ context.Context, turnID string) (Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessionID, ok := s.turnIndex[turnID]
	if !ok {
		return Turn{}, notFound("turn", turnID)
	}
	for _, turn := range s.sessions[sessionID].turns {
		if turn.ID == turnID {
			return turn, nil
		}
	}
	return Turn{}, notFound("turn", turnID)
}

func (s *FileStore) RecentTurns(_ context.Context, sessionID string, n int) ([]Turn, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	entry, ok := s.sessions[sessionID]
	if !ok {
		return []Turn{}, nil
	}
	return tailTurns(entry.turns, n), nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// writeIndex snapshots under indexMu so the last rename always carries the
// latest state.
func (s *FileStore) writeIndex() error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	s.mu.RLock()
	metas := make([]Session, 0, len(s.sessions))
	for _, entry := range s.sessions {
		metas = append(metas, entry.meta)
	}
	s.mu.RUnlock()
	sortSessions(metas)

	index := indexFile{Sessions: make([]indexEntry, 0, len(metas))}
	for _, meta := range metas {
		index.Sessions = append(index.Sessions, indexEntry{
			ID:                meta.ID,
			WorkingDirectory:  meta.WorkingDirectory,
			CreatedAt:         meta.CreatedAt,
			UpdatedAt:         meta.UpdatedAt,
			TurnCount:         meta.TurnCount,
			RemoteEstablished: meta.RemoteEstablished,
		})
	}
	return writeTOMLFile(s.indexPath(), index)
}

func writeTOMLFile(path string, file any) error {
	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode session index: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Chmod(fileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace session index: %w", err)
	}
	cleanup = false
	return nil
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.root, indexFileName)
}

func (s *FileStore) transcriptPath(sessionID string) string {
	return filepath.Join(s.root, transcriptsDir, sessionID+".jsonl")
}

// checkFileSessionID rejects ids that cannot be used as a file name.
func checkFileSessionID(sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	if filepath.Base(sessionID) != sessionID || sessionID == "." || sessionID == ".." {
		return apperr.Validation("session_id %q is not a valid file name", sessionID)
	}
	return nil
}
