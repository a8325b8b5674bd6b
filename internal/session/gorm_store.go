package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	dbpkg "github.com/reifying/untethered/internal/db"
	"github.com/reifying/untethered/internal/ids"
)

type GormStore struct {
	db    *gorm.DB
	locks *keyedLocks
	now   func() time.Time
}

var _ Store = (*GormStore)(nil)

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	store := &GormStore{
		db:    gormDB,
		locks: newKeyedLocks(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	if err := s.db.AutoMigrate(&sessionRow{}, &turnRow{}); err != nil {
		return fmt.Errorf("migrate session tables: %w", err)
	}
	return nil
}

func (s *GormStore) CreateSession(ctx context.Context, workingDirectory string) (Session, error) {
	return s.EnsureSession(ctx, ids.New(), workingDirectory)
}

func (s *GormStore) EnsureSession(ctx context.Context, sessionID, workingDirectory string) (Session, error) {
	if err := validateSessionID(sessionID); err != nil {
		return Session{}, err
	}
	unlock := s.locks.lock(sessionID)
	defer unlock()

	var current sessionRow
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&current).Error
	if err == nil {
		if current.WorkingDirectory == "" && workingDirectory != "" {
			current.WorkingDirectory = workingDirectory
			if err := s.db.WithContext(ctx).Model(&sessionRow{}).
				Where("session_id = ?", sessionID).
				UpdateColumn("working_directory", workingDirectory).Error; err != nil {
				return Session{}, fmt.Errorf("update session: %w", err)
			}
		}
		return current.toRecord(), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, fmt.Errorf("get session: %w", err)
	}

	now := s.now()
	row := sessionRow{
		SessionID:        sessionID,
		WorkingDirectory: workingDirectory,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if err := validateSessionID(sessionID); err != nil {
		return Session{}, err
	}

	var row sessionRow
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Session{}, notFound("session", sessionID)
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	query := s.db.WithContext(ctx).Model(&sessionRow{}).Order("updated_at DESC").Order("session_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []sessionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]Session, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	unlock := s.locks.lock(sessionID)
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&turnRow{}).Error; err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		res := tx.Where("session_id = ?", sessionID).Delete(&sessionRow{})
		if res.Error != nil {
			return fmt.Errorf("delete session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return notFound("session", sessionID)
		}
		return nil
	})
}

func (s *GormStore) AppendTurn(ctx context.Context, sessionID string, input TurnInput) (Turn, error) {
	if err := validateSessionID(sessionID); err != nil {
		return Turn{}, err
	}
	input, err := normalizeInput(input, s.now())
	if err != nil {
		return Turn{}, err
	}
	unlock := s.locks.lock(sessionID)
	defer unlock()

	var out Turn
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess sessionRow
		if err := tx.Where("session_id = ?", sessionID).Take(&sess).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("session", sessionID)
			}
			return fmt.Errorf("get session: %w", err)
		}

		var last []turnRow
		if err := tx.Where("session_id = ?", sessionID).
			Order("sequence DESC").
			Limit(1).
			Find(&last).Error; err != nil {
			return fmt.Errorf("sequence lookup: %w", err)
		}

		var (
			seq    int64 = 1
			lastTS time.Time
		)
		if len(last) > 0 {
			seq = last[0].Sequence + 1
			lastTS = last[0].Timestamp.UTC()
		}

		row := turnRow{
			TurnID:    ids.New(),
			SessionID: sessionID,
			Sequence:  seq,
			Role:      string(input.Role),
			Text:      input.Text,
			Timestamp: clampTimestamp(lastTS, input.Timestamp),
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create turn: %w", err)
		}
		if err := tx.Model(&sessionRow{}).Where("session_id = ?", sessionID).Updates(map[string]any{
			"turn_count": seq,
			"updated_at": row.Timestamp,
		}).Error; err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		out = row.toRecord()
		return nil
	})
	if err != nil {
		return Turn{}, err
	}
	return out, nil
}

func (s *GormStore) MarkRemoteEstablished(ctx context.Context, sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("session_id = ?", sessionID).
		UpdateColumn("remote_established", true)
	if res.Error != nil {
		return fmt.Errorf("mark remote session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("session", sessionID)
	}
	return nil
}

func (s *GormStore) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	return s.RecentTurns(ctx, sessionID, 0)
}

func (s *GormStore) TurnByID(ctx context.Context, turnID string) (Turn, error) {
	var row turnRow
	err := s.db.WithContext(ctx).Where("turn_id = ?", turnID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Turn{}, notFound("turn", turnID)
		}
		return Turn{}, fmt.Errorf("get turn: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) RecentTurns(ctx context.Context, sessionID string, n int) ([]Turn, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).Model(&turnRow{}).Where("session_id = ?", sessionID)
	if n > 0 {
		query = query.Order("sequence DESC").Limit(n)
	} else {
		query = query.Order("sequence ASC")
	}

	var rows []turnRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	out := make([]Turn, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	sortTurns(out)
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
