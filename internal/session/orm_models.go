package session

import "time"

type sessionRow struct {
	SessionID         string    `gorm:"primaryKey;size:191"`
	WorkingDirectory  string    `gorm:"type:text"`
	TurnCount         int       `gorm:"not null;default:0"`
	RemoteEstablished bool      `gorm:"not null;default:false"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null;index"`
}

func (sessionRow) TableName() string {
	return "sessions"
}

func (r sessionRow) toRecord() Session {
	return Session{
		ID:                r.SessionID,
		WorkingDirectory:  r.WorkingDirectory,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
		TurnCount:         r.TurnCount,
		RemoteEstablished: r.RemoteEstablished,
	}
}

type turnRow struct {
	TurnID    string    `gorm:"primaryKey;size:64"`
	SessionID string    `gorm:"size:191;not null;uniqueIndex:idx_turns_session_sequence,priority:1"`
	Sequence  int64     `gorm:"not null;uniqueIndex:idx_turns_session_sequence,priority:2"`
	Role      string    `gorm:"size:32;not null"`
	Text      string    `gorm:"type:text;not null"`
	Timestamp time.Time `gorm:"not null"`
}

func (turnRow) TableName() string {
	return "turns"
}

func (r turnRow) toRecord() Turn {
	return Turn{
		ID:        r.TurnID,
		SessionID: r.SessionID,
		Role:      Role(r.Role),
		Text:      r.Text,
		Timestamp: r.Timestamp.UTC(),
		Sequence:  r.Sequence,
	}
}
