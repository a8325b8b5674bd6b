package protocol

import (
	"strings"

	"github.com/reifying/untethered/internal/apperr"
)

const MaxPromptBytes = 256 << 10

func (r ConnectRequest) Validate() error {
	if strings.TrimSpace(r.APIKey) == "" {
		return apperr.Validation("api_key is required")
	}
	if r.SessionLimit < 0 {
		return apperr.Validation("session_limit must be >= 0")
	}
	return nil
}

func (r SetDirectoryRequest) Validate() error {
	if strings.TrimSpace(r.Path) == "" {
		return apperr.Validation("path is required")
	}
	return nil
}

func (r PromptRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return apperr.Validation("text is required")
	}
	if len(r.Text) > MaxPromptBytes {
		return apperr.Validation("text exceeds %d bytes", MaxPromptBytes)
	}
	return nil
}

func (r SubscribeRequest) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return apperr.Validation("session_id is required")
	}
	return nil
}

func (r UnsubscribeRequest) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return apperr.Validation("session_id is required")
	}
	return nil
}

func (r StartRunRequest) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return apperr.Validation("session_id is required")
	}
	if strings.TrimSpace(r.TaskID) == "" {
		return apperr.Validation("task_id is required")
	}
	return nil
}

func (r KillRunRequest) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return apperr.Validation("session_id is required")
	}
	return nil
}

func (r NewSessionRequest) Validate() error {
	return nil
}

func (r RefreshRequest) Validate() error {
	return nil
}
