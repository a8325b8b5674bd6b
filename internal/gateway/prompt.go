package gateway

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/reifying/untethered/internal/agent"
	"github.com/reifying/untethered/internal/apperr"
	"github.com/reifying/untethered/internal/protocol"
	"github.com/reifying/untethered/internal/session"
)

// handlePrompt queues the agent run on the session's scheduler and
// acknowledges once it is accepted. Turns arrive asynchronously through the
// subscription.
func (s *Service) handlePrompt(ctx context.Context, c *Client, msg protocol.Inbound) error {
	req, err := decode[protocol.PromptRequest](msg)
	if err != nil {
		return err
	}
	workDir := s.workingDirectory(c, req.WorkingDirectory)

	var rec session.Session
	if req.SessionID == "" {
		rec, err = s.store.CreateSession(ctx, workDir)
	} else {
		rec, err = s.store.EnsureSession(ctx, req.SessionID, workDir)
	}
	if err != nil {
		return err
	}
	if rec.WorkingDirectory != "" {
		workDir = rec.WorkingDirectory
	}

	if !s.locks.TryLock(rec.ID, promptLockOwner) {
		return apperr.Conflict("session %s is busy", rec.ID).WithCode("session-locked")
	}
	c.subscribe(rec.ID)

	// The job waits for the ack so the client never sees turns for a prompt
	// it has not had acknowledged.
	acked := make(chan struct{})
	err = s.scheduler.Enqueue(rec.ID, func(jobCtx context.Context) {
		select {
		case <-acked:
		case <-jobCtx.Done():
		}
		s.runPrompt(jobCtx, rec.ID, workDir, req.Text)
	})
	if err != nil {
		s.locks.Unlock(rec.ID, promptLockOwner)
		if errors.Is(err, session.ErrSessionQueueFull) {
			return apperr.Wrap(err, apperr.KindConflict, "session queue full").WithCode("queue-full")
		}
		return apperr.Wrap(err, apperr.KindInternal, "enqueue prompt")
	}
	c.Send(protocol.Ack{Type: protocol.TypeAck, Ref: protocol.TypePrompt, SessionID: rec.ID})
	s.Publish(ctx, rec.ID, protocol.SessionLock{Type: protocol.TypeSessionLocked, SessionID: rec.ID})
	close(acked)
	return nil
}

func (s *Service) runPrompt(ctx context.Context, sessionID, workDir, text string) {
	log := s.logger.WithFields(logrus.Fields{"session_id": sessionID})
	defer func() {
		s.locks.Unlock(sessionID, promptLockOwner)
		s.Publish(ctx, sessionID, protocol.SessionLock{Type: protocol.TypeSessionUnlocked, SessionID: sessionID})
	}()

	rec, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		s.publishFailure(ctx, sessionID, err)
		return
	}
	mode := agent.ModeCreate
	if rec.RemoteEstablished {
		mode = agent.ModeResume
	}

	if err := s.appendAndPublish(ctx, sessionID, session.TurnInput{Role: session.RoleUser, Text: text}); err != nil {
		s.publishFailure(ctx, sessionID, err)
		return
	}

	log.WithField("mode", mode).Info("prompt started")
	result, err := s.invoker.Invoke(ctx, agent.Invocation{
		RemoteSessionID:  sessionID,
		WorkingDirectory: workDir,
		Prompt:           text,
		Mode:             mode,
	})
	if err != nil {
		log.WithError(err).Warn("prompt failed")
		s.publishFailure(ctx, sessionID, err)
		return
	}
	if mode == agent.ModeCreate {
		if err := s.store.MarkRemoteEstablished(ctx, sessionID); err != nil {
			s.publishFailure(ctx, sessionID, err)
			return
		}
	}
	for _, input := range result.Turns {
		if err := s.appendAndPublish(ctx, sessionID, input); err != nil {
			s.publishFailure(ctx, sessionID, err)
			return
		}
	}
	log.WithField("turns", len(result.Turns)).Info("prompt finished")
}

func (s *Service) appendAndPublish(ctx context.Context, sessionID string, input session.TurnInput) error {
	turn, err := s.store.AppendTurn(ctx, sessionID, input)
	if err != nil {
		return err
	}
	s.Publish(ctx, sessionID, protocol.TurnAppended{
		Type:      protocol.TypeTurn,
		SessionID: sessionID,
		Turn:      protocol.TurnFromSession(turn),
	})
	return nil
}

func (s *Service) publishFailure(ctx context.Context, sessionID string, err error) {
	code := apperr.CodeOf(err)
	if code == "" {
		code = string(apperr.KindOf(err))
	}
	s.Publish(ctx, sessionID, protocol.Error{
		Type:      protocol.TypeError,
		Code:      code,
		Message:   errorMessage(err),
		SessionID: sessionID,
	})
}
