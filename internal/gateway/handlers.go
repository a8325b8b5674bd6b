package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/reifying/untethered/internal/orchestration"
	"github.com/reifying/untethered/internal/protocol"
	"github.com/reifying/untethered/internal/session"
)

func (s *Service) handleConnect(ctx context.Context, c *Client, msg protocol.Inbound) error {
	req, err := decode[protocol.ConnectRequest](msg)
	if err != nil || !s.Authorize(req.APIKey) {
		s.logger.WithField("client_id", c.ID()).Warn("authentication failed")
		c.SendFinal(protocol.AuthError{Type: protocol.TypeAuthError, Message: "invalid api key"})
		return nil
	}
	c.setAuthenticated()

	all, err := s.store.ListSessions(ctx, 0)
	if err != nil {
		return err
	}
	c.Send(protocol.Connected{Type: protocol.TypeConnected, SessionCount: len(all)})

	views, err := s.Sessions(ctx, req.SessionLimit)
	if err != nil {
		return err
	}
	c.Send(protocol.SessionList{Type: protocol.TypeSessionList, Sessions: views})
	return nil
}

func (s *Service) handleSetDirectory(c *Client, msg protocol.Inbound) error {
	req, err := decode[protocol.SetDirectoryRequest](msg)
	if err != nil {
		return err
	}
	c.setWorkingDirectory(strings.TrimSpace(req.Path))
	c.Send(protocol.Ack{Type: protocol.TypeAck, Ref: protocol.TypeSetDirectory})
	return nil
}

func (s *Service) handleNewSession(ctx context.Context, c *Client, msg protocol.Inbound) error {
	req, err := decode[protocol.NewSessionRequest](msg)
	if err != nil {
		return err
	}
	rec, err := s.store.CreateSession(ctx, s.workingDirectory(c, req.WorkingDirectory))
	if err != nil {
		return err
	}
	c.subscribe(rec.ID)
	c.Send(protocol.SessionCreated{Type: protocol.TypeSessionCreated, Session: protocol.SessionFromRecord(rec, false)})
	return nil
}

// handleSubscribe registers interest first and then sends history, so a turn
// appended in between is delivered at least once.
func (s *Service) handleSubscribe(ctx context.Context, c *Client, msg protocol.Inbound) error {
	req, err := decode[protocol.SubscribeRequest](msg)
	if err != nil {
		return err
	}
	c.subscribe(req.SessionID)
	history, err := s.history(ctx, req.SessionID, req.LastTurnID)
	if err != nil {
		return err
	}
	c.Send(history)
	return nil
}

func (s *Service) handleUnsubscribe(c *Client, msg protocol.Inbound) error {
	req, err := decode[protocol.UnsubscribeRequest](msg)
	if err != nil {
		return err
	}
	c.unsubscribe(req.SessionID)
	c.Send(protocol.Ack{Type: protocol.TypeAck, Ref: protocol.TypeUnsubscribe, SessionID: req.SessionID})
	return nil
}

// handleRefresh resends the session list and, for a named session, its
// history from the start.
func (s *Service) handleRefresh(ctx context.Context, c *Client, msg protocol.Inbound) error {
	req, err := decode[protocol.RefreshRequest](msg)
	if err != nil {
		return err
	}
	views, err := s.Sessions(ctx, 0)
	if err != nil {
		return err
	}
	c.Send(protocol.SessionList{Type: protocol.TypeSessionList, Sessions: views})
	if req.SessionID == "" {
		return nil
	}
	history, err := s.history(ctx, req.SessionID, "")
	if err != nil {
		return err
	}
	c.Send(history)
	return nil
}

func (s *Service) handleStartRun(ctx context.Context, c *Client, msg protocol.Inbound) error {
	req, err := decode[protocol.StartRunRequest](msg)
	if err != nil {
		return err
	}
	c.subscribe(req.SessionID)
	if _, err := s.engine.Start(ctx, orchestration.StartRequest{
		SessionID:        req.SessionID,
		TaskID:           req.TaskID,
		WorkingDirectory: req.WorkingDirectory,
	}); err != nil {
		return err
	}
	c.Send(protocol.Ack{Type: protocol.TypeAck, Ref: protocol.TypeStartRun, SessionID: req.SessionID})
	return nil
}

func (s *Service) handleKillRun(c *Client, msg protocol.Inbound) error {
	req, err := decode[protocol.KillRunRequest](msg)
	if err != nil {
		return err
	}
	if err := s.engine.Kill(req.SessionID); err != nil {
		return err
	}
	c.Send(protocol.Ack{Type: protocol.TypeAck, Ref: protocol.TypeKillRun, SessionID: req.SessionID})
	return nil
}

// history plans one history message. An unknown session has an empty,
// complete history.
func (s *Service) history(ctx context.Context, sessionID, sinceID string) (protocol.History, error) {
	turns, err := s.store.Turns(ctx, sessionID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return protocol.History{}, err
	}
	plan := s.planner.ForSession(sessionID, turns).Plan(turns, sinceID, s.opts.HistoryBudget)

	views := make([]protocol.TurnView, 0, len(plan.Included))
	for _, turn := range plan.Included {
		views = append(views, protocol.TurnFromSession(turn))
	}
	return protocol.History{
		Type:         protocol.TypeHistory,
		SessionID:    sessionID,
		Turns:        views,
		TotalCount:   len(turns),
		OldestTurnID: optional(plan.OldestID),
		NewestTurnID: optional(plan.NewestID),
		IsComplete:   plan.Complete,
	}, nil
}

func (s *Service) workingDirectory(c *Client, requested string) string {
	if dir := strings.TrimSpace(requested); dir != "" {
		return dir
	}
	if dir := c.WorkingDirectory(); dir != "" {
		return dir
	}
	return s.opts.DefaultWorkingDirectory
}

func optional(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
