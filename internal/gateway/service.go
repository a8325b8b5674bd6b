// Package gateway implements the backend side of the client protocol:
// authentication, session management, prompt dispatch, history sync and
// orchestration runs.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/reifying/untethered/internal/agent"
	"github.com/reifying/untethered/internal/apperr"
	"github.com/reifying/untethered/internal/dispatch"
	"github.com/reifying/untethered/internal/historysync"
	"github.com/reifying/untethered/internal/logging"
	"github.com/reifying/untethered/internal/orchestration"
	"github.com/reifying/untethered/internal/protocol"
	"github.com/reifying/untethered/internal/session"
	"github.com/reifying/untethered/internal/subscribers"
)

const (
	promptLockOwner     = "prompt"
	deleteLockOwner     = "delete"
	defaultSessionLimit = 50
	greeting            = "untethered gateway ready, send connect"
)

type Options struct {
	APIKey                  string
	DefaultWorkingDirectory string
	SessionLimit            int
	HistoryBudget           int
	SessionQueueSize        int
	ClientQueueSize         int

	Store       session.Store
	Invoker     agent.Invoker
	Tables      orchestration.TableProvider
	Subscribers []subscribers.Subscriber
	Logger      *logrus.Entry
}

type Service struct {
	opts       Options
	logger     *logrus.Entry
	store      session.Store
	invoker    agent.Invoker
	locks      *session.LockTable
	scheduler  *session.Scheduler
	planner    historysync.Planner
	hub        *Hub
	dispatcher *dispatch.Dispatcher
	engine     *orchestration.Engine
}

func NewService(opts Options) (*Service, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("gateway api key is required")
	}
	if opts.Store == nil {
		return nil, errors.New("gateway store is required")
	}
	if opts.Invoker == nil {
		return nil, errors.New("gateway agent invoker is required")
	}
	if opts.Tables == nil {
		opts.Tables = orchestration.StaticTable(nil)
	}
	if opts.SessionLimit <= 0 {
		opts.SessionLimit = defaultSessionLimit
	}
	if opts.HistoryBudget <= 0 {
		opts.HistoryBudget = historysync.DefaultByteBudget
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New("gateway")
	}

	s := &Service{
		opts:      opts,
		logger:    logger,
		store:     opts.Store,
		invoker:   opts.Invoker,
		locks:     session.NewLockTable(),
		scheduler: session.NewScheduler(logger.WithField("part", "scheduler"), opts.SessionQueueSize),
		planner:   historysync.NewPlanner(),
		hub:       NewHub(),
	}
	subs := append([]subscribers.Subscriber{s.hub}, opts.Subscribers...)
	s.dispatcher = dispatch.New(logger.WithField("part", "dispatch"), subs)
	s.engine = orchestration.NewEngine(opts.Store, opts.Invoker, opts.Tables, s.locks,
		orchestration.WithLogger(logger.WithField("part", "orchestration")),
		orchestration.WithPublisher(s))
	return s, nil
}

// Publish fans a session event out to subscribed clients and every other
// subscriber.
func (s *Service) Publish(_ context.Context, sessionID string, msg any) {
	s.dispatcher.Dispatch(subscribers.NewEvent(sessionID, msg))
}

// Open registers a new connection and greets it.
func (s *Service) Open() *Client {
	c := newClient(s.opts.ClientQueueSize)
	s.hub.add(c)
	c.Send(protocol.Hello{Type: protocol.TypeHello, Version: protocol.ProtocolVersion, Message: greeting})
	s.logger.WithField("client_id", c.ID()).Debug("client connected")
	return c
}

func (s *Service) Disconnect(c *Client) {
	s.hub.remove(c)
	c.Close()
	s.logger.WithField("client_id", c.ID()).Debug("client disconnected")
}

// Authorize compares a presented key with the configured one in constant
// time.
func (s *Service) Authorize(key string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(key)), []byte(s.opts.APIKey)) == 1
}

// Sessions lists recent sessions with their lock state.
func (s *Service) Sessions(ctx context.Context, limit int) ([]protocol.SessionView, error) {
	if limit <= 0 {
		limit = s.opts.SessionLimit
	}
	recs, err := s.store.ListSessions(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.SessionView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, protocol.SessionFromRecord(rec, s.locks.Locked(rec.ID)))
	}
	return out, nil
}

// DeleteSession removes a session that no run or prompt currently holds.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return apperr.Validation("session_id is required")
	}
	if !s.locks.TryLock(sessionID, deleteLockOwner) {
		return apperr.Validation("session %s is in use", sessionID).WithCode("session-locked")
	}
	defer s.locks.Unlock(sessionID, deleteLockOwner)
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	s.logger.WithField("session_id", sessionID).Info("session deleted")
	return nil
}

func (s *Service) Engine() *orchestration.Engine {
	return s.engine
}

func (s *Service) Clients() int {
	return s.hub.Count()
}

// Close stops runs and prompt jobs, then drains event delivery.
func (s *Service) Close(ctx context.Context) error {
	s.engine.Close()
	s.scheduler.Close()
	return s.dispatcher.Close(ctx)
}

// Handle processes one inbound frame from c.
func (s *Service) Handle(ctx context.Context, c *Client, data []byte) {
	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		s.sendError(c, "", apperr.Wrap(err, apperr.KindValidation, "invalid message").WithCode("invalid-message"))
		return
	}

	log := s.logger.WithFields(logrus.Fields{"client_id": c.ID(), "type": msg.Type})
	if msg.Type != protocol.TypeConnect && msg.Type != protocol.TypePing && !c.Authenticated() {
		log.Debug("rejecting message before connect")
		s.sendError(c, "", apperr.New(apperr.KindUnauthorized, "send connect first"))
		return
	}

	switch msg.Type {
	case protocol.TypeConnect:
		err = s.handleConnect(ctx, c, msg)
	case protocol.TypePing:
		c.Send(protocol.Pong{Type: protocol.TypePong})
	case protocol.TypeSetDirectory:
		err = s.handleSetDirectory(c, msg)
	case protocol.TypeNewSession:
		err = s.handleNewSession(ctx, c, msg)
	case protocol.TypePrompt:
		err = s.handlePrompt(ctx, c, msg)
	case protocol.TypeSubscribe:
		err = s.handleSubscribe(ctx, c, msg)
	case protocol.TypeUnsubscribe:
		err = s.handleUnsubscribe(c, msg)
	case protocol.TypeRefresh:
		err = s.handleRefresh(ctx, c, msg)
	case protocol.TypeStartRun:
		err = s.handleStartRun(ctx, c, msg)
	case protocol.TypeKillRun:
		err = s.handleKillRun(c, msg)
	default:
		err = apperr.Newf(apperr.KindValidation, "unknown message type %q", msg.Type).WithCode("unknown-type")
	}
	if err != nil {
		log.WithError(err).Debug("request failed")
		s.sendError(c, sessionOf(msg), err)
	}
}

func (s *Service) sendError(c *Client, sessionID string, err error) {
	code := apperr.CodeOf(err)
	if code == "" {
		code = string(apperr.KindOf(err))
	}
	c.Send(protocol.Error{
		Type:      protocol.TypeError,
		Code:      code,
		Message:   errorMessage(err),
		SessionID: sessionID,
	})
}

// errorMessage hides internal causes from clients.
func errorMessage(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		if appErr.Kind == apperr.KindInternal {
			return "internal error"
		}
		return err.Error()
	}
	return "internal error"
}

func sessionOf(msg protocol.Inbound) string {
	var probe struct {
		SessionID string `json:"session_id"`
	}
	if err := msg.DecodePayload(&probe); err != nil {
		return ""
	}
	return probe.SessionID
}

func decode[T interface{ Validate() error }](msg protocol.Inbound) (T, error) {
	var req T
	if err := msg.DecodePayload(&req); err != nil {
		return req, apperr.Wrap(err, apperr.KindValidation, fmt.Sprintf("decode %s", msg.Type))
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}
