// Package orchestration drives multi-step agent tasks defined by a step
// table, stopping runs that exceed their step or revisit limits.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reifying/untethered/internal/agent"
	"github.com/reifying/untethered/internal/apperr"
	"github.com/reifying/untethered/internal/ids"
	"github.com/reifying/untethered/internal/logging"
	"github.com/reifying/untethered/internal/protocol"
	"github.com/reifying/untethered/internal/session"
)

// LockOwner is the owner name runs use in the session lock table.
const LockOwner = "orchestration"

var ErrRunNotFound = apperr.New(apperr.KindNotFound, "no active run")

// Publisher receives run events and the turns a run appends. Publish must
// not block for long; the run loop calls it inline.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, msg any)
}

type PublisherFunc func(ctx context.Context, sessionID string, msg any)

func (f PublisherFunc) Publish(ctx context.Context, sessionID string, msg any) {
	f(ctx, sessionID, msg)
}

type TableProvider interface {
	Table() *Table
}

// DecisionKind discriminates Decision.
type DecisionKind int

const (
	DecisionAdvance DecisionKind = iota
	DecisionExit
	DecisionFail
)

// Decision is what a finished step tells the run to do next.
type Decision struct {
	Kind   DecisionKind
	Next   string
	Reason string
	Cause  error
}

// Decide maps an agent reply to a Decision using the step's outcome table.
func Decide(step Step, reply string) Decision {
	outcome, ok := ParseOutcome(reply)
	if !ok {
		return Decision{Kind: DecisionFail, Cause: errors.New("reply has no outcome object")}
	}
	tr, ok := step.Outcomes[outcome]
	if !ok {
		return Decision{Kind: DecisionFail, Cause: fmt.Errorf("unknown outcome %q", outcome)}
	}
	if tr.Exit != "" {
		return Decision{Kind: DecisionExit, Reason: tr.Exit}
	}
	return Decision{Kind: DecisionAdvance, Next: tr.Next}
}

// Exit is the terminal outcome of a run.
type Exit struct {
	Reason string
	Cause  error
}

func (e Exit) Category() Category {
	return Classify(e.Reason)
}

func (e Exit) Message() string {
	msg := Describe(e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

type StartRequest struct {
	SessionID        string
	TaskID           string
	WorkingDirectory string
}

type Engine struct {
	store     session.Store
	invoker   agent.Invoker
	tables    TableProvider
	locks     *session.LockTable
	publisher Publisher
	runs      *Registry
	logger    *logrus.Entry
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	onExit func(State, Exit)
}

type Option func(*Engine)

func WithLogger(logger *logrus.Entry) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithExitHook registers a callback run after a run exits and its lock has
// been released.
func WithExitHook(fn func(State, Exit)) Option {
	return func(e *Engine) {
		e.onExit = fn
	}
}

func NewEngine(store session.Store, invoker agent.Invoker, tables TableProvider, locks *session.LockTable, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:     store,
		invoker:   invoker,
		tables:    tables,
		locks:     locks,
		publisher: PublisherFunc(func(context.Context, string, any) {}),
		runs:      NewRegistry(),
		logger:    logging.New("orchestration"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	if e.locks == nil {
		e.locks = session.NewLockTable()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Start registers a run for the session and drives it on its own goroutine.
// The session must exist and must not be locked by other work.
func (e *Engine) Start(ctx context.Context, req StartRequest) (State, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return State{}, apperr.Validation("session_id is required")
	}
	task, ok := e.tables.Table().Task(req.TaskID)
	if !ok {
		return State{}, apperr.NotFound("unknown task %q", req.TaskID)
	}
	sess, err := e.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return State{}, err
	}
	if e.ctx.Err() != nil {
		return State{}, apperr.New(apperr.KindInternal, "orchestration engine is closed")
	}

	if !e.locks.TryLock(req.SessionID, LockOwner) {
		return State{}, apperr.Conflict("session %s is busy", req.SessionID)
	}
	workDir := req.WorkingDirectory
	if workDir == "" {
		workDir = sess.WorkingDirectory
	}
	st, err := e.runs.Create(State{
		RunID:                    ids.New(),
		SessionID:                req.SessionID,
		TaskID:                   req.TaskID,
		WorkingDirectory:         workDir,
		CurrentStep:              task.FirstStep,
		StepVisitCounts:          map[string]int{task.FirstStep: 1},
		RemoteSessionEstablished: sess.RemoteEstablished,
		StartedAt:                e.now().UTC(),
	})
	if err != nil {
		e.locks.Unlock(req.SessionID, LockOwner)
		return State{}, err
	}

	e.logger.WithFields(logrus.Fields{
		"run_id":     st.RunID,
		"session_id": st.SessionID,
		"task_id":    st.TaskID,
	}).Info("run started")
	e.publisher.Publish(e.ctx, st.SessionID, protocol.SessionLock{Type: protocol.TypeSessionLocked, SessionID: st.SessionID})
	e.publisher.Publish(e.ctx, st.SessionID, protocol.RunStarted{
		Type:      protocol.TypeRunStarted,
		SessionID: st.SessionID,
		TaskID:    st.TaskID,
		Step:      st.CurrentStep,
		StepCount: st.StepCount,
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(task, st)
	}()
	return st, nil
}

// Kill marks the run so it exits before its next step. A step already
// executing finishes first.
func (e *Engine) Kill(sessionID string) error {
	if _, ok := e.runs.Mutate(sessionID, func(st *State) { st.Killed = true }); !ok {
		return fmt.Errorf("%w for session %s", ErrRunNotFound, sessionID)
	}
	return nil
}

func (e *Engine) Run(sessionID string) (State, bool) {
	return e.runs.Get(sessionID)
}

func (e *Engine) Active() []State {
	return e.runs.Active()
}

// Close cancels every run and waits for their goroutines.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) run(task Task, st State) {
	exit := e.loop(task, st.SessionID)

	final, _ := e.runs.Get(st.SessionID)
	e.runs.Remove(st.SessionID)
	e.locks.Unlock(st.SessionID, LockOwner)

	log := e.logger.WithFields(logrus.Fields{
		"run_id":     final.RunID,
		"session_id": final.SessionID,
		"reason":     exit.Reason,
		"steps":      final.StepCount,
	})
	if exit.Cause != nil {
		log = log.WithError(exit.Cause)
	}
	log.Info("run exited")

	// Publish with a fresh context so shutdown exits still reach subscribers.
	pubCtx := context.WithoutCancel(e.ctx)
	e.publisher.Publish(pubCtx, final.SessionID, protocol.RunExited{
		Type:      protocol.TypeRunExited,
		SessionID: final.SessionID,
		TaskID:    final.TaskID,
		Reason:    exit.Reason,
		Category:  string(exit.Category()),
		Message:   exit.Message(),
		StepCount: final.StepCount,
	})
	e.publisher.Publish(pubCtx, final.SessionID, protocol.SessionLock{Type: protocol.TypeSessionUnlocked, SessionID: final.SessionID})
	if e.onExit != nil {
		e.onExit(final, exit)
	}
}

func (e *Engine) loop(task Task, sessionID string) Exit {
	for {
		st, ok := e.runs.Get(sessionID)
		if !ok {
			return Exit{Reason: ReasonInternalError, Cause: errors.New("run state disappeared")}
		}
		if st.Killed {
			return Exit{Reason: ReasonUserCancelled}
		}
		if e.ctx.Err() != nil {
			return Exit{Reason: ReasonInternalError, Cause: errors.New("engine shutting down")}
		}

		step, ok := task.Steps[st.CurrentStep]
		prompt := strings.TrimSpace(step.Prompt)
		if !ok || prompt == "" {
			return Exit{Reason: ReasonNoPrompt}
		}
		if st.StepCount >= task.MaxTotalSteps {
			return Exit{Reason: ReasonMaxTotalSteps}
		}
		if st.StepVisitCounts[st.CurrentStep] > task.MaxStepVisits {
			return Exit{Reason: ReasonMaxStepVisits + ":" + st.CurrentStep}
		}

		st, _ = e.runs.Mutate(sessionID, func(s *State) { s.StepCount++ })
		e.publisher.Publish(e.ctx, sessionID, protocol.StepStarted{
			Type:      protocol.TypeStepStarted,
			SessionID: sessionID,
			Step:      st.CurrentStep,
			StepCount: st.StepCount,
			Visit:     st.StepVisitCounts[st.CurrentStep],
		})

		reply, err := e.executeStep(st, prompt)
		if err != nil {
			if apperr.Is(err, apperr.KindRemoteAgent) {
				return Exit{Reason: ReasonAgentFailed, Cause: err}
			}
			return Exit{Reason: ReasonInternalError, Cause: err}
		}

		decision := Decide(step, reply)
		switch decision.Kind {
		case DecisionAdvance:
			e.runs.Mutate(sessionID, func(s *State) {
				s.CurrentStep = decision.Next
				s.StepVisitCounts[decision.Next]++
			})
		case DecisionExit:
			return Exit{Reason: decision.Reason}
		case DecisionFail:
			return Exit{Reason: ReasonOrchestrationError, Cause: decision.Cause}
		default:
			return Exit{Reason: ReasonInternalError, Cause: fmt.Errorf("unknown decision kind %d", decision.Kind)}
		}
	}
}

// executeStep records the prompt, invokes the agent and records its turns.
func (e *Engine) executeStep(st State, prompt string) (string, error) {
	if err := e.appendTurn(st.SessionID, session.TurnInput{Role: session.RoleUser, Text: prompt}); err != nil {
		return "", err
	}

	mode := agent.ModeCreate
	if st.RemoteSessionEstablished {
		mode = agent.ModeResume
	}
	result, err := e.invoker.Invoke(e.ctx, agent.Invocation{
		RemoteSessionID:  st.SessionID,
		WorkingDirectory: st.WorkingDirectory,
		Prompt:           prompt,
		Mode:             mode,
	})
	if err != nil {
		return "", err
	}
	if mode == agent.ModeCreate {
		if err := e.store.MarkRemoteEstablished(e.ctx, st.SessionID); err != nil {
			return "", fmt.Errorf("mark remote session: %w", err)
		}
	}
	e.runs.Mutate(st.SessionID, func(s *State) { s.RemoteSessionEstablished = true })

	for _, input := range result.Turns {
		if err := e.appendTurn(st.SessionID, input); err != nil {
			return "", err
		}
	}
	return result.Text, nil
}

func (e *Engine) appendTurn(sessionID string, input session.TurnInput) error {
	turn, err := e.store.AppendTurn(e.ctx, sessionID, input)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	e.publisher.Publish(e.ctx, sessionID, protocol.TurnAppended{
		Type:      protocol.TypeTurn,
		SessionID: sessionID,
		Turn:      protocol.TurnFromSession(turn),
	})
	return nil
}
