// Package agent invokes the remote coding agent for one prompt and turns
// its output into transcript turns.
package agent

import (
	"context"

	"github.com/reifying/untethered/internal/apperr"
	"github.com/reifying/untethered/internal/session"
)

// Mode selects whether the agent starts a new remote session or continues
// an existing one.
type Mode string

const (
	ModeCreate Mode = "create"
	ModeResume Mode = "resume"
)

var ErrAgentFailed = apperr.New(apperr.KindRemoteAgent, "agent invocation failed")

type Invocation struct {
	RemoteSessionID  string
	WorkingDirectory string
	Prompt           string
	Mode             Mode
}

// Result holds the agent's final reply text and every turn it produced, in
// order. The prompt itself is not included.
type Result struct {
	Text  string
	Turns []session.TurnInput
}

type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

type InvokerFunc func(ctx context.Context, inv Invocation) (Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	return f(ctx, inv)
}
