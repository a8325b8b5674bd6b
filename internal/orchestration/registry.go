package orchestration

import (
	"sort"
	"sync"
	"time"

	"github.com/reifying/untethered/internal/apperr"
)

// State is the mutable record of one run. At most one run exists per session.
type State struct {
	RunID                    string
	SessionID                string
	TaskID                   string
	WorkingDirectory         string
	CurrentStep              string
	StepCount                int
	StepVisitCounts          map[string]int
	RemoteSessionEstablished bool
	StartedAt                time.Time
	Killed                   bool
}

func (s State) clone() State {
	visits := make(map[string]int, len(s.StepVisitCounts))
	for k, v := range s.StepVisitCounts {
		visits[k] = v
	}
	s.StepVisitCounts = visits
	return s
}

// Registry holds active runs keyed by session id.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*State
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*State)}
}

func (r *Registry) Create(state State) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[state.SessionID]; exists {
		return State{}, apperr.Conflict("session %s already has an active run", state.SessionID)
	}
	stored := state.clone()
	r.runs[state.SessionID] = &stored
	return stored.clone(), nil
}

func (r *Registry) Get(sessionID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.runs[sessionID]
	if !ok {
		return State{}, false
	}
	return st.clone(), true
}

// Mutate applies fn under the registry lock and returns the updated copy.
func (r *Registry) Mutate(sessionID string, fn func(*State)) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.runs[sessionID]
	if !ok {
		return State{}, false
	}
	fn(st)
	return st.clone(), true
}

func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, sessionID)
}

func (r *Registry) Active() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.runs))
	for _, st := range r.runs {
		out = append(out, st.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}
