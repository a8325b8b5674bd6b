package orchestration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reifying/untethered/internal/apperr"
)

func TestRegistryCopiesState(t *testing.T) {
	r := NewRegistry()
	created, err := r.Create(State{SessionID: "s1", CurrentStep: "a", StepVisitCounts: map[string]int{"a": 1}})
	require.NoError(t, err)

	created.StepVisitCounts["a"] = 99
	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Equal(t, 1, got.StepVisitCounts["a"])

	updated, ok := r.Mutate("s1", func(st *State) {
		st.StepCount++
		st.StepVisitCounts["b"]++
	})
	require.True(t, ok)
	assert.Equal(t, 1, updated.StepCount)
	assert.Equal(t, 1, updated.StepVisitCounts["b"])

	_, err = r.Create(State{SessionID: "s1"})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = r.Create(State{SessionID: "s0"})
	require.NoError(t, err)
	active := r.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "s0", active[0].SessionID)

	r.Remove("s1")
	_, ok = r.Get("s1")
	assert.False(t, ok)
	_, ok = r.Mutate("s1", func(*State) {})
	assert.False(t, ok)
}
