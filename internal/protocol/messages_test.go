package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reifying/untethered/internal/apperr"
	"github.com/reifying/untethered/internal/session"
)

func TestDecodeInboundAndPayload(t *testing.T) {
	msg, err := DecodeInbound([]byte(`{"type":"subscribe","session_id":"s1","last_turn_id":"t9"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeSubscribe, msg.Type)

	var req SubscribeRequest
	require.NoError(t, msg.DecodePayload(&req))
	assert.Equal(t, "s1", req.SessionID)
	assert.Equal(t, "t9", req.LastTurnID)
}

func TestDecodeInboundRejectsMissingType(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"session_id":"s1"}`))
	require.ErrorIs(t, err, ErrMissingType)

	_, err = DecodeInbound([]byte(`not json`))
	require.Error(t, err)
}

func TestHistoryEncodesNullCursors(t *testing.T) {
	data, err := Encode(History{Type: TypeHistory, SessionID: "s1", Turns: []TurnView{}, IsComplete: true})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Nil(t, decoded["oldest_turn_id"])
	assert.Nil(t, decoded["newest_turn_id"])
	assert.Contains(t, decoded, "oldest_turn_id")
	assert.Equal(t, true, decoded["is_complete"])
}

func TestTurnFromSession(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	view := TurnFromSession(session.Turn{ID: "t1", SessionID: "s1", Role: session.RoleToolResult, Text: "ok", Timestamp: ts, Sequence: 4})

	assert.Equal(t, TurnView{ID: "t1", SessionID: "s1", Role: session.RoleToolResult, Text: "ok", Timestamp: ts}, view)
}

func TestRequestValidation(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "connect without key", err: ConnectRequest{}.Validate()},
		{name: "connect negative limit", err: ConnectRequest{APIKey: "k", SessionLimit: -1}.Validate()},
		{name: "blank prompt", err: PromptRequest{Text: "  "}.Validate()},
		{name: "subscribe without session", err: SubscribeRequest{}.Validate()},
		{name: "start run without task", err: StartRunRequest{SessionID: "s1"}.Validate()},
		{name: "kill without session", err: KillRunRequest{}.Validate()},
		{name: "set-directory without path", err: SetDirectoryRequest{}.Validate()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(tt.err))
		})
	}

	assert.NoError(t, StartRunRequest{SessionID: "s1", TaskID: "task"}.Validate())
	assert.NoError(t, PromptRequest{Text: "hello"}.Validate())
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, TypeRunExited, TypeOf(RunExited{Type: TypeRunExited}))
	assert.Equal(t, TypeSessionUnlocked, TypeOf(SessionLock{Type: TypeSessionUnlocked}))
	assert.Equal(t, MessageType(""), TypeOf("not a message"))
}
