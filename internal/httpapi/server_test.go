package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reifying/untethered/internal/agent"
	"github.com/reifying/untethered/internal/apperr"
	"github.com/reifying/untethered/internal/connection"
	"github.com/reifying/untethered/internal/gateway"
	"github.com/reifying/untethered/internal/logging"
	"github.com/reifying/untethered/internal/protocol"
	"github.com/reifying/untethered/internal/session"
)

const testAPIKey = "test-key"

func newTestServer(t *testing.T) (*httptest.Server, *session.MemoryStore) {
	t.Helper()
	store := session.NewMemoryStore()
	invoker := agent.InvokerFunc(func(_ context.Context, inv agent.Invocation) (agent.Result, error) {
		return agent.Result{
			Text:  "echo: " + inv.Prompt,
			Turns: []session.TurnInput{{Role: session.RoleAgentText, Text: "echo: " + inv.Prompt}},
		}, nil
	})
	svc, err := gateway.NewService(gateway.Options{
		APIKey:  testAPIKey,
		Store:   store,
		Invoker: invoker,
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(NewServer(logging.Discard(), ":0", svc).Handler)
	t.Cleanup(func() {
		ts.Close()
		_ = svc.Close(context.Background())
		_ = store.Close()
	})
	return ts, store
}

func wsURL(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"
	return u.String()
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["ok"])
}

func TestSessionsRequiresBearerKey(t *testing.T) {
	ts, store := newTestServer(t)
	_, err := store.CreateSession(context.Background(), "/repo")
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/v1/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/sessions?limit=5", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Sessions []protocol.SessionView `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "/repo", body.Sessions[0].WorkingDirectory)

	req.URL.RawQuery = "limit=abc"
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestDeleteSession(t *testing.T) {
	ts, store := newTestServer(t)
	rec, err := store.CreateSession(context.Background(), "/repo")
	require.NoError(t, err)

	del := func(id, key string) int {
		t.Helper()
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/sessions/"+id, nil)
		require.NoError(t, err)
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, del(rec.ID, ""))
	assert.Equal(t, http.StatusNoContent, del(rec.ID, testAPIKey))
	assert.Equal(t, http.StatusNotFound, del(rec.ID, testAPIKey))

	_, err = store.GetSession(context.Background(), rec.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestWSRejectsCrossOrigin(t *testing.T) {
	ts, _ := newTestServer(t)

	headers := http.Header{}
	headers.Set("Origin", "http://evil.example")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(t, ts), headers)
	if err == nil {
		_ = conn.Close()
		t.Fatalf("expected cross-origin websocket upgrade failure")
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWSWrongKeyGetsAuthErrorAndClose(t *testing.T) {
	ts, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(t, ts), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var hello protocol.Hello
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, protocol.TypeHello, hello.Type)

	require.NoError(t, conn.WriteJSON(protocol.ConnectRequest{Type: protocol.TypeConnect, APIKey: "nope"}))
	var authErr protocol.AuthError
	require.NoError(t, conn.ReadJSON(&authErr))
	assert.Equal(t, protocol.TypeAuthError, authErr.Type)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func clientConfig(url, key string) connection.Config {
	cfg := connection.DefaultConfig()
	cfg.URL = url
	cfg.APIKey = key
	cfg.GreetingTimeout = 2 * time.Second
	cfg.AuthTimeout = 2 * time.Second
	cfg.Backoff.MaxAttempts = 0
	return cfg
}

func TestConnectionManagerEndToEnd(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()
	rec, err := store.CreateSession(ctx, "/repo")
	require.NoError(t, err)
	first, err := store.AppendTurn(ctx, rec.ID, session.TurnInput{Role: session.RoleUser, Text: "hello"})
	require.NoError(t, err)

	m := connection.New(clientConfig(wsURL(t, ts), testAPIKey), connection.WebSocketDialer{}, logging.Discard())
	defer m.Close()
	inbound := make(chan protocol.Inbound, 64)
	m.OnMessage(func(msg protocol.Inbound) { inbound <- msg })

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(waitCtx))
	require.NoError(t, m.WaitReady(waitCtx))

	next := func(want protocol.MessageType) protocol.Inbound {
		t.Helper()
		for {
			select {
			case msg := <-inbound:
				if msg.Type == want {
					return msg
				}
			case <-waitCtx.Done():
				t.Fatalf("timed out waiting for %s", want)
				return protocol.Inbound{}
			}
		}
	}

	require.NoError(t, m.Subscribe(ctx, rec.ID, ""))
	var history protocol.History
	require.NoError(t, next(protocol.TypeHistory).DecodePayload(&history))
	require.Len(t, history.Turns, 1)
	assert.Equal(t, first.ID, history.Turns[0].ID)

	require.NoError(t, m.Prompt(ctx, protocol.PromptRequest{SessionID: rec.ID, Text: "run it"}))
	var reply protocol.TurnAppended
	next(protocol.TypeTurn)
	require.NoError(t, next(protocol.TypeTurn).DecodePayload(&reply))
	assert.Equal(t, "echo: run it", reply.Turn.Text)
	next(protocol.TypeSessionUnlocked)

	require.Eventually(t, func() bool { return len(m.Status().Locked) == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Refresh(ctx, rec.ID))
	var refreshed protocol.History
	require.NoError(t, next(protocol.TypeHistory).DecodePayload(&refreshed))
	assert.Equal(t, 3, refreshed.TotalCount)
}

func TestConnectionManagerWrongKey(t *testing.T) {
	ts, _ := newTestServer(t)

	m := connection.New(clientConfig(wsURL(t, ts), "wrong"), connection.WebSocketDialer{}, logging.Discard())
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	err := m.WaitReady(ctx)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	assert.False(t, m.Connected())
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, bearerToken(req))
	req.Header.Set("Authorization", "bearer  abc ")
	assert.Equal(t, "abc", bearerToken(req))
	req.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, bearerToken(req))
	assert.False(t, strings.Contains(bearerToken(req), "Basic"))
}
