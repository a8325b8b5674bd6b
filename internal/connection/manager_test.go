package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reifying/untethered/internal/apperr"
	"github.com/reifying/untethered/internal/logging"
	"github.com/reifying/untethered/internal/protocol"
	"github.com/reifying/untethered/internal/session"
)

const waitFor = 2 * time.Second

type fakeConn struct {
	inbound chan []byte
	writes  chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 32),
		writes:  make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.writes <- append([]byte(nil), data...)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.inbound <- data
}

func (c *fakeConn) nextWrite(t *testing.T) protocol.Inbound {
	t.Helper()
	select {
	case data := <-c.writes:
		msg, err := protocol.DecodeInbound(data)
		require.NoError(t, err)
		return msg
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for client write")
		return protocol.Inbound{}
	}
}

func (c *fakeConn) handshake(t *testing.T) {
	t.Helper()
	c.push(t, protocol.Hello{Type: protocol.TypeHello, Version: protocol.ProtocolVersion})
	connect := c.nextWrite(t)
	require.Equal(t, protocol.TypeConnect, connect.Type)
	c.push(t, protocol.Connected{Type: protocol.TypeConnected})
}

type fakeDialer struct {
	mu     sync.Mutex
	dials  int
	err    error
	block  bool
	dialed chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	err, block := d.err, d.block
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	conn := newFakeConn()
	d.dialed <- conn
	return conn, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.dialed:
		return conn
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for dial")
		return nil
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URL = "ws://gateway.test/ws"
	cfg.APIKey = "secret"
	cfg.SessionLimit = 5
	cfg.Backoff = Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2}
	return cfg
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeDialer) {
	t.Helper()
	dialer := newFakeDialer()
	m := New(cfg, dialer, logging.Discard())
	t.Cleanup(m.Close)
	return m, dialer
}

func waitPhase(t *testing.T, m *Manager, phase Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status().Phase == phase }, waitFor, 5*time.Millisecond, "phase %s", phase)
}

func TestHandshakeReachesReadyOnlyAfterAuthentication(t *testing.T) {
	m, dialer := newTestManager(t, testConfig())
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	conn := dialer.next(t)
	waitPhase(t, m, PhaseAwaitingGreeting)
	assert.False(t, m.Connected())

	conn.push(t, protocol.Hello{Type: protocol.TypeHello, Version: protocol.ProtocolVersion})
	connect := conn.nextWrite(t)
	require.Equal(t, protocol.TypeConnect, connect.Type)
	var req protocol.ConnectRequest
	require.NoError(t, connect.DecodePayload(&req))
	assert.Equal(t, "secret", req.APIKey)
	assert.Equal(t, 5, req.SessionLimit)

	waitPhase(t, m, PhaseAuthenticating)
	assert.False(t, m.Connected())

	conn.push(t, protocol.Connected{Type: protocol.TypeConnected, SessionCount: 2})
	waitCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, m.WaitReady(waitCtx))
	assert.True(t, m.Connected())
	assert.Equal(t, 0, m.Status().Attempt)
}

func TestStatusCallbackNeverReportsConnectedBeforeReady(t *testing.T) {
	m, dialer := newTestManager(t, testConfig())

	var mu sync.Mutex
	var seen []Status
	m.OnStatus(func(st Status) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	dialer.next(t).handshake(t)
	waitPhase(t, m, PhaseReady)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1].Phase == PhaseReady
	}, waitFor, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	phases := make([]Phase, 0, len(seen))
	for _, st := range seen {
		assert.Equal(t, st.Phase == PhaseReady, st.Connected)
		phases = append(phases, st.Phase)
	}
	assert.Equal(t, []Phase{PhaseConnecting, PhaseAwaitingGreeting, PhaseAuthenticating, PhaseReady}, phases)
}

// A handle that died must never block a later Connect.
func TestConnectAfterFailureOpensNewLink(t *testing.T) {
	m, dialer := newTestManager(t, testConfig())
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	first := dialer.next(t)
	first.handshake(t)
	waitPhase(t, m, PhaseReady)

	require.NoError(t, first.Close())
	waitPhase(t, m, PhaseFailed)
	assert.False(t, m.Connected())
	m.mu.Lock()
	assert.Nil(t, m.handle, "failed link must not hold a handle")
	m.mu.Unlock()

	require.NoError(t, m.Connect(ctx))
	second := dialer.next(t)
	waitPhase(t, m, PhaseAwaitingGreeting)
	assert.Equal(t, 2, dialer.count())

	second.handshake(t)
	waitPhase(t, m, PhaseReady)
}

func TestConnectReleasesDeadHandle(t *testing.T) {
	m, dialer := newTestManager(t, testConfig())
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	first := dialer.next(t)
	first.handshake(t)
	waitPhase(t, m, PhaseReady)

	m.mu.Lock()
	m.handle.dead.Store(true)
	m.mu.Unlock()

	require.NoError(t, m.Connect(ctx))
	second := dialer.next(t)
	assert.True(t, first.isClosed())

	waitPhase(t, m, PhaseAwaitingGreeting)
	// The old reader exiting must not fail the new link.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, PhaseAwaitingGreeting, m.Status().Phase)
	assert.False(t, second.isClosed())
}

func TestConnectWhileLiveIsNoop(t *testing.T) {
	m, dialer := newTestManager(t, testConfig())
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	dialer.next(t).handshake(t)
	waitPhase(t, m, PhaseReady)

	require.NoError(t, m.Connect(ctx))
	assert.Equal(t, 1, dialer.count())
	assert.True(t, m.Connected())
}

func TestReconnectStaysDisconnectedUntilAuthenticated(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff.MaxAttempts = 3
	m, dialer := newTestManager(t, cfg)

	require.NoError(t, m.Connect(context.Background()))
	first := dialer.next(t)
	first.handshake(t)
	waitPhase(t, m, PhaseReady)

	require.NoError(t, first.Close())
	second := dialer.next(t)
	waitPhase(t, m, PhaseAwaitingGreeting)
	assert.False(t, m.Connected())
	assert.Equal(t, 1, m.Status().Attempt)

	second.push(t, protocol.Hello{Type: protocol.TypeHello})
	second.nextWrite(t)
	waitPhase(t, m, PhaseAuthenticating)
	assert.False(t, m.Connected())

	second.push(t, protocol.Connected{Type: protocol.TypeConnected})
	waitPhase(t, m, PhaseReady)
	assert.Equal(t, 0, m.Status().Attempt)
}

func TestAuthErrorFailsWithoutReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff.MaxAttempts = 3
	m, dialer := newTestManager(t, cfg)

	require.NoError(t, m.Connect(context.Background()))
	conn := dialer.next(t)
	conn.push(t, protocol.Hello{Type: protocol.TypeHello})
	conn.nextWrite(t)
	conn.push(t, protocol.AuthError{Type: protocol.TypeAuthError, Message: "invalid api key"})

	waitCtx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := m.WaitReady(waitCtx)
	require.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "invalid api key")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, PhaseFailed, m.Status().Phase)
	assert.True(t, conn.isClosed())
}

func TestGreetingTimeoutFailsLink(t *testing.T) {
	cfg := testConfig()
	cfg.GreetingTimeout = 20 * time.Millisecond
	m, dialer := newTestManager(t, cfg)

	require.NoError(t, m.Connect(context.Background()))
	conn := dialer.next(t)

	waitPhase(t, m, PhaseFailed)
	require.ErrorIs(t, m.Status().LastError, ErrGreetingTimeout)
	assert.True(t, conn.isClosed())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff = Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, MaxAttempts: 5}
	m, dialer := newTestManager(t, cfg)

	require.NoError(t, m.Connect(context.Background()))
	conn := dialer.next(t)
	conn.handshake(t)
	waitPhase(t, m, PhaseReady)

	require.NoError(t, conn.Close())
	waitPhase(t, m, PhaseFailed)
	m.Disconnect()
	assert.Equal(t, PhaseIdle, m.Status().Phase)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, PhaseIdle, m.Status().Phase)
}

func TestDisconnectAbandonsDialInProgress(t *testing.T) {
	m, dialer := newTestManager(t, testConfig())
	dialer.block = true

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return dialer.count() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, PhaseConnecting, m.Status().Phase)

	m.Disconnect()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, PhaseIdle, m.Status().Phase)
	assert.Nil(t, m.Status().LastError)
}

func TestRetryResetsAttemptCounter(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff = Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2, MaxAttempts: 3}
	m, dialer := newTestManager(t, cfg)
	dialer.setErr(errors.New("connection refused"))

	require.NoError(t, m.Connect(context.Background()))
	waitCtx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := m.WaitReady(waitCtx)
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransport, apperr.KindOf(err))
	assert.Equal(t, 4, dialer.count())
	assert.Equal(t, 3, m.Status().Attempt)

	dialer.setErr(nil)
	require.NoError(t, m.Retry())
	conn := dialer.next(t)
	waitPhase(t, m, PhaseAwaitingGreeting)
	assert.Equal(t, 0, m.Status().Attempt)

	conn.handshake(t)
	waitPhase(t, m, PhaseReady)
}

func TestReadyReplaysSubscriptionsAndQueuedMessages(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff.MaxAttempts = 1
	m, dialer := newTestManager(t, cfg)
	ctx := context.Background()

	received := make(chan protocol.Inbound, 8)
	m.OnMessage(func(msg protocol.Inbound) { received <- msg })

	require.NoError(t, m.Subscribe(ctx, "s1", "t5"))
	require.NoError(t, m.Send(ctx, protocol.NewSessionRequest{Type: protocol.TypeNewSession}))

	require.NoError(t, m.Connect(ctx))
	first := dialer.next(t)
	first.handshake(t)

	sub := first.nextWrite(t)
	require.Equal(t, protocol.TypeSubscribe, sub.Type)
	var subReq protocol.SubscribeRequest
	require.NoError(t, sub.DecodePayload(&subReq))
	assert.Equal(t, "s1", subReq.SessionID)
	assert.Equal(t, "t5", subReq.LastTurnID)
	assert.Equal(t, protocol.TypeNewSession, first.nextWrite(t).Type)

	first.push(t, protocol.TurnAppended{
		Type:      protocol.TypeTurn,
		SessionID: "s1",
		Turn:      protocol.TurnView{ID: "t9", SessionID: "s1", Role: session.RoleAgentText, Text: "done"},
	})
	require.Eventually(t, func() bool {
		for {
			select {
			case msg := <-received:
				if msg.Type == protocol.TypeTurn {
					return true
				}
			default:
				return false
			}
		}
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, first.Close())
	second := dialer.next(t)
	second.handshake(t)

	resub := second.nextWrite(t)
	require.Equal(t, protocol.TypeSubscribe, resub.Type)
	require.NoError(t, resub.DecodePayload(&subReq))
	assert.Equal(t, "t9", subReq.LastTurnID, "replay resumes from the newest turn seen")
}

func TestFailureClearsInFlightLocks(t *testing.T) {
	m, dialer := newTestManager(t, testConfig())
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	conn := dialer.next(t)
	conn.handshake(t)
	waitPhase(t, m, PhaseReady)

	require.NoError(t, m.Prompt(ctx, protocol.PromptRequest{SessionID: "s1", Text: "run tests"}))
	assert.Equal(t, []string{"s1"}, m.Status().Locked)
	assert.Equal(t, protocol.TypePrompt, conn.nextWrite(t).Type)

	conn.push(t, protocol.SessionLock{Type: protocol.TypeSessionLocked, SessionID: "s2"})
	require.Eventually(t, func() bool { return len(m.Status().Locked) == 2 }, waitFor, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	waitPhase(t, m, PhaseFailed)
	assert.Empty(t, m.Status().Locked)
}

func TestRefreshUsesLiveLinkOnly(t *testing.T) {
	m, dialer := newTestManager(t, testConfig())
	ctx := context.Background()

	require.ErrorIs(t, m.Refresh(ctx, "s1"), ErrNotConnected)
	assert.Equal(t, 0, dialer.count())

	require.NoError(t, m.Connect(ctx))
	conn := dialer.next(t)
	conn.handshake(t)
	waitPhase(t, m, PhaseReady)

	require.NoError(t, m.Refresh(ctx, "s1"))
	msg := conn.nextWrite(t)
	assert.Equal(t, protocol.TypeRefresh, msg.Type)
	assert.Equal(t, 1, dialer.count())
}

func TestSendQueueIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.QueueLimit = 2
	m, _ := newTestManager(t, cfg)
	ctx := context.Background()

	require.NoError(t, m.Send(ctx, protocol.NewSessionRequest{Type: protocol.TypeNewSession}))
	require.NoError(t, m.Send(ctx, protocol.NewSessionRequest{Type: protocol.TypeNewSession}))
	require.ErrorIs(t, m.Send(ctx, protocol.NewSessionRequest{Type: protocol.TypeNewSession}), ErrQueueFull)
}

func TestPromptThatCannotQueueLeavesNoLock(t *testing.T) {
	cfg := testConfig()
	cfg.QueueLimit = 1
	m, _ := newTestManager(t, cfg)
	ctx := context.Background()

	require.NoError(t, m.Prompt(ctx, protocol.PromptRequest{SessionID: "s2", Text: "queued"}))
	assert.Equal(t, []string{"s2"}, m.Status().Locked)

	require.ErrorIs(t, m.Prompt(ctx, protocol.PromptRequest{SessionID: "s1", Text: "dropped"}), ErrQueueFull)
	assert.Equal(t, []string{"s2"}, m.Status().Locked)

	require.ErrorIs(t, m.Prompt(ctx, protocol.PromptRequest{SessionID: "s2", Text: "again"}), ErrQueueFull)
	assert.Equal(t, []string{"s2"}, m.Status().Locked, "an earlier in-flight prompt keeps its lock")
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	cfg.APIKey = ""
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(cfg.Validate()))
}
