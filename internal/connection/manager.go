// Package connection owns the client side of the gateway link: dialing,
// the greeting and credential exchange, failure detection and reconnects.
//
// The Manager holds at most one live handle. Entering PhaseFailed releases
// and clears that handle in the same critical section, and Connect releases
// a held handle that is no longer alive instead of treating its presence as
// "already connected". Connected reports true only once the server has
// accepted the credential.
package connection

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reifying/untethered/internal/apperr"
	"github.com/reifying/untethered/internal/protocol"
)

type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseConnecting       Phase = "connecting"
	PhaseAwaitingGreeting Phase = "awaiting-greeting"
	PhaseAuthenticating   Phase = "authenticating"
	PhaseReady            Phase = "ready"
	PhaseFailed           Phase = "failed"
)

var (
	ErrNotConnected    = apperr.New(apperr.KindTransport, "not connected")
	ErrAuthRejected    = apperr.New(apperr.KindUnauthorized, "credential rejected")
	ErrGreetingTimeout = apperr.New(apperr.KindTransport, "timed out waiting for server greeting")
	ErrAuthTimeout     = apperr.New(apperr.KindTransport, "timed out waiting for authentication")
	ErrQueueFull       = apperr.New(apperr.KindTransport, "outbound queue full")
	ErrManagerClosed   = apperr.New(apperr.KindTransport, "connection manager closed")
)

type Config struct {
	URL             string
	APIKey          string
	SessionLimit    int
	GreetingTimeout time.Duration
	AuthTimeout     time.Duration
	QueueLimit      int
	Backoff         Backoff
}

func DefaultConfig() Config {
	return Config{
		GreetingTimeout: 10 * time.Second,
		AuthTimeout:     10 * time.Second,
		QueueLimit:      64,
		Backoff:         DefaultBackoff(),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return apperr.Validation("connection url is required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return apperr.Validation("api key is required")
	}
	if c.SessionLimit < 0 {
		return apperr.Validation("session limit must be >= 0")
	}
	if c.Backoff.MaxAttempts < 0 {
		return apperr.Validation("max reconnect attempts must be >= 0")
	}
	return nil
}

// Status is a point-in-time view of the link.
type Status struct {
	Phase     Phase
	Connected bool
	Attempt   int
	LastError error
	// Locked lists sessions with an in-flight request.
	Locked []string
}

type Manager struct {
	cfg    Config
	dialer Dialer
	logger *logrus.Entry
	random func() float64

	mu            sync.Mutex
	phase         Phase
	handle        *link
	generation    uint64
	attempt       int
	lastErr       error
	dialCancel    context.CancelFunc
	retryTimer    *time.Timer
	stepTimer     *time.Timer
	replaying     bool
	subscriptions map[string]string
	queue         [][]byte
	locked        map[string]struct{}
	changed       chan struct{}
	closed        bool

	onStatus  func(Status)
	onMessage func(protocol.Inbound)
	pending   []Status
	wake      chan struct{}
	stop      chan struct{}
	pumpDone  chan struct{}
}

type link struct {
	conn    Conn
	writeMu sync.Mutex
	dead    atomic.Bool
	once    sync.Once
}

func (l *link) alive() bool {
	return !l.dead.Load()
}

func (l *link) release() {
	l.once.Do(func() {
		l.dead.Store(true)
		_ = l.conn.Close()
	})
}

func (l *link) write(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if !l.alive() {
		return ErrNotConnected
	}
	return l.conn.WriteMessage(data)
}

func New(cfg Config, dialer Dialer, logger *logrus.Entry) *Manager {
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 64
	}
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	m := &Manager{
		cfg:           cfg,
		dialer:        dialer,
		logger:        logger.WithField("url", cfg.URL),
		random:        rand.Float64,
		phase:         PhaseIdle,
		subscriptions: make(map[string]string),
		locked:        make(map[string]struct{}),
		changed:       make(chan struct{}),
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		pumpDone:      make(chan struct{}),
	}
	go m.pump()
	return m
}

// OnStatus registers a callback for phase, attempt and lock changes. It is
// invoked from a single goroutine in transition order.
func (m *Manager) OnStatus(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = fn
}

// OnMessage registers a callback for server frames received while ready.
func (m *Manager) OnMessage(fn func(protocol.Inbound)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = fn
}

// Connect starts a connection attempt unless a live handle is held or a
// dial is already in progress. It does not wait for the link to be ready.
func (m *Manager) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if m.handle != nil {
		if m.handle.alive() {
			return nil
		}
		m.logger.Warn("releasing dead connection handle")
		m.releaseLocked()
	}
	if m.phase == PhaseConnecting {
		return nil
	}
	m.startLocked()
	return nil
}

// Retry reconnects immediately and resets the attempt counter.
func (m *Manager) Retry() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.attempt = 0
	if m.handle != nil && m.handle.alive() {
		m.emitLocked()
		return nil
	}
	m.releaseLocked()
	if m.phase == PhaseConnecting {
		m.emitLocked()
		return nil
	}
	m.startLocked()
	return nil
}

// Disconnect abandons any reconnect in progress, releases the handle and
// returns to idle.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.stopRetryLocked()
	m.stopStepTimerLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.releaseLocked()
	m.replaying = false
	m.attempt = 0
	m.lastErr = nil
	m.locked = make(map[string]struct{})
	m.transitionLocked(PhaseIdle)
}

// Close disconnects and stops status delivery. The Manager cannot be reused.
func (m *Manager) Close() {
	m.Disconnect()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.pumpDone
		return
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()
	<-m.pumpDone
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseReady
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// WaitReady blocks until the link is ready, fails with no reconnect
// pending, or ctx is done.
func (m *Manager) WaitReady(ctx context.Context) error {
	for {
		m.mu.Lock()
		phase, lastErr, retrying := m.phase, m.lastErr, m.retryTimer != nil
		ch := m.changed
		m.mu.Unlock()

		switch {
		case phase == PhaseReady:
			return nil
		case phase == PhaseIdle:
			return ErrNotConnected
		case phase == PhaseFailed && !retrying:
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (m *Manager) startLocked() {
	m.stopRetryLocked()
	m.generation++
	gen := m.generation
	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel
	m.transitionLocked(PhaseConnecting)
	m.logger.WithField("attempt", m.attempt).Debug("dialing gateway")
	go m.dial(ctx, gen)
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	conn, err := m.dialer.Dial(ctx, m.cfg.URL)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || m.phase != PhaseConnecting {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if err != nil {
		m.failLocked(apperr.Wrap(err, apperr.KindTransport, "dial failed"), true)
		return
	}

	l := &link{conn: conn}
	m.handle = l
	m.transitionLocked(PhaseAwaitingGreeting)
	m.armStepTimerLocked(l, PhaseAwaitingGreeting, m.cfg.GreetingTimeout, ErrGreetingTimeout)
	go m.readLoop(l)
}

func (m *Manager) readLoop(l *link) {
	for {
		data, err := l.conn.ReadMessage()
		if err != nil {
			m.linkFailed(l, apperr.Wrap(err, apperr.KindTransport, "connection lost"))
			return
		}
		m.handleFrame(l, data)
	}
}

func (m *Manager) handleFrame(l *link, data []byte) {
	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		m.logger.WithError(err).Warn("dropping undecodable frame")
		return
	}

	out, deliver := m.advance(l, msg)
	if out != nil {
		if err := l.write(out); err != nil {
			m.linkFailed(l, apperr.Wrap(err, apperr.KindTransport, "write failed"))
			return
		}
	}
	if msg.Type == protocol.TypeConnected && deliver {
		m.flushQueue(l)
	}
	if deliver {
		m.deliver(msg)
	}
}

// advance applies one server frame to the state machine. It returns a frame
// to write and whether the message is passed to the message handler.
func (m *Manager) advance(l *link, msg protocol.Inbound) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != l {
		return nil, false
	}

	switch m.phase {
	case PhaseAwaitingGreeting:
		if msg.Type != protocol.TypeHello {
			return nil, false
		}
		m.transitionLocked(PhaseAuthenticating)
		m.armStepTimerLocked(l, PhaseAuthenticating, m.cfg.AuthTimeout, ErrAuthTimeout)
		data, err := protocol.Encode(protocol.ConnectRequest{
			Type:         protocol.TypeConnect,
			APIKey:       m.cfg.APIKey,
			SessionLimit: m.cfg.SessionLimit,
		})
		if err != nil {
			m.failLocked(apperr.Wrap(err, apperr.KindInternal, "encode credential"), false)
			return nil, false
		}
		return data, false

	case PhaseAuthenticating:
		switch msg.Type {
		case protocol.TypeConnected:
			m.stopStepTimerLocked()
			m.attempt = 0
			m.lastErr = nil
			m.replaying = true
			m.queue = append(m.subscriptionFramesLocked(), dropSubscribeFrames(m.queue)...)
			m.transitionLocked(PhaseReady)
			m.logger.Info("connected to gateway")
			return nil, true
		case protocol.TypeAuthError:
			var rejected protocol.AuthError
			_ = msg.DecodePayload(&rejected)
			m.failLocked(fmt.Errorf("%w: %s", ErrAuthRejected, rejected.Message), false)
		}
		return nil, false

	case PhaseReady:
		m.observeLocked(msg)
		return nil, true
	}
	return nil, false
}

func (m *Manager) linkFailed(l *link, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != l {
		return
	}
	m.failLocked(err, true)
}

// failLocked releases and clears the handle before the phase changes.
func (m *Manager) failLocked(err error, reconnect bool) {
	m.stopStepTimerLocked()
	m.releaseLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.replaying = false
	m.lastErr = err
	if len(m.locked) > 0 {
		m.locked = make(map[string]struct{})
	}

	if reconnect && m.attempt < m.cfg.Backoff.MaxAttempts {
		m.attempt++
		delay := m.cfg.Backoff.Delay(m.attempt, m.random())
		gen := m.generation
		m.retryTimer = time.AfterFunc(delay, func() { m.reconnect(gen) })
		m.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": m.attempt,
			"delay":   delay.String(),
		}).Warn("connection failed; reconnect scheduled")
	} else {
		m.logger.WithError(err).Warn("connection failed")
	}
	m.transitionLocked(PhaseFailed)
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.generation || m.phase != PhaseFailed {
		return
	}
	m.retryTimer = nil
	m.startLocked()
}

func (m *Manager) armStepTimerLocked(l *link, phase Phase, d time.Duration, cause error) {
	m.stopStepTimerLocked()
	if d <= 0 {
		return
	}
	m.stepTimer = time.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.handle != l || m.phase != phase {
			return
		}
		m.failLocked(cause, true)
	})
}

func (m *Manager) stopStepTimerLocked() {
	if m.stepTimer != nil {
		m.stepTimer.Stop()
		m.stepTimer = nil
	}
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) releaseLocked() {
	if m.handle == nil {
		return
	}
	m.handle.release()
	m.handle = nil
}

func (m *Manager) transitionLocked(phase Phase) {
	if m.phase != phase {
		m.logger.WithField("phase", phase).Debug("connection phase changed")
	}
	m.phase = phase
	m.emitLocked()
}

func (m *Manager) emitLocked() {
	m.pending = append(m.pending, m.statusLocked())
	close(m.changed)
	m.changed = make(chan struct{})
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) statusLocked() Status {
	locked := make([]string, 0, len(m.locked))
	for id := range m.locked {
		locked = append(locked, id)
	}
	sort.Strings(locked)
	return Status{
		Phase:     m.phase,
		Connected: m.phase == PhaseReady,
		Attempt:   m.attempt,
		LastError: m.lastErr,
		Locked:    locked,
	}
}

func (m *Manager) pump() {
	defer close(m.pumpDone)
	for {
		select {
		case <-m.wake:
			m.deliverStatus()
		case <-m.stop:
			m.deliverStatus()
			return
		}
	}
}

func (m *Manager) deliverStatus() {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	fn := m.onStatus
	m.mu.Unlock()
	if fn == nil {
		return
	}
	for _, st := range batch {
		fn(st)
	}
}

func (m *Manager) deliver(msg protocol.Inbound) {
	m.mu.Lock()
	fn := m.onMessage
	m.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}
