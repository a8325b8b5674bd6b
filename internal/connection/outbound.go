package connection

import (
	"context"
	"sort"

	"github.com/reifying/untethered/internal/apperr"
	"github.com/reifying/untethered/internal/protocol"
)

// Send writes a message over the live link, or queues it until the link is
// next ready.
func (m *Manager) Send(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.phase == PhaseReady && m.handle != nil && !m.replaying {
		l := m.handle
		m.mu.Unlock()
		if err := l.write(data); err != nil {
			m.requeue([][]byte{data})
			m.linkFailed(l, apperr.Wrap(err, apperr.KindTransport, "write failed"))
		}
		return nil
	}
	defer m.mu.Unlock()
	if len(m.queue) >= m.cfg.QueueLimit {
		return ErrQueueFull
	}
	m.queue = append(m.queue, data)
	return nil
}

// Prompt sends a prompt and marks its session as in flight until the server
// unlocks it or the link fails. A prompt that could not be sent or queued
// leaves no lock behind.
func (m *Manager) Prompt(ctx context.Context, req protocol.PromptRequest) error {
	req.Type = protocol.TypePrompt
	if err := req.Validate(); err != nil {
		return err
	}
	if req.SessionID == "" {
		return m.Send(ctx, req)
	}

	m.mu.Lock()
	_, held := m.locked[req.SessionID]
	m.locked[req.SessionID] = struct{}{}
	m.emitLocked()
	m.mu.Unlock()

	err := m.Send(ctx, req)
	if err != nil && !held {
		m.mu.Lock()
		delete(m.locked, req.SessionID)
		m.emitLocked()
		m.mu.Unlock()
	}
	return err
}

// Subscribe records interest in a session. The subscription is sent now if
// the link is ready and replayed, with the newest turn id seen, every time
// the link becomes ready again.
func (m *Manager) Subscribe(ctx context.Context, sessionID, lastTurnID string) error {
	req := protocol.SubscribeRequest{Type: protocol.TypeSubscribe, SessionID: sessionID, LastTurnID: lastTurnID}
	if err := req.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.subscriptions[sessionID] = lastTurnID
	if m.phase != PhaseReady {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.Send(ctx, req)
}

func (m *Manager) Unsubscribe(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.subscriptions, sessionID)
	live := m.phase == PhaseReady
	m.mu.Unlock()
	if !live {
		return nil
	}
	return m.Send(ctx, protocol.UnsubscribeRequest{Type: protocol.TypeUnsubscribe, SessionID: sessionID})
}

// Refresh asks the server to resend the session list or history over the
// live link. It never reconnects or re-authenticates.
func (m *Manager) Refresh(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.phase != PhaseReady || m.handle == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	l := m.handle
	m.mu.Unlock()

	data, err := protocol.Encode(protocol.RefreshRequest{Type: protocol.TypeRefresh, SessionID: sessionID})
	if err != nil {
		return err
	}
	if err := l.write(data); err != nil {
		wrapped := apperr.Wrap(err, apperr.KindTransport, "write failed")
		m.linkFailed(l, wrapped)
		return wrapped
	}
	return nil
}

func (m *Manager) subscriptionFramesLocked() [][]byte {
	ids := make([]string, 0, len(m.subscriptions))
	for id := range m.subscriptions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	frames := make([][]byte, 0, len(ids))
	for _, id := range ids {
		data, err := protocol.Encode(protocol.SubscribeRequest{
			Type:       protocol.TypeSubscribe,
			SessionID:  id,
			LastTurnID: m.subscriptions[id],
		})
		if err != nil {
			continue
		}
		frames = append(frames, data)
	}
	return frames
}

// flushQueue drains queued frames in order. Sends issued meanwhile are
// queued behind them.
func (m *Manager) flushQueue(l *link) {
	for {
		m.mu.Lock()
		if m.handle != l || m.phase != PhaseReady {
			m.mu.Unlock()
			return
		}
		if len(m.queue) == 0 {
			m.replaying = false
			m.mu.Unlock()
			return
		}
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for i, frame := range batch {
			if err := l.write(frame); err != nil {
				m.requeue(batch[i:])
				m.linkFailed(l, apperr.Wrap(err, apperr.KindTransport, "write failed"))
				return
			}
		}
	}
}

func (m *Manager) requeue(frames [][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(dropSubscribeFrames(frames), m.queue...)
}

// dropSubscribeFrames removes subscriptions from a frame list; they are
// rebuilt from the subscription table on every replay.
func dropSubscribeFrames(frames [][]byte) [][]byte {
	out := make([][]byte, 0, len(frames))
	for _, frame := range frames {
		msg, err := protocol.DecodeInbound(frame)
		if err == nil && msg.Type == protocol.TypeSubscribe {
			continue
		}
		out = append(out, frame)
	}
	return out
}

func (m *Manager) observeLocked(msg protocol.Inbound) {
	switch msg.Type {
	case protocol.TypeHistory:
		var history protocol.History
		if msg.DecodePayload(&history) != nil {
			return
		}
		if _, ok := m.subscriptions[history.SessionID]; ok && history.NewestTurnID != nil {
			m.subscriptions[history.SessionID] = *history.NewestTurnID
		}
	case protocol.TypeTurn:
		var appended protocol.TurnAppended
		if msg.DecodePayload(&appended) != nil {
			return
		}
		if _, ok := m.subscriptions[appended.SessionID]; ok {
			m.subscriptions[appended.SessionID] = appended.Turn.ID
		}
	case protocol.TypeSessionLocked:
		var lock protocol.SessionLock
		if msg.DecodePayload(&lock) == nil && lock.SessionID != "" {
			m.locked[lock.SessionID] = struct{}{}
			m.emitLocked()
		}
	case protocol.TypeSessionUnlocked:
		var lock protocol.SessionLock
		if msg.DecodePayload(&lock) == nil {
			delete(m.locked, lock.SessionID)
			m.emitLocked()
		}
	}
}
