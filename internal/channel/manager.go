// Package channel owns the persistent pub/sub connection to the support
// backend: per-topic subscriptions, teardown, and re-subscription after
// reconnect.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// Frame message types on the wire.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameEvent       = "event"
)

// Frame is one message on the pub/sub websocket.
type Frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler consumes the payload of one event on a subscribed topic.
// Handlers run sequentially on the manager's dispatch goroutine; a handler
// never races another.
type Handler func(payload []byte)

// Status is the connectivity state surfaced to the owner.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
)

func (s Status) String() string {
	if s == StatusConnected {
		return "connected"
	}
	return "disconnected"
}

// ErrNotConnected is returned by Connect when the dial fails and by writes
// attempted while the link is down.
var ErrNotConnected = errors.New("channel not connected")

// event is one inbound delivery queued for the dispatch goroutine.
type event struct {
	topic   string
	payload []byte
}

// Manager multiplexes topic subscriptions over one websocket connection.
//
// At most one handler is registered per topic; re-subscribing replaces the
// prior handler. On connection loss the manager reports StatusDisconnected
// and reconnects with exponential backoff, re-issuing every subscription
// that was active at disconnect time; the resync hook then tells the owner
// to refetch history, since the channel itself offers no replay.
type Manager struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	subs     map[string]Handler
	status   Status
	onStatus func(Status)
	onResync func()
	closed   bool
	cancel   context.CancelFunc

	// writeMu serializes frame writes: the owner's subscribe calls and the
	// reconnect loop's replay may write concurrently, and gorilla/websocket
	// allows only one writer at a time.
	writeMu sync.Mutex

	events chan event
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a manager for the given websocket URL. No connection
// is made until Connect.
func NewManager(url string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
		subs:   make(map[string]Handler),
		events: make(chan event, 64),
		done:   make(chan struct{}),
	}
}

// SetOnStatus installs the connectivity hook.
func (m *Manager) SetOnStatus(fn func(Status)) {
	m.mu.Lock()
	m.onStatus = fn
	m.mu.Unlock()
}

// SetOnResync installs the hook fired after a successful reconnect, once
// all prior subscriptions have been re-issued. The owner must run a
// history reconciliation to close the gap in missed pushes.
func (m *Manager) SetOnResync(fn func()) {
	m.mu.Lock()
	m.onResync = fn
	m.mu.Unlock()
}

// Status returns the current connectivity state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect dials the backend, replays any subscriptions registered before
// connecting, and starts the reader and dispatch goroutines. The context
// also bounds reconnect attempts for the lifetime of the manager.
func (m *Manager) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		conn.Close()
		return errors.New("channel manager closed")
	}
	m.conn = conn
	m.setStatusLocked(StatusConnected)
	topics := m.topicsLocked()
	m.mu.Unlock()

	for _, topic := range topics {
		if err := m.writeFrame(Frame{Type: frameSubscribe, Topic: topic}); err != nil {
			cancel()
			conn.Close()
			return fmt.Errorf("replay subscription %s: %w", topic, err)
		}
	}

	m.wg.Add(2)
	go m.dispatchLoop()
	go m.readLoop(ctx, conn)

	m.logger.Info("channel connected", "url", m.url, "topics", len(topics))
	return nil
}

// Subscribe registers the handler for a topic, replacing any prior
// registration, and issues the subscription if the link is up. Handlers
// registered while disconnected are issued on the next (re)connect.
func (m *Manager) Subscribe(topic string, h Handler) error {
	m.mu.Lock()
	_, replaced := m.subs[topic]
	m.subs[topic] = h
	connected := m.conn != nil && m.status == StatusConnected
	m.mu.Unlock()

	m.logger.Debug("subscribed", "topic", topic, "replaced", replaced)

	if !connected || replaced {
		// Replacing only swaps the local handler; the broker-side
		// subscription already exists.
		return nil
	}
	return m.writeFrame(Frame{Type: frameSubscribe, Topic: topic})
}

// Unsubscribe removes the topic registration. Idempotent; a no-op when the
// topic is not subscribed.
func (m *Manager) Unsubscribe(topic string) {
	m.mu.Lock()
	_, ok := m.subs[topic]
	delete(m.subs, topic)
	connected := m.conn != nil && m.status == StatusConnected
	m.mu.Unlock()

	if !ok {
		return
	}
	m.logger.Debug("unsubscribed", "topic", topic)
	if connected {
		// Best effort; a failed write surfaces via the read loop anyway.
		_ = m.writeFrame(Frame{Type: frameUnsubscribe, Topic: topic})
	}
}

// Close tears the connection down and stops all goroutines. The manager
// cannot be reused afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	cancel := m.cancel
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	close(m.done)
	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.wg.Wait()
	return err
}

// readLoop reads frames until the connection fails, then hands off to the
// reconnect loop.
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer m.wg.Done()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			m.mu.Lock()
			closed := m.closed
			if m.conn == conn {
				m.conn = nil
			}
			m.setStatusLocked(StatusDisconnected)
			m.mu.Unlock()

			if closed || ctx.Err() != nil {
				return
			}
			m.logger.Warn("channel read failed, reconnecting", "error", err)
			m.reconnectLoop(ctx)
			return
		}

		if f.Type != frameEvent {
			continue
		}
		select {
		case m.events <- event{topic: f.Topic, payload: f.Payload}:
		case <-m.done:
			return
		}
	}
}

// reconnectLoop redials with exponential backoff, re-issues every
// subscription active at disconnect time, then fires the resync hook.
func (m *Manager) reconnectLoop(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0 // retry until closed

	operation := func() error {
		select {
		case <-m.done:
			return backoff.Permanent(errors.New("closed"))
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		default:
		}

		conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
		if err != nil {
			m.logger.Debug("reconnect attempt failed", "error", err)
			return err
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			conn.Close()
			return backoff.Permanent(errors.New("closed"))
		}
		m.conn = conn
		m.setStatusLocked(StatusConnected)
		topics := m.topicsLocked()
		resync := m.onResync
		m.mu.Unlock()

		for _, topic := range topics {
			if err := m.writeFrame(Frame{Type: frameSubscribe, Topic: topic}); err != nil {
				conn.Close()
				return err
			}
		}

		m.wg.Add(1)
		go m.readLoop(ctx, conn)

		m.logger.Info("channel reconnected", "topics", len(topics))
		if resync != nil {
			resync()
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		m.logger.Warn("reconnect abandoned", "error", err)
	}
}

// dispatchLoop runs handlers one at a time, preserving the single-consumer
// mutation guarantee for everything the handlers touch.
func (m *Manager) dispatchLoop() {
	defer m.wg.Done()

	for {
		select {
		case ev := <-m.events:
			m.mu.Lock()
			h := m.subs[ev.topic]
			m.mu.Unlock()
			if h == nil {
				// Delivery for a topic unsubscribed in the meantime.
				continue
			}
			h(ev.payload)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) writeFrame(f Frame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(f)
}

// topicsLocked returns the currently registered topics.
func (m *Manager) topicsLocked() []string {
	topics := make([]string, 0, len(m.subs))
	for topic := range m.subs {
		topics = append(topics, topic)
	}
	return topics
}

// setStatusLocked updates status and schedules the hook if it changed.
// Caller holds m.mu; the hook runs on a fresh goroutine to avoid lock
// inversion with the owner.
func (m *Manager) setStatusLocked(next Status) {
	if m.status == next {
		return
	}
	m.status = next
	if fn := m.onStatus; fn != nil {
		go fn(next)
	}
}
