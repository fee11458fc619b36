package backendtest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nikzan/Multimodal-Support-System/internal/channel"
)

// broker implements the notification fan-out boundary: a websocket
// endpoint accepting subscribe/unsubscribe frames and delivering event
// frames to every connection subscribed to a topic.
type broker struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*brokerConn]struct{}
}

type brokerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	topics map[string]struct{}
}

func newBroker(logger *slog.Logger) *broker {
	return &broker{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
		conns:  make(map[*brokerConn]struct{}),
	}
}

// ServeHTTP upgrades the request and serves subscription frames until the
// peer goes away.
func (b *broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	bc := &brokerConn{conn: conn, topics: make(map[string]struct{})}

	b.mu.Lock()
	b.conns[bc] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, bc)
		b.mu.Unlock()
		conn.Close()
	}()

	for {
		var f channel.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		bc.mu.Lock()
		switch f.Type {
		case "subscribe":
			bc.topics[f.Topic] = struct{}{}
		case "unsubscribe":
			delete(bc.topics, f.Topic)
		}
		bc.mu.Unlock()
	}
}

// Publish delivers a payload to every connection subscribed to the topic.
func (b *broker) Publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("broker marshal failed", "topic", topic, "error", err)
		return
	}
	frame := channel.Frame{Type: "event", Topic: topic, Payload: data}

	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for bc := range b.conns {
		conns = append(conns, bc)
	}
	b.mu.Unlock()

	for _, bc := range conns {
		bc.mu.Lock()
		_, subscribed := bc.topics[topic]
		bc.mu.Unlock()
		if !subscribed {
			continue
		}
		bc.writeMu.Lock()
		_ = bc.conn.WriteJSON(frame)
		bc.writeMu.Unlock()
	}
}

// dropAll severs every websocket connection, simulating a broker outage.
// Subscriptions are lost with the connections, as in production.
func (b *broker) dropAll() {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for bc := range b.conns {
		conns = append(conns, bc)
	}
	b.mu.Unlock()

	for _, bc := range conns {
		bc.conn.Close()
	}
}
