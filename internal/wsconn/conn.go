// Package wsconn gives the gateway a single fixed-shape socket interface
// (spec §9, "dynamic duck-typed sockets become a trait/interface with a
// fixed method set") so the Client Registry and Session Router can be
// exercised against fakes instead of a real network connection.
package wsconn

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is the fixed method set every socket — host uplink or client
// socket — exposes to gateway-internal code.
type Conn interface {
	ID() string
	Emit(eventName string, payload any) error
	On(eventName string, handler func(payload json.RawMessage))
	Disconnect()
}

// frame is the {event, payload} envelope every message on the wire uses.
type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Gorilla wraps a *websocket.Conn as a Conn, serializing writes (gorilla
// connections are not safe for concurrent writers) and dispatching reads
// to registered handlers by event name.
type Gorilla struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[string]func(json.RawMessage)

	closeOnce sync.Once
}

// NewGorilla wraps conn, identified for registry/logging purposes by id.
func NewGorilla(id string, conn *websocket.Conn) *Gorilla {
	return &Gorilla{id: id, conn: conn, handlers: make(map[string]func(json.RawMessage))}
}

func (g *Gorilla) ID() string { return g.id }

// Emit serializes payload and writes one frame. Safe for concurrent use.
func (g *Gorilla) Emit(eventName string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", eventName, err)
	}
	data, err := json.Marshal(frame{Event: eventName, Payload: raw})
	if err != nil {
		return err
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return g.conn.WriteMessage(websocket.TextMessage, data)
}

// On registers handler for eventName, replacing any previous handler.
func (g *Gorilla) On(eventName string, handler func(payload json.RawMessage)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[eventName] = handler
}

// Disconnect closes the underlying connection. Safe to call more than
// once.
func (g *Gorilla) Disconnect() {
	g.closeOnce.Do(func() {
		_ = g.conn.Close()
	})
}

// ReadLoop blocks reading frames and dispatching them to registered
// handlers until the connection errors or closes. Callers run it inline
// on the goroutine that owns the connection.
func (g *Gorilla) ReadLoop() error {
	for {
		_, data, err := g.conn.ReadMessage()
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		g.mu.RLock()
		handler := g.handlers[f.Event]
		g.mu.RUnlock()
		if handler != nil {
			handler(f.Payload)
		}
	}
}
