// Package events fans out recording lifecycle notifications to websocket
// listeners.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/openloupe/screencapd/lib/recording"
)

const writeTimeout = 2 * time.Second

// Envelope is the wire format for one event.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

const (
	TypeStateChanged     = "state_changed"
	TypeRecordingStarted = "recording_started"
	TypeRecordingStopped = "recording_stopped"
)

// conn is the slice of *websocket.Conn the broadcaster needs; tests plug in
// fakes.
type conn interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Broadcaster implements recording.Emitter over a set of websocket
// listeners. A listener that cannot keep up is dropped rather than allowed
// to stall the rest.
type Broadcaster struct {
	mu    sync.Mutex
	conns map[conn]struct{}
	last  *Envelope
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{conns: make(map[conn]struct{})}
}

// Attach registers a live websocket connection.
func (b *Broadcaster) Attach(c *websocket.Conn) {
	b.add(c)
}

func (b *Broadcaster) add(c conn) {
	b.mu.Lock()
	b.conns[c] = struct{}{}
	last := b.last
	b.mu.Unlock()

	// replay the latest state so late joiners do not start blind
	if last != nil {
		if data, err := json.Marshal(last); err == nil {
			_ = writeWithTimeout(c, data)
		}
	}
}

// Detach removes and closes a connection.
func (b *Broadcaster) Detach(c *websocket.Conn) {
	b.remove(c)
}

func (b *Broadcaster) remove(c conn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
	_ = c.Close(websocket.StatusNormalClosure, "done")
}

// Shutdown closes every listener.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	conns := make([]conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = make(map[conn]struct{})
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (b *Broadcaster) StateChanged(status recording.Status) {
	b.publish(Envelope{Type: TypeStateChanged, Timestamp: time.Now(), Payload: status})
}

func (b *Broadcaster) RecordingStarted(id string) {
	b.publish(Envelope{Type: TypeRecordingStarted, Timestamp: time.Now(), Payload: map[string]string{"id": id}})
}

func (b *Broadcaster) RecordingStopped(id string) {
	b.publish(Envelope{Type: TypeRecordingStopped, Timestamp: time.Now(), Payload: map[string]string{"id": id}})
}

func (b *Broadcaster) publish(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	b.mu.Lock()
	if env.Type == TypeStateChanged {
		b.last = &env
	}
	conns := make([]conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		if werr := writeWithTimeout(c, data); werr != nil {
			b.remove(c)
		}
	}
}

func writeWithTimeout(c conn, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, data)
}
