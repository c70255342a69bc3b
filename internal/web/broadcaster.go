package web

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Event is one message pushed to stream clients. Host-link lines carry
// their JSON verbatim in Data; log lines carry text in Msg.
type Event struct {
	Time  string          `json:"t"`
	Level string          `json:"l,omitempty"`
	Msg   string          `json:"msg,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Hub distributes events to SSE and websocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives encoded events and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (h *Hub) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a log message to all subscribed clients.
// Slow clients may miss messages (non-blocking, buffered).
func (h *Hub) Broadcast(level, msg string) {
	h.publish(Event{Level: level, Msg: msg})
}

// Publish sends one host-link JSON line to all subscribed clients.
func (h *Hub) Publish(line []byte) {
	h.publish(Event{Level: "line", Data: json.RawMessage(line)})
}

func (h *Hub) publish(evt Event) {
	evt.Time = time.Now().Format(time.RFC3339)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// LogWriter implements io.Writer; each Write broadcasts the content as a log event.
func LogWriter(h *Hub) *logWriter {
	return &logWriter{h: h}
}

type logWriter struct {
	h *Hub
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.h.Broadcast("info", msg)
	}
	return len(p), nil
}

// TapWriter implements io.Writer over the outbound host link. Every
// complete JSON line written is published; anything else is dropped.
func TapWriter(h *Hub) *tapWriter {
	return &tapWriter{h: h}
}

type tapWriter struct {
	h       *Hub
	mu      sync.Mutex
	pending []byte
}

func (w *tapWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.pending = append(w.pending, p...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(w.pending[:i])
		if json.Valid(line) {
			lines = append(lines, append([]byte(nil), line...))
		}
		w.pending = w.pending[i+1:]
	}
	w.mu.Unlock()

	for _, l := range lines {
		w.h.Publish(l)
	}
	return len(p), nil
}
