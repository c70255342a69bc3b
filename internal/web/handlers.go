package web

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/StepGo/internal/report"
)

// maxCommandBytes caps the body of POST /command and websocket messages.
const maxCommandBytes = 4096

// ErrInputFull is returned by a SubmitFunc when the input queue is full.
var ErrInputFull = errors.New("input queue full")

// StatusFunc returns the current status report body.
type StatusFunc func() report.Status

// SubmitFunc queues one input line as if it came from the host link.
type SubmitFunc func(line string) error

// Command is the body of POST /command.
type Command struct {
	Line string `json:"line"`
}

// ValidateCommand checks that line is a single non-empty input line.
func ValidateCommand(line string) error {
	switch {
	case strings.TrimSpace(line) == "":
		return errors.New("line is empty")
	case strings.ContainsAny(line, "\r\n"):
		return errors.New("line must not contain line breaks")
	case len(line) > maxCommandBytes:
		return errors.New("line too long")
	}
	return nil
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Hub      *Hub
	Status   StatusFunc
	Submit   SubmitFunc
	Config   any // served as-is on GET /config
	staticFS fs.FS
	upgrader websocket.Upgrader
}

// NewHandlers creates handlers with the given dependencies.
// If submit is nil, POST /command returns 503 Service Unavailable.
func NewHandlers(hub *Hub, status StatusFunc, submit SubmitFunc, cfg any, staticFS fs.FS) *Handlers {
	return &Handlers{
		Hub:      hub,
		Status:   status,
		Submit:   submit,
		Config:   cfg,
		staticFS: staticFS,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: encode response: %v", err)
	}
}

// HandleConfig returns the running configuration as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Config)
}

// HandleStatus returns a status report body.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.Status == nil {
		http.Error(w, "status not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.Status())
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleCommand handles POST /command to queue one input line.
func (h *Handlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var cmd Command
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBytes)).Decode(&cmd); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateCommand(cmd.Line); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.Submit == nil {
		http.Error(w, "command input not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.Submit(cmd.Line); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Hub.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// HandleWebSocket handles GET /status/ws. Events are pushed as text
// frames; text frames received are submitted as input lines.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade: %v", err)
		return
	}
	ch, unsub := h.Hub.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		h.readPump(conn)
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		unsub()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Handlers) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxCommandBytes)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("web: websocket read: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		line := string(msg)
		if h.Submit == nil || ValidateCommand(line) != nil {
			continue
		}
		if err := h.Submit(line); err != nil {
			h.Hub.Broadcast("error", err.Error())
		}
	}
}
