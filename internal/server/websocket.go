package server

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"

	"github.com/gorilla/websocket"

	"github.com/oszuidwest/voicerec/internal/recorder"
)

// WebSocketConn is the interface for WebSocket connection operations.
type WebSocketConn interface {
	io.Closer
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// StateMessage carries a recorder snapshot to clients.
type StateMessage struct {
	Type  string            `json:"type"`
	State recorder.Snapshot `json:"state"`
}

// NewUpgrader returns an upgrader accepting same-origin, local and private-network
// origins plus the given extra origins.
func NewUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return checkOrigin(r, allowed) },
	}
}

// checkOrigin reports whether the WebSocket connection origin is allowed.
func checkOrigin(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	// Same-origin requests omit the Origin header
	if origin == "" {
		return true
	}
	if slices.Contains(allowed, origin) {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		slog.Warn("rejected WebSocket connection: invalid origin URL", "origin", origin)
		return false
	}
	host := u.Hostname()

	if host == "localhost" {
		return true
	}

	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost {
		return true
	}

	ip := net.ParseIP(host)
	if ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	slog.Warn("rejected WebSocket connection", "origin", origin, "host", host)
	return false
}

// Serve runs one client connection: it pushes every recorder snapshot and dispatches
// incoming commands until the client disconnects or the recorder closes.
// Serve is the only writer to conn.
func (h *CommandHandler) Serve(conn WebSocketConn) {
	send := make(chan any, 16)
	done := make(chan struct{})
	states, unsubscribe := h.rec.Subscribe()
	defer unsubscribe()
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()

	go h.runReader(conn, send, done)

	if err := conn.WriteJSON(StateMessage{Type: "state", State: h.rec.State()}); err != nil {
		return
	}
	for {
		var msg any
		select {
		case <-done:
			return
		case m := <-send:
			msg = m
		case snap, ok := <-states:
			if !ok {
				return
			}
			msg = StateMessage{Type: "state", State: snap}
		}
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// runReader reads commands from the connection and dispatches them.
func (h *CommandHandler) runReader(conn WebSocketConn, send chan<- any, done chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "panic", r)
		}
		close(done)
	}()

	for {
		var cmd WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		h.Handle(cmd, send)
	}
}
