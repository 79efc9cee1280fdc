package server

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn is the interface for WebSocket connection operations.
type WebSocketConn interface {
	io.Closer
	WriteJSON(v any) error
	ReadJSON(v any) error
}

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// checkOrigin accepts clients without an Origin header, the host that
// serves the dashboard, localhost and addresses on the local network.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		slog.Warn("rejected WebSocket connection: invalid origin", "origin", origin)
		return false
	}
	if originAllowed(u.Hostname(), r.Host) {
		return true
	}
	slog.Warn("rejected WebSocket connection", "origin", origin)
	return false
}

func originAllowed(host, requestHost string) bool {
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if strings.EqualFold(host, requestHost) || strings.EqualFold(host, "localhost") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && (addr.IsLoopback() || addr.IsPrivate())
}

// UpgradeConnection upgrades an HTTP connection to WebSocket.
func UpgradeConnection(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// Serve runs one client connection until it closes. The status function is
// sent on connect, every interval and after every command.
func Serve(conn WebSocketConn, commands *CommandHandler, status func() any, interval time.Duration) {
	// Only the writer goroutine writes to the connection.
	send := make(chan any, 16)
	done := make(chan struct{})
	statusUpdate := make(chan struct{}, 1)

	go runWriter(conn, send)
	go runReader(conn, commands, send, done, statusUpdate)

	runEventLoop(send, done, statusUpdate, status, interval)
}

// runWriter writes messages from the send channel to the connection.
func runWriter(conn WebSocketConn, send <-chan any) {
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// runReader reads commands from the connection and dispatches them.
func runReader(conn WebSocketConn, commands *CommandHandler, send chan<- any, done, statusUpdate chan<- struct{}) {
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
		commands.Handle(cmd, send, func() {
			select {
			case statusUpdate <- struct{}{}:
			default:
			}
		})
	}
}

// runEventLoop sends status on connect, on every tick and on request.
func runEventLoop(send chan any, done, statusUpdate <-chan struct{}, status func() any, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	trySend := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		}
	}

	if !trySend(status()) {
		close(send)
		return
	}

	for {
		select {
		case <-done:
			close(send)
			return
		case <-statusUpdate:
		case <-ticker.C:
		}
		if !trySend(status()) {
			close(send)
			return
		}
	}
}
