package gateway

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	bridgeDialTimeout  = 5 * time.Second
	bridgeWriteWait    = 10 * time.Second
	bridgePongWait     = 60 * time.Second
	bridgePingInterval = 50 * time.Second
)

// handleWS upgrades the request and bridges it onto the TCP chat core:
// each text frame becomes one chat line and each chat line one frame.
// Bridge sessions are ordinary chat connections and authenticate in-band
// with /login or /register.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(int64(g.cfg.MaxMessageSize) + 64)

	tcp, err := net.DialTimeout("tcp", g.chatAddr, bridgeDialTimeout)
	if err != nil {
		slog.Error("bridge failed to reach chat core", "error", err)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "chat core unavailable"),
			time.Now().Add(bridgeWriteWait))
		ws.Close()
		return
	}

	session := uuid.NewString()
	slog.Info("bridge session opened", "session", session, "remote", r.RemoteAddr)

	go g.pumpToChat(session, ws, tcp)
	g.pumpToBrowser(session, ws, tcp)
}

// pumpToChat forwards browser frames to the chat core as lines.
func (g *Gateway) pumpToChat(session string, ws *websocket.Conn, tcp net.Conn) {
	defer tcp.Close()

	ws.SetReadDeadline(time.Now().Add(bridgePongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(bridgePongWait))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("bridge read error", "session", session, "error", err)
			}
			return
		}
		line := strings.TrimRight(string(data), "\r\n")
		if line == "" {
			continue
		}
		tcp.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
		if _, err := tcp.Write([]byte(line + "\n")); err != nil {
			slog.Warn("bridge write to chat core failed", "session", session, "error", err)
			return
		}
	}
}

// pumpToBrowser forwards chat lines to the browser as text frames and
// keeps the socket alive with pings.
func (g *Gateway) pumpToBrowser(session string, ws *websocket.Conn, tcp net.Conn) {
	done := make(chan struct{})
	defer func() {
		close(done)
		ws.Close()
		tcp.Close()
		slog.Info("bridge session closed", "session", session)
	}()

	// done unblocks a pending send when this side exits first, so the
	// scanner goroutine never outlives the session.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(tcp)
		scanner.Buffer(make([]byte, 4096), g.cfg.MaxMessageSize+1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(bridgePingInterval)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-lines:
			ws.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
