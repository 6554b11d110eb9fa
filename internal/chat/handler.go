package chat

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/filipexyz/chatd/internal/pool"
	"github.com/filipexyz/chatd/internal/queue"
	"golang.org/x/time/rate"
)

const welcomeBanner = "Welcome to chatd. Log in with /login <user> <pass> or register with /register <user> <pass>."

// errLineTooLong marks an input line over the configured size cap. The
// line is discarded but the connection stays open.
var errLineTooLong = errors.New("chat: input line exceeds message size limit")

// handlerState tracks a connection through its lifecycle:
// allocating -> established -> active -> closing -> released.
type handlerState int

const (
	stateAllocating handlerState = iota
	stateEstablished
	stateActive
	stateClosing
	stateReleased
)

// connHandler owns one accepted socket and its slot from acquisition to
// release.
type connHandler struct {
	srv     *Server
	conn    net.Conn
	slot    *pool.Slot
	state   handlerState
	limiter *rate.Limiter
}

func newHandler(s *Server, conn net.Conn) *connHandler {
	return &connHandler{
		srv:     s,
		conn:    conn,
		state:   stateAllocating,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.RateBurst),
	}
}

func (h *connHandler) run() {
	for h.state != stateReleased {
		switch h.state {
		case stateAllocating:
			h.allocate()
		case stateEstablished:
			h.establish()
		case stateActive:
			h.readLoop()
		case stateClosing:
			h.close()
		}
	}
}

// allocate claims a pool slot. On exhaustion the socket is closed without
// ever entering the table.
func (h *connHandler) allocate() {
	slot, err := h.srv.table.Acquire()
	if err != nil {
		slog.Warn("connection rejected, pool exhausted", "remote", h.conn.RemoteAddr())
		h.conn.Close()
		h.state = stateReleased
		return
	}
	h.slot = slot
	h.state = stateEstablished
}

func (h *connHandler) establish() {
	h.srv.table.Bind(h.slot, h.conn)
	cur := h.srv.metrics.ConnectionOpened()
	slog.Info("connection accepted", "remote", h.conn.RemoteAddr(), "current", cur)
	if err := h.srv.b.Send(h.conn, welcomeBanner); err != nil {
		slog.Debug("welcome banner failed", "error", err)
	}
	h.state = stateActive
}

func (h *connHandler) readLoop() {
	r := bufio.NewReaderSize(h.conn, 4096)
	for {
		h.conn.SetReadDeadline(time.Now().Add(h.srv.cfg.ReadTimeout))
		line, err := h.readLine(r)
		if errors.Is(err, errLineTooLong) {
			h.srv.metrics.DropMessage()
			if err := h.srv.b.Send(h.conn, "Message too large, discarded."); err != nil {
				h.state = stateClosing
				return
			}
			continue
		}
		if err != nil {
			h.logReadExit(err)
			h.state = stateClosing
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !h.limiter.Allow() {
			h.srv.metrics.DropMessage()
			h.srv.b.Send(h.conn, "Slow down: message rate limit exceeded.")
			continue
		}

		h.srv.table.TouchConn(h.conn)
		msg := queue.Message{Sender: h.conn, Content: line, EnqueuedAt: time.Now()}
		if !h.srv.queue.Push(msg) {
			h.srv.metrics.DropMessage()
			slog.Warn("message queue full, dropping", "remote", h.conn.RemoteAddr())
			h.srv.b.Send(h.conn, "Server busy, message dropped.")
		}
	}
}

// readLine reads one newline-terminated line, enforcing the size cap
// without dropping the connection: oversized input is consumed to the
// newline and reported as errLineTooLong.
func (h *connHandler) readLine(r *bufio.Reader) (string, error) {
	var buf []byte
	oversize := false
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		if !oversize {
			buf = append(buf, chunk...)
			if len(buf) > h.srv.cfg.MaxMessageSize {
				oversize = true
				buf = nil
			}
		}
		if !isPrefix {
			break
		}
	}
	if oversize {
		return "", errLineTooLong
	}
	return string(buf), nil
}

func (h *connHandler) logReadExit(err error) {
	var ne net.Error
	switch {
	case errors.Is(err, net.ErrClosed):
		// slot was reclaimed or released underneath us
		slog.Info("connection closed by server", "remote", h.conn.RemoteAddr())
	case errors.As(err, &ne) && ne.Timeout():
		slog.Info("connection idle past read timeout", "remote", h.conn.RemoteAddr())
	default:
		slog.Info("client disconnected", "remote", h.conn.RemoteAddr(), "error", err)
	}
}

// close releases the slot and, for identified users, announces the
// departure. The release happens first so the leaver never receives the
// notice on a dead socket.
func (h *connHandler) close() {
	info, ok := h.srv.table.InfoByConn(h.conn)
	cur := h.srv.metrics.ConnectionClosed()
	slog.Info("connection closed", "remote", h.conn.RemoteAddr(), "current", cur)

	h.srv.table.ReleaseIf(h.slot, h.conn)
	if ok && info.Authenticated {
		h.srv.b.Broadcast(nil, info.Username+" has left the chat")
	}
	h.state = stateReleased
}
