// Package command parses and dispatches slash commands popped off the
// message queue by the worker pool.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/filipexyz/chatd/internal/broadcast"
	"github.com/filipexyz/chatd/internal/history"
	"github.com/filipexyz/chatd/internal/metrics"
	"github.com/filipexyz/chatd/internal/pool"
	"github.com/filipexyz/chatd/internal/queue"
	"github.com/filipexyz/chatd/internal/userstore"
)

// LoginRequired is the notice sent to unauthenticated connections that
// try anything other than /login or /register.
const LoginRequired = "You must log in or register before using the chat."

// kind enumerates the closed set of known commands. Dispatch is a switch
// over this set; anything unmatched falls through to unknown.
type kind int

const (
	cmdUnknown kind = iota
	cmdStats
	cmdList
	cmdMsg
	cmdRegister
	cmdLogin
	cmdRemoveUser
	cmdHistory
)

func parseKind(name string) kind {
	switch name {
	case "/stats":
		return cmdStats
	case "/list":
		return cmdList
	case "/msg":
		return cmdMsg
	case "/register":
		return cmdRegister
	case "/login":
		return cmdLogin
	case "/removeuser":
		return cmdRemoveUser
	case "/history":
		return cmdHistory
	default:
		return cmdUnknown
	}
}

// Router dispatches commands. Every reply goes only to the requesting
// connection; /login and /register additionally mutate the requester's
// own slot, and /msg delivers one line to the recipient. No other slot is
// ever touched.
type Router struct {
	table   *pool.Table
	metrics *metrics.Collector
	history *history.Ring
	store   userstore.Store
	b       *broadcast.Broadcaster

	historyLines int
	opTimeout    time.Duration
}

// NewRouter wires the router to its collaborators.
func NewRouter(table *pool.Table, m *metrics.Collector, hist *history.Ring, store userstore.Store, b *broadcast.Broadcaster) *Router {
	return &Router{
		table:        table,
		metrics:      m,
		history:      hist,
		store:        store,
		b:            b,
		historyLines: 50,
		opTimeout:    5 * time.Second,
	}
}

// Route handles one command message. The authentication gate runs before
// dispatch. Messages from connections that vanished between enqueue and
// dequeue are dropped silently.
func (r *Router) Route(ctx context.Context, msg queue.Message) {
	info, ok := r.table.InfoByConn(msg.Sender)
	if !ok {
		return
	}

	name, rest, _ := strings.Cut(strings.TrimSpace(msg.Content), " ")
	k := parseKind(name)

	if !info.Authenticated && k != cmdLogin && k != cmdRegister {
		r.reply(msg, LoginRequired)
		return
	}

	switch k {
	case cmdStats:
		r.handleStats(msg)
	case cmdList:
		r.handleList(msg)
	case cmdMsg:
		r.handleMsg(ctx, msg, info, rest)
	case cmdRegister:
		r.handleRegister(ctx, msg, rest)
	case cmdLogin:
		r.handleLogin(ctx, msg, rest)
	case cmdRemoveUser:
		r.handleRemoveUser(ctx, msg, info, rest)
	case cmdHistory:
		r.handleHistory(msg)
	default:
		r.reply(msg, "Unknown command.")
		r.metrics.Record("unknown_command")
	}
}

func (r *Router) reply(msg queue.Message, text string) {
	if err := r.b.Send(msg.Sender, text); err != nil {
		slog.Warn("command reply failed", "error", err)
	}
}

func (r *Router) handleStats(msg queue.Message) {
	snap := r.metrics.Snapshot()

	var sb strings.Builder
	sb.WriteString("Server Statistics:\n")
	fmt.Fprintf(&sb, "Uptime: %.0f seconds\n", snap.UptimeSeconds)
	fmt.Fprintf(&sb, "Total Messages: %d\n", snap.TotalMessages)
	fmt.Fprintf(&sb, "Messages/Second: %.2f\n", snap.MessagesPerSecond)
	fmt.Fprintf(&sb, "Current Connections: %d\n", snap.CurrentConnections)
	fmt.Fprintf(&sb, "Peak Connections: %d\n", snap.PeakConnections)
	fmt.Fprintf(&sb, "Total Data Transferred: %d bytes\n", snap.BytesTransferred)
	fmt.Fprintf(&sb, "Average Message Latency: %.2f ms\n", snap.AverageLatencyMS)
	fmt.Fprintf(&sb, "Messages Dropped: %d\n", snap.MessagesDropped)
	sb.WriteString("Message Types:\n")
	types := make([]string, 0, len(snap.MessageTypes))
	for k := range snap.MessageTypes {
		types = append(types, k)
	}
	sort.Strings(types)
	for _, k := range types {
		fmt.Fprintf(&sb, "  %s: %d\n", k, snap.MessageTypes[k])
	}

	r.reply(msg, strings.TrimRight(sb.String(), "\n"))
	r.metrics.Record("stats")
}

func (r *Router) handleList(msg queue.Message) {
	names := r.table.Usernames()
	r.reply(msg, "Active users:\n"+strings.Join(names, "\n"))
	r.metrics.Record("list_users")
}

func (r *Router) handleMsg(ctx context.Context, msg queue.Message, info pool.Info, rest string) {
	recipient, text, ok := strings.Cut(rest, " ")
	if !ok || recipient == "" || strings.TrimSpace(text) == "" {
		r.reply(msg, "Usage: /msg <user> <message>")
		return
	}

	conn, found := r.table.ConnByUsername(recipient)
	if !found {
		r.reply(msg, "User not found.")
		r.metrics.Record("private")
		return
	}

	line := "(private from " + info.Username + ") " + text
	if err := r.b.Send(conn, line); err != nil {
		slog.Warn("private message delivery failed", "recipient", recipient, "error", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	if err := r.store.SaveMessage(opCtx, info.Username, recipient, text); err != nil {
		slog.Warn("failed to persist private message", "error", err)
	}
	r.metrics.Record("private")
}

func (r *Router) handleRegister(ctx context.Context, msg queue.Message, rest string) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		r.reply(msg, "Usage: /register <username> <password>")
		return
	}
	username, password := fields[0], fields[1]

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	if err := r.store.CreateAccount(opCtx, username, password); err != nil {
		slog.Info("registration failed", "username", username, "error", err)
		r.reply(msg, "Registration failed (user may already exist).")
		return
	}

	r.table.SetIdentity(msg.Sender, username)
	r.reply(msg, "Registration successful!")
}

func (r *Router) handleLogin(ctx context.Context, msg queue.Message, rest string) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		r.reply(msg, "Usage: /login <username> <password>")
		return
	}
	username, password := fields[0], fields[1]

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	if err := r.store.VerifyCredentials(opCtx, username, password); err != nil {
		slog.Info("login failed", "username", username, "error", err)
		r.reply(msg, "Login failed.")
		return
	}

	r.table.SetIdentity(msg.Sender, username)
	r.reply(msg, "Login successful!")
}

func (r *Router) handleRemoveUser(ctx context.Context, msg queue.Message, info pool.Info, rest string) {
	fields := strings.Fields(rest)
	if len(fields) != 1 {
		r.reply(msg, "Usage: /removeuser <username>")
		return
	}
	target := fields[0]

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	admin, err := r.store.IsAdmin(opCtx, info.Username)
	if err != nil {
		slog.Warn("admin lookup failed", "username", info.Username, "error", err)
	}
	if !admin {
		r.reply(msg, "Permission denied. Only admins can remove users.")
		return
	}

	if err := r.store.DeleteAccount(opCtx, target); err != nil {
		slog.Info("account removal failed", "target", target, "error", err)
		r.reply(msg, fmt.Sprintf("Failed to remove user '%s'.", target))
		return
	}
	r.reply(msg, fmt.Sprintf("User '%s' removed successfully.", target))
}

func (r *Router) handleHistory(msg queue.Message) {
	lines := r.history.Last(r.historyLines)
	if len(lines) == 0 {
		r.reply(msg, "No history yet.")
	} else {
		r.reply(msg, strings.Join(lines, "\n"))
	}
	r.metrics.Record("history")
}
