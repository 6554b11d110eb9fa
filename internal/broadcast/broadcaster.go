// Package broadcast implements fan-out delivery: one message to every
// occupied connection slot except the sender, with retry-capped writes
// and failure-driven eviction.
package broadcast

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/filipexyz/chatd/internal/history"
	"github.com/filipexyz/chatd/internal/metrics"
	"github.com/filipexyz/chatd/internal/pool"
)

// ErrDeliveryStalled marks a recipient that stayed blocked past the retry
// cap. The recipient is skipped but not evicted; liveness of the fan-out
// beats perfect delivery to a stalled client.
var ErrDeliveryStalled = errors.New("broadcast: recipient stalled past retry cap")

// Config holds the delivery tunables.
type Config struct {
	MaxMessageSize int
	RetryAttempts  int
	RetryDelay     time.Duration
	WriteTimeout   time.Duration
}

// Broadcaster delivers formatted lines to connected peers and records
// history and metrics for every broadcast.
type Broadcaster struct {
	table   *pool.Table
	history *history.Ring
	metrics *metrics.Collector
	cfg     Config
}

// New creates a broadcaster over the given table, history ring and
// metrics collector.
func New(table *pool.Table, hist *history.Ring, m *metrics.Collector, cfg Config) *Broadcaster {
	return &Broadcaster{table: table, history: hist, metrics: m, cfg: cfg}
}

// Broadcast sends text, prefixed with a wall-clock timestamp, to every
// occupied slot except the sender. A nil sender is the system sentinel
// and matches no live connection, so join/leave notices reach everyone.
// Oversized input is dropped before it can reach any recipient. Peers
// that fail with a hard I/O error are evicted after the table lock is
// released.
func (b *Broadcaster) Broadcast(sender net.Conn, text string) {
	start := time.Now()

	if len(text) > b.cfg.MaxMessageSize {
		slog.Warn("message too large, dropping broadcast", "size", len(text))
		b.metrics.DropMessage()
		return
	}

	line := time.Now().Format("[15:04:05] ") + text
	b.history.Append(line)

	if n := b.table.OccupiedCount() - 1; n > 0 {
		b.metrics.RecordBytes(len(line) * n)
	}

	type failedPeer struct {
		slot *pool.Slot
		conn net.Conn
	}
	var failed []failedPeer
	b.table.ForEachOccupied(func(s *pool.Slot) {
		conn := s.Conn()
		if conn == nil || conn == sender {
			return
		}
		err := b.sendWithRetry(conn, line)
		switch {
		case err == nil:
			s.Touch()
		case errors.Is(err, ErrDeliveryStalled):
			slog.Warn("recipient stalled, skipping", "username", s.Username())
		case isDisconnect(err):
			slog.Info("peer closed during broadcast", "username", s.Username())
			failed = append(failed, failedPeer{slot: s, conn: conn})
		default:
			slog.Warn("broadcast delivery failed", "username", s.Username(), "error", err)
			failed = append(failed, failedPeer{slot: s, conn: conn})
		}
	})
	for _, f := range failed {
		b.table.ReleaseIf(f.slot, f.conn)
	}

	b.metrics.RecordWithLatency("broadcast", time.Since(start))
}

// Send writes one line to a single recipient using the same retry-capped
// deadline write as the fan-out path. Command replies and private
// messages go through here.
func (b *Broadcaster) Send(conn net.Conn, line string) error {
	return b.sendWithRetry(conn, line)
}

// sendWithRetry writes the line under a write deadline. A timed-out
// (would-block) write is retried up to the attempt cap with a fixed delay
// so the table lock is never held unboundedly during fan-out. Any other
// error is returned as-is for the caller to classify.
func (b *Broadcaster) sendWithRetry(conn net.Conn, line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	payload := []byte(line)

	for attempt := 0; attempt < b.cfg.RetryAttempts; attempt++ {
		conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
		_, err := conn.Write(payload)
		if err == nil {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			time.Sleep(b.cfg.RetryDelay)
			continue
		}
		return err
	}
	return ErrDeliveryStalled
}

// isDisconnect reports whether err means the peer is gone for good.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
