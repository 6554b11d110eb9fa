// Package chat implements the TCP listener and the per-connection
// handlers that feed the message queue.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/filipexyz/chatd/internal/broadcast"
	"github.com/filipexyz/chatd/internal/config"
	"github.com/filipexyz/chatd/internal/metrics"
	"github.com/filipexyz/chatd/internal/pool"
	"github.com/filipexyz/chatd/internal/queue"
)

// Server accepts TCP connections and runs one handler goroutine per
// accepted socket. Pool capacity, not goroutine count, bounds the number
// of served peers.
type Server struct {
	cfg     *config.Config
	table   *pool.Table
	queue   *queue.Queue
	metrics *metrics.Collector
	b       *broadcast.Broadcaster

	lis net.Listener
	wg  sync.WaitGroup
}

// NewServer wires the server to the shared core structures.
func NewServer(cfg *config.Config, table *pool.Table, q *queue.Queue, m *metrics.Collector, b *broadcast.Broadcaster) *Server {
	return &Server{cfg: cfg, table: table, queue: q, metrics: m, b: b}
}

// Listen binds the chat port.
func (s *Server) Listen() error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.lis = lis
	return nil
}

// Addr returns the bound listener address. Valid after Listen.
func (s *Server) Addr() net.Addr { return s.lis.Addr() }

// Serve accepts connections until ctx is cancelled or the listener
// closes.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.lis.Close()
	}()

	for {
		conn, err := s.lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newHandler(s, conn).run()
		}()
	}
}
