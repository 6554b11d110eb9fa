// Package worker runs the fixed pool of consumers that drain the message
// queue.
package worker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/filipexyz/chatd/internal/broadcast"
	"github.com/filipexyz/chatd/internal/command"
	"github.com/filipexyz/chatd/internal/metrics"
	"github.com/filipexyz/chatd/internal/pool"
	"github.com/filipexyz/chatd/internal/queue"
)

// Pool is the fixed set of long-lived consumers. Workers are started once
// and never resized.
type Pool struct {
	size    int
	queue   *queue.Queue
	table   *pool.Table
	router  *command.Router
	b       *broadcast.Broadcaster
	metrics *metrics.Collector
	wg      sync.WaitGroup
}

// New creates a pool of size workers.
func New(size int, q *queue.Queue, table *pool.Table, router *command.Router, b *broadcast.Broadcaster, m *metrics.Collector) *Pool {
	return &Pool{size: size, queue: q, table: table, router: router, b: b, metrics: m}
}

// Start launches the consumers. They exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) run(ctx context.Context, id int) {
	slog.Debug("worker started", "worker", id)
	for {
		msg, ok := p.queue.Pop(ctx)
		if !ok {
			slog.Debug("worker stopped", "worker", id)
			return
		}
		p.process(ctx, msg)
	}
}

// process handles one message behind a recover barrier so a single
// malformed message can never terminate the worker loop.
func (p *Pool) process(ctx context.Context, msg queue.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic while processing message", "recovered", rec)
		}
	}()

	info, ok := p.table.InfoByConn(msg.Sender)
	if !ok {
		slog.Debug("message from disconnected client, discarding")
		return
	}

	switch {
	case strings.HasPrefix(msg.Content, "/"):
		p.router.Route(ctx, msg)
	case !info.Authenticated:
		if err := p.b.Send(msg.Sender, command.LoginRequired); err != nil {
			slog.Warn("auth notice delivery failed", "error", err)
		}
	default:
		p.b.Broadcast(msg.Sender, info.Username+": "+msg.Content)
	}

	p.metrics.RecordWithLatency("processing", time.Since(msg.EnqueuedAt))
}
