package worker

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/filipexyz/chatd/internal/broadcast"
	"github.com/filipexyz/chatd/internal/command"
	"github.com/filipexyz/chatd/internal/history"
	"github.com/filipexyz/chatd/internal/metrics"
	"github.com/filipexyz/chatd/internal/pool"
	"github.com/filipexyz/chatd/internal/queue"
	"github.com/filipexyz/chatd/internal/userstore"
)

type rig struct {
	pool  *Pool
	queue *queue.Queue
	table *pool.Table
	m     *metrics.Collector
}

func newRig(t *testing.T, workers int) *rig {
	t.Helper()
	table := pool.NewTable(8, time.Minute)
	hist := history.NewRing(16)
	m := metrics.NewCollector(16)
	q := queue.New(32)
	b := broadcast.New(table, hist, m, broadcast.Config{
		MaxMessageSize: 4096,
		RetryAttempts:  2,
		RetryDelay:     5 * time.Millisecond,
		WriteTimeout:   time.Second,
	})
	router := command.NewRouter(table, m, hist, userstore.NewMemory(), b)
	return &rig{
		pool:  New(workers, q, table, router, b, m),
		queue: q,
		table: table,
		m:     m,
	}
}

func (r *rig) join(t *testing.T, username string) (net.Conn, <-chan string) {
	t.Helper()
	server, client := net.Pipe()
	slot, err := r.table.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	r.table.Bind(slot, server)
	if username != "" {
		r.table.SetIdentity(server, username)
	}

	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(client)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	return server, lines
}

func (r *rig) push(t *testing.T, conn net.Conn, content string) {
	t.Helper()
	ok := r.queue.Push(queue.Message{Sender: conn, Content: content, EnqueuedAt: time.Now()})
	if !ok {
		t.Fatal("queue full in test")
	}
}

func waitLine(t *testing.T, lines <-chan string) string {
	t.Helper()
	select {
	case s, ok := <-lines:
		if !ok {
			t.Fatal("connection closed before a line arrived")
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a line")
	}
	return ""
}

func expectNoLine(t *testing.T, lines <-chan string, wait time.Duration) {
	t.Helper()
	select {
	case s, ok := <-lines:
		if ok {
			t.Fatalf("unexpected line %q", s)
		}
	case <-time.After(wait):
	}
}

func TestChatLineBroadcastToPeers(t *testing.T) {
	r := newRig(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.pool.Start(ctx)

	alice, aliceLines := r.join(t, "alice")
	_, bobLines := r.join(t, "bob")

	r.push(t, alice, "hello")

	got := waitLine(t, bobLines)
	if !strings.HasSuffix(got, "alice: hello") {
		t.Fatalf("bob got %q", got)
	}
	expectNoLine(t, aliceLines, 200*time.Millisecond)
}

func TestUnauthenticatedChatLineRejected(t *testing.T) {
	r := newRig(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.pool.Start(ctx)

	anon, anonLines := r.join(t, "")
	_, bobLines := r.join(t, "bob")

	r.push(t, anon, "hello")

	if got := waitLine(t, anonLines); got != command.LoginRequired {
		t.Fatalf("got %q", got)
	}
	expectNoLine(t, bobLines, 200*time.Millisecond)
}

func TestCommandsRoutedNotBroadcast(t *testing.T) {
	r := newRig(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.pool.Start(ctx)

	alice, aliceLines := r.join(t, "alice")
	_, bobLines := r.join(t, "bob")

	r.push(t, alice, "/history")

	if got := waitLine(t, aliceLines); got != "No history yet." {
		t.Fatalf("got %q", got)
	}
	expectNoLine(t, bobLines, 200*time.Millisecond)
}

func TestDisconnectedSenderDiscarded(t *testing.T) {
	r := newRig(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.pool.Start(ctx)

	_, bobLines := r.join(t, "bob")

	server, client := net.Pipe()
	client.Close()
	server.Close()
	r.push(t, server, "ghost message")

	expectNoLine(t, bobLines, 300*time.Millisecond)
}

func TestProcessingLatencyRecorded(t *testing.T) {
	r := newRig(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.pool.Start(ctx)

	alice, _ := r.join(t, "alice")
	_, bobLines := r.join(t, "bob")

	r.push(t, alice, "ping")
	waitLine(t, bobLines)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.m.Snapshot().MessageTypes["processing"] == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("processing metric never recorded")
}

func TestWorkersStopOnCancel(t *testing.T) {
	r := newRig(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	r.pool.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		r.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not exit after cancel")
	}
}
