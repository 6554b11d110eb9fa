package chat

import (
	"bufio"
	"context"
	"net"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/filipexyz/chatd/internal/broadcast"
	"github.com/filipexyz/chatd/internal/command"
	"github.com/filipexyz/chatd/internal/config"
	"github.com/filipexyz/chatd/internal/history"
	"github.com/filipexyz/chatd/internal/metrics"
	"github.com/filipexyz/chatd/internal/pool"
	"github.com/filipexyz/chatd/internal/queue"
	"github.com/filipexyz/chatd/internal/userstore"
	"github.com/filipexyz/chatd/internal/worker"
)

func testConfig() *config.Config {
	return &config.Config{
		ListenAddr:        "127.0.0.1:0",
		MaxConnections:    8,
		ConnectionTimeout: time.Minute,
		MaxMessageSize:    64,
		QueueSize:         32,
		HistorySize:       16,
		WorkerThreads:     2,
		RetryAttempts:     2,
		RetryDelay:        5 * time.Millisecond,
		WriteTimeout:      time.Second,
		ReadTimeout:       time.Minute,
		LatencySamples:    16,
		RatePerSecond:     100,
		RateBurst:         100,
	}
}

// startServer brings up the full stack on an ephemeral port and returns
// the dial address.
func startServer(t *testing.T, cfg *config.Config) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	table := pool.NewTable(cfg.MaxConnections, cfg.ConnectionTimeout)
	hist := history.NewRing(cfg.HistorySize)
	m := metrics.NewCollector(cfg.LatencySamples)
	q := queue.New(cfg.QueueSize)
	b := broadcast.New(table, hist, m, broadcast.Config{
		MaxMessageSize: cfg.MaxMessageSize,
		RetryAttempts:  cfg.RetryAttempts,
		RetryDelay:     cfg.RetryDelay,
		WriteTimeout:   cfg.WriteTimeout,
	})
	router := command.NewRouter(table, m, hist, userstore.NewMemory(), b)
	workers := worker.New(cfg.WorkerThreads, q, table, router, b, m)
	srv := NewServer(cfg, table, q, m, b)

	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	workers.Start(ctx)
	go srv.Serve(ctx)

	return srv.Addr().String()
}

type client struct {
	conn  net.Conn
	lines <-chan string
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	return &client{conn: conn, lines: lines}
}

func (c *client) send(t *testing.T, line string) {
	t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *client) waitLine(t *testing.T) string {
	t.Helper()
	select {
	case s, ok := <-c.lines:
		if !ok {
			t.Fatal("connection closed before a line arrived")
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a line")
	}
	return ""
}

func (c *client) expectNoLine(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case s, ok := <-c.lines:
		if ok {
			t.Fatalf("unexpected line %q", s)
		}
	case <-time.After(wait):
	}
}

// register joins and authenticates a fresh client, consuming the welcome
// banner and the registration reply.
func register(t *testing.T, addr, username string) *client {
	t.Helper()
	c := dial(t, addr)
	if got := c.waitLine(t); !strings.Contains(got, "Welcome") {
		t.Fatalf("banner: got %q", got)
	}
	c.send(t, "/register "+username+" secret")
	if got := c.waitLine(t); got != "Registration successful!" {
		t.Fatalf("register: got %q", got)
	}
	return c
}

var chatLine = regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}\] `)

func TestChatFlowEndToEnd(t *testing.T) {
	addr := startServer(t, testConfig())
	alice := register(t, addr, "alice")
	bob := register(t, addr, "bob")

	alice.send(t, "hello")

	got := bob.waitLine(t)
	if !chatLine.MatchString(got) {
		t.Errorf("line %q missing timestamp prefix", got)
	}
	if !strings.HasSuffix(got, "alice: hello") {
		t.Errorf("bob got %q", got)
	}
	alice.expectNoLine(t, 200*time.Millisecond)
}

func TestUnauthenticatedChatRejected(t *testing.T) {
	addr := startServer(t, testConfig())
	c := dial(t, addr)
	c.waitLine(t) // banner

	c.send(t, "hello")
	if got := c.waitLine(t); got != command.LoginRequired {
		t.Fatalf("got %q", got)
	}
}

func TestOversizedLineKeepsConnection(t *testing.T) {
	addr := startServer(t, testConfig())
	alice := register(t, addr, "alice")
	bob := register(t, addr, "bob")

	alice.send(t, strings.Repeat("x", 100))
	if got := alice.waitLine(t); got != "Message too large, discarded." {
		t.Fatalf("got %q", got)
	}
	bob.expectNoLine(t, 200*time.Millisecond)

	// the connection survives and keeps working
	alice.send(t, "still here")
	if got := bob.waitLine(t); !strings.HasSuffix(got, "alice: still here") {
		t.Fatalf("bob got %q", got)
	}
}

func TestPoolExhaustionRejectsConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	addr := startServer(t, cfg)

	first := dial(t, addr)
	first.waitLine(t) // banner

	second := dial(t, addr)
	select {
	case _, ok := <-second.lines:
		if ok {
			t.Fatal("rejected connection received a line")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rejected connection was not closed")
	}
}

func TestDepartureNotice(t *testing.T) {
	addr := startServer(t, testConfig())
	alice := register(t, addr, "alice")
	bob := register(t, addr, "bob")

	bob.conn.Close()

	got := alice.waitLine(t)
	if !strings.HasSuffix(got, "bob has left the chat") {
		t.Fatalf("alice got %q", got)
	}
}

func TestRateLimitDropsExcess(t *testing.T) {
	cfg := testConfig()
	cfg.RatePerSecond = 1
	cfg.RateBurst = 1
	addr := startServer(t, cfg)
	alice := register(t, addr, "alice")

	alice.send(t, "one")
	alice.send(t, "two")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := alice.waitLine(t)
		if strings.HasPrefix(got, "Slow down") {
			return
		}
	}
	t.Fatal("rate limit notice never arrived")
}
