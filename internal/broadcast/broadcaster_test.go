package broadcast

import (
	"bufio"
	"net"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/filipexyz/chatd/internal/history"
	"github.com/filipexyz/chatd/internal/metrics"
	"github.com/filipexyz/chatd/internal/pool"
)

func newTestBroadcaster(t *testing.T) (*Broadcaster, *pool.Table, *history.Ring, *metrics.Collector) {
	t.Helper()
	table := pool.NewTable(8, time.Minute)
	hist := history.NewRing(16)
	m := metrics.NewCollector(16)
	b := New(table, hist, m, Config{
		MaxMessageSize: 64,
		RetryAttempts:  2,
		RetryDelay:     5 * time.Millisecond,
		WriteTimeout:   100 * time.Millisecond,
	})
	return b, table, hist, m
}

// join occupies a slot with the server side of a pipe and returns that
// conn plus a channel of lines read from the client side.
func join(t *testing.T, table *pool.Table, username string) (net.Conn, <-chan string) {
	t.Helper()
	server, client := net.Pipe()
	slot, err := table.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	table.Bind(slot, server)
	if username != "" {
		table.SetIdentity(server, username)
	}

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(client)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	return server, lines
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

var wireLine = regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}\] `)

func TestBroadcastSkipsSender(t *testing.T) {
	b, table, _, _ := newTestBroadcaster(t)
	alice, aliceLines := join(t, table, "alice")
	_, bobLines := join(t, table, "bob")

	b.Broadcast(alice, "alice: hello")

	got := waitLine(t, bobLines)
	if !wireLine.MatchString(got) {
		t.Errorf("line %q missing timestamp prefix", got)
	}
	if !strings.HasSuffix(got, "alice: hello") {
		t.Errorf("line %q missing message body", got)
	}

	expectNoLine(t, aliceLines, 200*time.Millisecond)
}

func TestSystemBroadcastReachesEveryone(t *testing.T) {
	b, table, _, _ := newTestBroadcaster(t)
	_, aliceLines := join(t, table, "alice")
	_, bobLines := join(t, table, "bob")

	b.Broadcast(nil, "bob has left the chat")

	for _, lines := range []<-chan string{aliceLines, bobLines} {
		if got := waitLine(t, lines); !strings.HasSuffix(got, "bob has left the chat") {
			t.Errorf("got %q", got)
		}
	}
}

func TestOversizeBroadcastDropped(t *testing.T) {
	b, table, hist, m := newTestBroadcaster(t)
	alice, _ := join(t, table, "alice")
	_, bobLines := join(t, table, "bob")

	b.Broadcast(alice, strings.Repeat("x", 65))

	if got := m.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	if hist.Len() != 0 {
		t.Fatal("oversized message reached the history ring")
	}
	expectNoLine(t, bobLines, 200*time.Millisecond)
}

func TestBroadcastRecordsHistory(t *testing.T) {
	b, table, hist, _ := newTestBroadcaster(t)
	alice, _ := join(t, table, "alice")
	_, bobLines := join(t, table, "bob")

	b.Broadcast(alice, "alice: one")
	waitLine(t, bobLines)

	if hist.Len() != 1 {
		t.Fatalf("history len = %d, want 1", hist.Len())
	}
	if got := hist.Last(1)[0]; !strings.HasSuffix(got, "alice: one") {
		t.Errorf("history entry = %q", got)
	}
}

func TestBroadcastEvictsClosedPeer(t *testing.T) {
	b, table, _, _ := newTestBroadcaster(t)
	alice, _ := join(t, table, "alice")

	server, client := net.Pipe()
	slot, err := table.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	table.Bind(slot, server)
	table.SetIdentity(server, "bob")
	client.Close() // bob is gone before the fan-out

	b.Broadcast(alice, "alice: anyone there?")

	if n := table.OccupiedCount(); n != 1 {
		t.Fatalf("occupied = %d after eviction, want 1", n)
	}
	if _, found := table.ConnByUsername("bob"); found {
		t.Fatal("bob still present after eviction")
	}
}

func TestStalledPeerIsSkippedNotEvicted(t *testing.T) {
	b, table, _, _ := newTestBroadcaster(t)
	alice, _ := join(t, table, "alice")

	// bob never reads: every deadline write times out
	server, _ := net.Pipe()
	slot, err := table.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	table.Bind(slot, server)
	table.SetIdentity(server, "bob")

	b.Broadcast(alice, "alice: hello?")

	if _, found := table.ConnByUsername("bob"); !found {
		t.Fatal("stalled peer was evicted")
	}
}
