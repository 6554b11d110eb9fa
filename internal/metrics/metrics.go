// Package metrics collects process-wide traffic and performance counters
// shared by every stage of the chat pipeline.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector holds monotonic counters, connection gauges and a bounded
// window of latency samples. Counters are atomic; the per-type map and
// the sample window share one mutex.
type Collector struct {
	start time.Time

	messagesProcessed  atomic.Uint64
	bytesTransferred   atomic.Uint64
	messagesDropped    atomic.Uint64
	currentConnections atomic.Int64
	peakConnections    atomic.Int64

	mu         sync.Mutex
	byType     map[string]uint64
	latencies  []float64 // milliseconds
	maxSamples int
}

// NewCollector creates a collector keeping at most maxSamples latency
// samples; the oldest sample is evicted once the window is full.
func NewCollector(maxSamples int) *Collector {
	return &Collector{
		start:      time.Now(),
		byType:     make(map[string]uint64),
		maxSamples: maxSamples,
	}
}

// Record counts one processed message of the given type.
func (c *Collector) Record(msgType string) {
	c.messagesProcessed.Add(1)
	c.mu.Lock()
	c.byType[msgType]++
	c.mu.Unlock()
}

// RecordWithLatency counts one processed message and adds a latency
// sample.
func (c *Collector) RecordWithLatency(msgType string, elapsed time.Duration) {
	c.messagesProcessed.Add(1)
	ms := float64(elapsed.Microseconds()) / 1000.0
	c.mu.Lock()
	c.byType[msgType]++
	if len(c.latencies) >= c.maxSamples && c.maxSamples > 0 {
		copy(c.latencies, c.latencies[1:])
		c.latencies[len(c.latencies)-1] = ms
	} else {
		c.latencies = append(c.latencies, ms)
	}
	c.mu.Unlock()
}

// RecordBytes adds n to the transferred-byte counter.
func (c *Collector) RecordBytes(n int) {
	if n > 0 {
		c.bytesTransferred.Add(uint64(n))
	}
}

// DropMessage counts one dropped message (queue full, oversize, pool
// exhausted).
func (c *Collector) DropMessage() { c.messagesDropped.Add(1) }

// Dropped returns the dropped-message count.
func (c *Collector) Dropped() uint64 { return c.messagesDropped.Load() }

// ConnectionOpened increments the live-connection gauge and raises the
// peak watermark if needed. The peak is a running max and never
// decreases.
func (c *Collector) ConnectionOpened() int64 {
	cur := c.currentConnections.Add(1)
	for {
		peak := c.peakConnections.Load()
		if cur <= peak || c.peakConnections.CompareAndSwap(peak, cur) {
			return cur
		}
	}
}

// ConnectionClosed decrements the live-connection gauge.
func (c *Collector) ConnectionClosed() int64 {
	return c.currentConnections.Add(-1)
}

// CurrentConnections returns the live-connection gauge.
func (c *Collector) CurrentConnections() int64 { return c.currentConnections.Load() }

// PeakConnections returns the high-water connection mark.
func (c *Collector) PeakConnections() int64 { return c.peakConnections.Load() }

// Snapshot is an immutable view of the collector, rendered by the /stats
// command and the gateway stats endpoint.
type Snapshot struct {
	UptimeSeconds      float64           `json:"uptime_seconds"`
	TotalMessages      uint64            `json:"total_messages"`
	MessagesPerSecond  float64           `json:"messages_per_second"`
	CurrentConnections int64             `json:"current_connections"`
	PeakConnections    int64             `json:"peak_connections"`
	BytesTransferred   uint64            `json:"bytes_transferred"`
	AverageLatencyMS   float64           `json:"average_latency_ms"`
	MessagesDropped    uint64            `json:"messages_dropped"`
	MessageTypes       map[string]uint64 `json:"message_types"`
}

// Snapshot copies the current counters.
func (c *Collector) Snapshot() Snapshot {
	uptime := time.Since(c.start).Seconds()

	c.mu.Lock()
	types := make(map[string]uint64, len(c.byType))
	for k, v := range c.byType {
		types[k] = v
	}
	var avg float64
	if len(c.latencies) > 0 {
		var sum float64
		for _, l := range c.latencies {
			sum += l
		}
		avg = sum / float64(len(c.latencies))
	}
	c.mu.Unlock()

	total := c.messagesProcessed.Load()
	var perSec float64
	if uptime > 0 {
		perSec = float64(total) / uptime
	}

	return Snapshot{
		UptimeSeconds:      uptime,
		TotalMessages:      total,
		MessagesPerSecond:  perSec,
		CurrentConnections: c.currentConnections.Load(),
		PeakConnections:    c.peakConnections.Load(),
		BytesTransferred:   c.bytesTransferred.Load(),
		AverageLatencyMS:   avg,
		MessagesDropped:    c.messagesDropped.Load(),
		MessageTypes:       types,
	}
}
