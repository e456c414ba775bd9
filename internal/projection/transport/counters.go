package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

// LatencyWindow is the number of latency samples averaged in ClientInfo.
const LatencyWindow = 100

// Counters holds the rolling statistics every adapter reports. The zero
// value is ready to use.
type Counters struct {
	framesSent         atomic.Uint64
	bytesSent          atomic.Uint64
	packetLoss         atomic.Uint64
	connectionAttempts atomic.Uint64
	connectionFailures atomic.Uint64
	commandsReceived   atomic.Uint64
	checksumFailures   atomic.Uint64
	oversizeRejected   atomic.Uint64
	sessionFrames      atomic.Uint64

	mu          sync.Mutex
	connectedAt time.Time
	sendLat     []time.Duration
	serialize   []time.Duration
}

func (c *Counters) ConnectAttempt() { c.connectionAttempts.Add(1) }
func (c *Counters) ConnectFailed()  { c.connectionFailures.Add(1) }
func (c *Counters) PacketLost()     { c.packetLoss.Add(1) }
func (c *Counters) ChecksumFailed() { c.checksumFailures.Add(1) }
func (c *Counters) Oversize()       { c.oversizeRejected.Add(1) }

// CommandsReceived adds n to the received command count.
func (c *Counters) CommandsReceived(n int) {
	c.commandsReceived.Add(uint64(n))
}

// MarkConnected starts the throughput clock for a new session.
func (c *Counters) MarkConnected(now time.Time) {
	c.mu.Lock()
	c.connectedAt = now
	c.sessionFrames.Store(0)
	c.mu.Unlock()
}

// FrameSent records one successful write.
func (c *Counters) FrameSent(bytes int, sendLatency, serializeTime time.Duration) {
	c.framesSent.Add(1)
	c.sessionFrames.Add(1)
	c.bytesSent.Add(uint64(bytes))
	c.mu.Lock()
	c.sendLat = pushWindow(c.sendLat, sendLatency)
	c.serialize = pushWindow(c.serialize, serializeTime)
	c.mu.Unlock()
}

// SerializeOnly records serialization time for a frame that was queued
// rather than written, as happens when batching.
func (c *Counters) SerializeOnly(d time.Duration) {
	c.mu.Lock()
	c.serialize = pushWindow(c.serialize, d)
	c.mu.Unlock()
}

// Reset clears the per-session latency windows and throughput clock.
// Lifetime counters such as connection attempts are kept.
func (c *Counters) Reset() {
	c.mu.Lock()
	c.connectedAt = time.Time{}
	c.sendLat = nil
	c.serialize = nil
	c.mu.Unlock()
}

// Fill copies the counters into info as of now.
func (c *Counters) Fill(info *ClientInfo, now time.Time) {
	info.FramesSent = c.framesSent.Load()
	info.BytesSent = c.bytesSent.Load()
	info.PacketLoss = c.packetLoss.Load()
	info.ConnectionAttempts = c.connectionAttempts.Load()
	info.ConnectionFailures = c.connectionFailures.Load()
	info.CommandsReceived = c.commandsReceived.Load()
	info.ChecksumFailures = c.checksumFailures.Load()
	info.OversizeRejected = c.oversizeRejected.Load()

	c.mu.Lock()
	defer c.mu.Unlock()
	info.AvgSendLatency = mean(c.sendLat)
	info.AvgSerializeTime = mean(c.serialize)
	if !c.connectedAt.IsZero() {
		info.Uptime = now.Sub(c.connectedAt)
		if secs := info.Uptime.Seconds(); secs > 0 {
			info.Throughput = float64(c.sessionFrames.Load()) / secs
		}
	}
}

func pushWindow(w []time.Duration, d time.Duration) []time.Duration {
	if len(w) == LatencyWindow {
		copy(w, w[1:])
		w = w[:LatencyWindow-1]
	}
	return append(w, d)
}

func mean(w []time.Duration) time.Duration {
	if len(w) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range w {
		total += d
	}
	return total / time.Duration(len(w))
}
