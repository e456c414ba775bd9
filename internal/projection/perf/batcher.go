package perf

import (
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/projector/internal/projection/protocol"
	"github.com/banshee-data/projector/internal/timeutil"
)

// Batcher defaults.
const (
	DefaultBatchSize = 10
	DefaultBatchAge  = 16670 * time.Microsecond // one frame at 60 FPS

	// DatagramOverhead is the IPv4+UDP header cost avoided for every frame
	// merged into an existing datagram.
	DatagramOverhead = 28

	batchStatsWindow = 500
)

var errNoCallback = errors.New("batcher has no flush callback")

// FlushFunc receives a flushed batch. The slice is owned by the callee.
type FlushFunc func(frames []protocol.Frame) error

// BatchStats summarizes flushed batches.
type BatchStats struct {
	Batches           uint64        `json:"frames_batched"`
	Events            uint64        `json:"events"`
	Failures          uint64        `json:"failures"`
	AvgEventsPerBatch float64       `json:"avg_events_per_batch"`
	AvgProcessing     time.Duration `json:"avg_batch_time_ns"`
	BytesSaved        uint64        `json:"bandwidth_saved_bytes"`
}

// Batcher accumulates frames and hands them to a callback once the batch
// reaches maxSize frames or has been open for maxAge, whichever comes
// first. The callback runs outside the batcher's lock.
type Batcher struct {
	maxSize int
	maxAge  time.Duration
	clock   timeutil.Clock

	mu       sync.Mutex
	pending  []protocol.Frame
	openedAt time.Time
	callback FlushFunc

	statsMu    sync.Mutex
	batches    uint64
	events     uint64
	failures   uint64
	bytesSaved uint64
	sizes      []int
	durations  []time.Duration
}

// NewBatcher returns a batcher. Non-positive maxSize or maxAge select the
// defaults; a nil clock selects the real clock.
func NewBatcher(maxSize int, maxAge time.Duration, clock timeutil.Clock) *Batcher {
	if maxSize <= 0 {
		maxSize = DefaultBatchSize
	}
	if maxAge <= 0 {
		maxAge = DefaultBatchAge
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Batcher{maxSize: maxSize, maxAge: maxAge, clock: clock}
}

// SetCallback registers the function that receives flushed batches.
func (b *Batcher) SetCallback(fn FlushFunc) {
	b.mu.Lock()
	b.callback = fn
	b.mu.Unlock()
}

// Add appends f to the pending batch and reports whether this call
// flushed it successfully.
func (b *Batcher) Add(f protocol.Frame) bool {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.openedAt = b.clock.Now()
	}
	b.pending = append(b.pending, f)
	if len(b.pending) < b.maxSize && !b.agedLocked() {
		b.mu.Unlock()
		return false
	}
	frames, cb := b.takeLocked()
	b.mu.Unlock()
	return b.flush(frames, cb)
}

// Tick flushes the pending batch if it has reached its age limit. Callers
// with no steady stream of frames use it so a partial batch is not held
// indefinitely.
func (b *Batcher) Tick() bool {
	b.mu.Lock()
	if len(b.pending) == 0 || !b.agedLocked() {
		b.mu.Unlock()
		return false
	}
	frames, cb := b.takeLocked()
	b.mu.Unlock()
	return b.flush(frames, cb)
}

// ForceFlush flushes whatever is pending. On an empty batch it does
// nothing and returns false.
func (b *Batcher) ForceFlush() bool {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return false
	}
	frames, cb := b.takeLocked()
	b.mu.Unlock()
	return b.flush(frames, cb)
}

// Pending returns the number of frames waiting to be flushed.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// OpenedAt returns when the pending batch received its first frame, or
// the zero time if nothing is pending.
func (b *Batcher) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

// Reset drops any pending frames and clears statistics.
func (b *Batcher) Reset() {
	b.mu.Lock()
	b.pending = nil
	b.openedAt = time.Time{}
	b.mu.Unlock()

	b.statsMu.Lock()
	b.batches, b.events, b.failures, b.bytesSaved = 0, 0, 0, 0
	b.sizes, b.durations = nil, nil
	b.statsMu.Unlock()
}

// Stats returns a snapshot of flush statistics. Averages cover the most
// recent batches only.
func (b *Batcher) Stats() BatchStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	st := BatchStats{
		Batches:    b.batches,
		Events:     b.events,
		Failures:   b.failures,
		BytesSaved: b.bytesSaved,
	}
	if n := len(b.sizes); n > 0 {
		var total int
		var dur time.Duration
		for i := range b.sizes {
			total += b.sizes[i]
			dur += b.durations[i]
		}
		st.AvgEventsPerBatch = float64(total) / float64(n)
		st.AvgProcessing = dur / time.Duration(n)
	}
	return st
}

func (b *Batcher) agedLocked() bool {
	return !b.openedAt.IsZero() && b.clock.Since(b.openedAt) >= b.maxAge
}

// takeLocked hands the pending slice to the caller and leaves the batch
// empty with its open time cleared.
func (b *Batcher) takeLocked() ([]protocol.Frame, FlushFunc) {
	frames := b.pending
	b.pending = nil
	b.openedAt = time.Time{}
	return frames, b.callback
}

func (b *Batcher) flush(frames []protocol.Frame, cb FlushFunc) bool {
	start := b.clock.Now()
	var err error
	if cb == nil {
		err = errNoCallback
	} else {
		err = cb(frames)
	}
	elapsed := b.clock.Since(start)

	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	if err != nil {
		b.failures++
		opsf("dropping batch of %d frames: %v", len(frames), err)
		return false
	}
	b.batches++
	b.events += uint64(len(frames))
	b.bytesSaved += uint64(len(frames)-1) * DatagramOverhead
	b.sizes = append(b.sizes, len(frames))
	b.durations = append(b.durations, elapsed)
	if len(b.sizes) > batchStatsWindow {
		b.sizes = b.sizes[1:]
		b.durations = b.durations[1:]
	}
	tracef("flushed %d frames in %s", len(frames), elapsed)
	return true
}
