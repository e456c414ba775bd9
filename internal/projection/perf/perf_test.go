package perf

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/projector/internal/monitoring"
	"github.com/banshee-data/projector/internal/projection/protocol"
	"github.com/banshee-data/projector/internal/timeutil"
)

func init() {
	monitoring.Mute()
}

func frame(id uint64) protocol.Frame {
	return protocol.Frame{FrameID: id, Objects: []protocol.TrackedObject{{ID: 1, PosX: float64(id)}}}
}

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]protocol.Frame
	err     error
}

func (r *flushRecorder) flush(frames []protocol.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, frames)
	return r.err
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestBatcher_FlushOnSize(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	b := NewBatcher(3, time.Hour, clock)
	rec := &flushRecorder{}
	b.SetCallback(rec.flush)

	assert.False(t, b.Add(frame(1)))
	assert.False(t, b.Add(frame(2)))
	assert.True(t, b.Add(frame(3)))

	require.Equal(t, 1, rec.count())
	assert.Len(t, rec.batches[0], 3)
	assert.Equal(t, uint64(3), rec.batches[0][2].FrameID)
	assert.Zero(t, b.Pending())
	assert.True(t, b.OpenedAt().IsZero())
}

func TestBatcher_FlushOnAge(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	b := NewBatcher(10, 16*time.Millisecond, clock)
	rec := &flushRecorder{}
	b.SetCallback(rec.flush)

	assert.False(t, b.Add(frame(1)))
	assert.Equal(t, time.Unix(100, 0), b.OpenedAt())
	assert.False(t, b.Tick(), "batch is not old enough yet")

	clock.Advance(16 * time.Millisecond)
	assert.True(t, b.Tick())
	require.Equal(t, 1, rec.count())
	assert.Len(t, rec.batches[0], 1)

	// An aged batch also flushes on the next Add.
	assert.False(t, b.Add(frame(2)))
	clock.Advance(20 * time.Millisecond)
	assert.True(t, b.Add(frame(3)))
	require.Equal(t, 2, rec.count())
	assert.Len(t, rec.batches[1], 2)
}

func TestBatcher_ForceFlushEmptyIsNoop(t *testing.T) {
	b := NewBatcher(5, time.Second, timeutil.NewMockClock(time.Unix(0, 0)))
	rec := &flushRecorder{}
	b.SetCallback(rec.flush)

	assert.False(t, b.ForceFlush())
	assert.Zero(t, rec.count())

	b.Add(frame(1))
	assert.True(t, b.ForceFlush())
	assert.False(t, b.ForceFlush())
	assert.Equal(t, 1, rec.count())
	assert.True(t, b.OpenedAt().IsZero())
}

func TestBatcher_FailedCallbackStillClears(t *testing.T) {
	b := NewBatcher(2, time.Hour, timeutil.NewMockClock(time.Unix(0, 0)))
	rec := &flushRecorder{err: errors.New("send failed")}
	b.SetCallback(rec.flush)

	b.Add(frame(1))
	assert.False(t, b.Add(frame(2)))
	assert.Zero(t, b.Pending())
	assert.Equal(t, uint64(1), b.Stats().Failures)
	assert.Zero(t, b.Stats().Batches)
}

func TestBatcher_NoCallbackDrops(t *testing.T) {
	b := NewBatcher(1, time.Hour, nil)
	assert.False(t, b.Add(frame(1)))
	assert.Zero(t, b.Pending())
	assert.Equal(t, uint64(1), b.Stats().Failures)
}

func TestBatcher_Stats(t *testing.T) {
	b := NewBatcher(100, time.Hour, timeutil.NewMockClock(time.Unix(0, 0)))
	b.SetCallback(func([]protocol.Frame) error { return nil })

	b.Add(frame(1))
	b.Add(frame(2))
	b.ForceFlush()
	for i := uint64(3); i <= 6; i++ {
		b.Add(frame(i))
	}
	b.ForceFlush()

	st := b.Stats()
	assert.Equal(t, uint64(2), st.Batches)
	assert.Equal(t, uint64(6), st.Events)
	assert.InDelta(t, 3.0, st.AvgEventsPerBatch, 1e-9)
	assert.Equal(t, uint64((1+3)*DatagramOverhead), st.BytesSaved)

	b.Reset()
	assert.Equal(t, BatchStats{}, b.Stats())
}

func TestBatcher_ConcurrentAdd(t *testing.T) {
	b := NewBatcher(7, time.Hour, nil)
	var (
		mu      sync.Mutex
		flushed int
	)
	b.SetCallback(func(frames []protocol.Frame) error {
		mu.Lock()
		flushed += len(frames)
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Add(frame(uint64(g*100 + i)))
			}
		}(g)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 800, flushed+b.Pending())
}

func record(p *Profiler, strategy string, elapsed time.Duration, n int) {
	for i := 0; i < n; i++ {
		p.Record(Sample{Strategy: strategy, Elapsed: elapsed, Size: 100})
	}
}

func TestProfiler_WindowTrims(t *testing.T) {
	p := NewProfiler(0)
	record(p, "cbor", time.Millisecond, 150)

	assert.Len(t, p.Samples("cbor"), DefaultWindow)
	r := p.Report()
	require.Len(t, r.Strategies, 1)
	assert.Equal(t, 150, r.Strategies[0].TotalCalls)
	assert.Equal(t, DefaultWindow, r.Strategies[0].Samples)
	assert.Nil(t, p.Samples("json"))
}

func TestProfiler_ReportStatistics(t *testing.T) {
	p := NewProfiler(10)
	p.SetClock(timeutil.NewMockClock(time.Unix(500, 0)))
	for _, d := range []time.Duration{1, 3, 2} {
		p.Record(Sample{Strategy: "cbor", Elapsed: d * time.Millisecond, Size: int(d) * 10})
	}

	r := p.Report()
	assert.Equal(t, time.Unix(500, 0), r.GeneratedAt)
	require.Len(t, r.Strategies, 1)
	s := r.Strategies[0]
	assert.InDelta(t, 2.0, s.AvgMs, 1e-9)
	assert.InDelta(t, 2.0, s.MedianMs, 1e-9)
	assert.InDelta(t, 1.0, s.StdDevMs, 1e-9)
	assert.InDelta(t, 1.0, s.MinMs, 1e-9)
	assert.InDelta(t, 3.0, s.MaxMs, 1e-9)
	assert.InDelta(t, 20.0, s.AvgPayloadBytes, 1e-9)
	assert.InDelta(t, 500.0, s.EstimatedFPSLimit, 1e-6)
}

func TestProfiler_ProfileRecordsOnlySuccess(t *testing.T) {
	p := NewProfiler(10)
	out, _, err := p.Profile("json", func() ([]byte, error) { return []byte("abc"), nil })
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)

	_, _, err = p.Profile("json", func() ([]byte, error) { return nil, errors.New("boom") })
	assert.Error(t, err)

	samples := p.Samples("json")
	require.Len(t, samples, 1)
	assert.Equal(t, 3, samples[0].Size)

	p.Reset()
	assert.Empty(t, p.Report().Strategies)
}

func TestProfiler_Recommendations(t *testing.T) {
	p := NewProfiler(10)
	record(p, "json", 2*time.Millisecond, 5)
	record(p, "cbor", time.Millisecond, 5)

	r := p.Report()
	assert.Contains(t, r.Recommendations, "Switch from json to cbor for 50.0% performance improvement")
	assert.Contains(t, r.Recommendations, "json is using 2.00ms per call - consider optimization for 60 FPS target")
	assert.Len(t, r.Recommendations, 2)
}

func TestProfiler_BatchingRecommendations(t *testing.T) {
	p := NewProfiler(10)
	b := NewBatcher(10, time.Hour, timeutil.NewMockClock(time.Unix(0, 0)))
	b.SetCallback(func([]protocol.Frame) error { return nil })
	p.ObserveBatcher(b)

	assert.Empty(t, p.Report().Recommendations)

	b.Add(frame(1))
	b.ForceFlush()
	r := p.Report()
	require.NotNil(t, r.Batching)
	assert.Equal(t, []string{"Event batching is underutilized - consider increasing batch size or timeout"}, r.Recommendations)

	b.Reset()
	for i := uint64(0); i < 9; i++ {
		b.Add(frame(i))
	}
	b.ForceFlush()
	assert.Equal(t, []string{"Large event batches detected - may cause frame stutter, consider smaller batches"}, p.Report().Recommendations)
}

func TestSelector_Hysteresis(t *testing.T) {
	p := NewProfiler(20)
	record(p, "cbor", 2*time.Millisecond, 10)
	record(p, "json", time.Millisecond, 10)
	s := NewSelector(p, "cbor", SelectorOptions{Candidates: []string{"cbor", "json"}})

	assert.False(t, s.Evaluate(), "one winning round is not enough")
	assert.False(t, s.Evaluate(), "two winning rounds are not enough")
	assert.Equal(t, "cbor", s.Active())
	assert.True(t, s.Evaluate())
	assert.Equal(t, "json", s.Active())
	assert.Equal(t, "json", s.Strategy().Name())

	// json now wins as the active strategy; nothing changes.
	assert.False(t, s.Evaluate())
}

func TestSelector_ActiveWinResetsStreak(t *testing.T) {
	p := NewProfiler(10)
	s := NewSelector(p, "cbor", SelectorOptions{Candidates: []string{"cbor", "json"}})

	jsonFaster := func() {
		p.Reset()
		record(p, "cbor", 2*time.Millisecond, 10)
		record(p, "json", time.Millisecond, 10)
	}
	cborFaster := func() {
		p.Reset()
		record(p, "cbor", time.Millisecond, 10)
		record(p, "json", 2*time.Millisecond, 10)
	}

	jsonFaster()
	s.Evaluate()
	s.Evaluate()
	cborFaster()
	assert.False(t, s.Evaluate())

	jsonFaster()
	assert.False(t, s.Evaluate())
	assert.False(t, s.Evaluate())
	assert.Equal(t, "cbor", s.Active())
	assert.True(t, s.Evaluate())
}

func TestSelector_RequiresMinSamples(t *testing.T) {
	p := NewProfiler(20)
	record(p, "cbor", 2*time.Millisecond, 10)
	record(p, "json", time.Millisecond, DefaultMinSamples-1)
	s := NewSelector(p, "cbor", SelectorOptions{Candidates: []string{"cbor", "json"}})

	for i := 0; i < 5; i++ {
		assert.False(t, s.Evaluate())
	}
	assert.Equal(t, "cbor", s.Active())
}

func TestSelector_Probe(t *testing.T) {
	p := NewProfiler(20)
	s := NewSelector(p, "cbor", SelectorOptions{
		Candidates: []string{"cbor", "json", "proto"},
		ProbeEvery: 2,
	})
	f := protocol.NewFrame(1, []protocol.TrackedObject{{ID: 1}}, nil, nil, time.Unix(0, 0))

	for i := 0; i < 4; i++ {
		s.Probe(f)
	}
	assert.Len(t, p.Samples("json"), 2)
	assert.Len(t, p.Samples("proto"), 2)
	assert.Empty(t, p.Samples("cbor"))
}
