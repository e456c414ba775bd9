// Package perf measures serialization cost per strategy, picks the fastest
// strategy with hysteresis, and batches frames to amortize per-message
// overhead.
package perf

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/projector/internal/timeutil"
)

// DefaultWindow is the number of samples kept per strategy.
const DefaultWindow = 100

// FrameBudget is one frame interval at the 60 FPS target.
const FrameBudget = time.Second / 60

// Sample is one timed serialization.
type Sample struct {
	Strategy string        `json:"strategy"`
	Elapsed  time.Duration `json:"elapsed_ns"`
	Size     int           `json:"size_bytes"`
}

type series struct {
	calls   int
	samples []Sample
}

// Profiler keeps a rolling window of samples per strategy. It is safe for
// concurrent use.
type Profiler struct {
	window int
	clock  timeutil.Clock

	mu     sync.Mutex
	series map[string]*series

	batcher *Batcher // optional, read for batching recommendations
}

// NewProfiler returns a profiler keeping window samples per strategy.
// window <= 0 selects DefaultWindow.
func NewProfiler(window int) *Profiler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Profiler{
		window: window,
		clock:  timeutil.RealClock{},
		series: make(map[string]*series),
	}
}

// SetClock replaces the clock used to stamp reports.
func (p *Profiler) SetClock(c timeutil.Clock) {
	p.mu.Lock()
	p.clock = c
	p.mu.Unlock()
}

// ObserveBatcher includes b's statistics in reports.
func (p *Profiler) ObserveBatcher(b *Batcher) {
	p.mu.Lock()
	p.batcher = b
	p.mu.Unlock()
}

// Profile runs fn, recording its elapsed time and output size under
// strategy when it succeeds.
func (p *Profiler) Profile(strategy string, fn func() ([]byte, error)) ([]byte, time.Duration, error) {
	start := time.Now()
	out, err := fn()
	elapsed := time.Since(start)
	if err != nil {
		return nil, elapsed, err
	}
	p.Record(Sample{Strategy: strategy, Elapsed: elapsed, Size: len(out)})
	return out, elapsed, nil
}

// Record adds a sample to its strategy's window.
func (p *Profiler) Record(s Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sr, ok := p.series[s.Strategy]
	if !ok {
		sr = &series{samples: make([]Sample, 0, p.window)}
		p.series[s.Strategy] = sr
	}
	sr.calls++
	if len(sr.samples) == p.window {
		copy(sr.samples, sr.samples[1:])
		sr.samples = sr.samples[:p.window-1]
	}
	sr.samples = append(sr.samples, s)
}

// Samples returns a copy of the current window for strategy.
func (p *Profiler) Samples(strategy string) []Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	sr, ok := p.series[strategy]
	if !ok {
		return nil
	}
	return append([]Sample(nil), sr.samples...)
}

// Reset discards every window.
func (p *Profiler) Reset() {
	p.mu.Lock()
	p.series = make(map[string]*series)
	p.mu.Unlock()
}

// averages returns the mean elapsed time and window length per strategy.
func (p *Profiler) averages() map[string]strategyMean {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]strategyMean, len(p.series))
	for name, sr := range p.series {
		if len(sr.samples) == 0 {
			continue
		}
		var total time.Duration
		for _, s := range sr.samples {
			total += s.Elapsed
		}
		out[name] = strategyMean{avg: total / time.Duration(len(sr.samples)), n: len(sr.samples)}
	}
	return out
}

type strategyMean struct {
	avg time.Duration
	n   int
}

// StrategyReport summarizes one strategy's window. Times are milliseconds.
type StrategyReport struct {
	Name              string  `json:"name"`
	TotalCalls        int     `json:"total_calls"`
	Samples           int     `json:"samples"`
	AvgMs             float64 `json:"avg_time_ms"`
	MedianMs          float64 `json:"median_time_ms"`
	StdDevMs          float64 `json:"std_dev_ms"`
	MinMs             float64 `json:"min_time_ms"`
	MaxMs             float64 `json:"max_time_ms"`
	AvgPayloadBytes   float64 `json:"avg_payload_size_bytes"`
	EstimatedFPSLimit float64 `json:"estimated_fps_limit"`
}

// Report is a point-in-time summary of every profiled strategy.
type Report struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	Strategies      []StrategyReport `json:"serialization_metrics"`
	Batching        *BatchStats      `json:"batching_metrics,omitempty"`
	Recommendations []string         `json:"recommendations"`
}

// Report computes statistics for every strategy with at least one sample.
func (p *Profiler) Report() Report {
	p.mu.Lock()
	r := Report{GeneratedAt: p.clock.Now(), Recommendations: []string{}}
	for name, sr := range p.series {
		if len(sr.samples) == 0 {
			continue
		}
		r.Strategies = append(r.Strategies, summarize(name, sr))
	}
	b := p.batcher
	p.mu.Unlock()

	sort.Slice(r.Strategies, func(i, j int) bool { return r.Strategies[i].Name < r.Strategies[j].Name })
	if b != nil {
		st := b.Stats()
		r.Batching = &st
	}
	r.Recommendations = recommend(r)
	return r
}

func summarize(name string, sr *series) StrategyReport {
	times := make([]float64, len(sr.samples))
	sizes := make([]float64, len(sr.samples))
	for i, s := range sr.samples {
		times[i] = ms(s.Elapsed)
		sizes[i] = float64(s.Size)
	}
	rep := StrategyReport{
		Name:            name,
		TotalCalls:      sr.calls,
		Samples:         len(times),
		AvgMs:           stat.Mean(times, nil),
		MedianMs:        median(times),
		MinMs:           floats.Min(times),
		MaxMs:           floats.Max(times),
		AvgPayloadBytes: stat.Mean(sizes, nil),
	}
	if len(times) > 1 {
		rep.StdDevMs = stat.StdDev(times, nil)
	}
	if rep.AvgMs > 0 {
		rep.EstimatedFPSLimit = 1000 / rep.AvgMs
	}
	return rep
}

func median(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
