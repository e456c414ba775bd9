package perf

import (
	"sync"

	"github.com/banshee-data/projector/internal/projection/protocol"
)

// Selector defaults.
const (
	DefaultMinSamples = 10
	DefaultHysteresis = 3
)

// SelectorOptions tunes a Selector. Zero fields take the defaults.
type SelectorOptions struct {
	// MinSamples is the window length a strategy needs before it is compared.
	MinSamples int
	// Hysteresis is the number of consecutive rounds a candidate must win.
	Hysteresis int
	// Candidates restricts the strategies considered; empty means all
	// registered strategies.
	Candidates []string
	// ProbeEvery profiles the inactive candidates on every Nth frame passed
	// to Probe. Zero disables probing.
	ProbeEvery int
}

// Selector tracks the active serialization strategy and swaps it only
// when another strategy has been fastest for Hysteresis consecutive
// evaluation rounds.
type Selector struct {
	profiler *Profiler
	opts     SelectorOptions

	mu        sync.Mutex
	active    string
	candidate string
	streak    int
	probes    uint64
}

// NewSelector returns a selector starting on initial.
func NewSelector(p *Profiler, initial string, opts SelectorOptions) *Selector {
	if opts.MinSamples <= 0 {
		opts.MinSamples = DefaultMinSamples
	}
	if opts.Hysteresis <= 0 {
		opts.Hysteresis = DefaultHysteresis
	}
	if len(opts.Candidates) == 0 {
		opts.Candidates = protocol.Strategies()
	}
	return &Selector{profiler: p, opts: opts, active: initial}
}

// Active returns the name of the strategy currently in use.
func (s *Selector) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Strategy returns the active strategy, falling back to CBOR if the
// active name is not registered.
func (s *Selector) Strategy() protocol.Strategy {
	st, err := protocol.StrategyByName(s.Active())
	if err != nil {
		return protocol.CBOR{}
	}
	return st
}

// Evaluate runs one comparison round and reports whether the active
// strategy changed. Rounds where the active strategy or fewer than two
// strategies have enough samples make no decision and leave the streak
// untouched.
func (s *Selector) Evaluate() bool {
	means := s.profiler.averages()

	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := means[s.active]; !ok || m.n < s.opts.MinSamples {
		return false
	}
	winner := ""
	var best strategyMean
	eligible := 0
	for _, name := range s.opts.Candidates {
		m, ok := means[name]
		if !ok || m.n < s.opts.MinSamples {
			continue
		}
		eligible++
		if winner == "" || m.avg < best.avg {
			winner, best = name, m
		}
	}
	if eligible < 2 || winner == "" {
		return false
	}

	if winner == s.active {
		s.candidate, s.streak = "", 0
		return false
	}
	if winner != s.candidate {
		s.candidate, s.streak = winner, 0
	}
	s.streak++
	tracef("candidate %s fastest for %d/%d rounds (%.3fms vs %s %.3fms)",
		winner, s.streak, s.opts.Hysteresis, ms(best.avg), s.active, ms(means[s.active].avg))
	if s.streak < s.opts.Hysteresis {
		return false
	}

	diagf("switching serializer %s -> %s after %d rounds", s.active, winner, s.streak)
	s.active, s.candidate, s.streak = winner, "", 0
	return true
}

// Probe profiles the inactive candidates against f on every ProbeEvery-th
// call so Evaluate has data for strategies not currently in use.
func (s *Selector) Probe(f *protocol.Frame) {
	if s.opts.ProbeEvery <= 0 {
		return
	}
	s.mu.Lock()
	s.probes++
	due := s.probes%uint64(s.opts.ProbeEvery) == 0
	active := s.active
	s.mu.Unlock()
	if !due {
		return
	}
	for _, name := range s.opts.Candidates {
		if name == active {
			continue
		}
		st, err := protocol.StrategyByName(name)
		if err != nil {
			continue
		}
		if _, _, err := s.profiler.Profile(name, func() ([]byte, error) { return st.EncodeFrame(f) }); err != nil {
			opsf("probe %s: %v", name, err)
		}
	}
}
