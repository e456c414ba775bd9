package monitoring

import (
	"io"
	"log"
	"os"
	"sync"
)

// LogWriters holds the io.Writers for each logging stream. A nil writer
// disables that stream.
type LogWriters struct {
	Ops   io.Writer // actionable warnings, errors, data loss
	Diag  io.Writer // connect/disconnect, strategy switches, reports
	Trace io.Writer // per-frame telemetry
}

var (
	mu      sync.RWMutex
	current = LogWriters{Ops: os.Stderr}
	streams []*Streams
)

// Streams is one package's view of the three logging streams.
type Streams struct {
	prefix string

	mu    sync.RWMutex
	ops   *log.Logger
	diag  *log.Logger
	trace *log.Logger
}

// NewStreams registers a set of streams whose lines start with prefix
// (e.g. "[shmem] "). The streams follow every later SetLogWriters call.
func NewStreams(prefix string) *Streams {
	s := &Streams{prefix: prefix}
	mu.Lock()
	streams = append(streams, s)
	w := current
	mu.Unlock()
	s.apply(w)
	return s
}

// SetLogWriters points every registered Streams at w.
func SetLogWriters(w LogWriters) {
	mu.Lock()
	current = w
	all := append([]*Streams(nil), streams...)
	mu.Unlock()
	for _, s := range all {
		s.apply(w)
	}
}

// Writers returns the writers most recently passed to SetLogWriters.
func Writers() LogWriters {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Mute disables every stream. Intended for tests.
func Mute() {
	SetLogWriters(LogWriters{})
}

func (s *Streams) apply(w LogWriters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = newLogger(s.prefix, w.Ops)
	s.diag = newLogger(s.prefix, w.Diag)
	s.trace = newLogger(s.prefix, w.Trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// Opsf logs to the ops stream.
func (s *Streams) Opsf(format string, args ...interface{}) {
	s.mu.RLock()
	l := s.ops
	s.mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Diagf logs to the diag stream.
func (s *Streams) Diagf(format string, args ...interface{}) {
	s.mu.RLock()
	l := s.diag
	s.mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Tracef logs to the trace stream.
func (s *Streams) Tracef(format string, args ...interface{}) {
	s.mu.RLock()
	l := s.trace
	s.mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}
