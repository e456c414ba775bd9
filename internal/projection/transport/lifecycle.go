package transport

import (
	"sync"
	"time"

	"github.com/banshee-data/projector/internal/projection/perf"
)

// Background goroutine join timeouts.
const (
	HeartbeatJoinTimeout = time.Second
	WorkerJoinTimeout    = 2 * time.Second
)

// ReportSink persists the final performance report of a session.
type ReportSink interface {
	SaveReport(r perf.Report, transport, sessionID string) error
}

// WaitTimeout waits for wg and reports whether it finished within d.
// A goroutine that misses the deadline is left to exit on its own.
func WaitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
