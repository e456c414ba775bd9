package transport

import "github.com/banshee-data/projector/internal/monitoring"

var logs = monitoring.NewStreams("[transport] ")

// opsf logs to the ops stream (actionable warnings, errors, data loss).
func opsf(format string, args ...interface{}) { logs.Opsf(format, args...) }

// diagf logs to the diag stream (client lifecycle).
func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }

// Recover turns a panic inside a Transport method into a logged failure.
// It must be deferred directly:
//
//	defer transport.Recover("shmem", "send", func() { ok = false })
func Recover(component, op string, onPanic func()) {
	if r := recover(); r != nil {
		opsf("%s: %s panicked: %v", component, op, r)
		if onPanic != nil {
			onPanic()
		}
	}
}
