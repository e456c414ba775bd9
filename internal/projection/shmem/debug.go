package shmem

import "github.com/banshee-data/projector/internal/monitoring"

var logs = monitoring.NewStreams("[shmem] ")

// opsf logs to the ops stream (actionable warnings, errors, data loss).
func opsf(format string, args ...interface{}) { logs.Opsf(format, args...) }

// diagf logs to the diag stream (region lifecycle, serializer changes).
func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }

// tracef logs to the trace stream (per-frame telemetry).
func tracef(format string, args ...interface{}) { logs.Tracef(format, args...) }
