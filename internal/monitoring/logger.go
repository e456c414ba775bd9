// Package monitoring owns the process-wide log configuration. Projection
// packages log through per-package Streams, which all follow the writers
// set here.
package monitoring

import "log"

// Logf is the package-level logger used by the command line driver. It
// defaults to log.Printf but may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
