// Package monitoring holds the process-wide log function used by packages
// that do not carry their own ops/diag/trace streams (config, db, cmd).
package monitoring

import (
	"io"
	"log"
)

// Logf is the package-level logger. It defaults to log.Printf and may be
// replaced by SetLogger or SetOutput.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetOutput routes Logf to w with the given prefix and microsecond
// timestamps. Passing a nil writer installs a no-op logger.
func SetOutput(w io.Writer, prefix string) {
	if w == nil {
		SetLogger(nil)
		return
	}
	SetLogger(log.New(w, prefix, log.LstdFlags|log.Lmicroseconds).Printf)
}
