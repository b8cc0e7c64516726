package l1capture

import (
	"io"

	"github.com/banshee-data/snowpack.report/internal/monitoring"
)

var logs = monitoring.NewStreams("[l1capture] ")

// SetLogWriters routes the capture layer's logs: sensor failures and
// timeouts on ops, per-frame summaries on diag, poll counts on trace.
// Pass nil for any writer to disable that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	logs.SetWriters(ops, diag, trace)
}

func opsf(format string, args ...interface{})   { logs.Opsf(format, args...) }
func diagf(format string, args ...interface{})  { logs.Diagf(format, args...) }
func tracef(format string, args ...interface{}) { logs.Tracef(format, args...) }
