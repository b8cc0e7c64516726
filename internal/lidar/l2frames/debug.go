package l2frames

import (
	"io"

	"github.com/banshee-data/snowpack.report/internal/monitoring"
)

// Handoff transitions are high frequency, so they only go to the trace
// stream.
var logs = monitoring.NewStreams("[l2frames] ")

// SetDebugLogger installs a writer for handoff transitions and truncation
// notices. Pass nil to disable debug logging.
func SetDebugLogger(w io.Writer) {
	logs.SetWriters(nil, nil, w)
}

func debugf(format string, args ...interface{}) { logs.Tracef(format, args...) }
