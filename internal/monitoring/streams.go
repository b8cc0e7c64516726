package monitoring

import (
	"io"
	"log"
	"sync/atomic"
)

// Streams are the three log levels a capture package writes to:
//
//   - ops: actionable failures (sensor errors, failed frames, teardown errors)
//   - diag: per-frame and per-session summaries
//   - trace: per-poll and per-reduction detail
//
// Each stream is disabled until a writer is installed. Writers may be
// swapped while other goroutines log.
type Streams struct {
	prefix           string
	ops, diag, trace atomic.Pointer[log.Logger]
}

// NewStreams returns disabled streams whose lines start with prefix.
func NewStreams(prefix string) *Streams {
	return &Streams{prefix: prefix}
}

// SetWriters installs one writer per stream. A nil writer disables that
// stream.
func (s *Streams) SetWriters(ops, diag, trace io.Writer) {
	s.ops.Store(s.newLogger(ops))
	s.diag.Store(s.newLogger(diag))
	s.trace.Store(s.newLogger(trace))
}

func (s *Streams) newLogger(w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, s.prefix, log.LstdFlags|log.Lmicroseconds)
}

func (s *Streams) Opsf(format string, args ...interface{})   { printf(&s.ops, format, args) }
func (s *Streams) Diagf(format string, args ...interface{})  { printf(&s.diag, format, args) }
func (s *Streams) Tracef(format string, args ...interface{}) { printf(&s.trace, format, args) }

func printf(p *atomic.Pointer[log.Logger], format string, args []interface{}) {
	if l := p.Load(); l != nil {
		l.Printf(format, args...)
	}
}
