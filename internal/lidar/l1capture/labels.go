package l1capture

import (
	"strconv"
	"sync"

	"github.com/banshee-data/snowpack.report/internal/timeutil"
)

// LabelLayout formats timestamp labels as 2026-01-15__10--30--00. The
// separators keep labels safe in file names on every platform.
const LabelLayout = "2006-01-02__15--04--05"

// LabelSource names each captured frame.
type LabelSource interface {
	Next() string
}

// TimestampLabels labels frames with the capture start time.
type TimestampLabels struct {
	Clock timeutil.Clock
}

func (l TimestampLabels) Next() string {
	return l.Clock.Now().Format(LabelLayout)
}

// SequenceLabels labels frames <Prefix>0, <Prefix>1, ...
type SequenceLabels struct {
	Prefix string

	mu sync.Mutex
	n  int
}

// NewSequenceLabels starts a sequence at zero.
func NewSequenceLabels(prefix string) *SequenceLabels {
	return &SequenceLabels{Prefix: prefix}
}

func (l *SequenceLabels) Next() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.Prefix + strconv.Itoa(l.n)
	l.n++
	return s
}
