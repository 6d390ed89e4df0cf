// Package status aggregates ledger outcomes into progress lines, per-batch
// accounting checks and the final verdict of a run.
package status

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/reloquent/tableshift/internal/fault"
	"github.com/reloquent/tableshift/internal/journal"
)

// ProgressEvery is how many terminal records pass between progress lines.
const ProgressEvery = 20

// Verbs used in progress lines.
const (
	VerbExtracted = "extracted"
	VerbLoaded    = "loaded"
)

// Snapshot is a point-in-time copy of a Counter.
type Snapshot struct {
	Total   int `json:"total" yaml:"total"`
	Success int `json:"success" yaml:"success"`
	Failure int `json:"failure" yaml:"failure"`
}

// Remaining returns the number of items without a record.
func (s Snapshot) Remaining() int {
	return s.Total - s.Success - s.Failure
}

// Percent returns the share of items with a record.
func (s Snapshot) Percent() float64 {
	if s.Total == 0 {
		return 100
	}
	return float64(s.Success+s.Failure) * 100 / float64(s.Total)
}

// Counter tracks terminal outcomes for one pass. It is safe for concurrent use
// but is normally fed by a single journal writer.
type Counter struct {
	total   int64
	success atomic.Int64
	failure atomic.Int64
	verb    string
	emit    func(line string, snap Snapshot)
}

// NewCounter returns a counter for total items. emit receives a progress line
// every ProgressEvery records and on Flush.
func NewCounter(total int, verb string, emit func(line string, snap Snapshot)) *Counter {
	return &Counter{total: int64(total), verb: verb, emit: emit}
}

// Observe counts r.
func (c *Counter) Observe(r journal.Record) {
	var done int64
	if r.Failed {
		done = c.failure.Add(1) + c.success.Load()
	} else {
		done = c.success.Add(1) + c.failure.Load()
	}
	if done%ProgressEvery == 0 {
		c.Flush()
	}
}

// Preload adds outcomes recorded before this pass without emitting a line.
func (c *Counter) Preload(success, failure int) {
	c.success.Add(int64(success))
	c.failure.Add(int64(failure))
}

// Snapshot returns the current counts.
func (c *Counter) Snapshot() Snapshot {
	return Snapshot{
		Total:   int(c.total),
		Success: int(c.success.Load()),
		Failure: int(c.failure.Load()),
	}
}

// Line renders the progress line for the current counts.
func (c *Counter) Line() string {
	s := c.Snapshot()
	return Line(s, c.verb)
}

// Flush emits the current line.
func (c *Counter) Flush() {
	if c.emit != nil {
		c.emit(c.Line(), c.Snapshot())
	}
}

// Line renders a progress line.
func Line(s Snapshot, verb string) string {
	return fmt.Sprintf("%d tables successfully %s and %d tables failed out of total %d tables.",
		s.Success, verb, s.Failure, s.Total)
}

// PassResult is what one drained pass over a set of items produced.
type PassResult struct {
	Total   int
	Written journal.Stats
	// Lost items were in a worker's hands when it crashed.
	Lost int
	// Stranded items were still queued when every slot of their node retired.
	Stranded int
}

// Incomplete reports whether items were left without a record.
func (p PassResult) Incomplete() bool {
	return p.Lost+p.Stranded > 0
}

// Check verifies that every item of the pass is accounted for exactly once.
// Items lost to a crash or stranded by retired slots have no record by
// design and are counted separately.
func (p PassResult) Check(what string) error {
	if p.Written.Duplicates > 0 {
		return &fault.InvariantViolation{What: what + ": duplicate terminal records", Want: 0, Got: p.Written.Duplicates}
	}
	got := p.Written.Success + p.Written.Failure + p.Lost + p.Stranded
	if got != p.Total {
		return &fault.InvariantViolation{What: what + ": success + failure + lost + stranded", Want: p.Total, Got: got}
	}
	return nil
}

// Elapsed formats d the way run summaries show durations.
func Elapsed(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int(d / time.Minute)
	d -= time.Duration(minutes) * time.Minute
	seconds := int(d / time.Second)
	return fmt.Sprintf("%d days, %d hours, %d minutes, %d seconds", days, hours, minutes, seconds)
}
