// Package orchestrator drives the two phases of a migration. Extraction walks
// the batches in order, runs a supervised worker pool per batch and journals
// every table; loading replays the combined success ledger into the target.
// Both phases resume from the ledgers alone.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/distribute"
	"github.com/reloquent/tableshift/internal/journal"
	"github.com/reloquent/tableshift/internal/queue"
	"github.com/reloquent/tableshift/internal/slots"
	"github.com/reloquent/tableshift/internal/status"
	"github.com/reloquent/tableshift/internal/supervisor"
)

// Event is a progress notification.
type Event struct {
	Phase    string          `json:"phase"`
	Batch    int             `json:"batch"`
	Message  string          `json:"message,omitempty"`
	Progress status.Snapshot `json:"progress"`
	Record   *journal.Record `json:"record,omitempty"`
}

// StatusCallback is called on every progress event. It may be called from
// several goroutines.
type StatusCallback func(Event)

// Runtime are the settings shared by both phases.
type Runtime struct {
	Logger       *slog.Logger
	Out          io.Writer
	Notify       StatusCallback
	PollInterval time.Duration
	RestartLimit int
	UnitTimeout  time.Duration
}

func (r *Runtime) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Runtime) notify(e Event) {
	if r.Notify != nil {
		r.Notify(e)
	}
}

func (r *Runtime) printf(format string, args ...any) {
	if r.Out != nil {
		fmt.Fprintf(r.Out, format, args...)
	}
}

// pass describes one drain of a set of items into a ledger pair.
type pass struct {
	phase       string
	batch       int
	verb        string
	items       []catalog.WorkItem
	successPath string
	failurePath string
	nodes       []slots.NodeSlots
	handler     supervisor.Handler
	// total is the size the progress line reports against.
	total int
}

type passOutcome struct {
	result status.PassResult
	run    *supervisor.Result
}

// runPass distributes the items across nodes, supervises the workers and
// checks that every item is accounted for.
func (r *Runtime) runPass(ctx context.Context, p pass) (passOutcome, error) {
	logger := r.logger().With("phase", p.phase, "batch", p.batch)
	if len(p.items) == 0 {
		return passOutcome{run: &supervisor.Result{}}, nil
	}

	total := p.total
	if total < len(p.items) {
		total = len(p.items)
	}
	counter := status.NewCounter(total, p.verb, func(line string, snap status.Snapshot) {
		r.printf("%s\n", line)
		logger.Info(line)
		r.notify(Event{Phase: p.phase, Batch: p.batch, Message: line, Progress: snap})
	})
	// Tables finished by earlier runs count as done in the progress line.
	counter.Preload(total-len(p.items), 0)

	w, err := journal.NewWriter(p.successPath, p.failurePath, logger, func(rec journal.Record) {
		counter.Observe(rec)
		r.notify(Event{Phase: p.phase, Batch: p.batch, Progress: counter.Snapshot(), Record: &rec})
	})
	if err != nil {
		return passOutcome{}, err
	}

	parts, err := distribute.Distribute(p.items, len(p.nodes))
	if err != nil {
		w.Close()
		return passOutcome{}, err
	}
	queues := make([]*queue.NodeQueue, len(p.nodes))
	for i, ns := range p.nodes {
		queues[i] = queue.New(ns.Node.ID, parts[i])
		logger.Debug("node queue", "node", ns.Node.ID, "slots", len(ns.Slots), "tables", len(parts[i]),
			"bytes", catalog.TotalWeight(parts[i]))
	}

	sup := supervisor.New(p.handler, supervisor.Options{
		PollInterval: r.PollInterval,
		RestartLimit: r.RestartLimit,
		UnitTimeout:  r.UnitTimeout,
		Logger:       logger,
		Sink:         w.Submit,
	})
	run, runErr := sup.Run(ctx, p.nodes, queues)
	stats, closeErr := w.Close()
	counter.Flush()

	if closeErr != nil {
		return passOutcome{}, fmt.Errorf("writing ledgers: %w", closeErr)
	}
	if run == nil {
		return passOutcome{}, runErr
	}

	out := passOutcome{
		run: run,
		result: status.PassResult{
			Total:    len(p.items),
			Written:  stats,
			Lost:     len(run.Lost),
			Stranded: len(run.Stranded),
		},
	}
	if err := out.result.Check(fmt.Sprintf("%s batch %d", p.phase, p.batch)); err != nil {
		return out, err
	}
	for _, it := range run.Lost {
		logger.Warn("table lost with a crashed worker, rerun in resume mode", "key", it.Key, "unit", it.UnitID)
	}
	return out, runErr
}
