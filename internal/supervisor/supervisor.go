// Package supervisor runs one worker goroutine per connection slot over the
// per-node queues and restarts workers whose session dies.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/fault"
	"github.com/reloquent/tableshift/internal/journal"
	"github.com/reloquent/tableshift/internal/queue"
	"github.com/reloquent/tableshift/internal/slots"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultRestartLimit = 3
)

// State of a slot's worker.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCrashed   State = "crashed"
	StateRetrying  State = "retrying"
	StateRetired   State = "retired"
)

// Handler processes one table on a slot and returns its row count. A
// fault.ConnectivityError means the slot's session is gone; any other error
// is a failure of the table.
type Handler func(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem) (uint64, error)

// Options configure a Supervisor.
type Options struct {
	PollInterval time.Duration
	RestartLimit int
	// UnitTimeout bounds one table when set.
	UnitTimeout time.Duration
	Logger      *slog.Logger
	// Sink receives every terminal record. It is called from worker
	// goroutines and must be safe for concurrent use.
	Sink func(journal.Record)
	// OnTransition, if set, is called from the supervisor goroutine.
	OnTransition func(slot string, from, to State)
}

// SlotReport is the final state of one slot.
type SlotReport struct {
	Slot      string `json:"slot"`
	State     State  `json:"state"`
	Restarts  int    `json:"restarts"`
	Processed int    `json:"processed"`
}

// Result of a supervised run.
type Result struct {
	// Lost items were dequeued by a worker that crashed before writing a
	// record. Only a later resume run picks them up.
	Lost []catalog.WorkItem
	// Stranded items were never dequeued because every slot of their node
	// retired or the run was cancelled.
	Stranded []catalog.WorkItem
	Restarts int
	Slots    []SlotReport
}

// Supervisor owns the worker pool of one pass.
type Supervisor struct {
	opts    Options
	handler Handler
}

// New creates a Supervisor.
func New(handler Handler, opts Options) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RestartLimit < 0 {
		opts.RestartLimit = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{opts: opts, handler: handler}
}

type actor struct {
	slot      slots.ConnectionSlot
	queue     *queue.NodeQueue
	state     State
	restarts  int
	processed int
}

// exit is what a worker goroutine reports when it stops.
type exit struct {
	idx       int
	processed int
	crashed   bool
	lost      *catalog.WorkItem
	cause     error
}

// Run starts a worker for every slot of every node and returns once all
// queues are drained or no live slot is left to drain them. queues[i] serves
// nodes[i].
func (s *Supervisor) Run(ctx context.Context, nodes []slots.NodeSlots, queues []*queue.NodeQueue) (*Result, error) {
	if len(nodes) != len(queues) {
		return nil, fmt.Errorf("%d nodes but %d queues", len(nodes), len(queues))
	}

	var actors []*actor
	for i, ns := range nodes {
		for _, slot := range ns.Slots {
			actors = append(actors, &actor{slot: slot, queue: queues[i], state: StateIdle})
		}
	}
	if len(actors) == 0 {
		return nil, fmt.Errorf("no connection slots to run on")
	}

	res := &Result{}
	exits := make(chan exit, len(actors))
	running := 0

	start := func(i int) {
		a := actors[i]
		s.transition(a, StateRunning)
		running++
		go s.work(ctx, i, a.slot, a.queue, exits)
	}
	for i := range actors {
		start(i)
	}

	timer := time.NewTimer(s.opts.PollInterval)
	defer timer.Stop()

	for {
		select {
		case ex := <-exits:
			running--
			a := actors[ex.idx]
			a.processed += ex.processed
			if ex.lost != nil {
				res.Lost = append(res.Lost, *ex.lost)
			}
			if ex.crashed {
				s.transition(a, StateCrashed)
				s.opts.Logger.Warn("worker crashed",
					"node", a.slot.NodeID, "slot", a.slot.Descriptor(),
					"restarts", a.restarts, "error", ex.cause)
			} else {
				s.transition(a, StateCompleted)
			}

		case <-timer.C:
			if ctx.Err() == nil {
				for i, a := range actors {
					if a.state != StateCrashed || a.queue.Empty() {
						continue
					}
					if a.restarts >= s.opts.RestartLimit {
						s.transition(a, StateRetired)
						s.opts.Logger.Error("restart limit reached, retiring slot",
							"node", a.slot.NodeID, "slot", a.slot.Descriptor(), "restarts", a.restarts)
						continue
					}
					a.restarts++
					res.Restarts++
					s.transition(a, StateRetrying)
					s.opts.Logger.Info("restarting worker",
						"node", a.slot.NodeID, "slot", a.slot.Descriptor(), "attempt", a.restarts)
					start(i)
				}
			}
			timer.Reset(s.opts.PollInterval)
		}

		if running == 0 && s.settled(ctx, actors) {
			break
		}
	}

	// Whatever is still queued has no live slot left.
	seen := make(map[*queue.NodeQueue]bool)
	for _, a := range actors {
		if seen[a.queue] {
			continue
		}
		seen[a.queue] = true
		for {
			it, ok := a.queue.TryDequeue()
			if !ok {
				break
			}
			res.Stranded = append(res.Stranded, it)
		}
	}
	for _, a := range actors {
		res.Slots = append(res.Slots, SlotReport{
			Slot:      a.slot.Descriptor(),
			State:     a.state,
			Restarts:  a.restarts,
			Processed: a.processed,
		})
	}
	if len(res.Stranded) > 0 && ctx.Err() == nil {
		s.opts.Logger.Error("items left without a live slot", "count", len(res.Stranded))
	}
	return res, ctx.Err()
}

// settled reports whether no worker will ever be started again.
func (s *Supervisor) settled(ctx context.Context, actors []*actor) bool {
	if ctx.Err() != nil {
		return true
	}
	for _, a := range actors {
		// A crashed slot with work left is restarted or retired on the next
		// poll.
		if a.state == StateCrashed && !a.queue.Empty() {
			return false
		}
	}
	return true
}

func (s *Supervisor) transition(a *actor, to State) {
	from := a.state
	a.state = to
	if s.opts.OnTransition != nil {
		s.opts.OnTransition(a.slot.Descriptor(), from, to)
	}
}

// work drains q on one slot until it is empty, the session dies or ctx is
// cancelled.
func (s *Supervisor) work(ctx context.Context, idx int, slot slots.ConnectionSlot, q *queue.NodeQueue, exits chan<- exit) {
	ex := exit{idx: idx}
	var inHand *catalog.WorkItem

	defer func() {
		if r := recover(); r != nil {
			ex.crashed = true
			ex.lost = inHand
			ex.cause = fmt.Errorf("panic: %v", r)
		}
		exits <- ex
	}()

	logger := s.opts.Logger.With("node", slot.NodeID, "slot", slot.Descriptor())
	for ctx.Err() == nil {
		it, ok := q.TryDequeue()
		if !ok {
			return
		}
		inHand = &it

		rows, err := s.process(ctx, slot, it)
		switch {
		case err == nil:
			s.emit(journal.Success(it, rows))
			logger.Debug("table done", "key", it.Key, "unit", it.UnitID, "rows", rows)
		case fault.IsConnectivity(err):
			ex.crashed = true
			ex.lost = inHand
			ex.cause = err
			return
		case ctx.Err() != nil:
			// Interrupted; the table is redone by a resume run.
			ex.lost = inHand
			return
		default:
			s.emit(journal.Failure(it, err))
			logger.Warn("table failed", "key", it.Key, "unit", it.UnitID, "error", err)
		}
		inHand = nil
		ex.processed++
	}
}

func (s *Supervisor) process(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem) (uint64, error) {
	if s.opts.UnitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.UnitTimeout)
		defer cancel()
	}
	rows, err := s.handler(ctx, slot, it)
	if errors.Is(err, context.DeadlineExceeded) && !fault.IsConnectivity(err) {
		err = &fault.UnitOfWorkError{Key: it.Key, Err: fmt.Errorf("timed out after %s: %w", s.opts.UnitTimeout, err)}
	}
	return rows, err
}

func (s *Supervisor) emit(r journal.Record) {
	if s.opts.Sink != nil {
		s.opts.Sink(r)
	}
}
