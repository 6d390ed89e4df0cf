package journal

import (
	"errors"
	"log/slog"
)

// Stats counts what a Writer did.
type Stats struct {
	Success    int
	Failure    int
	Duplicates int
}

// Writer owns the ledger pair of one batch. Workers hand records to it over a
// channel and a single goroutine appends them, so no file lock is shared
// between workers.
type Writer struct {
	success *Ledger
	failure *Ledger
	in      chan Record
	done    chan struct{}
	logger  *slog.Logger

	onRecord func(Record)

	stats Stats
	err   error
}

// NewWriter opens both ledgers and starts the writer goroutine. onRecord, if
// set, is called from that goroutine after each record is committed.
func NewWriter(successPath, failurePath string, logger *slog.Logger, onRecord func(Record)) (*Writer, error) {
	s, err := Open(successPath, false)
	if err != nil {
		return nil, err
	}
	f, err := Open(failurePath, true)
	if err != nil {
		s.Close()
		return nil, err
	}
	w := &Writer{
		success:  s,
		failure:  f,
		in:       make(chan Record, 64),
		done:     make(chan struct{}),
		logger:   logger,
		onRecord: onRecord,
	}
	go w.run()
	return w, nil
}

// Submit queues r for writing. It must not be called after Close.
func (w *Writer) Submit(r Record) {
	w.in <- r
}

func (w *Writer) run() {
	defer close(w.done)
	for r := range w.in {
		if w.err != nil {
			continue
		}
		// A key gets one terminal record per batch, whichever came first.
		if w.success.Contains(r.Key) || w.failure.Contains(r.Key) {
			w.stats.Duplicates++
			w.logger.Warn("dropping duplicate ledger record", "key", r.Key, "failed", r.Failed)
			continue
		}
		target := w.success
		if r.Failed {
			target = w.failure
		}
		if _, err := target.Append(r); err != nil {
			w.err = err
			w.logger.Error("ledger append failed", "key", r.Key, "error", err)
			continue
		}
		if r.Failed {
			w.stats.Failure++
		} else {
			w.stats.Success++
		}
		if w.onRecord != nil {
			w.onRecord(r)
		}
	}
}

// Close drains pending records, closes the ledgers and returns the first
// write error.
func (w *Writer) Close() (Stats, error) {
	close(w.in)
	<-w.done
	err := errors.Join(w.err, w.success.Close(), w.failure.Close())
	return w.stats, err
}
