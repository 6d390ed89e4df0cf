package unit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/fault"
	"github.com/reloquent/tableshift/internal/slots"
)

// MockUnit implements Unloader and Loader for testing.
type MockUnit struct {
	// Errors fails a key with the given error on every call.
	Errors map[string]error
	// CrashOnce makes the first call for a key report a lost session.
	CrashOnce map[string]bool
	// PanicOnce makes the first call for a key panic.
	PanicOnce map[string]bool
	// Loaded is the target row count returned by RowCount.
	Loaded map[string]uint64
	Delay  time.Duration
	// Files makes Unload write a data file and Load refuse a directory
	// without one.
	Files bool

	mu       sync.Mutex
	calls    []string
	retries  []string
	crashed  map[string]bool
	panicked map[string]bool
	slotsUse map[string]int
}

// NewMockUnit creates a MockUnit that succeeds for every key.
func NewMockUnit() *MockUnit {
	return &MockUnit{
		Errors:    make(map[string]error),
		CrashOnce: make(map[string]bool),
		PanicOnce: make(map[string]bool),
		Loaded:    make(map[string]uint64),
	}
}

func (m *MockUnit) do(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem) error {
	m.mu.Lock()
	m.calls = append(m.calls, it.Key)
	if m.slotsUse == nil {
		m.slotsUse = make(map[string]int)
	}
	m.slotsUse[slot.Descriptor()]++
	if m.crashed == nil {
		m.crashed = make(map[string]bool)
		m.panicked = make(map[string]bool)
	}
	crash := m.CrashOnce[it.Key] && !m.crashed[it.Key]
	if crash {
		m.crashed[it.Key] = true
	}
	panics := m.PanicOnce[it.Key] && !m.panicked[it.Key]
	if panics {
		m.panicked[it.Key] = true
	}
	err := m.Errors[it.Key]
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if panics {
		panic("mock unit panic on " + it.Key)
	}
	if crash {
		return &fault.ConnectivityError{Slot: slot.Descriptor(), Err: context.DeadlineExceeded}
	}
	if err != nil {
		return &fault.UnitOfWorkError{Key: it.Key, Err: err}
	}
	return nil
}

// Unload implements Unloader.
func (m *MockUnit) Unload(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem, dir string) (uint64, error) {
	if err := m.do(ctx, slot, it); err != nil {
		return 0, err
	}
	if m.Files {
		w, done, err := createData(dataFile(dir, it, false), false)
		if err != nil {
			return 0, err
		}
		fmt.Fprintf(w, "%s,%d\n", it.Key, it.RowCount)
		if err := done(); err != nil {
			return 0, err
		}
	}
	return it.RowCount, nil
}

// RowCount implements Loader.
func (m *MockUnit) RowCount(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Loaded[it.Key], nil
}

// Load implements Loader.
func (m *MockUnit) Load(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem, dir string, alreadyProcessed bool) (Result, error) {
	if alreadyProcessed {
		m.mu.Lock()
		m.retries = append(m.retries, it.Key)
		m.mu.Unlock()
		done, n, err := alreadyLoaded(ctx, m, slot, it)
		if err != nil {
			return Result{}, err
		}
		if done {
			return Result{Rows: n, Skipped: true}, nil
		}
	}
	if m.Files {
		files, err := DataFiles(dir)
		if err != nil || len(files) == 0 {
			return Result{}, &fault.UnitOfWorkError{Key: it.Key, Err: fmt.Errorf("no data files for %s in %s", it.Key, dir)}
		}
	}
	if err := m.do(ctx, slot, it); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	m.Loaded[it.Key] = it.RowCount
	m.mu.Unlock()
	return Result{Rows: it.RowCount}, nil
}

// Calls returns the keys processed, in call order.
func (m *MockUnit) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Retries returns the keys loaded with the already-processed hint.
func (m *MockUnit) Retries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.retries...)
}

// SlotCalls returns how many calls each slot descriptor made.
func (m *MockUnit) SlotCalls() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.slotsUse))
	for k, v := range m.slotsUse {
		out[k] = v
	}
	return out
}
