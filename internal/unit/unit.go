// Package unit holds the collaborators that move one table: an Unloader
// writes its rows to files under the table's data directory and a Loader
// reads them into the target.
package unit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"

	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/fault"
	"github.com/reloquent/tableshift/internal/slots"
)

// Unloader writes the rows of one table into dir and returns the row count.
type Unloader interface {
	Unload(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem, dir string) (uint64, error)
}

// Result of loading one table.
type Result struct {
	Rows uint64
	// Skipped is set when the target already held every row.
	Skipped bool
}

// Loader reads the files of one table from dir into the target.
// alreadyProcessed marks a table that failed in an earlier pass; the loader
// compares the target row count first and only reloads a partial table.
type Loader interface {
	Load(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem, dir string, alreadyProcessed bool) (Result, error)
	RowCount(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem) (uint64, error)
}

// rowCounter is the part of a Loader the short circuit needs.
type rowCounter interface {
	RowCount(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem) (uint64, error)
}

// alreadyLoaded reports whether the target holds exactly the expected rows.
func alreadyLoaded(ctx context.Context, rc rowCounter, slot slots.ConnectionSlot, it catalog.WorkItem) (bool, uint64, error) {
	n, err := rc.RowCount(ctx, slot, it)
	if err != nil {
		return false, 0, err
	}
	return n == it.RowCount, n, nil
}

const dataExt = ".csv"

// dataFile is the file an unloader writes for it.
func dataFile(dir string, it catalog.WorkItem, compress bool) string {
	name := it.UnitID + dataExt
	if compress {
		name += ".gz"
	}
	return filepath.Join(dir, name)
}

// DataFiles lists the data files in dir, sorted.
func DataFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasSuffix(n, dataExt) || strings.HasSuffix(n, dataExt+".gz") {
			out = append(out, filepath.Join(dir, n))
		}
	}
	sort.Strings(out)
	return out, nil
}

// createData creates path, wrapping it in gzip when compress is set. The
// returned close func must be called to flush the file.
func createData(path string, compress bool) (io.Writer, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating %s: %w", path, err)
	}
	if !compress {
		return f, f.Close, nil
	}
	zw := gzip.NewWriter(f)
	return zw, func() error {
		return errors.Join(zw.Close(), f.Close())
	}, nil
}

// openData opens a data file, decompressing .gz files.
func openData(path string) (io.Reader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, f.Close, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return zr, func() error {
		return errors.Join(zr.Close(), f.Close())
	}, nil
}

// classify wraps err as a slot crash when the session itself is gone and as
// a table failure otherwise.
func classify(slot slots.ConnectionSlot, it catalog.WorkItem, err error) error {
	if err == nil {
		return nil
	}
	if fault.IsConnectivity(err) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return &fault.ConnectivityError{Slot: slot.Descriptor(), Err: err}
	}
	return &fault.UnitOfWorkError{Key: it.Key, Err: err}
}

// connectRetries bounds reconnect attempts before a slot is reported as
// crashed.
const connectRetries = 2

// connect calls fn with exponential backoff. A final failure is a
// ConnectivityError for the slot.
func connect[T any](ctx context.Context, slot slots.ConnectionSlot, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	var out T
	err := backoff.Retry(func() error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, connectRetries), ctx))
	if err != nil {
		var zero T
		return zero, &fault.ConnectivityError{Slot: slot.Descriptor(), Err: err}
	}
	return out, nil
}
