package unit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/slots"
)

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func qualified(owner, name string) string {
	return quoteIdent(owner) + "." + quoteIdent(name)
}

// PostgresUnloader copies a table out of PostgreSQL as CSV with a header line.
// Each call opens its own session against the slot's DSN.
type PostgresUnloader struct {
	Compress bool
}

// Unload implements Unloader.
func (u *PostgresUnloader) Unload(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem, dir string) (uint64, error) {
	conn, err := connect(ctx, slot, func(ctx context.Context) (*pgx.Conn, error) {
		return pgx.Connect(ctx, slot.DSN)
	})
	if err != nil {
		return 0, err
	}
	defer conn.Close(context.Background())

	w, closeFn, err := createData(dataFile(dir, it, u.Compress), u.Compress)
	if err != nil {
		return 0, classify(slot, it, err)
	}

	sql := fmt.Sprintf("COPY (SELECT * FROM %s) TO STDOUT WITH (FORMAT csv, HEADER)", qualified(it.Owner(), it.Name()))
	tag, err := conn.PgConn().CopyTo(ctx, w, sql)
	if cerr := closeFn(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, classify(slot, it, fmt.Errorf("copying %s out: %w", it.Key, err))
	}
	return uint64(tag.RowsAffected()), nil
}

// PostgresLoader copies unloaded CSV files into PostgreSQL. When Schema is
// set, every table lands in it; otherwise the source owner is kept.
type PostgresLoader struct {
	Schema string
}

func (l *PostgresLoader) table(it catalog.WorkItem) string {
	owner := it.Owner()
	if l.Schema != "" {
		owner = l.Schema
	}
	return qualified(owner, it.Name())
}

func (l *PostgresLoader) open(ctx context.Context, slot slots.ConnectionSlot) (*pgx.Conn, error) {
	return connect(ctx, slot, func(ctx context.Context) (*pgx.Conn, error) {
		return pgx.Connect(ctx, slot.DSN)
	})
}

// RowCount implements Loader.
func (l *PostgresLoader) RowCount(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem) (uint64, error) {
	conn, err := l.open(ctx, slot)
	if err != nil {
		return 0, err
	}
	defer conn.Close(context.Background())

	var n int64
	if err := conn.QueryRow(ctx, "SELECT count(*) FROM "+l.table(it)).Scan(&n); err != nil {
		return 0, classify(slot, it, fmt.Errorf("counting %s: %w", it.Key, err))
	}
	return uint64(n), nil
}

// Load implements Loader. A partial table from an earlier attempt is
// truncated before the reload.
func (l *PostgresLoader) Load(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem, dir string, alreadyProcessed bool) (Result, error) {
	if alreadyProcessed {
		done, n, err := alreadyLoaded(ctx, l, slot, it)
		if err != nil {
			return Result{}, err
		}
		if done {
			return Result{Rows: n, Skipped: true}, nil
		}
	}

	files, err := DataFiles(dir)
	if err != nil {
		return Result{}, classify(slot, it, err)
	}
	if len(files) == 0 {
		return Result{}, classify(slot, it, fmt.Errorf("no data files for %s in %s", it.Key, dir))
	}

	conn, err := l.open(ctx, slot)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close(context.Background())

	if alreadyProcessed {
		if _, err := conn.Exec(ctx, "TRUNCATE TABLE "+l.table(it)); err != nil {
			return Result{}, classify(slot, it, fmt.Errorf("truncating %s: %w", it.Key, err))
		}
	}

	sql := fmt.Sprintf("COPY %s FROM STDIN WITH (FORMAT csv, HEADER)", l.table(it))
	var rows uint64
	for _, path := range files {
		r, closeFn, err := openData(path)
		if err != nil {
			return Result{}, classify(slot, it, err)
		}
		tag, err := conn.PgConn().CopyFrom(ctx, r, sql)
		closeFn()
		if err != nil {
			return Result{}, classify(slot, it, fmt.Errorf("copying %s in: %w", it.Key, err))
		}
		rows += uint64(tag.RowsAffected())
	}
	return Result{Rows: rows}, nil
}
