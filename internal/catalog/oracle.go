package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/sijms/go-ora/v2"
	"golang.org/x/sync/errgroup"

	"github.com/reloquent/tableshift/internal/config"
)

// Oracle implements Discoverer for Oracle databases using go-ora (pure Go, no Instant Client).
type Oracle struct {
	cfg    *config.SourceConfig
	filter Filter
	db     *sql.DB
}

// NewOracle creates a new Oracle discoverer.
func NewOracle(cfg *config.SourceConfig, filter Filter) *Oracle {
	return &Oracle{cfg: cfg, filter: filter}
}

func (o *Oracle) Connect(ctx context.Context) error {
	db, err := sql.Open("oracle", o.cfg.DSN())
	if err != nil {
		return fmt.Errorf("opening Oracle connection: %w", err)
	}
	db.SetMaxOpenConns(max(o.cfg.MaxConnections, 1))

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("pinging Oracle: %w", err)
	}

	o.db = db
	return nil
}

const oraTablesQuery = `
	SELECT t.OWNER, t.TABLE_NAME, TO_CHAR(ob.OBJECT_ID), NVL(t.NUM_ROWS, 0),
		NVL((SELECT SUM(s.BYTES) FROM DBA_SEGMENTS s
			WHERE s.SEGMENT_NAME = t.TABLE_NAME AND s.OWNER = t.OWNER), 0),
		(SELECT COUNT(*) FROM ALL_CONSTRAINTS c
			WHERE c.OWNER = t.OWNER AND c.TABLE_NAME = t.TABLE_NAME AND c.CONSTRAINT_TYPE = 'R'),
		NVL(t.IOT_TYPE, ' ')
	FROM ALL_TABLES t
	JOIN ALL_OBJECTS ob ON ob.OWNER = t.OWNER AND ob.OBJECT_NAME = t.TABLE_NAME AND ob.OBJECT_TYPE = 'TABLE'
	WHERE t.TEMPORARY = 'N' AND t.NESTED = 'NO'
	ORDER BY t.OWNER, t.TABLE_NAME`

func (o *Oracle) Discover(ctx context.Context) ([]WorkItem, error) {
	if o.db == nil {
		return nil, fmt.Errorf("not connected; call Connect first")
	}

	rows, err := o.db.QueryContext(ctx, oraTablesQuery)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		var (
			owner, name, id, iot string
			numRows, bytes, fks  int64
		)
		if err := rows.Scan(&owner, &name, &id, &numRows, &bytes, &fks, &iot); err != nil {
			return nil, err
		}
		key := owner + "." + name
		if !o.filter.Match(key) {
			continue
		}
		it := WorkItem{
			Key:      key,
			RowCount: uint64(numRows),
			Weight:   uint64(bytes),
			UnitID:   id,
			Kind:     KindBase,
		}
		switch {
		case fks > 0:
			it.Kind = KindForeign
		case strings.TrimSpace(iot) == "IOT":
			it.Kind = KindSequential
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if !o.cfg.EstimateRows {
		if err := o.countRows(ctx, items); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (o *Oracle) countRows(ctx context.Context, items []WorkItem) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.cfg.MaxConnections, 1))
	for i := range items {
		g.Go(func() error {
			var n int64
			q := fmt.Sprintf(`SELECT COUNT(*) FROM %s.%s`, quoteIdentOra(items[i].Owner()), quoteIdentOra(items[i].Name()))
			if err := o.db.QueryRowContext(gctx, q).Scan(&n); err != nil {
				return fmt.Errorf("counting rows in %s: %w", items[i].Key, err)
			}
			items[i].RowCount = uint64(n)
			return nil
		})
	}
	return g.Wait()
}

func (o *Oracle) Count(ctx context.Context) (int, error) {
	if o.db == nil {
		return 0, fmt.Errorf("not connected; call Connect first")
	}
	rows, err := o.db.QueryContext(ctx,
		`SELECT OWNER || '.' || TABLE_NAME FROM ALL_TABLES WHERE TEMPORARY = 'N' AND NESTED = 'NO'`)
	if err != nil {
		return 0, fmt.Errorf("counting tables: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return 0, err
		}
		if o.filter.Match(key) {
			n++
		}
	}
	return n, rows.Err()
}

func (o *Oracle) Close() error {
	if o.db != nil {
		err := o.db.Close()
		o.db = nil
		return err
	}
	return nil
}

func quoteIdentOra(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
