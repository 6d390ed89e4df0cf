package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/reloquent/tableshift/internal/config"
)

// Postgres implements Discoverer for PostgreSQL databases.
type Postgres struct {
	cfg    *config.SourceConfig
	filter Filter
	pool   *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL discoverer.
func NewPostgres(cfg *config.SourceConfig, filter Filter) *Postgres {
	return &Postgres{cfg: cfg, filter: filter}
}

func (p *Postgres) Connect(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(p.cfg.DSN() + " default_query_exec_mode=simple_protocol")
	if err != nil {
		return fmt.Errorf("parsing connection string: %w", err)
	}
	poolCfg.MaxConns = int32(p.cfg.MaxConnections)
	if poolCfg.MaxConns < 1 {
		poolCfg.MaxConns = 1
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("pinging PostgreSQL: %w", err)
	}

	p.pool = pool
	return nil
}

const pgTablesQuery = `
	SELECT
		n.nspname,
		c.relname,
		c.oid::text,
		GREATEST(c.reltuples, 0)::bigint,
		pg_total_relation_size(c.oid),
		EXISTS (
			SELECT 1 FROM pg_constraint k
			WHERE k.conrelid = c.oid AND k.contype = 'f'
		)
	FROM pg_class c
	JOIN pg_namespace n ON n.oid = c.relnamespace
	WHERE c.relkind IN ('r', 'p')
	  AND NOT c.relispartition
	ORDER BY n.nspname, c.relname`

func (p *Postgres) Discover(ctx context.Context) ([]WorkItem, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("not connected; call Connect first")
	}

	rows, err := p.pool.Query(ctx, pgTablesQuery)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		var (
			owner, name, oid string
			estimate, size   int64
			hasFK            bool
		)
		if err := rows.Scan(&owner, &name, &oid, &estimate, &size, &hasFK); err != nil {
			return nil, err
		}
		key := owner + "." + name
		if !p.filter.Match(key) {
			continue
		}
		it := WorkItem{
			Key:      key,
			RowCount: uint64(estimate),
			Weight:   uint64(size),
			UnitID:   oid,
			Kind:     KindBase,
		}
		if hasFK {
			it.Kind = KindForeign
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if !p.cfg.EstimateRows {
		if err := p.countRows(ctx, items); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// countRows replaces planner estimates with exact counts, using as many
// connections as the pool allows.
func (p *Postgres) countRows(ctx context.Context, items []WorkItem) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(int(p.pool.Config().MaxConns))
	for i := range items {
		g.Go(func() error {
			var n int64
			sql := fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", quoteIdentPg(items[i].Owner()), quoteIdentPg(items[i].Name()))
			if err := p.pool.QueryRow(gctx, sql).Scan(&n); err != nil {
				return fmt.Errorf("counting rows in %s: %w", items[i].Key, err)
			}
			items[i].RowCount = uint64(n)
			return nil
		})
	}
	return g.Wait()
}

func (p *Postgres) Count(ctx context.Context) (int, error) {
	if p.pool == nil {
		return 0, fmt.Errorf("not connected; call Connect first")
	}
	rows, err := p.pool.Query(ctx, `
		SELECT n.nspname || '.' || c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('r', 'p')
		  AND NOT c.relispartition`)
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
		if p.filter.Match(key) {
			n++
		}
	}
	return n, rows.Err()
}

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	return nil
}

func quoteIdentPg(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
