package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/reloquent/tableshift/internal/config"
)

// Discoverer lists the tables of a source database.
type Discoverer interface {
	// Connect opens a read-only session to the source.
	Connect(ctx context.Context) error

	// Discover returns every table that passes the filter, with weight and
	// row count filled in.
	Discover(ctx context.Context) ([]WorkItem, error)

	// Count returns how many tables Discover would return, without
	// computing sizes.
	Count(ctx context.Context) (int, error)

	Close() error
}

// NewDiscoverer creates a Discoverer for the given source configuration.
func NewDiscoverer(cfg *config.SourceConfig) (Discoverer, error) {
	filter := Filter{Include: cfg.Include, Exclude: cfg.Exclude}
	switch cfg.Type {
	case "postgresql":
		return NewPostgres(cfg, filter), nil
	case "oracle":
		return NewOracle(cfg, filter), nil
	default:
		return nil, &UnsupportedDBError{DBType: cfg.Type}
	}
}

// UnsupportedDBError is returned when the source DB type is not supported.
type UnsupportedDBError struct {
	DBType string
}

func (e *UnsupportedDBError) Error() string {
	return "unsupported database type: " + e.DBType
}

// Build discovers the source tables and writes them to path.
func Build(ctx context.Context, d Discoverer, path string) (*Catalog, error) {
	items, err := d.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering tables: %w", err)
	}
	SortByKey(items)

	cat, err := New(items)
	if err != nil {
		return nil, err
	}
	if err := cat.Save(path); err != nil {
		return nil, fmt.Errorf("writing catalog: %w", err)
	}
	return cat, nil
}

// Ensure returns the catalog for this run. With reuse set and a catalog file
// already present whose size still matches the source, the file is reused;
// otherwise the catalog is rebuilt. A rebuilt catalog whose size disagrees
// with the source count is an error.
func Ensure(ctx context.Context, d Discoverer, path string, reuse bool, logger *slog.Logger) (*Catalog, error) {
	want, err := d.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting source tables: %w", err)
	}

	if reuse {
		if _, statErr := os.Stat(path); statErr == nil {
			cat, err := Load(path)
			if err != nil {
				return nil, err
			}
			if cat.Len() == want {
				logger.Info("reusing existing catalog", "path", path, "tables", cat.Len())
				return cat, nil
			}
			logger.Warn("catalog no longer matches source, rebuilding",
				"path", path, "catalog_tables", cat.Len(), "source_tables", want)
		}
	}

	cat, err := Build(ctx, d, path)
	if err != nil {
		return nil, err
	}
	if cat.Len() != want {
		return nil, fmt.Errorf("catalog has %d tables but the source reports %d; rerun once the source is stable", cat.Len(), want)
	}
	logger.Info("catalog written", "path", path, "tables", cat.Len(), "bytes", TotalWeight(cat.items))
	return cat, nil
}
