package unit

import (
	"context"
	"fmt"

	"github.com/reloquent/tableshift/internal/config"
)

// NewUnloader picks the unloader for the configuration. A command template
// takes precedence over the built-in PostgreSQL unload.
func NewUnloader(cfg *config.Config) (Unloader, error) {
	if cfg.Extraction.Command != "" {
		return &CommandUnloader{Command: Command{
			Template:      cfg.Extraction.Command,
			CrashExitCode: cfg.Extraction.CrashExitCode,
		}}, nil
	}
	switch cfg.Source.Type {
	case "postgresql":
		return &PostgresUnloader{Compress: cfg.Extraction.Compress}, nil
	default:
		return nil, fmt.Errorf("source type %q needs extraction.command", cfg.Source.Type)
	}
}

// NewLoader picks the loader for the target. The returned close func
// releases shared clients.
func NewLoader(ctx context.Context, cfg *config.Config) (Loader, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.Target.Type {
	case "postgresql":
		return &PostgresLoader{Schema: cfg.Target.Schema}, noop, nil
	case "mongodb":
		m, err := NewMongoLoader(ctx, cfg.Target.ConnectionString, cfg.Target.Database, cfg.Load.InsertBatchSize)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	case "command":
		if cfg.Load.Command == "" {
			return nil, nil, fmt.Errorf("target type command needs load.command")
		}
		return &CommandLoader{Command: Command{
			Template:      cfg.Load.Command,
			CrashExitCode: cfg.Load.CrashExitCode,
		}}, noop, nil
	default:
		return nil, nil, fmt.Errorf("unsupported target type %q", cfg.Target.Type)
	}
}
