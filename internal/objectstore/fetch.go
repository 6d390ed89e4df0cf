package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Fetcher brings back the files of a unit whose local data was removed after
// it was copied to the store.
type Fetcher struct {
	Store  Store
	Prefix string
	Logger *slog.Logger

	// InitialInterval overrides the first retry delay.
	InitialInterval time.Duration
}

// Restore downloads every manifest entry missing from dir and returns the
// paths it wrote. A directory without a manifest restores nothing.
func (f *Fetcher) Restore(ctx context.Context, unitID, dir string) ([]string, error) {
	recorded, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	live, err := localSizes(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for name := range recorded {
		if _, ok := live[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var written []string
	for _, name := range names {
		key := path.Join(f.Prefix, unitID, name)
		local := filepath.Join(dir, name)
		b := backoff.NewExponentialBackOff()
		if f.InitialInterval > 0 {
			b.InitialInterval = f.InitialInterval
		}
		op := func() error { return f.Store.GetFile(ctx, key, local) }
		notify := func(err error, wait time.Duration) {
			f.logger().Warn("download failed, retrying", "key", key, "wait", wait, "error", err)
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(b, uploadRetries), ctx)
		if err := backoff.RetryNotify(op, policy, notify); err != nil {
			os.Remove(local)
			return written, fmt.Errorf("restoring %s: %w", key, err)
		}
		info, err := os.Stat(local)
		if err != nil {
			return written, err
		}
		written = append(written, local)
		if info.Size() != recorded[name] {
			return written, fmt.Errorf("restored %s has %d bytes, manifest says %d", key, info.Size(), recorded[name])
		}
	}
	if len(written) > 0 {
		f.logger().Debug("unit data restored", "unit", unitID, "files", len(written))
	}
	return written, nil
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}
