package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// uploadRetries is how many times one object is retried before the upload
// fails.
const uploadRetries = 3

// UploadStats summarizes an upload.
type UploadStats struct {
	Files   int64
	Bytes   int64
	Retries int64
	Elapsed time.Duration
}

// Uploader copies table data directories to a Store.
type Uploader struct {
	Store       Store
	Prefix      string
	Parallelism int
	Logger      *slog.Logger

	// InitialInterval overrides the first retry delay.
	InitialInterval time.Duration
}

type upload struct {
	key   string
	local string
	size  int64
}

// Upload copies the files of each unit directory under dataDir. Objects go
// to <prefix>/<unitId>/<file>. The first object that still fails after its
// retries cancels the rest.
func (u *Uploader) Upload(ctx context.Context, dataDir string, unitIDs []string) (UploadStats, error) {
	start := time.Now()
	var jobs []upload
	for _, id := range unitIDs {
		dir := filepath.Join(dataDir, id)
		sizes, err := localSizes(dir)
		if err != nil {
			return UploadStats{}, err
		}
		names := make([]string, 0, len(sizes))
		for n := range sizes {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			jobs = append(jobs, upload{
				key:   path.Join(u.Prefix, id, n),
				local: filepath.Join(dir, n),
				size:  sizes[n],
			})
		}
	}

	limit := u.Parallelism
	if limit < 1 {
		limit = 1
	}

	var files, bytes, retries atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, j := range jobs {
		g.Go(func() error {
			b := backoff.NewExponentialBackOff()
			if u.InitialInterval > 0 {
				b.InitialInterval = u.InitialInterval
			}
			op := func() error {
				if _, err := os.Stat(j.local); err != nil {
					return backoff.Permanent(fmt.Errorf("stat %s: %w", j.local, err))
				}
				return u.Store.PutFile(gctx, j.key, j.local)
			}
			notify := func(err error, wait time.Duration) {
				retries.Add(1)
				u.logger().Warn("upload failed, retrying", "key", j.key, "wait", wait, "error", err)
			}
			policy := backoff.WithContext(backoff.WithMaxRetries(b, uploadRetries), gctx)
			if err := backoff.RetryNotify(op, policy, notify); err != nil {
				return fmt.Errorf("uploading %s: %w", j.local, err)
			}
			files.Add(1)
			bytes.Add(j.size)
			return nil
		})
	}
	err := g.Wait()

	stats := UploadStats{
		Files:   files.Load(),
		Bytes:   bytes.Load(),
		Retries: retries.Load(),
		Elapsed: time.Since(start),
	}
	u.logger().Info("upload finished",
		"files", stats.Files,
		"size", humanize.Bytes(uint64(stats.Bytes)),
		"retries", stats.Retries,
		"elapsed", stats.Elapsed.Round(time.Millisecond))
	return stats, err
}

func (u *Uploader) logger() *slog.Logger {
	if u.Logger == nil {
		return slog.Default()
	}
	return u.Logger
}
