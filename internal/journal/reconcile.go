package journal

import (
	"fmt"
	"io"
	"os"

	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/workspace"
)

// Delta is the work a resume run still has to do.
type Delta struct {
	// Retry items failed before; they are processed with the
	// already-processed hint so partial output can be checked first.
	Retry []catalog.WorkItem
	// Fresh items have no record at all, including items lost when a
	// worker died holding them.
	Fresh []catalog.WorkItem
}

// Len returns the number of items left.
func (d Delta) Len() int { return len(d.Retry) + len(d.Fresh) }

// Items returns retries followed by fresh items.
func (d Delta) Items() []catalog.WorkItem {
	out := make([]catalog.WorkItem, 0, d.Len())
	out = append(out, d.Retry...)
	return append(out, d.Fresh...)
}

// Reconcile computes items minus succeeded, split by whether a failure was
// recorded. Ledgers are never rewritten; resuming is a set difference.
func Reconcile(items []catalog.WorkItem, succeeded, failed map[string]bool) Delta {
	var d Delta
	for _, it := range items {
		switch {
		case succeeded[it.Key]:
		case failed[it.Key]:
			d.Retry = append(d.Retry, it)
		default:
			d.Fresh = append(d.Fresh, it)
		}
	}
	return d
}

// BackupFailures moves the content of a failure ledger into its backup so a
// retry pass starts with an empty live ledger. If a backup is already present
// from an interrupted retry, the live entries are appended to it. It returns
// the keys in the backup.
func BackupFailures(path string) (map[string]bool, error) {
	backup := path + workspace.BackupSuffix

	if workspace.NonEmpty(path) {
		src, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		dst, err := os.OpenFile(backup, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("opening %s: %w", backup, err)
		}
		_, copyErr := io.Copy(dst, src)
		src.Close()
		if syncErr := dst.Sync(); copyErr == nil {
			copyErr = syncErr
		}
		if closeErr := dst.Close(); copyErr == nil {
			copyErr = closeErr
		}
		if copyErr != nil {
			return nil, fmt.Errorf("backing up %s: %w", path, copyErr)
		}
		if err := os.Truncate(path, 0); err != nil {
			return nil, fmt.Errorf("clearing %s: %w", path, err)
		}
	}

	return ReadKeys(true, backup)
}

// DropBackup removes the backup once the retry pass has finished.
func DropBackup(path string) error {
	err := os.Remove(path + workspace.BackupSuffix)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// HasBackup reports whether a failure ledger has a pending backup.
func HasBackup(path string) bool {
	return workspace.Exists(path + workspace.BackupSuffix)
}
