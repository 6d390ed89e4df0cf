// Package workspace names the files the orchestrator keeps in its migration
// directory. The directory is the only state shared between runs.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// Phase selects the ledger family.
type Phase string

const (
	PhaseExtract Phase = "extract"
	PhaseLoad    Phase = "load"
)

// BackupSuffix is appended to a failure ledger that has been set aside for a
// retry pass.
const BackupSuffix = ".bk"

// Dir is a migration directory.
type Dir struct {
	Root string
}

// New returns a Dir rooted at root.
func New(root string) Dir {
	return Dir{Root: root}
}

// Init creates the directory tree.
func (d Dir) Init() error {
	for _, p := range []string{d.Root, d.DataDir()} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", p, err)
		}
	}
	return nil
}

func (d Dir) path(name string) string { return filepath.Join(d.Root, name) }

func (d Dir) Catalog() string      { return d.path("catalog.list") }
func (d Dir) Unassignable() string { return d.path("unassignable.list") }
func (d Dir) Combined() string     { return d.path("extracted.out") }
func (d Dir) State() string        { return d.path("state.yaml") }
func (d Dir) Lock() string         { return d.path("tableshift.lock") }
func (d Dir) ReportJSON() string   { return d.path("report.json") }
func (d Dir) ReportText() string   { return d.path("report.txt") }
func (d Dir) DataDir() string      { return d.path("data") }

// UnitDir is where the files of one table are written.
func (d Dir) UnitDir(unitID string) string {
	return filepath.Join(d.DataDir(), unitID)
}

// Batch is the item list of batch id.
func (d Dir) Batch(id int) string {
	return d.path(fmt.Sprintf("batch_%d.list", id))
}

// Success is the success ledger of a batch for the given phase. The load
// phase keeps a single ledger pair and ignores id.
func (d Dir) Success(p Phase, id int) string {
	if p == PhaseLoad {
		return d.path("loaded.out")
	}
	return d.path(fmt.Sprintf("extracted_batch_%d.out", id))
}

// Failure is the failure ledger of a batch for the given phase.
func (d Dir) Failure(p Phase, id int) string {
	if p == PhaseLoad {
		return d.path("load_failure.err")
	}
	return d.path(fmt.Sprintf("failure_batch_%d.err", id))
}

var batchFile = regexp.MustCompile(`^batch_(\d+)\.list$`)

// BatchIDs lists the batch files present, in ascending order.
func (d Dir) BatchIDs() ([]int, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", d.Root, err)
	}
	var ids []int
	for _, e := range entries {
		m := batchFile.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

var successFile = regexp.MustCompile(`^extracted_batch_\d+\.out$`)

// SuccessLedgers lists every extraction success ledger present.
func (d Dir) SuccessLedgers() ([]string, error) {
	return d.glob(successFile)
}

var backupFile = regexp.MustCompile(`\.err\.bk$`)

// Backups lists failure ledger backups.
func (d Dir) Backups() ([]string, error) {
	return d.glob(backupFile)
}

func (d Dir) glob(re *regexp.Regexp) ([]string, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", d.Root, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && re.MatchString(e.Name()) {
			out = append(out, d.path(e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Exists reports whether path is present.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// NonEmpty reports whether path exists and has content.
func NonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

var failureFile = regexp.MustCompile(`^failure_batch_\d+\.err(\.bk)?$`)

// FailureLedgers lists every extraction failure ledger and backup present.
func (d Dir) FailureLedgers() ([]string, error) {
	return d.glob(failureFile)
}

var extractFiles = regexp.MustCompile(`^(batch_\d+\.list|unassignable\.list|extracted_batch_\d+\.out|failure_batch_\d+\.err(\.bk)?|extracted\.out|state\.yaml)$`)

var loadFiles = regexp.MustCompile(`^(loaded\.out|load_failure\.err(\.bk)?)$`)

// Clean removes the ledgers and plan files of a phase so a fresh run starts
// from nothing. Cleaning the extract phase also clears the load ledgers.
// Unloaded data files are left in place.
func (d Dir) Clean(p Phase) error {
	paths, err := d.glob(loadFiles)
	if err != nil {
		return err
	}
	if p == PhaseExtract {
		more, err := d.glob(extractFiles)
		if err != nil {
			return err
		}
		paths = append(paths, more...)
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", path, err)
		}
	}
	return nil
}
