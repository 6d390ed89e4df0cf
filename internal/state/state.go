// Package state keeps the run state file: which phase the migration is in,
// the budget the batches were cut with, and where the batch cursor stands.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Phase of the migration.
type Phase string

const (
	PhasePlanned    Phase = "planned"
	PhaseExtracting Phase = "extracting"
	PhaseExtracted  Phase = "extracted"
	PhaseLoading    Phase = "loading"
	PhaseLoaded     Phase = "loaded"
)

// Mode of a run.
type Mode string

const (
	ModeFresh  Mode = "fresh"
	ModeResume Mode = "resume"
)

// ParseMode validates a --mode value.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFresh, ModeResume:
		return Mode(s), nil
	case "":
		return ModeFresh, nil
	default:
		return "", fmt.Errorf("invalid mode %q: use fresh or resume", s)
	}
}

// Batch status values.
const (
	BatchPending  = "pending"
	BatchRunning  = "running"
	BatchComplete = "complete"
	BatchPartial  = "partial"
	BatchSkipped  = "skipped"
	BatchCopied   = "copied"
)

// BatchState tracks one batch.
type BatchState struct {
	Status      string    `yaml:"status"`
	Tables      int       `yaml:"tables"`
	Bytes       uint64    `yaml:"bytes"`
	Success     int       `yaml:"success,omitempty"`
	Failure     int       `yaml:"failure,omitempty"`
	CompletedAt time.Time `yaml:"completed_at,omitempty"`
}

// State is the persisted run state.
type State struct {
	RunID        string             `yaml:"run_id"`
	Phase        Phase              `yaml:"phase"`
	Mode         Mode               `yaml:"mode"`
	Budget       uint64             `yaml:"budget"`
	BatchCount   int                `yaml:"batch_count"`
	CurrentBatch int                `yaml:"current_batch"`
	StartedAt    time.Time          `yaml:"started_at"`
	LastUpdated  time.Time          `yaml:"last_updated"`
	Batches      map[int]BatchState `yaml:"batches,omitempty"`
}

// New creates a state for a fresh run.
func New() *State {
	now := time.Now()
	return &State{
		RunID:       uuid.NewString(),
		Phase:       PhasePlanned,
		Mode:        ModeFresh,
		StartedAt:   now,
		LastUpdated: now,
		Batches:     make(map[int]BatchState),
	}
}

// Load reads the state file. A missing file yields a fresh state.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}

	s := &State{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing state: %w", err)
	}
	if s.Batches == nil {
		s.Batches = make(map[int]BatchState)
	}
	if s.RunID == "" {
		s.RunID = uuid.NewString()
	}
	return s, nil
}

// Save writes the state file.
func (s *State) Save(path string) error {
	s.LastUpdated = time.Now()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	return os.Rename(tmp, path)
}

// BudgetChanged reports whether batches were cut with a different budget.
// A state that has never planned has nothing to compare against.
func (s *State) BudgetChanged(budget uint64) bool {
	return s.BatchCount > 0 && s.Budget != budget
}

// SetBatch records the state of batch id.
func (s *State) SetBatch(id int, b BatchState) {
	if b.Status == BatchComplete && b.CompletedAt.IsZero() {
		b.CompletedAt = time.Now()
	}
	s.Batches[id] = b
}

// MarkBatch updates only the status of batch id.
func (s *State) MarkBatch(id int, status string) {
	b := s.Batches[id]
	b.Status = status
	s.SetBatch(id, b)
}

// BatchIDs returns the recorded batch ids in order.
func (s *State) BatchIDs() []int {
	ids := make([]int, 0, len(s.Batches))
	for id := range s.Batches {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
