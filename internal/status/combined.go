package status

import (
	"fmt"

	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/config"
)

// Outcome of a run.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomePartial  Outcome = "partial"
)

// Action is the next step an operator should take.
type Action string

const (
	ActionProceedToLoad Action = "proceed-to-load"
	ActionRerunResume   Action = "rerun-resume"
	ActionDone          Action = "done"
)

// ExitPartial is the process exit code of a run that left work behind.
const ExitPartial = 2

// Combined is the status of every catalog item across all batches.
type Combined struct {
	Total        int      `json:"total"`
	Done         int      `json:"done"`
	Failed       int      `json:"failed"`
	Missing      int      `json:"missing"`
	Unassignable int      `json:"unassignable"`
	Outcome      Outcome  `json:"outcome"`
	FailedKeys   []string `json:"failed_keys,omitempty"`
	// MaxUnassignableWeight is the heaviest unassignable item still pending.
	MaxUnassignableWeight uint64 `json:"max_unassignable_weight,omitempty"`
}

// Combine classifies each item: done if any success ledger has it, otherwise
// unassignable, failed or missing, in that order.
func Combine(items []catalog.WorkItem, succeeded, failed map[string]bool, unassignable []catalog.WorkItem) Combined {
	parked := make(map[string]bool, len(unassignable))
	for _, it := range unassignable {
		parked[it.Key] = true
	}

	c := Combined{Total: len(items)}
	for _, it := range items {
		switch {
		case succeeded[it.Key]:
			c.Done++
		case parked[it.Key]:
			c.Unassignable++
			if it.Weight > c.MaxUnassignableWeight {
				c.MaxUnassignableWeight = it.Weight
			}
		case failed[it.Key]:
			c.Failed++
			c.FailedKeys = append(c.FailedKeys, it.Key)
		default:
			c.Missing++
		}
	}
	c.Outcome = OutcomePartial
	if c.Done == c.Total {
		c.Outcome = OutcomeComplete
	}
	return c
}

// Complete reports whether every item succeeded.
func (c Combined) Complete() bool {
	return c.Outcome == OutcomeComplete
}

// NextAction returns what the operator should do after an extraction run.
func (c Combined) NextAction() Action {
	if c.Failed+c.Missing > 0 {
		return ActionRerunResume
	}
	return ActionProceedToLoad
}

// SuggestedBudgetGB is the smallest whole-GB budget that fits the heaviest
// unassignable item, or 0 when nothing is unassignable.
func (c Combined) SuggestedBudgetGB() uint64 {
	if c.Unassignable == 0 {
		return 0
	}
	// The fit rule is strict, so a budget equal to the weight is not enough.
	return c.MaxUnassignableWeight/config.GiB + 1
}

// Guidance returns operator-facing next-step lines.
func (c Combined) Guidance() []string {
	var out []string
	switch c.NextAction() {
	case ActionRerunResume:
		out = append(out, fmt.Sprintf("%d tables failed and %d were not attempted; rerun in resume mode: tableshift run --mode resume", c.Failed, c.Missing))
	case ActionProceedToLoad:
		out = append(out, "copy each batch to the object store (tableshift copy --batch <n>), then run: tableshift load")
	}
	if c.Unassignable > 0 {
		out = append(out, fmt.Sprintf("%d tables exceed the batch budget; increase the budget to at least %d GB and run: tableshift rebatch", c.Unassignable, c.SuggestedBudgetGB()))
	}
	return out
}

// ExitCode is 0 only when everything succeeded.
func (c Combined) ExitCode() int {
	if c.Complete() && c.Unassignable == 0 {
		return 0
	}
	return ExitPartial
}
