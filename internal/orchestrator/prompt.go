package orchestrator

// Choice for a batch that has recorded failures.
type Choice int

const (
	ChoiceResume Choice = iota
	ChoiceSkip
)

// Prompter asks the operator to decide between batches.
type Prompter interface {
	// ResumeOrSkip is asked for a batch whose failure ledger has entries.
	ResumeOrSkip(batch, failures int) (Choice, error)
	// ConfirmCopied is asked before the next batch is extracted; the data of
	// the previous batch is deleted once confirmed.
	ConfirmCopied(batch int) (bool, error)
}

// AutoPrompter answers without asking. It always resumes and confirms the
// copy only when Yes is set.
type AutoPrompter struct {
	Yes bool
}

// ResumeOrSkip implements Prompter.
func (AutoPrompter) ResumeOrSkip(int, int) (Choice, error) { return ChoiceResume, nil }

// ConfirmCopied implements Prompter.
func (a AutoPrompter) ConfirmCopied(int) (bool, error) { return a.Yes, nil }
