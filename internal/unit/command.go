package unit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/fault"
	"github.com/reloquent/tableshift/internal/slots"
)

// Command runs a vendor tool for one table. Template is split like a shell
// command line; each word may contain the placeholders {key}, {owner},
// {table}, {unit}, {dir} and {dsn}.
type Command struct {
	Template string
	// CrashExitCode, when non-zero, is the exit status the tool uses for a
	// lost session. It is reported as a slot crash instead of a failure.
	CrashExitCode int
	Env           []string
}

// Args expands the template for one table.
func (c *Command) Args(slot slots.ConnectionSlot, it catalog.WorkItem, dir string) ([]string, error) {
	words, err := shellquote.Split(c.Template)
	if err != nil {
		return nil, fmt.Errorf("parsing command template: %w", err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("command template is empty")
	}
	r := strings.NewReplacer(
		"{key}", it.Key,
		"{owner}", it.Owner(),
		"{table}", it.Name(),
		"{unit}", it.UnitID,
		"{dir}", dir,
		"{dsn}", slot.DSN,
	)
	for i, w := range words {
		words[i] = r.Replace(w)
	}
	return words, nil
}

func (c *Command) run(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem, dir string) error {
	args, err := c.Args(slot, it, dir)
	if err != nil {
		return &fault.UnitOfWorkError{Key: it.Key, Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &fault.UnitOfWorkError{Key: it.Key, Err: err}
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), c.Env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := lastLine(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if c.CrashExitCode != 0 && exitErr.ExitCode() == c.CrashExitCode {
				return &fault.ConnectivityError{Slot: slot.Descriptor(), Err: fmt.Errorf("%s: %s", args[0], msg)}
			}
			return &fault.UnitOfWorkError{Key: it.Key, Err: fmt.Errorf("%s exited with %d: %s", args[0], exitErr.ExitCode(), msg)}
		}
		return &fault.UnitOfWorkError{Key: it.Key, Err: fmt.Errorf("running %s: %w", args[0], err)}
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// CommandUnloader unloads with an external tool. The tool cannot report a
// row count, so the catalog's count is recorded.
type CommandUnloader struct {
	Command
}

// Unload implements Unloader.
func (u *CommandUnloader) Unload(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem, dir string) (uint64, error) {
	if err := u.run(ctx, slot, it, dir); err != nil {
		return 0, err
	}
	return it.RowCount, nil
}

// CommandLoader loads with an external tool. Counter, when set, is asked for
// the target row count on a retry; without one every retry reloads.
type CommandLoader struct {
	Command
	Counter rowCounter
}

// RowCount implements Loader.
func (l *CommandLoader) RowCount(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem) (uint64, error) {
	if l.Counter == nil {
		return 0, fmt.Errorf("no row counter configured for %s", it.Key)
	}
	return l.Counter.RowCount(ctx, slot, it)
}

// Load implements Loader.
func (l *CommandLoader) Load(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem, dir string, alreadyProcessed bool) (Result, error) {
	if alreadyProcessed && l.Counter != nil {
		done, n, err := alreadyLoaded(ctx, l.Counter, slot, it)
		if err != nil {
			return Result{}, err
		}
		if done {
			return Result{Rows: n, Skipped: true}, nil
		}
	}
	if err := l.run(ctx, slot, it, dir); err != nil {
		return Result{}, err
	}
	return Result{Rows: it.RowCount}, nil
}
