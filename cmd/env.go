package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"

	"github.com/reloquent/tableshift/internal/config"
	"github.com/reloquent/tableshift/internal/lock"
	"github.com/reloquent/tableshift/internal/logging"
	"github.com/reloquent/tableshift/internal/orchestrator"
	"github.com/reloquent/tableshift/internal/prompt"
	"github.com/reloquent/tableshift/internal/report"
	"github.com/reloquent/tableshift/internal/status"
	"github.com/reloquent/tableshift/internal/workspace"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// env is what every command that touches a migration directory needs.
type env struct {
	cfg    *config.Config
	ws     workspace.Dir
	logger *slog.Logger

	logFile io.Closer
	locked  bool
}

// openEnv loads the config, prepares the migration directory and the logger,
// and takes the directory lock when exclusive is set. Logs go to stderr so
// they do not interleave with the progress lines on stdout.
func openEnv(exclusive bool) (*env, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	logger, closer, err := logging.Setup(level, cfg.Logging.Directory, os.Stderr)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, ws: workspace.New(cfg.MigrationDir), logger: logger, logFile: closer}
	if err := e.ws.Init(); err != nil {
		e.Close()
		return nil, fmt.Errorf("preparing migration directory: %w", err)
	}
	if exclusive {
		if err := lock.Acquire(e.ws.Lock()); err != nil {
			e.Close()
			return nil, err
		}
		e.locked = true
	}
	slog.SetDefault(logger)
	return e, nil
}

// Close releases the lock and the log file.
func (e *env) Close() {
	if e.locked {
		if err := lock.Release(e.ws.Lock()); err != nil {
			e.logger.Warn("releasing lock", "error", err)
		}
	}
	if e.logFile != nil {
		e.logFile.Close()
	}
}

func (e *env) runtime(restartLimit int) orchestrator.Runtime {
	return orchestrator.Runtime{
		Logger:       e.logger,
		Out:          os.Stdout,
		PollInterval: e.cfg.Extraction.PollInterval,
		RestartLimit: restartLimit,
		UnitTimeout:  e.cfg.Extraction.UnitTimeout,
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func prompter(yes bool) orchestrator.Prompter {
	switch {
	case yes:
		return orchestrator.AutoPrompter{Yes: true}
	case prompt.Interactive():
		return prompt.NewTerminal()
	default:
		return orchestrator.AutoPrompter{}
	}
}

// exitStatus turns a summary into the command's error. A cancelled run still
// prints its summary and exits with the partial status.
func exitStatus(s *orchestrator.Summary, runErr error) error {
	if s != nil && s.Report != nil {
		fmt.Println()
		fmt.Print(report.FormatText(s.Report))
		if s.Stopped != "" {
			fmt.Println(warnStyle.Render(s.Stopped))
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if s == nil || s.Report == nil {
		if runErr != nil {
			return &ExitError{Code: status.ExitPartial}
		}
		return nil
	}
	code := s.ExitCode()
	if code == 0 && runErr != nil {
		code = status.ExitPartial
	}
	if code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}
