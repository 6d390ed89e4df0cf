package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/reloquent/tableshift/internal/api"
	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/objectstore"
	"github.com/reloquent/tableshift/internal/orchestrator"
	"github.com/reloquent/tableshift/internal/slots"
	"github.com/reloquent/tableshift/internal/state"
	"github.com/reloquent/tableshift/internal/unit"
	"github.com/reloquent/tableshift/internal/ws"
)

var (
	runCatalog string
	runBudget  string
	runNodes   int
	runMode    string
	runYes     bool
	runListen  string
	runUpload  bool
	runDev     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Unload every table, one batch at a time",
	Long: `Run the extraction phase. Tables are partitioned into batches that fit
the budget, and each batch is unloaded by a supervised pool of connection
slots on every node. Outcomes are journaled per batch; rerun with
--mode resume to pick up failed and unrecorded tables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := state.ParseMode(runMode)
		if err != nil {
			return err
		}
		e, err := openEnv(true)
		if err != nil {
			return err
		}
		defer e.Close()

		budget := e.cfg.Extraction.Budget()
		if cmd.Flags().Changed("budget") {
			if budget, err = parseBudget(runBudget); err != nil {
				return err
			}
			e.cfg.Extraction.BudgetBytes = budget
		}
		if w := e.cfg.BudgetWarning(); w != "" {
			fmt.Println(warnStyle.Render("Warning: " + w))
		}

		ctx, stop := signalContext()
		defer stop()

		x, err := newExtractor(e, runNodes, runCatalog)
		if err != nil {
			return err
		}
		x.Prompter = prompter(runYes)
		if x.Unloader, err = unit.NewUnloader(e.cfg); err != nil {
			return err
		}
		if runUpload {
			if x.Uploader, err = newUploader(ctx, e); err != nil {
				return err
			}
		}
		var srv *api.Server
		if runListen != "" {
			var shutdown func()
			srv, shutdown = serveStatus(ctx, e, runListen, runDev)
			defer shutdown()
			x.Notify = srv.Notify
		}

		fmt.Println(titleStyle.Render("tableshift run"))
		summary, err := x.Run(ctx, orchestrator.ExtractOptions{
			Mode:        mode,
			Budget:      budget,
			CatalogFile: runCatalog,
		})
		notifyFailure(srv, err)
		return exitStatus(summary, err)
	},
}

// parseBudget accepts plain byte counts and sizes such as 200GB or 1.5TiB.
// Zero disables batching.
func parseBudget(s string) (uint64, error) {
	b, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid --budget %q: %w", s, err)
	}
	return b, nil
}

// newExtractor wires the parts of the extraction phase every command needs.
// Discovery is skipped when a catalog file is given.
func newExtractor(e *env, nodeCount int, catalogFile string) (*orchestrator.Extractor, error) {
	x := &orchestrator.Extractor{
		Runtime:  e.runtime(e.cfg.Extraction.RestartLimit),
		WS:       e.ws,
		Nodes:    slots.Nodes(e.cfg.Nodes, nodeCount, e.cfg.Source.DSN()),
		Conns:    e.cfg.Extraction.ConnectionsPerNode,
		Prompter: orchestrator.AutoPrompter{},
	}
	if catalogFile == "" && e.cfg.Source.Type != "" {
		d, err := catalog.NewDiscoverer(&e.cfg.Source)
		if err != nil {
			return nil, err
		}
		x.Discoverer = d
	}
	return x, nil
}

func newUploader(ctx context.Context, e *env) (*objectstore.Uploader, error) {
	store, err := objectstore.New(ctx, e.cfg.ObjectStore)
	if err != nil {
		return nil, fmt.Errorf("connecting to object store: %w", err)
	}
	return &objectstore.Uploader{
		Store:       store,
		Prefix:      e.cfg.ObjectStore.Prefix,
		Parallelism: e.cfg.ObjectStore.Parallelism,
		Logger:      e.logger,
	}, nil
}

// serveStatus starts the status API and the progress websocket on addr. The
// returned func stops both.
func serveStatus(ctx context.Context, e *env, addr string, dev bool) (*api.Server, func()) {
	hubCtx, cancel := context.WithCancel(ctx)
	hub := ws.NewHub(e.logger)
	if dev {
		hub.SetOrigins("localhost:*", "127.0.0.1:*")
	}
	go hub.Run(hubCtx)

	srv := api.New(e.ws, e.logger, addr, api.WithHub(hub), api.WithDevMode(dev))
	go func() {
		if err := srv.Start(); err != nil {
			e.logger.Error("status server failed", "error", err)
		}
	}()
	fmt.Println(dimStyle.Render("Status API on http://" + addr + "/api/status"))

	return srv, func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			e.logger.Warn("stopping status server", "error", err)
		}
		cancel()
	}
}

// notifyFailure tells websocket clients why a phase stopped. Cancellation is
// not reported.
func notifyFailure(srv *api.Server, err error) {
	if srv == nil || err == nil || errors.Is(err, context.Canceled) {
		return
	}
	srv.NotifyError(err)
}

func init() {
	runCmd.Flags().StringVar(&runCatalog, "catalog", "", "prepared catalog file (key,rows,bytes,unit_id[,kind]) instead of discovery")
	runCmd.Flags().StringVar(&runBudget, "budget", "0", "batch budget in bytes, e.g. 500GB; 0 puts everything in one batch")
	runCmd.Flags().IntVar(&runNodes, "nodes", 0, "number of nodes to use (default: all configured)")
	runCmd.Flags().StringVar(&runMode, "mode", "fresh", "fresh or resume")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "answer prompts without asking: resume failures and assume batches are copied")
	runCmd.Flags().StringVar(&runListen, "listen", "", "serve run status and progress on this address, e.g. localhost:8230")
	runCmd.Flags().BoolVar(&runUpload, "upload", false, "copy each finished batch to the object store before the next one")
	runCmd.Flags().BoolVar(&runDev, "dev", false, "allow cross-origin requests to the status API")
	rootCmd.AddCommand(runCmd)
}
