package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reloquent/tableshift/internal/api"
	"github.com/reloquent/tableshift/internal/objectstore"
	"github.com/reloquent/tableshift/internal/orchestrator"
	"github.com/reloquent/tableshift/internal/slots"
	"github.com/reloquent/tableshift/internal/state"
	"github.com/reloquent/tableshift/internal/unit"
)

var (
	loadMode   string
	loadNodes  int
	loadListen string
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Reload every extracted table into the target",
	Long: `Run the load phase over the tables recorded in extracted.out. Tables
that failed an earlier load are retried first, telling the loader they may
be partly loaded; everything else not yet loaded follows.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := state.ParseMode(loadMode)
		if err != nil {
			return err
		}
		e, err := openEnv(true)
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, stop := signalContext()
		defer stop()

		loader, closeLoader, err := unit.NewLoader(ctx, e.cfg)
		if err != nil {
			return fmt.Errorf("connecting to target: %w", err)
		}
		defer func() {
			if err := closeLoader(context.Background()); err != nil {
				e.logger.Warn("closing target connection", "error", err)
			}
		}()

		// Node DSNs in the config point at the source; loads go to the target.
		nodes := slots.Nodes(e.cfg.Nodes, loadNodes, "")
		for i := range nodes {
			nodes[i].DSN = e.cfg.Target.ConnectionString
		}
		r := &orchestrator.LoadRunner{
			Runtime: e.runtime(e.cfg.Load.RestartLimit),
			WS:      e.ws,
			Nodes:   slots.ForLoad(nodes, e.cfg.Load.CoordinatorConnections, e.cfg.Load.WorkerConnections),
			Conns:   e.cfg.Load.WorkerConnections,
			Unit:    loader,
		}
		if e.cfg.ObjectStore.Bucket != "" {
			store, err := objectstore.New(ctx, e.cfg.ObjectStore)
			if err != nil {
				return fmt.Errorf("connecting to object store: %w", err)
			}
			// Batches copied during the run have their data fetched back
			// from the bucket.
			r.Fetcher = &objectstore.Fetcher{Store: store, Prefix: e.cfg.ObjectStore.Prefix, Logger: e.logger}
			if e.cfg.Load.ValidateUpload {
				r.Validator = &objectstore.StoreValidator{Store: store, Prefix: e.cfg.ObjectStore.Prefix}
			}
		}
		var srv *api.Server
		if loadListen != "" {
			var shutdown func()
			srv, shutdown = serveStatus(ctx, e, loadListen, false)
			defer shutdown()
			r.Notify = srv.Notify
		}

		fmt.Println(titleStyle.Render("tableshift load"))
		summary, err := r.Run(ctx, orchestrator.LoadOptions{Mode: mode})
		notifyFailure(srv, err)
		return exitStatus(summary, err)
	},
}

func init() {
	loadCmd.Flags().StringVar(&loadMode, "mode", "fresh", "fresh or resume")
	loadCmd.Flags().IntVar(&loadNodes, "nodes", 0, "number of nodes to use (default: all configured)")
	loadCmd.Flags().StringVar(&loadListen, "listen", "", "serve run status and progress on this address")
	rootCmd.AddCommand(loadCmd)
}
