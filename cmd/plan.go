package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reloquent/tableshift/internal/orchestrator"
	"github.com/reloquent/tableshift/internal/state"
)

var (
	planCatalog string
	planBudget  string
	planMode    string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Build the catalog and batch files without unloading",
	Long: `Discover the source tables (or read --catalog), partition them into
batches for the budget and write catalog.list, batch_<n>.list and
unassignable.list to the migration directory. Nothing is unloaded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := state.ParseMode(planMode)
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
			if budget, err = parseBudget(planBudget); err != nil {
				return err
			}
			e.cfg.Extraction.BudgetBytes = budget
		}
		if w := e.cfg.BudgetWarning(); w != "" {
			fmt.Println(warnStyle.Render("Warning: " + w))
		}

		ctx, stop := signalContext()
		defer stop()

		x, err := newExtractor(e, 0, planCatalog)
		if err != nil {
			return err
		}
		fmt.Println(titleStyle.Render("tableshift plan"))
		summary, err := x.Run(ctx, orchestrator.ExtractOptions{
			Mode:        mode,
			Budget:      budget,
			CatalogFile: planCatalog,
			PlanOnly:    true,
		})
		if err != nil {
			return err
		}
		fmt.Printf("\nBatch files written to %s\n", e.ws.Root)
		if n := len(summary.Plan.Unassignable); n > 0 {
			fmt.Println(warnStyle.Render(fmt.Sprintf("%d tables do not fit the budget; raise it or run tableshift rebatch after the extraction", n)))
		}
		return nil
	},
}

func init() {
	planCmd.Flags().StringVar(&planCatalog, "catalog", "", "prepared catalog file instead of discovery")
	planCmd.Flags().StringVar(&planBudget, "budget", "0", "batch budget in bytes, e.g. 500GB")
	planCmd.Flags().StringVar(&planMode, "mode", "fresh", "fresh rebuilds the plan, resume extends the existing one")
	rootCmd.AddCommand(planCmd)
}
