package cmd

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/reloquent/tableshift/internal/config"
	"github.com/reloquent/tableshift/internal/orchestrator"
	"github.com/reloquent/tableshift/internal/prompt"
)

var rebatchBudgetGB uint64

var rebatchCmd = &cobra.Command{
	Use:   "rebatch",
	Short: "Cut failed and over-budget tables into new batches",
	Long: `Collect every table that failed or did not fit the budget and is not
unloaded yet, and partition it into new batches numbered after the existing
ones. Without --budget-gb the budget is asked for, suggesting one that fits
the largest parked table. Continue with tableshift run --mode resume.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(true)
		if err != nil {
			return err
		}
		defer e.Close()

		gb := rebatchBudgetGB
		if gb == 0 {
			if !prompt.Interactive() {
				return errors.New("--budget-gb is required when not attached to a terminal")
			}
			comb, err := orchestrator.CurrentStatus(e.ws)
			if err != nil {
				return err
			}
			if gb, err = prompt.NewTerminal().BudgetGB(comb.SuggestedBudgetGB()); err != nil {
				return err
			}
		}

		x, err := newExtractor(e, 0, "")
		if err != nil {
			return err
		}
		plan, moved, err := x.Rebatch(gb * config.GiB)
		if err != nil {
			return err
		}
		if moved == 0 {
			fmt.Println(okStyle.Render("Nothing to rebatch: every table is unloaded or pending in a batch."))
			return nil
		}
		fmt.Printf("%d tables moved into %d new batches:\n", moved, len(plan.Batches))
		for _, b := range plan.Batches {
			fmt.Printf("  batch %d: %d tables, %s\n", b.ID, len(b.Items), humanize.IBytes(b.TotalWeight))
		}
		if n := len(plan.Unassignable); n > 0 {
			fmt.Println(warnStyle.Render(fmt.Sprintf("%d tables still exceed %d GB", n, gb)))
		}
		fmt.Println(dimStyle.Render("Next: tableshift run --mode resume"))
		return nil
	},
}

func init() {
	rebatchCmd.Flags().Uint64Var(&rebatchBudgetGB, "budget-gb", 0, "budget of the new batches in GB")
	rootCmd.AddCommand(rebatchCmd)
}
