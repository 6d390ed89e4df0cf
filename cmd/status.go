package cmd

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/reloquent/tableshift/internal/orchestrator"
	"github.com/reloquent/tableshift/internal/state"
	"github.com/reloquent/tableshift/internal/status"
	"github.com/reloquent/tableshift/internal/workspace"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the run state and where every table stands",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(false)
		if err != nil {
			return err
		}
		defer e.Close()

		st, err := state.Load(e.ws.State())
		if err != nil {
			return fmt.Errorf("loading state: %w", err)
		}
		fmt.Println(titleStyle.Render("tableshift status"))
		fmt.Printf("Run:        %s (%s)\n", st.RunID, st.Mode)
		fmt.Printf("Phase:      %s\n", st.Phase)
		if st.Budget > 0 {
			fmt.Printf("Budget:     %s\n", humanize.IBytes(st.Budget))
		} else {
			fmt.Println("Budget:     unbatched")
		}
		if !st.LastUpdated.IsZero() {
			fmt.Printf("Updated:    %s (%s)\n", st.LastUpdated.Format(time.RFC3339), humanize.Time(st.LastUpdated))
		}

		if ids := st.BatchIDs(); len(ids) > 0 {
			fmt.Println()
			for _, id := range ids {
				b := st.Batches[id]
				marker := "  "
				if id == st.CurrentBatch && b.Status != state.BatchComplete && b.Status != state.BatchCopied {
					marker = ">>"
				}
				line := fmt.Sprintf("  [%s] batch %-3d %-9s %5d tables %10s", marker, id, b.Status, b.Tables, humanize.IBytes(b.Bytes))
				if b.Failure > 0 {
					line += fmt.Sprintf("  failed %d", b.Failure)
				}
				fmt.Println(batchStyle(b.Status).Render(line))
			}
		}

		if !workspace.Exists(e.ws.Catalog()) {
			fmt.Println(dimStyle.Render("\nNo catalog yet. Start with tableshift plan or tableshift run."))
			return nil
		}
		comb, err := orchestrator.CurrentStatus(e.ws)
		if err != nil {
			return err
		}
		fmt.Println()
		printCombined("Extraction", comb)
		for _, g := range comb.Guidance() {
			fmt.Println(dimStyle.Render("  " + g))
		}

		if workspace.Exists(e.ws.Combined()) {
			lc, err := orchestrator.LoadStatus(e.ws)
			if err != nil {
				return err
			}
			printCombined("Load", lc)
		}
		return nil
	},
}

func printCombined(title string, c status.Combined) {
	style := warnStyle
	if c.Complete() {
		style = okStyle
	}
	fmt.Printf("%s: %s\n", title, style.Render(string(c.Outcome)))
	fmt.Printf("  %d of %d tables done, %d failed, %d not attempted", c.Done, c.Total, c.Failed, c.Missing)
	if c.Unassignable > 0 {
		fmt.Printf(", %d over budget", c.Unassignable)
	}
	fmt.Println()
}

func batchStyle(s string) lipgloss.Style {
	switch s {
	case state.BatchComplete, state.BatchCopied:
		return okStyle
	case state.BatchPartial, state.BatchSkipped:
		return warnStyle
	default:
		return dimStyle
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
