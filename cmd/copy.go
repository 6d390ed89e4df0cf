package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	copyBatch int
	copyKeep  bool
)

var copyCmd = &cobra.Command{
	Use:   "copy",
	Short: "Upload a batch's unloaded data to the object store",
	Long: `Copy the data files of every table in a batch to the configured object
store under <prefix>/<unit id>/, then remove the local files unless --keep
is set. The batch is marked copied so the next run moves past it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(true)
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, stop := signalContext()
		defer stop()

		x, err := newExtractor(e, 0, "")
		if err != nil {
			return err
		}
		if x.Uploader, err = newUploader(ctx, e); err != nil {
			return err
		}
		stats, err := x.Copy(ctx, copyBatch, copyKeep)
		if err != nil {
			return err
		}
		fmt.Println(okStyle.Render(fmt.Sprintf("Batch %d copied: %d files, %s in %s",
			copyBatch, stats.Files, humanize.IBytes(uint64(stats.Bytes)), stats.Elapsed.Round(time.Millisecond))))
		if stats.Retries > 0 {
			fmt.Println(dimStyle.Render(fmt.Sprintf("%d uploads were retried", stats.Retries)))
		}
		return nil
	},
}

func init() {
	copyCmd.Flags().IntVar(&copyBatch, "batch", 0, "batch to copy")
	copyCmd.Flags().BoolVar(&copyKeep, "keep", false, "keep the local data files after the upload")
	_ = copyCmd.MarkFlagRequired("batch")
	rootCmd.AddCommand(copyCmd)
}
