package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/florinutz/laketx/compactor"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Run one compaction pass over the table",
	Long: `Scans the latest snapshot and rewrites every partition holding enough small
files (or a small file old enough) into a single larger file. The rewrite
changes the file layout only; the visible row set is unchanged.`,
	RunE: runCompact,
}

func init() {
	compactCmd.Flags().Int64("target-size", 0, "file size above which a file is no longer a candidate (default 128MiB)")
	compactCmd.Flags().Int("min-files", 0, "small-file count that triggers a partition rewrite (default 8)")
	compactCmd.Flags().Duration("max-age", 0, "oldest-candidate age that triggers a rewrite below min-files (default 5m)")
}

func runCompact(cmd *cobra.Command, args []string) error {
	targetSize, _ := cmd.Flags().GetInt64("target-size")
	minFiles, _ := cmd.Flags().GetInt("min-files")
	maxAge, _ := cmd.Flags().GetDuration("max-age")

	ctx := cmd.Context()
	log, storage, err := openLog(ctx)
	if err != nil {
		return err
	}

	c := compactor.New(compactor.Config{
		Log:            log,
		Storage:        storage,
		TargetFileSize: targetSize,
		MinFiles:       minFiles,
		MaxFileAge:     maxAge,
	})

	start := time.Now()
	res, err := c.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("compacted %d partition(s): %d files rewritten, %d rows, took %s\n",
		res.PartitionsCompacted, res.FilesRemoved, res.RowsRewritten, time.Since(start).Round(time.Millisecond))
	return nil
}
