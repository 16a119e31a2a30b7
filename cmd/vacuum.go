package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/florinutz/laketx/vacuum"
)

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Delete expired tombstoned files and aged orphans",
	Long: `Physically deletes data files that no snapshot inside the retention window
can reference: files tombstoned longer ago than the retention period, and
unreferenced files older than the orphan grace period (typically left by a
writer that crashed between persisting a file and committing it).`,
	RunE: runVacuum,
}

func init() {
	vacuumCmd.Flags().Duration("retention", 0, "how long tombstoned files stay readable for time travel (default 72h)")
	vacuumCmd.Flags().Duration("orphan-grace", 0, "minimum age before an unreferenced file counts as an orphan (default 1h)")
	vacuumCmd.Flags().Bool("dry-run", false, "report deletions without performing them")
	vacuumCmd.Flags().Bool("record", false, "append a housekeeping commit summarizing the pass")
}

func runVacuum(cmd *cobra.Command, args []string) error {
	retention, _ := cmd.Flags().GetDuration("retention")
	grace, _ := cmd.Flags().GetDuration("orphan-grace")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	recordPass, _ := cmd.Flags().GetBool("record")

	ctx := cmd.Context()
	log, storage, err := openLog(ctx)
	if err != nil {
		return err
	}

	v := vacuum.New(vacuum.Config{
		Log:                log,
		Storage:            storage,
		Retention:          retention,
		OrphanGrace:        grace,
		DryRun:             dryRun,
		RecordHousekeeping: recordPass,
	})

	res, err := v.RunOnce(ctx)
	if err != nil {
		return err
	}

	verb := "deleted"
	if dryRun {
		verb = "would delete"
	}
	fmt.Printf("%s %d expired tombstoned file(s) and %d orphan(s)\n",
		verb, len(res.TombstonedDeleted), len(res.OrphansDeleted))
	for _, p := range res.TombstonedDeleted {
		fmt.Printf("  tombstoned  %s\n", p)
	}
	for _, p := range res.OrphansDeleted {
		fmt.Printf("  orphan      %s\n", p)
	}
	return nil
}
