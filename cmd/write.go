package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/florinutz/laketx/record"
	"github.com/florinutz/laketx/writer"
)

var writeCmd = &cobra.Command{
	Use:   "write [file]",
	Short: "Commit a batch of JSON records to the table",
	Long: `Reads JSON records (one object per line) from a file or stdin and commits
them as a single batch. The whole batch becomes one table version; resubmitting
it with --batch-id is a no-op returning the original version.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWrite,
}

func init() {
	writeCmd.Flags().String("partition", "default", "partition value for the records")
	writeCmd.Flags().String("batch-id", "", "idempotency key (default: a fresh UUID)")
}

func runWrite(cmd *cobra.Command, args []string) error {
	partition, _ := cmd.Flags().GetString("partition")
	batchID, _ := cmd.Flags().GetString("batch-id")

	var in io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open %q: %w", args[0], err)
		}
		defer f.Close()
		in = f
	}

	var records []record.Record
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return fmt.Errorf("line %d is not valid JSON", len(records)+1)
		}
		r, err := record.New(append([]byte(nil), line...), partition)
		if err != nil {
			return err
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if len(records) == 0 {
		return fmt.Errorf("no records to commit")
	}

	batch, err := record.NewBatch(records)
	if err != nil {
		return err
	}
	if batchID != "" {
		batch.ID = batchID
	}

	ctx := cmd.Context()
	log, storage, err := openLog(ctx)
	if err != nil {
		return err
	}
	w := writer.New(writer.Config{
		Log:        log,
		Storage:    storage,
		Quarantine: openQuarantine(),
	})

	version, err := w.CommitBatch(ctx, batch)
	if err != nil {
		return err
	}
	fmt.Printf("committed %d records as version %d (batch %s)\n", len(records), version, batch.ID)
	return nil
}
