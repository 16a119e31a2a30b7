package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/florinutz/laketx/table"
	"github.com/florinutz/laketx/tablelog"
)

const starterConfig = `# laketx configuration
table: ./mytable          # table root: local dir or s3://bucket/prefix
lock: memory              # memory, redis://host:6379, or postgres://...

log_level: info           # debug, info, warn, error
log_format: text          # text, json

# s3_endpoint: http://localhost:9000   # MinIO and friends
# s3_region: us-east-1
# s3_access_key_id: ...
# s3_secret_access_key: ...

# quarantine_db: postgres://...        # default: JSON lines on stderr

# nats_url: nats://localhost:4222      # daemon ingest source
# nats_stream: events
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config and optionally create a table",
	Long: `Writes a starter laketx.yaml to the current directory. With --schema, also
creates the table by committing the schema as version 0.

Schema file format:

  fields:
    - {name: user_id, type: string, required: true}
    - {name: amount, type: double, required: true}
    - {name: note, type: string}
`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().String("schema", "", "YAML schema file to commit as table version 0")
	initCmd.Flags().Bool("force", false, "overwrite an existing laketx.yaml")
}

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	schemaFile, _ := cmd.Flags().GetString("schema")

	if _, err := os.Stat("laketx.yaml"); err == nil && !force {
		fmt.Println("laketx.yaml already exists (use --force to overwrite)")
	} else {
		if err := os.WriteFile("laketx.yaml", []byte(starterConfig), 0o644); err != nil {
			return fmt.Errorf("write laketx.yaml: %w", err)
		}
		fmt.Println("wrote laketx.yaml")
	}

	if schemaFile == "" {
		return nil
	}

	data, err := os.ReadFile(schemaFile)
	if err != nil {
		return fmt.Errorf("read schema %q: %w", schemaFile, err)
	}
	var schema table.Schema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return fmt.Errorf("parse schema %q: %w", schemaFile, err)
	}
	if len(schema.Fields) == 0 {
		return fmt.Errorf("schema %q declares no fields", schemaFile)
	}

	ctx := cmd.Context()
	log, _, err := openLog(ctx)
	if err != nil {
		return err
	}

	snap, err := log.ReadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("read table: %w", err)
	}
	if snap.Version >= 0 {
		return fmt.Errorf("table already initialized at version %d", snap.Version)
	}

	version, err := log.ProposeCommit(ctx, tablelog.Proposal{SchemaDelta: &schema})
	if err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	fmt.Printf("table created at version %d with %d fields\n", version, len(schema.Fields))
	return nil
}
