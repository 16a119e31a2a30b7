package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/florinutz/laketx/tracing"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "laketx",
	Short: "Transactional log-structured tables on blob storage",
	Long: `laketx maintains versioned parquet tables on blob storage (local disk or
S3) through an append-only transaction log. Concurrent writers commit through
optimistic concurrency with lease-based locking; background compaction and
vacuum keep the file layout and storage footprint healthy.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger()
	},
	SilenceUsage: true,
}

// Execute is called by main.go and is the entry point for the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./laketx.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text, json")
	rootCmd.PersistentFlags().String("table", "", "table root path (local dir or s3://bucket/prefix)")
	rootCmd.PersistentFlags().String("lock", "memory", "lock coordinator: memory, redis://..., postgres://...")

	mustBindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	mustBindPFlag("table", rootCmd.PersistentFlags().Lookup("table"))
	mustBindPFlag("lock", rootCmd.PersistentFlags().Lookup("lock"))

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(vacuumCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("laketx")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("LAKETX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if cfgFile != "" {
				fmt.Fprintf(os.Stderr, "Warning: could not read config file: %v\n", err)
			}
		}
	}
}

func setupLogger() error {
	level := viper.GetString("log_level")
	format := viper.GetString("log_format")

	var slogLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return fmt.Errorf("unknown log level: %q (expected debug, info, warn, error)", level)
	}

	opts := &slog.HandlerOptions{Level: slogLevel}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unknown log format: %q (expected text, json)", format)
	}

	slog.SetDefault(slog.New(tracing.NewHandler(handler)))
	return nil
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("viper.BindPFlag(%q): %v", key, err))
	}
}
