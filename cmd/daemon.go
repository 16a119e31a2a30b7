package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/florinutz/laketx"
	"github.com/florinutz/laketx/health"
	"github.com/florinutz/laketx/record"
	"github.com/florinutz/laketx/tablelog"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run writer, compactor, and vacuum continuously",
	Long: `Starts the full table daemon: a writer consuming batches from NATS
JetStream, plus background compaction and vacuum. A shared HTTP server
exposes Prometheus metrics, health checks, and the latest snapshot.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().String("addr", ":8080", "HTTP server address for metrics + health")
	daemonCmd.Flags().String("nats-url", "", "NATS server URL (default: nats_url from config)")
	daemonCmd.Flags().String("nats-stream", "events", "JetStream stream to consume")
	daemonCmd.Flags().String("nats-consumer", "laketx-writer", "durable consumer name")
	daemonCmd.Flags().String("nats-creds", "", "NATS credentials file")
	daemonCmd.Flags().Duration("compact-interval", time.Minute, "compaction scan interval")
	daemonCmd.Flags().Duration("vacuum-interval", time.Hour, "vacuum scan interval")
	mustBindPFlag("nats_url", daemonCmd.Flags().Lookup("nats-url"))
	mustBindPFlag("nats_stream", daemonCmd.Flags().Lookup("nats-stream"))
}

func runDaemon(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	consumer, _ := cmd.Flags().GetString("nats-consumer")
	credFile, _ := cmd.Flags().GetString("nats-creds")
	compactInterval, _ := cmd.Flags().GetDuration("compact-interval")
	vacuumInterval, _ := cmd.Flags().GetDuration("vacuum-interval")

	natsURL := viper.GetString("nats_url")
	if natsURL == "" {
		return fmt.Errorf("no NATS source configured (use --nats-url or LAKETX_NATS_URL)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tableRoot := viper.GetString("table")
	storage, err := openStorage(ctx, tableRoot)
	if err != nil {
		return err
	}
	coord, err := openLock(ctx, viper.GetString("lock"))
	if err != nil {
		return err
	}

	logger := slog.Default()
	source := record.NewNATSSource(natsURL, viper.GetString("nats_stream"), consumer, credFile, logger)
	if err := source.Connect(ctx); err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer source.Close()

	d := laketx.NewDaemon(tableRoot, storage, coord, source,
		laketx.WithLogger(logger),
		laketx.WithQuarantine(openQuarantine()),
		laketx.WithCompactionInterval(compactInterval),
		laketx.WithVacuumInterval(vacuumInterval),
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gCtx) })

	ready := health.NewReadinessChecker()
	ready.SetReady(true)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", d.Health().ServeHTTP)
	r.Get("/readyz", ready.ServeHTTP)
	r.Get("/snapshot", snapshotHandler(d.Log()))

	httpServer := &http.Server{Addr: addr, Handler: r}
	g.Go(func() error {
		logger.Info("http server started", "addr", addr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")
		ready.SetReady(false)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// snapshotHandler serves a summary of the latest table snapshot.
func snapshotHandler(log *tablelog.Log) http.HandlerFunc {
	type fileInfo struct {
		Path      string `json:"path"`
		SizeBytes int64  `json:"sizeBytes"`
		RowCount  int64  `json:"rowCount"`
	}
	type summary struct {
		Version     int64      `json:"version"`
		Timestamp   string     `json:"timestamp"`
		RowCount    int64      `json:"rowCount"`
		ActiveFiles []fileInfo `json:"activeFiles"`
		Tombstones  int        `json:"tombstones"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		snap, err := log.ReadSnapshot(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := summary{
			Version:    snap.Version,
			Timestamp:  snap.Timestamp.UTC().Format(time.RFC3339Nano),
			RowCount:   snap.RowCount(),
			Tombstones: len(snap.Tombstones),
		}
		for _, f := range snap.ActiveFiles {
			out.ActiveFiles = append(out.ActiveFiles, fileInfo{Path: f.Path, SizeBytes: f.SizeBytes, RowCount: f.RowCount})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}
