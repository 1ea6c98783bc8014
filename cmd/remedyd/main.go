// Command remedyd runs the autonomous remediation pipeline daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/RemedyScan/go-core/remedy/anomaly"
	"github.com/RemedyScan/go-core/remedy/api"
	"github.com/RemedyScan/go-core/remedy/clients"
	"github.com/RemedyScan/go-core/remedy/config"
	"github.com/RemedyScan/go-core/remedy/deploy"
	"github.com/RemedyScan/go-core/remedy/ingest"
	"github.com/RemedyScan/go-core/remedy/lifecycle"
	"github.com/RemedyScan/go-core/remedy/pipeline"
	"github.com/RemedyScan/go-core/remedy/postgres"
	"github.com/RemedyScan/go-core/remedy/scoring"
	"github.com/RemedyScan/go-core/remedy/slogger"
	"github.com/RemedyScan/go-core/remedy/status"
	"github.com/RemedyScan/go-core/remedy/store"
	"github.com/RemedyScan/go-core/remedy/twin"
)

var version = "dev"

var flagConfig string

var rootCmd = &cobra.Command{
	Use:   "remedyd",
	Short: "Autonomous vulnerability remediation pipeline",
	Long: `remedyd ingests scanner findings, scores and deduplicates them into
vulnerability records, generates and tests patch candidates against digital
twin environments, and deploys approved patches with staged rollout and
automatic rollback.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline daemon",
	RunE:  runDaemon,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		if err := postgres.Init(cfg.Store.PostgresDSN); err != nil {
			return err
		}
		fmt.Println("schema up to date")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the remedyd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("remedyd", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to YAML config file")
	rootCmd.AddCommand(runCmd, migrateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	slogger.Init("remedyd")

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	if err := postgres.Init(cfg.Store.PostgresDSN); err != nil {
		return err
	}
	recordStore := postgres.NewRecordStore(postgres.GetDB())

	scorer := scoring.New(cfg.Scoring)
	ingestor := ingest.New(recordStore, scorer)
	lc := lifecycle.NewManager(recordStore, cfg.Lifecycle)
	gate := twin.NewGate(clients.NewTwin(cfg.Agents), cfg.Twin)
	orch := deploy.NewOrchestrator(recordStore, clients.NewDeploy(cfg.Agents), cfg.Deploy)
	monitor := anomaly.NewMonitor(clients.NewTelemetry(cfg.Agents), cfg.Anomaly)
	generator := clients.NewGenerator(cfg.Agents)

	engine := pipeline.NewEngine(cfg, recordStore, ingestor, lc, gate, orch, monitor, generator, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Posture snapshots are best-effort: the pipeline runs fine without the
	// cache, operators just lose the trend view.
	var statusMgr *status.Manager
	kv, err := store.NewValkeyStore(cfg.Store.ValkeyAddr)
	if err != nil {
		slog.Warn("Valkey unavailable, posture snapshots disabled", "error", err)
	} else {
		defer kv.Close()
		statusMgr = status.NewManager(recordStore, kv)
		go snapshotLoop(ctx, statusMgr)
	}

	srv := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: api.NewServer(recordStore, ingestor, lc, orch, engine, statusMgr).Router(),
	}
	go func() {
		slog.Info("Operator API listening", "addr", cfg.API.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server failed", "error", err)
		}
	}()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	slog.Info("remedyd starting", "version", version)
	return engine.Run(ctx)
}

// snapshotLoop records a posture snapshot every five minutes.
func snapshotLoop(ctx context.Context, mgr *status.Manager) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := mgr.CreateSnapshot(ctx, ""); err != nil {
				slog.Warn("Posture snapshot failed", "error", err)
			}
		}
	}
}
