package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/bus"
	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/internal/sched"
	"github.com/ShayCichocki/conductor/internal/store"
	"github.com/ShayCichocki/conductor/internal/task"
	"github.com/ShayCichocki/conductor/pkg/logger"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var runWithEchoAgent bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestration core",
	Long: `Start the orchestration core: the event bus, the task manager
(rehydrated from the store), the worker pool, and the scheduler. Runs
until interrupted, then shuts the components down in reverse order.`,
	RunE: runCore,
}

func init() {
	runCmd.Flags().BoolVar(&runWithEchoAgent, "with-echo-agent", false,
		"Register a built-in echo agent (returns its payload unchanged)")
}

func runCore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	st, err := openStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	mgr := task.NewManager(st, log.Named("task"))
	if err := mgr.Load(); err != nil {
		return fmt.Errorf("load task state: %w", err)
	}

	b := bus.New(cfg.Bus.Capacity, log.Named("bus"))
	b.Start()

	orch := orchestrator.New(mgr, b, orchestrator.Config{
		Workers:      cfg.Orchestrator.Workers,
		QueueSize:    cfg.Orchestrator.QueueSize,
		AgentTimeout: cfg.Orchestrator.AgentTimeout,
	}, log.Named("orchestrator"))

	if runWithEchoAgent {
		orch.Register("echo", orchestrator.AgentFunc(
			func(_ context.Context, payload []byte) ([]byte, error) {
				return payload, nil
			}))
	}

	scheduler := sched.New(mgr, orch, b, cfg.Scheduler.DrainInterval, log.Named("sched"))
	scheduler.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go dispatchLoop(ctx, mgr, orch, log)
	if cfg.Store.CleanupAge > 0 && cfg.Store.CleanupInterval > 0 {
		go cleanupLoop(ctx, mgr, cfg.Store.CleanupAge, cfg.Store.CleanupInterval, log)
	}

	log.Info("conductor running",
		zap.String("store", cfg.Store.Path),
		zap.Int("workers", cfg.Orchestrator.Workers))

	<-ctx.Done()
	log.Info("shutting down")

	scheduler.Stop()
	orch.Shutdown(true)
	b.Stop()
	return nil
}

// dispatchLoop pumps ready tasks from the manager's priority queues into
// the worker pool. A task the pool rejects is marked failed, which
// re-enqueues it through the manager's retry policy until its budget is
// spent.
func dispatchLoop(ctx context.Context, mgr *task.Manager, orch *orchestrator.Orchestrator, log *zap.Logger) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			t, err := mgr.NextReady()
			if err != nil {
				log.Error("dequeue failed", zap.Error(err))
				break
			}
			if t == nil {
				break
			}

			if err := orch.Submit(t); err != nil {
				log.Warn("dispatch rejected",
					zap.String("task_id", t.ID), zap.Error(err))
				if uerr := mgr.UpdateState(t.ID, models.TaskStateFailed, err.Error()); uerr != nil {
					log.Error("failure transition failed",
						zap.String("task_id", t.ID), zap.Error(uerr))
				}
				break
			}
		}
	}
}

// cleanupLoop periodically removes old terminal tasks.
func cleanupLoop(ctx context.Context, mgr *task.Manager, age, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := mgr.Cleanup(time.Now().Add(-age)); err != nil {
				log.Error("cleanup failed", zap.Error(err))
			}
		}
	}
}

// loadConfig honors the --config flag, falling back to discovery.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// openStore selects the backend from the configured path.
func openStore(path string) (store.Store, error) {
	if path == ":memory:" {
		return store.NewMemory(), nil
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return db, nil
}
