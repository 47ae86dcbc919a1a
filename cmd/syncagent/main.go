// Command syncagent is the sync agent's single binary: it re-execs
// itself under three modes so the supervisor, the worker (control
// channel + sync engine), and the large-table worker are each a
// genuinely separate OS process, without pulling in a second compiled
// artifact.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/resplendentdata/syncagent/internal/adapter"
	"github.com/resplendentdata/syncagent/internal/agentconfig"
	"github.com/resplendentdata/syncagent/internal/bigtable"
	"github.com/resplendentdata/syncagent/internal/control"
	"github.com/resplendentdata/syncagent/internal/logging"
	"github.com/resplendentdata/syncagent/internal/statestore"
	"github.com/resplendentdata/syncagent/internal/supervisor"
	"github.com/resplendentdata/syncagent/internal/syncengine"
)

// workerHeartbeatInterval is how often the worker process pings the
// supervisor's liveness pipe — comfortably under the 120s watchdog even
// if a sync cycle runs long.
const workerHeartbeatInterval = 20 * time.Second

func main() {
	worker := flag.Bool("worker", false, "run as the control-channel + sync-engine worker process")
	bigtableWorker := flag.Bool("bigtable-worker", false, "run as a large-table worker process")
	bigtableConfig := flag.String("config", "", "path to a bigtable.JobConfig file (only with -bigtable-worker)")
	baseDir := flag.String("base-dir", ".", "agent working directory (holds sync_agent_configs/, sync_info.db)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case *bigtableWorker:
		err = runBigtableWorker(ctx, *bigtableConfig)
	case *worker:
		err = runWorker(ctx, *baseDir)
	default:
		err = runSupervisor(ctx, *baseDir)
	}
	if err != nil {
		logging.Log("syncagent: fatal:", err)
		os.Exit(1)
	}
}

func registerDialects(reg *adapter.Registry) {
	reg.Register(adapter.NewMySQLDialect())
	reg.Register(adapter.NewPostgresDialect())
	reg.Register(adapter.NewMSSQLDialect())
}

func statePath(baseDir string) string {
	return filepath.Join(baseDir, "sync_info.db")
}

func executablePath() string {
	if p, err := os.Executable(); err == nil {
		return p
	}
	return os.Args[0]
}

// runSupervisor is the default mode: launch and watch the worker
// subprocess.
func runSupervisor(ctx context.Context, baseDir string) error {
	if _, err := agentconfig.Bootstrap(baseDir); err != nil {
		return fmt.Errorf("syncagent: bootstrap config: %w", err)
	}

	store, err := statestore.New(statePath(baseDir))
	if err != nil {
		return fmt.Errorf("syncagent: open state store: %w", err)
	}

	binary := executablePath()
	sv := supervisor.New(func() *exec.Cmd {
		cmd := exec.Command(binary, "--worker", "--base-dir", baseDir)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd
	}, store)

	logging.Log("syncagent: supervisor starting worker subprocess")
	return sv.Run(ctx)
}

// runWorker runs the control channel and sync engine in this process.
// It returns once ctx is canceled or a config-file change ends the worker
// (see the Watch callback below).
func runWorker(ctx context.Context, baseDir string) error {
	cfg, err := agentconfig.Load(baseDir)
	if err != nil {
		return fmt.Errorf("syncagent: load config: %w", err)
	}

	store, err := statestore.New(statePath(baseDir))
	if err != nil {
		return fmt.Errorf("syncagent: open state store: %w", err)
	}

	registry := adapter.NewRegistry()
	registerDialects(registry)

	client := control.NewClient(cfg.ControlURL, cfg.Agent.UUID, cfg.Agent.Key, store)

	// The launcher needs the engine to look up the source/table it's
	// asked to export, and the engine needs the launcher at construction
	// time — built in two steps to break the cycle.
	engine := syncengine.NewEngine(cfg.Agent.UUID, registry, store, client, client, nil)
	engine.LaunchBig = newBigTableLauncher(engine, baseDir, cfg, client, store)

	handlers := &control.Handlers{
		MasterKey: cfg.Agent.DBKey,
		Registry:  registry,
		Engine:    engine,
		Store:     store,
	}
	handlers.RegisterAll(client)

	// A config-file edit from the operator dashboard can't be applied to
	// the already-constructed Client/Engine in place, so a reload just
	// ends this process cleanly: the supervisor's exited() check relaunches
	// it immediately, picking up the new config on the next agentconfig.Load.
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	if err := agentconfig.Watch(workerCtx, baseDir, func(*agentconfig.Config) {
		logging.Log("syncagent: config file changed, restarting worker to apply it")
		cancelWorker()
	}); err != nil {
		logging.Error("syncagent: watch config files", err)
	}

	go heartbeatToSupervisor(workerCtx)
	go engine.Run(workerCtx)

	logging.Log("syncagent: worker connecting to", cfg.ControlURL)
	client.Run(workerCtx)
	return nil
}

func heartbeatToSupervisor(ctx context.Context) {
	supervisor.Heartbeat()
	ticker := time.NewTicker(workerHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			supervisor.Heartbeat()
		}
	}
}

// newBigTableLauncher returns the syncengine.LargeTableLauncher that
// re-execs this binary as a --bigtable-worker child: the
// child gets a config file rather than inherited in-process state, since
// it is a genuinely separate OS process. The child is fire-and-forget
// from the worker's point of view — its own heartbeats and
// SetCheckedForDeletedRows/watermark writes in sync_info.db are how the
// rest of the system observes its progress.
func newBigTableLauncher(engine *syncengine.Engine, baseDir string, cfg *agentconfig.Config, client *control.Client, store *statestore.Store) syncengine.LargeTableLauncher {
	binary := executablePath()
	return func(sourceUUID, tableUUID string) {
		src, ok := engine.GetSource(sourceUUID)
		if !ok {
			logging.Log("syncagent: bigtable launch requested for unknown source", sourceUUID)
			return
		}
		t, ok := engine.GetTable(tableUUID)
		if !ok {
			logging.Log("syncagent: bigtable launch requested for unknown table", tableUUID)
			return
		}

		job := bigtable.JobConfig{
			Config: bigtable.Config{
				AgentUUID: cfg.Agent.UUID,
				IngestURL: cfg.IngestURL,
				Token:     client.Token(),
			},
			Source:         *src,
			Table:          *t,
			StateStorePath: statePath(baseDir),
		}

		path, err := bigtable.WriteJobConfig(os.TempDir(), job)
		if err != nil {
			logging.Error("syncagent: write bigtable job config", err)
			return
		}

		cmd := exec.Command(binary, "--bigtable-worker", "--config", path)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			logging.Error("syncagent: start bigtable worker", err)
			os.Remove(path)
			return
		}

		logging.Log("syncagent: launched bigtable worker for table", tableUUID, "pid", cmd.Process.Pid)
		go func() {
			if err := cmd.Wait(); err != nil {
				logging.Error("syncagent: bigtable worker for table "+tableUUID, err)
			}
			os.Remove(path)
		}()
	}
}

// runBigtableWorker runs one large-table export to completion, then
// exits. It is always launched by newBigTableLauncher above, never
// directly by a user.
func runBigtableWorker(ctx context.Context, configPath string) error {
	if configPath == "" {
		return fmt.Errorf("syncagent: --bigtable-worker requires --config")
	}
	job, err := bigtable.ReadJobConfig(configPath)
	if err != nil {
		return err
	}

	store, err := statestore.New(job.StateStorePath)
	if err != nil {
		return fmt.Errorf("syncagent: open state store: %w", err)
	}

	registry := adapter.NewRegistry()
	registerDialects(registry)

	dialect, err := registry.Get(job.Source.EngineType)
	if err != nil {
		return fmt.Errorf("syncagent: bigtable worker: %w", err)
	}

	src := job.Source
	if err := dialect.RefreshConn(ctx, &src); err != nil {
		return fmt.Errorf("syncagent: bigtable worker: refresh connection: %w", err)
	}

	table := job.Table
	logging.Log("syncagent: bigtable worker starting for table", table.UUID)
	if err := bigtable.Run(ctx, job.Config, dialect, &src, &table, store); err != nil {
		return fmt.Errorf("syncagent: bigtable worker: %w", err)
	}

	if err := store.WorkerFinished(table.UUID); err != nil {
		logging.Error("syncagent: bigtable worker: record completion", err)
	}
	logging.Log("syncagent: bigtable worker finished for table", table.UUID)
	return nil
}
