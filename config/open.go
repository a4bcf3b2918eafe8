package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/deepnoodle-ai/nodeflow"
	"github.com/deepnoodle-ai/nodeflow/durable"
	"github.com/deepnoodle-ai/nodeflow/nodes"
	"github.com/deepnoodle-ai/nodeflow/objectstore"
)

// Runtime holds the components built from a Config.
type Runtime struct {
	Config       *Config
	Logger       *slog.Logger
	Store        objectstore.Store
	Ledger       durable.Ledger
	Checkpointer *nodeflow.FileCheckpointer
	NodeLogger   *nodeflow.FileNodeLogger
	Registry     *nodeflow.Registry
	Executor     *nodeflow.Executor

	closers []io.Closer
}

// Close releases the stores opened by Open.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i].Close())
	}
	return errors.Join(errs...)
}

// NewLogger builds the configured logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return nodeflow.NewLoggerWithLevel(w, level)
}

// NodeOptions returns the options for the built-in nodes.
func (c *Config) NodeOptions() nodes.Options {
	return nodes.Options{
		HTTPClient: http.DefaultClient,
		Prediction: nodes.PredictionOptions{
			BaseURL: c.Prediction.BaseURL,
			Poll: durable.PollOptions{
				Interval:    c.Poll.Interval,
				MaxAttempts: c.Poll.MaxAttempts,
			},
		},
	}
}

// Open builds the object store, ledger, checkpointer, node log, registry of
// built-in nodes and executor described by the configuration. Logs go to
// logOutput.
func Open(ctx context.Context, cfg *Config, logOutput io.Writer) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: cfg.NewLogger(logOutput)}
	if err := rt.open(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) open(ctx context.Context) error {
	cfg := rt.Config
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	switch cfg.ObjectStore.Backend {
	case "memory":
		rt.Store = objectstore.NewMemoryStore()
	case "file":
		store, err := objectstore.NewFileStore(cfg.ObjectStore.Dir)
		if err != nil {
			return err
		}
		rt.Store = store
	case "badger":
		store, err := objectstore.OpenBadgerStore(cfg.ObjectStore.Dir)
		if err != nil {
			return err
		}
		rt.Store = store
		rt.closers = append(rt.closers, store)
	}

	switch cfg.Ledger.Backend {
	case "memory":
		rt.Ledger = durable.NewMemoryLedger()
	case "sqlite":
		ledger, err := durable.OpenSQLiteLedger(cfg.Ledger.Path)
		if err != nil {
			return err
		}
		rt.Ledger = ledger
		rt.closers = append(rt.closers, ledger)
	case "badger":
		ledger, err := durable.OpenBadgerLedger(cfg.Ledger.Path)
		if err != nil {
			return err
		}
		rt.Ledger = ledger
		rt.closers = append(rt.closers, ledger)
	case "postgres":
		ledger, err := durable.OpenPostgresLedger(ctx, durable.PostgresOptions{DSN: cfg.Ledger.DSN, Table: cfg.Ledger.Table})
		if err != nil {
			return err
		}
		rt.Ledger = ledger
		rt.closers = append(rt.closers, ledger)
	}

	checkpointer, err := nodeflow.NewFileCheckpointer(cfg.CheckpointDir)
	if err != nil {
		return err
	}
	rt.Checkpointer = checkpointer
	rt.NodeLogger = nodeflow.NewFileNodeLogger(cfg.NodeLogDir)

	rt.Registry = nodeflow.NewRegistry()
	rt.Registry.SetLogger(rt.Logger)
	if err := nodes.Register(rt.Registry, cfg.NodeOptions()); err != nil {
		return err
	}

	executor, err := nodeflow.NewExecutor(nodeflow.ExecutorOptions{
		Registry:          rt.Registry,
		Store:             rt.Store,
		Ledger:            rt.Ledger,
		Checkpointer:      rt.Checkpointer,
		NodeLogger:        rt.NodeLogger,
		Env:               nodeflow.OSEnvironment{Prefix: cfg.SecretPrefix},
		Logger:            rt.Logger,
		InlineSleep:       cfg.InlineSleep,
		RetainStepRecords: cfg.RetainStepRecords,
	})
	if err != nil {
		return err
	}
	rt.Executor = executor
	return nil
}
