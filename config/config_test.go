package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodeflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithEnv("", noEnv)
	require.NoError(t, err)

	assert.Equal(t, ".nodeflow", cfg.DataDir)
	assert.Equal(t, "file", cfg.ObjectStore.Backend)
	assert.Equal(t, filepath.Join(".nodeflow", "objects"), cfg.ObjectStore.Dir)
	assert.Equal(t, "sqlite", cfg.Ledger.Backend)
	assert.Equal(t, filepath.Join(".nodeflow", "steps.db"), cfg.Ledger.Path)
	assert.Equal(t, filepath.Join(".nodeflow", "runs"), cfg.CheckpointDir)
	assert.Equal(t, filepath.Join(".nodeflow", "logs"), cfg.NodeLogDir)
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 120, cfg.Poll.MaxAttempts)
	assert.Equal(t, 4, cfg.MaxConcurrentRuns)
	assert.False(t, cfg.RetainStepRecords)
}

func TestLoadFileMergesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/nodeflow
ledger:
  backend: badger
log:
  format: json
poll:
  interval: 2s
retain_step_records: true
`)
	cfg, err := LoadWithEnv(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/nodeflow", cfg.DataDir)
	assert.Equal(t, "badger", cfg.Ledger.Backend)
	assert.Equal(t, filepath.Join("/var/lib/nodeflow", "steps"), cfg.Ledger.Path)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 120, cfg.Poll.MaxAttempts)
	assert.Equal(t, "file", cfg.ObjectStore.Backend)
	assert.True(t, cfg.RetainStepRecords)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "ledger: {backend: badger}\n")
	env := map[string]string{
		"NODEFLOW_LEDGER_BACKEND":       "memory",
		"NODEFLOW_OBJECT_STORE_BACKEND": "memory",
		"NODEFLOW_DATA_DIR":             "/tmp/nf",
		"NODEFLOW_POLL_INTERVAL":        "250ms",
		"NODEFLOW_MAX_CONCURRENT_RUNS":  "9",
		"NODEFLOW_RETAIN_STEP_RECORDS":  "true",
		"NODEFLOW_LOG_LEVEL":            "debug",
	}
	lookup := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
	cfg, err := LoadWithEnv(path, lookup)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Equal(t, "memory", cfg.ObjectStore.Backend)
	assert.Equal(t, "/tmp/nf", cfg.DataDir)
	assert.Equal(t, 250*time.Millisecond, cfg.Poll.Interval)
	assert.Equal(t, 9, cfg.MaxConcurrentRuns)
	assert.True(t, cfg.RetainStepRecords)
	assert.Equal(t, "debug", cfg.Log.Level)

	env["NODEFLOW_POLL_INTERVAL"] = "soon"
	_, err = LoadWithEnv(path, lookup)
	require.ErrorContains(t, err, "NODEFLOW_POLL_INTERVAL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		config string
		err    string
	}{
		{name: "unknown object store", config: "object_store: {backend: s3}", err: `object_store.backend: unknown value "s3"`},
		{name: "unknown ledger", config: "ledger: {backend: redis}", err: `ledger.backend: unknown value "redis"`},
		{name: "postgres needs dsn", config: "ledger: {backend: postgres}", err: "ledger.dsn is required"},
		{name: "unknown log format", config: "log: {format: xml}", err: "log.format"},
		{name: "unknown key", config: "ledgr: {backend: memory}", err: "ledgr"},
		{name: "negative attempts", config: "poll: {max_attempts: -1}", err: "poll.max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithEnv(writeConfig(t, tt.config), noEnv)
			require.ErrorContains(t, err, tt.err)
		})
	}
}

func TestOpen(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite", "badger"} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			env := map[string]string{
				"NODEFLOW_DATA_DIR":             dir,
				"NODEFLOW_LEDGER_BACKEND":       backend,
				"NODEFLOW_OBJECT_STORE_BACKEND": map[string]string{"memory": "memory", "sqlite": "file", "badger": "badger"}[backend],
			}
			cfg, err := LoadWithEnv("", func(name string) (string, bool) {
				v, ok := env[name]
				return v, ok
			})
			require.NoError(t, err)

			var logs bytes.Buffer
			rt, err := Open(context.Background(), cfg, &logs)
			require.NoError(t, err)
			defer rt.Close()

			require.NotNil(t, rt.Executor)
			require.Contains(t, rt.Registry.Types(), "prediction")

			ref, err := rt.Store.Put(context.Background(), []byte("hello"), "text/plain")
			require.NoError(t, err)
			data, err := rt.Store.Get(context.Background(), ref)
			require.NoError(t, err)
			require.Equal(t, []byte("hello"), data)
		})
	}
}
