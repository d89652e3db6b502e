package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("STORE_HOST", "localhost")
	t.Setenv("STORE_USER", "pulse")
	t.Setenv("STORE_PASSWORD", "secret")
	t.Setenv("STORE_NAME", "pulse_test")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, "pulse-backend", cfg.ServiceName)
	assert.Equal(t, 5432, cfg.Store.Port)
	assert.True(t, cfg.Broker.UseMock)
	assert.Equal(t, "success", cfg.Broker.MockScenario)

	assert.Equal(t, 5*time.Second, cfg.SplittingWorker.PollInterval)
	assert.Equal(t, 10, cfg.SplittingWorker.BatchSize)

	assert.Equal(t, 5*time.Second, cfg.ExecutionWorker.PollInterval)
	assert.Equal(t, 10, cfg.ExecutionWorker.BatchSize)
	assert.Equal(t, 5, cfg.ExecutionWorker.ExecutorTimeoutMinutes)
	assert.Equal(t, 30, cfg.ExecutionWorker.ExecutionTimeoutMinutes)
	assert.Equal(t, 3, cfg.ExecutionWorker.MaxPlacementAttempts)

	assert.Equal(t, 60*time.Second, cfg.TimeoutMonitor.CheckInterval)
}

func TestLoadMissingEnvironment(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENVIRONMENT", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadMissingStoreFields(t *testing.T) {
	for _, key := range []string{"STORE_HOST", "STORE_USER", "STORE_PASSWORD", "STORE_NAME"} {
		t.Run(key, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(key, "")

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadRejectsUnknownMockScenario(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BROKER_MOCK_SCENARIO", "chaos")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SERVICE_NAME", "pulse-staging")
	t.Setenv("EXECUTION_WORKER_BATCH_SIZE", "25")
	t.Setenv("EXECUTION_WORKER_EXECUTOR_TIMEOUT_MINUTES", "10")
	t.Setenv("TIMEOUT_MONITOR_CHECK_INTERVAL_SECONDS", "30")
	t.Setenv("BROKER_MOCK_SCENARIO", "partial_fill")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "pulse-staging", cfg.ServiceName)
	assert.Equal(t, 25, cfg.ExecutionWorker.BatchSize)
	assert.Equal(t, 10, cfg.ExecutionWorker.ExecutorTimeoutMinutes)
	assert.Equal(t, 30*time.Second, cfg.TimeoutMonitor.CheckInterval)
	assert.Equal(t, "partial_fill", cfg.Broker.MockScenario)
}

func TestStoreDSN(t *testing.T) {
	cfg := StoreConfig{
		Host: "db.internal", Port: 5433, User: "pulse",
		Password: "secret", Name: "pulse_prod", SSLMode: "require",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=pulse password=secret dbname=pulse_prod sslmode=require",
		cfg.DSN())
}
