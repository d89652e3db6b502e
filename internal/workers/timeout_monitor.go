package workers

import (
	"context"
	"sync"
	"time"

	"github.com/pulsetrade/pulse-backend/internal/config"
	"github.com/pulsetrade/pulse-backend/internal/monitoring"
	"github.com/pulsetrade/pulse-backend/internal/orders"
	"github.com/pulsetrade/pulse-backend/pkg/observability"
)

// timeoutStore is the slice of the store the timeout monitor needs
type timeoutStore interface {
	FindTimedOutExecutions(ctx context.Context, now time.Time) ([]*orders.Execution, error)
	FinalizeTimedOutExecution(ctx context.Context, rc observability.RequestContext, executionID, executorID string) (bool, error)
}

// TimeoutMonitor recovers executions whose worker died mid-flight. The
// UNIQUE(slice_id) constraint means no worker can re-claim a timed-out
// slice until its execution is terminated here; workers never steal.
type TimeoutMonitor struct {
	store   timeoutStore
	logger  *observability.Logger
	metrics *monitoring.Metrics
	cfg     config.TimeoutMonitorConfig

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTimeoutMonitor creates a timeout monitor
func NewTimeoutMonitor(store timeoutStore, logger *observability.Logger, metrics *monitoring.Metrics, cfg config.TimeoutMonitorConfig) *TimeoutMonitor {
	return &TimeoutMonitor{
		store:    store,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
}

// Start runs the monitor loop until ctx is cancelled or Stop is called
func (m *TimeoutMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop signals the loop to exit and waits for in-flight work
func (m *TimeoutMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

func (m *TimeoutMonitor) run(ctx context.Context) {
	defer m.wg.Done()

	rc := observability.NewWorkerContext("timeout_monitor")
	m.logger.Info(rc, "Timeout monitor started", map[string]interface{}{
		"check_interval": m.cfg.CheckInterval.String(),
	})

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info(rc, "Timeout monitor stopped")
			return
		case <-m.stopChan:
			m.logger.Info(rc, "Timeout monitor stopped")
			return
		case <-ticker.C:
			m.iterate(ctx)
		}
	}
}

// iterate finds expired leases and fails over their executions
func (m *TimeoutMonitor) iterate(ctx context.Context) {
	rc := observability.NewWorkerContext("timeout_monitor")

	expired, err := m.store.FindTimedOutExecutions(ctx, time.Now().UTC())
	if err != nil {
		m.logger.Error(rc, "Failed to query timed out executions", err)
		m.metrics.WorkerError("timeout_monitor")
		return
	}
	if len(expired) == 0 {
		return
	}

	m.logger.Warn(rc, "Found timed out executions", map[string]interface{}{
		"count": len(expired),
	})

	recovered := 0
	for _, exec := range expired {
		finalized, err := m.store.FinalizeTimedOutExecution(ctx, rc, exec.ID, exec.ExecutorID)
		if err != nil {
			m.logger.Error(rc, "Failed to finalize timed out execution", err, map[string]interface{}{
				"execution_id": exec.ID,
				"executor_id":  exec.ExecutorID,
			})
			m.metrics.WorkerError("timeout_monitor")
			continue
		}
		if finalized {
			recovered++
			m.metrics.ExecutionTimeout()
			m.logger.Warn(rc, "Execution failed over after lease expiry", map[string]interface{}{
				"execution_id": exec.ID,
				"slice_id":     exec.SliceID,
				"executor_id":  exec.ExecutorID,
			})
		}
	}

	if recovered > 0 {
		m.logger.Info(rc, "Timeout monitor check completed", map[string]interface{}{
			"recovered_count": recovered,
		})
	}
}
