package workers

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrade/pulse-backend/internal/config"
	"github.com/pulsetrade/pulse-backend/internal/orders"
)

func newTestMonitor(store *fakeStore) *TimeoutMonitor {
	return NewTimeoutMonitor(store, testLogger(), testMetrics(), config.TimeoutMonitorConfig{
		CheckInterval: time.Millisecond,
	})
}

func expiredExecution(store *fakeStore, filled int, avg string) *orders.Execution {
	now := time.Now().UTC()
	slice := &orders.OrderSlice{
		ID:       orders.GenerateSliceID(),
		OrderID:  orders.GenerateOrderID(),
		Quantity: 100,
		Status:   orders.SliceStatusExecuting,
	}
	exec := &orders.Execution{
		ID:                orders.GenerateExecutionID(),
		SliceID:           slice.ID,
		AttemptID:         orders.GenerateAttemptID(),
		ExecutorID:        "dead-worker",
		ExecutorClaimedAt: now.Add(-10 * time.Minute),
		ExecutorTimeoutAt: now.Add(-5 * time.Minute),
		LastHeartbeatAt:   now.Add(-10 * time.Minute),
		ExecutionStatus:   orders.ExecutionStatusPlaced,
		FilledQuantity:    filled,
	}
	if avg != "" {
		exec.AveragePrice = decimal.NewNullDecimal(decimal.RequireFromString(avg))
	}
	store.slices[slice.ID] = slice
	store.executions[exec.ID] = exec
	store.timedOut = append(store.timedOut, exec)
	return exec
}

func TestTimeoutMonitorFailsOverExpiredExecution(t *testing.T) {
	store := newFakeStore()
	exec := expiredExecution(store, 40, "1250.00")
	monitor := newTestMonitor(store)

	monitor.iterate(context.Background())

	assert.Equal(t, orders.ExecutionStatusCompleted, exec.ExecutionStatus)
	assert.Equal(t, orders.ResultExecutorTimeout, exec.ExecutionResult)
	assert.Equal(t, "EXECUTOR_TIMEOUT", exec.ErrorCode)
	assert.Contains(t, exec.ErrorMessage, "dead-worker")

	// The slice completes with the partial fill copied over.
	slice := store.slices[exec.SliceID]
	require.NotNil(t, slice)
	assert.Equal(t, orders.SliceStatusCompleted, slice.Status)
	assert.Equal(t, 40, slice.FilledQuantity)
	assert.True(t, slice.AveragePrice.Valid)
}

func TestTimeoutMonitorRunTwiceFinalizesOnce(t *testing.T) {
	store := newFakeStore()
	expiredExecution(store, 0, "")
	monitor := newTestMonitor(store)

	monitor.iterate(context.Background())
	monitor.iterate(context.Background())

	assert.Len(t, store.finalizedTimeouts, 1)
}

func TestTimeoutMonitorIgnoresLiveLeases(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	live := &orders.Execution{
		ID:                orders.GenerateExecutionID(),
		SliceID:           orders.GenerateSliceID(),
		ExecutorID:        "alive-worker",
		ExecutorTimeoutAt: now.Add(5 * time.Minute),
		ExecutionStatus:   orders.ExecutionStatusPlaced,
	}
	store.timedOut = append(store.timedOut, live)
	monitor := newTestMonitor(store)

	monitor.iterate(context.Background())

	assert.Equal(t, orders.ExecutionStatusPlaced, live.ExecutionStatus)
	assert.Empty(t, store.finalizedTimeouts)
}
