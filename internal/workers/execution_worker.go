package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pulsetrade/pulse-backend/internal/broker"
	"github.com/pulsetrade/pulse-backend/internal/config"
	"github.com/pulsetrade/pulse-backend/internal/monitoring"
	"github.com/pulsetrade/pulse-backend/internal/orders"
	"github.com/pulsetrade/pulse-backend/pkg/observability"
)

// executionStore is the slice of the store the execution worker needs
type executionStore interface {
	ClaimDueSlices(ctx context.Context, rc observability.RequestContext, executorID string, lease time.Duration, batchSize int) ([]*orders.ClaimedSlice, error)
	GetExecution(ctx context.Context, executionID string) (*orders.Execution, error)
	Heartbeat(ctx context.Context, executionID string, lease time.Duration) error
	UpdateExecution(ctx context.Context, rc observability.RequestContext, executionID string, status orders.ExecutionStatus, upd orders.ExecutionUpdate) error
	UpdateSlice(ctx context.Context, rc observability.RequestContext, sliceID string, status orders.SliceStatus, filledQuantity *int, averagePrice *decimal.Decimal) error
	NextEventSequence(ctx context.Context, executionID string) (int, error)
	RecordBrokerEvent(ctx context.Context, rc observability.RequestContext, event *orders.BrokerEvent) error
}

// ExecutionWorker drives due slices from PENDING to COMPLETED exactly once
// across a fleet of workers. Ownership of a slice is a lease on its
// execution row; the worker re-verifies the lease before every broker call
// and silently abandons the slice when the lease is lost.
type ExecutionWorker struct {
	store      executionStore
	broker     broker.Adapter
	logger     *observability.Logger
	metrics    *monitoring.Metrics
	cfg        config.ExecutionWorkerConfig
	executorID string

	// retryDelay separates placement retries; overridden in tests.
	retryDelay time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewExecutionWorker creates an execution worker. workerIndex distinguishes
// workers within one process.
func NewExecutionWorker(store executionStore, brokerClient broker.Adapter, logger *observability.Logger, metrics *monitoring.Metrics, cfg config.ExecutionWorkerConfig, workerIndex int) *ExecutionWorker {
	return &ExecutionWorker{
		store:      store,
		broker:     brokerClient,
		logger:     logger,
		metrics:    metrics,
		cfg:        cfg,
		executorID: generateExecutorID(workerIndex),
		retryDelay: 5 * time.Second,
		stopChan:   make(chan struct{}),
	}
}

// generateExecutorID builds a stable executor identity from the pod name
// when running under an orchestrator, with a random fallback for local runs.
func generateExecutorID(workerIndex int) string {
	if podName := os.Getenv("POD_NAME"); podName != "" {
		return fmt.Sprintf("%s-worker-%d", podName, workerIndex)
	}
	return "exec-worker-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ExecutorID returns the identity this worker claims executions with
func (w *ExecutionWorker) ExecutorID() string {
	return w.executorID
}

// Start runs the worker loop until ctx is cancelled or Stop is called
func (w *ExecutionWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the loop to exit and waits for in-flight work
func (w *ExecutionWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
}

func (w *ExecutionWorker) run(ctx context.Context) {
	defer w.wg.Done()

	rc := observability.NewWorkerContext("execution_worker")
	w.logger.Info(rc, "Execution worker started", map[string]interface{}{
		"executor_id":               w.executorID,
		"poll_interval":             w.cfg.PollInterval.String(),
		"batch_size":                w.cfg.BatchSize,
		"executor_timeout_minutes":  w.cfg.ExecutorTimeoutMinutes,
		"execution_timeout_minutes": w.cfg.ExecutionTimeoutMinutes,
		"max_placement_attempts":    w.cfg.MaxPlacementAttempts,
	})

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(rc, "Execution worker stopped", map[string]interface{}{"executor_id": w.executorID})
			return
		case <-w.stopChan:
			w.logger.Info(rc, "Execution worker stopped", map[string]interface{}{"executor_id": w.executorID})
			return
		case <-ticker.C:
			w.iterate(ctx)
		}
	}
}

// lease is the executor ownership duration
func (w *ExecutionWorker) lease() time.Duration {
	return time.Duration(w.cfg.ExecutorTimeoutMinutes) * time.Minute
}

// iterate claims one batch of due slices and processes each to a terminal
// state or silent abandonment
func (w *ExecutionWorker) iterate(ctx context.Context) {
	rc := observability.NewWorkerContext("execution_worker")

	claims, err := w.store.ClaimDueSlices(ctx, rc, w.executorID, w.lease(), w.cfg.BatchSize)
	if err != nil {
		w.logger.Error(rc, "Failed to claim due slices", err, map[string]interface{}{
			"executor_id": w.executorID,
		})
		w.metrics.WorkerError("execution_worker")
	}
	if len(claims) == 0 {
		return
	}

	w.logger.Info(rc, "Claimed due slices", map[string]interface{}{
		"executor_id": w.executorID,
		"count":       len(claims),
	})

	for _, claim := range claims {
		w.processSlice(ctx, claim)
	}
}

// processSlice drives one claimed slice through validation, placement,
// monitoring and finalization
func (w *ExecutionWorker) processSlice(ctx context.Context, claim *orders.ClaimedSlice) {
	slice := claim.Slice
	exec := claim.Execution

	// The execution trace carries the slice's request id so async hops can
	// be stitched together.
	rc := observability.NewWorkerContext("execution_worker").WithRequestID(slice.RequestID)

	w.logger.Info(rc, "Execution claimed", map[string]interface{}{
		"execution_id": exec.ID,
		"slice_id":     slice.ID,
		"attempt_id":   exec.AttemptID,
		"executor_id":  w.executorID,
	})

	if err := validateSlice(slice); err != nil {
		w.failTerminal(ctx, rc, slice, exec, orders.ResultValidationFailed, "VALIDATION_FAILED", err)
		return
	}

	response, ok := w.placeWithRetry(ctx, rc, slice, exec)
	if !ok {
		// Ownership was lost mid-placement or the worker is stopping; the
		// timeout monitor recovers.
		return
	}
	if response == nil {
		return
	}

	brokerStatus := orders.BrokerOrderStatus(response.Status)
	if err := w.store.UpdateExecution(ctx, rc, exec.ID, orders.ExecutionStatusPlaced, orders.ExecutionUpdate{
		BrokerOrderID:     &response.BrokerOrderID,
		BrokerOrderStatus: &brokerStatus,
		FilledQuantity:    &response.FilledQuantity,
		AveragePrice:      nullableDecimal(response.AveragePrice),
	}); err != nil {
		w.logger.Error(rc, "Failed to record placement", err, map[string]interface{}{
			"execution_id": exec.ID,
		})
		return
	}

	w.logger.Info(rc, "Order placed with broker", map[string]interface{}{
		"execution_id":    exec.ID,
		"broker_order_id": response.BrokerOrderID,
		"status":          response.Status,
	})

	if !brokerStatus.IsTerminal() {
		final, ok := w.monitorUntilTerminal(ctx, rc, slice, exec, response.BrokerOrderID)
		if !ok {
			// Ownership lost during monitoring or the worker is stopping;
			// no terminal write.
			return
		}
		if final != nil {
			response = final
		}
	}

	w.finalize(ctx, rc, slice, exec, response)
}

// validateSlice checks slice parameters before any broker interaction
func validateSlice(slice *orders.OrderSlice) error {
	if slice.Quantity <= 0 {
		return fmt.Errorf("invalid quantity: %d", slice.Quantity)
	}
	if slice.OrderType == orders.OrderTypeLimit && !slice.LimitPrice.Valid {
		return fmt.Errorf("limit price required for LIMIT orders")
	}
	return nil
}

// verifyOwnership re-reads the execution row and checks this worker still
// holds an unexpired lease. On success the lease is extended (heartbeat).
// On failure the caller must abandon the slice without further writes.
func (w *ExecutionWorker) verifyOwnership(ctx context.Context, rc observability.RequestContext, executionID string) bool {
	exec, err := w.store.GetExecution(ctx, executionID)
	if err != nil {
		w.logger.Warn(rc, "Execution not found during ownership verification", map[string]interface{}{
			"execution_id": executionID,
		})
		return false
	}

	if exec.ExecutorID != w.executorID {
		w.logger.Warn(rc, "Ownership lost - executor mismatch", map[string]interface{}{
			"execution_id":         executionID,
			"expected_executor_id": w.executorID,
			"actual_executor_id":   exec.ExecutorID,
		})
		return false
	}

	if !exec.ExecutorTimeoutAt.After(time.Now().UTC()) {
		w.logger.Warn(rc, "Ownership lost - lease expired", map[string]interface{}{
			"execution_id":        executionID,
			"executor_timeout_at": exec.ExecutorTimeoutAt.Format(time.RFC3339),
		})
		return false
	}

	if err := w.store.Heartbeat(ctx, executionID, w.lease()); err != nil {
		w.logger.Warn(rc, "Failed to extend lease", map[string]interface{}{
			"execution_id": executionID,
			"error":        err.Error(),
		})
		return false
	}

	return true
}

// placeWithRetry places the order, retrying network-shaped failures up to
// the configured attempt limit. Returns ok=false when ownership was lost or
// the worker stopped while waiting to retry.
// A nil response with ok=true means placement failed terminally and the
// error path has already been written.
func (w *ExecutionWorker) placeWithRetry(ctx context.Context, rc observability.RequestContext, slice *orders.OrderSlice, exec *orders.Execution) (*broker.OrderResponse, bool) {
	request := &broker.OrderRequest{
		Instrument:  slice.Instrument,
		Side:        string(slice.Side),
		Quantity:    slice.Quantity,
		OrderType:   string(slice.OrderType),
		LimitPrice:  slice.LimitPrice,
		ProductType: slice.ProductType,
		Validity:    slice.Validity,
	}
	payload, _ := json.Marshal(request)

	for attempt := 1; attempt <= w.cfg.MaxPlacementAttempts; attempt++ {
		if !w.verifyOwnership(ctx, rc, exec.ID) {
			w.logger.Warn(rc, "Lost ownership, aborting placement", map[string]interface{}{
				"execution_id":   exec.ID,
				"attempt_number": attempt,
			})
			return nil, false
		}

		start := time.Now()
		response, err := w.broker.PlaceOrder(ctx, rc, request)
		elapsed := time.Since(start)
		w.metrics.BrokerRequest(string(orders.EventPlaceOrder), err == nil, elapsed)

		event := &orders.BrokerEvent{
			ID:             orders.GenerateEventID(),
			ExecutionID:    exec.ID,
			SliceID:        slice.ID,
			EventType:      orders.EventPlaceOrder,
			AttemptNumber:  attempt,
			AttemptID:      exec.AttemptID,
			ExecutorID:     w.executorID,
			BrokerName:     w.broker.Name(),
			RequestPayload: payload,
			ResponseTimeMs: int(elapsed.Milliseconds()),
			RequestID:      rc.RequestID,
		}

		if err == nil {
			event.IsSuccess = true
			event.BrokerOrderID = response.BrokerOrderID
			event.BrokerStatus = response.Status
			event.BrokerMessage = response.Message
			event.FilledQuantity = response.FilledQuantity
			event.PendingQuantity = response.PendingQuantity
			event.AveragePrice = response.AveragePrice
			w.recordEvent(ctx, rc, event)

			attempts := attempt
			_ = w.store.UpdateExecution(ctx, rc, exec.ID, orders.ExecutionStatusClaimed, orders.ExecutionUpdate{
				PlacementAttempts: &attempts,
			})

			w.logger.Info(rc, "Order placed successfully", map[string]interface{}{
				"execution_id":    exec.ID,
				"broker_order_id": response.BrokerOrderID,
				"attempt_number":  attempt,
			})
			return response, true
		}

		isNetwork := broker.IsNetworkError(err)
		if isNetwork {
			event.ErrorCode = "NETWORK_FAILURE"
		} else {
			event.ErrorCode = "BROKER_REJECTED"
		}
		event.ErrorMessage = err.Error()
		w.recordEvent(ctx, rc, event)

		if !isNetwork {
			w.logger.Error(rc, "Broker rejected order", err, map[string]interface{}{
				"execution_id": exec.ID,
			})
			w.failTerminal(ctx, rc, slice, exec, orders.ResultBrokerRejected, "BROKER_REJECTED", err)
			return nil, true
		}

		if attempt >= w.cfg.MaxPlacementAttempts {
			w.logger.Error(rc, "Max placement attempts reached", err, map[string]interface{}{
				"execution_id": exec.ID,
				"max_attempts": w.cfg.MaxPlacementAttempts,
			})
			w.failTerminal(ctx, rc, slice, exec, orders.ResultBrokerRejected, "NETWORK_FAILURE", err)
			return nil, true
		}

		w.logger.Warn(rc, "Placement failed, retrying", map[string]interface{}{
			"execution_id":   exec.ID,
			"attempt_number": attempt,
			"max_attempts":   w.cfg.MaxPlacementAttempts,
			"error":          err.Error(),
		})
		if !w.sleep(ctx, w.retryDelay) {
			return nil, false
		}
	}

	return nil, true
}

// monitorUntilTerminal polls the broker until the order reaches a terminal
// status or the monitoring wall-clock expires. Returns ok=false when
// ownership was lost or the worker stopped between polls; the final response
// may be nil when no poll succeeded before the timeout.
func (w *ExecutionWorker) monitorUntilTerminal(ctx context.Context, rc observability.RequestContext, slice *orders.OrderSlice, exec *orders.Execution, brokerOrderID string) (*broker.OrderResponse, bool) {
	started := time.Now()
	deadline := started.Add(time.Duration(w.cfg.ExecutionTimeoutMinutes) * time.Minute)
	var lastResponse *broker.OrderResponse

	for {
		if !time.Now().Before(deadline) {
			w.logger.Warn(rc, "Execution timeout reached", map[string]interface{}{
				"execution_id":    exec.ID,
				"broker_order_id": brokerOrderID,
				"timeout_minutes": w.cfg.ExecutionTimeoutMinutes,
			})
			if !w.verifyOwnership(ctx, rc, exec.ID) {
				w.logger.Warn(rc, "Lost ownership at execution timeout, skipping cancel", map[string]interface{}{
					"execution_id":    exec.ID,
					"broker_order_id": brokerOrderID,
				})
				return nil, false
			}
			if cancelResp := w.cancelBestEffort(ctx, rc, slice, exec, brokerOrderID); cancelResp != nil {
				return cancelResp, true
			}
			return lastResponse, true
		}

		if !w.verifyOwnership(ctx, rc, exec.ID) {
			w.logger.Warn(rc, "Lost ownership during monitoring, aborting", map[string]interface{}{
				"execution_id":    exec.ID,
				"broker_order_id": brokerOrderID,
			})
			return nil, false
		}

		sequence, err := w.store.NextEventSequence(ctx, exec.ID)
		if err != nil {
			w.logger.Error(rc, "Failed to read event sequence", err, map[string]interface{}{
				"execution_id": exec.ID,
			})
			if !w.sleep(ctx, w.cfg.PollInterval) {
				return nil, false
			}
			continue
		}

		start := time.Now()
		response, pollErr := w.broker.GetOrderStatus(ctx, rc, brokerOrderID)
		elapsed := time.Since(start)
		w.metrics.BrokerRequest(string(orders.EventStatusPoll), pollErr == nil, elapsed)

		event := &orders.BrokerEvent{
			ID:             orders.GenerateEventID(),
			ExecutionID:    exec.ID,
			SliceID:        slice.ID,
			EventSequence:  sequence,
			EventType:      orders.EventStatusPoll,
			AttemptNumber:  1,
			AttemptID:      exec.AttemptID,
			ExecutorID:     w.executorID,
			BrokerName:     w.broker.Name(),
			BrokerOrderID:  brokerOrderID,
			ResponseTimeMs: int(elapsed.Milliseconds()),
			RequestID:      rc.RequestID,
		}

		if pollErr != nil {
			// Single poll failures are logged and retried next interval.
			event.ErrorCode = "POLL_FAILED"
			event.ErrorMessage = pollErr.Error()
			if err := w.store.RecordBrokerEvent(ctx, rc, event); err != nil {
				w.logger.Error(rc, "Failed to record broker event", err)
			}
			w.logger.Warn(rc, "Failed to poll order status", map[string]interface{}{
				"execution_id":    exec.ID,
				"broker_order_id": brokerOrderID,
				"error":           pollErr.Error(),
			})
		} else {
			lastResponse = response
			event.IsSuccess = true
			event.BrokerStatus = response.Status
			event.BrokerMessage = response.Message
			event.FilledQuantity = response.FilledQuantity
			event.PendingQuantity = response.PendingQuantity
			event.AveragePrice = response.AveragePrice
			if err := w.store.RecordBrokerEvent(ctx, rc, event); err != nil {
				w.logger.Error(rc, "Failed to record broker event", err)
			}

			brokerStatus := orders.BrokerOrderStatus(response.Status)
			_ = w.store.UpdateExecution(ctx, rc, exec.ID, orders.ExecutionStatusPlaced, orders.ExecutionUpdate{
				BrokerOrderStatus: &brokerStatus,
				FilledQuantity:    &response.FilledQuantity,
				AveragePrice:      nullableDecimal(response.AveragePrice),
			})

			if brokerStatus.IsTerminal() {
				w.logger.Info(rc, "Order reached terminal status", map[string]interface{}{
					"execution_id":    exec.ID,
					"broker_order_id": brokerOrderID,
					"status":          response.Status,
					"filled_quantity": response.FilledQuantity,
				})
				return response, true
			}

			if response.FilledQuantity > 0 {
				w.logger.Info(rc, "Order partially filled", map[string]interface{}{
					"execution_id":     exec.ID,
					"broker_order_id":  brokerOrderID,
					"filled_quantity":  response.FilledQuantity,
					"pending_quantity": response.PendingQuantity,
				})
			}
		}

		if !w.sleep(ctx, w.cfg.PollInterval) {
			return nil, false
		}
	}
}

// cancelBestEffort tries to cancel a monitored order at the broker after
// the monitoring timeout. The cancel attempt is audited either way; a nil
// return means the cancel failed and the last known status stands.
func (w *ExecutionWorker) cancelBestEffort(ctx context.Context, rc observability.RequestContext, slice *orders.OrderSlice, exec *orders.Execution, brokerOrderID string) *broker.OrderResponse {
	start := time.Now()
	response, err := w.broker.CancelOrder(ctx, rc, brokerOrderID)
	elapsed := time.Since(start)
	w.metrics.BrokerRequest(string(orders.EventCancelRequest), err == nil, elapsed)

	event := &orders.BrokerEvent{
		ID:             orders.GenerateEventID(),
		ExecutionID:    exec.ID,
		SliceID:        slice.ID,
		EventType:      orders.EventCancelRequest,
		AttemptNumber:  1,
		AttemptID:      exec.AttemptID,
		ExecutorID:     w.executorID,
		BrokerName:     w.broker.Name(),
		BrokerOrderID:  brokerOrderID,
		ResponseTimeMs: int(elapsed.Milliseconds()),
		RequestID:      rc.RequestID,
	}

	if err != nil {
		event.ErrorCode = "CANCEL_FAILED"
		event.ErrorMessage = err.Error()
		w.recordEvent(ctx, rc, event)
		w.logger.Error(rc, "Failed to cancel order on timeout", err, map[string]interface{}{
			"execution_id":    exec.ID,
			"broker_order_id": brokerOrderID,
		})
		return nil
	}

	event.IsSuccess = true
	event.BrokerStatus = response.Status
	event.BrokerMessage = response.Message
	event.FilledQuantity = response.FilledQuantity
	event.AveragePrice = response.AveragePrice
	w.recordEvent(ctx, rc, event)
	return response
}

// finalize maps the terminal broker response onto the execution result and
// completes both the execution and the slice
func (w *ExecutionWorker) finalize(ctx context.Context, rc observability.RequestContext, slice *orders.OrderSlice, exec *orders.Execution, response *broker.OrderResponse) {
	var (
		status orders.BrokerOrderStatus
		filled int
		avg    decimal.NullDecimal
	)
	if response != nil {
		status = orders.BrokerOrderStatus(response.Status)
		filled = response.FilledQuantity
		avg = response.AveragePrice
	}

	result := orders.MapExecutionResult(status, filled, slice.Quantity)

	upd := orders.ExecutionUpdate{
		ExecutionResult: &result,
		FilledQuantity:  &filled,
		AveragePrice:    nullableDecimal(avg),
	}
	if status != "" {
		upd.BrokerOrderStatus = &status
	}
	if err := w.store.UpdateExecution(ctx, rc, exec.ID, orders.ExecutionStatusCompleted, upd); err != nil {
		w.logger.Error(rc, "Failed to finalize execution", err, map[string]interface{}{
			"execution_id": exec.ID,
		})
		return
	}

	if err := w.store.UpdateSlice(ctx, rc, slice.ID, orders.SliceStatusCompleted, &filled, nullableDecimal(avg)); err != nil {
		w.logger.Error(rc, "Failed to finalize slice", err, map[string]interface{}{
			"slice_id": slice.ID,
		})
		return
	}

	w.metrics.SliceExecuted(string(result))
	w.logger.Info(rc, "Slice execution completed", map[string]interface{}{
		"execution_id":     exec.ID,
		"slice_id":         slice.ID,
		"execution_result": string(result),
		"filled_quantity":  filled,
	})
}

// failTerminal writes the terminal error path: the execution completes
// with the given result and the slice completes with whatever partial fill
// was recorded so far.
func (w *ExecutionWorker) failTerminal(ctx context.Context, rc observability.RequestContext, slice *orders.OrderSlice, exec *orders.Execution, result orders.ExecutionResult, errorCode string, cause error) {
	message := cause.Error()
	if err := w.store.UpdateExecution(ctx, rc, exec.ID, orders.ExecutionStatusCompleted, orders.ExecutionUpdate{
		ExecutionResult: &result,
		ErrorCode:       &errorCode,
		ErrorMessage:    &message,
	}); err != nil {
		w.logger.Error(rc, "Failed to record execution failure", err, map[string]interface{}{
			"execution_id": exec.ID,
		})
	}

	if err := w.store.UpdateSlice(ctx, rc, slice.ID, orders.SliceStatusCompleted, nil, nil); err != nil {
		w.logger.Error(rc, "Failed to complete slice after failure", err, map[string]interface{}{
			"slice_id": slice.ID,
		})
	}

	w.metrics.SliceExecuted(string(result))
	w.logger.Error(rc, "Slice execution failed", cause, map[string]interface{}{
		"execution_id":     exec.ID,
		"slice_id":         slice.ID,
		"execution_result": string(result),
	})
}

// recordEvent appends a broker event, assigning the next sequence when the
// caller left it unset
func (w *ExecutionWorker) recordEvent(ctx context.Context, rc observability.RequestContext, event *orders.BrokerEvent) {
	if event.EventSequence == 0 {
		sequence, err := w.store.NextEventSequence(ctx, event.ExecutionID)
		if err != nil {
			w.logger.Error(rc, "Failed to read event sequence", err, map[string]interface{}{
				"execution_id": event.ExecutionID,
			})
			return
		}
		event.EventSequence = sequence
	}
	if err := w.store.RecordBrokerEvent(ctx, rc, event); err != nil {
		w.logger.Error(rc, "Failed to record broker event", err, map[string]interface{}{
			"execution_id": event.ExecutionID,
		})
	}
}

// sleep waits for d unless the worker is stopping; returns false on stop
func (w *ExecutionWorker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.stopChan:
		return false
	case <-timer.C:
		return true
	}
}

// nullableDecimal converts a NullDecimal into the pointer form store
// updates take
func nullableDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}
