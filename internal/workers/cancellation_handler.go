package workers

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pulsetrade/pulse-backend/internal/broker"
	"github.com/pulsetrade/pulse-backend/internal/monitoring"
	"github.com/pulsetrade/pulse-backend/internal/orders"
	"github.com/pulsetrade/pulse-backend/pkg/observability"
)

// cancellationStore is the slice of the store the cancellation handler needs
type cancellationStore interface {
	GetActiveSlices(ctx context.Context, orderID string) ([]*orders.OrderSlice, error)
	GetExecutionBySlice(ctx context.Context, sliceID string) (*orders.Execution, error)
	NextEventSequence(ctx context.Context, executionID string) (int, error)
	RecordBrokerEvent(ctx context.Context, rc observability.RequestContext, event *orders.BrokerEvent) error
	UpdateExecution(ctx context.Context, rc observability.RequestContext, executionID string, status orders.ExecutionStatus, upd orders.ExecutionUpdate) error
	UpdateSlice(ctx context.Context, rc observability.RequestContext, sliceID string, status orders.SliceStatus, filledQuantity *int, averagePrice *decimal.Decimal) error
}

// CancellationHandler tears down the remaining work of a cancelled parent
// order: pending slices are skipped outright, executing ones are cancelled
// at the broker first. The PENDING/EXECUTING filter makes repeated calls
// no-ops.
type CancellationHandler struct {
	store   cancellationStore
	broker  broker.Adapter
	logger  *observability.Logger
	metrics *monitoring.Metrics
}

// NewCancellationHandler creates a cancellation handler
func NewCancellationHandler(store cancellationStore, brokerClient broker.Adapter, logger *observability.Logger, metrics *monitoring.Metrics) *CancellationHandler {
	return &CancellationHandler{
		store:   store,
		broker:  brokerClient,
		logger:  logger,
		metrics: metrics,
	}
}

// CancelOrder skips all PENDING slices of the order and cancels EXECUTING
// ones at the broker. Returns the number of skipped slices and of broker
// cancels that succeeded.
func (h *CancellationHandler) CancelOrder(ctx context.Context, rc observability.RequestContext, orderID string) (skipped, cancelled int, err error) {
	slices, err := h.store.GetActiveSlices(ctx, orderID)
	if err != nil {
		return 0, 0, err
	}

	if len(slices) == 0 {
		h.logger.Info(rc, "No slices to cancel", map[string]interface{}{"order_id": orderID})
		return 0, 0, nil
	}

	h.logger.Info(rc, "Found slices to cancel", map[string]interface{}{
		"order_id": orderID,
		"count":    len(slices),
	})

	for _, slice := range slices {
		switch slice.Status {
		case orders.SliceStatusPending:
			if err := h.store.UpdateSlice(ctx, rc, slice.ID, orders.SliceStatusSkipped, nil, nil); err != nil {
				h.logger.Error(rc, "Failed to skip pending slice", err, map[string]interface{}{
					"slice_id": slice.ID,
				})
				continue
			}
			skipped++
			h.logger.Info(rc, "Skipped pending slice", map[string]interface{}{
				"slice_id": slice.ID,
				"order_id": orderID,
			})

		case orders.SliceStatusExecuting:
			didCancel := h.cancelExecutingSlice(ctx, rc, slice)
			if didCancel {
				cancelled++
			}
			skipped++
		}
	}

	return skipped, cancelled, nil
}

// cancelExecutingSlice cancels one in-flight slice. The broker cancel is
// best-effort and audited either way; the execution and slice are skipped
// regardless of the cancel outcome.
func (h *CancellationHandler) cancelExecutingSlice(ctx context.Context, rc observability.RequestContext, slice *orders.OrderSlice) bool {
	exec, err := h.store.GetExecutionBySlice(ctx, slice.ID)
	if err != nil {
		if !errors.Is(err, orders.ErrNotFound) {
			h.logger.Error(rc, "Failed to load execution for cancellation", err, map[string]interface{}{
				"slice_id": slice.ID,
			})
			return false
		}
		// No execution record: the slice never got claimed properly.
		if err := h.store.UpdateSlice(ctx, rc, slice.ID, orders.SliceStatusSkipped, nil, nil); err != nil {
			h.logger.Error(rc, "Failed to skip executing slice", err, map[string]interface{}{
				"slice_id": slice.ID,
			})
		}
		return false
	}

	didCancel := false
	if exec.BrokerOrderID != "" {
		didCancel = h.cancelAtBroker(ctx, rc, slice, exec)
	}

	if err := h.store.UpdateExecution(ctx, rc, exec.ID, orders.ExecutionStatusSkipped, orders.ExecutionUpdate{}); err != nil {
		h.logger.Error(rc, "Failed to skip execution", err, map[string]interface{}{
			"execution_id": exec.ID,
		})
	}
	if err := h.store.UpdateSlice(ctx, rc, slice.ID, orders.SliceStatusSkipped, nil, nil); err != nil {
		h.logger.Error(rc, "Failed to skip executing slice", err, map[string]interface{}{
			"slice_id": slice.ID,
		})
	}

	return didCancel
}

// cancelAtBroker issues the broker cancel and records the CANCEL_REQUEST
// event, success or failure
func (h *CancellationHandler) cancelAtBroker(ctx context.Context, rc observability.RequestContext, slice *orders.OrderSlice, exec *orders.Execution) bool {
	sequence, err := h.store.NextEventSequence(ctx, exec.ID)
	if err != nil {
		h.logger.Error(rc, "Failed to read event sequence", err, map[string]interface{}{
			"execution_id": exec.ID,
		})
		return false
	}

	start := time.Now()
	response, cancelErr := h.broker.CancelOrder(ctx, rc, exec.BrokerOrderID)
	elapsed := time.Since(start)
	h.metrics.BrokerRequest(string(orders.EventCancelRequest), cancelErr == nil, elapsed)

	event := &orders.BrokerEvent{
		ID:             orders.GenerateEventID(),
		ExecutionID:    exec.ID,
		SliceID:        slice.ID,
		EventSequence:  sequence,
		EventType:      orders.EventCancelRequest,
		AttemptNumber:  1,
		AttemptID:      exec.AttemptID,
		ExecutorID:     exec.ExecutorID,
		BrokerName:     h.broker.Name(),
		BrokerOrderID:  exec.BrokerOrderID,
		ResponseTimeMs: int(elapsed.Milliseconds()),
		RequestID:      rc.RequestID,
	}

	if cancelErr != nil {
		event.ErrorCode = "CANCEL_FAILED"
		event.ErrorMessage = cancelErr.Error()
		h.logger.Error(rc, "Failed to cancel order at broker", cancelErr, map[string]interface{}{
			"slice_id":        slice.ID,
			"broker_order_id": exec.BrokerOrderID,
		})
	} else {
		event.IsSuccess = true
		event.BrokerStatus = response.Status
		event.BrokerMessage = response.Message
		event.FilledQuantity = response.FilledQuantity
		event.AveragePrice = response.AveragePrice
		h.logger.Info(rc, "Cancelled order at broker", map[string]interface{}{
			"slice_id":        slice.ID,
			"broker_order_id": exec.BrokerOrderID,
			"status":          response.Status,
		})
	}

	if err := h.store.RecordBrokerEvent(ctx, rc, event); err != nil {
		h.logger.Error(rc, "Failed to record cancel event", err, map[string]interface{}{
			"execution_id": exec.ID,
		})
	}

	return cancelErr == nil
}
