// Package workers contains the background loops of the execution pipeline:
// splitting, execution, timeout recovery and cancellation. Workers are
// stateless and mutually oblivious; all coordination happens through the
// store.
package workers

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pulsetrade/pulse-backend/internal/config"
	"github.com/pulsetrade/pulse-backend/internal/monitoring"
	"github.com/pulsetrade/pulse-backend/internal/orders"
	"github.com/pulsetrade/pulse-backend/internal/splitting"
	"github.com/pulsetrade/pulse-backend/pkg/observability"
)

// splittingStore is the slice of the store the splitting worker needs
type splittingStore interface {
	FetchPendingOrders(ctx context.Context, rc observability.RequestContext, batchSize int) ([]*orders.Order, error)
	MaterializeSlices(ctx context.Context, rc observability.RequestContext, orderID string, slices []*orders.OrderSlice) error
	FailOrder(ctx context.Context, rc observability.RequestContext, orderID, reason string) error
}

// SplittingWorker drains PENDING orders into fully materialized slice sets
type SplittingWorker struct {
	store   splittingStore
	logger  *observability.Logger
	metrics *monitoring.Metrics
	cfg     config.SplittingWorkerConfig
	rng     *rand.Rand

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSplittingWorker creates a splitting worker
func NewSplittingWorker(store splittingStore, logger *observability.Logger, metrics *monitoring.Metrics, cfg config.SplittingWorkerConfig) *SplittingWorker {
	return &SplittingWorker{
		store:    store,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stopChan: make(chan struct{}),
	}
}

// Start runs the worker loop until ctx is cancelled or Stop is called
func (w *SplittingWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the loop to exit and waits for in-flight work
func (w *SplittingWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
}

func (w *SplittingWorker) run(ctx context.Context) {
	defer w.wg.Done()

	rc := observability.NewWorkerContext("splitting_worker")
	w.logger.Info(rc, "Splitting worker started", map[string]interface{}{
		"poll_interval": w.cfg.PollInterval.String(),
		"batch_size":    w.cfg.BatchSize,
	})

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(rc, "Splitting worker stopped")
			return
		case <-w.stopChan:
			w.logger.Info(rc, "Splitting worker stopped")
			return
		case <-ticker.C:
			w.iterate(ctx)
		}
	}
}

// iterate processes one batch of pending orders
func (w *SplittingWorker) iterate(ctx context.Context) {
	rc := observability.NewWorkerContext("splitting_worker")

	batch, err := w.store.FetchPendingOrders(ctx, rc, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error(rc, "Failed to fetch pending orders", err)
		w.metrics.WorkerError("splitting_worker")
		return
	}
	if len(batch) == 0 {
		return
	}

	w.logger.Info(rc, "Found pending orders", map[string]interface{}{
		"count": len(batch),
	})

	for _, order := range batch {
		w.processOrder(ctx, rc, order)
	}
}

// processOrder splits one order into slices or marks it FAILED
func (w *SplittingWorker) processOrder(ctx context.Context, rc observability.RequestContext, order *orders.Order) {
	// Slices inherit the origin identity recorded on the parent order.
	orderCtx := rc.WithOrigin(order.OriginTraceID, order.OriginTraceSource, order.OriginRequestID, order.OriginRequestSource)

	w.logger.Info(orderCtx, "Processing order for splitting", map[string]interface{}{
		"order_id":       order.ID,
		"total_quantity": order.TotalQuantity,
		"num_splits":     order.NumSplits,
	})

	plan, err := splitting.Plan(order.CreatedAt, order.TotalQuantity, order.NumSplits, order.DurationMinutes, order.Randomize, w.rng)
	if err != nil {
		w.failOrder(ctx, orderCtx, order, err)
		return
	}

	slices := make([]*orders.OrderSlice, 0, len(plan))
	for _, p := range plan {
		slices = append(slices, &orders.OrderSlice{
			ID:             orders.GenerateSliceID(),
			OrderID:        order.ID,
			Instrument:     order.Instrument,
			Side:           order.Side,
			Quantity:       p.Quantity,
			SequenceNumber: p.SequenceNumber,
			Status:         orders.SliceStatusPending,
			ScheduledAt:    p.ScheduledAt,
			OrderType:      orders.OrderTypeMarket,
			ProductType:    "CNC",
			Validity:       "DAY",
			RequestID:      observability.GenerateRequestID(),
		})
	}

	if err := w.store.MaterializeSlices(ctx, orderCtx, order.ID, slices); err != nil {
		w.failOrder(ctx, orderCtx, order, err)
		return
	}

	w.metrics.OrderSplit("completed")
	w.logger.Info(orderCtx, "Order splitting completed", map[string]interface{}{
		"order_id":       order.ID,
		"slices_created": len(slices),
	})
}

// failOrder marks an order FAILED with the error summary as skip reason
func (w *SplittingWorker) failOrder(ctx context.Context, rc observability.RequestContext, order *orders.Order, cause error) {
	w.logger.Error(rc, "Order splitting failed", cause, map[string]interface{}{
		"order_id": order.ID,
	})
	w.metrics.OrderSplit("failed")

	if err := w.store.FailOrder(ctx, rc, order.ID, "Splitting error: "+cause.Error()); err != nil {
		w.logger.Error(rc, "Failed to mark order as FAILED", err, map[string]interface{}{
			"order_id": order.ID,
		})
	}
}
