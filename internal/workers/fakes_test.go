package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/pulsetrade/pulse-backend/internal/broker"
	"github.com/pulsetrade/pulse-backend/internal/monitoring"
	"github.com/pulsetrade/pulse-backend/internal/orders"
	"github.com/pulsetrade/pulse-backend/pkg/observability"
)

func testMetrics() *monitoring.Metrics {
	return monitoring.NewMetrics(prometheus.NewRegistry())
}

func testLogger() *observability.Logger {
	return &observability.Logger{}
}

func testRC() observability.RequestContext {
	return observability.NewWorkerContext("test")
}

// fakeStore is an in-memory stand-in for the orders store, implementing
// every worker-side store interface.
type fakeStore struct {
	mu sync.Mutex

	executions map[string]*orders.Execution
	slices     map[string]*orders.OrderSlice
	events     []*orders.BrokerEvent

	pendingOrders      []*orders.Order
	materialized       map[string][]*orders.OrderSlice
	failedOrders       map[string]string
	materializeErr     error
	heartbeats         int
	getExecCalls       int
	loseOwnershipAfter int
	timedOut           []*orders.Execution
	finalizedTimeouts  []string
	activeSlicesByOrd  map[string][]*orders.OrderSlice
	nextSequenceErr    error
	getExecutionErr    error
	updateExecutionErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		executions:        make(map[string]*orders.Execution),
		slices:            make(map[string]*orders.OrderSlice),
		materialized:      make(map[string][]*orders.OrderSlice),
		failedOrders:      make(map[string]string),
		activeSlicesByOrd: make(map[string][]*orders.OrderSlice),
	}
}

func (f *fakeStore) addClaim(slice *orders.OrderSlice, exec *orders.Execution) *orders.ClaimedSlice {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slices[slice.ID] = slice
	f.executions[exec.ID] = exec
	return &orders.ClaimedSlice{Slice: slice, Execution: exec}
}

// --- executionStore ---

func (f *fakeStore) ClaimDueSlices(ctx context.Context, rc observability.RequestContext, executorID string, lease time.Duration, batchSize int) ([]*orders.ClaimedSlice, error) {
	return nil, nil
}

func (f *fakeStore) GetExecution(ctx context.Context, executionID string) (*orders.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getExecutionErr != nil {
		return nil, f.getExecutionErr
	}
	exec, ok := f.executions[executionID]
	if !ok {
		return nil, orders.ErrNotFound
	}
	f.getExecCalls++
	copied := *exec
	// Simulate another executor stealing the lease after N verifications.
	if f.loseOwnershipAfter > 0 && f.getExecCalls > f.loseOwnershipAfter {
		copied.ExecutorID = "thief"
	}
	return &copied, nil
}

func (f *fakeStore) Heartbeat(ctx context.Context, executionID string, lease time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	if exec, ok := f.executions[executionID]; ok {
		now := time.Now().UTC()
		exec.LastHeartbeatAt = now
		exec.ExecutorTimeoutAt = now.Add(lease)
	}
	return nil
}

func (f *fakeStore) UpdateExecution(ctx context.Context, rc observability.RequestContext, executionID string, status orders.ExecutionStatus, upd orders.ExecutionUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateExecutionErr != nil {
		return f.updateExecutionErr
	}
	exec, ok := f.executions[executionID]
	if !ok {
		return orders.ErrNotFound
	}
	exec.ExecutionStatus = status
	if upd.BrokerOrderID != nil {
		exec.BrokerOrderID = *upd.BrokerOrderID
	}
	if upd.BrokerOrderStatus != nil {
		exec.BrokerOrderStatus = *upd.BrokerOrderStatus
	}
	if upd.FilledQuantity != nil {
		exec.FilledQuantity = *upd.FilledQuantity
	}
	if upd.AveragePrice != nil {
		exec.AveragePrice = decimal.NewNullDecimal(*upd.AveragePrice)
	}
	if upd.ExecutionResult != nil {
		exec.ExecutionResult = *upd.ExecutionResult
	}
	if upd.PlacementAttempts != nil {
		exec.PlacementAttempts = *upd.PlacementAttempts
	}
	if upd.ErrorCode != nil {
		exec.ErrorCode = *upd.ErrorCode
	}
	if upd.ErrorMessage != nil {
		exec.ErrorMessage = *upd.ErrorMessage
	}
	if status == orders.ExecutionStatusCompleted {
		now := time.Now().UTC()
		exec.CompletedAt = &now
	}
	return nil
}

func (f *fakeStore) UpdateSlice(ctx context.Context, rc observability.RequestContext, sliceID string, status orders.SliceStatus, filledQuantity *int, averagePrice *decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	slice, ok := f.slices[sliceID]
	if !ok {
		return orders.ErrNotFound
	}
	slice.Status = status
	if filledQuantity != nil {
		slice.FilledQuantity = *filledQuantity
	}
	if averagePrice != nil {
		slice.AveragePrice = decimal.NewNullDecimal(*averagePrice)
	}
	return nil
}

func (f *fakeStore) NextEventSequence(ctx context.Context, executionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextSequenceErr != nil {
		return 0, f.nextSequenceErr
	}
	max := 0
	for _, e := range f.events {
		if e.ExecutionID == executionID && e.EventSequence > max {
			max = e.EventSequence
		}
	}
	return max + 1, nil
}

func (f *fakeStore) RecordBrokerEvent(ctx context.Context, rc observability.RequestContext, event *orders.BrokerEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

// --- splittingStore ---

func (f *fakeStore) FetchPendingOrders(ctx context.Context, rc observability.RequestContext, batchSize int) ([]*orders.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := f.pendingOrders
	f.pendingOrders = nil
	return batch, nil
}

func (f *fakeStore) MaterializeSlices(ctx context.Context, rc observability.RequestContext, orderID string, slices []*orders.OrderSlice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.materializeErr != nil {
		return f.materializeErr
	}
	f.materialized[orderID] = slices
	return nil
}

func (f *fakeStore) FailOrder(ctx context.Context, rc observability.RequestContext, orderID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedOrders[orderID] = reason
	return nil
}

// --- timeoutStore ---

func (f *fakeStore) FindTimedOutExecutions(ctx context.Context, now time.Time) ([]*orders.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var expired []*orders.Execution
	for _, exec := range f.timedOut {
		if !(&orders.Execution{ExecutionStatus: exec.ExecutionStatus}).IsTerminal() && exec.ExecutorTimeoutAt.Before(now) {
			expired = append(expired, exec)
		}
	}
	return expired, nil
}

func (f *fakeStore) FinalizeTimedOutExecution(ctx context.Context, rc observability.RequestContext, executionID, executorID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, exec := range f.timedOut {
		if exec.ID != executionID {
			continue
		}
		if exec.IsTerminal() {
			return false, nil
		}
		exec.ExecutionStatus = orders.ExecutionStatusCompleted
		exec.ExecutionResult = orders.ResultExecutorTimeout
		exec.ErrorCode = "EXECUTOR_TIMEOUT"
		exec.ErrorMessage = fmt.Sprintf("Executor %s timed out", executorID)
		if slice, ok := f.slices[exec.SliceID]; ok {
			slice.Status = orders.SliceStatusCompleted
			slice.FilledQuantity = exec.FilledQuantity
			if exec.AveragePrice.Valid {
				slice.AveragePrice = exec.AveragePrice
			}
		}
		f.finalizedTimeouts = append(f.finalizedTimeouts, executionID)
		return true, nil
	}
	return false, nil
}

// --- cancellationStore ---

func (f *fakeStore) GetActiveSlices(ctx context.Context, orderID string) ([]*orders.OrderSlice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []*orders.OrderSlice
	for _, s := range f.activeSlicesByOrd[orderID] {
		if s.Status == orders.SliceStatusPending || s.Status == orders.SliceStatusExecuting {
			active = append(active, s)
		}
	}
	return active, nil
}

func (f *fakeStore) GetExecutionBySlice(ctx context.Context, sliceID string) (*orders.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, exec := range f.executions {
		if exec.SliceID == sliceID {
			return exec, nil
		}
	}
	return nil, orders.ErrNotFound
}

func (f *fakeStore) eventsByType(eventType orders.BrokerEventType) []*orders.BrokerEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*orders.BrokerEvent
	for _, e := range f.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// scriptedBroker returns queued responses per operation and records calls
type scriptedBroker struct {
	mu sync.Mutex

	placeResponses []brokerResult
	pollResponses  []brokerResult
	cancelResponse brokerResult

	placeCalls  int
	pollCalls   int
	cancelCalls int
}

type brokerResult struct {
	resp *broker.OrderResponse
	err  error
}

func (b *scriptedBroker) Name() string { return "scripted" }

func (b *scriptedBroker) PlaceOrder(ctx context.Context, rc observability.RequestContext, req *broker.OrderRequest) (*broker.OrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeCalls++
	if len(b.placeResponses) == 0 {
		return nil, fmt.Errorf("unexpected place call %d", b.placeCalls)
	}
	result := b.placeResponses[0]
	if len(b.placeResponses) > 1 {
		b.placeResponses = b.placeResponses[1:]
	}
	return result.resp, result.err
}

func (b *scriptedBroker) GetOrderStatus(ctx context.Context, rc observability.RequestContext, brokerOrderID string) (*broker.OrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pollCalls++
	if len(b.pollResponses) == 0 {
		return nil, fmt.Errorf("unexpected poll call %d", b.pollCalls)
	}
	result := b.pollResponses[0]
	if len(b.pollResponses) > 1 {
		b.pollResponses = b.pollResponses[1:]
	}
	return result.resp, result.err
}

func (b *scriptedBroker) CancelOrder(ctx context.Context, rc observability.RequestContext, brokerOrderID string) (*broker.OrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelCalls++
	return b.cancelResponse.resp, b.cancelResponse.err
}
