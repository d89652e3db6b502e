package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/pulsetrade/pulse-backend/pkg/observability"
)

// MockScenario selects the deterministic behavior of the mock broker
type MockScenario string

const (
	ScenarioSuccess      MockScenario = "success"
	ScenarioPartialFill  MockScenario = "partial_fill"
	ScenarioRejection    MockScenario = "rejection"
	ScenarioNetworkError MockScenario = "network_error"
	ScenarioTimeout      MockScenario = "timeout"
)

// mockOrder tracks the simulated state of one placed order
type mockOrder struct {
	request   OrderRequest
	polls     int
	cancelled bool
}

// MockClient is a deterministic broker used for development and tests.
// Each scenario reproduces one failure mode end to end:
//
//	success       - orders fill completely (market immediately, limit after one poll)
//	partial_fill  - limit orders fill half, then expire
//	rejection     - placement is rejected outright (non-retryable)
//	network_error - every placement attempt fails at the transport level
//	timeout       - orders stay open forever; only cancel ends them
type MockClient struct {
	scenario MockScenario
	logger   *observability.Logger

	mu      sync.Mutex
	orders  map[string]*mockOrder
	counter int
}

// NewMockClient creates a mock broker for the given scenario
func NewMockClient(scenario MockScenario, logger *observability.Logger) *MockClient {
	return &MockClient{
		scenario: scenario,
		logger:   logger,
		orders:   make(map[string]*mockOrder),
	}
}

// Name returns the broker identifier used in audit events
func (m *MockClient) Name() string {
	return "mock"
}

var mockFillPrice = decimal.RequireFromString("1250.00")
var mockPartialFillPrice = decimal.RequireFromString("1249.80")

// PlaceOrder simulates order placement according to the scenario
func (m *MockClient) PlaceOrder(ctx context.Context, rc observability.RequestContext, req *OrderRequest) (*OrderResponse, error) {
	switch m.scenario {
	case ScenarioNetworkError:
		return nil, &NetworkError{Err: errors.New("connection timeout to broker")}
	case ScenarioRejection:
		return nil, errors.New("INSUFFICIENT_FUNDS: order rejected by broker")
	}

	m.mu.Lock()
	m.counter++
	brokerOrderID := fmt.Sprintf("MOCK%08d", m.counter)
	m.orders[brokerOrderID] = &mockOrder{request: *req}
	m.mu.Unlock()

	m.logger.Info(rc, "Mock order placed", map[string]interface{}{
		"broker_order_id": brokerOrderID,
		"instrument":      req.Instrument,
		"quantity":        req.Quantity,
		"order_type":      req.OrderType,
		"scenario":        string(m.scenario),
	})

	// Market orders in the success scenario fill immediately; everything
	// else opens and is driven by polls.
	if m.scenario == ScenarioSuccess && req.OrderType == "MARKET" {
		return &OrderResponse{
			BrokerOrderID:  brokerOrderID,
			Status:         "COMPLETE",
			FilledQuantity: req.Quantity,
			AveragePrice:   decimal.NewNullDecimal(mockFillPrice),
			Message:        "Order executed",
		}, nil
	}

	return &OrderResponse{
		BrokerOrderID:   brokerOrderID,
		Status:          "OPEN",
		PendingQuantity: req.Quantity,
		Message:         "Order accepted",
	}, nil
}

// GetOrderStatus simulates a status poll. Polling is idempotent once the
// simulated order reaches a terminal state.
func (m *MockClient) GetOrderStatus(ctx context.Context, rc observability.RequestContext, brokerOrderID string) (*OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("unknown broker order id: %s", brokerOrderID)
	}
	order.polls++
	req := order.request

	if order.cancelled {
		return m.cancelledResponse(brokerOrderID, order), nil
	}

	switch m.scenario {
	case ScenarioPartialFill:
		// One poll shows the partial fill, the next expires the order.
		half := req.Quantity / 2
		if order.polls == 1 {
			return &OrderResponse{
				BrokerOrderID:   brokerOrderID,
				Status:          "PARTIALLY_FILLED",
				FilledQuantity:  half,
				PendingQuantity: req.Quantity - half,
				AveragePrice:    decimal.NewNullDecimal(mockPartialFillPrice),
			}, nil
		}
		return &OrderResponse{
			BrokerOrderID:  brokerOrderID,
			Status:         "EXPIRED",
			FilledQuantity: half,
			AveragePrice:   decimal.NewNullDecimal(mockPartialFillPrice),
			Message:        "Order expired",
		}, nil
	case ScenarioTimeout:
		return &OrderResponse{
			BrokerOrderID:   brokerOrderID,
			Status:          "OPEN",
			PendingQuantity: req.Quantity,
		}, nil
	default:
		return &OrderResponse{
			BrokerOrderID:  brokerOrderID,
			Status:         "COMPLETE",
			FilledQuantity: req.Quantity,
			AveragePrice:   decimal.NewNullDecimal(mockFillPrice),
			Message:        "Order executed",
		}, nil
	}
}

// CancelOrder simulates a cancel request. Repeated cancels return the same
// terminal state.
func (m *MockClient) CancelOrder(ctx context.Context, rc observability.RequestContext, brokerOrderID string) (*OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("unknown broker order id: %s", brokerOrderID)
	}
	order.cancelled = true

	m.logger.Info(rc, "Mock order cancelled", map[string]interface{}{
		"broker_order_id": brokerOrderID,
	})

	return m.cancelledResponse(brokerOrderID, order), nil
}

func (m *MockClient) cancelledResponse(brokerOrderID string, order *mockOrder) *OrderResponse {
	resp := &OrderResponse{
		BrokerOrderID: brokerOrderID,
		Status:        "CANCELLED",
		Message:       "Order cancelled",
	}
	// A partially filled order keeps its fill through cancellation.
	if m.scenario == ScenarioPartialFill && order.polls > 0 {
		resp.FilledQuantity = order.request.Quantity / 2
		resp.AveragePrice = decimal.NewNullDecimal(mockPartialFillPrice)
	}
	return resp
}
