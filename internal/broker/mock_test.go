package broker

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrade/pulse-backend/pkg/observability"
)

func mockRequest(orderType string) *OrderRequest {
	return &OrderRequest{
		Instrument:  "NSE:RELIANCE",
		Side:        "BUY",
		Quantity:    100,
		OrderType:   orderType,
		ProductType: "CNC",
		Validity:    "DAY",
	}
}

func newMock(scenario MockScenario) *MockClient {
	return NewMockClient(scenario, &observability.Logger{})
}

func testRC() observability.RequestContext {
	return observability.NewWorkerContext("test")
}

func TestMockSuccessMarketOrder(t *testing.T) {
	client := newMock(ScenarioSuccess)

	resp, err := client.PlaceOrder(context.Background(), testRC(), mockRequest("MARKET"))
	require.NoError(t, err)
	assert.Equal(t, "COMPLETE", resp.Status)
	assert.Equal(t, 100, resp.FilledQuantity)
	assert.True(t, resp.AveragePrice.Valid)
	assert.NotEmpty(t, resp.BrokerOrderID)
}

func TestMockSuccessLimitOrderFillsAfterPoll(t *testing.T) {
	client := newMock(ScenarioSuccess)

	resp, err := client.PlaceOrder(context.Background(), testRC(), mockRequest("LIMIT"))
	require.NoError(t, err)
	assert.Equal(t, "OPEN", resp.Status)
	assert.Equal(t, 100, resp.PendingQuantity)

	polled, err := client.GetOrderStatus(context.Background(), testRC(), resp.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETE", polled.Status)
	assert.Equal(t, 100, polled.FilledQuantity)
}

func TestMockPartialFillExpires(t *testing.T) {
	client := newMock(ScenarioPartialFill)

	resp, err := client.PlaceOrder(context.Background(), testRC(), mockRequest("LIMIT"))
	require.NoError(t, err)
	assert.Equal(t, "OPEN", resp.Status)

	first, err := client.GetOrderStatus(context.Background(), testRC(), resp.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, "PARTIALLY_FILLED", first.Status)
	assert.Equal(t, 50, first.FilledQuantity)

	second, err := client.GetOrderStatus(context.Background(), testRC(), resp.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, "EXPIRED", second.Status)
	assert.Equal(t, 50, second.FilledQuantity)
	assert.True(t, second.AveragePrice.Valid)
}

func TestMockRejection(t *testing.T) {
	client := newMock(ScenarioRejection)

	_, err := client.PlaceOrder(context.Background(), testRC(), mockRequest("MARKET"))
	require.Error(t, err)
	assert.False(t, IsNetworkError(err))
	assert.Contains(t, err.Error(), "INSUFFICIENT_FUNDS")
}

func TestMockNetworkError(t *testing.T) {
	client := newMock(ScenarioNetworkError)

	_, err := client.PlaceOrder(context.Background(), testRC(), mockRequest("MARKET"))
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
}

func TestMockTimeoutStaysOpenUntilCancelled(t *testing.T) {
	client := newMock(ScenarioTimeout)

	resp, err := client.PlaceOrder(context.Background(), testRC(), mockRequest("MARKET"))
	require.NoError(t, err)
	assert.Equal(t, "OPEN", resp.Status)

	for i := 0; i < 5; i++ {
		polled, err := client.GetOrderStatus(context.Background(), testRC(), resp.BrokerOrderID)
		require.NoError(t, err)
		assert.Equal(t, "OPEN", polled.Status)
	}

	cancelled, err := client.CancelOrder(context.Background(), testRC(), resp.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", cancelled.Status)

	// Cancel is idempotent.
	again, err := client.CancelOrder(context.Background(), testRC(), resp.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", again.Status)

	polled, err := client.GetOrderStatus(context.Background(), testRC(), resp.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", polled.Status)
}

func TestMockUnknownOrderID(t *testing.T) {
	client := newMock(ScenarioSuccess)

	_, err := client.GetOrderStatus(context.Background(), testRC(), "nope")
	assert.Error(t, err)

	_, err = client.CancelOrder(context.Background(), testRC(), "nope")
	assert.Error(t, err)
}

func TestIsNetworkError(t *testing.T) {
	assert.False(t, IsNetworkError(nil))
	assert.True(t, IsNetworkError(&NetworkError{Err: errors.New("boom")}))
	assert.True(t, IsNetworkError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsNetworkError(errors.New("request timeout")))
	assert.True(t, IsNetworkError(errors.New("host unreachable")))
	assert.True(t, IsNetworkError(&net.DNSError{Err: "no such host", IsTimeout: false}))
	assert.False(t, IsNetworkError(errors.New("INSUFFICIENT_FUNDS: order rejected")))
}
