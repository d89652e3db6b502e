// Package broker defines the contract over the external order router and
// its two implementations: a Zerodha-shaped HTTP client and a deterministic
// mock for testing.
package broker

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pulsetrade/pulse-backend/pkg/observability"
)

// OrderRequest describes an order to place with the broker
type OrderRequest struct {
	Instrument  string              `json:"instrument"`
	Side        string              `json:"side"`
	Quantity    int                 `json:"quantity"`
	OrderType   string              `json:"order_type"`
	LimitPrice  decimal.NullDecimal `json:"limit_price,omitempty"`
	ProductType string              `json:"product_type"`
	Validity    string              `json:"validity"`
}

// OrderResponse is the broker's view of an order after place/poll/cancel
type OrderResponse struct {
	BrokerOrderID   string              `json:"broker_order_id"`
	Status          string              `json:"status"`
	FilledQuantity  int                 `json:"filled_quantity"`
	PendingQuantity int                 `json:"pending_quantity"`
	AveragePrice    decimal.NullDecimal `json:"average_price,omitempty"`
	Message         string              `json:"message,omitempty"`
}

// Adapter is the contract over an external order router. Poll and cancel
// are idempotent: repeated calls with the same broker order id are safe.
// Any operation may fail; callers classify the error.
type Adapter interface {
	PlaceOrder(ctx context.Context, rc observability.RequestContext, req *OrderRequest) (*OrderResponse, error)
	GetOrderStatus(ctx context.Context, rc observability.RequestContext, brokerOrderID string) (*OrderResponse, error)
	CancelOrder(ctx context.Context, rc observability.RequestContext, brokerOrderID string) (*OrderResponse, error)
	Name() string
}

// NetworkError marks a transport-level failure that is safe to retry
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "broker network failure: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsNetworkError reports whether err is network-shaped: a timeout,
// connection failure, or anything the transport flags as unreachable.
// Everything else is treated as a broker rejection and not retried.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netFailure *NetworkError
	if errors.As(err, &netFailure) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, keyword := range []string{"timeout", "connection", "network", "unreachable"} {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}
