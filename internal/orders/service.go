package orders

import (
	"context"
	"fmt"
	"regexp"

	"github.com/pulsetrade/pulse-backend/pkg/observability"
)

var instrumentPattern = regexp.MustCompile(`^[A-Z]+:[A-Z0-9]+$`)

// SubmitOrderRequest is a validated order submission from ingress
type SubmitOrderRequest struct {
	OrderUniqueKey  string    `json:"order_unique_key"`
	Instrument      string    `json:"instrument"`
	Side            OrderSide `json:"side"`
	TotalQuantity   int       `json:"total_quantity"`
	NumSplits       int       `json:"num_splits"`
	DurationMinutes int       `json:"duration_minutes"`
	Randomize       bool      `json:"randomize"`
}

// Validate checks the ingress contract for order submissions
func (req *SubmitOrderRequest) Validate() error {
	if len(req.OrderUniqueKey) < 1 || len(req.OrderUniqueKey) > 255 {
		return fmt.Errorf("%w: order_unique_key must be 1..255 characters", ErrInvalidOrder)
	}
	if !instrumentPattern.MatchString(req.Instrument) {
		return fmt.Errorf("%w: instrument must match EXCHANGE:SYMBOL", ErrInvalidOrder)
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrder)
	}
	if req.NumSplits < 2 || req.NumSplits > 100 {
		return fmt.Errorf("%w: num_splits must be between 2 and 100", ErrInvalidOrder)
	}
	if req.TotalQuantity < req.NumSplits {
		return fmt.Errorf("%w: total_quantity must be >= num_splits", ErrInvalidOrder)
	}
	if req.DurationMinutes < 1 || req.DurationMinutes > 1440 {
		return fmt.Errorf("%w: duration_minutes must be between 1 and 1440", ErrInvalidOrder)
	}
	return nil
}

// Canceller cancels all remaining work of a parent order. Implemented by
// the cancellation handler in the workers package.
type Canceller interface {
	CancelOrder(ctx context.Context, rc observability.RequestContext, orderID string) (skipped, cancelled int, err error)
}

// Service exposes order submission, lookup and cancellation to the API layer
type Service struct {
	orderRepo *OrderRepository
	sliceRepo *SliceRepository
	canceller Canceller
	logger    *observability.Logger
}

// NewService creates an order service
func NewService(orderRepo *OrderRepository, sliceRepo *SliceRepository, canceller Canceller, logger *observability.Logger) *Service {
	return &Service{
		orderRepo: orderRepo,
		sliceRepo: sliceRepo,
		canceller: canceller,
		logger:    logger,
	}
}

// SubmitOrder persists a new parent order in PENDING state and returns it.
// A duplicate order_unique_key surfaces as ErrDuplicateOrderUniqueKey.
func (s *Service) SubmitOrder(ctx context.Context, rc observability.RequestContext, req *SubmitOrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	order := &Order{
		ID:                  GenerateOrderID(),
		Instrument:          req.Instrument,
		Side:                req.Side,
		TotalQuantity:       req.TotalQuantity,
		NumSplits:           req.NumSplits,
		DurationMinutes:     req.DurationMinutes,
		Randomize:           req.Randomize,
		OrderUniqueKey:      req.OrderUniqueKey,
		OriginTraceID:       rc.TraceID,
		OriginTraceSource:   rc.TraceSource,
		OriginRequestID:     rc.RequestID,
		OriginRequestSource: rc.RequestSource,
		RequestID:           rc.RequestID,
	}

	if err := s.orderRepo.Create(ctx, rc, order); err != nil {
		return nil, err
	}

	return order, nil
}

// GetOrder fetches an order by id
func (s *Service) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return s.orderRepo.GetByID(ctx, orderID)
}

// GetOrderSlices lists the slices of an order in sequence order
func (s *Service) GetOrderSlices(ctx context.Context, orderID string) ([]*OrderSlice, error) {
	return s.sliceRepo.GetByOrderID(ctx, orderID)
}

// CancelOrder skips all pending slices of an order and cancels executing
// ones at the broker. Safe to call repeatedly.
func (s *Service) CancelOrder(ctx context.Context, rc observability.RequestContext, orderID string) (skipped, cancelled int, err error) {
	if _, err := s.orderRepo.GetByID(ctx, orderID); err != nil {
		return 0, 0, err
	}
	return s.canceller.CancelOrder(ctx, rc, orderID)
}
