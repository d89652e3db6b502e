package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pulsetrade/pulse-backend/internal/config"
	"github.com/pulsetrade/pulse-backend/pkg/observability"
)

// ZerodhaClient integrates with the Zerodha Kite Connect order API
type ZerodhaClient struct {
	logger      *observability.Logger
	apiKey      string
	accessToken string
	baseURL     string
	httpClient  *http.Client
	rateLimiter *RateLimiter
}

// RateLimiter implements token bucket rate limiting for broker calls
type RateLimiter struct {
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a token bucket with the given capacity and refill interval
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	refills := int(now.Sub(rl.lastRefill) / rl.refillRate)
	if refills > 0 {
		rl.tokens += refills
		if rl.tokens > rl.maxTokens {
			rl.tokens = rl.maxTokens
		}
		rl.lastRefill = now
	}

	if rl.tokens <= 0 {
		return false
	}
	rl.tokens--
	return true
}

// NewZerodhaClient creates a Kite Connect client from broker configuration
func NewZerodhaClient(cfg config.BrokerConfig, logger *observability.Logger) *ZerodhaClient {
	return &ZerodhaClient{
		logger:      logger,
		apiKey:      cfg.APIKey,
		accessToken: cfg.AccessToken,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: NewRateLimiter(10, 100*time.Millisecond),
	}
}

// Name returns the broker identifier used in audit events
func (c *ZerodhaClient) Name() string {
	return "zerodha"
}

// kiteOrderData is the payload of Kite order responses
type kiteOrderData struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	FilledQuantity  int     `json:"filled_quantity"`
	PendingQuantity int     `json:"pending_quantity"`
	AveragePrice    float64 `json:"average_price"`
	StatusMessage   string  `json:"status_message"`
}

// kiteEnvelope wraps every Kite API response
type kiteEnvelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

// PlaceOrder places an order via POST /orders/regular
func (c *ZerodhaClient) PlaceOrder(ctx context.Context, rc observability.RequestContext, req *OrderRequest) (*OrderResponse, error) {
	exchange, tradingSymbol, err := splitInstrument(req.Instrument)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("exchange", exchange)
	form.Set("tradingsymbol", tradingSymbol)
	form.Set("transaction_type", req.Side)
	form.Set("quantity", strconv.Itoa(req.Quantity))
	form.Set("order_type", req.OrderType)
	form.Set("product", req.ProductType)
	form.Set("validity", req.Validity)
	if req.OrderType == "LIMIT" && req.LimitPrice.Valid {
		form.Set("price", req.LimitPrice.Decimal.StringFixed(2))
	}

	c.logger.Info(rc, "Placing order with Zerodha", map[string]interface{}{
		"instrument": req.Instrument,
		"side":       req.Side,
		"quantity":   req.Quantity,
		"order_type": req.OrderType,
	})

	data, err := c.do(ctx, http.MethodPost, "/orders/regular", form)
	if err != nil {
		return nil, err
	}

	// Placement returns only the order id; the authoritative status comes
	// from the first poll.
	var placed struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(data, &placed); err != nil {
		return nil, fmt.Errorf("failed to decode place response: %w", err)
	}

	return c.GetOrderStatus(ctx, rc, placed.OrderID)
}

// GetOrderStatus polls order state via GET /orders/{id}. Idempotent.
func (c *ZerodhaClient) GetOrderStatus(ctx context.Context, rc observability.RequestContext, brokerOrderID string) (*OrderResponse, error) {
	data, err := c.do(ctx, http.MethodGet, "/orders/"+brokerOrderID, nil)
	if err != nil {
		return nil, err
	}

	// The order endpoint returns the full order history; the last entry
	// is the current state.
	var history []kiteOrderData
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("failed to decode order status: %w", err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("empty order history for %s", brokerOrderID)
	}

	return toOrderResponse(history[len(history)-1]), nil
}

// CancelOrder cancels via DELETE /orders/regular/{id}. Idempotent: a
// cancel of an already-terminal order returns its terminal state.
func (c *ZerodhaClient) CancelOrder(ctx context.Context, rc observability.RequestContext, brokerOrderID string) (*OrderResponse, error) {
	if _, err := c.do(ctx, http.MethodDelete, "/orders/regular/"+brokerOrderID, nil); err != nil {
		return nil, err
	}
	return c.GetOrderStatus(ctx, rc, brokerOrderID)
}

// do performs one authenticated API call and unwraps the Kite envelope
func (c *ZerodhaClient) do(ctx context.Context, method, path string, form url.Values) (json.RawMessage, error) {
	if !c.rateLimiter.Allow() {
		return nil, &NetworkError{Err: fmt.Errorf("rate limit exceeded for %s", path)}
	}

	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", c.apiKey, c.accessToken))
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport errors are retryable network failures.
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	var envelope kiteEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode broker response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, &NetworkError{Err: fmt.Errorf("broker unavailable: %d %s", resp.StatusCode, envelope.Message)}
	}
	if envelope.Status != "success" {
		return nil, fmt.Errorf("%s: %s", envelope.ErrorType, envelope.Message)
	}

	return envelope.Data, nil
}

// toOrderResponse maps Kite order data onto the adapter response shape
func toOrderResponse(data kiteOrderData) *OrderResponse {
	resp := &OrderResponse{
		BrokerOrderID:   data.OrderID,
		Status:          normalizeKiteStatus(data.Status),
		FilledQuantity:  data.FilledQuantity,
		PendingQuantity: data.PendingQuantity,
		Message:         data.StatusMessage,
	}
	if data.AveragePrice > 0 {
		resp.AveragePrice = decimal.NewNullDecimal(decimal.NewFromFloat(data.AveragePrice))
	}
	return resp
}

// normalizeKiteStatus maps vendor statuses onto the pipeline vocabulary
func normalizeKiteStatus(status string) string {
	switch strings.ToUpper(status) {
	case "COMPLETE":
		return "COMPLETE"
	case "CANCELLED", "CANCELLED AMO":
		return "CANCELLED"
	case "REJECTED":
		return "REJECTED"
	case "EXPIRED":
		return "EXPIRED"
	case "OPEN", "OPEN PENDING", "TRIGGER PENDING", "MODIFY PENDING":
		return "OPEN"
	case "PUT ORDER REQ RECEIVED", "VALIDATION PENDING":
		return "PENDING"
	default:
		return strings.ToUpper(status)
	}
}

// splitInstrument parses EXCHANGE:SYMBOL
func splitInstrument(instrument string) (exchange, symbol string, err error) {
	parts := strings.SplitN(instrument, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid instrument: %s", instrument)
	}
	return parts[0], parts[1], nil
}
