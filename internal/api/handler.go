package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pulsetrade/pulse-backend/internal/orders"
	"github.com/pulsetrade/pulse-backend/pkg/observability"
)

// orderService is the slice of the order service the handlers need
type orderService interface {
	SubmitOrder(ctx context.Context, rc observability.RequestContext, req *orders.SubmitOrderRequest) (*orders.Order, error)
	GetOrder(ctx context.Context, orderID string) (*orders.Order, error)
	GetOrderSlices(ctx context.Context, orderID string) ([]*orders.OrderSlice, error)
	CancelOrder(ctx context.Context, rc observability.RequestContext, orderID string) (skipped, cancelled int, err error)
}

// Handler serves the internal order API
type Handler struct {
	service orderService
	logger  *observability.Logger
}

// NewHandler creates the API handler
func NewHandler(service orderService, logger *observability.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the order routes on the router
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/internal/orders", h.createOrder).Methods(http.MethodPost)
	router.HandleFunc("/internal/orders/{id}", h.getOrder).Methods(http.MethodGet)
	router.HandleFunc("/internal/orders/{id}/cancel", h.cancelOrder).Methods(http.MethodPost)
	router.HandleFunc("/health", h.health).Methods(http.MethodGet)
}

// errorResponse is the error payload shape
type errorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// createOrderResponse is returned on successful submission
type createOrderResponse struct {
	OrderID     string `json:"order_id"`
	QueueStatus string `json:"order_queue_status"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	rc := RequestContextFrom(r.Context())

	var req orders.SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{ErrorCode: "INVALID_REQUEST", Message: "malformed request body"})
		return
	}

	order, err := h.service.SubmitOrder(r.Context(), rc, &req)
	if err != nil {
		switch {
		case errors.Is(err, orders.ErrDuplicateOrderUniqueKey):
			writeJSON(w, http.StatusConflict, errorResponse{ErrorCode: "DUPLICATE_ORDER_UNIQUE_KEY", Message: "order_unique_key already exists"})
		case errors.Is(err, orders.ErrInvalidOrder):
			writeJSON(w, http.StatusBadRequest, errorResponse{ErrorCode: "INVALID_REQUEST", Message: err.Error()})
		default:
			h.logger.Error(rc, "Failed to create order", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{ErrorCode: "INTERNAL_ERROR", Message: "failed to create order"})
		}
		return
	}

	writeJSON(w, http.StatusCreated, createOrderResponse{
		OrderID:     order.ID,
		QueueStatus: string(order.QueueStatus),
	})
}

// getOrderResponse combines the order with its slices
type getOrderResponse struct {
	Order  *orders.Order        `json:"order"`
	Slices []*orders.OrderSlice `json:"slices"`
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	rc := RequestContextFrom(r.Context())
	orderID := mux.Vars(r)["id"]

	order, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{ErrorCode: "ORDER_NOT_FOUND", Message: "order not found"})
			return
		}
		h.logger.Error(rc, "Failed to fetch order", err, map[string]interface{}{"order_id": orderID})
		writeJSON(w, http.StatusInternalServerError, errorResponse{ErrorCode: "INTERNAL_ERROR", Message: "failed to fetch order"})
		return
	}

	slices, err := h.service.GetOrderSlices(r.Context(), orderID)
	if err != nil {
		h.logger.Error(rc, "Failed to fetch order slices", err, map[string]interface{}{"order_id": orderID})
		writeJSON(w, http.StatusInternalServerError, errorResponse{ErrorCode: "INTERNAL_ERROR", Message: "failed to fetch order"})
		return
	}

	writeJSON(w, http.StatusOK, getOrderResponse{Order: order, Slices: slices})
}

// cancelOrderResponse reports what cancellation touched
type cancelOrderResponse struct {
	OrderID             string `json:"order_id"`
	SkippedSlices       int    `json:"skipped_slices"`
	CancelledExecutions int    `json:"cancelled_executions"`
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	rc := RequestContextFrom(r.Context())
	orderID := mux.Vars(r)["id"]

	skipped, cancelled, err := h.service.CancelOrder(r.Context(), rc, orderID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{ErrorCode: "ORDER_NOT_FOUND", Message: "order not found"})
			return
		}
		h.logger.Error(rc, "Failed to cancel order", err, map[string]interface{}{"order_id": orderID})
		writeJSON(w, http.StatusInternalServerError, errorResponse{ErrorCode: "INTERNAL_ERROR", Message: "failed to cancel order"})
		return
	}

	writeJSON(w, http.StatusOK, cancelOrderResponse{
		OrderID:             orderID,
		SkippedSlices:       skipped,
		CancelledExecutions: cancelled,
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
