package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of a trade
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderQueueStatus tracks a parent order through the splitting pipeline
type OrderQueueStatus string

const (
	QueueStatusPending    OrderQueueStatus = "PENDING"
	QueueStatusInProgress OrderQueueStatus = "IN_PROGRESS"
	QueueStatusCompleted  OrderQueueStatus = "COMPLETED"
	QueueStatusFailed     OrderQueueStatus = "FAILED"
	QueueStatusSkipped    OrderQueueStatus = "SKIPPED"
)

// SliceStatus tracks one child slice through execution
type SliceStatus string

const (
	SliceStatusPending   SliceStatus = "PENDING"
	SliceStatusExecuting SliceStatus = "EXECUTING"
	SliceStatusCompleted SliceStatus = "COMPLETED"
	SliceStatusCancelled SliceStatus = "CANCELLED"
	SliceStatusSkipped   SliceStatus = "SKIPPED"
)

// OrderType is the broker order type of a slice
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// ExecutionStatus tracks one execution attempt
type ExecutionStatus string

const (
	ExecutionStatusClaimed   ExecutionStatus = "CLAIMED"
	ExecutionStatusPlaced    ExecutionStatus = "PLACED"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusSkipped   ExecutionStatus = "SKIPPED"
)

// BrokerOrderStatus is the broker-side status of a placed order
type BrokerOrderStatus string

const (
	BrokerStatusPending         BrokerOrderStatus = "PENDING"
	BrokerStatusOpen            BrokerOrderStatus = "OPEN"
	BrokerStatusPartiallyFilled BrokerOrderStatus = "PARTIALLY_FILLED"
	BrokerStatusComplete        BrokerOrderStatus = "COMPLETE"
	BrokerStatusCancelled       BrokerOrderStatus = "CANCELLED"
	BrokerStatusRejected        BrokerOrderStatus = "REJECTED"
	BrokerStatusExpired         BrokerOrderStatus = "EXPIRED"
)

// IsTerminal reports whether the broker status ends the monitoring loop
func (s BrokerOrderStatus) IsTerminal() bool {
	switch s {
	case BrokerStatusComplete, BrokerStatusCancelled, BrokerStatusRejected, BrokerStatusExpired:
		return true
	}
	return false
}

// ExecutionResult is the terminal outcome of an execution
type ExecutionResult string

const (
	ResultSuccess          ExecutionResult = "SUCCESS"
	ResultPartialSuccess   ExecutionResult = "PARTIAL_SUCCESS"
	ResultBrokerRejected   ExecutionResult = "BROKER_REJECTED"
	ResultValidationFailed ExecutionResult = "VALIDATION_FAILED"
	ResultExecutorTimeout  ExecutionResult = "EXECUTOR_TIMEOUT"
)

// BrokerEventType classifies one wire interaction with the broker
type BrokerEventType string

const (
	EventPlaceOrder    BrokerEventType = "PLACE_ORDER"
	EventStatusPoll    BrokerEventType = "STATUS_POLL"
	EventCancelRequest BrokerEventType = "CANCEL_REQUEST"
)

// Order is the parent trading intent before splitting
type Order struct {
	ID                  string           `json:"id"`
	Instrument          string           `json:"instrument"`
	Side                OrderSide        `json:"side"`
	TotalQuantity       int              `json:"total_quantity"`
	NumSplits           int              `json:"num_splits"`
	DurationMinutes     int              `json:"duration_minutes"`
	Randomize           bool             `json:"randomize"`
	OrderUniqueKey      string           `json:"order_unique_key"`
	QueueStatus         OrderQueueStatus `json:"order_queue_status"`
	QueueSkipReason     string           `json:"order_queue_skip_reason,omitempty"`
	SplitCompletedAt    *time.Time       `json:"split_completed_at,omitempty"`
	OriginTraceID       string           `json:"origin_trace_id"`
	OriginTraceSource   string           `json:"origin_trace_source"`
	OriginRequestID     string           `json:"origin_request_id"`
	OriginRequestSource string           `json:"origin_request_source"`
	RequestID           string           `json:"request_id"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// OrderSlice is one child in the time-staggered plan
type OrderSlice struct {
	ID             string              `json:"id"`
	OrderID        string              `json:"order_id"`
	Instrument     string              `json:"instrument"`
	Side           OrderSide           `json:"side"`
	Quantity       int                 `json:"quantity"`
	SequenceNumber int                 `json:"sequence_number"`
	Status         SliceStatus         `json:"status"`
	ScheduledAt    time.Time           `json:"scheduled_at"`
	OrderType      OrderType           `json:"order_type"`
	LimitPrice     decimal.NullDecimal `json:"limit_price,omitempty"`
	ProductType    string              `json:"product_type"`
	Validity       string              `json:"validity"`
	FilledQuantity int                 `json:"filled_quantity"`
	AveragePrice   decimal.NullDecimal `json:"average_price,omitempty"`
	RequestID      string              `json:"request_id"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Execution is one attempt by one worker to drive one slice through the
// broker. The UNIQUE(slice_id) constraint allows at most one per slice.
type Execution struct {
	ID                string              `json:"id"`
	SliceID           string              `json:"slice_id"`
	AttemptID         string              `json:"attempt_id"`
	ExecutorID        string              `json:"executor_id"`
	ExecutorClaimedAt time.Time           `json:"executor_claimed_at"`
	ExecutorTimeoutAt time.Time           `json:"executor_timeout_at"`
	LastHeartbeatAt   time.Time           `json:"last_heartbeat_at"`
	ExecutionStatus   ExecutionStatus     `json:"execution_status"`
	BrokerOrderID     string              `json:"broker_order_id,omitempty"`
	BrokerOrderStatus BrokerOrderStatus   `json:"broker_order_status,omitempty"`
	FilledQuantity    int                 `json:"filled_quantity"`
	AveragePrice      decimal.NullDecimal `json:"average_price,omitempty"`
	ExecutionResult   ExecutionResult     `json:"execution_result,omitempty"`
	PlacementAttempts int                 `json:"placement_attempts"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
	ErrorCode         string              `json:"error_code,omitempty"`
	ErrorMessage      string              `json:"error_message,omitempty"`
	RequestID         string              `json:"request_id"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// IsTerminal reports whether the execution can no longer be mutated by a
// worker. Only the timeout monitor writes terminal state for expired leases.
func (e *Execution) IsTerminal() bool {
	return e.ExecutionStatus == ExecutionStatusCompleted || e.ExecutionStatus == ExecutionStatusSkipped
}

// BrokerEvent is an append-only audit record of one broker wire call
type BrokerEvent struct {
	ID                 string              `json:"id"`
	ExecutionID        string              `json:"execution_id"`
	SliceID            string              `json:"slice_id"`
	EventSequence      int                 `json:"event_sequence"`
	EventType          BrokerEventType     `json:"event_type"`
	EventTimestamp     time.Time           `json:"event_timestamp"`
	AttemptNumber      int                 `json:"attempt_number"`
	AttemptID          string              `json:"attempt_id"`
	ExecutorID         string              `json:"executor_id"`
	BrokerName         string              `json:"broker_name"`
	BrokerOrderID      string              `json:"broker_order_id,omitempty"`
	RequestMethod      string              `json:"request_method,omitempty"`
	RequestEndpoint    string              `json:"request_endpoint,omitempty"`
	RequestPayload     []byte              `json:"request_payload,omitempty"`
	ResponseStatusCode int                 `json:"response_status_code,omitempty"`
	ResponseBody       []byte              `json:"response_body,omitempty"`
	ResponseTimeMs     int                 `json:"response_time_ms,omitempty"`
	BrokerStatus       string              `json:"broker_status,omitempty"`
	BrokerMessage      string              `json:"broker_message,omitempty"`
	FilledQuantity     int                 `json:"filled_quantity"`
	PendingQuantity    int                 `json:"pending_quantity"`
	AveragePrice       decimal.NullDecimal `json:"average_price,omitempty"`
	IsSuccess          bool                `json:"is_success"`
	ErrorCode          string              `json:"error_code,omitempty"`
	ErrorMessage       string              `json:"error_message,omitempty"`
	RequestID          string              `json:"request_id"`
	CreatedAt          time.Time           `json:"created_at"`
}

// MapExecutionResult maps a terminal broker status and fill to the recorded
// execution result. Monitoring-timeout cancellations land here with whatever
// status the broker last reported.
func MapExecutionResult(status BrokerOrderStatus, filledQuantity, requestedQuantity int) ExecutionResult {
	switch status {
	case BrokerStatusComplete:
		if filledQuantity == requestedQuantity {
			return ResultSuccess
		}
		return ResultPartialSuccess
	case BrokerStatusRejected:
		return ResultBrokerRejected
	case BrokerStatusCancelled, BrokerStatusExpired:
		return ResultPartialSuccess
	default:
		return ResultPartialSuccess
	}
}
