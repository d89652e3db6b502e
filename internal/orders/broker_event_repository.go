package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/pulsetrade/pulse-backend/pkg/database"
	"github.com/pulsetrade/pulse-backend/pkg/observability"
)

// BrokerEventRepository handles the append-only broker event audit log
type BrokerEventRepository struct {
	db     *database.DB
	logger *observability.Logger
}

// NewBrokerEventRepository creates a broker event repository
func NewBrokerEventRepository(db *database.DB, logger *observability.Logger) *BrokerEventRepository {
	return &BrokerEventRepository{db: db, logger: logger}
}

// Create appends one broker event. event_sequence must be gap-free per
// execution; UNIQUE(execution_id, event_sequence) rejects duplicates.
func (r *BrokerEventRepository) Create(ctx context.Context, rc observability.RequestContext, e *BrokerEvent) error {
	query := `
		INSERT INTO order_slice_broker_events (
			id, execution_id, slice_id, event_sequence, event_type, event_timestamp,
			attempt_number, attempt_id, executor_id, broker_name, broker_order_id,
			request_method, request_endpoint, request_payload,
			response_status_code, response_body, response_time_ms,
			broker_status, broker_message, filled_quantity, pending_quantity, average_price,
			is_success, error_code, error_message, request_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''), $14,
		        NULLIF($15, 0), $16, $17, NULLIF($18, ''), NULLIF($19, ''),
		        $20, $21, $22, $23, NULLIF($24, ''), NULLIF($25, ''), $26, $27, $27)
	`
	now := time.Now().UTC()
	if e.EventTimestamp.IsZero() {
		e.EventTimestamp = now
	}
	e.CreatedAt = now

	_, err := r.db.ExecWithMetrics(ctx, query,
		e.ID, e.ExecutionID, e.SliceID, e.EventSequence, e.EventType, e.EventTimestamp,
		e.AttemptNumber, e.AttemptID, e.ExecutorID, e.BrokerName, e.BrokerOrderID,
		e.RequestMethod, e.RequestEndpoint, nullJSON(e.RequestPayload),
		e.ResponseStatusCode, nullJSON(e.ResponseBody), e.ResponseTimeMs,
		e.BrokerStatus, e.BrokerMessage, e.FilledQuantity, e.PendingQuantity, e.AveragePrice,
		e.IsSuccess, e.ErrorCode, e.ErrorMessage, e.RequestID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create broker event: %w", err)
	}

	r.logger.Debug(rc, "Broker event recorded", map[string]interface{}{
		"event_id":       e.ID,
		"execution_id":   e.ExecutionID,
		"event_type":     string(e.EventType),
		"event_sequence": e.EventSequence,
		"is_success":     e.IsSuccess,
	})

	return nil
}

// NextSequence returns the next gap-free event sequence for an execution
func (r *BrokerEventRepository) NextSequence(ctx context.Context, executionID string) (int, error) {
	query := `
		SELECT COALESCE(MAX(event_sequence), 0) + 1
		FROM order_slice_broker_events
		WHERE execution_id = $1
	`
	var next int
	if err := r.db.QueryRowContext(ctx, query, executionID).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to read next event sequence: %w", err)
	}
	return next, nil
}

// ListByExecution returns all events of an execution in sequence order
func (r *BrokerEventRepository) ListByExecution(ctx context.Context, executionID string) ([]*BrokerEvent, error) {
	query := `
		SELECT id, execution_id, slice_id, event_sequence, event_type, event_timestamp,
		       attempt_number, attempt_id, executor_id, broker_name,
		       COALESCE(broker_order_id, ''), COALESCE(broker_status, ''), COALESCE(broker_message, ''),
		       COALESCE(filled_quantity, 0), COALESCE(pending_quantity, 0), average_price,
		       is_success, COALESCE(error_code, ''), COALESCE(error_message, ''),
		       COALESCE(response_time_ms, 0), request_id, created_at
		FROM order_slice_broker_events
		WHERE execution_id = $1
		ORDER BY event_sequence ASC
	`
	rows, err := r.db.QueryWithMetrics(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query broker events: %w", err)
	}
	defer rows.Close()

	var result []*BrokerEvent
	for rows.Next() {
		e := &BrokerEvent{}
		err := rows.Scan(
			&e.ID, &e.ExecutionID, &e.SliceID, &e.EventSequence, &e.EventType, &e.EventTimestamp,
			&e.AttemptNumber, &e.AttemptID, &e.ExecutorID, &e.BrokerName,
			&e.BrokerOrderID, &e.BrokerStatus, &e.BrokerMessage,
			&e.FilledQuantity, &e.PendingQuantity, &e.AveragePrice,
			&e.IsSuccess, &e.ErrorCode, &e.ErrorMessage,
			&e.ResponseTimeMs, &e.RequestID, &e.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullJSON maps an empty payload to SQL NULL for JSONB columns
func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
