package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pulsetrade/pulse-backend/pkg/database"
	"github.com/pulsetrade/pulse-backend/pkg/observability"
)

// querier is satisfied by *sql.DB, *sql.Tx and *database.DB so repository
// methods can run standalone or inside a caller-owned transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const orderColumns = `id, instrument, side, total_quantity, num_splits, duration_minutes,
	randomize, order_unique_key, order_queue_status, order_queue_skip_reason,
	split_completed_at, origin_trace_id, origin_trace_source, origin_request_id,
	origin_request_source, request_id, created_at, updated_at`

// OrderRepository handles persistence of parent orders
type OrderRepository struct {
	db     *database.DB
	logger *observability.Logger
}

// NewOrderRepository creates an order repository
func NewOrderRepository(db *database.DB, logger *observability.Logger) *OrderRepository {
	return &OrderRepository{db: db, logger: logger}
}

// Create inserts a new parent order in PENDING state. A duplicate
// order_unique_key surfaces as ErrDuplicateOrderUniqueKey.
func (r *OrderRepository) Create(ctx context.Context, rc observability.RequestContext, o *Order) error {
	query := `
		INSERT INTO orders (
			id, instrument, side, total_quantity, num_splits, duration_minutes,
			randomize, order_unique_key, order_queue_status,
			origin_trace_id, origin_trace_source, origin_request_id, origin_request_source,
			request_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	now := time.Now().UTC()
	o.QueueStatus = QueueStatusPending
	o.CreatedAt = now
	o.UpdatedAt = now

	_, err := r.db.ExecWithMetrics(ctx, query,
		o.ID, o.Instrument, o.Side, o.TotalQuantity, o.NumSplits, o.DurationMinutes,
		o.Randomize, o.OrderUniqueKey, o.QueueStatus,
		o.OriginTraceID, o.OriginTraceSource, o.OriginRequestID, o.OriginRequestSource,
		o.RequestID, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "orders_order_unique_key_key") {
			return ErrDuplicateOrderUniqueKey
		}
		return fmt.Errorf("failed to create order: %w", err)
	}

	r.logger.Info(rc, "Order created", map[string]interface{}{
		"order_id":         o.ID,
		"instrument":       o.Instrument,
		"side":             string(o.Side),
		"total_quantity":   o.TotalQuantity,
		"num_splits":       o.NumSplits,
		"order_unique_key": o.OrderUniqueKey,
	})

	return nil
}

// GetByID fetches an order by id
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// GetByUniqueKey fetches an order by its client-supplied unique key
func (r *OrderRepository) GetByUniqueKey(ctx context.Context, key string) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_unique_key = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, key))
}

// GetPendingForUpdate reads up to batchSize PENDING orders inside tx,
// oldest first, taking exclusive row locks and skipping rows locked by
// peer workers.
func (r *OrderRepository) GetPendingForUpdate(ctx context.Context, tx *sql.Tx, batchSize int) ([]*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE order_queue_status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.QueryContext(ctx, query, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending orders: %w", err)
	}
	defer rows.Close()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// UpdateQueueStatus sets the queue status (and optional skip reason) of an
// order. q may be the pool or an open transaction.
func (r *OrderRepository) UpdateQueueStatus(ctx context.Context, rc observability.RequestContext, q querier, orderID string, status OrderQueueStatus, skipReason string) error {
	query := `
		UPDATE orders
		SET order_queue_status = $2,
		    order_queue_skip_reason = NULLIF($3, ''),
		    request_id = $4,
		    updated_at = $5
		WHERE id = $1
	`
	if _, err := q.ExecContext(ctx, query, orderID, status, skipReason, rc.RequestID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	r.logger.Info(rc, "Order queue status updated", map[string]interface{}{
		"order_id":    orderID,
		"status":      string(status),
		"skip_reason": skipReason,
	})

	return nil
}

// MarkSplitComplete transitions an order to COMPLETED and stamps
// split_completed_at.
func (r *OrderRepository) MarkSplitComplete(ctx context.Context, rc observability.RequestContext, q querier, orderID string) error {
	now := time.Now().UTC()
	query := `
		UPDATE orders
		SET order_queue_status = 'COMPLETED',
		    split_completed_at = $2,
		    request_id = $3,
		    updated_at = $2
		WHERE id = $1
	`
	if _, err := q.ExecContext(ctx, query, orderID, now, rc.RequestID); err != nil {
		return fmt.Errorf("failed to mark order split complete: %w", err)
	}
	return nil
}

func (r *OrderRepository) scanOne(row *sql.Row) (*Order, error) {
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return o, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*Order, error) {
	o := &Order{}
	var skipReason sql.NullString
	var splitCompletedAt sql.NullTime
	err := row.Scan(
		&o.ID, &o.Instrument, &o.Side, &o.TotalQuantity, &o.NumSplits, &o.DurationMinutes,
		&o.Randomize, &o.OrderUniqueKey, &o.QueueStatus, &skipReason,
		&splitCompletedAt, &o.OriginTraceID, &o.OriginTraceSource, &o.OriginRequestID,
		&o.OriginRequestSource, &o.RequestID, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.QueueSkipReason = skipReason.String
	if splitCompletedAt.Valid {
		t := splitCompletedAt.Time
		o.SplitCompletedAt = &t
	}
	return o, nil
}
