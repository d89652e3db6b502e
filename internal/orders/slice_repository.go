package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pulsetrade/pulse-backend/pkg/database"
	"github.com/pulsetrade/pulse-backend/pkg/observability"
)

const sliceColumns = `id, order_id, instrument, side, quantity, sequence_number, status,
	scheduled_at, order_type, limit_price, product_type, validity,
	filled_quantity, average_price, request_id, created_at, updated_at`

// SliceRepository handles persistence of order slices
type SliceRepository struct {
	db     *database.DB
	logger *observability.Logger
}

// NewSliceRepository creates a slice repository
func NewSliceRepository(db *database.DB, logger *observability.Logger) *SliceRepository {
	return &SliceRepository{db: db, logger: logger}
}

// CreateBatch inserts all slices of one order in a single statement inside
// tx. A violation of UNIQUE(order_id, sequence_number) indicates concurrent
// duplicate splitting and is surfaced to the caller as-is.
func (r *SliceRepository) CreateBatch(ctx context.Context, rc observability.RequestContext, tx *sql.Tx, slices []*OrderSlice) error {
	if len(slices) == 0 {
		return nil
	}

	now := time.Now().UTC()
	const fieldsPerRow = 17
	placeholders := make([]string, 0, len(slices))
	args := make([]interface{}, 0, len(slices)*fieldsPerRow)

	for i, s := range slices {
		s.CreatedAt = now
		s.UpdatedAt = now
		base := i * fieldsPerRow
		marks := make([]string, fieldsPerRow)
		for j := range marks {
			marks[j] = fmt.Sprintf("$%d", base+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(marks, ", ")+")")
		args = append(args,
			s.ID, s.OrderID, s.Instrument, s.Side, s.Quantity, s.SequenceNumber, s.Status,
			s.ScheduledAt, s.OrderType, s.LimitPrice, s.ProductType, s.Validity,
			s.FilledQuantity, s.AveragePrice, s.RequestID, s.CreatedAt, s.UpdatedAt,
		)
	}

	query := `
		INSERT INTO order_slices (
			id, order_id, instrument, side, quantity, sequence_number, status,
			scheduled_at, order_type, limit_price, product_type, validity,
			filled_quantity, average_price, request_id, created_at, updated_at
		)
		VALUES ` + strings.Join(placeholders, ", ")

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert order slices: %w", err)
	}

	r.logger.Info(rc, "Order slices created", map[string]interface{}{
		"order_id": slices[0].OrderID,
		"count":    len(slices),
	})

	return nil
}

// GetByID fetches a slice by id
func (r *SliceRepository) GetByID(ctx context.Context, id string) (*OrderSlice, error) {
	query := `SELECT ` + sliceColumns + ` FROM order_slices WHERE id = $1`
	s, err := scanSlice(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// GetByOrderID lists all slices of an order in sequence order
func (r *SliceRepository) GetByOrderID(ctx context.Context, orderID string) ([]*OrderSlice, error) {
	query := `SELECT ` + sliceColumns + ` FROM order_slices WHERE order_id = $1 ORDER BY sequence_number ASC`
	return r.queryMany(ctx, r.db, query, orderID)
}

// GetActiveByOrderID lists PENDING and EXECUTING slices of an order. Used
// by the cancellation handler; the filter makes repeated cancels no-ops.
func (r *SliceRepository) GetActiveByOrderID(ctx context.Context, orderID string) ([]*OrderSlice, error) {
	query := `
		SELECT ` + sliceColumns + `
		FROM order_slices
		WHERE order_id = $1
		  AND status IN ('PENDING', 'EXECUTING')
		ORDER BY sequence_number ASC
	`
	return r.queryMany(ctx, r.db, query, orderID)
}

// GetDueForUpdate reads up to batchSize PENDING slices whose scheduled_at
// has passed, earliest first, with exclusive row locks, skipping rows
// locked by peer workers.
func (r *SliceRepository) GetDueForUpdate(ctx context.Context, tx *sql.Tx, now time.Time, batchSize int) ([]*OrderSlice, error) {
	query := `
		SELECT ` + sliceColumns + `
		FROM order_slices
		WHERE status = 'PENDING'
		  AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	return r.queryMany(ctx, tx, query, now, batchSize)
}

// UpdateStatus sets the slice status. filledQuantity and averagePrice are
// applied only when provided.
func (r *SliceRepository) UpdateStatus(ctx context.Context, rc observability.RequestContext, q querier, sliceID string, status SliceStatus, filledQuantity *int, averagePrice *decimal.Decimal) error {
	updates := []string{"status = $2", "updated_at = $3"}
	args := []interface{}{sliceID, status, time.Now().UTC()}
	idx := 4

	if filledQuantity != nil {
		updates = append(updates, fmt.Sprintf("filled_quantity = $%d", idx))
		args = append(args, *filledQuantity)
		idx++
	}
	if averagePrice != nil {
		updates = append(updates, fmt.Sprintf("average_price = $%d", idx))
		args = append(args, *averagePrice)
		idx++
	}

	query := fmt.Sprintf("UPDATE order_slices SET %s WHERE id = $1", strings.Join(updates, ", "))
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update slice status: %w", err)
	}

	r.logger.Info(rc, "Slice status updated", map[string]interface{}{
		"slice_id": sliceID,
		"status":   string(status),
	})

	return nil
}

// CountByOrderID returns the number of slices materialized for an order
func (r *SliceRepository) CountByOrderID(ctx context.Context, orderID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_slices WHERE order_id = $1`, orderID).Scan(&count)
	return count, err
}

func (r *SliceRepository) queryMany(ctx context.Context, q querier, query string, args ...interface{}) ([]*OrderSlice, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query order slices: %w", err)
	}
	defer rows.Close()

	var result []*OrderSlice
	for rows.Next() {
		s, err := scanSlice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func scanSlice(row rowScanner) (*OrderSlice, error) {
	s := &OrderSlice{}
	var orderType, productType, validity sql.NullString
	err := row.Scan(
		&s.ID, &s.OrderID, &s.Instrument, &s.Side, &s.Quantity, &s.SequenceNumber, &s.Status,
		&s.ScheduledAt, &orderType, &s.LimitPrice, &productType, &validity,
		&s.FilledQuantity, &s.AveragePrice, &s.RequestID, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.OrderType = OrderType(orderType.String)
	s.ProductType = productType.String
	s.Validity = validity.String
	return s, nil
}
