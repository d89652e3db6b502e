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

const executionColumns = `id, slice_id, attempt_id, executor_id,
	executor_claimed_at, executor_timeout_at, last_heartbeat_at,
	execution_status, broker_order_id, broker_order_status,
	filled_quantity, average_price, execution_result, placement_attempts,
	completed_at, error_code, error_message, request_id, created_at, updated_at`

// ExecutionRepository handles persistence of slice executions
type ExecutionRepository struct {
	db     *database.DB
	logger *observability.Logger
}

// NewExecutionRepository creates an execution repository
func NewExecutionRepository(db *database.DB, logger *observability.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// ExecutionUpdate carries the optional fields of an execution status update.
// Nil fields are left untouched.
type ExecutionUpdate struct {
	BrokerOrderID     *string
	BrokerOrderStatus *BrokerOrderStatus
	FilledQuantity    *int
	AveragePrice      *decimal.Decimal
	ExecutionResult   *ExecutionResult
	PlacementAttempts *int
	ErrorCode         *string
	ErrorMessage      *string
}

// Create inserts a new execution row, claiming ownership of the slice. The
// UNIQUE(slice_id) constraint is the hard interlock against concurrent
// claims: a violation surfaces as ErrSliceClaimed and the caller abandons
// the slice.
func (r *ExecutionRepository) Create(ctx context.Context, rc observability.RequestContext, q querier, e *Execution) error {
	query := `
		INSERT INTO order_slice_executions (
			id, slice_id, attempt_id, executor_id,
			executor_claimed_at, executor_timeout_at, last_heartbeat_at,
			execution_status, placement_attempts, request_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	now := time.Now().UTC()
	e.ExecutionStatus = ExecutionStatusClaimed
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := q.ExecContext(ctx, query,
		e.ID, e.SliceID, e.AttemptID, e.ExecutorID,
		e.ExecutorClaimedAt, e.ExecutorTimeoutAt, e.LastHeartbeatAt,
		e.ExecutionStatus, e.PlacementAttempts, e.RequestID, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "order_slice_executions_slice_id_key") {
			return ErrSliceClaimed
		}
		return fmt.Errorf("failed to create execution: %w", err)
	}

	r.logger.Info(rc, "Execution record created", map[string]interface{}{
		"execution_id": e.ID,
		"slice_id":     e.SliceID,
		"attempt_id":   e.AttemptID,
		"executor_id":  e.ExecutorID,
		"timeout_at":   e.ExecutorTimeoutAt.Format(time.RFC3339),
	})

	return nil
}

// GetByID fetches an execution by id
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM order_slice_executions WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// GetBySliceID fetches the execution of a slice, if one exists
func (r *ExecutionRepository) GetBySliceID(ctx context.Context, sliceID string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM order_slice_executions WHERE slice_id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, sliceID))
}

// UpdateStatus sets the execution status plus any fields carried by upd.
// Transitioning to COMPLETED stamps completed_at.
func (r *ExecutionRepository) UpdateStatus(ctx context.Context, rc observability.RequestContext, executionID string, status ExecutionStatus, upd ExecutionUpdate) error {
	now := time.Now().UTC()
	updates := []string{"execution_status = $2", "updated_at = $3"}
	args := []interface{}{executionID, status, now}
	idx := 4

	appendSet := func(column string, value interface{}) {
		updates = append(updates, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}

	if upd.BrokerOrderID != nil {
		appendSet("broker_order_id", *upd.BrokerOrderID)
	}
	if upd.BrokerOrderStatus != nil {
		appendSet("broker_order_status", *upd.BrokerOrderStatus)
	}
	if upd.FilledQuantity != nil {
		appendSet("filled_quantity", *upd.FilledQuantity)
	}
	if upd.AveragePrice != nil {
		appendSet("average_price", *upd.AveragePrice)
	}
	if upd.ExecutionResult != nil {
		appendSet("execution_result", *upd.ExecutionResult)
	}
	if upd.PlacementAttempts != nil {
		appendSet("placement_attempts", *upd.PlacementAttempts)
	}
	if upd.ErrorCode != nil {
		appendSet("error_code", *upd.ErrorCode)
	}
	if upd.ErrorMessage != nil {
		appendSet("error_message", *upd.ErrorMessage)
	}
	if status == ExecutionStatusCompleted {
		appendSet("completed_at", now)
	}

	query := fmt.Sprintf("UPDATE order_slice_executions SET %s WHERE id = $1", strings.Join(updates, ", "))
	if _, err := r.db.ExecWithMetrics(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}

	r.logger.Info(rc, "Execution status updated", map[string]interface{}{
		"execution_id": executionID,
		"status":       string(status),
	})

	return nil
}

// UpdateHeartbeat extends the lease: last_heartbeat_at = now,
// executor_timeout_at = now + lease.
func (r *ExecutionRepository) UpdateHeartbeat(ctx context.Context, executionID string, lease time.Duration) error {
	now := time.Now().UTC()
	query := `
		UPDATE order_slice_executions
		SET last_heartbeat_at = $2,
		    executor_timeout_at = $3,
		    updated_at = $2
		WHERE id = $1
	`
	if _, err := r.db.ExecWithMetrics(ctx, query, executionID, now, now.Add(lease)); err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

// FindTimedOut lists executions whose lease has expired while still
// CLAIMED or PLACED, oldest lease first.
func (r *ExecutionRepository) FindTimedOut(ctx context.Context, now time.Time) ([]*Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM order_slice_executions
		WHERE execution_status IN ('CLAIMED', 'PLACED')
		  AND executor_timeout_at < $1
		ORDER BY executor_timeout_at ASC
	`
	rows, err := r.db.QueryWithMetrics(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query timed out executions: %w", err)
	}
	defer rows.Close()

	var result []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (r *ExecutionRepository) scanOne(row *sql.Row) (*Execution, error) {
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func scanExecution(row rowScanner) (*Execution, error) {
	e := &Execution{}
	var brokerOrderID, brokerOrderStatus, executionResult, errorCode, errorMessage sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.SliceID, &e.AttemptID, &e.ExecutorID,
		&e.ExecutorClaimedAt, &e.ExecutorTimeoutAt, &e.LastHeartbeatAt,
		&e.ExecutionStatus, &brokerOrderID, &brokerOrderStatus,
		&e.FilledQuantity, &e.AveragePrice, &executionResult, &e.PlacementAttempts,
		&completedAt, &errorCode, &errorMessage, &e.RequestID, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.BrokerOrderID = brokerOrderID.String
	e.BrokerOrderStatus = BrokerOrderStatus(brokerOrderStatus.String)
	e.ExecutionResult = ExecutionResult(executionResult.String)
	e.ErrorCode = errorCode.String
	e.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	return e, nil
}
