package orders

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pulsetrade/pulse-backend/pkg/database"
	"github.com/pulsetrade/pulse-backend/pkg/observability"
)

// Store composes the repositories into the transactional operations the
// workers run. All cross-worker coordination happens through these
// operations; workers hold no state of their own.
type Store struct {
	db           *database.DB
	orders       *OrderRepository
	slices       *SliceRepository
	executions   *ExecutionRepository
	brokerEvents *BrokerEventRepository
	logger       *observability.Logger
}

// NewStore creates the store facade over one database handle
func NewStore(db *database.DB, logger *observability.Logger) *Store {
	return &Store{
		db:           db,
		orders:       NewOrderRepository(db, logger),
		slices:       NewSliceRepository(db, logger),
		executions:   NewExecutionRepository(db, logger),
		brokerEvents: NewBrokerEventRepository(db, logger),
		logger:       logger,
	}
}

// Orders exposes the order repository for the API layer
func (s *Store) Orders() *OrderRepository { return s.orders }

// Slices exposes the slice repository for the API layer
func (s *Store) Slices() *SliceRepository { return s.slices }

// FetchPendingOrders locks up to batchSize PENDING orders, transitions them
// to IN_PROGRESS and returns them. The row locks guarantee no two workers
// pick the same order; after commit the IN_PROGRESS status keeps peers away.
func (s *Store) FetchPendingOrders(ctx context.Context, rc observability.RequestContext, batchSize int) ([]*Order, error) {
	var batch []*Order
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		pending, err := s.orders.GetPendingForUpdate(ctx, tx, batchSize)
		if err != nil {
			return err
		}
		for _, o := range pending {
			if err := s.orders.UpdateQueueStatus(ctx, rc, tx, o.ID, QueueStatusInProgress, ""); err != nil {
				return err
			}
			o.QueueStatus = QueueStatusInProgress
		}
		batch = pending
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// MaterializeSlices inserts all slices of an order and marks the order
// COMPLETED in a single transaction, so an order is never COMPLETED with a
// partial slice set.
func (s *Store) MaterializeSlices(ctx context.Context, rc observability.RequestContext, orderID string, slices []*OrderSlice) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.slices.CreateBatch(ctx, rc, tx, slices); err != nil {
			return err
		}
		return s.orders.MarkSplitComplete(ctx, rc, tx, orderID)
	})
}

// FailOrder marks an order FAILED with the given reason
func (s *Store) FailOrder(ctx context.Context, rc observability.RequestContext, orderID, reason string) error {
	return s.orders.UpdateQueueStatus(ctx, rc, s.db, orderID, QueueStatusFailed, reason)
}

// ClaimedSlice pairs a due slice with the execution row that claimed it
type ClaimedSlice struct {
	Slice     *OrderSlice
	Execution *Execution
}

// ClaimDueSlices claims up to batchSize due slices for executorID, one at a
// time. Each claim locks one PENDING slice whose scheduled_at has passed
// (skipping rows locked by peers) and transitions it to EXECUTING in its own
// transaction; the execution row is inserted after that transaction commits.
// The two writes are not atomic: an insert that fails leaves the slice
// EXECUTING without an execution row. The UNIQUE(slice_id) constraint on
// executions is the safety net: if it fires, another worker already owns
// the slice and this one abandons it silently.
func (s *Store) ClaimDueSlices(ctx context.Context, rc observability.RequestContext, executorID string, lease time.Duration, batchSize int) ([]*ClaimedSlice, error) {
	var claimed []*ClaimedSlice

	for len(claimed) < batchSize {
		var sl *OrderSlice
		err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
			due, err := s.slices.GetDueForUpdate(ctx, tx, time.Now().UTC(), 1)
			if err != nil {
				return err
			}
			if len(due) == 0 {
				return nil
			}
			if err := s.slices.UpdateStatus(ctx, rc, tx, due[0].ID, SliceStatusExecuting, nil, nil); err != nil {
				return err
			}
			sl = due[0]
			sl.Status = SliceStatusExecuting
			return nil
		})
		if err != nil {
			return claimed, err
		}
		if sl == nil {
			break
		}

		now := time.Now().UTC()
		exec := &Execution{
			ID:                GenerateExecutionID(),
			SliceID:           sl.ID,
			AttemptID:         GenerateAttemptID(),
			ExecutorID:        executorID,
			ExecutorClaimedAt: now,
			ExecutorTimeoutAt: now.Add(lease),
			LastHeartbeatAt:   now,
			RequestID:         sl.RequestID,
		}
		if err := s.executions.Create(ctx, rc, s.db, exec); err != nil {
			if errors.Is(err, ErrSliceClaimed) {
				// Another worker holds the execution; its owner or the
				// timeout monitor will finish the slice.
				s.logger.Warn(rc, "Slice already claimed, abandoning", map[string]interface{}{
					"slice_id":    sl.ID,
					"executor_id": executorID,
				})
				continue
			}
			return claimed, err
		}

		claimed = append(claimed, &ClaimedSlice{Slice: sl, Execution: exec})
	}

	return claimed, nil
}

// GetExecution fetches an execution by id
func (s *Store) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	return s.executions.GetByID(ctx, executionID)
}

// GetExecutionBySlice fetches the execution of a slice, if any
func (s *Store) GetExecutionBySlice(ctx context.Context, sliceID string) (*Execution, error) {
	return s.executions.GetBySliceID(ctx, sliceID)
}

// Heartbeat extends the lease of an execution
func (s *Store) Heartbeat(ctx context.Context, executionID string, lease time.Duration) error {
	return s.executions.UpdateHeartbeat(ctx, executionID, lease)
}

// UpdateExecution applies a status change plus optional fields
func (s *Store) UpdateExecution(ctx context.Context, rc observability.RequestContext, executionID string, status ExecutionStatus, upd ExecutionUpdate) error {
	return s.executions.UpdateStatus(ctx, rc, executionID, status, upd)
}

// UpdateSlice applies a slice status change plus optional fill fields
func (s *Store) UpdateSlice(ctx context.Context, rc observability.RequestContext, sliceID string, status SliceStatus, filledQuantity *int, averagePrice *decimal.Decimal) error {
	return s.slices.UpdateStatus(ctx, rc, s.db, sliceID, status, filledQuantity, averagePrice)
}

// NextEventSequence returns the next broker event sequence of an execution
func (s *Store) NextEventSequence(ctx context.Context, executionID string) (int, error) {
	return s.brokerEvents.NextSequence(ctx, executionID)
}

// RecordBrokerEvent appends one broker event
func (s *Store) RecordBrokerEvent(ctx context.Context, rc observability.RequestContext, event *BrokerEvent) error {
	return s.brokerEvents.Create(ctx, rc, event)
}

// FindTimedOutExecutions lists executions with expired leases
func (s *Store) FindTimedOutExecutions(ctx context.Context, now time.Time) ([]*Execution, error) {
	return s.executions.FindTimedOut(ctx, now)
}

// FinalizeTimedOutExecution terminates an expired execution and completes
// its slice in one transaction, copying any partial fill recorded on the
// execution. Rechecks the status inside the transaction so two monitor
// runs finalize each execution exactly once.
func (s *Store) FinalizeTimedOutExecution(ctx context.Context, rc observability.RequestContext, executionID, executorID string) (bool, error) {
	finalized := false
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+executionColumns+`
			FROM order_slice_executions
			WHERE id = $1
			  AND execution_status IN ('CLAIMED', 'PLACED')
			  AND executor_timeout_at < $2
			FOR UPDATE SKIP LOCKED
		`, executionID, time.Now().UTC())

		exec, err := scanExecution(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Already finalized by the owner or a previous run.
				return nil
			}
			return err
		}

		now := time.Now().UTC()
		errorMessage := "Executor " + executorID + " timed out"
		if _, err := tx.ExecContext(ctx, `
			UPDATE order_slice_executions
			SET execution_status = 'COMPLETED',
			    execution_result = 'EXECUTOR_TIMEOUT',
			    error_code = 'EXECUTOR_TIMEOUT',
			    error_message = $2,
			    completed_at = $3,
			    updated_at = $3
			WHERE id = $1
		`, executionID, errorMessage, now); err != nil {
			return err
		}

		if err := s.slices.UpdateStatus(ctx, rc, tx, exec.SliceID, SliceStatusCompleted, &exec.FilledQuantity, nullableDecimal(exec.AveragePrice)); err != nil {
			return err
		}

		finalized = true
		return nil
	})
	return finalized, err
}

// GetActiveSlices lists PENDING and EXECUTING slices of an order
func (s *Store) GetActiveSlices(ctx context.Context, orderID string) ([]*OrderSlice, error) {
	return s.slices.GetActiveByOrderID(ctx, orderID)
}

// nullableDecimal converts a NullDecimal to the pointer form the slice
// repository takes for optional updates
func nullableDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}
