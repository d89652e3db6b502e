package orders

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrDuplicateOrderUniqueKey is returned when an order with the same
	// order_unique_key already exists. Ingress maps this to HTTP 409.
	ErrDuplicateOrderUniqueKey = errors.New("DUPLICATE_ORDER_UNIQUE_KEY")

	// ErrSliceClaimed is returned when another worker holds the execution
	// for a slice. The caller abandons the slice silently.
	ErrSliceClaimed = errors.New("slice already claimed by another executor")

	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidOrder is returned when an order submission fails validation.
	ErrInvalidOrder = errors.New("invalid order")
)

const pqUniqueViolation = "23505"

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation, optionally on a specific constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != pqUniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
