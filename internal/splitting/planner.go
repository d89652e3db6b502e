// Package splitting implements the quantity and time distribution planner
// for parent orders. It is intentionally pure (no database access); the
// splitting worker persists its output via repositories.
package splitting

import (
	"fmt"
	"math/rand"
	"time"
)

// Slice is one child in the computed schedule
type Slice struct {
	Quantity       int
	SequenceNumber int
	ScheduledAt    time.Time
}

const (
	quantityVariance = 0.2
	timeVariance     = 0.3
)

// Plan calculates quantities and scheduled times for child orders.
//
// All ScheduledAt values fall within the inclusive window
// [parentCreatedAt, parentCreatedAt + durationMinutes]. Quantities sum to
// totalQuantity exactly: the last slice absorbs the rounding remainder.
// The first and last slices are never time-jittered, so the plan honours
// the window endpoints.
//
// rng drives the optional randomization; with randomize=false the output is
// fully deterministic.
func Plan(parentCreatedAt time.Time, totalQuantity, numSplits, durationMinutes int, randomize bool, rng *rand.Rand) ([]Slice, error) {
	if numSplits < 1 {
		return nil, fmt.Errorf("num_splits must be >= 1, got %d", numSplits)
	}
	if totalQuantity <= 0 {
		return nil, fmt.Errorf("total_quantity must be > 0, got %d", totalQuantity)
	}
	if durationMinutes < 0 {
		return nil, fmt.Errorf("duration_minutes must be >= 0, got %d", durationMinutes)
	}

	parentCreatedAt = parentCreatedAt.UTC()
	baseQuantity := float64(totalQuantity) / float64(numSplits)

	// Quantities: all but the last slice take the (possibly jittered)
	// floor of the base; the last takes the remainder so the sum is exact.
	quantities := make([]int, 0, numSplits)
	runningTotal := 0
	for i := 0; i < numSplits-1; i++ {
		qty := int(baseQuantity)
		if randomize {
			variance := (rng.Float64()*2 - 1) * quantityVariance
			qty = int(baseQuantity * (1 + variance))
			if qty < 0 {
				qty = 0
			}
		}
		quantities = append(quantities, qty)
		runningTotal += qty
	}
	quantities = append(quantities, totalQuantity-runningTotal)

	// Scheduled times: evenly spaced across the window, interior slices
	// jittered when randomization is on, all hard-clamped to the window.
	windowEnd := parentCreatedAt.Add(time.Duration(durationMinutes) * time.Minute)
	var baseIntervalMinutes float64
	if numSplits > 1 {
		baseIntervalMinutes = float64(durationMinutes) / float64(numSplits-1)
	}

	slices := make([]Slice, 0, numSplits)
	for i := 0; i < numSplits; i++ {
		offsetMinutes := float64(i) * baseIntervalMinutes
		if randomize && numSplits > 1 && i > 0 && i < numSplits-1 {
			maxVariance := baseIntervalMinutes * timeVariance
			offsetMinutes += (rng.Float64()*2 - 1) * maxVariance
		}

		scheduledAt := parentCreatedAt.Add(time.Duration(offsetMinutes * float64(time.Minute)))
		if scheduledAt.Before(parentCreatedAt) {
			scheduledAt = parentCreatedAt
		}
		if scheduledAt.After(windowEnd) {
			scheduledAt = windowEnd
		}

		slices = append(slices, Slice{
			Quantity:       quantities[i],
			SequenceNumber: i + 1,
			ScheduledAt:    scheduledAt,
		})
	}

	// Final validation to match the documented guarantees.
	sum := 0
	for _, s := range slices {
		sum += s.Quantity
		if s.ScheduledAt.Before(parentCreatedAt) || s.ScheduledAt.After(windowEnd) {
			return nil, fmt.Errorf("scheduled_at %s outside window", s.ScheduledAt)
		}
	}
	if sum != totalQuantity {
		return nil, fmt.Errorf("slice quantities sum to %d, want %d", sum, totalQuantity)
	}

	return slices, nil
}
