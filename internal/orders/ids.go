package orders

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entity ids are opaque strings with documented prefixes:
// ord (order), os (slice), exec (execution), evt (broker event).
// Format: prefix + Unix timestamp (seconds) + 12 hexadecimal characters.

// GenerateOrderID generates a unique order id, e.g. ord1735228800a1b2c3d4e5f6
func GenerateOrderID() string {
	return prefixedID("ord")
}

// GenerateSliceID generates a unique order slice id, e.g. os1735228800a1b2c3d4e5f6
func GenerateSliceID() string {
	return prefixedID("os")
}

// GenerateExecutionID generates a unique execution id, e.g. exec1735228800a1b2c3d4e5f6
func GenerateExecutionID() string {
	return prefixedID("exec")
}

// GenerateEventID generates a unique broker event id, e.g. evt1735228800a1b2c3d4e5f6
func GenerateEventID() string {
	return prefixedID("evt")
}

// GenerateAttemptID generates a unique attempt id, e.g.
// attempt-550e8400-e29b-41d4-a716-446655440000
func GenerateAttemptID() string {
	return "attempt-" + uuid.NewString()
}

func prefixedID(prefix string) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s%d%012x", prefix, time.Now().Unix(), 0)
	}
	return fmt.Sprintf("%s%d%s", prefix, time.Now().Unix(), hex.EncodeToString(buf))
}
