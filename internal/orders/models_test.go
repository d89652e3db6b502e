package orders

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapExecutionResult(t *testing.T) {
	tests := []struct {
		name      string
		status    BrokerOrderStatus
		filled    int
		requested int
		want      ExecutionResult
	}{
		{"complete full fill", BrokerStatusComplete, 100, 100, ResultSuccess},
		{"complete partial fill", BrokerStatusComplete, 50, 100, ResultPartialSuccess},
		{"rejected", BrokerStatusRejected, 0, 100, ResultBrokerRejected},
		{"cancelled", BrokerStatusCancelled, 50, 100, ResultPartialSuccess},
		{"cancelled unfilled", BrokerStatusCancelled, 0, 100, ResultPartialSuccess},
		{"expired", BrokerStatusExpired, 50, 100, ResultPartialSuccess},
		{"open after monitoring timeout", BrokerStatusOpen, 30, 100, ResultPartialSuccess},
		{"no status known", BrokerOrderStatus(""), 0, 100, ResultPartialSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MapExecutionResult(tt.status, tt.filled, tt.requested))
		})
	}
}

func TestBrokerStatusIsTerminal(t *testing.T) {
	terminal := []BrokerOrderStatus{BrokerStatusComplete, BrokerStatusCancelled, BrokerStatusRejected, BrokerStatusExpired}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), string(s))
	}

	nonTerminal := []BrokerOrderStatus{BrokerStatusPending, BrokerStatusOpen, BrokerStatusPartiallyFilled, ""}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), string(s))
	}
}

func TestExecutionIsTerminal(t *testing.T) {
	assert.False(t, (&Execution{ExecutionStatus: ExecutionStatusClaimed}).IsTerminal())
	assert.False(t, (&Execution{ExecutionStatus: ExecutionStatusPlaced}).IsTerminal())
	assert.True(t, (&Execution{ExecutionStatus: ExecutionStatusCompleted}).IsTerminal())
	assert.True(t, (&Execution{ExecutionStatus: ExecutionStatusSkipped}).IsTerminal())
}

func TestIDGenerators(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() string
		prefix string
	}{
		{"order", GenerateOrderID, "ord"},
		{"slice", GenerateSliceID, "os"},
		{"execution", GenerateExecutionID, "exec"},
		{"event", GenerateEventID, "evt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.gen()
			assert.True(t, strings.HasPrefix(id, tt.prefix), id)
			// prefix + 10 digit unix seconds + 12 hex chars
			assert.Len(t, id, len(tt.prefix)+22)
			assert.NotEqual(t, id, tt.gen())
		})
	}
}

func TestGenerateAttemptID(t *testing.T) {
	id := GenerateAttemptID()
	assert.True(t, strings.HasPrefix(id, "attempt-"), id)
	assert.Len(t, id, len("attempt-")+36)
	assert.NotEqual(t, id, GenerateAttemptID())
}
