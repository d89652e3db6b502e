package splitting

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plannerRand() *rand.Rand {
	return rand.New(rand.NewSource(42))
}

func TestPlanEqualDistribution(t *testing.T) {
	t0 := time.Date(2026, 1, 18, 10, 0, 0, 0, time.UTC)

	slices, err := Plan(t0, 100, 5, 60, false, plannerRand())
	require.NoError(t, err)
	require.Len(t, slices, 5)

	for i, s := range slices {
		assert.Equal(t, 20, s.Quantity)
		assert.Equal(t, i+1, s.SequenceNumber)
		assert.Equal(t, t0.Add(time.Duration(i*15)*time.Minute), s.ScheduledAt)
	}
}

func TestPlanQuantitySumIsExact(t *testing.T) {
	t0 := time.Date(2026, 1, 18, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		quantity  int
		splits    int
		duration  int
		randomize bool
	}{
		{"uneven division", 103, 4, 30, false},
		{"prime quantity", 97, 7, 60, false},
		{"randomized", 1000, 10, 120, true},
		{"randomized uneven", 555, 13, 240, true},
		{"quantity equals splits", 5, 5, 10, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slices, err := Plan(t0, tt.quantity, tt.splits, tt.duration, tt.randomize, plannerRand())
			require.NoError(t, err)
			require.Len(t, slices, tt.splits)

			sum := 0
			for _, s := range slices {
				sum += s.Quantity
			}
			assert.Equal(t, tt.quantity, sum)
		})
	}
}

func TestPlanTimesWithinWindow(t *testing.T) {
	t0 := time.Date(2026, 1, 18, 10, 0, 0, 0, time.UTC)
	windowEnd := t0.Add(90 * time.Minute)

	// Many seeds so jitter clamping is actually exercised.
	for seed := int64(0); seed < 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		slices, err := Plan(t0, 200, 8, 90, true, rng)
		require.NoError(t, err)

		for _, s := range slices {
			assert.False(t, s.ScheduledAt.Before(t0), "seed %d: slice before window", seed)
			assert.False(t, s.ScheduledAt.After(windowEnd), "seed %d: slice after window", seed)
		}
	}
}

func TestPlanEndpointsNeverJittered(t *testing.T) {
	t0 := time.Date(2026, 1, 18, 10, 0, 0, 0, time.UTC)

	for seed := int64(0); seed < 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		slices, err := Plan(t0, 300, 6, 60, true, rng)
		require.NoError(t, err)

		assert.Equal(t, t0, slices[0].ScheduledAt, "seed %d", seed)
		assert.Equal(t, t0.Add(60*time.Minute), slices[5].ScheduledAt, "seed %d", seed)
	}
}

func TestPlanDeterministicWithoutRandomize(t *testing.T) {
	t0 := time.Date(2026, 1, 18, 10, 0, 0, 0, time.UTC)

	first, err := Plan(t0, 250, 7, 45, false, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	second, err := Plan(t0, 250, 7, 45, false, rand.New(rand.NewSource(999)))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestPlanSingleSlice(t *testing.T) {
	t0 := time.Date(2026, 1, 18, 10, 0, 0, 0, time.UTC)

	slices, err := Plan(t0, 42, 1, 60, false, plannerRand())
	require.NoError(t, err)
	require.Len(t, slices, 1)
	assert.Equal(t, 42, slices[0].Quantity)
	assert.Equal(t, 1, slices[0].SequenceNumber)
	assert.Equal(t, t0, slices[0].ScheduledAt)

	// Single slice with randomize is also scheduled at t0.
	slices, err = Plan(t0, 42, 1, 60, true, plannerRand())
	require.NoError(t, err)
	assert.Equal(t, t0, slices[0].ScheduledAt)
}

func TestPlanZeroDuration(t *testing.T) {
	t0 := time.Date(2026, 1, 18, 10, 0, 0, 0, time.UTC)

	slices, err := Plan(t0, 10, 1, 0, false, plannerRand())
	require.NoError(t, err)
	assert.Equal(t, t0, slices[0].ScheduledAt)
}

func TestPlanInvalidInputs(t *testing.T) {
	t0 := time.Date(2026, 1, 18, 10, 0, 0, 0, time.UTC)

	_, err := Plan(t0, 100, 0, 60, false, plannerRand())
	assert.Error(t, err)

	_, err = Plan(t0, 0, 5, 60, false, plannerRand())
	assert.Error(t, err)

	_, err = Plan(t0, 100, 5, -1, false, plannerRand())
	assert.Error(t, err)
}

func TestPlanRandomizedQuantityBounds(t *testing.T) {
	t0 := time.Date(2026, 1, 18, 10, 0, 0, 0, time.UTC)

	// Base quantity is 100; jittered slices stay within the documented
	// plus/minus twenty percent before flooring.
	for seed := int64(0); seed < 30; seed++ {
		rng := rand.New(rand.NewSource(seed))
		slices, err := Plan(t0, 1000, 10, 60, true, rng)
		require.NoError(t, err)

		for i, s := range slices[:9] {
			assert.GreaterOrEqual(t, s.Quantity, 80, "seed %d slice %d", seed, i)
			assert.LessOrEqual(t, s.Quantity, 120, "seed %d slice %d", seed, i)
		}
	}
}
