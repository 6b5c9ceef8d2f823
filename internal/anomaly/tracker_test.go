package anomaly

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrjoshuap/plc-remedy/internal/data"
)

func TestTrackerNewViolationEdge(t *testing.T) {
	tr := NewTracker(10)
	now := time.Now()

	assert.True(t, tr.RecordViolation("motor_speed", 1750, 2500, data.ConditionOutsideRange, "", now))
	for i := 1; i <= 5; i++ {
		assert.False(t, tr.RecordViolation("motor_speed", 1750, 2600, data.ConditionOutsideRange, "", now.Add(time.Duration(i)*time.Second)))
	}

	active := tr.Active()
	require.Len(t, active, 1)
	assert.Equal(t, 2500, active[0].Actual, "repeated reads must not overwrite the open violation")
	assert.Equal(t, int64(1), tr.Total())
}

func TestTrackerResolution(t *testing.T) {
	tr := NewTracker(10)
	now := time.Now()

	assert.False(t, tr.RecordResolution("light", now), "nothing open yet")

	tr.RecordViolation("light", true, false, data.ConditionEquals, "", now)
	assert.True(t, tr.RecordResolution("light", now.Add(time.Second)))
	assert.False(t, tr.RecordResolution("light", now.Add(2*time.Second)))

	assert.Empty(t, tr.Active())
	resolved := tr.Resolved(0)
	require.Len(t, resolved, 1)
	assert.True(t, resolved[0].Resolved)
	require.NotNil(t, resolved[0].ResolvedAt)
	assert.Equal(t, now.Add(time.Second), *resolved[0].ResolvedAt)

	// A fresh violation after resolution is a new edge.
	assert.True(t, tr.RecordViolation("light", true, false, data.ConditionEquals, "", now.Add(3*time.Second)))
	assert.Equal(t, int64(2), tr.Total())
}

func TestTrackerActiveOrder(t *testing.T) {
	tr := NewTracker(10)
	now := time.Now()
	tr.RecordViolation("zeta", 0, 1, data.ConditionNotEquals, "", now)
	tr.RecordViolation("alpha", 0, 1, data.ConditionNotEquals, "", now.Add(time.Second))
	tr.RecordViolation("mid", 0, 1, data.ConditionNotEquals, "", now.Add(2*time.Second))

	active := tr.Active()
	require.Len(t, active, 3)
	assert.Equal(t, "alpha", active[0].TagKey)
	assert.Equal(t, "mid", active[1].TagKey)
	assert.Equal(t, "zeta", active[2].TagKey)
}

func TestTrackerAtMostOneOpenUnderConcurrency(t *testing.T) {
	tr := NewTracker(10)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.RecordViolation("pump", 1, 0, data.ConditionNotEquals, "", time.Now()) {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Len(t, tr.Active(), 1)
}
