package remediation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestGateCheckAndRecord(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(30*time.Second, clock.Now)

	cooling, remaining := g.Check("motor_speed")
	assert.False(t, cooling)
	assert.Zero(t, remaining)

	g.Record("motor_speed", clock.Now())
	clock.Advance(12 * time.Second)

	cooling, remaining = g.Check("motor_speed")
	assert.True(t, cooling)
	assert.InDelta(t, 18.0, remaining, 0.001)

	cooling, _ = g.Check("light")
	assert.False(t, cooling, "other tags are independent")
	cooling, _ = g.Check("")
	assert.False(t, cooling, "the global timer is separate from tag timers")

	clock.Advance(18 * time.Second)
	cooling, _ = g.Check("motor_speed")
	assert.False(t, cooling)
}

func TestGateGlobalScope(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(time.Minute, clock.Now)

	_, err := g.Reserve("")
	require.NoError(t, err)

	_, err = g.Reserve("")
	var cd *CooldownError
	require.True(t, errors.As(err, &cd))
	assert.Equal(t, "global", cd.Scope)
	assert.Contains(t, err.Error(), "global")

	_, err = g.Reserve("light")
	assert.NoError(t, err)
}

func TestGateReserveIsExclusive(t *testing.T) {
	g := NewGate(30*time.Second, nil)

	var (
		wg      sync.WaitGroup
		granted sync.Map
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := g.Reserve("pump"); err == nil {
				granted.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	n := 0
	granted.Range(func(_, _ any) bool { n++; return true })
	assert.Equal(t, 1, n)
}

func TestReservationCancel(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(30*time.Second, clock.Now)

	r, err := g.Reserve("light")
	require.NoError(t, err)
	r.Cancel()

	cooling, _ := g.Check("light")
	assert.False(t, cooling, "a cancelled reservation frees the slot")

	first, err := g.Reserve("light")
	require.NoError(t, err)
	clock.Advance(31 * time.Second)
	_, err = g.Reserve("light")
	require.NoError(t, err)

	first.Cancel()
	cooling, _ = g.Check("light")
	assert.True(t, cooling, "cancelling a superseded reservation keeps the newer stamp")
}

func TestGatePrune(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(30*time.Second, clock.Now)

	g.Record("old", clock.Now())
	g.Record("", clock.Now())
	clock.Advance(50 * time.Minute)
	g.Record("fresh", clock.Now())
	clock.Advance(11 * time.Minute)

	assert.Equal(t, 2, g.Prune())
	cooling, _ := g.Check("old")
	assert.False(t, cooling)
	assert.Equal(t, 0, g.Prune())
}
