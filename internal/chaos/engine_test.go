package chaos

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrjoshuap/plc-remedy/internal/data"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
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

func f64(v float64) *float64 { return &v }

var testTags = map[string]data.TagConfig{
	"light": {Key: "light", DeviceName: "Light_Status", Type: data.TypeBool, Nominal: true,
		Condition: data.ConditionEquals, FailureValue: false},
	"motor_speed": {Key: "motor_speed", DeviceName: "Motor_Speed", Type: data.TypeInt, Nominal: int64(1750),
		Condition: data.ConditionOutsideRange, ThresholdLow: f64(1500), ThresholdHigh: f64(2000)},
	"temperature": {Key: "temperature", DeviceName: "Temp", Type: data.TypeFloat, Nominal: 40.0,
		Condition: data.ConditionAbove, ThresholdHigh: f64(80)},
	"count": {Key: "count", DeviceName: "Count", Type: data.TypeInt, Nominal: int64(7),
		Condition: data.ConditionNotEquals},
}

func alwaysInject() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.InjectionRate = 1.0
	cfg.GracePeriod = 0
	cfg.FailureTypes = FailureTypes
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, clock *fakeClock, anomaly time.Duration, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithClock(clock.Now),
		WithRandom(func() float64 { return 0.5 }),
		WithDurationPicker(func() time.Duration { return anomaly }),
		WithCrashFunc(func(error) {}),
	}, opts...)
	return NewEngine(cfg, testTags, opts...)
}

func TestTransformBoolAnomalyLifecycle(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, alwaysInject(), clock, 30*time.Second)

	assert.Equal(t, false, e.Transform("light", true), "first call negates")
	clock.Advance(10 * time.Second)
	assert.Equal(t, false, e.Transform("light", true), "anomaly is stable within its window")

	clock.Advance(21 * time.Second)
	assert.Equal(t, true, e.Transform("light", true), "expired anomaly is followed by a cooldown")

	clock.Advance(6 * time.Second)
	assert.Equal(t, false, e.Transform("light", true), "injects again once the cooldown passes")
}

func TestTransformNumericAnomalies(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, alwaysInject(), clock, time.Minute)

	assert.Equal(t, int64(1400), e.Transform("motor_speed", int64(1750)), "offset below the low threshold")
	assert.Equal(t, 180.0, e.Transform("temperature", 42.5), "offset above the high threshold")
	assert.Equal(t, int64(14), e.Transform("count", int64(7)), "doubled without thresholds")
}

func TestTransformGracePeriod(t *testing.T) {
	clock := newFakeClock()
	cfg := alwaysInject()
	cfg.GracePeriod = 10 * time.Second
	e := newTestEngine(t, cfg, clock, time.Minute)

	for i := 0; i < 5; i++ {
		assert.Equal(t, true, e.Transform("light", true))
		clock.Advance(time.Second)
	}
	clock.Advance(5 * time.Second)
	assert.Equal(t, false, e.Transform("light", true))
}

func TestTransformPassThrough(t *testing.T) {
	clock := newFakeClock()

	t.Run("disabled", func(t *testing.T) {
		cfg := alwaysInject()
		cfg.Enabled = false
		e := newTestEngine(t, cfg, clock, time.Minute)
		assert.Equal(t, true, e.Transform("light", true))
	})
	t.Run("draw above rate", func(t *testing.T) {
		cfg := alwaysInject()
		cfg.InjectionRate = 0.3
		e := newTestEngine(t, cfg, clock, time.Minute)
		assert.Equal(t, true, e.Transform("light", true))
	})
	t.Run("value anomaly not enabled", func(t *testing.T) {
		cfg := alwaysInject()
		cfg.FailureTypes = []FailureType{FailureConnectionLoss}
		e := newTestEngine(t, cfg, clock, time.Minute)
		assert.Equal(t, true, e.Transform("light", true))
	})
	t.Run("unknown tag", func(t *testing.T) {
		e := newTestEngine(t, alwaysInject(), clock, time.Minute)
		assert.Equal(t, 3, e.Transform("ghost", 3))
	})
	t.Run("random source panics", func(t *testing.T) {
		e := newTestEngine(t, alwaysInject(), clock, time.Minute,
			WithRandom(func() float64 { panic("boom") }))
		assert.Equal(t, true, e.Transform("light", true))
	})
}

func TestTransformConcurrentCallersShareOneAnomaly(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, alwaysInject(), clock, time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = map[any]int{}
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := e.Transform("motor_speed", int64(1750))
			mu.Lock()
			results[v]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, map[any]int{int64(1400): 50}, results)
	st := e.Status()
	assert.Equal(t, 1, st.ActiveValueAnomalies)
	assert.Equal(t, int64(1), st.TotalInjections)
}

func TestInjectionListenerAndStatus(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, alwaysInject(), clock, 20*time.Second)

	var got []Injection
	e.OnInjection(func(inj Injection) { got = append(got, inj) })

	e.Transform("light", true)
	require.Len(t, got, 1)
	assert.Equal(t, FailureValueAnomaly, got[0].FailureType)
	assert.Equal(t, "light", got[0].TagKey)
	assert.Equal(t, true, got[0].OriginalValue)
	assert.Equal(t, false, got[0].InjectedValue)
	assert.Equal(t, 20.0, got[0].DurationSeconds)
	assert.NotEmpty(t, got[0].ID)

	st := e.Status()
	assert.True(t, st.Enabled)
	assert.Equal(t, 1, st.TagsInCooldown)
	assert.Len(t, st.RecentInjections, 1)
	assert.False(t, st.InGracePeriod)
}

func TestStatusKeepsTenRecent(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, alwaysInject(), clock, time.Second)
	for i := 0; i < 15; i++ {
		e.Transform("light", true)
		clock.Advance(10 * time.Second)
	}
	st := e.Status()
	assert.Equal(t, int64(15), st.TotalInjections)
	assert.Len(t, st.RecentInjections, 10)
}

func TestDisableClearsState(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, alwaysInject(), clock, time.Minute)

	e.Transform("light", true)
	_, err := e.InjectConnectionLoss(time.Hour)
	require.NoError(t, err)
	require.True(t, e.IsConnectionLost())

	e.Disable()
	assert.False(t, e.IsConnectionLost())
	assert.Equal(t, true, e.Transform("light", true))

	e.Enable()
	assert.Equal(t, false, e.Transform("light", true), "no cooldown survives a disable")
}

func TestConnectionLossExpiresLazily(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, alwaysInject(), clock, time.Minute)

	inj, err := e.InjectConnectionLoss(30 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, FailureConnectionLoss, inj.FailureType)
	assert.True(t, e.IsConnectionLost())

	clock.Advance(30 * time.Minute)
	assert.False(t, e.IsConnectionLost())
}

func TestConnectionLossRestoreTimer(t *testing.T) {
	e := NewEngine(alwaysInject(), testTags)
	_, err := e.InjectConnectionLoss(20 * time.Millisecond)
	require.NoError(t, err)
	assert.True(t, e.IsConnectionLost())
	assert.Eventually(t, func() bool { return !e.IsConnectionLost() }, time.Second, 5*time.Millisecond)
}

func TestNetworkTimeoutWindow(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, alwaysInject(), clock, time.Minute)

	_, err := e.InjectNetworkTimeout(0)
	require.NoError(t, err)
	assert.True(t, e.IsNetworkDegraded())
	assert.Equal(t, 1, e.Status().ActiveInjections)

	clock.Advance(5 * time.Second)
	assert.False(t, e.IsNetworkDegraded())
	assert.Equal(t, 0, e.Status().ActiveInjections)
}

func TestManualInjectionGuards(t *testing.T) {
	clock := newFakeClock()

	cfg := alwaysInject()
	cfg.GracePeriod = time.Minute
	e := newTestEngine(t, cfg, clock, time.Minute)
	_, err := e.InjectConnectionLoss(time.Second)
	assert.ErrorIs(t, err, ErrGracePeriod)

	cfg = alwaysInject()
	cfg.FailureTypes = []FailureType{FailureValueAnomaly}
	e = newTestEngine(t, cfg, clock, time.Minute)
	_, err = e.InjectNetworkTimeout(time.Second)
	assert.ErrorIs(t, err, ErrFailureTypeDisabled)
	_, err = e.InjectServiceCrash()
	assert.ErrorIs(t, err, ErrFailureTypeDisabled)
}

func TestInjectFailureDispatch(t *testing.T) {
	clock := newFakeClock()
	crashed := make(chan error, 1)
	e := newTestEngine(t, alwaysInject(), clock, time.Minute,
		WithCrashFunc(func(err error) { crashed <- err }))

	_, err := e.InjectFailure(InjectRequest{FailureType: "value_anomaly"})
	assert.ErrorIs(t, err, ErrAutomaticOnly)

	_, err = e.InjectFailure(InjectRequest{FailureType: "meteor_strike"})
	assert.ErrorIs(t, err, ErrUnknownFailureType)

	inj, err := e.InjectFailure(InjectRequest{FailureType: "network_timeout", DurationMs: 1500})
	require.NoError(t, err)
	assert.Equal(t, 1.5, inj.DurationSeconds)

	inj, err = e.InjectFailure(InjectRequest{FailureType: "connection_loss", DurationSeconds: 7})
	require.NoError(t, err)
	assert.Equal(t, 7.0, inj.DurationSeconds)

	_, err = e.InjectFailure(InjectRequest{FailureType: "service_crash"})
	assert.ErrorIs(t, err, ErrCrashNotConfirmed)

	inj, err = e.InjectFailure(InjectRequest{FailureType: "service_crash", Confirm: true})
	require.NoError(t, err)
	assert.NotEmpty(t, inj.ID)
	assert.Equal(t, clock.Now(), inj.Timestamp)
	select {
	case err := <-crashed:
		assert.Contains(t, err.Error(), "service crash")
	case <-time.After(time.Second):
		t.Fatal("crash func was not invoked")
	}

	st := e.Status()
	require.NotEmpty(t, st.RecentInjections)
	last := st.RecentInjections[len(st.RecentInjections)-1]
	assert.Equal(t, inj.ID, last.ID)
	assert.Equal(t, FailureServiceCrash, last.FailureType)
}

func TestPruneCooldowns(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, alwaysInject(), clock, time.Second)

	e.Transform("light", true)
	clock.Advance(30 * time.Minute)
	assert.Equal(t, 0, e.PruneCooldowns())
	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, e.PruneCooldowns())
}
