package chaos

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/mrjoshuap/plc-remedy/internal/data"
	"github.com/mrjoshuap/plc-remedy/internal/storage"
)

// FailureType names a fault the engine can inject.
type FailureType string

const (
	FailureValueAnomaly   FailureType = "value_anomaly"
	FailureNetworkTimeout FailureType = "network_timeout"
	FailureConnectionLoss FailureType = "connection_loss"
	FailureServiceCrash   FailureType = "service_crash"
)

var FailureTypes = []FailureType{FailureValueAnomaly, FailureNetworkTimeout, FailureConnectionLoss, FailureServiceCrash}

func ParseFailureType(s string) (FailureType, error) {
	for _, ft := range FailureTypes {
		if string(ft) == s {
			return ft, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFailureType, s)
}

var (
	ErrGracePeriod         = errors.New("chaos injection suppressed during startup grace period")
	ErrFailureTypeDisabled = errors.New("failure type not enabled")
	ErrUnknownFailureType  = errors.New("unknown failure type")
	ErrAutomaticOnly       = errors.New("value anomaly injection is automatic based on injection rate")
	ErrCrashNotConfirmed   = errors.New("service crash terminates the process; set confirm to proceed")
)

// cooldownRetention bounds how long per-tag injection timestamps are kept.
const cooldownRetention = time.Hour

const recentInjections = 10

type Config struct {
	Enabled         bool
	InjectionRate   float64
	FailureTypes    []FailureType
	NetworkTimeout  time.Duration
	AnomalyDuration time.Duration
	GracePeriod     time.Duration
	TagCooldown     time.Duration
	MinAnomaly      time.Duration
	MaxAnomaly      time.Duration
	HistorySize     int
}

func DefaultConfig() Config {
	return Config{
		InjectionRate:   0.05,
		FailureTypes:    []FailureType{FailureValueAnomaly, FailureNetworkTimeout, FailureConnectionLoss},
		NetworkTimeout:  5000 * time.Millisecond,
		AnomalyDuration: 10 * time.Second,
		GracePeriod:     10 * time.Second,
		TagCooldown:     5 * time.Second,
		MinAnomaly:      time.Second,
		MaxAnomaly:      180 * time.Second,
		HistorySize:     500,
	}
}

// Injection is one entry of the injection log.
type Injection struct {
	ID              string      `json:"id"`
	FailureType     FailureType `json:"failure_type"`
	TagKey          string      `json:"tag_name,omitempty"`
	OriginalValue   any         `json:"original_value,omitempty"`
	InjectedValue   any         `json:"injected_value,omitempty"`
	DurationSeconds float64     `json:"duration_seconds,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

type anomaly struct {
	injected  any
	original  any
	expiresAt time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithRandom replaces the uniform [0,1) source used for injection decisions.
func WithRandom(r func() float64) Option { return func(e *Engine) { e.random = r } }

func WithDurationPicker(pick func() time.Duration) Option {
	return func(e *Engine) { e.pickDuration = pick }
}

// WithCrashFunc replaces what InjectServiceCrash runs on its own goroutine.
func WithCrashFunc(crash func(error)) Option { return func(e *Engine) { e.crash = crash } }

// Engine perturbs observed tag values and simulated connectivity.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	tags    map[string]data.TagConfig
	enabled bool
	started time.Time

	anomalies     map[string]anomaly
	lastInjection map[string]time.Time
	windows       map[string]time.Time // manual injection id -> end

	connLost      bool
	connLostUntil time.Time
	connLossSeq   uint64
	degradedUntil time.Time

	history  *storage.Ring[Injection]
	total    int64
	listener func(Injection)

	now          func() time.Time
	random       func() float64
	pickDuration func() time.Duration
	crash        func(error)
}

func NewEngine(cfg Config, tags map[string]data.TagConfig, opts ...Option) *Engine {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	e := &Engine{
		cfg:           cfg,
		tags:          tags,
		enabled:       cfg.Enabled,
		anomalies:     make(map[string]anomaly),
		lastInjection: make(map[string]time.Time),
		windows:       make(map[string]time.Time),
		history:       storage.NewRing[Injection](cfg.HistorySize),
		now:           time.Now,
		random:        rand.Float64,
		crash:         func(err error) { panic(err) },
	}
	e.pickDuration = e.uniformDuration
	for _, opt := range opts {
		opt(e)
	}
	e.started = e.now()
	return e
}

func (e *Engine) uniformDuration() time.Duration {
	lo, hi := e.cfg.MinAnomaly, e.cfg.MaxAnomaly
	if lo <= 0 {
		lo = time.Second
	}
	if hi < lo {
		hi = lo
	}
	steps := int64((hi - lo) / time.Second)
	return lo + time.Duration(rand.Int64N(steps+1))*time.Second
}

// OnInjection registers fn to be called after every injection, outside the engine lock.
func (e *Engine) OnInjection(fn func(Injection)) {
	e.mu.Lock()
	e.listener = fn
	e.mu.Unlock()
}

func (e *Engine) Enable() {
	e.mu.Lock()
	e.enabled = true
	e.mu.Unlock()
	slog.Info("chaos injection enabled")
}

// Disable turns injection off and clears anomalies, cooldowns and simulated faults.
// Pending restore timers still fire but find nothing to undo.
func (e *Engine) Disable() {
	e.mu.Lock()
	e.enabled = false
	e.anomalies = make(map[string]anomaly)
	e.lastInjection = make(map[string]time.Time)
	e.windows = make(map[string]time.Time)
	e.connLost = false
	e.connLostUntil = time.Time{}
	e.degradedUntil = time.Time{}
	e.mu.Unlock()
	activeAnomalies.Set(0)
	slog.Info("chaos injection disabled")
}

func (e *Engine) IsEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

func (e *Engine) typeEnabled(ft FailureType) bool {
	for _, t := range e.cfg.FailureTypes {
		if t == ft {
			return true
		}
	}
	return false
}

func (e *Engine) graceRemaining(now time.Time) time.Duration {
	if r := e.cfg.GracePeriod - now.Sub(e.started); r > 0 {
		return r
	}
	return 0
}

// Transform is the monitor's value hook. It never panics; on any internal
// failure the original value is returned.
func (e *Engine) Transform(tagKey string, value any) (out any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("chaos hook failed, passing value through", "tag", tagKey, "panic", r)
			out = value
		}
	}()

	now := e.now()
	e.mu.Lock()
	if !e.enabled || e.graceRemaining(now) > 0 {
		e.mu.Unlock()
		return value
	}
	if a, ok := e.anomalies[tagKey]; ok {
		if now.Before(a.expiresAt) {
			e.mu.Unlock()
			return a.injected
		}
		e.evictLocked(tagKey, a)
	}
	if last, ok := e.lastInjection[tagKey]; ok && now.Sub(last) < e.cfg.TagCooldown {
		e.mu.Unlock()
		return value
	}
	rate := e.cfg.InjectionRate
	allowed := e.typeEnabled(FailureValueAnomaly)
	tag, known := e.tags[tagKey]
	e.mu.Unlock()

	if e.random() >= rate || !allowed || !known {
		return value
	}
	injected, ok := anomalousValue(tag, value)
	if !ok {
		return value
	}
	duration := e.pickDuration()

	e.mu.Lock()
	now = e.now()
	if a, ok := e.anomalies[tagKey]; ok {
		if now.Before(a.expiresAt) {
			// Another caller committed first; its value wins.
			e.mu.Unlock()
			return a.injected
		}
		e.evictLocked(tagKey, a)
	}
	e.anomalies[tagKey] = anomaly{injected: injected, original: value, expiresAt: now.Add(duration)}
	e.lastInjection[tagKey] = now
	inj := Injection{
		ID:              uuid.NewString(),
		FailureType:     FailureValueAnomaly,
		TagKey:          tagKey,
		OriginalValue:   value,
		InjectedValue:   injected,
		DurationSeconds: duration.Seconds(),
		Timestamp:       now,
	}
	listener := e.recordLocked(inj)
	active := len(e.anomalies)
	e.mu.Unlock()

	activeAnomalies.Set(float64(active))
	slog.Warn("chaos value anomaly injected", "tag", tagKey, "original", value, "injected", injected, "duration", duration)
	if listener != nil {
		listener(inj)
	}
	return injected
}

// evictLocked drops an expired anomaly. The tag's cooldown restarts from the
// moment the anomaly ended.
func (e *Engine) evictLocked(tagKey string, a anomaly) {
	delete(e.anomalies, tagKey)
	if a.expiresAt.After(e.lastInjection[tagKey]) {
		e.lastInjection[tagKey] = a.expiresAt
	}
	activeAnomalies.Set(float64(len(e.anomalies)))
	slog.Info("chaos value anomaly expired", "tag", tagKey)
}

func (e *Engine) recordLocked(inj Injection) func(Injection) {
	e.history.Add(inj)
	e.total++
	injectionsTotal.WithLabelValues(string(inj.FailureType)).Inc()
	return e.listener
}

func anomalousValue(tag data.TagConfig, value any) (any, bool) {
	switch tag.Type {
	case data.TypeBool:
		b, err := cast.ToBoolE(value)
		if err != nil {
			return nil, false
		}
		return !b, true
	case data.TypeInt:
		switch {
		case tag.ThresholdLow != nil:
			return int64(*tag.ThresholdLow - 100), true
		case tag.ThresholdHigh != nil:
			return int64(*tag.ThresholdHigh + 100), true
		}
		n, err := cast.ToInt64E(value)
		if err != nil {
			return nil, false
		}
		return n * 2, true
	case data.TypeFloat:
		switch {
		case tag.ThresholdLow != nil:
			return *tag.ThresholdLow - 100, true
		case tag.ThresholdHigh != nil:
			return *tag.ThresholdHigh + 100, true
		}
		f, err := cast.ToFloat64E(value)
		if err != nil {
			return nil, false
		}
		return f * 2, true
	}
	return nil, false
}

func (e *Engine) checkManualLocked(ft FailureType, now time.Time) error {
	if r := e.graceRemaining(now); r > 0 {
		return fmt.Errorf("%w (%.1fs remaining)", ErrGracePeriod, r.Seconds())
	}
	if !e.typeEnabled(ft) {
		return fmt.Errorf("%w: %s", ErrFailureTypeDisabled, ft)
	}
	return nil
}

// InjectNetworkTimeout opens a window during which device reads time out.
// A non-positive d uses the configured network timeout.
func (e *Engine) InjectNetworkTimeout(d time.Duration) (Injection, error) {
	now := e.now()
	e.mu.Lock()
	if err := e.checkManualLocked(FailureNetworkTimeout, now); err != nil {
		e.mu.Unlock()
		return Injection{}, err
	}
	if d <= 0 {
		d = e.cfg.NetworkTimeout
	}
	if until := now.Add(d); until.After(e.degradedUntil) {
		e.degradedUntil = until
	}
	inj := Injection{ID: uuid.NewString(), FailureType: FailureNetworkTimeout, DurationSeconds: d.Seconds(), Timestamp: now}
	e.windows[inj.ID] = now.Add(d)
	listener := e.recordLocked(inj)
	e.mu.Unlock()

	slog.Warn("chaos network timeout injected", "duration", d)
	if listener != nil {
		listener(inj)
	}
	return inj, nil
}

func (e *Engine) IsNetworkDegraded() bool {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Before(e.degradedUntil)
}

// InjectConnectionLoss simulates a lost device connection for d (the
// configured anomaly duration when d is non-positive). The loss reverts on
// its own.
func (e *Engine) InjectConnectionLoss(d time.Duration) (Injection, error) {
	now := e.now()
	e.mu.Lock()
	if err := e.checkManualLocked(FailureConnectionLoss, now); err != nil {
		e.mu.Unlock()
		return Injection{}, err
	}
	if d <= 0 {
		d = e.cfg.AnomalyDuration
	}
	e.connLost = true
	e.connLostUntil = now.Add(d)
	e.connLossSeq++
	seq := e.connLossSeq
	inj := Injection{ID: uuid.NewString(), FailureType: FailureConnectionLoss, DurationSeconds: d.Seconds(), Timestamp: now}
	e.windows[inj.ID] = e.connLostUntil
	listener := e.recordLocked(inj)
	e.mu.Unlock()

	time.AfterFunc(d, func() { e.restoreConnection(seq, inj.ID) })
	slog.Warn("chaos connection loss injected", "duration", d)
	if listener != nil {
		listener(inj)
	}
	return inj, nil
}

func (e *Engine) restoreConnection(seq uint64, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.windows, id)
	if e.connLossSeq != seq || !e.connLost {
		return
	}
	e.connLost = false
	e.connLostUntil = time.Time{}
	slog.Info("chaos connection loss restored")
}

// IsConnectionLost reports the simulated loss, expiring it if its window has passed.
func (e *Engine) IsConnectionLost() bool {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connLost {
		return false
	}
	if !now.Before(e.connLostUntil) {
		e.connLost = false
		e.connLostUntil = time.Time{}
		return false
	}
	return true
}

// InjectServiceCrash deliberately kills the process. The panic is raised on a
// fresh goroutine so no request recoverer can absorb it.
func (e *Engine) InjectServiceCrash() (Injection, error) {
	now := e.now()
	e.mu.Lock()
	if !e.typeEnabled(FailureServiceCrash) {
		e.mu.Unlock()
		return Injection{}, fmt.Errorf("%w: %s", ErrFailureTypeDisabled, FailureServiceCrash)
	}
	inj := Injection{ID: uuid.NewString(), FailureType: FailureServiceCrash, Timestamp: now}
	listener := e.recordLocked(inj)
	crash := e.crash
	e.mu.Unlock()

	if listener != nil {
		listener(inj)
	}
	slog.Error("chaos injecting service crash")
	go crash(errors.New("chaos engineering: service crash injection"))
	return inj, nil
}

// InjectRequest is a manual injection request from the control surface.
type InjectRequest struct {
	FailureType     string `json:"failure_type" validate:"required"`
	DurationMs      int    `json:"duration_ms,omitempty" validate:"gte=0"`
	DurationSeconds int    `json:"duration_seconds,omitempty" validate:"gte=0"`
	Confirm         bool   `json:"confirm,omitempty"`
}

func (e *Engine) InjectFailure(req InjectRequest) (Injection, error) {
	ft, err := ParseFailureType(req.FailureType)
	if err != nil {
		return Injection{}, err
	}
	switch ft {
	case FailureValueAnomaly:
		return Injection{}, ErrAutomaticOnly
	case FailureNetworkTimeout:
		return e.InjectNetworkTimeout(time.Duration(req.DurationMs) * time.Millisecond)
	case FailureConnectionLoss:
		return e.InjectConnectionLoss(time.Duration(req.DurationSeconds) * time.Second)
	default:
		if !req.Confirm {
			return Injection{}, ErrCrashNotConfirmed
		}
		return e.InjectServiceCrash()
	}
}

type Status struct {
	Enabled              bool          `json:"enabled"`
	InjectionRate        float64       `json:"failure_injection_rate"`
	FailureTypes         []FailureType `json:"failure_types"`
	ActiveInjections     int           `json:"active_injections"`
	ActiveValueAnomalies int           `json:"active_value_anomalies"`
	ConnectionLost       bool          `json:"connection_lost"`
	NetworkDegraded      bool          `json:"network_degraded"`
	TotalInjections      int64         `json:"total_injections"`
	RecentInjections     []Injection   `json:"recent_injections"`
	InGracePeriod        bool          `json:"in_grace_period"`
	GraceRemaining       float64       `json:"grace_period_remaining_seconds"`
	TagsInCooldown       int           `json:"tags_in_cooldown"`
}

func (e *Engine) Status() Status {
	now := e.now()
	e.PruneCooldowns()

	e.mu.Lock()
	defer e.mu.Unlock()

	for id, end := range e.windows {
		if !now.Before(end) {
			delete(e.windows, id)
		}
	}
	active := 0
	for _, a := range e.anomalies {
		if now.Before(a.expiresAt) {
			active++
		}
	}
	cooling := 0
	for _, last := range e.lastInjection {
		if now.Sub(last) < e.cfg.TagCooldown {
			cooling++
		}
	}
	grace := e.graceRemaining(now)
	types := make([]FailureType, len(e.cfg.FailureTypes))
	copy(types, e.cfg.FailureTypes)

	return Status{
		Enabled:              e.enabled,
		InjectionRate:        e.cfg.InjectionRate,
		FailureTypes:         types,
		ActiveInjections:     len(e.windows),
		ActiveValueAnomalies: active,
		ConnectionLost:       e.connLost && now.Before(e.connLostUntil),
		NetworkDegraded:      now.Before(e.degradedUntil),
		TotalInjections:      e.total,
		RecentInjections:     e.history.Recent(recentInjections),
		InGracePeriod:        grace > 0,
		GraceRemaining:       float64(grace.Milliseconds()/100) / 10,
		TagsInCooldown:       cooling,
	}
}

// PruneCooldowns forgets per-tag injection timestamps older than an hour and
// returns how many were dropped.
func (e *Engine) PruneCooldowns() int {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for tag, last := range e.lastInjection {
		if now.Sub(last) > cooldownRetention {
			delete(e.lastInjection, tag)
			n++
		}
	}
	return n
}
