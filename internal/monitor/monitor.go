package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mrjoshuap/plc-remedy/internal/anomaly"
	"github.com/mrjoshuap/plc-remedy/internal/data"
	"github.com/mrjoshuap/plc-remedy/internal/storage"
)

var ErrUnknownTag = errors.New("unknown tag")

// DeviceClient reads tags from the monitored controller.
type DeviceClient interface {
	IsConnected() bool
	// ReadTags returns one result per requested device tag name. Per-tag
	// failures are reported in the result, not as an error.
	ReadTags(ctx context.Context, names []string) (map[string]data.TagResult, error)
	ConnectionStats() data.ConnectionStats
}

// EventSink receives every recorded event.
type EventSink interface {
	Publish(ctx context.Context, ev data.Event) error
}

// ValueTransformer may replace an observed value before it is evaluated.
type ValueTransformer interface {
	Transform(tagKey string, value any) any
}

// RemediationHook is invoked on a new violation edge, off the poll path. It
// must handle its own errors and cooldowns.
type RemediationHook func(ctx context.Context, action data.Action, tagKey string)

// maxHookCalls bounds concurrent remediation hook calls.
const maxHookCalls = 4

type Config struct {
	Tags         map[string]data.TagConfig
	PollInterval time.Duration
	// ReadTimeout bounds the device read of one poll cycle.
	ReadTimeout time.Duration
	HistorySize int
	// HistoryRetention hides older points from TagHistory; zero keeps all.
	HistoryRetention time.Duration
	EventLogSize     int
	AutoRemediate    bool
	DefaultAction    data.Action
	// HookTimeout bounds a single remediation hook call.
	HookTimeout time.Duration
}

type Option func(*Monitor)

func WithSink(s EventSink) Option { return func(m *Monitor) { m.sink = s } }

func WithTransformer(t ValueTransformer) Option { return func(m *Monitor) { m.transformer = t } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// Monitor polls the device, evaluates thresholds and keeps the in-memory
// observability state.
type Monitor struct {
	cfg         Config
	device      DeviceClient
	detector    *anomaly.Detector
	tracker     *anomaly.Tracker
	sink        EventSink
	transformer ValueTransformer
	now         func() time.Time
	started     time.Time

	mu            sync.RWMutex
	hook          RemediationHook
	current       map[string]data.TagResult
	history       map[string]*storage.Ring[data.HistoryPoint]
	events        *storage.Ring[data.Event]
	totalReads    int64
	lastConnected bool
	connKnown     bool

	hookSlots chan struct{}
	hooks     sync.WaitGroup

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func New(cfg Config, device DeviceClient, opts ...Option) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.EventLogSize <= 0 {
		cfg.EventLogSize = 1000
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = time.Minute
	}
	if cfg.DefaultAction == "" {
		cfg.DefaultAction = data.ActionReset
	}
	m := &Monitor{
		cfg:       cfg,
		device:    device,
		detector:  anomaly.NewDetector(cfg.Tags),
		tracker:   anomaly.NewTracker(cfg.EventLogSize),
		now:       time.Now,
		current:   make(map[string]data.TagResult),
		history:   make(map[string]*storage.Ring[data.HistoryPoint], len(cfg.Tags)),
		events:    storage.NewRing[data.Event](cfg.EventLogSize),
		hookSlots: make(chan struct{}, maxHookCalls),
	}
	for key := range cfg.Tags {
		m.history[key] = storage.NewRing[data.HistoryPoint](cfg.HistorySize)
	}
	for _, opt := range opts {
		opt(m)
	}
	m.started = m.now()
	return m
}

func (m *Monitor) SetRemediationHook(h RemediationHook) {
	m.mu.Lock()
	m.hook = h
	m.mu.Unlock()
}

// Start launches the polling loop. Calling it on a running monitor does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}

	connected := m.device.IsConnected()
	m.mu.Lock()
	m.lastConnected = connected
	m.connKnown = true
	m.mu.Unlock()
	deviceConnected.Set(boolGauge(connected))
	m.RecordEvent(ctx, connectionEvent(connected, m.now()))

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	go m.loop(loopCtx, m.done)

	slog.Info("monitor started", "tags", len(m.cfg.Tags), "poll_interval", m.cfg.PollInterval)
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		m.PollOnce(ctx)
		timer.Reset(m.cfg.PollInterval)
	}
}

// Stop cancels the loop and waits up to timeout for it and any running
// remediation hooks to exit. It reports whether they exited in time.
func (m *Monitor) Stop(timeout time.Duration) bool {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return true
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.runMu.Unlock()

	cancel()
	deadline := time.After(timeout)
	select {
	case <-done:
	case <-deadline:
		slog.Warn("monitor loop did not stop in time, abandoning it", "timeout", timeout)
		return false
	}

	hooksDone := make(chan struct{})
	go func() {
		m.hooks.Wait()
		close(hooksDone)
	}()
	select {
	case <-hooksDone:
		slog.Info("monitor stopped")
		return true
	case <-deadline:
		slog.Warn("remediation hooks still running at shutdown, abandoning them", "timeout", timeout)
		return false
	}
}

func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

// PollOnce runs a single poll cycle. A panic anywhere in the cycle is logged
// and swallowed so the next cycle still runs.
func (m *Monitor) PollOnce(ctx context.Context) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			cycleFailures.Inc()
			slog.Error("poll cycle failed", "panic", r)
		}
		cycleDuration.Observe(time.Since(start).Seconds())
	}()

	keys := m.detector.Keys()
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		tag, _ := m.detector.Tag(key)
		names = append(names, tag.DeviceName)
	}

	readCtx, cancel := context.WithTimeout(ctx, m.cfg.ReadTimeout)
	results, err := m.device.ReadTags(readCtx, names)
	cancel()
	if err != nil {
		slog.Warn("batch tag read failed", "error", err)
	}

	m.mu.RLock()
	hook := m.hook
	m.mu.RUnlock()

	for _, key := range keys {
		tag, _ := m.detector.Tag(key)
		res, ok := results[tag.DeviceName]
		if !ok {
			msg := "no result returned"
			if err != nil {
				msg = err.Error()
			}
			res = data.TagResult{Timestamp: m.now(), Error: msg}
		}
		res.TagKey = key
		m.processTag(ctx, tag, res, hook)
	}

	connected := m.device.IsConnected()
	m.mu.Lock()
	changed := m.connKnown && connected != m.lastConnected
	m.lastConnected = connected
	m.connKnown = true
	m.mu.Unlock()
	deviceConnected.Set(boolGauge(connected))
	if changed {
		if connected {
			slog.Info("device connection restored")
		} else {
			slog.Error("device connection lost")
		}
		m.RecordEvent(ctx, connectionEvent(connected, m.now()))
	}
}

func (m *Monitor) processTag(ctx context.Context, tag data.TagConfig, res data.TagResult, hook RemediationHook) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("processing tag failed", "tag", tag.Key, "panic", r)
		}
	}()

	if !res.Success {
		tagReads.WithLabelValues("error").Inc()
		m.mu.Lock()
		m.current[tag.Key] = res
		m.totalReads++
		m.mu.Unlock()
		m.RecordEvent(ctx, data.Event{
			Type: data.EventTagRead, Timestamp: res.Timestamp, Severity: data.SeverityError, TagKey: tag.Key,
			Payload: map[string]any{"tag_name": tag.Key, "error": res.Error},
		})
		return
	}

	if m.transformer != nil {
		res.Value = m.transform(tag.Key, res.Value)
	}
	tagReads.WithLabelValues("success").Inc()

	m.mu.Lock()
	m.current[tag.Key] = res
	m.totalReads++
	if h, ok := m.history[tag.Key]; ok {
		h.Add(data.HistoryPoint{Timestamp: res.Timestamp, Value: res.Value})
	}
	m.mu.Unlock()

	m.RecordEvent(ctx, data.Event{
		Type: data.EventTagRead, Timestamp: res.Timestamp, Severity: data.SeverityInfo, TagKey: tag.Key,
		Payload: map[string]any{"tag_name": tag.Key, "value": res.Value, "success": true},
	})

	verdict, _ := m.detector.Check(tag.Key, res.Value)
	if !verdict.Violated {
		if m.tracker.RecordResolution(tag.Key, res.Timestamp) {
			activeViolations.Set(float64(len(m.tracker.Active())))
			slog.Info("threshold violation resolved", "tag", tag.Key)
			m.RecordEvent(ctx, resolutionEvent(tag.Key, res.Timestamp, "Threshold violation resolved for "+tag.Key))
		}
		return
	}

	if !m.tracker.RecordViolation(tag.Key, tag.Nominal, res.Value, tag.Condition, verdict.Reason, res.Timestamp) {
		return
	}
	violationsTotal.WithLabelValues(tag.Key).Inc()
	activeViolations.Set(float64(len(m.tracker.Active())))
	slog.Warn("threshold violation detected", "tag", tag.Key, "reason", verdict.Reason)
	m.RecordEvent(ctx, data.Event{
		Type: data.EventThresholdViolation, Timestamp: res.Timestamp, Severity: data.SeverityWarning, TagKey: tag.Key,
		Payload: map[string]any{
			"tag_name":          tag.Key,
			"expected_value":    tag.Nominal,
			"actual_value":      res.Value,
			"failure_condition": tag.Condition,
			"reason":            verdict.Reason,
		},
	})

	switch {
	case !m.cfg.AutoRemediate:
		slog.Debug("auto remediation disabled", "tag", tag.Key)
	case hook == nil:
		slog.Debug("no remediation hook registered", "tag", tag.Key)
	default:
		slog.Info("auto remediation triggered", "tag", tag.Key, "action", m.cfg.DefaultAction)
		m.runHook(ctx, hook, m.cfg.DefaultAction, tag.Key)
	}
}

// runHook calls hook on its own goroutine so a slow orchestrator never holds
// up polling. When maxHookCalls are already running the trigger is dropped.
func (m *Monitor) runHook(ctx context.Context, hook RemediationHook, action data.Action, tagKey string) {
	select {
	case m.hookSlots <- struct{}{}:
	default:
		hooksDropped.Inc()
		slog.Error("remediation hook busy, trigger dropped", "tag", tagKey, "action", action)
		return
	}
	m.hooks.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("remediation hook panicked", "tag", tagKey, "panic", r)
			}
			<-m.hookSlots
			m.hooks.Done()
		}()
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.HookTimeout)
		defer cancel()
		hook(hctx, action, tagKey)
	}()
}

func (m *Monitor) transform(tagKey string, value any) (out any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("value transformer failed", "tag", tagKey, "panic", r)
			out = value
		}
	}()
	return m.transformer.Transform(tagKey, value)
}

// RecordEvent appends ev to the event log and hands it to the sink. Sink
// failures are logged only.
func (m *Monitor) RecordEvent(ctx context.Context, ev data.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	m.events.Add(ev)
	eventsTotal.WithLabelValues(string(ev.Type)).Inc()

	if m.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event sink panicked", "event_type", ev.Type, "panic", r)
		}
	}()
	if err := m.sink.Publish(ctx, ev); err != nil {
		slog.Error("event publish failed", "event_type", ev.Type, "error", err)
	}
}

// ClearViolation resolves tagKey's open violation out of band, e.g. after a
// successful remediation job.
func (m *Monitor) ClearViolation(tagKey string) bool {
	now := m.now()
	if !m.tracker.RecordResolution(tagKey, now) {
		return false
	}
	activeViolations.Set(float64(len(m.tracker.Active())))
	m.RecordEvent(context.Background(), resolutionEvent(tagKey, now, "Threshold violation cleared after remediation for "+tagKey))
	return true
}

func connectionEvent(connected bool, at time.Time) data.Event {
	if connected {
		return data.Event{Type: data.EventConnectionRestored, Timestamp: at, Severity: data.SeverityInfo,
			Payload: map[string]any{"message": "PLC connection restored"}}
	}
	return data.Event{Type: data.EventConnectionLost, Timestamp: at, Severity: data.SeverityError,
		Payload: map[string]any{"message": "PLC connection lost"}}
}

func resolutionEvent(tagKey string, at time.Time, msg string) data.Event {
	return data.Event{
		Type: data.EventThresholdViolation, Timestamp: at, Severity: data.SeverityInfo, TagKey: tagKey,
		Payload: map[string]any{"tag_name": tagKey, "resolved": true, "message": msg},
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
