package device

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/spf13/cast"

	"github.com/mrjoshuap/plc-remedy/internal/data"
)

type SimulatorConfig struct {
	// Jitter is the relative noise applied to numeric tags, e.g. 0.01 for ±1%.
	Jitter float64
	// TagDelay paces sequential tag reads.
	TagDelay time.Duration
}

type simTag struct {
	typ   data.ValueType
	value any
	fault string
}

// Simulator is an in-memory controller seeded from the tags' nominal values.
type Simulator struct {
	cfg   SimulatorConfig
	stats stats
	now   func() time.Time

	mu   sync.Mutex
	tags map[string]*simTag
}

func NewSimulator(tags map[string]data.TagConfig, cfg SimulatorConfig) *Simulator {
	s := &Simulator{cfg: cfg, now: time.Now, tags: make(map[string]*simTag, len(tags))}
	for _, t := range tags {
		s.tags[t.DeviceName] = &simTag{typ: t.Type, value: t.Nominal}
	}
	return s
}

func (s *Simulator) Connect(context.Context) error {
	s.stats.setConnected(true, s.now())
	slog.Info("simulated PLC connected", "tags", len(s.tags))
	return nil
}

func (s *Simulator) Disconnect(context.Context) error {
	s.stats.setConnected(false, s.now())
	slog.Info("simulated PLC disconnected")
	return nil
}

func (s *Simulator) IsConnected() bool { return s.stats.isConnected() }

func (s *Simulator) ConnectionStats() data.ConnectionStats { return s.stats.snapshot() }

func (s *Simulator) readStats() *stats { return &s.stats }

// Set overrides a tag's base value. The value is coerced to the tag's type.
func (s *Simulator) Set(name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tags[name]
	if !ok {
		return fmt.Errorf("tag %s not found", name)
	}
	v, err := data.Coerce(t.typ, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	t.value = v
	return nil
}

// Fault makes every read of name fail with msg until cleared with an empty msg.
func (s *Simulator) Fault(name, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tags[name]; ok {
		t.fault = msg
	}
}

func (s *Simulator) ReadTags(ctx context.Context, names []string) (map[string]data.TagResult, error) {
	out := make(map[string]data.TagResult, len(names))
	connected := s.IsConnected()
	for i, name := range names {
		if i > 0 && s.cfg.TagDelay > 0 && connected {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(s.cfg.TagDelay):
			}
		}
		var res data.TagResult
		if connected {
			res = s.read(name)
		} else {
			res = failed(name, "not connected to PLC", s.now())
		}
		s.stats.record(res)
		out[name] = res
	}
	return out, nil
}

func (s *Simulator) read(name string) data.TagResult {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tags[name]
	switch {
	case !ok:
		return failed(name, fmt.Sprintf("tag %s not found", name), now)
	case t.fault != "":
		return failed(name, t.fault, now)
	}
	return data.TagResult{TagKey: name, Value: s.jitter(t), Timestamp: now, Success: true}
}

func (s *Simulator) jitter(t *simTag) any {
	if s.cfg.Jitter <= 0 || !t.typ.Numeric() {
		return t.value
	}
	f, err := cast.ToFloat64E(t.value)
	if err != nil {
		return t.value
	}
	f *= 1 + (rand.Float64()*2-1)*s.cfg.Jitter
	if t.typ == data.TypeInt {
		return int64(math.Round(f))
	}
	return f
}
