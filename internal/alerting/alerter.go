// Package alerting fans monitor events out to external sinks.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mrjoshuap/plc-remedy/internal/data"
)

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev data.Event) error
}

type route struct {
	sink  Sink
	types map[data.EventType]bool
}

func (r route) accepts(t data.EventType) bool {
	return len(r.types) == 0 || r.types[t]
}

// Dispatcher delivers each event to every sink whose filter accepts it.
type Dispatcher struct {
	mu     sync.RWMutex
	routes []route
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Add registers a sink. With no types it receives every event.
func (d *Dispatcher) Add(s Sink, types ...data.EventType) {
	r := route{sink: s}
	if len(types) > 0 {
		r.types = make(map[data.EventType]bool, len(types))
		for _, t := range types {
			r.types[t] = true
		}
	}
	d.mu.Lock()
	d.routes = append(d.routes, r)
	d.mu.Unlock()
	slog.Info("event sink registered", "sink", s.Name(), "types", types)
}

func (d *Dispatcher) Sinks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.routes))
	for _, r := range d.routes {
		names = append(names, r.sink.Name())
	}
	return names
}

// Publish hands ev to every accepting sink. A failing sink does not stop
// the others; their errors are joined.
func (d *Dispatcher) Publish(ctx context.Context, ev data.Event) error {
	d.mu.RLock()
	routes := d.routes
	d.mu.RUnlock()

	var errs []error
	for _, r := range routes {
		if !r.accepts(ev.Type) {
			continue
		}
		if err := deliver(ctx, r.sink, ev); err != nil {
			publishFailures.WithLabelValues(r.sink.Name()).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", r.sink.Name(), err))
			continue
		}
		published.WithLabelValues(r.sink.Name()).Inc()
	}
	return errors.Join(errs...)
}

func deliver(ctx context.Context, s Sink, ev data.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return s.Publish(ctx, ev)
}
