package monitor

import (
	"fmt"
	"sort"
	"time"

	"github.com/mrjoshuap/plc-remedy/internal/data"
)

// Tags returns the configured tags keyed by config key.
func (m *Monitor) Tags() map[string]data.TagConfig {
	out := make(map[string]data.TagConfig, len(m.cfg.Tags))
	for k, v := range m.cfg.Tags {
		out[k] = v
	}
	return out
}

func (m *Monitor) CurrentValues() map[string]data.TagResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]data.TagResult, len(m.current))
	for k, v := range m.current {
		out[k] = v
	}
	return out
}

// TagHistory returns up to limit of the newest retained points for tagKey,
// oldest first. A non-positive limit returns every retained point.
func (m *Monitor) TagHistory(tagKey string, limit int) ([]data.HistoryPoint, error) {
	h, ok := m.history[tagKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTag, tagKey)
	}
	if m.cfg.HistoryRetention <= 0 {
		return h.Recent(limit), nil
	}
	points := h.All()
	cutoff := m.now().Add(-m.cfg.HistoryRetention)
	i := sort.Search(len(points), func(i int) bool { return !points[i].Timestamp.Before(cutoff) })
	points = points[i:]
	if limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}
	return points, nil
}

// Events returns up to limit of the newest events, oldest first, optionally
// restricted to one type.
func (m *Monitor) Events(filter data.EventType, limit int) []data.Event {
	if filter == "" {
		return m.events.Recent(limit)
	}
	all := m.events.All()
	matched := all[:0]
	for _, ev := range all {
		if ev.Type == filter {
			matched = append(matched, ev)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

func (m *Monitor) ActiveViolations() []data.ThresholdViolation {
	return m.tracker.Active()
}

// ResolvedViolations returns up to limit of the most recently resolved violations.
func (m *Monitor) ResolvedViolations(limit int) []data.ThresholdViolation {
	return m.tracker.Resolved(limit)
}

func (m *Monitor) Statistics() data.Statistics {
	now := m.now()
	conn := m.device.ConnectionStats()

	m.mu.RLock()
	reads := m.totalReads
	m.mu.RUnlock()

	uptime := now.Sub(m.started).Seconds()
	return data.Statistics{
		UptimeSeconds:           uptime,
		TotalTagReads:           reads,
		TotalViolations:         m.tracker.Total(),
		ActiveViolations:        len(m.tracker.Active()),
		ConnectionUptimePercent: connectionUptimePercent(conn.ConnectionStartTime, now, uptime),
		ConnectionStats:         conn,
	}
}

func connectionUptimePercent(since *time.Time, now time.Time, uptime float64) float64 {
	if since == nil || uptime <= 0 {
		return 0
	}
	pct := now.Sub(*since).Seconds() / uptime * 100
	switch {
	case pct > 100:
		return 100
	case pct < 0:
		return 0
	}
	return pct
}
