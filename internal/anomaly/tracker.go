package anomaly

import (
	"sort"
	"sync"
	"time"

	"github.com/mrjoshuap/plc-remedy/internal/data"
	"github.com/mrjoshuap/plc-remedy/internal/storage"
)

const defaultResolvedHistory = 200

// Tracker owns the set of open violations. A tag has at most one open
// violation; resolved violations move to a bounded history.
type Tracker struct {
	mu       sync.Mutex
	active   map[string]*data.ThresholdViolation
	resolved *storage.Ring[data.ThresholdViolation]
	total    int64
}

func NewTracker(historySize int) *Tracker {
	if historySize <= 0 {
		historySize = defaultResolvedHistory
	}
	return &Tracker{
		active:   make(map[string]*data.ThresholdViolation),
		resolved: storage.NewRing[data.ThresholdViolation](historySize),
	}
}

// RecordViolation opens a violation for tagKey unless one is already open.
// It reports whether a new violation was created.
func (t *Tracker) RecordViolation(tagKey string, expected, actual any, cond data.Condition, reason string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, open := t.active[tagKey]; open {
		return false
	}
	t.active[tagKey] = &data.ThresholdViolation{
		TagKey:     tagKey,
		Expected:   expected,
		Actual:     actual,
		Condition:  cond,
		Reason:     reason,
		DetectedAt: at,
	}
	t.total++
	return true
}

// RecordResolution closes the open violation for tagKey, if any.
func (t *Tracker) RecordResolution(tagKey string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, open := t.active[tagKey]
	if !open {
		return false
	}
	v.Resolved = true
	resolvedAt := at
	v.ResolvedAt = &resolvedAt
	delete(t.active, tagKey)
	t.resolved.Add(*v)
	return true
}

// Active returns copies of the open violations ordered by tag key.
func (t *Tracker) Active() []data.ThresholdViolation {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]data.ThresholdViolation, 0, len(t.active))
	for _, v := range t.active {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TagKey < out[j].TagKey })
	return out
}

// IsActive reports whether tagKey has an open violation.
func (t *Tracker) IsActive(tagKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, open := t.active[tagKey]
	return open
}

// Resolved returns up to limit of the most recently resolved violations.
func (t *Tracker) Resolved(limit int) []data.ThresholdViolation {
	return t.resolved.Recent(limit)
}

// Total is the number of violations ever opened.
func (t *Tracker) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
