package remediation

import (
	"fmt"
	"sync"
	"time"
)

// cooldownRetention is how long trigger timestamps are kept before pruning.
const cooldownRetention = time.Hour

// CooldownError is returned when a trigger lands inside the cooldown window.
type CooldownError struct {
	Scope     string
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("remediation cooldown active for %s, wait %.1f more seconds", e.Scope, e.Remaining.Seconds())
}

func (e *CooldownError) RemainingSeconds() float64 { return e.Remaining.Seconds() }

func scope(tagKey string) string {
	if tagKey == "" {
		return "global"
	}
	return fmt.Sprintf("tag '%s'", tagKey)
}

// Gate rate-limits remediation triggers per tag, or globally when no tag is
// given. The manual API path and the monitor's auto-remediation share one Gate.
type Gate struct {
	mu       sync.Mutex
	cooldown time.Duration
	perTag   map[string]time.Time
	global   time.Time
	now      func() time.Time
}

func NewGate(cooldown time.Duration, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{cooldown: cooldown, perTag: make(map[string]time.Time), now: now}
}

func (g *Gate) lastLocked(tagKey string) (time.Time, bool) {
	if tagKey == "" {
		return g.global, !g.global.IsZero()
	}
	t, ok := g.perTag[tagKey]
	return t, ok
}

func (g *Gate) setLocked(tagKey string, t time.Time) {
	switch {
	case tagKey == "":
		g.global = t
	case t.IsZero():
		delete(g.perTag, tagKey)
	default:
		g.perTag[tagKey] = t
	}
}

func (g *Gate) remainingLocked(tagKey string, now time.Time) time.Duration {
	last, ok := g.lastLocked(tagKey)
	if !ok {
		return 0
	}
	if r := g.cooldown - now.Sub(last); r > 0 {
		return r
	}
	return 0
}

// Check reports whether tagKey (or the global timer for "") is cooling down
// and how many seconds remain.
func (g *Gate) Check(tagKey string) (bool, float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.remainingLocked(tagKey, g.now())
	return r > 0, r.Seconds()
}

func (g *Gate) Record(tagKey string, at time.Time) {
	g.mu.Lock()
	g.setLocked(tagKey, at)
	g.mu.Unlock()
}

// Reservation is a trigger slot taken by Reserve.
type Reservation struct {
	g      *Gate
	tagKey string
	prev   time.Time
	at     time.Time
}

// Reserve checks the cooldown and records a trigger in one critical section.
// Of two concurrent callers for the same key exactly one gets a Reservation.
func (g *Gate) Reserve(tagKey string) (*Reservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if r := g.remainingLocked(tagKey, now); r > 0 {
		return nil, &CooldownError{Scope: scope(tagKey), Remaining: r}
	}
	prev, _ := g.lastLocked(tagKey)
	g.setLocked(tagKey, now)
	return &Reservation{g: g, tagKey: tagKey, prev: prev, at: now}, nil
}

// Cancel gives the slot back, unless a later trigger already replaced it.
func (r *Reservation) Cancel() {
	r.g.mu.Lock()
	defer r.g.mu.Unlock()
	if cur, _ := r.g.lastLocked(r.tagKey); cur.Equal(r.at) {
		r.g.setLocked(r.tagKey, r.prev)
	}
}

// Prune drops timestamps older than the retention window. Such entries are
// far outside any cooldown, so pruning never changes a Check result.
func (g *Gate) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	n := 0
	for tag, last := range g.perTag {
		if now.Sub(last) > cooldownRetention && now.Sub(last) >= g.cooldown {
			delete(g.perTag, tag)
			n++
		}
	}
	if !g.global.IsZero() && now.Sub(g.global) > cooldownRetention && now.Sub(g.global) >= g.cooldown {
		g.global = time.Time{}
		n++
	}
	return n
}
