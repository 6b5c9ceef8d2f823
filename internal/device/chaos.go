package device

import (
	"context"
	"sync"
	"time"

	"github.com/mrjoshuap/plc-remedy/internal/data"
)

// Faults reports simulated connectivity faults.
type Faults interface {
	IsConnectionLost() bool
	IsNetworkDegraded() bool
}

// ChaosClient overlays simulated faults on a real client. Reads it fails are
// counted in the wrapped client's statistics.
type ChaosClient struct {
	Client
	faults Faults

	mu       sync.Mutex
	wasLost  bool
	restored *time.Time
}

func NewChaosClient(c Client, f Faults) *ChaosClient {
	return &ChaosClient{Client: c, faults: f}
}

// lost also notes the end of a simulated loss, which restarts the connection clock.
func (c *ChaosClient) lost() bool {
	lost := c.faults.IsConnectionLost()
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case lost:
		c.wasLost = true
	case c.wasLost:
		c.wasLost = false
		t := time.Now()
		c.restored = &t
	}
	return lost
}

func (c *ChaosClient) IsConnected() bool {
	if c.lost() {
		return false
	}
	return c.Client.IsConnected()
}

func (c *ChaosClient) ReadTags(ctx context.Context, names []string) (map[string]data.TagResult, error) {
	var msg string
	switch {
	case c.lost():
		msg = "not connected to PLC (simulated connection loss)"
	case c.faults.IsNetworkDegraded():
		msg = "read timed out (simulated network timeout)"
	default:
		return c.Client.ReadTags(ctx, names)
	}
	now := time.Now()
	rec, _ := c.Client.(recorder)
	out := make(map[string]data.TagResult, len(names))
	for _, n := range names {
		res := failed(n, msg, now)
		if rec != nil {
			rec.readStats().record(res)
		}
		out[n] = res
	}
	return out, nil
}

func (c *ChaosClient) ConnectionStats() data.ConnectionStats {
	st := c.Client.ConnectionStats()
	if c.lost() {
		st.Connected = false
		st.ConnectionStartTime = nil
		return st
	}
	c.mu.Lock()
	restored := c.restored
	c.mu.Unlock()
	if st.Connected && restored != nil && (st.ConnectionStartTime == nil || restored.After(*st.ConnectionStartTime)) {
		st.ConnectionStartTime = restored
	}
	return st
}
