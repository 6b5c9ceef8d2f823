// Package device provides tag sources for the monitor: an in-memory
// simulated controller, an MQTT-fed source and a chaos-aware wrapper.
package device

import (
	"context"
	"sync"
	"time"

	"github.com/mrjoshuap/plc-remedy/internal/data"
)

// Client is a tag source the monitor can poll.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	ReadTags(ctx context.Context, names []string) (map[string]data.TagResult, error)
	ConnectionStats() data.ConnectionStats
}

// stats is the connection bookkeeping shared by the clients.
type stats struct {
	mu        sync.Mutex
	connected bool
	since     *time.Time
	lastRead  *time.Time
	reads     int64
	errors    int64
	lastError string
}

func (s *stats) setConnected(c bool, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c == s.connected {
		return
	}
	s.connected = c
	if c {
		t := at
		s.since = &t
	} else {
		s.since = nil
	}
}

func (s *stats) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stats) record(res data.TagResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if res.Success {
		t := res.Timestamp
		s.lastRead = &t
		return
	}
	s.errors++
	s.lastError = res.Error
}

func (s *stats) snapshot() data.ConnectionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return data.ConnectionStats{
		Connected:           s.connected,
		LastSuccessfulRead:  s.lastRead,
		TotalReads:          s.reads,
		TotalErrors:         s.errors,
		ConnectionStartTime: s.since,
		LastError:           s.lastError,
	}
}

// recorder exposes a client's stats so wrappers can account for reads
// they answer themselves.
type recorder interface {
	readStats() *stats
}

func failed(name, msg string, at time.Time) data.TagResult {
	return data.TagResult{TagKey: name, Timestamp: at, Error: msg}
}
