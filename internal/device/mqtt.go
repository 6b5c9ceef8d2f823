package device

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mrjoshuap/plc-remedy/internal/data"
)

type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	StaleAfter     time.Duration
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
}

// MQTTSource serves the latest value a field gateway published on
// <prefix>/<device tag name>.
type MQTTSource struct {
	cfg   MQTTConfig
	types map[string]data.ValueType
	stats stats
	now   func() time.Time

	connMu sync.Mutex
	client mqtt.Client

	mu     sync.RWMutex
	latest map[string]data.Reading
}

func NewMQTTSource(cfg MQTTConfig, tags map[string]data.TagConfig) *MQTTSource {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	cfg.TopicPrefix = strings.TrimRight(cfg.TopicPrefix, "/")
	m := &MQTTSource{cfg: cfg, types: make(map[string]data.ValueType, len(tags)), now: time.Now, latest: map[string]data.Reading{}}
	for _, t := range tags {
		m.types[t.DeviceName] = t.Type
	}
	return m
}

func (m *MQTTSource) topicFilter() string { return m.cfg.TopicPrefix + "/+" }

// Connect dials the broker. A failed attempt tears its client down, so
// retrying Connect never leaves a background reconnect loop behind.
func (m *MQTTSource) Connect(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.client != nil {
		// Already dialled; paho handles reconnects from here.
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(m.cfg.ConnectTimeout)
	opts.SetConnectRetryInterval(m.cfg.RetryInterval)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		m.stats.setConnected(true, m.now())
		token := c.Subscribe(m.topicFilter(), m.cfg.QoS, m.handleMessage)
		if token.WaitTimeout(m.cfg.ConnectTimeout) && token.Error() != nil {
			slog.Error("mqtt tag subscription failed", "topic", m.topicFilter(), "error", token.Error())
			return
		}
		slog.Info("mqtt tag source subscribed", "broker", m.cfg.Broker, "topic", m.topicFilter())
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.stats.setConnected(false, m.now())
		slog.Warn("mqtt tag source connection lost, will auto-reconnect", "broker", m.cfg.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	var err error
	select {
	case <-token.Done():
		if token.Error() != nil {
			err = fmt.Errorf("mqtt connection failed: %w", token.Error())
		}
	case <-time.After(m.cfg.ConnectTimeout):
		err = fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		client.Disconnect(0)
		m.stats.setConnected(false, m.now())
		return err
	}
	m.client = client
	return nil
}

func (m *MQTTSource) Disconnect(context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.client != nil {
		m.client.Disconnect(250)
		m.client = nil
		slog.Info("mqtt tag source disconnected")
	}
	m.stats.setConnected(false, m.now())
	return nil
}

func (m *MQTTSource) IsConnected() bool { return m.stats.isConnected() }

func (m *MQTTSource) ConnectionStats() data.ConnectionStats { return m.stats.snapshot() }

func (m *MQTTSource) readStats() *stats { return &m.stats }

func (m *MQTTSource) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	name := strings.TrimPrefix(msg.Topic(), m.cfg.TopicPrefix+"/")
	typ, ok := m.types[name]
	if !ok {
		slog.Debug("ignoring reading for unconfigured tag", "topic", msg.Topic())
		return
	}
	r, err := data.ParseReading(msg.Payload(), m.now())
	if err != nil {
		slog.Warn("bad tag payload", "topic", msg.Topic(), "error", err)
		return
	}
	v, err := data.Coerce(typ, r.Value)
	if err != nil {
		slog.Warn("tag payload has wrong type", "topic", msg.Topic(), "type", typ, "error", err)
		return
	}
	r.Value = v

	m.mu.Lock()
	m.latest[name] = r
	m.mu.Unlock()
}

// ReadTags serves cached readings. Missing or stale readings are read errors.
func (m *MQTTSource) ReadTags(_ context.Context, names []string) (map[string]data.TagResult, error) {
	now := m.now()
	out := make(map[string]data.TagResult, len(names))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range names {
		var res data.TagResult
		r, ok := m.latest[name]
		switch {
		case !ok:
			res = failed(name, "no reading received", now)
		case now.Sub(r.Timestamp) > m.cfg.StaleAfter:
			res = failed(name, fmt.Sprintf("reading is stale (%.0fs old)", now.Sub(r.Timestamp).Seconds()), now)
		default:
			res = data.TagResult{TagKey: name, Value: r.Value, Timestamp: r.Timestamp, Success: true}
		}
		m.stats.record(res)
		out[name] = res
	}
	return out, nil
}
