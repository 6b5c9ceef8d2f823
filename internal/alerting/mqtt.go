package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mrjoshuap/plc-remedy/internal/data"
)

type MQTTConfig struct {
	Broker        string
	ClientID      string
	Username      string
	Password      string
	TopicPrefix   string
	QoS           byte
	Retained      bool
	Timeout       time.Duration
	RetryInterval time.Duration
}

// mqttPublisher is the part of mqtt.Client the sink needs.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes events as JSON on <prefix>/events/<event type>.
type MQTTSink struct {
	client   mqttPublisher
	prefix   string
	qos      byte
	retained bool
	timeout  time.Duration
}

func NewMQTTSink(client mqttPublisher, cfg MQTTConfig) *MQTTSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &MQTTSink{
		client:   client,
		prefix:   strings.TrimRight(cfg.TopicPrefix, "/"),
		qos:      cfg.QoS,
		retained: cfg.Retained,
		timeout:  cfg.Timeout,
	}
}

// ConnectMQTT dials the broker for the event sink. On failure the client is
// disconnected before returning so its retry loop stops.
func ConnectMQTT(cfg MQTTConfig) (mqtt.Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetConnectRetryInterval(cfg.RetryInterval)
	opts.OnConnect = func(_ mqtt.Client) {
		slog.Info("mqtt event sink connected", "broker", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt event sink connection lost, will auto-reconnect", "broker", cfg.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Topic(t data.EventType) string {
	return s.prefix + "/events/" + string(t)
}

func (s *MQTTSink) Publish(ctx context.Context, ev data.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	token := s.client.Publish(s.Topic(ev.Type), s.qos, s.retained, payload)
	select {
	case <-token.Done():
	case <-time.After(s.timeout):
		return fmt.Errorf("publish to %s timed out", s.Topic(ev.Type))
	case <-ctx.Done():
		return ctx.Err()
	}
	return token.Error()
}
