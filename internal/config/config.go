package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/mrjoshuap/plc-remedy/internal/chaos"
	"github.com/mrjoshuap/plc-remedy/internal/data"
	"github.com/mrjoshuap/plc-remedy/internal/logger"
)

const envPrefix = "PLC_REMEDY"

type Config struct {
	Server       ServerConfig         `mapstructure:"server"`
	PLC          PLCConfig            `mapstructure:"plc"`
	Tags         map[string]TagConfig `mapstructure:"tags" validate:"min=1"`
	Orchestrator OrchestratorConfig   `mapstructure:"orchestrator"`
	Remediation  RemediationConfig    `mapstructure:"remediation"`
	Chaos        ChaosConfig          `mapstructure:"chaos"`
	Dashboard    DashboardConfig      `mapstructure:"dashboard"`
	Logging      LoggingConfig        `mapstructure:"logging"`
	MQTT         MQTTConfig           `mapstructure:"mqtt"`
	Redis        RedisConfig          `mapstructure:"redis"`
	Housekeeping HousekeepingConfig   `mapstructure:"housekeeping"`

	tags map[string]data.TagConfig
}

type ServerConfig struct {
	Host                   string `mapstructure:"host"`
	Port                   int    `mapstructure:"port" validate:"gte=1,lte=65535"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds" validate:"gte=0"`
}

type PLCConfig struct {
	// Driver selects the tag source: "simulator" or "mqtt".
	Driver string `mapstructure:"driver" validate:"oneof=simulator mqtt"`
	// Timeout bounds one poll cycle's read, in seconds.
	Timeout        float64         `mapstructure:"timeout" validate:"gt=0"`
	PollIntervalMs int             `mapstructure:"poll_interval_ms" validate:"gt=0"`
	HistorySize    int             `mapstructure:"history_size" validate:"gt=0"`
	EventLogSize   int             `mapstructure:"event_log_size" validate:"gt=0"`
	Simulator      SimulatorConfig `mapstructure:"simulator"`
}

type SimulatorConfig struct {
	Jitter     float64 `mapstructure:"jitter" validate:"gte=0,lte=1"`
	TagDelayMs int     `mapstructure:"tag_delay_ms" validate:"gte=0"`
	// Values and Faults are keyed by tag key. Values replace the nominal
	// starting value; a tag with a fault fails every read with that message.
	Values map[string]any    `mapstructure:"values"`
	Faults map[string]string `mapstructure:"faults" validate:"dive,required"`
}

// TagConfig is the raw YAML form of a monitored tag. Values are coerced to
// the declared type when the configuration is loaded.
type TagConfig struct {
	Name                 string `mapstructure:"name"`
	Type                 string `mapstructure:"type"`
	Nominal              any    `mapstructure:"nominal"`
	FailureCondition     string `mapstructure:"failure_condition"`
	FailureValue         any    `mapstructure:"failure_value"`
	FailureThresholdLow  any    `mapstructure:"failure_threshold_low"`
	FailureThresholdHigh any    `mapstructure:"failure_threshold_high"`
}

type OrchestratorConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	MockMode       bool   `mapstructure:"mock_mode"`
	BaseURL        string `mapstructure:"base_url" validate:"required_if=Enabled true MockMode false"`
	VerifySSL      bool   `mapstructure:"verify_ssl"`
	Token          string `mapstructure:"token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"gt=0"`
	MaxRetries     int    `mapstructure:"max_retries" validate:"gte=0"`
	// JobTemplates maps emergency_<action> (or a bare action) to a template id.
	JobTemplates map[string]int `mapstructure:"job_templates" validate:"dive,gt=0"`
}

type RemediationConfig struct {
	AutoRemediate              bool   `mapstructure:"auto_remediate"`
	DefaultAction              string `mapstructure:"default_action" validate:"action"`
	CooldownSeconds            int    `mapstructure:"cooldown_seconds" validate:"gte=0"`
	StatusCheckIntervalSeconds int    `mapstructure:"status_check_interval_seconds" validate:"gt=0"`
	MaxStatusChecks            int    `mapstructure:"max_status_checks" validate:"gt=0"`
}

type ChaosConfig struct {
	Enabled                bool     `mapstructure:"enabled"`
	FailureInjectionRate   float64  `mapstructure:"failure_injection_rate" validate:"gte=0,lte=1"`
	FailureTypes           []string `mapstructure:"failure_types" validate:"dive,failure_type"`
	NetworkTimeoutMs       int      `mapstructure:"network_timeout_ms" validate:"gte=0"`
	AnomalyDurationSeconds int      `mapstructure:"anomaly_duration_seconds" validate:"gte=0"`
	GracePeriodSeconds     int      `mapstructure:"grace_period_seconds" validate:"gte=0"`
	TagCooldownSeconds     int      `mapstructure:"tag_cooldown_seconds" validate:"gte=0"`
	MinAnomalySeconds      int      `mapstructure:"min_anomaly_seconds" validate:"gte=0"`
	MaxAnomalySeconds      int      `mapstructure:"max_anomaly_seconds" validate:"gtefield=MinAnomalySeconds"`
	HistorySize            int      `mapstructure:"history_size" validate:"gte=0"`
}

type DashboardConfig struct {
	// HistoryRetentionHours drops older points from tag history queries; 0 keeps all.
	HistoryRetentionHours int `mapstructure:"history_retention_hours" validate:"gte=0"`
	// ChartDataPoints is the default history limit for tag queries.
	ChartDataPoints int `mapstructure:"chart_data_points" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"loglevel"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// MQTTConfig is the broker shared by the mqtt tag source and the event sink.
type MQTTConfig struct {
	Broker            string   `mapstructure:"broker" validate:"required_if=PublishEvents true"`
	ClientID          string   `mapstructure:"client_id"`
	Username          string   `mapstructure:"username"`
	Password          string   `mapstructure:"password"`
	QoS               int      `mapstructure:"qos" validate:"gte=0,lte=2"`
	TagPrefix         string   `mapstructure:"tag_prefix"`
	StaleAfterSeconds int      `mapstructure:"stale_after_seconds" validate:"gte=0"`
	PublishEvents     bool     `mapstructure:"publish_events"`
	EventPrefix       string   `mapstructure:"event_prefix"`
	EventTypes        []string `mapstructure:"event_types" validate:"dive,event_type"`
}

type RedisConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Addr       string   `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password   string   `mapstructure:"password"`
	DB         int      `mapstructure:"db" validate:"gte=0"`
	Channel    string   `mapstructure:"channel"`
	EventTypes []string `mapstructure:"event_types" validate:"dive,event_type"`
}

type HousekeepingConfig struct {
	PruneSchedule      string `mapstructure:"prune_schedule"`
	JobRefreshSchedule string `mapstructure:"job_refresh_schedule"`
}

func init() {
	data.RegisterRule("loglevel", func(f, _ string, v any) string {
		return fmt.Sprintf("%s: invalid log level %q", f, v)
	}, func(fl validator.FieldLevel) bool {
		_, err := logger.ParseLevel(fl.Field().String())
		return err == nil
	})
	data.RegisterRule("failure_type", func(f, _ string, v any) string {
		return fmt.Sprintf("%s: unknown failure type: %v", f, v)
	}, func(fl validator.FieldLevel) bool {
		_, err := chaos.ParseFailureType(fl.Field().String())
		return err == nil
	})
	data.RegisterStructRule(configRules, Config{})
}

// configRules holds the checks that span sections.
func configRules(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	if c.PLC.Driver == "mqtt" && c.MQTT.Broker == "" {
		sl.ReportError(c.MQTT.Broker, "mqtt.broker", "Broker", "required_for", "plc.driver mqtt")
	}
	for _, keys := range []struct {
		field string
		names []string
	}{
		{"plc.simulator.values", mapKeys(c.PLC.Simulator.Values)},
		{"plc.simulator.faults", mapKeys(c.PLC.Simulator.Faults)},
	} {
		for _, key := range keys.names {
			if _, ok := c.Tags[key]; !ok {
				sl.ReportError(key, keys.field, keys.field, "unknown_tag", key)
			}
		}
	}
	if c.Orchestrator.Enabled {
		templates := templatesByAction(c.Orchestrator.JobTemplates)
		for _, a := range data.Actions {
			if _, ok := templates[a]; !ok {
				sl.ReportError(c.Orchestrator.JobTemplates, "orchestrator.job_templates", "JobTemplates", "missing", "emergency_"+string(a))
			}
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 5)

	v.SetDefault("plc.driver", "simulator")
	v.SetDefault("plc.timeout", 5.0)
	v.SetDefault("plc.poll_interval_ms", 1000)
	v.SetDefault("plc.history_size", 100)
	v.SetDefault("plc.event_log_size", 1000)
	v.SetDefault("plc.simulator.jitter", 0.0)
	v.SetDefault("plc.simulator.tag_delay_ms", 0)
	v.SetDefault("plc.simulator.values", map[string]any{})
	v.SetDefault("plc.simulator.faults", map[string]string{})

	v.SetDefault("orchestrator.enabled", true)
	v.SetDefault("orchestrator.mock_mode", true)
	v.SetDefault("orchestrator.base_url", "")
	v.SetDefault("orchestrator.verify_ssl", true)
	v.SetDefault("orchestrator.token", "")
	v.SetDefault("orchestrator.timeout_seconds", 30)
	v.SetDefault("orchestrator.max_retries", 3)

	v.SetDefault("remediation.auto_remediate", false)
	v.SetDefault("remediation.default_action", string(data.ActionReset))
	v.SetDefault("remediation.cooldown_seconds", 30)
	v.SetDefault("remediation.status_check_interval_seconds", 2)
	v.SetDefault("remediation.max_status_checks", 10)

	v.SetDefault("chaos.enabled", false)
	v.SetDefault("chaos.failure_injection_rate", 0.05)
	v.SetDefault("chaos.failure_types", []string{"value_anomaly", "network_timeout", "connection_loss"})
	v.SetDefault("chaos.network_timeout_ms", 5000)
	v.SetDefault("chaos.anomaly_duration_seconds", 10)
	v.SetDefault("chaos.grace_period_seconds", 10)
	v.SetDefault("chaos.tag_cooldown_seconds", 5)
	v.SetDefault("chaos.min_anomaly_seconds", 1)
	v.SetDefault("chaos.max_anomaly_seconds", 180)
	v.SetDefault("chaos.history_size", 500)

	v.SetDefault("dashboard.history_retention_hours", 24)
	v.SetDefault("dashboard.chart_data_points", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "plc-remedy")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.tag_prefix", "plc/tags")
	v.SetDefault("mqtt.stale_after_seconds", 30)
	v.SetDefault("mqtt.publish_events", false)
	v.SetDefault("mqtt.event_prefix", "plc-remedy")
	v.SetDefault("mqtt.event_types", []string{})

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "plc-remedy:events")
	v.SetDefault("redis.event_types", []string{})

	v.SetDefault("housekeeping.prune_schedule", "@every 10m")
	v.SetDefault("housekeeping.job_refresh_schedule", "@every 5s")
}

// Resolve turns a file or directory argument into a config file path.
func Resolve(path string) string {
	if path == "" {
		for _, p := range []string{"config.yaml", filepath.Join("config", "config.yaml")} {
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
		return "config.yaml"
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return filepath.Join(path, "config.yaml")
	}
	return path
}

// Load reads, expands, decodes and validates the configuration at path.
func Load(path string) (*Config, error) {
	file := Resolve(path)
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("configuration file is empty: %s", file)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadConfig(bytes.NewReader(ExpandEnv(raw))); err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", file, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:-default}. An unset variable without
// a default is left as written.
func ExpandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		expr := string(m[2 : len(m)-1])
		if name, def, ok := strings.Cut(expr, ":-"); ok {
			if val, set := os.LookupEnv(strings.TrimSpace(name)); set {
				return []byte(val)
			}
			return []byte(strings.TrimSpace(def))
		}
		if val, set := os.LookupEnv(strings.TrimSpace(expr)); set {
			return []byte(val)
		}
		return m
	})
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if err := data.Validate(c); err != nil {
		errs = append(errs, err)
	}
	tags, err := c.buildTags()
	if err != nil {
		errs = append(errs, err)
	}
	c.tags = tags

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) buildTags() (map[string]data.TagConfig, error) {
	var errs []error
	out := make(map[string]data.TagConfig, len(c.Tags))
	for key, raw := range c.Tags {
		tag, err := raw.build(key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[key] = tag
	}
	return out, errors.Join(errs...)
}

func (t TagConfig) build(key string) (data.TagConfig, error) {
	tag := data.TagConfig{
		Key:        key,
		DeviceName: t.Name,
		Type:       data.ValueType(strings.ToLower(t.Type)),
		Condition:  data.Condition(strings.ToLower(t.FailureCondition)),
	}
	if tag.Type.Valid() {
		if t.Nominal != nil {
			v, err := data.Coerce(tag.Type, t.Nominal)
			if err != nil {
				return tag, fmt.Errorf("tag %q nominal: %w", key, err)
			}
			tag.Nominal = v
		}
		if t.FailureValue != nil {
			v, err := data.Coerce(tag.Type, t.FailureValue)
			if err != nil {
				return tag, fmt.Errorf("tag %q failure_value: %w", key, err)
			}
			tag.FailureValue = v
		}
	}
	for _, th := range []struct {
		name string
		raw  any
		dst  **float64
	}{
		{"failure_threshold_low", t.FailureThresholdLow, &tag.ThresholdLow},
		{"failure_threshold_high", t.FailureThresholdHigh, &tag.ThresholdHigh},
	} {
		if th.raw == nil {
			continue
		}
		f, err := cast.ToFloat64E(th.raw)
		if err != nil {
			return tag, fmt.Errorf("tag %q %s: %w", key, th.name, err)
		}
		*th.dst = &f
	}
	return tag, tag.Validate()
}

// TagConfigs returns the validated tags keyed by tag key.
func (c *Config) TagConfigs() map[string]data.TagConfig {
	return c.tags
}

// Templates maps actions to orchestrator job template ids.
func (c *Config) Templates() map[data.Action]int {
	return templatesByAction(c.Orchestrator.JobTemplates)
}

func mapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func templatesByAction(jobs map[string]int) map[data.Action]int {
	out := make(map[data.Action]int)
	for k, id := range jobs {
		if a, err := data.ParseAction(strings.TrimPrefix(strings.ToLower(k), "emergency_")); err == nil {
			out[a] = id
		}
	}
	return out
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PLC.PollIntervalMs) * time.Millisecond
}

// ReadTimeout bounds a single poll cycle's device read.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.PLC.Timeout * float64(time.Second))
}

// HistoryRetention is zero when history is kept for as long as it fits.
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.Dashboard.HistoryRetentionHours) * time.Hour
}

func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Remediation.CooldownSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ChaosEngineConfig converts the chaos section for chaos.NewEngine.
func (c *Config) ChaosEngineConfig() chaos.Config {
	cc := chaos.Config{
		Enabled:         c.Chaos.Enabled,
		InjectionRate:   c.Chaos.FailureInjectionRate,
		NetworkTimeout:  time.Duration(c.Chaos.NetworkTimeoutMs) * time.Millisecond,
		AnomalyDuration: time.Duration(c.Chaos.AnomalyDurationSeconds) * time.Second,
		GracePeriod:     time.Duration(c.Chaos.GracePeriodSeconds) * time.Second,
		TagCooldown:     time.Duration(c.Chaos.TagCooldownSeconds) * time.Second,
		MinAnomaly:      time.Duration(c.Chaos.MinAnomalySeconds) * time.Second,
		MaxAnomaly:      time.Duration(c.Chaos.MaxAnomalySeconds) * time.Second,
		HistorySize:     c.Chaos.HistorySize,
	}
	for _, s := range c.Chaos.FailureTypes {
		if ft, err := chaos.ParseFailureType(s); err == nil {
			cc.FailureTypes = append(cc.FailureTypes, ft)
		}
	}
	return cc
}

// EventTypes parses an event type filter list; invalid names were rejected by Validate.
func EventTypes(names []string) []data.EventType {
	var out []data.EventType
	for _, n := range names {
		if t, err := data.ParseEventType(n); err == nil {
			out = append(out, t)
		}
	}
	return out
}

const redacted = "[redacted]"

func secret(s string) string {
	if s == "" {
		return "[not set]"
	}
	return redacted
}

// Sanitized is the effective configuration with credentials removed.
func (c *Config) Sanitized() map[string]any {
	tags := make(map[string]any, len(c.tags))
	keys := make([]string, 0, len(c.tags))
	for k := range c.tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t := c.tags[k]
		tags[k] = map[string]any{
			"name":                   t.DeviceName,
			"type":                   t.Type,
			"nominal":                t.Nominal,
			"failure_condition":      t.Condition,
			"failure_value":          t.FailureValue,
			"failure_threshold_low":  t.ThresholdLow,
			"failure_threshold_high": t.ThresholdHigh,
		}
	}
	baseURL := c.Orchestrator.BaseURL
	if baseURL == "" {
		baseURL = "[not set]"
	}
	return map[string]any{
		"server": map[string]any{"host": c.Server.Host, "port": c.Server.Port},
		"plc": map[string]any{
			"driver":           c.PLC.Driver,
			"timeout":          c.PLC.Timeout,
			"poll_interval_ms": c.PLC.PollIntervalMs,
			"history_size":     c.PLC.HistorySize,
			"event_log_size":   c.PLC.EventLogSize,
		},
		"tags": tags,
		"orchestrator": map[string]any{
			"enabled":       c.Orchestrator.Enabled,
			"mock_mode":     c.Orchestrator.MockMode,
			"base_url":      baseURL,
			"verify_ssl":    c.Orchestrator.VerifySSL,
			"token":         secret(c.Orchestrator.Token),
			"max_retries":   c.Orchestrator.MaxRetries,
			"job_templates": c.Orchestrator.JobTemplates,
		},
		"remediation": map[string]any{
			"auto_remediate":   c.Remediation.AutoRemediate,
			"default_action":   c.Remediation.DefaultAction,
			"cooldown_seconds": c.Remediation.CooldownSeconds,
		},
		"chaos": map[string]any{
			"enabled":                  c.Chaos.Enabled,
			"failure_injection_rate":   c.Chaos.FailureInjectionRate,
			"failure_types":            c.Chaos.FailureTypes,
			"network_timeout_ms":       c.Chaos.NetworkTimeoutMs,
			"anomaly_duration_seconds": c.Chaos.AnomalyDurationSeconds,
			"grace_period_seconds":     c.Chaos.GracePeriodSeconds,
		},
		"dashboard": map[string]any{
			"history_retention_hours": c.Dashboard.HistoryRetentionHours,
			"chart_data_points":       c.Dashboard.ChartDataPoints,
		},
		"logging": map[string]any{"level": c.Logging.Level, "format": c.Logging.Format},
		"mqtt": map[string]any{
			"broker":         c.MQTT.Broker,
			"client_id":      c.MQTT.ClientID,
			"password":       secret(c.MQTT.Password),
			"tag_prefix":     c.MQTT.TagPrefix,
			"publish_events": c.MQTT.PublishEvents,
			"event_prefix":   c.MQTT.EventPrefix,
		},
		"redis": map[string]any{
			"enabled":  c.Redis.Enabled,
			"addr":     c.Redis.Addr,
			"password": secret(c.Redis.Password),
			"channel":  c.Redis.Channel,
		},
		"housekeeping": map[string]any{
			"prune_schedule":       c.Housekeeping.PruneSchedule,
			"job_refresh_schedule": c.Housekeeping.JobRefreshSchedule,
		},
	}
}
