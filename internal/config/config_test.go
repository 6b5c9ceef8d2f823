package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrjoshuap/plc-remedy/internal/chaos"
	"github.com/mrjoshuap/plc-remedy/internal/data"
)

const sample = `
server:
  host: ${BIND_HOST:-127.0.0.1}
plc:
  driver: simulator
  poll_interval_ms: 500
tags:
  motor_speed:
    name: Motor_Speed
    type: int
    nominal: "1750"
    failure_condition: outside_range
    failure_threshold_low: 1500
    failure_threshold_high: "2000"
  running:
    name: Running
    type: bool
    nominal: true
    failure_condition: equals
    failure_value: "false"
orchestrator:
  base_url: ${AAP_URL}
  token: ${AAP_TOKEN:-secret-token}
  job_templates:
    emergency_stop: 11
    emergency_reset: 12
    restart: 13
chaos:
  failure_types: [value_anomaly, network_timeout]
redis:
  password: hunter2
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoadAppliesDefaultsAndCoercion(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 100, cfg.PLC.HistorySize)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout())
	assert.Equal(t, 24*time.Hour, cfg.HistoryRetention())
	assert.Equal(t, 100, cfg.Dashboard.ChartDataPoints)
	assert.Equal(t, 30*time.Second, cfg.Cooldown())
	assert.Equal(t, "127.0.0.1:8080", cfg.Addr())
	assert.Equal(t, "secret-token", cfg.Orchestrator.Token)
	assert.Equal(t, "${AAP_URL}", cfg.Orchestrator.BaseURL)

	tags := cfg.TagConfigs()
	require.Len(t, tags, 2)
	motor := tags["motor_speed"]
	assert.Equal(t, "Motor_Speed", motor.DeviceName)
	assert.Equal(t, int64(1750), motor.Nominal)
	require.NotNil(t, motor.ThresholdHigh)
	assert.Equal(t, 2000.0, *motor.ThresholdHigh)
	assert.Equal(t, false, tags["running"].FailureValue)

	assert.Equal(t, map[data.Action]int{data.ActionStop: 11, data.ActionReset: 12, data.ActionRestart: 13}, cfg.Templates())

	cc := cfg.ChaosEngineConfig()
	assert.Equal(t, []chaos.FailureType{chaos.FailureValueAnomaly, chaos.FailureNetworkTimeout}, cc.FailureTypes)
	assert.Equal(t, 5*time.Second, cc.NetworkTimeout)
	assert.Equal(t, 180*time.Second, cc.MaxAnomaly)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("BIND_HOST", "10.0.0.7")
	t.Setenv("PLC_REMEDY_REMEDIATION_COOLDOWN_SECONDS", "45")
	t.Setenv("PLC_REMEDY_CHAOS_ENABLED", "true")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", cfg.Server.Host)
	assert.Equal(t, 45, cfg.Remediation.CooldownSeconds)
	assert.True(t, cfg.Chaos.Enabled)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("SET", "value")
	t.Setenv("EMPTY", "")
	got := string(ExpandEnv([]byte("a=${SET} b=${UNSET_VAR_X:-fallback} c=${UNSET_VAR_X} d=${EMPTY:-x} e=${ SET }")))
	assert.Equal(t, "a=value b=fallback c=${UNSET_VAR_X} d= e=value", got)
}

func TestValidateAggregatesProblems(t *testing.T) {
	body := `
plc:
  driver: modbus
tags:
  pressure:
    name: Pressure
    type: float
    nominal: 30.0
    failure_condition: outside_range
    failure_threshold_low: 10
  door:
    name: Door
    type: bool
    nominal: true
    failure_condition: equals
logging:
  level: loud
chaos:
  failure_injection_rate: 1.5
  failure_types: [meteor]
orchestrator:
  job_templates:
    emergency_stop: 1
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"plc.driver must be one of [simulator mqtt], got modbus",
		`tag "pressure": failure_threshold_high is required for condition outside_range`,
		`tag "door": failure_value is required for condition equals`,
		`logging.level: invalid log level "loud"`,
		"chaos.failure_injection_rate must be at most 1, got 1.5",
		"chaos.failure_types[0]: unknown failure type: meteor",
		"orchestrator.job_templates missing emergency_reset",
		"orchestrator.job_templates missing emergency_restart",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateRequiresTagsAndBroker(t *testing.T) {
	_, err := Load(writeConfig(t, "plc:\n  driver: mqtt\norchestrator:\n  enabled: false\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tags must not be empty")
	assert.Contains(t, err.Error(), "mqtt.broker is required for plc.driver mqtt")
}

func TestValidateFieldRules(t *testing.T) {
	tags := `
tags:
  light:
    name: Light
    type: bool
    nominal: true
    failure_condition: equals
    failure_value: false
`
	tests := []struct {
		name string
		body string
		want string
	}{
		{"live orchestrator needs base url", "orchestrator:\n  mock_mode: false\n", "orchestrator.base_url is required when Enabled=true and MockMode=false"},
		{"redis needs addr", "redis:\n  enabled: true\n  addr: \"\"\n", "redis.addr is required when Enabled=true"},
		{"event publishing needs broker", "mqtt:\n  publish_events: true\n", "mqtt.broker is required when PublishEvents=true"},
		{"qos range", "mqtt:\n  qos: 3\n", "mqtt.qos must be at most 2, got 3"},
		{"unknown event type", "redis:\n  event_types: [threshold_violation, bogus]\n", `redis.event_types[1]: invalid event type "bogus"`},
		{"unknown default action", "remediation:\n  default_action: reboot\n", `remediation.default_action: unknown remediation action "reboot"`},
		{"negative cooldown", "remediation:\n  cooldown_seconds: -1\n", "remediation.cooldown_seconds must be at least 0, got -1"},
		{"inverted anomaly window", "chaos:\n  min_anomaly_seconds: 30\n  max_anomaly_seconds: 10\n", "chaos.max_anomaly_seconds must not be below MinAnomalySeconds"},
		{"port range", "server:\n  port: 70000\n", "server.port must be at most 65535, got 70000"},
		{"read timeout", "plc:\n  timeout: 0\n", "plc.timeout must be greater than 0, got 0"},
		{"zero template id", "orchestrator:\n  job_templates:\n    emergency_stop: 0\n    emergency_reset: 2\n    emergency_restart: 3\n", "orchestrator.job_templates[emergency_stop] must be greater than 0, got 0"},
		{"log format", "logging:\n  format: xml\n", "logging.format must be one of [json text], got xml"},
		{"simulator value for unknown tag", "plc:\n  simulator:\n    values:\n      ghost: 1\n", "plc.simulator.values references unknown tag ghost"},
		{"empty simulator fault", "plc:\n  simulator:\n    faults:\n      light: \"\"\n", "plc.simulator.faults[light] is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body+tags))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = Load(writeConfig(t, "   \n"))
	assert.ErrorContains(t, err, "configuration file is empty")
}

func TestSanitizedHidesSecrets(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	s := cfg.Sanitized()
	orch := s["orchestrator"].(map[string]any)
	assert.Equal(t, "[redacted]", orch["token"])
	assert.Equal(t, "[redacted]", s["redis"].(map[string]any)["password"])
	assert.Equal(t, "[not set]", s["mqtt"].(map[string]any)["password"])
	assert.Contains(t, s["tags"], "motor_speed")
}
