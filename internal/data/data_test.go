package data

import (
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func TestTagConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		tag     TagConfig
		wantErr string
	}{
		{
			name: "equals with failure value",
			tag:  TagConfig{Key: "light", DeviceName: "Light_Status", Type: TypeBool, Nominal: true, Condition: ConditionEquals, FailureValue: false},
		},
		{
			name:    "equals without failure value",
			tag:     TagConfig{Key: "light", DeviceName: "Light_Status", Type: TypeBool, Nominal: true, Condition: ConditionEquals},
			wantErr: "failure_value is required for condition equals",
		},
		{
			name: "not_equals needs only nominal",
			tag:  TagConfig{Key: "mode", DeviceName: "Mode", Type: TypeInt, Nominal: int64(2), Condition: ConditionNotEquals},
		},
		{
			name:    "outside_range missing high",
			tag:     TagConfig{Key: "motor_speed", DeviceName: "Motor_Speed", Type: TypeInt, Nominal: int64(1750), Condition: ConditionOutsideRange, ThresholdLow: f64(1500)},
			wantErr: "failure_threshold_high is required for condition outside_range",
		},
		{
			name:    "outside_range inverted",
			tag:     TagConfig{Key: "motor_speed", DeviceName: "Motor_Speed", Type: TypeInt, Nominal: int64(1750), Condition: ConditionOutsideRange, ThresholdLow: f64(2000), ThresholdHigh: f64(1500)},
			wantErr: "failure_threshold_low must not exceed failure_threshold_high",
		},
		{
			name:    "below missing low",
			tag:     TagConfig{Key: "pressure", DeviceName: "Pressure", Type: TypeFloat, Nominal: 3.5, Condition: ConditionBelow, ThresholdHigh: f64(9)},
			wantErr: "failure_threshold_low is required when Condition=below",
		},
		{
			name:    "above missing high",
			tag:     TagConfig{Key: "temp", DeviceName: "Temp", Type: TypeFloat, Nominal: 40.0, Condition: ConditionAbove},
			wantErr: "failure_threshold_high is required when Condition=above",
		},
		{
			name:    "range condition on bool",
			tag:     TagConfig{Key: "light", DeviceName: "Light_Status", Type: TypeBool, Nominal: true, Condition: ConditionAbove, ThresholdHigh: f64(1)},
			wantErr: "type must be int or float for condition above, got bool",
		},
		{
			name:    "unknown condition",
			tag:     TagConfig{Key: "light", DeviceName: "Light_Status", Type: TypeBool, Nominal: true, Condition: "sometimes"},
			wantErr: "failure_condition must be one of [equals not_equals outside_range below above], got sometimes",
		},
		{
			name:    "missing nominal",
			tag:     TagConfig{Key: "mode", DeviceName: "Mode", Type: TypeInt, Condition: ConditionNotEquals},
			wantErr: `tag "mode": nominal is required`,
		},
		{
			name: "false nominal is present",
			tag:  TagConfig{Key: "running", DeviceName: "Running", Type: TypeBool, Nominal: false, Condition: ConditionEquals, FailureValue: false},
		},
		{
			name:    "missing device name",
			tag:     TagConfig{Key: "mode", Type: TypeInt, Nominal: int64(1), Condition: ConditionNotEquals},
			wantErr: "name is required",
		},
		{
			name:    "unknown type",
			tag:     TagConfig{Key: "light", DeviceName: "Light_Status", Type: "string", Nominal: "on", Condition: ConditionNotEquals},
			wantErr: "type must be one of [bool int float], got string",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tag.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

type triggerRequest struct {
	Action     string   `json:"action" validate:"action"`
	EventTypes []string `json:"event_types" validate:"dive,event_type"`
	Limit      int      `json:"limit" validate:"gte=0"`
	Note       string   `mapstructure:"note" validate:"even_length"`
}

func TestValidateReportsEveryRule(t *testing.T) {
	RegisterRule("even_length", func(f, _ string, _ any) string {
		return f + " must have an even length"
	}, func(fl validator.FieldLevel) bool {
		return len(fl.Field().String())%2 == 0
	})

	assert.NoError(t, Validate(triggerRequest{Action: "reset", EventTypes: []string{"chaos_injection"}, Note: "ok"}))

	err := Validate(&triggerRequest{Action: "explode", EventTypes: []string{"tag_read", "bogus"}, Limit: -1, Note: "odd"})
	require.Error(t, err)
	for _, want := range []string{
		`action: unknown remediation action "explode"`,
		`event_types[1]: invalid event type "bogus"`,
		"limit must be at least 0, got -1",
		"note must have an even length",
	} {
		assert.Contains(t, err.Error(), want)
	}
	assert.NotContains(t, err.Error(), "event_types[0]")
}

func TestCoerce(t *testing.T) {
	v, err := Coerce(TypeBool, "true")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = Coerce(TypeInt, 1750.0)
	require.NoError(t, err)
	assert.Equal(t, int64(1750), v)

	v, err = Coerce(TypeInt, "1500")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), v)

	v, err = Coerce(TypeFloat, "3.25")
	require.NoError(t, err)
	assert.Equal(t, 3.25, v)

	_, err = Coerce(TypeInt, "fast")
	assert.Error(t, err)

	_, err = Coerce(TypeFloat, nil)
	assert.Error(t, err)
}

func TestParseReading(t *testing.T) {
	received := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	r, err := ParseReading([]byte("1750"), received)
	require.NoError(t, err)
	assert.Equal(t, 1750.0, r.Value)
	assert.Equal(t, received, r.Timestamp)

	r, err = ParseReading([]byte(`{"value": false, "timestamp": "2026-01-02T03:04:00Z"}`), received)
	require.NoError(t, err)
	assert.Equal(t, false, r.Value)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC), r.Timestamp)

	r, err = ParseReading([]byte("ON"), received)
	require.NoError(t, err)
	assert.Equal(t, "ON", r.Value)

	_, err = ParseReading([]byte(`{"speed": 3}`), received)
	assert.Error(t, err)

	_, err = ParseReading([]byte("  "), received)
	assert.Error(t, err)
}

func TestParseActionAndEventType(t *testing.T) {
	a, err := ParseAction(" Reset ")
	require.NoError(t, err)
	assert.Equal(t, ActionReset, a)

	_, err = ParseAction("reboot")
	assert.Error(t, err)

	et, err := ParseEventType("connection_lost")
	require.NoError(t, err)
	assert.Equal(t, EventConnectionLost, et)

	_, err = ParseEventType("nope")
	assert.Error(t, err)

	assert.True(t, JobFailed.Finished())
	assert.False(t, JobRunning.Finished())
}
