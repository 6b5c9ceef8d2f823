package data

import (
	"fmt"
	"time"
)

// ValueType is the declared type of a PLC tag.
type ValueType string

const (
	TypeBool  ValueType = "bool"
	TypeInt   ValueType = "int"
	TypeFloat ValueType = "float"
)

func (t ValueType) Valid() bool {
	switch t {
	case TypeBool, TypeInt, TypeFloat:
		return true
	}
	return false
}

// Numeric reports whether values of this type can be compared against thresholds.
func (t ValueType) Numeric() bool {
	return t == TypeInt || t == TypeFloat
}

// Condition is the rule deciding whether an observed value is a violation.
type Condition string

const (
	ConditionEquals       Condition = "equals"
	ConditionNotEquals    Condition = "not_equals"
	ConditionOutsideRange Condition = "outside_range"
	ConditionBelow        Condition = "below"
	ConditionAbove        Condition = "above"
)

// TagConfig describes one monitored point. It is built once at load time and never mutated.
type TagConfig struct {
	Key           string    `json:"key" yaml:"key" validate:"required"`
	DeviceName    string    `json:"name" yaml:"name" validate:"required"`
	Type          ValueType `json:"type" yaml:"type" validate:"oneof=bool int float"`
	Nominal       any       `json:"nominal" yaml:"nominal"`
	Condition     Condition `json:"failure_condition" yaml:"failure_condition" validate:"oneof=equals not_equals outside_range below above"`
	FailureValue  any       `json:"failure_value,omitempty" yaml:"failure_value,omitempty"`
	ThresholdLow  *float64  `json:"failure_threshold_low,omitempty" yaml:"failure_threshold_low,omitempty" validate:"required_if=Condition below"`
	ThresholdHigh *float64  `json:"failure_threshold_high,omitempty" yaml:"failure_threshold_high,omitempty" validate:"required_if=Condition above"`
}

// Validate checks the tag's fields and the ones its failure condition needs.
func (t TagConfig) Validate() error {
	if err := Validate(t); err != nil {
		return fmt.Errorf("tag %q: %w", t.Key, err)
	}
	return nil
}

// TagResult is the outcome of reading one tag in one poll cycle.
type TagResult struct {
	TagKey    string    `json:"tag_name"`
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// HistoryPoint is one entry of a tag's bounded history.
type HistoryPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     any       `json:"value"`
}

// ConnectionStats is reported by the device client.
type ConnectionStats struct {
	Connected           bool       `json:"connected"`
	LastSuccessfulRead  *time.Time `json:"last_successful_read"`
	TotalReads          int64      `json:"total_reads"`
	TotalErrors         int64      `json:"total_errors"`
	ConnectionStartTime *time.Time `json:"connection_start_time"`
	LastError           string     `json:"last_error,omitempty"`
}

// ThresholdViolation tracks one departure from nominal until it resolves.
type ThresholdViolation struct {
	TagKey     string     `json:"tag_name"`
	Expected   any        `json:"expected_value"`
	Actual     any        `json:"actual_value"`
	Condition  Condition  `json:"failure_condition"`
	Reason     string     `json:"reason,omitempty"`
	DetectedAt time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at"`
}

// Statistics is the aggregate view served to observability consumers.
type Statistics struct {
	UptimeSeconds           float64         `json:"uptime_seconds"`
	TotalTagReads           int64           `json:"total_tag_reads"`
	TotalViolations         int64           `json:"total_violations"`
	ActiveViolations        int             `json:"active_violations"`
	TotalRemediations       int64           `json:"total_remediations"`
	ConnectionUptimePercent float64         `json:"connection_uptime_percent"`
	ConnectionStats         ConnectionStats `json:"connection_stats"`
}
