package data

import (
	"fmt"
	"strings"
	"time"
)

type EventType string

const (
	EventTagRead              EventType = "tag_read"
	EventThresholdViolation   EventType = "threshold_violation"
	EventRemediationTriggered EventType = "remediation_triggered"
	EventRemediationCompleted EventType = "remediation_completed"
	EventRemediationFailed    EventType = "remediation_failed"
	EventConnectionLost       EventType = "connection_lost"
	EventConnectionRestored   EventType = "connection_restored"
	EventChaosInjection       EventType = "chaos_injection"
)

var eventTypes = []EventType{
	EventTagRead,
	EventThresholdViolation,
	EventRemediationTriggered,
	EventRemediationCompleted,
	EventRemediationFailed,
	EventConnectionLost,
	EventConnectionRestored,
	EventChaosInjection,
}

// ParseEventType maps a wire name onto an EventType.
func ParseEventType(s string) (EventType, error) {
	for _, t := range eventTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("invalid event type: %s", s)
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is an immutable lifecycle record kept in the event log and pushed to sinks.
type Event struct {
	Type      EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Severity  Severity       `json:"severity"`
	TagKey    string         `json:"tag_name,omitempty"`
	Payload   map[string]any `json:"data"`
}

// Action is a remediation action understood by the orchestration platform.
type Action string

const (
	ActionStop    Action = "stop"
	ActionReset   Action = "reset"
	ActionRestart Action = "restart"
)

// Actions lists every remediation action; each needs a job template mapping.
var Actions = []Action{ActionStop, ActionReset, ActionRestart}

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Actions {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown remediation action %q", s)
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobRunning    JobStatus = "running"
	JobSuccessful JobStatus = "successful"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Finished reports whether the job reached a terminal state.
func (s JobStatus) Finished() bool {
	return s == JobSuccessful || s == JobFailed || s == JobCancelled
}

// RemediationJob is the local audit record of one remediation launch.
type RemediationJob struct {
	ID            string     `json:"job_id"`
	Action        Action     `json:"action_type"`
	Status        JobStatus  `json:"status"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time"`
	ExternalJobID *int       `json:"aap_job_id"`
	TagKey        string     `json:"tag_name,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}
