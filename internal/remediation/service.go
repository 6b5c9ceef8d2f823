package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrjoshuap/plc-remedy/internal/data"
	"github.com/mrjoshuap/plc-remedy/internal/orchestrator"
)

var (
	ErrTemplateNotConfigured = errors.New("job template not configured")
	ErrJobNotFound           = errors.New("remediation job not found")
	ErrNoExternalJob         = errors.New("remediation job has no orchestrator job")
)

// Launcher is the part of the orchestrator client the service needs.
type Launcher interface {
	LaunchJob(ctx context.Context, templateID int, extraVars map[string]any) (orchestrator.LaunchResult, error)
	JobStatus(ctx context.Context, jobID int) (orchestrator.JobState, error)
	JobOutput(ctx context.Context, jobID int) (string, error)
}

type EventRecorder interface {
	RecordEvent(ctx context.Context, ev data.Event)
}

type ViolationClearer interface {
	ClearViolation(tagKey string) bool
}

type Config struct {
	Templates           map[data.Action]int
	StatusCheckInterval time.Duration
	MaxStatusChecks     int
}

type Option func(*Service)

func WithEvents(r EventRecorder) Option { return func(s *Service) { s.events = r } }

func WithViolations(v ViolationClearer) Option { return func(s *Service) { s.violations = v } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// Service launches remediation jobs and keeps their audit records.
type Service struct {
	cfg        Config
	client     Launcher
	gate       *Gate
	events     EventRecorder
	violations ViolationClearer
	now        func() time.Time

	mu          sync.Mutex
	jobs        map[string]*data.RemediationJob
	order       []string
	lastChecked map[string]time.Time
	launched    int64
}

func NewService(cfg Config, client Launcher, gate *Gate, opts ...Option) *Service {
	if cfg.StatusCheckInterval <= 0 {
		cfg.StatusCheckInterval = 2 * time.Second
	}
	if cfg.MaxStatusChecks <= 0 {
		cfg.MaxStatusChecks = 10
	}
	s := &Service{
		cfg:         cfg,
		client:      client,
		gate:        gate,
		now:         time.Now,
		jobs:        make(map[string]*data.RemediationJob),
		lastChecked: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Gate() *Gate { return s.gate }

func (s *Service) emit(ctx context.Context, ev data.Event) {
	if s.events != nil {
		s.events.RecordEvent(ctx, ev)
	}
}

// Trigger launches the job template mapped to action. The cooldown slot is
// reserved before the launch and released again if the launch fails.
func (s *Service) Trigger(ctx context.Context, action data.Action, tagKey string) (data.RemediationJob, error) {
	templateID, ok := s.cfg.Templates[action]
	if !ok {
		return data.RemediationJob{}, fmt.Errorf("%w for %s", ErrTemplateNotConfigured, action)
	}

	res, err := s.gate.Reserve(tagKey)
	if err != nil {
		cooldownRejections.Inc()
		return data.RemediationJob{}, err
	}

	job := data.RemediationJob{
		ID:        uuid.NewString(),
		Action:    action,
		Status:    data.JobPending,
		StartTime: s.now(),
		TagKey:    tagKey,
	}
	extra := map[string]any{"remediation_job_id": job.ID, "action": string(action)}
	if tagKey != "" {
		extra["tag_name"] = tagKey
	}

	launch, err := s.client.LaunchJob(ctx, templateID, extra)
	if err != nil {
		res.Cancel()
		end := s.now()
		job.Status = data.JobFailed
		job.EndTime = &end
		job.ErrorMessage = err.Error()
		s.store(&job)
		triggersTotal.WithLabelValues(string(action), "launch_failed").Inc()
		slog.Error("remediation launch failed", "action", action, "tag", tagKey, "error", err)
		s.emit(ctx, data.Event{
			Type: data.EventRemediationFailed, Timestamp: end, Severity: data.SeverityError, TagKey: tagKey,
			Payload: map[string]any{"job_id": job.ID, "action_type": action, "error": err.Error()},
		})
		return job, fmt.Errorf("launch %s remediation: %w", action, err)
	}

	extID := launch.JobID
	job.ExternalJobID = &extID
	s.store(&job)
	s.mu.Lock()
	s.launched++
	s.mu.Unlock()
	triggersTotal.WithLabelValues(string(action), "launched").Inc()

	slog.Info("remediation triggered", "action", action, "tag", tagKey, "job_id", job.ID, "external_job_id", extID)
	s.emit(ctx, data.Event{
		Type: data.EventRemediationTriggered, Timestamp: job.StartTime, Severity: data.SeverityWarning, TagKey: tagKey,
		Payload: map[string]any{"job_id": job.ID, "action_type": action, "aap_job_id": extID},
	})
	return job, nil
}

func (s *Service) store(job *data.RemediationJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	s.order = append(s.order, job.ID)
}

// Hook adapts Trigger to the monitor's fire-and-forget remediation hook.
func (s *Service) Hook() func(ctx context.Context, action data.Action, tagKey string) {
	return func(ctx context.Context, action data.Action, tagKey string) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("remediation hook panicked", "action", action, "tag", tagKey, "panic", r)
			}
		}()
		_, err := s.Trigger(ctx, action, tagKey)
		var cd *CooldownError
		switch {
		case err == nil:
		case errors.As(err, &cd):
			slog.Info("auto remediation skipped, cooling down", "tag", tagKey, "remaining_seconds", cd.RemainingSeconds())
		default:
			slog.Error("auto remediation failed", "action", action, "tag", tagKey, "error", err)
		}
	}
}

// TotalLaunched counts jobs handed to the orchestrator.
func (s *Service) TotalLaunched() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launched
}

// Job returns one job, refreshing its status if it is still running.
func (s *Service) Job(ctx context.Context, id string) (data.RemediationJob, error) {
	s.mu.Lock()
	_, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return data.RemediationJob{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.refresh(ctx, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id], nil
}

// Jobs returns every job, newest first, after refreshing a bounded number of
// unfinished ones.
func (s *Service) Jobs(ctx context.Context) []data.RemediationJob {
	s.RefreshJobs(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]data.RemediationJob, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, *s.jobs[s.order[i]])
	}
	return out
}

// dueForCheck picks up to MaxStatusChecks unfinished jobs whose last check is
// older than the interval. When none are due, the least recently checked
// unfinished job is still returned so nothing stays stuck.
func (s *Service) dueForCheck() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var active []string
	for _, id := range s.order {
		j := s.jobs[id]
		if j.ExternalJobID != nil && !j.Status.Finished() {
			active = append(active, id)
		}
	}
	if len(active) == 0 {
		return nil
	}
	sort.SliceStable(active, func(a, b int) bool {
		return s.lastChecked[active[a]].Before(s.lastChecked[active[b]])
	})

	var due []string
	for _, id := range active {
		if len(due) == s.cfg.MaxStatusChecks {
			break
		}
		if now.Sub(s.lastChecked[id]) >= s.cfg.StatusCheckInterval {
			due = append(due, id)
		}
	}
	if len(due) == 0 {
		// Forced check bypasses the interval.
		delete(s.lastChecked, active[0])
		due = append(due, active[0])
	}
	return due
}

func (s *Service) refresh(ctx context.Context, id string) {
	s.mu.Lock()
	job := s.jobs[id]
	now := s.now()
	if job.ExternalJobID == nil || job.Status.Finished() || now.Sub(s.lastChecked[id]) < s.cfg.StatusCheckInterval {
		s.mu.Unlock()
		return
	}
	s.lastChecked[id] = now
	extID := *job.ExternalJobID
	s.mu.Unlock()

	state, err := s.client.JobStatus(ctx, extID)
	if err != nil {
		slog.Warn("remediation job status check failed", "job_id", id, "external_job_id", extID, "error", err)
		return
	}

	s.mu.Lock()
	job = s.jobs[id]
	prev := job.Status
	if state.Status == prev || prev.Finished() {
		s.mu.Unlock()
		return
	}
	job.Status = state.Status
	if state.Status.Finished() {
		end := s.now()
		job.EndTime = &end
	}
	snapshot := *job
	s.mu.Unlock()

	if !snapshot.Status.Finished() {
		return
	}
	ev := data.Event{
		Type: data.EventRemediationCompleted, Timestamp: *snapshot.EndTime, Severity: data.SeverityInfo, TagKey: snapshot.TagKey,
		Payload: map[string]any{"job_id": snapshot.ID, "action_type": snapshot.Action, "aap_job_id": extID, "status": snapshot.Status},
	}
	triggersTotal.WithLabelValues(string(snapshot.Action), string(snapshot.Status)).Inc()
	if snapshot.Status != data.JobSuccessful {
		ev.Type = data.EventRemediationFailed
		ev.Severity = data.SeverityError
		slog.Warn("remediation job did not succeed", "job_id", id, "status", snapshot.Status)
	} else {
		slog.Info("remediation job succeeded", "job_id", id, "tag", snapshot.TagKey)
	}
	s.emit(ctx, ev)

	if snapshot.Status == data.JobSuccessful && snapshot.TagKey != "" && s.violations != nil {
		if s.violations.ClearViolation(snapshot.TagKey) {
			slog.Info("cleared violation after successful remediation", "tag", snapshot.TagKey, "job_id", id)
		}
	}
}

// JobOutput fetches the orchestrator's stdout for a job.
func (s *Service) JobOutput(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	var extID *int
	if ok {
		extID = job.ExternalJobID
	}
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if extID == nil {
		return "", fmt.Errorf("%w: %s", ErrNoExternalJob, id)
	}
	return s.client.JobOutput(ctx, *extID)
}

// Prune forgets stale gate timestamps and status-check bookkeeping. Job
// records themselves are never removed.
func (s *Service) Prune() int {
	n := s.gate.Prune()
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, at := range s.lastChecked {
		if now.Sub(at) > cooldownRetention {
			delete(s.lastChecked, id)
			n++
		}
	}
	return n
}

// RefreshJobs is the scheduler entry point for background status polling.
func (s *Service) RefreshJobs(ctx context.Context) {
	for _, id := range s.dueForCheck() {
		s.refresh(ctx, id)
	}
}
