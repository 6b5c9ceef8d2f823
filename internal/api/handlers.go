package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/mrjoshuap/plc-remedy/internal/chaos"
	"github.com/mrjoshuap/plc-remedy/internal/data"
	"github.com/mrjoshuap/plc-remedy/internal/monitor"
)

const (
	defaultLimit  = 100
	resolvedLimit = 100
)

// Monitor is the observability surface of the monitor loop.
type Monitor interface {
	Running() bool
	Tags() map[string]data.TagConfig
	CurrentValues() map[string]data.TagResult
	TagHistory(tagKey string, limit int) ([]data.HistoryPoint, error)
	Events(filter data.EventType, limit int) []data.Event
	ActiveViolations() []data.ThresholdViolation
	ResolvedViolations(limit int) []data.ThresholdViolation
	Statistics() data.Statistics
}

type Remediator interface {
	Trigger(ctx context.Context, action data.Action, tagKey string) (data.RemediationJob, error)
	Job(ctx context.Context, id string) (data.RemediationJob, error)
	Jobs(ctx context.Context) []data.RemediationJob
	JobOutput(ctx context.Context, id string) (string, error)
	TotalLaunched() int64
}

type Chaos interface {
	Enable()
	Disable()
	IsEnabled() bool
	Status() chaos.Status
	InjectFailure(req chaos.InjectRequest) (chaos.Injection, error)
}

// Deps are the components served by the API. Any of them may be nil, in
// which case its endpoints answer 503.
type Deps struct {
	Monitor     Monitor
	Remediation Remediator
	Chaos       Chaos
	Hub         http.Handler
	// Config is the sanitized configuration view served at /config.
	Config any
	// HistoryLimit is the tag history length served when no limit is given.
	HistoryLimit int
}

type Handler struct {
	monitor      Monitor
	remediation  Remediator
	chaos        Chaos
	hub          http.Handler
	config       any
	historyLimit int
	now          func() time.Time
}

func NewHandler(d Deps) *Handler {
	if d.HistoryLimit <= 0 {
		d.HistoryLimit = defaultLimit
	}
	return &Handler{
		monitor:      d.Monitor,
		remediation:  d.Remediation,
		chaos:        d.Chaos,
		hub:          d.Hub,
		config:       d.Config,
		historyLimit: d.HistoryLimit,
		now:          time.Now,
	}
}

func queryLimit(r *http.Request, def int) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit: %s", s)
	}
	return n, nil
}

// decode reads an optional JSON body into v and checks its validate tags.
func decode(r *http.Request, v any) error {
	if err := render.DecodeJSON(r.Body, v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return data.Validate(v)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.ok(w, r, map[string]any{"status": "healthy"})
}

// Liveness is the plain, unwrapped probe mounted at /health.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "healthy"})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		h.unavailable(w, r, "monitor service")
		return
	}
	stats := h.monitor.Statistics()
	h.ok(w, r, map[string]any{
		"connected":        stats.ConnectionStats.Connected,
		"monitor_running":  h.monitor.Running(),
		"connection_stats": stats.ConnectionStats,
		"tag_values":       h.monitor.CurrentValues(),
	})
}

func (h *Handler) Tags(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		h.unavailable(w, r, "monitor service")
		return
	}
	h.ok(w, r, h.monitor.CurrentValues())
}

func (h *Handler) Tag(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		h.unavailable(w, r, "monitor service")
		return
	}
	limit, err := queryLimit(r, h.historyLimit)
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	key := chi.URLParam(r, "key")
	history, err := h.monitor.TagHistory(key, limit)
	if err != nil {
		h.failErr(w, r, err)
		return
	}
	var current *data.TagResult
	if res, ok := h.monitor.CurrentValues()[key]; ok {
		current = &res
	}
	h.ok(w, r, map[string]any{
		"config":  h.monitor.Tags()[key],
		"current": current,
		"history": history,
	})
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		h.unavailable(w, r, "monitor service")
		return
	}
	stats := h.monitor.Statistics()
	if h.remediation != nil {
		stats.TotalRemediations = h.remediation.TotalLaunched()
	}
	values := make(map[string]any)
	for key, res := range h.monitor.CurrentValues() {
		if res.Success {
			values[key] = res.Value
		} else {
			values[key] = nil
		}
	}
	h.ok(w, r, struct {
		data.Statistics
		TagValues map[string]any `json:"tag_values"`
	}{stats, values})
}

func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		h.unavailable(w, r, "monitor service")
		return
	}
	limit, err := queryLimit(r, defaultLimit)
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var filter data.EventType
	if t := r.URL.Query().Get("type"); t != "" {
		if filter, err = data.ParseEventType(t); err != nil {
			h.fail(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	events := h.monitor.Events(filter, limit)
	h.ok(w, r, map[string]any{"events": events, "count": len(events)})
}

func (h *Handler) Violations(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		h.unavailable(w, r, "monitor service")
		return
	}
	violations := h.monitor.ActiveViolations()
	if strings.EqualFold(r.URL.Query().Get("active"), "false") {
		violations = append(violations, h.monitor.ResolvedViolations(resolvedLimit)...)
	}
	h.ok(w, r, map[string]any{"violations": violations, "count": len(violations)})
}

type remediateRequest struct {
	TagKey string `json:"tag_name"`
}

func (h *Handler) Remediate(w http.ResponseWriter, r *http.Request) {
	if h.remediation == nil {
		h.unavailable(w, r, "remediation service")
		return
	}
	action, err := data.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req remediateRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.TagKey != "" && h.monitor != nil {
		if _, ok := h.monitor.Tags()[req.TagKey]; !ok {
			h.failErr(w, r, fmt.Errorf("%w: %s", monitor.ErrUnknownTag, req.TagKey))
			return
		}
	}

	job, err := h.remediation.Trigger(r.Context(), action, req.TagKey)
	if err != nil {
		slog.Info("manual remediation rejected", "action", action, "tag", req.TagKey, "error", err)
		h.failErr(w, r, err)
		return
	}
	h.ok(w, r, job)
}

func (h *Handler) RemediationStatus(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("job_id"); id != "" {
		h.job(w, r, id)
		return
	}
	h.Jobs(w, r)
}

func (h *Handler) Jobs(w http.ResponseWriter, r *http.Request) {
	if h.remediation == nil {
		h.unavailable(w, r, "remediation service")
		return
	}
	jobs := h.remediation.Jobs(r.Context())
	h.ok(w, r, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (h *Handler) Job(w http.ResponseWriter, r *http.Request) {
	h.job(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) job(w http.ResponseWriter, r *http.Request, id string) {
	if h.remediation == nil {
		h.unavailable(w, r, "remediation service")
		return
	}
	job, err := h.remediation.Job(r.Context(), id)
	if err != nil {
		h.failErr(w, r, err)
		return
	}
	h.ok(w, r, job)
}

func (h *Handler) JobOutput(w http.ResponseWriter, r *http.Request) {
	if h.remediation == nil {
		h.unavailable(w, r, "remediation service")
		return
	}
	id := chi.URLParam(r, "id")
	out, err := h.remediation.JobOutput(r.Context(), id)
	if err != nil {
		h.failErr(w, r, err)
		return
	}
	h.ok(w, r, map[string]any{"job_id": id, "output": out})
}

func (h *Handler) ChaosStatus(w http.ResponseWriter, r *http.Request) {
	if h.chaos == nil {
		h.unavailable(w, r, "chaos engine")
		return
	}
	h.ok(w, r, h.chaos.Status())
}

func (h *Handler) ChaosEnable(w http.ResponseWriter, r *http.Request) {
	if h.chaos == nil {
		h.unavailable(w, r, "chaos engine")
		return
	}
	h.chaos.Enable()
	h.ok(w, r, map[string]any{"message": "Chaos injection enabled", "enabled": h.chaos.IsEnabled()})
}

func (h *Handler) ChaosDisable(w http.ResponseWriter, r *http.Request) {
	if h.chaos == nil {
		h.unavailable(w, r, "chaos engine")
		return
	}
	h.chaos.Disable()
	h.ok(w, r, map[string]any{"message": "Chaos injection disabled", "enabled": h.chaos.IsEnabled()})
}

func (h *Handler) ChaosInject(w http.ResponseWriter, r *http.Request) {
	if h.chaos == nil {
		h.unavailable(w, r, "chaos engine")
		return
	}
	var req chaos.InjectRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	inj, err := h.chaos.InjectFailure(req)
	if err != nil {
		h.failErr(w, r, err)
		return
	}
	h.ok(w, r, inj)
}

func (h *Handler) Config(w http.ResponseWriter, r *http.Request) {
	if h.config == nil {
		h.unavailable(w, r, "configuration")
		return
	}
	h.ok(w, r, h.config)
}

func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		h.unavailable(w, r, "websocket hub")
		return
	}
	h.hub.ServeHTTP(w, r)
}

// Index lists the API routes.
func (h *Handler) Index(routes chi.Routes) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var paths []string
		chi.Walk(routes, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
			paths = append(paths, method+" "+route)
			return nil
		})
		sort.Strings(paths)
		h.ok(w, r, map[string]any{"service": "plc-remedy", "routes": paths})
	}
}
