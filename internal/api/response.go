package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/mrjoshuap/plc-remedy/internal/chaos"
	"github.com/mrjoshuap/plc-remedy/internal/monitor"
	"github.com/mrjoshuap/plc-remedy/internal/remediation"
)

// Envelope wraps every /api/v1 response.
type Envelope struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Error     *string   `json:"error"`
}

func (h *Handler) ok(w http.ResponseWriter, r *http.Request, data any) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, Envelope{Success: true, Timestamp: h.now(), Data: data})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, code int, msg string) {
	render.Status(r, code)
	render.JSON(w, r, Envelope{Timestamp: h.now(), Error: &msg})
}

// failErr maps a component error to a status code.
func (h *Handler) failErr(w http.ResponseWriter, r *http.Request, err error) {
	var cooldown *remediation.CooldownError
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &cooldown):
		code = http.StatusTooManyRequests
	case errors.Is(err, monitor.ErrUnknownTag),
		errors.Is(err, remediation.ErrJobNotFound),
		errors.Is(err, remediation.ErrTemplateNotConfigured):
		code = http.StatusNotFound
	case errors.Is(err, remediation.ErrNoExternalJob):
		code = http.StatusConflict
	case errors.Is(err, chaos.ErrGracePeriod),
		errors.Is(err, chaos.ErrFailureTypeDisabled),
		errors.Is(err, chaos.ErrUnknownFailureType),
		errors.Is(err, chaos.ErrAutomaticOnly),
		errors.Is(err, chaos.ErrCrashNotConfirmed):
		code = http.StatusBadRequest
	}
	h.fail(w, r, code, err.Error())
}

func (h *Handler) unavailable(w http.ResponseWriter, r *http.Request, component string) {
	h.fail(w, r, http.StatusServiceUnavailable, component+" not initialized")
}
