package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/prestabanco/backend/internal/api/types"
	"github.com/prestabanco/backend/pkg/logger"
)

const (
	StatusUp   = "UP"
	StatusDown = "DOWN"

	checkTimeout = 2 * time.Second
)

// Check probes one dependency. A nil error means it is healthy.
type Check func(ctx context.Context) error

// BuildInfo is what /actuator/info reports.
type BuildInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env"`
}

// component carries no error detail: /actuator is public.
type component struct {
	Status string `json:"status"`
}

type health struct {
	Status     string               `json:"status"`
	Components map[string]component `json:"components,omitempty"`
}

// ActuatorHandler serves the operational endpoints under /actuator.
type ActuatorHandler struct {
	info   BuildInfo
	checks map[string]Check
}

func NewActuatorHandler(info BuildInfo, checks map[string]Check) *ActuatorHandler {
	return &ActuatorHandler{info: info, checks: checks}
}

// Health reports UP only when every registered check passes.
func (h *ActuatorHandler) Health(w http.ResponseWriter, r *http.Request) {
	res := health{Status: StatusUp}
	if len(h.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		res.Components = make(map[string]component, len(h.checks))
		for name, check := range h.checks {
			c := component{Status: StatusUp}
			if err := check(ctx); err != nil {
				logger.L().Warn("health check failed",
					zap.String("component", name),
					zap.Error(err),
				)
				c = component{Status: StatusDown}
				res.Status = StatusDown
			}
			res.Components[name] = c
		}
	}

	status := http.StatusOK
	if res.Status != StatusUp {
		status = http.StatusServiceUnavailable
	}
	types.WriteJSON(w, status, res)
}

// Liveness never consults dependencies.
func (h *ActuatorHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	types.WriteJSON(w, http.StatusOK, health{Status: StatusUp})
}

func (h *ActuatorHandler) Info(w http.ResponseWriter, r *http.Request) {
	types.WriteJSON(w, http.StatusOK, map[string]BuildInfo{"app": h.info})
}
