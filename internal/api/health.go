package api

import (
	"context"
	"net/http"
	"time"
)

type healthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]string      `json:"checks"`
	Uptime string                 `json:"uptime"`
	Stats  map[string]interface{} `json:"stats,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status: "ok",
		Checks: make(map[string]string, len(h.checks)),
		Uptime: time.Since(h.started).Round(time.Second).String(),
	}
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			resp.Checks[c.Name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[c.Name] = "ok"
	}
	if h.stats != nil {
		resp.Stats = h.stats()
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
