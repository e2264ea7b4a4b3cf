package handlers

import (
	"net/http"
	"time"
)

var startedAt = time.Now()

type healthResponse struct {
	Status   string  `json:"status"`
	Sessions int     `json:"sessions"`
	Uptime   float64 `json:"uptime"`
}

// HealthCheck reports the live session count and process uptime in seconds.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	sessions := 0
	if Registry != nil {
		sessions = Registry.Count()
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: sessions,
		Uptime:   time.Since(startedAt).Seconds(),
	})
}
