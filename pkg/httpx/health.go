package httpx

import (
	"net/http"
)

// LivenessReporter is satisfied by anything that tracks whether it currently
// holds its critical connection (broker.Publisher, broker.Consumer).
// Healthy must not block.
type LivenessReporter interface {
	Healthy() bool
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type healthResponse struct {
	Status string `json:"status"`
}

// HealthHandler answers from reporter's last observed state: 200 healthy or
// 503 unhealthy. It never dials or pings anything.
func HealthHandler(reporter LivenessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if reporter.Healthy() {
			JSON(w, http.StatusOK, healthResponse{Status: StatusHealthy})
			return
		}
		JSON(w, http.StatusServiceUnavailable, healthResponse{Status: StatusUnhealthy})
	}
}

// NotFound writes a JSON 404 for unrouted paths.
func NotFound(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
}

// MethodNotAllowed writes a JSON 405 for routed paths hit with the wrong method.
func MethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusMethodNotAllowed, map[string]string{"detail": "Method Not Allowed"})
}
