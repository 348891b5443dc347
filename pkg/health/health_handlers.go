package health

import (
	"encoding/json"
	"net/http"
)

// HTTPHandler serves the full report. Degraded still answers 200.
func (hc *HealthChecker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := hc.Check()
		code := http.StatusOK
		if response.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeResponse(w, code, response)
	}
}

// ReadinessHandler serves the readiness probes
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return binary(hc.CheckReadiness)
}

// LivenessHandler serves the liveness probes
func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return binary(hc.CheckLiveness)
}

// Register mounts the three endpoints under /health.
func (hc *HealthChecker) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", hc.HTTPHandler())
	mux.HandleFunc("/health/ready", hc.ReadinessHandler())
	mux.HandleFunc("/health/live", hc.LivenessHandler())
}

func binary(run func() Response) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := run()
		code := http.StatusOK
		if response.Status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeResponse(w, code, response)
	}
}

func writeResponse(w http.ResponseWriter, code int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}
