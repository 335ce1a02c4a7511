package handler

import (
	"encoding/json"
	"net/http"
	"time"
)

// ToolChecker reports whether the external merge tool is usable
type ToolChecker interface {
	ToolAvailable() bool
}

// Health returns basic health check
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Ready returns readiness check with dependencies
func Ready(tool ToolChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ffmpegCheck := HealthCheckResult{Status: "up"}
		if !tool.ToolAvailable() {
			ffmpegCheck = HealthCheckResult{
				Status: "down",
				Error:  "ffmpeg not found in PATH",
			}
		}

		response := map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
			"checks": map[string]HealthCheckResult{
				"ffmpeg": ffmpegCheck,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		if ffmpegCheck.Status == "up" {
			response["status"] = "ready"
			w.WriteHeader(http.StatusOK)
		} else {
			response["status"] = "not_ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(response)
	}
}
