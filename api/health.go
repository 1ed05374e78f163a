package api

import "net/http"

// HealthResponse is returned by Health.
type HealthResponse struct {
	Status string `json:"status"`
}

// Health reports liveness. It does not touch storage.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
