package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/otcheredev/imaging-gateway/internal/database"
	"github.com/otcheredev/imaging-gateway/internal/services"
)

// StatusReporter exposes the lifecycle status of background components.
type StatusReporter interface {
	Statuses() map[string]services.ComponentStatus
}

type HealthHandler struct {
	runner StatusReporter
}

func NewHealthHandler(runner StatusReporter) *HealthHandler {
	return &HealthHandler{runner: runner}
}

type healthResponse struct {
	Status    string                              `json:"status"`
	Timestamp time.Time                           `json:"timestamp"`
	Services  map[string]services.ComponentStatus `json:"services"`
}

// Health reports liveness plus the database connection state.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  map[string]services.ComponentStatus{},
	}

	sqlDB, err := database.DB.DB()
	if err != nil || sqlDB.Ping() != nil {
		response.Services["database"] = services.StatusStopped
		response.Status = "degraded"
	} else {
		response.Services["database"] = services.StatusRunning
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

// Status reports the running state of every background service.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.runner.Statuses())
}

// Ready reports Healthy only when every component is running and the
// database responds.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := database.DB.DB()
	if err != nil || sqlDB.Ping() != nil {
		http.Error(w, "Unhealthy", http.StatusServiceUnavailable)
		return
	}
	for _, status := range h.runner.Statuses() {
		if status != services.StatusRunning {
			http.Error(w, "Unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Healthy"))
}
