package server

import (
	"fmt"
	"net/http"
	"os"
	"time"
)

// HealthStatus represents operational status for the /health endpoint.
type HealthStatus struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Database  string         `json:"database"`
	Storage   string         `json:"storage"`
	Sessions  int            `json:"activeSessions"`
	Tracks    int            `json:"trackCount"`
	PublicURL string         `json:"publicUrl,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// handleHealthCheck returns basic liveness + dependency checks.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Database:  "ok",
		Storage:   "ok",
		Sessions:  s.registry.Count(),
		PublicURL: s.ngrokService.GetPublicURL(),
		Details:   make(map[string]any),
	}

	// The track count doubles as the database check.
	tracks, err := s.db.Count()
	if err != nil {
		health.Status = "unhealthy"
		health.Database = "error"
		health.Details["database_error"] = err.Error()
	} else {
		health.Tracks = tracks
	}

	if err := s.checkStorageHealth(); err != nil {
		health.Status = "unhealthy"
		health.Storage = "error"
		health.Details["storage_error"] = err.Error()
	}

	if health.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	s.respondJSON(w, health)
}

// checkStorageHealth validates that the library directory is readable.
func (s *Server) checkStorageHealth() error {
	info, err := os.Stat(s.config.Library.Path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("library path %s is not a directory", s.config.Library.Path)
	}
	return nil
}
