package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"despotify/internal/session"
)

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// respondJSON writes v as the JSON body of a response
func (s *Server) respondJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Debug("Failed to write JSON response")
	}
}

// respondWithValidationError sends a structured validation error response
func (s *Server) respondWithValidationError(w http.ResponseWriter, r *http.Request, errs ...ValidationError) {
	s.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"errors": errs,
	}).Warn("Validation failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	s.respondJSON(w, ValidationResult{
		Valid:  false,
		Errors: errs,
	})
}

// respondWithError sends a structured error response
func (s *Server) respondWithError(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	logEntry := s.logger.WithFields(logrus.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status_code": statusCode,
		"message":     message,
	})

	if err != nil {
		logEntry = logEntry.WithError(err)
	}

	if statusCode >= 500 {
		logEntry.Error("Server error")
	} else {
		logEntry.Warn("Client error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]any{
		"error":   message,
		"code":    statusCode,
		"success": false,
	}
	if err != nil {
		response["detail"] = err.Error()
	}

	s.respondJSON(w, response)
}

// respondWithSessionError maps a session operation error to a status code
func (s *Server) respondWithSessionError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var authErr *session.AuthenticationError
	var playErr *session.PlaybackStartError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &authErr):
		status = http.StatusUnauthorized
	case errors.As(err, &playErr):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrInvalidState), errors.Is(err, session.ErrAuthInProgress):
		status = http.StatusConflict
	case errors.Is(err, session.ErrLoggedOut), errors.Is(err, session.ErrClosed):
		status = http.StatusGone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	s.respondWithError(w, r, status, op+" failed", err)
}

// validateSessionID checks that a session ID from the URL is a UUID
func validateSessionID(id string) *ValidationError {
	if id == "" {
		return &ValidationError{
			Field:   "session_id",
			Message: "Session ID is required",
			Code:    "MISSING_SESSION_ID",
		}
	}
	if _, err := uuid.Parse(id); err != nil {
		return &ValidationError{
			Field:   "session_id",
			Message: "Session ID must be a UUID",
			Code:    "INVALID_SESSION_ID_FORMAT",
		}
	}
	return nil
}

// validateCredentials validates a login request
func validateCredentials(username, password string) []ValidationError {
	var errs []ValidationError
	if username == "" {
		errs = append(errs, ValidationError{
			Field:   "username",
			Message: "Username is required",
			Code:    "MISSING_USERNAME",
		})
	} else if len(username) > 255 || strings.ContainsAny(username, "\x00\r\n") {
		errs = append(errs, ValidationError{
			Field:   "username",
			Message: "Username contains invalid characters or is too long",
			Code:    "INVALID_USERNAME",
		})
	}
	if password == "" {
		errs = append(errs, ValidationError{
			Field:   "password",
			Message: "Password is required",
			Code:    "MISSING_PASSWORD",
		})
	}
	return errs
}

// validateURI validates the link passed to play
func validateURI(uri string) *ValidationError {
	if uri == "" {
		return &ValidationError{
			Field:   "uri",
			Message: "URI is required",
			Code:    "MISSING_URI",
		}
	}

	if len(uri) > 512 {
		return &ValidationError{
			Field:   "uri",
			Message: "URI too long (max 512 characters)",
			Code:    "URI_TOO_LONG",
		}
	}

	if !strings.HasPrefix(uri, "spotify:") || strings.Contains(uri, "\x00") {
		return &ValidationError{
			Field:   "uri",
			Message: "URI must be a spotify: link",
			Code:    "INVALID_URI_FORMAT",
		}
	}

	return nil
}

// validateSearchQuery validates search query parameters
func validateSearchQuery(query string) *ValidationError {
	if len(query) > 1000 {
		return &ValidationError{
			Field:   "search",
			Message: "Search query too long (max 1000 characters)",
			Code:    "SEARCH_QUERY_TOO_LONG",
		}
	}

	// Check for potentially dangerous characters
	if strings.Contains(query, "\x00") {
		return &ValidationError{
			Field:   "search",
			Message: "Search query contains invalid characters",
			Code:    "INVALID_SEARCH_CHARACTERS",
		}
	}

	return nil
}

// sanitizeInput sanitizes user input to prevent injection attacks
func sanitizeInput(input string) string {
	// Remove null bytes
	input = strings.ReplaceAll(input, "\x00", "")

	// Trim whitespace
	input = strings.TrimSpace(input)

	return input
}
