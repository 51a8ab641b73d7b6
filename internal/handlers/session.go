package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"vigila-backend/internal/metrics"
	"vigila-backend/internal/models"
	"vigila-backend/internal/repository"
)

type SessionHandler struct {
	repo *repository.SessionRepo
}

func NewSessionHandler(repo *repository.SessionRepo) *SessionHandler {
	return &SessionHandler{repo: repo}
}

// Create handles POST /test-sessions. The session id is assigned here, never
// by the client; the client's session_token is stored for correlation only.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "user_id is required", r))
		return
	}
	testResultID, err := uuid.Parse(req.TestResultID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "test_result_id is required", r))
		return
	}
	if req.SessionToken == "" {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "session_token is required", r))
		return
	}

	session := &models.Session{
		UserID:       userID,
		TestResultID: testResultID,
		Token:        req.SessionToken,
		Device:       req.Device,
		Locale:       req.Locale,
		Permissions:  req.Permissions,
		Location:     req.Location,
	}

	if err := h.repo.Create(r.Context(), session); err != nil {
		log.Printf("create test session: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to create test session", r))
		return
	}

	metrics.SessionsStarted.Inc()
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session": session,
	})
}

// End handles POST /test-sessions/{id}/end. Idempotent: ending an already
// ended session returns it unchanged.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid session ID", r))
		return
	}

	var req models.EndSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	endedAt := time.Now().UTC()
	if req.EndedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, req.EndedAt); err == nil {
			endedAt = parsed
		}
	}

	if err := h.repo.End(r.Context(), sessionID, req.Status, endedAt); err != nil {
		log.Printf("end test session %s: %v", sessionID, err)
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to end test session", r))
		return
	}

	session, err := h.repo.Get(r.Context(), sessionID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Test session not found", r))
		return
	}

	metrics.SessionsEnded.Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": session,
	})
}

// List handles GET /test-sessions for admin review, newest first.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	sessions, err := h.repo.List(r.Context(), status, limit)
	if err != nil {
		log.Printf("list test sessions: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to list test sessions", r))
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
	})
}

// Get handles GET /test-sessions/{id}: the full session with behavior buckets,
// location history and flags for the review screen.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid session ID", r))
		return
	}

	session, err := h.repo.Get(r.Context(), sessionID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Test session not found", r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": session,
	})
}

// Shared helpers

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResp(code, message string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			RequestID: r.Header.Get("X-Request-ID"),
		},
	}
}
