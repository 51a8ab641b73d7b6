package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"vigila-backend/internal/models"
)

func TestNormalizeSessionResponse(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expectID string
		wantErr  bool
		errIs    error
	}{
		{
			name:     "current session envelope",
			body:     `{"session": {"id": "abc-123", "status": "initializing"}}`,
			expectID: "abc-123",
		},
		{
			name:     "legacy data envelope",
			body:     `{"data": {"id": "def-456"}}`,
			expectID: "def-456",
		},
		{
			name:     "bare session object",
			body:     `{"id": "ghi-789", "user_id": "u1"}`,
			expectID: "ghi-789",
		},
		{
			name:    "no identifiable id",
			body:    `{"session": {"status": "initializing"}}`,
			wantErr: true,
			errIs:   ErrNoSessionID,
		},
		{
			name:    "empty object",
			body:    `{}`,
			wantErr: true,
			errIs:   ErrNoSessionID,
		},
		{
			name:    "malformed json",
			body:    `{"session":`,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			record, err := normalizeSessionResponse([]byte(tc.body))
			if tc.wantErr {
				if err == nil {
					t.Fatal("Expected an error, got none")
				}
				if tc.errIs != nil && !errors.Is(err, tc.errIs) {
					t.Errorf("Expected error %v, got %v", tc.errIs, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if record.ID != tc.expectID {
				t.Errorf("Expected id %q, got %q", tc.expectID, record.ID)
			}
		})
	}
}

func TestRecordClientCreate(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody models.CreateSessionRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"session": {"id": "s-1", "status": "initializing"}}`))
	}))
	defer server.Close()

	client := NewRecordClient(server.URL, "tok")
	record, err := client.Create(context.Background(), models.CreateSessionRequest{
		UserID:       "u-1",
		TestResultID: "tr-1",
		SessionToken: "corr-1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if gotPath != "/api/v1/test-sessions" {
		t.Errorf("Expected POST /api/v1/test-sessions, got %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Expected bearer auth, got %q", gotAuth)
	}
	if gotBody.UserID != "u-1" || gotBody.TestResultID != "tr-1" {
		t.Errorf("Request body not forwarded: %+v", gotBody)
	}
	if gotBody.SessionToken != "corr-1" {
		t.Errorf("Expected session token forwarded, got %q", gotBody.SessionToken)
	}
	if record.ID != "s-1" {
		t.Errorf("Expected session id s-1, got %q", record.ID)
	}
}

func TestRecordClientCreateServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": {"code": "INTERNAL_ERROR"}}`))
	}))
	defer server.Close()

	client := NewRecordClient(server.URL, "")
	if _, err := client.Create(context.Background(), models.CreateSessionRequest{}); err == nil {
		t.Fatal("Expected an error on 500 response")
	}
}

func TestRecordClientEnd(t *testing.T) {
	var gotPath string
	var gotBody models.EndSessionRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"session": {"id": "s-1", "status": "completed"}}`))
	}))
	defer server.Close()

	client := NewRecordClient(server.URL, "")
	if err := client.End(context.Background(), "s-1"); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	if gotPath != "/api/v1/test-sessions/s-1/end" {
		t.Errorf("Expected end path for s-1, got %q", gotPath)
	}
	if gotBody.Status != models.StatusCompleted {
		t.Errorf("Expected status completed, got %q", gotBody.Status)
	}
	if gotBody.EndedAt == "" {
		t.Error("Expected ended_at to be set")
	}
}
