package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"vigila-backend/internal/models"
)

// ErrNoSessionID is returned when a create response carries none of the known
// envelope shapes or the resolved session object has no id.
var ErrNoSessionID = errors.New("no session id in create response")

// SessionRecord is the canonical client-side view of a created session: the
// server-assigned id plus the raw fields for anything the UI wants to show.
type SessionRecord struct {
	ID     string
	Status string
	Raw    json.RawMessage
}

// RecordService is the request/response boundary that creates and ends the
// persisted session entity. Create must succeed before any realtime join is
// attempted.
type RecordService interface {
	Create(ctx context.Context, req models.CreateSessionRequest) (*SessionRecord, error)
	End(ctx context.Context, sessionID string) error
}

// RecordClient talks to the test-sessions HTTP API.
type RecordClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

func NewRecordClient(baseURL, authToken string) *RecordClient {
	return &RecordClient{
		baseURL:   baseURL,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *RecordClient) Create(ctx context.Context, req models.CreateSessionRequest) (*SessionRecord, error) {
	body, err := c.post(ctx, "/api/v1/test-sessions", req)
	if err != nil {
		return nil, fmt.Errorf("failed to create test session: %w", err)
	}
	return normalizeSessionResponse(body)
}

func (c *RecordClient) End(ctx context.Context, sessionID string) error {
	req := models.EndSessionRequest{
		EndedAt: time.Now().UTC().Format(time.RFC3339),
		Status:  models.StatusCompleted,
	}
	if _, err := c.post(ctx, "/api/v1/test-sessions/"+sessionID+"/end", req); err != nil {
		return fmt.Errorf("failed to end test session: %w", err)
	}
	return nil
}

func (c *RecordClient) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// normalizeSessionResponse resolves the session object out of the response
// envelope. The current contract is {"session": {...}}; two legacy shapes
// ({"data": {...}} and a bare object) are still accepted. Whatever the shape,
// an identifiable id must come out of it or the whole initialization aborts.
func normalizeSessionResponse(body []byte) (*SessionRecord, error) {
	var envelope struct {
		Session json.RawMessage `json:"session"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("malformed create response: %w", err)
	}

	raw := envelope.Session
	if len(raw) == 0 {
		raw = envelope.Data
	}
	if len(raw) == 0 {
		raw = body
	}

	var fields struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("malformed session object: %w", err)
	}
	if fields.ID == "" {
		return nil, ErrNoSessionID
	}

	return &SessionRecord{
		ID:     fields.ID,
		Status: fields.Status,
		Raw:    raw,
	}, nil
}
