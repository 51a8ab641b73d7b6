package models

// API error envelope shared by all HTTP handlers.
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

// CreateSessionRequest is the body of POST /test-sessions. user_id and
// test_result_id are both required; session_token is a client-generated
// correlation string, not a credential.
type CreateSessionRequest struct {
	UserID       string              `json:"user_id"`
	TestResultID string              `json:"test_result_id"`
	Device       DeviceSnapshot      `json:"device"`
	Locale       LocaleSnapshot      `json:"locale"`
	Permissions  PermissionsSnapshot `json:"permissions"`
	Location     LocationState       `json:"location"`
	SessionToken string              `json:"session_token"`
}

// EndSessionRequest is the body of POST /test-sessions/{id}/end.
type EndSessionRequest struct {
	EndedAt string `json:"ended_at"`
	Status  string `json:"status"`
}
