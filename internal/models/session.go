package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Session statuses. The client only ever reports "initializing", "active" and
// "completed"; "abandoned" and "flagged" are assigned server-side and surface
// through the admin endpoints for display.
const (
	StatusInitializing = "initializing"
	StatusActive       = "active"
	StatusCompleted    = "completed"
	StatusAbandoned    = "abandoned"
	StatusFlagged      = "flagged"
)

// Behavior bucket names. Each bucket is an append-only ordered sequence of
// BehaviorEvent records keyed by kind.
const (
	EventTabBlur           = "tabBlur"
	EventReloads           = "reloads"
	EventVisibilityChanges = "visibilityChanges"
	EventClipboard         = "clipboardEvents"
	EventSocketDisconnects = "socketDisconnects"
)

// Flag kinds raised by the anomaly worker or by explicit flag requests.
const (
	FlagTabSwitching     = "tab_switching"
	FlagExcessiveReloads = "excessive_reloads"
	FlagClipboardPaste   = "clipboard_paste"
	FlagLocationDrift    = "location_drift"
	FlagManualReview     = "manual_review"
)

type DeviceSnapshot struct {
	UserAgent           string `json:"user_agent"`
	Platform            string `json:"platform"`
	ScreenWidth         int    `json:"screen_width"`
	ScreenHeight        int    `json:"screen_height"`
	HardwareConcurrency int    `json:"hardware_concurrency"`
	TouchSupport        bool   `json:"touch_support"`
}

type LocaleSnapshot struct {
	Language          string `json:"language"`
	Timezone          string `json:"timezone"`
	TimezoneOffsetMin int    `json:"timezone_offset_min"`
}

type PermissionsSnapshot struct {
	Camera      string `json:"camera"`
	Microphone  string `json:"microphone"`
	Geolocation string `json:"geolocation"`
}

type LocationFix struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float64   `json:"accuracy_m"`
	CapturedAt time.Time `json:"captured_at"`
}

// LocationState is append-only: fixes are added to History, never rewritten.
type LocationState struct {
	Enabled bool          `json:"enabled"`
	History []LocationFix `json:"history"`
}

// BehaviorEvent is one observation about user activity during the exam.
// DurationMs is set only for correlated start/end pairs and is always >= 0.
type BehaviorEvent struct {
	Kind       string          `json:"kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	DurationMs *int64          `json:"duration_ms,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ClipboardPayload is the payload of a clipboardEvents record. Text carries
// pasted content verbatim; copy/cut content is redacted before it gets here.
type ClipboardPayload struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	TextLength int    `json:"text_length"`
	Source     string `json:"source"`
}

type VisibilityPayload struct {
	State string `json:"state"`
}

type SessionFlag struct {
	Raised   bool      `json:"raised"`
	Reason   string    `json:"reason"`
	Source   string    `json:"source"`
	RaisedAt time.Time `json:"raised_at"`
}

type Session struct {
	ID           uuid.UUID                  `json:"id"`
	UserID       uuid.UUID                  `json:"user_id"`
	TestResultID uuid.UUID                  `json:"test_result_id"`
	Token        string                     `json:"session_token"`
	Status       string                     `json:"status"`
	Device       DeviceSnapshot             `json:"device"`
	Locale       LocaleSnapshot             `json:"locale"`
	Permissions  PermissionsSnapshot        `json:"permissions"`
	Location     LocationState              `json:"location"`
	Behavior     map[string][]BehaviorEvent `json:"behavior"`
	Flags        map[string]SessionFlag     `json:"flags"`
	StartedAt    time.Time                  `json:"started_at"`
	LastSeenAt   time.Time                  `json:"last_seen_at"`
	EndedAt      *time.Time                 `json:"ended_at,omitempty"`
	CreatedAt    time.Time                  `json:"created_at"`
}
