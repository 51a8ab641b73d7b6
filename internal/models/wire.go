package models

import "encoding/json"

// Realtime message names. Client emits the left column of the protocol table,
// the server replies with the right column; broadcast names go to admin
// observers only.
const (
	MsgJoinTestSession  = "join_test_session"
	MsgSessionJoined    = "session_joined"
	MsgBehaviorEvent    = "behavior_event"
	MsgBehaviorRecorded = "behavior_recorded"
	MsgLocationUpdate   = "location_update"
	MsgLocationUpdated  = "location_updated"
	MsgSessionStatus    = "session_status"
	MsgStatusUpdated    = "status_updated"
	MsgFlagSession      = "flag_session"
	MsgSessionFlagged   = "session_flagged"
	MsgEndSession       = "end_session"
	MsgSessionEnded     = "session_ended"
	MsgError            = "error"

	// Server-initiated broadcasts, never acknowledged by receivers.
	MsgSuspiciousBehavior = "suspicious_behavior"
	MsgGPSAlert           = "gps_alert"
)

// Envelope is one realtime frame in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

type JoinPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type BehaviorWirePayload struct {
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
}

type LocationWirePayload struct {
	SessionID    string      `json:"session_id"`
	LocationData LocationFix `json:"location_data"`
}

type StatusWirePayload struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type FlagWirePayload struct {
	SessionID string `json:"session_id"`
	FlagType  string `json:"flag_type"`
	Reason    string `json:"reason"`
}

type EndWirePayload struct {
	SessionID string `json:"session_id"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Alert is what the worker publishes and admin observers receive.
type Alert struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id,omitempty"`
	Detail    string          `json:"detail"`
	Data      json.RawMessage `json:"data,omitempty"`
}
