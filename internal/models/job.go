package models

import (
	"github.com/google/uuid"
)

// Queue and pub/sub channel names shared by the hub and the anomaly worker.
const (
	IntegrityQueue = "queue:integrity-events"
	AlertChannel   = "alerts:integrity"
)

// AnomalyJob is one unit of work for the anomaly pool, pushed by the hub for
// every behavior event and location fix it ingests.
type AnomalyJob struct {
	ID        uuid.UUID      `json:"id"`
	SessionID uuid.UUID      `json:"session_id"`
	UserID    uuid.UUID      `json:"user_id"`
	Kind      string         `json:"kind"`
	Event     *BehaviorEvent `json:"event,omitempty"`
	Fix       *LocationFix   `json:"fix,omitempty"`
}
