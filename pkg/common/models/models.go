package models

import "time"

// Event bus envelope. Every relay lifecycle change is published as one of
// these on the configured event topic.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// Relay lifecycle event types.
const (
	EventStudyDiscovered = "study.discovered"
	EventStudyRelayed    = "study.relayed"
	EventStudyFailed     = "study.failed"
)
