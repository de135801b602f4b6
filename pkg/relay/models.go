package relay

import (
	"time"

	"gorm.io/datatypes"
)

// StudyRef identifies one study at the source: the source-local id from the
// listing and the global StudyInstanceUID.
type StudyRef struct {
	ID               string `json:"id"`
	StudyInstanceUID string `json:"study_instance_uid"`
}

// Relay pipeline states for a study in the working set.
const (
	StateDiscovered  = "discovered"
	StateRetrieving  = "retrieving"
	StateTranscoding = "transcoding"
	StateDelivering  = "delivering"
	StateDelivered   = "delivered"
	StateFailed      = "failed"
)

// StudyRecord tracks one study through the relay pipeline. Records are
// created on discovery and mutated only by the engine; a Delivered record
// leaves the working set for the ledger, a Failed one stays and is retried on
// a later discovery cycle.
type StudyRecord struct {
	StudyID          string    `json:"study_id"`
	StudyInstanceUID string    `json:"study_instance_uid"`
	State            string    `json:"state"`
	AttemptCount     int       `json:"attempt_count"`
	ObjectCount      int       `json:"object_count"`
	LastError        string    `json:"last_error,omitempty"`
	LastAttempt      time.Time `json:"last_attempt"`
}

// JournalEntry is one persisted relay attempt, kept for auditing.
type JournalEntry struct {
	ID               string            `json:"id" gorm:"primaryKey;column:id"`
	StudyInstanceUID string            `json:"study_instance_uid" gorm:"column:study_instance_uid;index"`
	State            string            `json:"state" gorm:"column:state"`
	Attempt          int               `json:"attempt" gorm:"column:attempt"`
	ObjectCount      int               `json:"object_count" gorm:"column:object_count"`
	Error            string            `json:"error,omitempty" gorm:"column:error"`
	Detail           datatypes.JSONMap `json:"detail,omitempty" gorm:"column:detail"`
	CreatedAt        time.Time         `json:"created_at" gorm:"column:created_at"`
}

func (JournalEntry) TableName() string {
	return "relay_journal"
}
