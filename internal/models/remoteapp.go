package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RemoteAppExecutionTTL bounds how long outbound proxy records are kept.
const RemoteAppExecutionTTL = 7 * 24 * time.Hour

// RemoteAppExecution records one instance transmitted to a remote
// application, keyed by the outgoing UID so responses can be correlated.
type RemoteAppExecution struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	OutgoingUID   string            `gorm:"type:varchar(255);not null;uniqueIndex" json:"outgoing_uid"`
	CorrelationID string            `gorm:"type:varchar(255);index" json:"correlation_id"`
	ExportTaskID  string            `gorm:"type:varchar(255);index" json:"export_task_id"`
	OriginalUIDs  map[string]string `gorm:"serializer:json" json:"original_uids,omitempty"`
	RequestTime   time.Time         `gorm:"index" json:"request_time"`
}

// TableName overrides the table name
func (RemoteAppExecution) TableName() string {
	return "remote_app_executions"
}

// BeforeCreate hook
func (r *RemoteAppExecution) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.RequestTime.IsZero() {
		r.RequestTime = time.Now().UTC()
	}
	return nil
}
