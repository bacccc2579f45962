package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DicomAssociationInfo is the audit record written when an association ends.
type DicomAssociationInfo struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	CorrelationID  string    `gorm:"type:varchar(255);not null;index" json:"correlation_id"`
	CallingAeTitle string    `gorm:"type:varchar(16)" json:"calling_ae_title"`
	CalledAeTitle  string    `gorm:"type:varchar(16)" json:"called_ae_title"`
	RemoteHost     string    `gorm:"type:varchar(255)" json:"remote_host"`
	RemotePort     int       `json:"remote_port"`
	FileCount      int       `json:"file_count"`
	Errors         []string  `gorm:"serializer:json" json:"errors,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	DisconnectedAt time.Time `json:"disconnected_at"`

	// Duration in milliseconds between accept and disconnect.
	Duration int64 `json:"duration_ms"`
}

// TableName overrides the table name
func (DicomAssociationInfo) TableName() string {
	return "dicom_association_infos"
}

// BeforeCreate hook
func (a *DicomAssociationInfo) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
