package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PayloadState is the assembler's durable state machine position.
type PayloadState string

const (
	PayloadStateCreated   PayloadState = "Created"
	PayloadStateMove      PayloadState = "Move"
	PayloadStateNotify    PayloadState = "Notify"
	PayloadStatePublished PayloadState = "Published"
	PayloadStateFailed    PayloadState = "Failed"
)

// rank orders payload states; transitions may only move forward.
func (s PayloadState) rank() int {
	switch s {
	case PayloadStateCreated:
		return 0
	case PayloadStateMove:
		return 1
	case PayloadStateNotify:
		return 2
	case PayloadStatePublished, PayloadStateFailed:
		return 3
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next preserves the
// monotonically-advancing invariant.
func (s PayloadState) CanTransitionTo(next PayloadState) bool {
	return next.rank() == s.rank()+1 ||
		(next == PayloadStateFailed && s != PayloadStatePublished)
}

// Payload groups the files collected under one grouping key.
type Payload struct {
	PayloadID          uuid.UUID              `gorm:"type:uuid;primaryKey" json:"payload_id"`
	Key                string                 `gorm:"type:varchar(1024);not null;index" json:"key"`
	CorrelationID      string                 `gorm:"type:varchar(255)" json:"correlation_id"`
	WorkflowInstanceID string                 `gorm:"type:varchar(255)" json:"workflow_instance_id,omitempty"`
	State              PayloadState           `gorm:"type:varchar(20);not null;index" json:"state"`
	RetryCount         int                    `gorm:"not null;default:0" json:"retry_count"`
	Timeout            int                    `gorm:"not null" json:"timeout"`
	MachineName        string                 `gorm:"type:varchar(255)" json:"machine_name"`
	Files              []*FileStorageMetadata `gorm:"serializer:json" json:"files"`
	DateCreated        time.Time              `json:"date_created"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// TableName overrides the table name
func (Payload) TableName() string {
	return "payloads"
}

// BeforeCreate hook
func (p *Payload) BeforeCreate(tx *gorm.DB) error {
	if p.PayloadID == uuid.Nil {
		p.PayloadID = uuid.New()
	}
	return nil
}

// HasFile reports whether a file with the given identifier is already part of
// the payload. Replays after a crash must not duplicate files.
func (p *Payload) HasFile(id string) bool {
	for _, f := range p.Files {
		if f.ID == id {
			return true
		}
	}
	return false
}
