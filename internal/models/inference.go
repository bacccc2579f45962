package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// InferenceRequestState tracks a remote inference job through the queue.
type InferenceRequestState string

const (
	InferenceStateQueued    InferenceRequestState = "Queued"
	InferenceStateInProcess InferenceRequestState = "InProcess"
	InferenceStateCompleted InferenceRequestState = "Completed"
)

// InferenceRequestStatus is the terminal outcome of an inference job.
type InferenceRequestStatus string

const (
	InferenceStatusUnknown InferenceRequestStatus = "Unknown"
	InferenceStatusSuccess InferenceRequestStatus = "Success"
	InferenceStatusFail    InferenceRequestStatus = "Fail"
)

// InputResourceType identifies the kind of a request resource.
type InputResourceType string

const (
	ResourceTypeDicomWeb InputResourceType = "DicomWeb"
	ResourceTypeDimse    InputResourceType = "DIMSE"
	ResourceTypeFhir     InputResourceType = "Fhir"
)

// AuthType selects the credential scheme for a DICOMweb connection.
type AuthType string

const (
	AuthTypeNone   AuthType = "None"
	AuthTypeBasic  AuthType = "Basic"
	AuthTypeBearer AuthType = "Bearer"
)

// ConnectionDetails carries the endpoint and credentials of a resource.
type ConnectionDetails struct {
	URI      string   `json:"uri"`
	AuthType AuthType `json:"auth_type"`
	AuthID   string   `json:"auth_id,omitempty"`
}

// RequestResource references an input or output endpoint of an inference job.
type RequestResource struct {
	Interface         InputResourceType `json:"interface"`
	ConnectionDetails ConnectionDetails `json:"connection_details"`
}

// InferenceRequest is a remote processing job descriptor.
type InferenceRequest struct {
	ID                 uuid.UUID              `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TransactionID      string                 `gorm:"type:varchar(255);not null;uniqueIndex" json:"transaction_id"`
	InferenceRequestID string                 `gorm:"type:varchar(255);index" json:"inference_request_id"`
	Priority           int                    `gorm:"not null;default:128" json:"priority"`
	State              InferenceRequestState  `gorm:"type:varchar(20);not null;index" json:"state"`
	Status             InferenceRequestStatus `gorm:"type:varchar(20);not null" json:"status"`
	TryCount           int                    `gorm:"not null;default:0" json:"try_count"`
	InputResources     []RequestResource      `gorm:"serializer:json" json:"input_resources"`
	OutputResources    []RequestResource      `gorm:"serializer:json" json:"output_resources"`
	InputMetadata      map[string]string      `gorm:"serializer:json" json:"input_metadata,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// TableName overrides the table name
func (InferenceRequest) TableName() string {
	return "inference_requests"
}

// BeforeCreate hook
func (r *InferenceRequest) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// OutputResourcesOfType filters output resources by interface kind.
func (r *InferenceRequest) OutputResourcesOfType(t InputResourceType) []RequestResource {
	var out []RequestResource
	for _, res := range r.OutputResources {
		if res.Interface == t {
			out = append(out, res)
		}
	}
	return out
}

// ApplyResult computes the next state after an attempt. Failures increment
// the try count; exceeding maxRetries forces Completed/Fail, otherwise the
// request goes back to Queued.
func (r *InferenceRequest) ApplyResult(success bool, maxRetries int) {
	if success {
		r.State = InferenceStateCompleted
		r.Status = InferenceStatusSuccess
		return
	}
	r.TryCount++
	if r.TryCount > maxRetries {
		r.State = InferenceStateCompleted
		r.Status = InferenceStatusFail
		return
	}
	r.State = InferenceStateQueued
}
