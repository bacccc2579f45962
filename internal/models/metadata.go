package models

import (
	"time"

	"github.com/google/uuid"
)

// DataService identifies the ingress protocol that produced a file.
type DataService string

const (
	DataServiceDimse    DataService = "DIMSE"
	DataServiceDicomWeb DataService = "DicomWeb"
	DataServiceFhir     DataService = "Fhir"
	DataServiceHl7      DataService = "Hl7"
	DataServiceAcr      DataService = "ACR"
)

// FileInfo describes the locally buffered bytes of one received object.
type FileInfo struct {
	TemporaryPath string `json:"temporary_path"`
	ContentType   string `json:"content_type"`
	Uploaded      bool   `json:"uploaded"`
	Failed        bool   `json:"failed"`
	RemoteBucket  string `json:"remote_bucket,omitempty"`
	RemotePath    string `json:"remote_path,omitempty"`

	// Data holds the bytes when temporary storage is Memory. Never persisted.
	Data []byte `json:"-"`
}

// SetUploaded records a successful move to the object store.
func (f *FileInfo) SetUploaded(bucket, path string) {
	f.Uploaded = true
	f.Failed = false
	f.RemoteBucket = bucket
	f.RemotePath = path
}

// SetFailed marks the upload as terminally failed.
func (f *FileInfo) SetFailed() {
	f.Failed = true
}

// FileStorageMetadata is the per-object record produced by an ingestor,
// mutated by the upload worker and consumed by the payload assembler.
type FileStorageMetadata struct {
	ID            string      `json:"id"`
	CorrelationID string      `json:"correlation_id"`
	PayloadID     *uuid.UUID  `json:"payload_id,omitempty"`
	Source        string      `json:"source"`
	Destination   string      `json:"destination"`
	DataService   DataService `json:"data_service"`
	Workflows     []string    `json:"workflows,omitempty"`

	// DICOM identity
	StudyInstanceUID  string `json:"study_instance_uid,omitempty"`
	SeriesInstanceUID string `json:"series_instance_uid,omitempty"`
	SopInstanceUID    string `json:"sop_instance_uid,omitempty"`

	// FHIR identity
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`

	// HL7 identity
	MessageControlID string `json:"message_control_id,omitempty"`

	File     FileInfo  `json:"file"`
	JSONFile *FileInfo `json:"json_file,omitempty"`

	DateReceived time.Time `json:"date_received"`
}

// IsUploaded reports whether the primary file and any sidecar are both in the
// object store.
func (m *FileStorageMetadata) IsUploaded() bool {
	if !m.File.Uploaded {
		return false
	}
	if m.JSONFile != nil && !m.JSONFile.Uploaded {
		return false
	}
	return true
}

// IsFailed reports whether any upload attempt sequence has exhausted its
// retries.
func (m *FileStorageMetadata) IsFailed() bool {
	if m.File.Failed {
		return true
	}
	return m.JSONFile != nil && m.JSONFile.Failed
}

// RelativePath is the object key below the payload prefix.
func (m *FileStorageMetadata) RelativePath() string {
	switch m.DataService {
	case DataServiceFhir:
		return m.ResourceType + "/" + m.ResourceID + ".json"
	case DataServiceHl7:
		return "hl7/" + m.ID + ".hl7"
	default:
		return m.StudyInstanceUID + "/" + m.SeriesInstanceUID + "/" + m.SopInstanceUID + ".dcm"
	}
}

// StorageMetadataWrapper is the durable row backing a FileStorageMetadata.
// The composite (correlation_id, identity) key makes ingestion idempotent.
type StorageMetadataWrapper struct {
	CorrelationID string               `gorm:"type:varchar(255);primaryKey" json:"correlation_id"`
	Identity      string               `gorm:"type:varchar(1024);primaryKey" json:"identity"`
	IsUploaded    bool                 `gorm:"index" json:"is_uploaded"`
	Value         *FileStorageMetadata `gorm:"serializer:json" json:"value"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// TableName overrides the table name
func (StorageMetadataWrapper) TableName() string {
	return "storage_metadata_wrappers"
}

// WrapMetadata builds the durable row for m.
func WrapMetadata(m *FileStorageMetadata) *StorageMetadataWrapper {
	return &StorageMetadataWrapper{
		CorrelationID: m.CorrelationID,
		Identity:      m.ID,
		IsUploaded:    m.IsUploaded(),
		Value:         m,
	}
}
