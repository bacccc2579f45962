package models

import (
	"time"

	"github.com/google/uuid"
)

// DataOrigin identifies the trigger of a workflow request.
type DataOrigin struct {
	DataService DataService `json:"data_service"`
	Source      string      `json:"source"`
	Destination string      `json:"destination"`
}

// BlockReference points at one object within a published payload.
type BlockReference struct {
	Path     string               `json:"path"`
	Metadata *FileStorageMetadata `json:"metadata,omitempty"`
}

// WorkflowRequestEvent announces a completed payload on the message bus.
// Publication is at-least-once; consumers deduplicate by PayloadID.
type WorkflowRequestEvent struct {
	PayloadID          uuid.UUID        `json:"payload_id"`
	Bucket             string           `json:"bucket"`
	CorrelationID      string           `json:"correlation_id"`
	WorkflowInstanceID string           `json:"workflow_instance_id,omitempty"`
	Workflows          []string         `json:"workflows,omitempty"`
	DataTrigger        DataOrigin       `json:"data_trigger"`
	DataOrigins        []DataOrigin     `json:"data_origins,omitempty"`
	Files              []BlockReference `json:"files"`
	FileCount          int              `json:"file_count"`
	Timestamp          time.Time        `json:"timestamp"`
}

// ExportRequestEvent asks the gateway to ship stored objects to remote
// endpoints.
type ExportRequestEvent struct {
	ExportTaskID       string   `json:"export_task_id"`
	CorrelationID      string   `json:"correlation_id"`
	WorkflowInstanceID string   `json:"workflow_instance_id,omitempty"`
	Destinations       []string `json:"destinations"`
	Files              []string `json:"files"`
	ErrorMessages      []string `json:"error_messages,omitempty"`
}

// ExportStatus is the aggregate outcome of an export task.
type ExportStatus string

const (
	ExportStatusSuccess ExportStatus = "Success"
	ExportStatusFailure ExportStatus = "Failure"
)

// FileExportStatus is the per-file outcome of an export task.
type FileExportStatus string

const (
	FileExportSuccess            FileExportStatus = "Success"
	FileExportDownloadError      FileExportStatus = "DownloadError"
	FileExportConfigurationError FileExportStatus = "ConfigurationError"
	FileExportServiceError       FileExportStatus = "ServiceError"
)

// ExportCompleteEvent reports the outcome of an export task.
type ExportCompleteEvent struct {
	ExportTaskID       string                      `json:"export_task_id"`
	CorrelationID      string                      `json:"correlation_id"`
	WorkflowInstanceID string                      `json:"workflow_instance_id,omitempty"`
	Status             ExportStatus                `json:"status"`
	FileStatuses       map[string]FileExportStatus `json:"file_statuses"`
	ErrorMessages      []string                    `json:"error_messages,omitempty"`
	Timestamp          time.Time                   `json:"timestamp"`
}

// NewExportCompleteEvent folds per-file statuses into the aggregate status:
// Success only when every file succeeded.
func NewExportCompleteEvent(req *ExportRequestEvent, statuses map[string]FileExportStatus, errs []string) *ExportCompleteEvent {
	status := ExportStatusSuccess
	for _, s := range statuses {
		if s != FileExportSuccess {
			status = ExportStatusFailure
			break
		}
	}
	if len(statuses) == 0 {
		status = ExportStatusFailure
	}
	return &ExportCompleteEvent{
		ExportTaskID:       req.ExportTaskID,
		CorrelationID:      req.CorrelationID,
		WorkflowInstanceID: req.WorkflowInstanceID,
		Status:             status,
		FileStatuses:       statuses,
		ErrorMessages:      errs,
		Timestamp:          time.Now().UTC(),
	}
}
