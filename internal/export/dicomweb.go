package export

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/imaging-gateway/internal/dicomio"
	"github.com/otcheredev/imaging-gateway/internal/models"
	"github.com/otcheredev/imaging-gateway/internal/repository"
)

// InferenceStore resolves the inference request behind an export task.
type InferenceStore interface {
	GetByTransactionID(ctx context.Context, transactionID string) (*models.InferenceRequest, error)
}

// DicomWebSender ships files to remote DICOMweb endpoints via STOW-RS. The
// destinations come from the inference request's DicomWeb output resources.
type DicomWebSender struct {
	inference InferenceStore
	client    *http.Client
}

// NewDicomWebSender creates the sender with the configured client timeout.
func NewDicomWebSender(inference InferenceStore, timeoutSeconds int) *DicomWebSender {
	return &DicomWebSender{
		inference: inference,
		client:    &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
	}
}

// Name identifies the exporter in logs and lifecycle status.
func (s *DicomWebSender) Name() string { return "dicomweb-export" }

// SendRemote resolves the inference request and issues one STOW-RS POST per
// DicomWeb destination. A 200 means stored; anything else, including 202
// partial acceptance, counts as a service error.
func (s *DicomWebSender) SendRemote(ctx context.Context, msg *models.ExportRequestDataMessage) {
	req, err := s.inference.GetByTransactionID(ctx, msg.Request.ExportTaskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			msg.SetFailed(models.FileExportConfigurationError, "no inference request for export task")
		} else {
			msg.SetFailed(models.FileExportConfigurationError, err.Error())
		}
		log.Error().Err(err).
			Str("export_task_id", msg.Request.ExportTaskID).
			Msg("Cannot resolve inference request for export")
		return
	}

	destinations := req.OutputResourcesOfType(models.ResourceTypeDicomWeb)
	if len(destinations) == 0 {
		msg.SetFailed(models.FileExportConfigurationError, "inference request has no DicomWeb output resource")
		return
	}

	studyUID := s.studyUID(msg.Data)
	for _, dest := range destinations {
		if err := s.stow(ctx, dest.ConnectionDetails, studyUID, msg.Data); err != nil {
			msg.SetFailed(models.FileExportServiceError, err.Error())
			log.Error().Err(err).
				Str("file", msg.Name).
				Str("uri", dest.ConnectionDetails.URI).
				Msg("STOW-RS export failed")
			return
		}
	}
	msg.SetSucceeded()
}

// studyUID extracts the study UID for the STOW-RS path, tolerating
// unparsable bytes (the remote will reject them with its own status).
func (s *DicomWebSender) studyUID(data []byte) string {
	ds, err := dicomio.ParseDataset(data)
	if err != nil {
		return ""
	}
	return dicomio.ExtractIdentity(&ds).StudyInstanceUID
}

// stow issues one multipart/related POST with a single application/dicom
// part.
func (s *DicomWebSender) stow(ctx context.Context, conn models.ConnectionDetails, studyUID string, data []byte) error {
	uri := strings.TrimRight(conn.URI, "/") + "/studies"
	if studyUID != "" {
		uri += "/" + studyUID
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", "application/dicom")
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finish multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", fmt.Sprintf(`multipart/related; type="application/dicom"; boundary=%s`, writer.Boundary()))
	httpReq.Header.Set("Accept", "application/dicom+json")
	s.addAuth(httpReq, conn)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusAccepted:
		// Partial acceptance is not success for this pipeline.
		return fmt.Errorf("remote accepted partially (202)")
	default:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("remote returned status %d: %s", resp.StatusCode, string(respBody))
	}
}

// addAuth applies the configured credential scheme.
func (s *DicomWebSender) addAuth(req *http.Request, conn models.ConnectionDetails) {
	switch conn.AuthType {
	case models.AuthTypeBasic:
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(conn.AuthID)))
	case models.AuthTypeBearer:
		req.Header.Set("Authorization", "Bearer "+conn.AuthID)
	}
}
