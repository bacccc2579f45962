package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/imaging-gateway/internal/dicomio"
	"github.com/otcheredev/imaging-gateway/internal/models"
	"github.com/otcheredev/imaging-gateway/internal/repository"
	"github.com/otcheredev/imaging-gateway/internal/services"
)

// DICOM JSON tags used in the STOW-RS response dataset.
const (
	tagFailedSOPSequence    = "00081198"
	tagReferencedSOPSeq     = "00081199"
	tagReferencedSOPClass   = "00081150"
	tagReferencedSOPInst    = "00081155"
	tagFailureReason        = "00081197"
	tagWarningReason        = "00081196"
	failureReasonProcessing = 272   // 0x0110
	failureReasonNoResource = 42752 // 0xA700
)

// DicomIngestor is the shared ingest path for stored instances.
type DicomIngestor interface {
	ProcessDicom(ctx context.Context, in services.DicomInput) (*models.FileStorageMetadata, error)
}

// VirtualAeStore resolves DICOMweb workflow endpoints.
type VirtualAeStore interface {
	GetVirtualByName(ctx context.Context, name string) (*models.VirtualApplicationEntity, error)
}

// StowHandler ingests DICOMweb STOW-RS transactions.
type StowHandler struct {
	ingest     DicomIngestor
	virtualAEs VirtualAeStore
}

// NewStowHandler creates the STOW-RS handler.
func NewStowHandler(ingest DicomIngestor, virtualAEs VirtualAeStore) *StowHandler {
	return &StowHandler{ingest: ingest, virtualAEs: virtualAEs}
}

// stowResult accumulates per-instance outcomes.
type stowResult struct {
	referenced []map[string]any
	failed     []map[string]any
}

// Store handles POST /dicomweb/[{workflow}/]studies[/{studyUID}].
func (h *StowHandler) Store(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := uuid.NewString()
	workflow := chi.URLParam(r, "workflow")
	expectedStudyUID := chi.URLParam(r, "studyUID")

	logger := log.With().
		Str("correlation_id", correlationID).
		Str("workflow", workflow).
		Logger()

	ae, err := h.resolveEndpoint(ctx, workflow)
	if err != nil {
		logger.Warn().Err(err).Msg("Unknown DICOMweb workflow endpoint")
		writeProblem(w, http.StatusNotFound, "Unknown workflow", err.Error())
		return
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		writeProblem(w, http.StatusUnsupportedMediaType, "Unsupported media type", "expected multipart/related")
		return
	}

	reader := multipart.NewReader(r.Body, params["boundary"])
	result := &stowResult{}
	total := 0

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Warn().Err(err).Msg("Malformed multipart stream")
			break
		}
		data, readErr := io.ReadAll(part)
		part.Close()
		if readErr != nil {
			logger.Warn().Err(readErr).Msg("Failed to read part")
			continue
		}
		total++
		h.storePart(ctx, ae, correlationID, expectedStudyUID, data, result, logger)
	}

	h.writeResponse(w, total, result)
}

// storePart ingests a single instance, recording success or failure in the
// result dataset.
func (h *StowHandler) storePart(ctx context.Context, ae *models.LocalApplicationEntity, correlationID, expectedStudyUID string, data []byte, result *stowResult, logger zerolog.Logger) {
	if len(data) == 0 {
		result.failed = append(result.failed, failedItem(dicomio.Identity{}, failureReasonProcessing))
		return
	}

	ds, err := dicomio.ParseDataset(data)
	if err != nil {
		logger.Warn().Err(err).Msg("Part is not a parsable DICOM object")
		result.failed = append(result.failed, failedItem(dicomio.Identity{}, failureReasonProcessing))
		return
	}
	identity := dicomio.ExtractIdentity(&ds)

	if expectedStudyUID != "" && identity.StudyInstanceUID != expectedStudyUID {
		logger.Warn().
			Str("expected_study_uid", expectedStudyUID).
			Str("study_uid", identity.StudyInstanceUID).
			Msg("Instance does not belong to the addressed study")
		result.failed = append(result.failed, failedItem(identity, failureReasonProcessing))
		return
	}

	_, err = h.ingest.ProcessDicom(ctx, services.DicomInput{
		AE:            ae,
		CorrelationID: correlationID,
		Source:        ae.Name,
		Destination:   ae.Name,
		DataService:   models.DataServiceDicomWeb,
		Part10:        data,
		GroupKey:      correlationID,
	})
	switch {
	case err == nil:
		result.referenced = append(result.referenced, referencedItem(identity, 0))
	case errors.Is(err, services.ErrInsufficientStorage):
		logger.Error().Err(err).Msg("Rejecting instance under disk pressure")
		result.failed = append(result.failed, failedItem(identity, failureReasonNoResource))
	default:
		logger.Error().Err(err).Str("sop_instance_uid", identity.SopInstanceUID).Msg("Failed to store instance")
		result.failed = append(result.failed, failedItem(identity, failureReasonProcessing))
	}
}

// writeResponse maps the aggregate outcome to the STOW-RS status code.
func (h *StowHandler) writeResponse(w http.ResponseWriter, total int, result *stowResult) {
	var status int
	switch {
	case total == 0:
		w.WriteHeader(http.StatusNoContent)
		return
	case len(result.failed) == 0:
		status = http.StatusOK
	case len(result.referenced) == 0:
		status = http.StatusConflict
	default:
		status = http.StatusAccepted
	}

	body := map[string]any{}
	if len(result.referenced) > 0 {
		body[tagReferencedSOPSeq] = map[string]any{"vr": "SQ", "Value": result.referenced}
	}
	if len(result.failed) > 0 {
		body[tagFailedSOPSequence] = map[string]any{"vr": "SQ", "Value": result.failed}
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("Failed to write STOW-RS response")
	}
}

// resolveEndpoint maps the optional workflow path segment to an ingest
// configuration. Without a workflow the default endpoint applies.
func (h *StowHandler) resolveEndpoint(ctx context.Context, workflow string) (*models.LocalApplicationEntity, error) {
	if workflow == "" {
		return &models.LocalApplicationEntity{
			Grouping: models.DefaultGroupingTag,
			Timeout:  models.DefaultGroupingWindowSeconds,
		}, nil
	}
	vae, err := h.virtualAEs.GetVirtualByName(ctx, workflow)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("no endpoint named %q", workflow)
		}
		return nil, err
	}
	return &models.LocalApplicationEntity{
		BaseApplicationEntity: models.BaseApplicationEntity{Name: vae.Name},
		Grouping:              models.DefaultGroupingTag,
		Timeout:               models.DefaultGroupingWindowSeconds,
		Workflows:             vae.Workflows,
		PlugInAssemblies:      vae.PlugInAssemblies,
	}, nil
}

// referencedItem builds one ReferencedSOPSequence entry.
func referencedItem(identity dicomio.Identity, warning int) map[string]any {
	item := map[string]any{
		tagReferencedSOPClass: map[string]any{"vr": "UI", "Value": []string{identity.SopClassUID}},
		tagReferencedSOPInst:  map[string]any{"vr": "UI", "Value": []string{identity.SopInstanceUID}},
	}
	if warning != 0 {
		item[tagWarningReason] = map[string]any{"vr": "US", "Value": []int{warning}}
	}
	return item
}

// failedItem builds one FailedSOPSequence entry.
func failedItem(identity dicomio.Identity, reason int) map[string]any {
	return map[string]any{
		tagReferencedSOPClass: map[string]any{"vr": "UI", "Value": []string{identity.SopClassUID}},
		tagReferencedSOPInst:  map[string]any{"vr": "UI", "Value": []string{identity.SopInstanceUID}},
		tagFailureReason:      map[string]any{"vr": "US", "Value": []int{reason}},
	}
}
