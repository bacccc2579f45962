package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/imaging-gateway/internal/models"
	"github.com/otcheredev/imaging-gateway/internal/services"
)

var resourceTypeRe = regexp.MustCompile(`^[A-Z][A-Za-z]{1,63}$`)

// BlobIngestor is the shared ingest path for non-DICOM objects.
type BlobIngestor interface {
	ProcessBlob(ctx context.Context, in services.BlobInput) error
}

// FhirHandler accepts FHIR resources and routes them through the shared
// ingest path.
type FhirHandler struct {
	ingest         BlobIngestor
	groupingWindow time.Duration
}

// NewFhirHandler creates the FHIR ingest handler.
func NewFhirHandler(ingest BlobIngestor, groupingWindow time.Duration) *FhirHandler {
	if groupingWindow <= 0 {
		groupingWindow = models.DefaultGroupingWindowSeconds * time.Second
	}
	return &FhirHandler{ingest: ingest, groupingWindow: groupingWindow}
}

// Create handles POST /fhir/{resourceType}.
func (h *FhirHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resourceType := chi.URLParam(r, "resourceType")
	if !resourceTypeRe.MatchString(resourceType) {
		writeProblem(w, http.StatusBadRequest, "Invalid resource type", "resource type must be a FHIR resource name")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		writeProblem(w, http.StatusBadRequest, "Empty body", "a FHIR resource is required")
		return
	}

	var resource struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(body, &resource); err != nil {
		writeProblem(w, http.StatusBadRequest, "Malformed resource", err.Error())
		return
	}
	if resource.ResourceType != "" && resource.ResourceType != resourceType {
		writeProblem(w, http.StatusBadRequest, "Resource type mismatch", "body resourceType does not match path")
		return
	}
	if resource.ID == "" {
		resource.ID = uuid.NewString()
	}

	correlationID := uuid.NewString()
	m := &models.FileStorageMetadata{
		ID:            resourceType + "/" + resource.ID,
		CorrelationID: correlationID,
		Source:        r.RemoteAddr,
		Destination:   resourceType,
		DataService:   models.DataServiceFhir,
		ResourceType:  resourceType,
		ResourceID:    resource.ID,
		DateReceived:  time.Now().UTC(),
	}

	err = h.ingest.ProcessBlob(ctx, services.BlobInput{
		Metadata:    m,
		Data:        body,
		ContentType: "application/fhir+json",
		GroupKey:    correlationID,
		Timeout:     h.groupingWindow,
	})
	if err != nil {
		if err == services.ErrInsufficientStorage {
			writeProblem(w, http.StatusInsufficientStorage, "Insufficient storage", "the gateway is under disk pressure")
			return
		}
		log.Error().Err(err).Str("resource", m.ID).Msg("Failed to ingest FHIR resource")
		writeProblem(w, http.StatusInternalServerError, "Ingest failed", "")
		return
	}

	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}
