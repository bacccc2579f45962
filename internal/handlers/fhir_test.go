package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/imaging-gateway/internal/models"
	"github.com/otcheredev/imaging-gateway/internal/services"
)

type blobCapture struct {
	inputs []services.BlobInput
	err    error
}

func (c *blobCapture) ProcessBlob(ctx context.Context, in services.BlobInput) error {
	c.inputs = append(c.inputs, in)
	return c.err
}

func fhirRouter(h *FhirHandler) http.Handler {
	r := chi.NewRouter()
	r.Post("/fhir/{resourceType}", h.Create)
	return r
}

func postFhir(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/fhir+json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestFhirCreate(t *testing.T) {
	capture := &blobCapture{}
	handler := fhirRouter(NewFhirHandler(capture, time.Second))

	rec := postFhir(t, handler, "/fhir/Patient", `{"resourceType":"Patient","id":"p1"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, capture.inputs, 1)
	in := capture.inputs[0]
	assert.Equal(t, models.DataServiceFhir, in.Metadata.DataService)
	assert.Equal(t, "Patient", in.Metadata.ResourceType)
	assert.Equal(t, "p1", in.Metadata.ResourceID)
	assert.Equal(t, "Patient/p1", in.Metadata.ID)
	assert.Equal(t, in.Metadata.CorrelationID, in.GroupKey)
}

func TestFhirGeneratesMissingID(t *testing.T) {
	capture := &blobCapture{}
	handler := fhirRouter(NewFhirHandler(capture, time.Second))

	rec := postFhir(t, handler, "/fhir/Observation", `{"resourceType":"Observation"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, capture.inputs, 1)
	assert.NotEmpty(t, capture.inputs[0].Metadata.ResourceID)
}

func TestFhirRejectsBadInput(t *testing.T) {
	handler := fhirRouter(NewFhirHandler(&blobCapture{}, time.Second))

	assert.Equal(t, http.StatusBadRequest, postFhir(t, handler, "/fhir/patient", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, postFhir(t, handler, "/fhir/Patient", ``).Code)
	assert.Equal(t, http.StatusBadRequest, postFhir(t, handler, "/fhir/Patient", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, postFhir(t, handler, "/fhir/Patient", `{"resourceType":"Observation"}`).Code)
}

func TestFhirInsufficientStorage(t *testing.T) {
	capture := &blobCapture{err: services.ErrInsufficientStorage}
	handler := fhirRouter(NewFhirHandler(capture, time.Second))

	rec := postFhir(t, handler, "/fhir/Patient", `{"resourceType":"Patient","id":"p1"}`)
	assert.Equal(t, http.StatusInsufficientStorage, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}
