package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/imaging-gateway/internal/models"
	"github.com/otcheredev/imaging-gateway/internal/repository"
	"github.com/otcheredev/imaging-gateway/internal/services"
	"github.com/otcheredev/imaging-gateway/internal/testutil"
)

type stowIngestor struct {
	inputs []services.DicomInput
	err    error
}

func (f *stowIngestor) ProcessDicom(ctx context.Context, in services.DicomInput) (*models.FileStorageMetadata, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &models.FileStorageMetadata{ID: "stored"}, nil
}

type stowVirtualStore struct {
	vaes map[string]*models.VirtualApplicationEntity
}

func (f *stowVirtualStore) GetVirtualByName(ctx context.Context, name string) (*models.VirtualApplicationEntity, error) {
	if vae, ok := f.vaes[name]; ok {
		return vae, nil
	}
	return nil, repository.ErrNotFound
}

func stowRouter(h *StowHandler) http.Handler {
	r := chi.NewRouter()
	r.Post("/dicomweb/studies", h.Store)
	r.Post("/dicomweb/studies/{studyUID}", h.Store)
	r.Post("/dicomweb/{workflow}/studies", h.Store)
	return r
}

// multipartBody builds a multipart/related request body of DICOM parts.
func multipartBody(t *testing.T, parts ...[]byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, part := range parts {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "application/dicom")
		w, err := writer.CreatePart(header)
		require.NoError(t, err)
		_, err = w.Write(part)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	contentType := fmt.Sprintf(`multipart/related; type="application/dicom"; boundary=%s`, writer.Boundary())
	return body, contentType
}

func postStow(t *testing.T, handler http.Handler, path string, parts ...[]byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, parts...)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeSequences(t *testing.T, rec *httptest.ResponseRecorder) (referenced, failed []any) {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	if seq, ok := body[tagReferencedSOPSeq].(map[string]any); ok {
		referenced, _ = seq["Value"].([]any)
	}
	if seq, ok := body[tagFailedSOPSequence].(map[string]any); ok {
		failed, _ = seq["Value"].([]any)
	}
	return referenced, failed
}

func TestStowAllStored(t *testing.T) {
	ingestor := &stowIngestor{}
	handler := stowRouter(NewStowHandler(ingestor, &stowVirtualStore{}))

	rec := postStow(t, handler, "/dicomweb/studies",
		testutil.Part10(testutil.CTImageStorageSOPClass, "1.1", "1.2.3", "1.2.3.1"),
		testutil.Part10(testutil.CTImageStorageSOPClass, "1.2", "1.2.3", "1.2.3.1"),
	)

	assert.Equal(t, http.StatusOK, rec.Code)
	referenced, failed := decodeSequences(t, rec)
	assert.Len(t, referenced, 2)
	assert.Empty(t, failed)
	assert.Len(t, ingestor.inputs, 2)
	// DICOMweb ingestion groups by correlation id.
	assert.Equal(t, ingestor.inputs[0].CorrelationID, ingestor.inputs[0].GroupKey)
}

func TestStowPartialFailure(t *testing.T) {
	ingestor := &stowIngestor{}
	handler := stowRouter(NewStowHandler(ingestor, &stowVirtualStore{}))

	rec := postStow(t, handler, "/dicomweb/studies",
		testutil.Part10(testutil.CTImageStorageSOPClass, "1.1", "1.2.3", "1.2.3.1"),
		[]byte{}, // zero-length part
		testutil.Part10(testutil.CTImageStorageSOPClass, "1.3", "1.2.3", "1.2.3.1"),
	)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	referenced, failed := decodeSequences(t, rec)
	assert.Len(t, referenced, 2)
	assert.Len(t, failed, 1)
}

func TestStowAllFailed(t *testing.T) {
	handler := stowRouter(NewStowHandler(&stowIngestor{}, &stowVirtualStore{}))

	rec := postStow(t, handler, "/dicomweb/studies", []byte("not dicom at all"))

	assert.Equal(t, http.StatusConflict, rec.Code)
	referenced, failed := decodeSequences(t, rec)
	assert.Empty(t, referenced)
	assert.Len(t, failed, 1)
}

func TestStowEmptyRequest(t *testing.T) {
	handler := stowRouter(NewStowHandler(&stowIngestor{}, &stowVirtualStore{}))
	rec := postStow(t, handler, "/dicomweb/studies")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestStowStudyMismatch(t *testing.T) {
	handler := stowRouter(NewStowHandler(&stowIngestor{}, &stowVirtualStore{}))

	rec := postStow(t, handler, "/dicomweb/studies/9.9.9",
		testutil.Part10(testutil.CTImageStorageSOPClass, "1.1", "1.2.3", "1.2.3.1"),
	)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStowUnknownWorkflow(t *testing.T) {
	handler := stowRouter(NewStowHandler(&stowIngestor{}, &stowVirtualStore{}))
	rec := postStow(t, handler, "/dicomweb/nope/studies",
		testutil.Part10(testutil.CTImageStorageSOPClass, "1.1", "1.2.3", "1.2.3.1"),
	)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStowWorkflowEndpointCarriesConfig(t *testing.T) {
	ingestor := &stowIngestor{}
	store := &stowVirtualStore{vaes: map[string]*models.VirtualApplicationEntity{
		"brain-mri": {Name: "brain-mri", Workflows: []string{"wf-1"}},
	}}
	handler := stowRouter(NewStowHandler(ingestor, store))

	rec := postStow(t, handler, "/dicomweb/brain-mri/studies",
		testutil.Part10(testutil.CTImageStorageSOPClass, "1.1", "1.2.3", "1.2.3.1"),
	)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ingestor.inputs, 1)
	assert.Equal(t, []string{"wf-1"}, ingestor.inputs[0].AE.Workflows)
}

func TestStowRejectsNonMultipart(t *testing.T) {
	handler := stowRouter(NewStowHandler(&stowIngestor{}, &stowVirtualStore{}))
	req := httptest.NewRequest(http.MethodPost, "/dicomweb/studies", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}
