package scp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/imaging-gateway/internal/cache"
	"github.com/otcheredev/imaging-gateway/internal/models"
	"github.com/otcheredev/imaging-gateway/internal/repository"
	"github.com/otcheredev/imaging-gateway/internal/services"
	"github.com/otcheredev/imaging-gateway/internal/testutil"
)

type fakeAeStore struct {
	locals  map[string]*models.LocalApplicationEntity
	sources map[string]bool
}

func (f *fakeAeStore) GetLocalByAeTitle(ctx context.Context, aeTitle string) (*models.LocalApplicationEntity, error) {
	if ae, ok := f.locals[aeTitle]; ok {
		return ae, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeAeStore) SourceExists(ctx context.Context, aeTitle, hostIP string) (bool, error) {
	return f.sources[aeTitle+"|"+hostIP], nil
}

type fakeRecorder struct {
	records []*models.DicomAssociationInfo
}

func (f *fakeRecorder) Create(ctx context.Context, info *models.DicomAssociationInfo) error {
	f.records = append(f.records, info)
	return nil
}

type fakeIngestor struct {
	inputs []services.DicomInput
	err    error
}

func (f *fakeIngestor) ProcessDicom(ctx context.Context, in services.DicomInput) (*models.FileStorageMetadata, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &models.FileStorageMetadata{ID: "x"}, nil
}

func newTestHandler(ingestErr error) (*GatewayHandler, *fakeAeStore, *fakeRecorder, *fakeIngestor) {
	aes := &fakeAeStore{
		locals: map[string]*models.LocalApplicationEntity{
			"GATEWAY": {
				BaseApplicationEntity: models.BaseApplicationEntity{Name: "gateway", AeTitle: "GATEWAY"},
				Grouping:              models.DefaultGroupingTag,
				Timeout:               1,
				IgnoredSopClasses:     []string{"1.2.840.10008.5.1.4.1.1.1.1"},
			},
		},
		sources: map[string]bool{"SCANNER|10.0.0.9": true},
	}
	recorder := &fakeRecorder{}
	ingestor := &fakeIngestor{err: ingestErr}
	h := NewGatewayHandler(aes, recorder, ingestor, cache.NewMemoryCache(), true)
	return h, aes, recorder, ingestor
}

func assocInfo(calling, called, host string) *AssociationInfo {
	info := &AssociationInfo{
		ID:             uuid.New(),
		CallingAETitle: calling,
		CalledAETitle:  called,
		RemoteHost:     host,
		CreatedAt:      time.Now().UTC(),
	}
	info.CorrelationID = info.ID.String()
	return info
}

func TestAdmissionUnknownSource(t *testing.T) {
	h, _, _, _ := newTestHandler(nil)
	reject := h.OnAssociationRequest(context.Background(), assocInfo("INTRUDER", "GATEWAY", "10.0.0.9"))
	require.NotNil(t, reject)
	assert.Equal(t, RejectCallingAENotRecognized.Reason, reject.Reason)

	// Same AE title from the wrong host is also rejected.
	reject = h.OnAssociationRequest(context.Background(), assocInfo("SCANNER", "GATEWAY", "10.9.9.9"))
	require.NotNil(t, reject)
	assert.Equal(t, RejectCallingAENotRecognized.Reason, reject.Reason)
}

func TestAdmissionUnknownCalledAE(t *testing.T) {
	h, _, _, _ := newTestHandler(nil)
	reject := h.OnAssociationRequest(context.Background(), assocInfo("SCANNER", "NOBODY", "10.0.0.9"))
	require.NotNil(t, reject)
	assert.Equal(t, RejectCalledAENotRecognized.Reason, reject.Reason)
}

func TestAdmissionAccept(t *testing.T) {
	h, _, _, _ := newTestHandler(nil)
	assert.Nil(t, h.OnAssociationRequest(context.Background(), assocInfo("SCANNER", "GATEWAY", "10.0.0.9")))
}

func TestCStoreIgnoredSopClass(t *testing.T) {
	h, _, _, ingestor := newTestHandler(nil)
	info := assocInfo("SCANNER", "GATEWAY", "10.0.0.9")

	status := h.OnCStoreRequest(context.Background(), &CStoreRequest{
		Association:    info,
		SOPClassUID:    "1.2.840.10008.5.1.4.1.1.1.1",
		SOPInstanceUID: "1.2.3",
		TransferSyntax: "1.2.840.10008.1.2",
		Data:           []byte{0x01},
	})
	assert.Equal(t, StatusSuccess, status)
	// Filtered instances are acknowledged but never stored.
	assert.Empty(t, ingestor.inputs)
	assert.Equal(t, 0, info.FileCount)
}

func TestCStoreSuccess(t *testing.T) {
	h, _, _, ingestor := newTestHandler(nil)
	info := assocInfo("SCANNER", "GATEWAY", "10.0.0.9")
	dataset := testutil.ImplicitDataset(testutil.CTImageStorageSOPClass, "1.2.3", "1.2", "1.2.1")

	status := h.OnCStoreRequest(context.Background(), &CStoreRequest{
		Association:    info,
		SOPClassUID:    testutil.CTImageStorageSOPClass,
		SOPInstanceUID: "1.2.3",
		TransferSyntax: "1.2.840.10008.1.2",
		Data:           dataset,
	})
	assert.Equal(t, StatusSuccess, status)
	require.Len(t, ingestor.inputs, 1)
	in := ingestor.inputs[0]
	assert.Equal(t, info.CorrelationID, in.CorrelationID)
	assert.Equal(t, "SCANNER", in.Source)
	assert.Equal(t, models.DataServiceDimse, in.DataService)
}

func TestCStoreDiskPressure(t *testing.T) {
	h, _, _, _ := newTestHandler(services.ErrInsufficientStorage)
	info := assocInfo("SCANNER", "GATEWAY", "10.0.0.9")

	status := h.OnCStoreRequest(context.Background(), &CStoreRequest{
		Association:    info,
		SOPClassUID:    testutil.CTImageStorageSOPClass,
		SOPInstanceUID: "1.2.3",
		TransferSyntax: "1.2.840.10008.1.2",
		Data:           []byte{0x01},
	})
	assert.Equal(t, StatusOutOfResources, status)
	assert.NotEmpty(t, info.Errors)
}

func TestCStorePluginFailure(t *testing.T) {
	h, _, _, _ := newTestHandler(errors.Join(services.ErrPluginFailure))
	info := assocInfo("SCANNER", "GATEWAY", "10.0.0.9")

	status := h.OnCStoreRequest(context.Background(), &CStoreRequest{
		Association:    info,
		SOPClassUID:    testutil.CTImageStorageSOPClass,
		SOPInstanceUID: "1.2.3",
		TransferSyntax: "1.2.840.10008.1.2",
		Data:           []byte{0x01},
	})
	assert.Equal(t, StatusProcessingFailure, status)
}

func TestAssociationClosedPersistsRecord(t *testing.T) {
	h, _, recorder, _ := newTestHandler(nil)
	info := assocInfo("SCANNER", "GATEWAY", "10.0.0.9")
	info.FileCount = 2

	h.OnAssociationClosed(context.Background(), info, StateReleased)
	require.Len(t, recorder.records, 1)
	rec := recorder.records[0]
	assert.Equal(t, "SCANNER", rec.CallingAeTitle)
	assert.Equal(t, 2, rec.FileCount)
	assert.False(t, rec.DisconnectedAt.IsZero())
}
