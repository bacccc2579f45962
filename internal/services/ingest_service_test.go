package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/imaging-gateway/internal/config"
	"github.com/otcheredev/imaging-gateway/internal/models"
	"github.com/otcheredev/imaging-gateway/internal/storage"
	"github.com/otcheredev/imaging-gateway/internal/testutil"
)

type savedRows struct {
	rows []*models.FileStorageMetadata
}

func (s *savedRows) Save(ctx context.Context, m *models.FileStorageMetadata) error {
	s.rows = append(s.rows, m)
	return nil
}

type queuedFiles struct {
	keys     []string
	metadata []*models.FileStorageMetadata
	timeouts []time.Duration
}

func (q *queuedFiles) Queue(ctx context.Context, key string, m *models.FileStorageMetadata, origin models.DataOrigin, timeout time.Duration) (uuid.UUID, error) {
	q.keys = append(q.keys, key)
	q.metadata = append(q.metadata, m)
	q.timeouts = append(q.timeouts, timeout)
	return uuid.New(), nil
}

type spaceStub struct{ ok bool }

func (s spaceStub) HasSpaceToStore() bool           { return s.ok }
func (s spaceStub) HasSpaceToExport() bool          { return s.ok }
func (s spaceStub) AvailableBytes() (uint64, error) { return 1 << 40, nil }

func newTestIngest(t *testing.T, hasSpace bool) (*IngestService, *savedRows, *queuedFiles, *storage.UploadQueue) {
	t.Helper()
	temp, err := storage.NewTempWriter(config.StorageConfig{
		TemporaryDataStorage: config.TemporaryStorageMemory,
	})
	require.NoError(t, err)
	queue := storage.NewUploadQueue(8)
	saver := &savedRows{}
	asm := &queuedFiles{}
	return NewIngestService(temp, queue, saver, asm, spaceStub{ok: hasSpace}), saver, asm, queue
}

func testAE() *models.LocalApplicationEntity {
	return &models.LocalApplicationEntity{
		BaseApplicationEntity: models.BaseApplicationEntity{Name: "gateway", AeTitle: "GATEWAY"},
		Grouping:              models.DefaultGroupingTag,
		Timeout:               2,
		Workflows:             []string{"wf-1"},
	}
}

func TestProcessDicomHappyPath(t *testing.T) {
	ingest, saver, asm, queue := newTestIngest(t, true)

	in := DicomInput{
		AE:            testAE(),
		CorrelationID: "corr-1",
		Source:        "SCANNER",
		Destination:   "GATEWAY",
		DataService:   models.DataServiceDimse,
		Part10:        testutil.Part10(testutil.CTImageStorageSOPClass, "1.2.3.4", "1.2.3", "1.2.3.1"),
	}
	m, err := ingest.ProcessDicom(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "1.2.3.4", m.ID)
	assert.Equal(t, "1.2.3", m.StudyInstanceUID)
	assert.Equal(t, []string{"wf-1"}, m.Workflows)
	require.NotNil(t, m.JSONFile)
	assert.NotEmpty(t, m.File.Data)

	// Exactly one durable row, one upload, one assembler entry.
	assert.Len(t, saver.rows, 1)
	assert.Equal(t, 1, queue.Len())
	require.Len(t, asm.keys, 1)
	// Grouping by the default tag resolves the Study UID.
	assert.Equal(t, "1.2.3", asm.keys[0])
	assert.Equal(t, 2*time.Second, asm.timeouts[0])

	// The assembler receives a copy, not the uploader's record.
	queued, err := queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, queued, asm.metadata[0])
}

func TestProcessDicomGroupKeyOverride(t *testing.T) {
	ingest, _, asm, _ := newTestIngest(t, true)

	in := DicomInput{
		AE:            testAE(),
		CorrelationID: "corr-9",
		Source:        "web",
		DataService:   models.DataServiceDicomWeb,
		Part10:        testutil.Part10(testutil.CTImageStorageSOPClass, "1.2.3.4", "1.2.3", "1.2.3.1"),
		GroupKey:      "corr-9",
	}
	_, err := ingest.ProcessDicom(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{"corr-9"}, asm.keys)
}

func TestProcessDicomDiskPressure(t *testing.T) {
	ingest, saver, _, _ := newTestIngest(t, false)

	_, err := ingest.ProcessDicom(context.Background(), DicomInput{
		AE:     testAE(),
		Part10: testutil.Part10(testutil.CTImageStorageSOPClass, "1.2.3.4", "1.2.3", "1.2.3.1"),
	})
	assert.ErrorIs(t, err, ErrInsufficientStorage)
	// Nothing is persisted when admission fails.
	assert.Empty(t, saver.rows)
}

func TestProcessDicomRejectsGarbage(t *testing.T) {
	ingest, _, _, _ := newTestIngest(t, true)

	_, err := ingest.ProcessDicom(context.Background(), DicomInput{
		AE:     testAE(),
		Part10: []byte("not dicom"),
	})
	assert.Error(t, err)
}

func TestProcessDicomUnknownPlugin(t *testing.T) {
	ingest, _, _, _ := newTestIngest(t, true)
	ae := testAE()
	ae.PlugInAssemblies = []string{"does/not-exist"}

	_, err := ingest.ProcessDicom(context.Background(), DicomInput{
		AE:     ae,
		Part10: testutil.Part10(testutil.CTImageStorageSOPClass, "1.2.3.4", "1.2.3", "1.2.3.1"),
	})
	assert.ErrorIs(t, err, ErrPluginFailure)
}

func TestProcessBlob(t *testing.T) {
	ingest, saver, asm, queue := newTestIngest(t, true)

	m := &models.FileStorageMetadata{
		ID:               "hl7-msg-1",
		CorrelationID:    "conn-1",
		Source:           "SENDAPP",
		DataService:      models.DataServiceHl7,
		MessageControlID: "MSG0001",
	}
	err := ingest.ProcessBlob(context.Background(), BlobInput{
		Metadata:    m,
		Data:        []byte("MSH|..."),
		ContentType: "text/plain",
		GroupKey:    "conn-1",
		Timeout:     time.Second,
	})
	require.NoError(t, err)
	assert.Len(t, saver.rows, 1)
	assert.Equal(t, 1, queue.Len())
	assert.Equal(t, []string{"conn-1"}, asm.keys)
}
