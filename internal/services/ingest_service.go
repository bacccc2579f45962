package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom"

	"github.com/otcheredev/imaging-gateway/internal/dicomio"
	"github.com/otcheredev/imaging-gateway/internal/metrics"
	"github.com/otcheredev/imaging-gateway/internal/models"
	"github.com/otcheredev/imaging-gateway/internal/plugins"
	"github.com/otcheredev/imaging-gateway/internal/storage"
)

// ErrInsufficientStorage is surfaced when disk pressure blocks admission.
var ErrInsufficientStorage = errors.New("insufficient storage")

// ErrPluginFailure wraps an input plug-in error; it fails the one instance.
var ErrPluginFailure = errors.New("plug-in failure")

// AssemblerQueue is the assembler surface the ingest path needs.
type AssemblerQueue interface {
	Queue(ctx context.Context, key string, m *models.FileStorageMetadata, origin models.DataOrigin, timeout time.Duration) (uuid.UUID, error)
}

// MetadataSaver persists metadata rows on the ingest path.
type MetadataSaver interface {
	Save(ctx context.Context, m *models.FileStorageMetadata) error
}

// IngestService is the post-processing path shared by every ingress
// protocol: plug-in chain, temporary buffering, upload enqueue and payload
// assembly.
type IngestService struct {
	temp        *storage.TempWriter
	uploadQueue *storage.UploadQueue
	meta        MetadataSaver
	assembler   AssemblerQueue
	info        storage.InfoProvider
}

// NewIngestService wires the shared ingest path.
func NewIngestService(temp *storage.TempWriter, uploadQueue *storage.UploadQueue, meta MetadataSaver, asm AssemblerQueue, info storage.InfoProvider) *IngestService {
	return &IngestService{
		temp:        temp,
		uploadQueue: uploadQueue,
		meta:        meta,
		assembler:   asm,
		info:        info,
	}
}

// DicomInput describes one received DICOM object.
type DicomInput struct {
	AE            *models.LocalApplicationEntity
	CorrelationID string
	Source        string
	Destination   string
	DataService   models.DataService

	// Part10 is the complete Part-10 stream of the object.
	Part10 []byte

	// GroupKey overrides tag-derived grouping; DICOMweb ingestion groups by
	// its correlation id.
	GroupKey string
}

// ProcessDicom runs the shared path for one admitted DICOM instance:
// plug-ins, temp write (with DICOM-JSON sidecar), upload enqueue, assembler
// queue. Returns the metadata record on success.
func (s *IngestService) ProcessDicom(ctx context.Context, in DicomInput) (*models.FileStorageMetadata, error) {
	if !s.info.HasSpaceToStore() {
		return nil, ErrInsufficientStorage
	}

	ds, err := dicomio.ParseDataset(in.Part10)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dataset: %w", err)
	}

	identity := dicomio.ExtractIdentity(&ds)
	m := &models.FileStorageMetadata{
		ID:                identity.SopInstanceUID,
		CorrelationID:     in.CorrelationID,
		Source:            in.Source,
		Destination:       in.Destination,
		DataService:       in.DataService,
		Workflows:         in.AE.Workflows,
		StudyInstanceUID:  identity.StudyInstanceUID,
		SeriesInstanceUID: identity.SeriesInstanceUID,
		SopInstanceUID:    identity.SopInstanceUID,
		DateReceived:      time.Now().UTC(),
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	data := in.Part10
	if len(in.AE.PlugInAssemblies) > 0 {
		chain, err := plugins.ResolveInputChain(in.AE.PlugInAssemblies)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrPluginFailure, err)
		}
		if err := chain.Execute(ctx, &ds, m); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrPluginFailure, err)
		}
		// Plug-ins may have rewritten the dataset; re-encode it.
		buf := &bytes.Buffer{}
		if err := dicom.Write(buf, ds); err != nil {
			return nil, fmt.Errorf("failed to re-encode dataset: %w", err)
		}
		data = buf.Bytes()
	}

	m.File, err = s.temp.Write(m.CorrelationID, m.ID+".dcm", data, "application/dicom")
	if err != nil {
		return nil, fmt.Errorf("failed to buffer dataset: %w", err)
	}

	if sidecar, jsonErr := dicomio.SidecarJSON(&ds); jsonErr == nil {
		info, writeErr := s.temp.Write(m.CorrelationID, m.ID+".dcm.json", sidecar, "application/json")
		if writeErr == nil {
			m.JSONFile = &info
		} else {
			log.Warn().Err(writeErr).Str("identifier", m.ID).Msg("Failed to buffer DICOM-JSON sidecar")
		}
	}

	key := in.GroupKey
	if key == "" {
		key = s.groupingKey(&ds, in.AE, m)
	}
	if err := s.finish(ctx, m, key, time.Duration(in.AE.Timeout)*time.Second); err != nil {
		return nil, err
	}
	metrics.InstancesReceived.WithLabelValues(string(in.DataService)).Inc()
	return m, nil
}

// BlobInput describes one received non-DICOM object (HL7, FHIR).
type BlobInput struct {
	Metadata    *models.FileStorageMetadata
	Data        []byte
	ContentType string
	GroupKey    string
	Timeout     time.Duration
}

// ProcessBlob buffers and routes one HL7/FHIR object through the same
// upload + assembly path as DICOM.
func (s *IngestService) ProcessBlob(ctx context.Context, in BlobInput) error {
	if !s.info.HasSpaceToStore() {
		return ErrInsufficientStorage
	}
	m := in.Metadata
	var err error
	m.File, err = s.temp.Write(m.CorrelationID, m.ID, in.Data, in.ContentType)
	if err != nil {
		return fmt.Errorf("failed to buffer data: %w", err)
	}
	if err := s.finish(ctx, m, in.GroupKey, in.Timeout); err != nil {
		return err
	}
	metrics.InstancesReceived.WithLabelValues(string(m.DataService)).Inc()
	return nil
}

// finish persists the metadata, hands it to the upload worker, and queues a
// copy with the assembler.
func (s *IngestService) finish(ctx context.Context, m *models.FileStorageMetadata, key string, timeout time.Duration) error {
	if err := s.meta.Save(ctx, m); err != nil {
		return fmt.Errorf("failed to persist metadata: %w", err)
	}
	if err := s.uploadQueue.Enqueue(ctx, m); err != nil {
		return fmt.Errorf("failed to enqueue upload: %w", err)
	}

	// The assembler gets its own copy; the upload worker owns m from here.
	copied := *m
	origin := models.DataOrigin{DataService: m.DataService, Source: m.Source, Destination: m.Destination}
	if _, err := s.assembler.Queue(ctx, key, &copied, origin, timeout); err != nil {
		return fmt.Errorf("failed to queue payload: %w", err)
	}
	return nil
}

// groupingKey derives the assembler key from the AE's configured DICOM tag,
// falling back to the Study UID and finally the correlation id.
func (s *IngestService) groupingKey(ds *dicom.Dataset, ae *models.LocalApplicationEntity, m *models.FileStorageMetadata) string {
	if t, err := dicomio.ParseGroupingTag(ae.Grouping); err == nil {
		if v := dicomio.StringValue(ds, t); v != "" {
			return v
		}
	}
	if m.StudyInstanceUID != "" {
		return m.StudyInstanceUID
	}
	return m.CorrelationID
}
