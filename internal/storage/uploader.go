package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/otcheredev/imaging-gateway/internal/metrics"
	"github.com/otcheredev/imaging-gateway/internal/models"
	"github.com/otcheredev/imaging-gateway/internal/repository"
	"github.com/rs/zerolog/log"
)

// MetadataSaver persists upload-state changes.
type MetadataSaver interface {
	Save(ctx context.Context, m *models.FileStorageMetadata) error
}

// UploadWorker drains the upload queue with bounded parallelism, streaming
// buffered bytes into the temporary bucket.
type UploadWorker struct {
	queue       *UploadQueue
	store       ObjectStore
	repo        MetadataSaver
	bucket      string
	concurrency int
	retryDelays []time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewUploadWorker creates the worker pool.
func NewUploadWorker(queue *UploadQueue, store ObjectStore, repo MetadataSaver, bucket string, concurrency int, retryDelays []time.Duration) *UploadWorker {
	return &UploadWorker{
		queue:       queue,
		store:       store,
		repo:        repo,
		bucket:      bucket,
		concurrency: concurrency,
		retryDelays: retryDelays,
	}
}

// Start launches the workers. It returns immediately.
func (w *UploadWorker) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func(worker int) {
			defer w.wg.Done()
			w.run(ctx, worker)
		}(i)
	}
	log.Info().Int("workers", w.concurrency).Msg("Object upload workers started")
	return nil
}

// Stop cancels the workers and waits for in-flight uploads to persist their
// terminal state.
func (w *UploadWorker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *UploadWorker) run(ctx context.Context, worker int) {
	for {
		m, err := w.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		w.process(ctx, worker, m)
	}
}

// process uploads the sidecar (when present) and then the primary file. The
// record is re-persisted after either outcome so the assembler observes the
// upload state.
func (w *UploadWorker) process(ctx context.Context, worker int, m *models.FileStorageMetadata) {
	logger := log.With().
		Int("worker", worker).
		Str("identifier", m.ID).
		Str("correlation_id", m.CorrelationID).
		Logger()

	if m.JSONFile != nil && !m.JSONFile.Uploaded {
		if err := w.uploadOne(ctx, m, m.JSONFile, m.RelativePath()+".json"); err != nil {
			logger.Error().Err(err).Msg("Sidecar upload failed")
			m.JSONFile.SetFailed()
			w.persist(ctx, m)
			return
		}
	}

	if !m.File.Uploaded {
		if err := w.uploadOne(ctx, m, &m.File, m.RelativePath()); err != nil {
			logger.Error().Err(err).Msg("Upload failed")
			m.File.SetFailed()
			metrics.UploadsFailed.Inc()
			w.persist(ctx, m)
			return
		}
	}

	w.persist(ctx, m)
	w.removeTempData(m)
	metrics.UploadsCompleted.Inc()
	logger.Debug().Str("remote_path", m.File.RemotePath).Msg("Upload complete")
}

// uploadOne moves one buffered file into the temporary bucket with retry.
func (w *UploadWorker) uploadOne(ctx context.Context, m *models.FileStorageMetadata, f *models.FileInfo, relativePath string) error {
	remotePath := remoteTempPath(m, relativePath)
	metadata := map[string]string{
		"source":    m.Source,
		"workflows": strings.Join(m.Workflows, ","),
	}
	err := repository.WithRetry(ctx, "storage.upload", w.retryDelays, func() error {
		body, err := openPayloadData(f.TemporaryPath, f.Data)
		if err != nil {
			return err
		}
		defer body.Close()
		return w.store.Upload(ctx, w.bucket, remotePath, body, f.ContentType, metadata)
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", relativePath, err)
	}
	f.SetUploaded(w.bucket, remotePath)
	return nil
}

func (w *UploadWorker) persist(ctx context.Context, m *models.FileStorageMetadata) {
	if err := w.repo.Save(ctx, m); err != nil {
		log.Error().Err(err).Str("identifier", m.ID).Msg("Failed to persist upload state")
	}
}

// removeTempData deletes the local buffer once bytes are safely remote.
func (w *UploadWorker) removeTempData(m *models.FileStorageMetadata) {
	for _, f := range []*models.FileInfo{&m.File, m.JSONFile} {
		if f == nil || f.TemporaryPath == "" {
			continue
		}
		if err := os.Remove(f.TemporaryPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", f.TemporaryPath).Msg("Failed to remove temp data")
		}
		f.Data = nil
	}
}

// remoteTempPath is the object key under the payload-pending prefix.
func remoteTempPath(m *models.FileStorageMetadata, relativePath string) string {
	return m.CorrelationID + "/" + relativePath
}
