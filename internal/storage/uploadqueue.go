package storage

import (
	"context"

	"github.com/otcheredev/imaging-gateway/internal/models"
	"github.com/rs/zerolog/log"
)

// PendingLister is the slice of the metadata repository the queue seeds from.
type PendingLister interface {
	GetPendingUpload(ctx context.Context) ([]*models.FileStorageMetadata, error)
	PruneLostPendingUploads(ctx context.Context) (int, error)
}

// UploadQueue is the blocking FIFO between the ingestors and the upload
// workers. A full queue blocks Enqueue, pushing back on the ingress path.
type UploadQueue struct {
	ch chan *models.FileStorageMetadata
}

// NewUploadQueue creates a queue bounded to the worker concurrency.
func NewUploadQueue(capacity int) *UploadQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &UploadQueue{ch: make(chan *models.FileStorageMetadata, capacity)}
}

// Enqueue adds a record, blocking while the queue is full.
func (q *UploadQueue) Enqueue(ctx context.Context, m *models.FileStorageMetadata) error {
	select {
	case q.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a record is available or ctx is cancelled.
func (q *UploadQueue) Dequeue(ctx context.Context) (*models.FileStorageMetadata, error) {
	select {
	case m := <-q.ch:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports the records currently waiting.
func (q *UploadQueue) Len() int {
	return len(q.ch)
}

// Seed reloads the queue from the persistent store: rows that lost their
// buffered bytes across a restart are pruned, the survivors re-enqueued.
// Seeding continues in the background so a deep backlog cannot block startup.
func (q *UploadQueue) Seed(ctx context.Context, repo PendingLister) error {
	removed, err := repo.PruneLostPendingUploads(ctx)
	if err != nil {
		return err
	}
	pending, err := repo.GetPendingUpload(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int("pruned", removed).
		Int("pending", len(pending)).
		Msg("Seeding upload queue from store")

	go func() {
		for _, m := range pending {
			if err := q.Enqueue(ctx, m); err != nil {
				return
			}
		}
	}()
	return nil
}
