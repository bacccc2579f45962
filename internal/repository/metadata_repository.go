package repository

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/otcheredev/imaging-gateway/internal/database"
	"github.com/otcheredev/imaging-gateway/internal/models"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/clause"
)

// MetadataRepository handles file-storage metadata database operations.
type MetadataRepository struct {
	retryDelays []time.Duration
}

// NewMetadataRepository creates a new metadata repository
func NewMetadataRepository(retryDelays []time.Duration) *MetadataRepository {
	return &MetadataRepository{retryDelays: retryDelays}
}

// Save upserts the row for m. The (correlation_id, identity) key makes the
// write idempotent across replays.
func (r *MetadataRepository) Save(ctx context.Context, m *models.FileStorageMetadata) error {
	wrapper := models.WrapMetadata(m)
	return WithRetry(ctx, "metadata.save", r.retryDelays, func() error {
		return database.DB.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "correlation_id"}, {Name: "identity"}},
				UpdateAll: true,
			}).
			Create(wrapper).Error
	})
}

// Get loads one record by its composite key.
func (r *MetadataRepository) Get(ctx context.Context, correlationID, identity string) (*models.FileStorageMetadata, error) {
	var wrapper models.StorageMetadataWrapper
	err := WithRetry(ctx, "metadata.get", r.retryDelays, func() error {
		return database.DB.WithContext(ctx).
			Where("correlation_id = ? AND identity = ?", correlationID, identity).
			First(&wrapper).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata %s/%s: %w", correlationID, identity, err)
	}
	return wrapper.Value, nil
}

// GetPendingUpload returns every record not yet moved to the object store.
func (r *MetadataRepository) GetPendingUpload(ctx context.Context) ([]*models.FileStorageMetadata, error) {
	var wrappers []models.StorageMetadataWrapper
	err := WithRetry(ctx, "metadata.pending", r.retryDelays, func() error {
		return database.DB.WithContext(ctx).
			Where("is_uploaded = ?", false).
			Order("created_at ASC").
			Find(&wrappers).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load pending metadata: %w", err)
	}
	out := make([]*models.FileStorageMetadata, 0, len(wrappers))
	for _, w := range wrappers {
		if w.Value != nil {
			out = append(out, w.Value)
		}
	}
	return out, nil
}

// Delete removes the row for one metadata record.
func (r *MetadataRepository) Delete(ctx context.Context, m *models.FileStorageMetadata) error {
	return WithRetry(ctx, "metadata.delete", r.retryDelays, func() error {
		return database.DB.WithContext(ctx).
			Where("correlation_id = ? AND identity = ?", m.CorrelationID, m.ID).
			Delete(&models.StorageMetadataWrapper{}).Error
	})
}

// DeleteByCorrelation removes every row recorded under a correlation id.
func (r *MetadataRepository) DeleteByCorrelation(ctx context.Context, correlationID string) error {
	return WithRetry(ctx, "metadata.delete_correlation", r.retryDelays, func() error {
		return database.DB.WithContext(ctx).
			Where("correlation_id = ?", correlationID).
			Delete(&models.StorageMetadataWrapper{}).Error
	})
}

// PruneLostPendingUploads deletes pending rows whose buffered bytes did not
// survive a restart. Rows whose temp file still exists are kept so the
// upload queue can seed from them.
func (r *MetadataRepository) PruneLostPendingUploads(ctx context.Context) (int, error) {
	pending, err := r.GetPendingUpload(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range pending {
		if m.File.TemporaryPath != "" {
			if _, statErr := os.Stat(m.File.TemporaryPath); statErr == nil {
				continue
			}
		}
		if err := r.Delete(ctx, m); err != nil {
			return removed, err
		}
		log.Warn().
			Str("identifier", m.ID).
			Str("correlation_id", m.CorrelationID).
			Msg("Dropped pending upload lost across restart")
		removed++
	}
	return removed, nil
}
