package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/otcheredev/imaging-gateway/internal/database"
	"github.com/otcheredev/imaging-gateway/internal/models"
	"gorm.io/gorm"
)

// RemoteAppRepository handles outbound execution records.
type RemoteAppRepository struct {
	retryDelays []time.Duration
}

// NewRemoteAppRepository creates a new remote-app execution repository
func NewRemoteAppRepository(retryDelays []time.Duration) *RemoteAppRepository {
	return &RemoteAppRepository{retryDelays: retryDelays}
}

// Create records one transmitted instance.
func (r *RemoteAppRepository) Create(ctx context.Context, rec *models.RemoteAppExecution) error {
	return WithRetry(ctx, "remoteapp.create", r.retryDelays, func() error {
		return database.DB.WithContext(ctx).Create(rec).Error
	})
}

// GetByOutgoingUID looks up the record for a transmitted instance.
func (r *RemoteAppRepository) GetByOutgoingUID(ctx context.Context, outgoingUID string) (*models.RemoteAppExecution, error) {
	var rec models.RemoteAppExecution
	err := database.DB.WithContext(ctx).
		Where("outgoing_uid = ?", outgoingUID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get remote app execution: %w", err)
	}
	return &rec, nil
}

// PurgeExpired deletes records older than the retention window. Postgres has
// no TTL index, so the sweep runs periodically from the lifecycle runner.
func (r *RemoteAppRepository) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-models.RemoteAppExecutionTTL)
	res := database.DB.WithContext(ctx).
		Where("request_time < ?", cutoff).
		Delete(&models.RemoteAppExecution{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge remote app executions: %w", res.Error)
	}
	return res.RowsAffected, nil
}
