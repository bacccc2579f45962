package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/otcheredev/imaging-gateway/internal/database"
	"github.com/otcheredev/imaging-gateway/internal/models"
)

// AssociationRepository handles association audit records.
type AssociationRepository struct {
	retryDelays []time.Duration
}

// NewAssociationRepository creates a new association repository
func NewAssociationRepository(retryDelays []time.Duration) *AssociationRepository {
	return &AssociationRepository{retryDelays: retryDelays}
}

// Create writes the audit record for a closed association.
func (r *AssociationRepository) Create(ctx context.Context, info *models.DicomAssociationInfo) error {
	return WithRetry(ctx, "association.create", r.retryDelays, func() error {
		return database.DB.WithContext(ctx).Create(info).Error
	})
}

// GetByCorrelationID retrieves the audit record for one association.
func (r *AssociationRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*models.DicomAssociationInfo, error) {
	var info models.DicomAssociationInfo
	if err := database.DB.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		First(&info).Error; err != nil {
		return nil, fmt.Errorf("failed to get association info: %w", err)
	}
	return &info, nil
}
