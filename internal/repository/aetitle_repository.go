package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/otcheredev/imaging-gateway/internal/database"
	"github.com/otcheredev/imaging-gateway/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// AeTitleRepository handles application-entity database operations.
type AeTitleRepository struct{}

// NewAeTitleRepository creates a new AE repository
func NewAeTitleRepository() *AeTitleRepository {
	return &AeTitleRepository{}
}

// CreateLocal persists a local (called) AE after validation.
func (r *AeTitleRepository) CreateLocal(ctx context.Context, ae *models.LocalApplicationEntity) error {
	ae.SetDefaultValues()
	if err := ae.Validate(); err != nil {
		return err
	}
	if err := database.DB.WithContext(ctx).Create(ae).Error; err != nil {
		return fmt.Errorf("failed to create local ae: %w", err)
	}
	return nil
}

// GetLocalByAeTitle finds the local AE matching a called AET.
func (r *AeTitleRepository) GetLocalByAeTitle(ctx context.Context, aeTitle string) (*models.LocalApplicationEntity, error) {
	var ae models.LocalApplicationEntity
	err := database.DB.WithContext(ctx).
		Where("ae_title = ?", strings.TrimSpace(aeTitle)).
		First(&ae).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get local ae: %w", err)
	}
	return &ae, nil
}

// ListLocal returns every configured local AE.
func (r *AeTitleRepository) ListLocal(ctx context.Context) ([]models.LocalApplicationEntity, error) {
	var aes []models.LocalApplicationEntity
	if err := database.DB.WithContext(ctx).Order("name ASC").Find(&aes).Error; err != nil {
		return nil, fmt.Errorf("failed to list local aes: %w", err)
	}
	return aes, nil
}

// DeleteLocal removes a local AE by name.
func (r *AeTitleRepository) DeleteLocal(ctx context.Context, name string) error {
	if err := database.DB.WithContext(ctx).
		Where("name = ?", name).
		Delete(&models.LocalApplicationEntity{}).Error; err != nil {
		return fmt.Errorf("failed to delete local ae: %w", err)
	}
	return nil
}

// CreateSource persists a source AE after validation.
func (r *AeTitleRepository) CreateSource(ctx context.Context, ae *models.SourceApplicationEntity) error {
	if err := ae.Validate(); err != nil {
		return err
	}
	if err := database.DB.WithContext(ctx).Create(ae).Error; err != nil {
		return fmt.Errorf("failed to create source ae: %w", err)
	}
	return nil
}

// SourceExists reports whether a peer with the given AE title and host is
// allowed to push. Both must match.
func (r *AeTitleRepository) SourceExists(ctx context.Context, aeTitle, hostIP string) (bool, error) {
	var count int64
	err := database.DB.WithContext(ctx).
		Model(&models.SourceApplicationEntity{}).
		Where("ae_title = ? AND host_ip = ?", strings.TrimSpace(aeTitle), hostIP).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check source ae: %w", err)
	}
	return count > 0, nil
}

// CreateDestination persists a destination AE after validation.
func (r *AeTitleRepository) CreateDestination(ctx context.Context, ae *models.DestinationApplicationEntity) error {
	if err := ae.Validate(); err != nil {
		return err
	}
	if err := database.DB.WithContext(ctx).Create(ae).Error; err != nil {
		return fmt.Errorf("failed to create destination ae: %w", err)
	}
	return nil
}

// GetDestinationByName resolves an export destination.
func (r *AeTitleRepository) GetDestinationByName(ctx context.Context, name string) (*models.DestinationApplicationEntity, error) {
	var ae models.DestinationApplicationEntity
	err := database.DB.WithContext(ctx).Where("name = ?", name).First(&ae).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get destination ae: %w", err)
	}
	return &ae, nil
}

// CreateVirtual persists a virtual (DICOMweb) AE after validation.
func (r *AeTitleRepository) CreateVirtual(ctx context.Context, ae *models.VirtualApplicationEntity) error {
	if err := ae.Validate(); err != nil {
		return err
	}
	if err := database.DB.WithContext(ctx).Create(ae).Error; err != nil {
		return fmt.Errorf("failed to create virtual ae: %w", err)
	}
	return nil
}

// GetVirtualByName resolves a DICOMweb workflow endpoint.
func (r *AeTitleRepository) GetVirtualByName(ctx context.Context, name string) (*models.VirtualApplicationEntity, error) {
	var ae models.VirtualApplicationEntity
	err := database.DB.WithContext(ctx).Where("name = ?", name).First(&ae).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get virtual ae: %w", err)
	}
	return &ae, nil
}
