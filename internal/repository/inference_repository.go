package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/imaging-gateway/internal/database"
	"github.com/otcheredev/imaging-gateway/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// takePollInterval is how often Take looks for queued work.
const takePollInterval = 250 * time.Millisecond

// ErrAlreadyExists is returned when a transaction id is already registered.
var ErrAlreadyExists = errors.New("inference request already exists")

// InferenceRepository is the FIFO leasing queue over inference requests.
type InferenceRepository struct {
	retryDelays []time.Duration
	maxRetries  int
}

// NewInferenceRepository creates a new inference-request repository.
// maxRetries is the update retry cap derived from the configured delays.
func NewInferenceRepository(retryDelays []time.Duration, maxRetries int) *InferenceRepository {
	return &InferenceRepository{retryDelays: retryDelays, maxRetries: maxRetries}
}

// Add persists a new request in the Queued state.
func (r *InferenceRepository) Add(ctx context.Context, req *models.InferenceRequest) error {
	req.State = models.InferenceStateQueued
	req.Status = models.InferenceStatusUnknown
	req.TryCount = 0
	return WithRetry(ctx, "inference.add", r.retryDelays, func() error {
		err := database.DB.WithContext(ctx).Create(req).Error
		if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyExists
		}
		return err
	})
}

// Take blocks until a queued request is available or ctx is cancelled. The
// oldest Queued row is atomically moved to InProcess and returned.
func (r *InferenceRepository) Take(ctx context.Context) (*models.InferenceRequest, error) {
	ticker := time.NewTicker(takePollInterval)
	defer ticker.Stop()

	for {
		req, err := r.tryTake(ctx)
		if err != nil {
			return nil, err
		}
		if req != nil {
			return req, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// tryTake claims the oldest queued row inside a transaction, locking it so
// concurrent consumers cannot double-lease.
func (r *InferenceRepository) tryTake(ctx context.Context) (*models.InferenceRequest, error) {
	var req models.InferenceRequest
	err := database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("state = ?", models.InferenceStateQueued).
			Order("created_at ASC").
			First(&req).Error
		if err != nil {
			return err
		}
		req.State = models.InferenceStateInProcess
		return tx.Save(&req).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take inference request: %w", err)
	}
	return &req, nil
}

// Update applies the attempt outcome: success completes the request, failure
// increments the try count and either requeues it or, past the retry cap,
// completes it as failed.
func (r *InferenceRepository) Update(ctx context.Context, req *models.InferenceRequest, success bool) error {
	req.ApplyResult(success, r.maxRetries)
	return WithRetry(ctx, "inference.update", r.retryDelays, func() error {
		return database.DB.WithContext(ctx).Save(req).Error
	})
}

// GetByTransactionID looks up a request by its unique transaction id.
func (r *InferenceRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.InferenceRequest, error) {
	var req models.InferenceRequest
	err := database.DB.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inference request: %w", err)
	}
	return &req, nil
}

// GetByID looks up a request by primary key.
func (r *InferenceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.InferenceRequest, error) {
	var req models.InferenceRequest
	err := database.DB.WithContext(ctx).Where("id = ?", id).First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inference request: %w", err)
	}
	return &req, nil
}

// Exists reports whether a transaction id is already registered.
func (r *InferenceRepository) Exists(ctx context.Context, transactionID string) (bool, error) {
	var count int64
	err := database.DB.WithContext(ctx).
		Model(&models.InferenceRequest{}).
		Where("transaction_id = ?", transactionID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check inference request: %w", err)
	}
	return count > 0, nil
}

// Status returns the state and status of a request by transaction id.
func (r *InferenceRepository) Status(ctx context.Context, transactionID string) (models.InferenceRequestState, models.InferenceRequestStatus, error) {
	req, err := r.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return "", "", err
	}
	return req.State, req.Status, nil
}
