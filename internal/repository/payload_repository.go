package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/imaging-gateway/internal/database"
	"github.com/otcheredev/imaging-gateway/internal/models"
)

// PayloadRepository handles payload database operations.
type PayloadRepository struct {
	retryDelays []time.Duration
}

// NewPayloadRepository creates a new payload repository
func NewPayloadRepository(retryDelays []time.Duration) *PayloadRepository {
	return &PayloadRepository{retryDelays: retryDelays}
}

// Create persists a new payload in the Created state.
func (r *PayloadRepository) Create(ctx context.Context, p *models.Payload) error {
	return WithRetry(ctx, "payload.create", r.retryDelays, func() error {
		return database.DB.WithContext(ctx).Create(p).Error
	})
}

// Update saves the current payload row.
func (r *PayloadRepository) Update(ctx context.Context, p *models.Payload) error {
	return WithRetry(ctx, "payload.update", r.retryDelays, func() error {
		return database.DB.WithContext(ctx).Save(p).Error
	})
}

// Transition advances the payload state, enforcing the forward-only
// invariant, and persists the row before the caller acts on it.
func (r *PayloadRepository) Transition(ctx context.Context, p *models.Payload, next models.PayloadState) error {
	if !p.State.CanTransitionTo(next) {
		return fmt.Errorf("payload %s: illegal transition %s -> %s", p.PayloadID, p.State, next)
	}
	prev := p.State
	p.State = next
	if err := r.Update(ctx, p); err != nil {
		p.State = prev
		return err
	}
	return nil
}

// GetUnpublished returns payloads whose assembly did not finish: everything
// still in Created, Move or Notify. Used to rehydrate buckets at startup.
func (r *PayloadRepository) GetUnpublished(ctx context.Context) ([]*models.Payload, error) {
	var payloads []*models.Payload
	err := WithRetry(ctx, "payload.unpublished", r.retryDelays, func() error {
		return database.DB.WithContext(ctx).
			Where("state IN ?", []models.PayloadState{
				models.PayloadStateCreated,
				models.PayloadStateMove,
				models.PayloadStateNotify,
			}).
			Order("date_created ASC").
			Find(&payloads).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load unpublished payloads: %w", err)
	}
	return payloads, nil
}

// Delete removes a payload row.
func (r *PayloadRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return WithRetry(ctx, "payload.delete", r.retryDelays, func() error {
		return database.DB.WithContext(ctx).
			Where("payload_id = ?", id).
			Delete(&models.Payload{}).Error
	})
}
