package benefit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/autodebet/collection-engine/internal/collection"
	"github.com/autodebet/collection-engine/internal/models"
	"github.com/google/uuid"
)

// ErrAlreadyConsumed aborts a consumption that lost the race to another
// attempt. The enclosing ledger transaction rolls back with it.
var ErrAlreadyConsumed = errors.New("benefit already consumed")

// Service implements the promotional waiver rules on top of the store: one
// active benefit per account, consumed at most once, and only by a full
// on-time collection.
type Service struct {
	store collection.Store
	now   func() time.Time
}

func NewService(store collection.Store) *Service {
	return &Service{store: store, now: time.Now}
}

// IsEligible reports whether an unconsumed, unexpired benefit exists for the
// account. A prospective split does not revoke eligibility; it only defers
// consumption to the attempt that completes the obligation.
func (s *Service) IsEligible(ctx context.Context, accountID uuid.UUID, split bool) (bool, error) {
	benefit, err := s.active(ctx, accountID)
	if err != nil {
		if errors.Is(err, collection.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return benefit != nil, nil
}

// WaiverAmount resolves the waiver applicable to the oldest obligation. The
// waiver never exceeds the obligation it discounts.
func (s *Service) WaiverAmount(ctx context.Context, accountID uuid.UUID, oldest models.CollectionObligation) (*models.Benefit, int64, error) {
	benefit, err := s.active(ctx, accountID)
	if err != nil {
		if errors.Is(err, collection.ErrNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	if benefit == nil {
		return nil, 0, nil
	}

	waiver := benefit.WaiverAmount
	if waiver > oldest.DueAmount {
		waiver = oldest.DueAmount
	}
	return benefit, waiver, nil
}

// Consume marks the benefit spent inside the caller's transaction. The
// conditional update guards against double consumption across concurrent
// attempts; losing the race aborts the whole transaction.
func (s *Service) Consume(ctx context.Context, q collection.Queries, benefit *models.Benefit, consumedRef string, eventAmount int64) error {
	rows, err := q.ConsumeBenefit(ctx, benefit.ID, consumedRef, eventAmount)
	if err != nil {
		return fmt.Errorf("consume benefit %s: %w", benefit.ID, err)
	}
	if rows != 1 {
		return fmt.Errorf("benefit %s: %w", benefit.ID, ErrAlreadyConsumed)
	}
	return nil
}

func (s *Service) active(ctx context.Context, accountID uuid.UUID) (*models.Benefit, error) {
	benefit, err := s.store.Queries().GetActiveBenefit(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if benefit.Consumed || !benefit.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	return benefit, nil
}
