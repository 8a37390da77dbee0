package collection

import (
	"context"
	"fmt"
	"time"

	"github.com/autodebet/collection-engine/internal/config"
	"github.com/autodebet/collection-engine/internal/domain"
	"github.com/autodebet/collection-engine/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BenefitPort is the boundary to the benefit/cashback engine. Consume joins
// the caller's transaction so waiver consumption commits with the ledger row.
type BenefitPort interface {
	IsEligible(ctx context.Context, accountID uuid.UUID, split bool) (bool, error)
	WaiverAmount(ctx context.Context, accountID uuid.UUID, oldest models.CollectionObligation) (*models.Benefit, int64, error)
	Consume(ctx context.Context, q Queries, benefit *models.Benefit, consumedRef string, eventAmount int64) error
}

// AccountState carries the mutable per-account inputs to a due computation.
type AccountState struct {
	// AvailableBalance is the probed wallet balance. Exactly 0 means the
	// probe failed or is unknown; the calculator falls back to the full
	// amount rather than clamping to zero.
	AvailableBalance int64
	// MaxAmount is the per-attempt ceiling of the registration, if any.
	MaxAmount int64
}

// DueAmount is the result of one due computation.
type DueAmount struct {
	Amount          int64
	IsPartial       bool
	EligibleBenefit bool
	Waiver          int64
	Benefit         *models.Benefit
	Oldest          models.CollectionObligation
}

// DueAmountCalculator computes the amount owed for a set of obligations,
// applies benefit waivers and applies vendor caps and balance clamps.
type DueAmountCalculator struct {
	policy   config.CollectionPolicy
	benefits BenefitPort
	now      func() time.Time
}

// NewDueAmountCalculator creates a calculator bound to a policy snapshot.
func NewDueAmountCalculator(policy config.CollectionPolicy, benefits BenefitPort) *DueAmountCalculator {
	return &DueAmountCalculator{
		policy:   policy,
		benefits: benefits,
		now:      time.Now,
	}
}

// Compute derives the collectible amount for the supplied obligations.
// Returns ErrInsufficientAmount when the adjusted amount is not positive.
func (c *DueAmountCalculator) Compute(ctx context.Context, obligations []models.CollectionObligation, vendor domain.Vendor, state AccountState) (*DueAmount, error) {
	if len(obligations) == 0 {
		return nil, ErrInsufficientAmount
	}

	oldest := obligations[0]
	last := obligations[0]
	base := decimal.Zero
	for _, ob := range obligations {
		base = base.Add(decimal.NewFromInt(ob.DueAmount))
		if ob.DueDate.Before(oldest.DueDate) {
			oldest = ob
		}
		if ob.DueDate.After(last.DueDate) {
			last = ob
		}
	}

	due := domain.FromDecimal(base)
	cap := c.vendorCap(vendor, state)
	prospectivePartial := cap > 0 && due > cap

	eligible, waiver, benefit, err := c.benefitFor(ctx, oldest, last, prospectivePartial)
	if err != nil {
		return nil, err
	}
	if eligible && waiver > 0 {
		due = domain.NewMoney(due).Sub(domain.NewMoney(waiver)).Amount
	}

	isPartial := false
	if cap > 0 && due > cap {
		due = cap
		isPartial = true
	}

	if vendor.IsWallet() {
		// Balance of exactly 0 is indistinguishable from a failed probe;
		// fall back to the full amount so the attempt is not silently
		// skipped and the vendor reports the real balance state.
		if state.AvailableBalance > 0 && state.AvailableBalance < due {
			due = state.AvailableBalance
			isPartial = true
		}
	}

	if due <= 0 {
		return nil, fmt.Errorf("obligations sum to %d after adjustments: %w", due, ErrInsufficientAmount)
	}

	return &DueAmount{
		Amount:          due,
		IsPartial:       isPartial,
		EligibleBenefit: eligible,
		Waiver:          waiver,
		Benefit:         benefit,
		Oldest:          oldest,
	}, nil
}

func (c *DueAmountCalculator) vendorCap(vendor domain.Vendor, state AccountState) int64 {
	switch vendor {
	case domain.VendorBCA:
		return c.policy.BCASplitCap
	case domain.VendorMandiri:
		if state.MaxAmount > 0 {
			return state.MaxAmount
		}
		return c.policy.MandiriDefaultMax
	}
	return 0
}

func (c *DueAmountCalculator) benefitFor(ctx context.Context, oldest, last models.CollectionObligation, split bool) (bool, int64, *models.Benefit, error) {
	// A last obligation dated strictly before today is a late payment;
	// backdated collections must not earn the benefit. The day boundary is
	// the clock's wall-clock midnight, same as the daily-cap window.
	today := startOfDay(c.now())
	if last.DueDate.Before(today) {
		return false, 0, nil, nil
	}

	eligible, err := c.benefits.IsEligible(ctx, oldest.AccountID, split)
	if err != nil {
		return false, 0, nil, fmt.Errorf("check benefit eligibility: %w", err)
	}
	if !eligible {
		return false, 0, nil, nil
	}

	benefit, waiver, err := c.benefits.WaiverAmount(ctx, oldest.AccountID, oldest)
	if err != nil {
		return false, 0, nil, fmt.Errorf("resolve benefit waiver: %w", err)
	}
	if benefit == nil || waiver <= 0 {
		return false, 0, nil, nil
	}
	return true, waiver, benefit, nil
}
