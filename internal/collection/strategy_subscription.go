package collection

import (
	"context"
	"fmt"
	"time"

	"github.com/autodebet/collection-engine/internal/domain"
	"github.com/autodebet/collection-engine/internal/models"
	"github.com/autodebet/collection-engine/internal/vendor"
	"github.com/google/uuid"
)

// subscriptionStrategy is the GoPay recurring rail. One subscription object
// per account per day; amounts must be positive and under the platform
// ceiling before the vendor is ever called.
type subscriptionStrategy struct {
	client  vendor.Client
	store   Store
	ceiling int64
	now     func() time.Time
}

func newSubscriptionStrategy(client vendor.Client, store Store, ceiling int64) *subscriptionStrategy {
	return &subscriptionStrategy{client: client, store: store, ceiling: ceiling, now: time.Now}
}

func (s *subscriptionStrategy) Vendor() domain.Vendor { return domain.VendorGoPay }

func (s *subscriptionStrategy) Attempt(ctx context.Context, acct *models.AutodebetAccount, req *FundCollectionRequest) (*Outcome, error) {
	if req.Due.Amount <= 0 {
		return nil, ErrInsufficientAmount
	}
	if req.Due.Amount >= s.ceiling {
		return nil, fmt.Errorf("subscription amount %d at or above platform ceiling %d: %w", req.Due.Amount, s.ceiling, ErrAmountAboveLimit)
	}

	day := startOfDay(s.now())
	existing, err := s.store.Queries().CountVendorTransactionsOn(ctx, acct.AccountID, domain.VendorGoPay, day)
	if err != nil {
		return nil, fmt.Errorf("count today's subscriptions: %w", err)
	}
	if existing > 0 {
		return nil, fmt.Errorf("subscription already created today for %s: %w", acct.AccountID, ErrDuplicateAttempt)
	}

	// The subscription record doubles as the once-daily marker, so it must
	// exist before the vendor call.
	vt := &models.VendorTransaction{
		ID:                       uuid.New(),
		Vendor:                   domain.VendorGoPay,
		AccountID:                acct.AccountID,
		OriginalPartnerReference: req.TransactionID,
		TransactionID:            req.TransactionID,
		Amount:                   req.Due.Amount,
		Status:                   domain.VendorTxStatusPending,
		IsPartial:                req.Due.IsPartial,
		IsEligibleBenefit:        req.Due.EligibleBenefit,
		CreatedAt:                s.now(),
	}
	if err := s.store.Queries().CreateVendorTransaction(ctx, vt); err != nil {
		return nil, fmt.Errorf("create subscription record: %w", err)
	}

	resp, err := s.client.Collect(ctx, vendor.CollectRequest{
		Vendor:           domain.VendorGoPay,
		AccountReference: acct.DBAccountReference,
		PartnerReference: req.TransactionID,
		Amount:           req.Due.Amount,
	})
	if err != nil {
		// Subscription charges settle via callback; leave pending.
		return &Outcome{Status: vendor.StatusPending, ErrorCode: vendor.CodeSystemError, Amount: req.Due.Amount}, nil
	}

	switch resp.Status {
	case vendor.StatusSuccess:
		if _, err := s.store.Queries().SettleVendorTransaction(ctx, domain.VendorGoPay, req.TransactionID, domain.VendorTxStatusSuccess, "", s.now()); err != nil {
			return nil, fmt.Errorf("settle subscription record: %w", err)
		}
		return &Outcome{Status: vendor.StatusSuccess, VendorRef: resp.VendorRef, Amount: req.Due.Amount}, nil
	case vendor.StatusPending:
		return &Outcome{Status: vendor.StatusPending, VendorRef: resp.VendorRef, Amount: req.Due.Amount}, nil
	case vendor.StatusFailed:
		if _, err := s.store.Queries().SettleVendorTransaction(ctx, domain.VendorGoPay, req.TransactionID, domain.VendorTxStatusFailed, resp.ErrorCode, s.now()); err != nil {
			return nil, fmt.Errorf("settle subscription record: %w", err)
		}
		return &Outcome{Status: vendor.StatusFailed, ErrorCode: resp.ErrorCode, VendorRef: resp.VendorRef, Amount: req.Due.Amount}, nil
	}
	return nil, fmt.Errorf("gopay returned status %q: %w", resp.Status, ErrUndefinedVendorResponse)
}
