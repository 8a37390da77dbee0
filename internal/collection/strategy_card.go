package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/autodebet/collection-engine/internal/domain"
	"github.com/autodebet/collection-engine/internal/models"
	"github.com/autodebet/collection-engine/internal/vendor"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// cardStrategy is the BRI card-on-file rail. Collections per shadow account
// are capped per calendar day; the attempt is clamped to the remaining
// headroom and never submitted above the cap.
type cardStrategy struct {
	client   vendor.Client
	store    Store
	dailyCap int64
	now      func() time.Time
}

func newCardStrategy(client vendor.Client, store Store, dailyCap int64) *cardStrategy {
	return &cardStrategy{client: client, store: store, dailyCap: dailyCap, now: time.Now}
}

func (s *cardStrategy) Vendor() domain.Vendor { return domain.VendorBRI }

func (s *cardStrategy) Attempt(ctx context.Context, acct *models.AutodebetAccount, req *FundCollectionRequest) (*Outcome, error) {
	day := startOfDay(s.now())
	collected, err := s.store.Queries().SumVendorCollectedOn(ctx, acct.DBAccountReference, domain.VendorBRI, day)
	if err != nil {
		return nil, fmt.Errorf("sum daily collected: %w", err)
	}

	headroom := s.dailyCap - collected
	if headroom <= 0 {
		return nil, fmt.Errorf("daily cap %d reached for %s: %w", s.dailyCap, acct.DBAccountReference, ErrNoCapacityToday)
	}

	amount := req.Due.Amount
	partial := req.Due.IsPartial
	if amount > headroom {
		amount = headroom
		partial = true
	}

	// The shadow row is the unit of cap accounting: pending and successful
	// rows both consume headroom, so it must exist before the vendor call.
	vt := &models.VendorTransaction{
		ID:                       uuid.New(),
		Vendor:                   domain.VendorBRI,
		AccountID:                acct.AccountID,
		OriginalPartnerReference: req.TransactionID,
		TransactionID:            req.TransactionID,
		Amount:                   amount,
		Status:                   domain.VendorTxStatusPending,
		IsPartial:                partial,
		IsEligibleBenefit:        req.Due.EligibleBenefit,
		CreatedAt:                s.now(),
	}
	if err := s.store.Queries().CreateVendorTransaction(ctx, vt); err != nil {
		return nil, fmt.Errorf("create bri shadow transaction: %w", err)
	}

	resp, err := s.client.Collect(ctx, vendor.CollectRequest{
		Vendor:           domain.VendorBRI,
		AccountReference: acct.DBAccountReference,
		PartnerReference: req.TransactionID,
		Amount:           amount,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// Leave the shadow row pending: it keeps consuming cap
			// headroom until the callback or inquiry resolves it.
			return &Outcome{Status: vendor.StatusPending, ErrorCode: vendor.CodeSystemError, Amount: amount}, nil
		}
		s.settle(req.TransactionID, domain.VendorTxStatusFailed, vendor.CodeSystemError)
		return nil, fmt.Errorf("bri collect: %v: %w", err, ErrVendorTransient)
	}

	switch resp.Status {
	case vendor.StatusSuccess:
		s.settle(req.TransactionID, domain.VendorTxStatusSuccess, "")
		return &Outcome{Status: vendor.StatusSuccess, VendorRef: resp.VendorRef, Amount: amount}, nil
	case vendor.StatusFailed:
		s.settle(req.TransactionID, domain.VendorTxStatusFailed, resp.ErrorCode)
		return &Outcome{Status: vendor.StatusFailed, ErrorCode: resp.ErrorCode, VendorRef: resp.VendorRef, Amount: amount}, nil
	case vendor.StatusPending:
		return &Outcome{Status: vendor.StatusPending, VendorRef: resp.VendorRef, Amount: amount}, nil
	}
	return nil, fmt.Errorf("bri returned status %q: %w", resp.Status, ErrUndefinedVendorResponse)
}

func (s *cardStrategy) settle(ref, status, desc string) {
	rows, err := s.store.Queries().SettleVendorTransaction(context.Background(), domain.VendorBRI, ref, status, desc, s.now())
	if err != nil {
		zap.L().Error("settle bri shadow transaction failed", zap.Error(err), zap.String("reference", ref))
		return
	}
	if rows != 1 {
		zap.L().Warn("bri shadow transaction already settled", zap.String("reference", ref))
	}
}
