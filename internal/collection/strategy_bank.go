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

// bankStrategy covers the synchronous direct-debit rails (BCA bank rail,
// Mandiri card rail): one call, one definitive answer. The ledger entry is
// committed by the orchestrator after a success.
type bankStrategy struct {
	vendorID domain.Vendor
	client   vendor.Client
	store    Store
	now      func() time.Time
}

func newBankStrategy(v domain.Vendor, client vendor.Client, store Store) *bankStrategy {
	return &bankStrategy{vendorID: v, client: client, store: store, now: time.Now}
}

func (s *bankStrategy) Vendor() domain.Vendor { return s.vendorID }

func (s *bankStrategy) Attempt(ctx context.Context, acct *models.AutodebetAccount, req *FundCollectionRequest) (*Outcome, error) {
	resp, err := s.client.Collect(ctx, vendor.CollectRequest{
		Vendor:           s.vendorID,
		AccountReference: acct.DBAccountReference,
		PartnerReference: req.TransactionID,
		Amount:           req.Due.Amount,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// No definitive answer. Record the attempt as unknown so a
			// later inquiry or callback can resolve it; a blind retry
			// here risks double collection.
			s.recordUnknown(acct, req)
			return &Outcome{
				Status:    vendor.StatusPending,
				ErrorCode: vendor.CodeSystemError,
				Amount:    req.Due.Amount,
			}, nil
		}
		return nil, fmt.Errorf("%s collect: %v: %w", s.vendorID, err, ErrVendorTransient)
	}

	switch resp.Status {
	case vendor.StatusSuccess:
		return &Outcome{Status: vendor.StatusSuccess, VendorRef: resp.VendorRef, Amount: req.Due.Amount}, nil
	case vendor.StatusFailed:
		return &Outcome{Status: vendor.StatusFailed, ErrorCode: resp.ErrorCode, VendorRef: resp.VendorRef, Amount: req.Due.Amount}, nil
	case vendor.StatusPending:
		// A synchronous rail answering pending is unresolved; same
		// handling as a timeout.
		s.recordUnknown(acct, req)
		return &Outcome{Status: vendor.StatusPending, VendorRef: resp.VendorRef, Amount: req.Due.Amount}, nil
	}
	return nil, fmt.Errorf("%s returned status %q: %w", s.vendorID, resp.Status, ErrUndefinedVendorResponse)
}

func (s *bankStrategy) recordUnknown(acct *models.AutodebetAccount, req *FundCollectionRequest) {
	if s.store == nil {
		return
	}
	vt := &models.VendorTransaction{
		ID:                       uuid.New(),
		Vendor:                   s.vendorID,
		AccountID:                acct.AccountID,
		OriginalPartnerReference: req.TransactionID,
		TransactionID:            req.TransactionID,
		Amount:                   req.Due.Amount,
		Status:                   domain.VendorTxStatusUnknown,
		IsPartial:                req.Due.IsPartial,
		IsEligibleBenefit:        req.Due.EligibleBenefit,
		CreatedAt:                s.now(),
	}
	// The original ctx may already be expired.
	if err := s.store.Queries().CreateVendorTransaction(context.Background(), vt); err != nil {
		zap.L().Error("failed to record unresolved attempt",
			zap.Error(err),
			zap.String("vendor", s.vendorID.String()),
			zap.String("transaction_id", req.TransactionID),
		)
	}
}
