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

// walletStrategy covers the async e-wallet rails (OVO, DANA). The vendor
// shadow row and the pending ledger row are committed in one atomic unit
// before the vendor is called; the callback settles both later. A definitive
// synchronous error only updates the shadow status description, never rolls
// the ledger row back.
type walletStrategy struct {
	vendorID domain.Vendor
	client   vendor.Client
	store    Store
	now      func() time.Time
}

func newWalletStrategy(v domain.Vendor, client vendor.Client, store Store) *walletStrategy {
	return &walletStrategy{vendorID: v, client: client, store: store, now: time.Now}
}

func (s *walletStrategy) Vendor() domain.Vendor { return s.vendorID }

func (s *walletStrategy) Attempt(ctx context.Context, acct *models.AutodebetAccount, req *FundCollectionRequest) (*Outcome, error) {
	vt := &models.VendorTransaction{
		ID:                       uuid.New(),
		Vendor:                   s.vendorID,
		AccountID:                acct.AccountID,
		OriginalPartnerReference: req.TransactionID,
		TransactionID:            req.TransactionID,
		Amount:                   req.Due.Amount,
		Status:                   domain.VendorTxStatusPending,
		IsPartial:                req.Due.IsPartial,
		IsEligibleBenefit:        req.Due.EligibleBenefit,
		CreatedAt:                s.now(),
	}
	ledgerTx := &models.LedgerTransaction{
		TransactionID: req.TransactionID,
		AccountID:     acct.AccountID,
		Vendor:        s.vendorID,
		Amount:        req.Due.Amount,
		Status:        domain.TxStatusPending,
		CreatedAt:     s.now(),
	}

	err := s.store.RunInTx(ctx, func(q Queries) error {
		if err := q.CreateLedgerTransaction(ctx, ledgerTx); err != nil {
			return err
		}
		return q.CreateVendorTransaction(ctx, vt)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateTransaction) {
			return nil, fmt.Errorf("%s attempt %s: %w", s.vendorID, req.TransactionID, ErrDuplicateAttempt)
		}
		return nil, fmt.Errorf("prepare %s attempt: %w", s.vendorID, err)
	}

	resp, err := s.client.Collect(ctx, vendor.CollectRequest{
		Vendor:           s.vendorID,
		AccountReference: acct.DBAccountReference,
		PartnerReference: req.TransactionID,
		Amount:           req.Due.Amount,
	})
	if err != nil {
		// Rows stay pending; the callback or a later inquiry resolves
		// them. Retrying blindly would risk a double charge.
		zap.L().Warn("wallet collect unresolved",
			zap.Error(err),
			zap.String("vendor", s.vendorID.String()),
			zap.String("transaction_id", req.TransactionID),
		)
		return &Outcome{Status: vendor.StatusPending, ErrorCode: vendor.CodeSystemError, Amount: req.Due.Amount, LedgerRecorded: true}, nil
	}

	switch resp.Status {
	case vendor.StatusPending, vendor.StatusSuccess:
		// Success here is still settled by the callback; the rail's
		// synchronous answer only acknowledges acceptance.
		return &Outcome{Status: vendor.StatusPending, VendorRef: resp.VendorRef, Amount: req.Due.Amount, LedgerRecorded: true}, nil
	case vendor.StatusFailed:
		s.recordStatusDesc(req.TransactionID, resp.ErrorCode)
		return &Outcome{Status: vendor.StatusFailed, ErrorCode: resp.ErrorCode, VendorRef: resp.VendorRef, Amount: req.Due.Amount, LedgerRecorded: true}, nil
	}
	return nil, fmt.Errorf("%s returned status %q: %w", s.vendorID, resp.Status, ErrUndefinedVendorResponse)
}

func (s *walletStrategy) recordStatusDesc(ref, code string) {
	rows, err := s.store.Queries().UpdateVendorTransactionStatusDesc(context.Background(), s.vendorID, ref, code)
	if err != nil {
		zap.L().Error("record wallet status desc failed", zap.Error(err), zap.String("reference", ref))
		return
	}
	if rows != 1 {
		zap.L().Warn("wallet shadow transaction missing for status desc", zap.String("reference", ref))
	}
}
