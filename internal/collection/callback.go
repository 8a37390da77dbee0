package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/autodebet/collection-engine/internal/config"
	"github.com/autodebet/collection-engine/internal/domain"
	"github.com/autodebet/collection-engine/internal/lock"
	"github.com/autodebet/collection-engine/internal/models"
	"github.com/autodebet/collection-engine/internal/notification"
	"github.com/autodebet/collection-engine/internal/observability"
	"github.com/autodebet/collection-engine/internal/vendor"
	"go.uber.org/zap"
)

// VendorCallback is the normalized view of one vendor settlement webhook.
type VendorCallback struct {
	Vendor           domain.Vendor
	PartnerReference string
	Status           string
	ErrorCode        string
	VendorRef        string
}

// CallbackResult reports what the settlement did.
type CallbackResult struct {
	TransactionID string
	Settled       bool
	Status        string
}

// CallbackService settles async collection attempts from vendor webhooks.
// Settlement is exactly-once: the first callback transitions the shadow row
// out of PENDING, every replay after that is acknowledged as a no-op.
type CallbackService struct {
	store    Store
	benefits BenefitPort
	locker   lock.Locker
	notifier notification.Notifier
	clients  map[domain.Vendor]vendor.Client
	audit    *AuditService
	policy   config.CollectionPolicy
	now      func() time.Time
}

func NewCallbackService(store Store, benefits BenefitPort, locker lock.Locker, notifier notification.Notifier, clients map[domain.Vendor]vendor.Client, policy config.CollectionPolicy) *CallbackService {
	return &CallbackService{
		store:    store,
		benefits: benefits,
		locker:   locker,
		notifier: notifier,
		clients:  clients,
		audit:    NewAuditService(),
		policy:   policy,
		now:      time.Now,
	}
}

// Handle settles the shadow and ledger rows for one callback. Unknown
// references return ErrNotFound so the transport layer can answer 404 and the
// vendor stops retrying a reference this engine never issued.
func (s *CallbackService) Handle(ctx context.Context, cb VendorCallback) (*CallbackResult, error) {
	vendorTxStatus, ledgerStatus, err := settlementStatuses(cb.Status)
	if err != nil {
		observability.IncrementCallback(cb.Vendor.String(), "malformed")
		return nil, err
	}

	vt, err := s.store.Queries().GetVendorTransactionByRef(ctx, cb.Vendor, cb.PartnerReference)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			observability.IncrementCallback(cb.Vendor.String(), "unmatched")
		}
		return nil, fmt.Errorf("resolve callback reference %q: %w", cb.PartnerReference, err)
	}

	release, err := s.locker.Acquire(ctx, accountLockKey(vt.AccountID, cb.Vendor), s.policy.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			observability.IncrementLockContention("callback")
			return nil, fmt.Errorf("callback for %s: %w", cb.PartnerReference, ErrDuplicateAttempt)
		}
		return nil, err
	}
	defer release()

	settled := false
	err = s.store.RunInTx(ctx, func(q Queries) error {
		rows, err := q.SettleVendorTransaction(ctx, cb.Vendor, cb.PartnerReference, vendorTxStatus, cb.ErrorCode, s.now())
		if err != nil {
			return fmt.Errorf("settle vendor transaction: %w", err)
		}
		if rows == 0 {
			// Already settled by an earlier callback or by the
			// synchronous response. Replays change nothing.
			return nil
		}
		settled = true

		if err := s.settleLedger(ctx, q, vt, ledgerStatus); err != nil {
			return err
		}

		if vendorTxStatus == domain.VendorTxStatusSuccess && vt.IsEligibleBenefit && !vt.IsPartial {
			if err := s.consumeBenefit(ctx, q, vt); err != nil {
				return err
			}
		}

		metadata, _ := json.Marshal(map[string]string{
			"vendor_ref": cb.VendorRef,
			"error_code": cb.ErrorCode,
		})
		return s.audit.Write(ctx, q, "vendor_transaction", vt.ID, "callback_settled", vt.Status, vendorTxStatus, metadata)
	})
	if err != nil {
		observability.IncrementCallback(cb.Vendor.String(), "error")
		return nil, err
	}

	if !settled {
		observability.IncrementCallback(cb.Vendor.String(), "duplicate")
		return &CallbackResult{TransactionID: vt.TransactionID, Settled: false, Status: vt.Status}, nil
	}

	observability.IncrementCallback(cb.Vendor.String(), "settled")
	s.applyConsequences(ctx, cb, vt, vendorTxStatus)
	return &CallbackResult{TransactionID: vt.TransactionID, Settled: true, Status: vendorTxStatus}, nil
}

// settleLedger moves the ledger row to its final status. Rails that only
// create the ledger row on success (the card rail after a timeout) get it
// created here.
func (s *CallbackService) settleLedger(ctx context.Context, q Queries, vt *models.VendorTransaction, status string) error {
	rows, err := q.UpdateLedgerTransactionStatus(ctx, vt.TransactionID, status)
	if err != nil {
		return fmt.Errorf("settle ledger transaction: %w", err)
	}
	if rows > 0 || status != domain.TxStatusProcessed {
		return nil
	}
	if err := q.CreateLedgerTransaction(ctx, &models.LedgerTransaction{
		TransactionID: vt.TransactionID,
		AccountID:     vt.AccountID,
		Vendor:        vt.Vendor,
		Amount:        vt.Amount,
		Status:        domain.TxStatusProcessed,
		CreatedAt:     s.now(),
	}); err != nil && !errors.Is(err, ErrDuplicateTransaction) {
		return fmt.Errorf("create ledger transaction from callback: %w", err)
	}
	return nil
}

func (s *CallbackService) consumeBenefit(ctx context.Context, q Queries, vt *models.VendorTransaction) error {
	benefit, err := q.GetActiveBenefit(ctx, vt.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The benefit expired between the attempt and the callback.
			return nil
		}
		return fmt.Errorf("load active benefit: %w", err)
	}
	if err := s.benefits.Consume(ctx, q, benefit, vt.TransactionID, vt.Amount); err != nil {
		return fmt.Errorf("consume benefit: %w", err)
	}
	return nil
}

// applyConsequences runs the post-settlement side effects: customer
// notification on success, account-state consequences on balance and
// identity failures. The (account, vendor) lock is still held here.
func (s *CallbackService) applyConsequences(ctx context.Context, cb VendorCallback, vt *models.VendorTransaction, status string) {
	if status == domain.VendorTxStatusSuccess {
		observability.AddCollectedAmount(cb.Vendor.String(), vt.Amount)
		if err := s.notifier.Notify(ctx, notification.Event{
			Type:      notification.EventCollectionSucceeded,
			AccountID: vt.AccountID,
			Vendor:    cb.Vendor.String(),
			Amount:    vt.Amount,
		}); err != nil {
			zap.L().Warn("customer notification failed", zap.Error(err), zap.String("transaction_id", vt.TransactionID))
		}
		return
	}

	if cb.ErrorCode != vendor.CodeInsufficientFund && cb.ErrorCode != vendor.CodeInvalidPaymentMethod {
		return
	}

	acct, err := s.store.Queries().GetActiveAccount(ctx, vt.AccountID, cb.Vendor)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			zap.L().Error("load registration for callback consequence failed", zap.Error(err), zap.String("account_id", vt.AccountID.String()))
		}
		return
	}

	switch cb.ErrorCode {
	case vendor.CodeInsufficientFund:
		if err := suspendRegistration(ctx, s.store, s.audit, s.notifier, acct); err != nil {
			zap.L().Error("suspend after callback balance failure", zap.Error(err), zap.String("account_id", vt.AccountID.String()))
		}
	case vendor.CodeInvalidPaymentMethod:
		if err := revokeRegistration(ctx, s.store, s.audit, s.clients[cb.Vendor], s.notifier, acct, domain.DeleteReasonRevoked, s.now()); err != nil {
			zap.L().Error("revoke after callback identity failure", zap.Error(err), zap.String("account_id", vt.AccountID.String()))
		}
	}
}

func settlementStatuses(status string) (vendorTx, ledger string, err error) {
	switch status {
	case vendor.StatusSuccess:
		return domain.VendorTxStatusSuccess, domain.TxStatusProcessed, nil
	case vendor.StatusFailed:
		return domain.VendorTxStatusFailed, domain.TxStatusFailed, nil
	}
	return "", "", fmt.Errorf("callback status %q: %w", status, ErrUndefinedVendorResponse)
}
