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
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RepaymentProcessor applies a settled collection to the customer's loan
// inside the caller's transaction. A processing error aborts the whole
// attempt, ledger row included.
type RepaymentProcessor interface {
	Process(ctx context.Context, q Queries, tx *models.LedgerTransaction, obligations []models.CollectionObligation) error
}

// NoopRepaymentProcessor accepts every settled collection. Used when the
// repayment pipeline consumes ledger rows asynchronously.
type NoopRepaymentProcessor struct{}

func (NoopRepaymentProcessor) Process(context.Context, Queries, *models.LedgerTransaction, []models.CollectionObligation) error {
	return nil
}

// CollectionResult reports one attempt back to the scheduler.
type CollectionResult struct {
	TransactionID string
	Status        string
	Amount        int64
	IsPartial     bool
	Duplicate     bool
	VendorRef     string
}

// Orchestrator drives one fund collection end to end: due computation,
// vendor dispatch, ledger recording and account-state consequences. All
// account mutation triggered by vendor responses happens here, under the
// per-(account, vendor) lock.
type Orchestrator struct {
	store      Store
	strategies StrategySet
	clients    map[domain.Vendor]vendor.Client
	calc       *DueAmountCalculator
	benefits   BenefitPort
	locker     lock.Locker
	notifier   notification.Notifier
	repayments RepaymentProcessor
	audit      *AuditService
	policy     config.CollectionPolicy
	now        func() time.Time
}

func NewOrchestrator(store Store, strategies StrategySet, clients map[domain.Vendor]vendor.Client, calc *DueAmountCalculator, benefits BenefitPort, locker lock.Locker, notifier notification.Notifier, repayments RepaymentProcessor, policy config.CollectionPolicy) *Orchestrator {
	if repayments == nil {
		repayments = NoopRepaymentProcessor{}
	}
	return &Orchestrator{
		store:      store,
		strategies: strategies,
		clients:    clients,
		calc:       calc,
		benefits:   benefits,
		locker:     locker,
		notifier:   notifier,
		repayments: repayments,
		audit:      NewAuditService(),
		policy:     policy,
		now:        time.Now,
	}
}

// Collect attempts to collect the supplied obligations from (account, vendor).
// Safe to call concurrently and to replay: the per-pair lock serializes
// attempts and the deterministic transaction id makes replays no-ops.
func (o *Orchestrator) Collect(ctx context.Context, accountID uuid.UUID, v domain.Vendor, obligations []models.CollectionObligation) (*CollectionResult, error) {
	strategy, err := o.strategies.For(v)
	if err != nil {
		return nil, err
	}

	release, err := o.locker.Acquire(ctx, accountLockKey(accountID, v), o.policy.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			observability.IncrementLockContention("collection")
			return nil, fmt.Errorf("collection for %s/%s: %w", accountID, v, ErrDuplicateAttempt)
		}
		return nil, err
	}
	defer release()

	acct, err := o.store.Queries().GetActiveAccount(ctx, accountID, v)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoActiveRegistration
		}
		return nil, fmt.Errorf("load active registration: %w", err)
	}

	due, err := o.calc.Compute(ctx, obligations, v, o.accountState(ctx, acct))
	if err != nil {
		// A non-positive due amount never reaches the vendor.
		return nil, err
	}

	txID := collectionTransactionID(v, due.Oldest.ID, startOfDay(o.now()))
	if existing, err := o.store.Queries().GetLedgerTransaction(ctx, txID); err == nil {
		// Report the row as it stands: a wallet attempt awaiting its
		// callback is still PENDING, not processed.
		observability.IncrementCollection(v.String(), "duplicate")
		return &CollectionResult{
			TransactionID: txID,
			Status:        existing.Status,
			Amount:        existing.Amount,
			Duplicate:     true,
		}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("check ledger transaction: %w", err)
	}

	req := &FundCollectionRequest{
		Vendor:        v,
		AccountID:     accountID,
		TransactionID: txID,
		Obligations:   obligations,
		Due:           due,
		ObligationRef: due.Oldest.ID.String(),
	}

	vendorCtx, cancel := context.WithTimeout(ctx, o.policy.VendorTimeout)
	outcome, err := strategy.Attempt(vendorCtx, acct, req)
	cancel()
	if err != nil {
		if errors.Is(err, ErrDuplicateAttempt) {
			observability.IncrementCollection(v.String(), "duplicate")
			return &CollectionResult{TransactionID: txID, Status: domain.TxStatusPending, Duplicate: true}, nil
		}
		observability.IncrementCollection(v.String(), "error")
		return nil, err
	}

	partial := due.IsPartial || outcome.Amount < due.Amount
	if outcome.Amount < due.Amount {
		observability.IncrementCapClamp(v.String())
	}

	switch outcome.Status {
	case vendor.StatusSuccess:
		return o.commit(ctx, acct, req, outcome, partial)
	case vendor.StatusPending:
		observability.IncrementCollection(v.String(), "pending")
		return &CollectionResult{
			TransactionID: txID,
			Status:        domain.TxStatusPending,
			Amount:        outcome.Amount,
			IsPartial:     partial,
			VendorRef:     outcome.VendorRef,
		}, nil
	case vendor.StatusFailed:
		return nil, o.applyFailure(ctx, acct, req, outcome)
	}
	observability.IncrementCollection(v.String(), "error")
	return nil, fmt.Errorf("strategy outcome %q: %w", outcome.Status, ErrUndefinedVendorResponse)
}

// commit records a definitive success: benefit consumption, ledger row and
// downstream repayment in one transaction.
func (o *Orchestrator) commit(ctx context.Context, acct *models.AutodebetAccount, req *FundCollectionRequest, outcome *Outcome, partial bool) (*CollectionResult, error) {
	ledger := &models.LedgerTransaction{
		TransactionID: req.TransactionID,
		AccountID:     acct.AccountID,
		Vendor:        acct.Vendor,
		Amount:        outcome.Amount,
		Status:        domain.TxStatusProcessed,
		CreatedAt:     o.now(),
	}

	duplicate := false
	err := o.store.RunInTx(ctx, func(q Queries) error {
		// A waiver is consumed only by a full collection; on a partial
		// the benefit stays available for the completing attempt.
		if req.Due.EligibleBenefit && !partial && req.Due.Benefit != nil {
			if err := o.benefits.Consume(ctx, q, req.Due.Benefit, req.TransactionID, outcome.Amount); err != nil {
				return fmt.Errorf("consume benefit: %w", err)
			}
		}

		if outcome.LedgerRecorded {
			rows, err := q.UpdateLedgerTransactionStatus(ctx, req.TransactionID, domain.TxStatusProcessed)
			if err != nil {
				return fmt.Errorf("settle ledger transaction: %w", err)
			}
			return requireExactlyOne(rows, "settle ledger transaction")
		}

		if err := q.CreateLedgerTransaction(ctx, ledger); err != nil {
			if errors.Is(err, ErrDuplicateTransaction) {
				duplicate = true
				return nil
			}
			return fmt.Errorf("create ledger transaction: %w", err)
		}
		if err := o.repayments.Process(ctx, q, ledger, req.Obligations); err != nil {
			return fmt.Errorf("%v: %w", err, ErrDownstreamProcessing)
		}
		return nil
	})
	if err != nil {
		observability.IncrementCollection(acct.Vendor.String(), "error")
		return nil, err
	}

	if duplicate {
		observability.IncrementCollection(acct.Vendor.String(), "duplicate")
		return &CollectionResult{TransactionID: req.TransactionID, Status: domain.TxStatusProcessed, Duplicate: true}, nil
	}

	observability.IncrementCollection(acct.Vendor.String(), "success")
	observability.AddCollectedAmount(acct.Vendor.String(), outcome.Amount)
	o.notify(ctx, notification.Event{
		Type:      notification.EventCollectionSucceeded,
		AccountID: acct.AccountID,
		Vendor:    acct.Vendor.String(),
		Amount:    outcome.Amount,
	})

	return &CollectionResult{
		TransactionID: req.TransactionID,
		Status:        domain.TxStatusProcessed,
		Amount:        outcome.Amount,
		IsPartial:     partial,
		VendorRef:     outcome.VendorRef,
	}, nil
}

// applyFailure maps a definitive vendor failure onto account-state
// consequences. Strategies only classify; the mutation happens here so every
// suspend and revoke runs under the lock already held by Collect.
func (o *Orchestrator) applyFailure(ctx context.Context, acct *models.AutodebetAccount, req *FundCollectionRequest, outcome *Outcome) error {
	v := acct.Vendor

	if outcome.LedgerRecorded {
		if rows, err := o.store.Queries().UpdateLedgerTransactionStatus(ctx, req.TransactionID, domain.TxStatusFailed); err != nil {
			zap.L().Error("failed to mark ledger transaction failed", zap.Error(err), zap.String("transaction_id", req.TransactionID))
		} else if rows != 1 {
			zap.L().Warn("ledger transaction already settled", zap.String("transaction_id", req.TransactionID))
		}
	}

	switch outcome.ErrorCode {
	case vendor.CodeInsufficientFund:
		observability.IncrementCollection(v.String(), "insufficient_balance")
		if err := suspendRegistration(ctx, o.store, o.audit, o.notifier, acct); err != nil {
			return fmt.Errorf("suspend after balance failure: %w", err)
		}
		return fmt.Errorf("collection %s: %w", req.TransactionID, ErrInsufficientBalance)

	case vendor.CodeInvalidPaymentMethod:
		observability.IncrementCollection(v.String(), "invalid_payment_method")
		if err := revokeRegistration(ctx, o.store, o.audit, o.clients[v], o.notifier, acct, domain.DeleteReasonRevoked, o.now()); err != nil {
			return fmt.Errorf("revoke after invalid payment method: %w", err)
		}
		return fmt.Errorf("collection %s: %w", req.TransactionID, ErrInvalidPaymentMethod)

	case vendor.CodeAmountLimitExceeded:
		observability.IncrementCollection(v.String(), "amount_limit")
		if err := o.raiseMaxAmount(ctx, acct, req.Due.Amount); err != nil {
			return err
		}
		// The next scheduled attempt passes with the raised ceiling.
		return fmt.Errorf("collection %s: amount %d above vendor limit: %w", req.TransactionID, req.Due.Amount, ErrVendorTransient)
	}

	observability.IncrementCollection(v.String(), "failed")
	return fmt.Errorf("collection %s failed with vendor code %q: %w", req.TransactionID, outcome.ErrorCode, classify(&vendor.CollectResponse{ErrorCode: outcome.ErrorCode}))
}

// raiseMaxAmount lifts the per-attempt ceiling to the rejected amount so the
// retry is not rejected for the same reason.
func (o *Orchestrator) raiseMaxAmount(ctx context.Context, acct *models.AutodebetAccount, amount int64) error {
	if amount <= acct.MaxAmount {
		return nil
	}
	return o.store.RunInTx(ctx, func(q Queries) error {
		rows, err := q.UpdateAccountMaxAmount(ctx, acct.ID, amount)
		if err != nil {
			return fmt.Errorf("raise account max amount: %w", err)
		}
		if err := requireExactlyOne(rows, "raise account max amount"); err != nil {
			return err
		}
		metadata, _ := json.Marshal(map[string]int64{"from": acct.MaxAmount, "to": amount})
		return o.audit.Write(ctx, q, "autodebet_account", acct.ID, "max_amount_raised", acct.Status, acct.Status, metadata)
	})
}

// accountState probes the wallet balance for async rails. A probe failure is
// reported as 0, which the calculator treats as unknown.
func (o *Orchestrator) accountState(ctx context.Context, acct *models.AutodebetAccount) AccountState {
	state := AccountState{MaxAmount: acct.MaxAmount}
	if !acct.Vendor.IsWallet() {
		return state
	}
	client, ok := o.clients[acct.Vendor]
	if !ok {
		return state
	}
	probeCtx, cancel := context.WithTimeout(ctx, o.policy.VendorTimeout)
	defer cancel()
	balance, err := client.Balance(probeCtx, acct.DBAccountReference)
	if err != nil {
		zap.L().Warn("wallet balance probe failed",
			zap.Error(err),
			zap.String("vendor", acct.Vendor.String()),
			zap.String("account_id", acct.AccountID.String()),
		)
		return state
	}
	state.AvailableBalance = balance
	return state
}

// BatchResult summarizes one scheduler run.
type BatchResult struct {
	Accounts  int
	Succeeded int
	Pending   int
	Failed    int
	Skipped   int
}

// ProcessDueBatch collects everything due today, grouped per account. Each
// account is attempted independently; one failure never blocks the batch.
func (o *Orchestrator) ProcessDueBatch(ctx context.Context, batchSize int32) (*BatchResult, error) {
	day := startOfDay(o.now())
	obligations, err := o.store.Queries().ListDueObligations(ctx, day, batchSize)
	if err != nil {
		return nil, fmt.Errorf("list due obligations: %w", err)
	}

	grouped := make(map[uuid.UUID][]models.CollectionObligation)
	order := make([]uuid.UUID, 0, len(obligations))
	for _, ob := range obligations {
		if _, seen := grouped[ob.AccountID]; !seen {
			order = append(order, ob.AccountID)
		}
		grouped[ob.AccountID] = append(grouped[ob.AccountID], ob)
	}

	result := &BatchResult{Accounts: len(order)}
	for _, accountID := range order {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		v, ok := o.activeVendorFor(ctx, accountID)
		if !ok {
			result.Skipped++
			continue
		}

		res, err := o.Collect(ctx, accountID, v, grouped[accountID])
		switch {
		case err == nil && res.Status == domain.TxStatusPending:
			result.Pending++
		case err == nil:
			result.Succeeded++
		case errors.Is(err, ErrInsufficientAmount), errors.Is(err, ErrDuplicateAttempt), errors.Is(err, ErrNoCapacityToday):
			result.Skipped++
		default:
			result.Failed++
			zap.L().Warn("batch collection attempt failed",
				zap.Error(err),
				zap.String("account_id", accountID.String()),
				zap.String("vendor", v.String()),
			)
		}
	}
	return result, nil
}

// activeVendorFor finds the single vendor the account is registered with.
func (o *Orchestrator) activeVendorFor(ctx context.Context, accountID uuid.UUID) (domain.Vendor, bool) {
	for _, v := range domain.Vendors {
		if _, err := o.store.Queries().GetActiveAccount(ctx, accountID, v); err == nil {
			return v, true
		} else if !errors.Is(err, ErrNotFound) {
			zap.L().Error("active registration lookup failed", zap.Error(err), zap.String("account_id", accountID.String()))
			return "", false
		}
	}
	return "", false
}

func (o *Orchestrator) notify(ctx context.Context, event notification.Event) {
	if err := o.notifier.Notify(ctx, event); err != nil {
		zap.L().Warn("customer notification failed", zap.Error(err), zap.String("type", event.Type))
	}
}

// collectionTransactionID derives the deterministic ledger identity of one
// attempt: same account obligation on the same day always maps to the same
// key, so replays land on the existing row.
func collectionTransactionID(v domain.Vendor, obligationID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("AD-%s-%s-%s", v, obligationID, day.Format("20060102"))
}
