package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/autodebet/collection-engine/internal/domain"
	"github.com/autodebet/collection-engine/internal/models"
	"github.com/google/uuid"
)

// Storage-level sentinels shared by every Store implementation.
var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateTransaction is returned by CreateLedgerTransaction when a
	// row for the transaction id already exists. Callers treat it as
	// already-processed, not as a failure.
	ErrDuplicateTransaction = errors.New("ledger transaction already exists")
)

// Queries is the data access contract the engine requires. The repository
// package provides the Postgres implementation; tests use an in-memory one.
type Queries interface {
	// Autodebet registrations.
	CreateAutodebetAccount(ctx context.Context, acct *models.AutodebetAccount) error
	GetAutodebetAccount(ctx context.Context, id uuid.UUID) (*models.AutodebetAccount, error)
	GetActiveAccount(ctx context.Context, accountID uuid.UUID, vendor domain.Vendor) (*models.AutodebetAccount, error)
	GetOpenRegistration(ctx context.Context, accountID uuid.UUID, vendor domain.Vendor) (*models.AutodebetAccount, error)
	GetRevocableAccount(ctx context.Context, accountID uuid.UUID, vendor domain.Vendor) (*models.AutodebetAccount, error)
	ListActiveAccounts(ctx context.Context, accountID uuid.UUID, vendor domain.Vendor) ([]models.AutodebetAccount, error)
	ListPendingRegistrations(ctx context.Context, limit int32) ([]models.AutodebetAccount, error)
	CountRevokedAccounts(ctx context.Context, accountID uuid.UUID, vendor domain.Vendor) (int64, error)
	MarkRegistrationPending(ctx context.Context, id uuid.UUID) (int64, error)
	MarkRegistered(ctx context.Context, id uuid.UUID, reference string, activatedAt time.Time) (int64, error)
	MarkRegistrationFailed(ctx context.Context, id uuid.UUID, reason string, failedAt time.Time) (int64, error)
	IncrementRegistrationRetry(ctx context.Context, id uuid.UUID) (int64, error)
	SuspendAccount(ctx context.Context, id uuid.UUID) (int64, error)
	RevokeAccount(ctx context.Context, id uuid.UUID, reason string, deletedAt time.Time) (int64, error)
	UpdateAccountMaxAmount(ctx context.Context, id uuid.UUID, maxAmount int64) (int64, error)

	// Ledger.
	CreateLedgerTransaction(ctx context.Context, tx *models.LedgerTransaction) error
	GetLedgerTransaction(ctx context.Context, transactionID string) (*models.LedgerTransaction, error)
	UpdateLedgerTransactionStatus(ctx context.Context, transactionID, status string) (int64, error)

	// Vendor shadow transactions.
	CreateVendorTransaction(ctx context.Context, vt *models.VendorTransaction) error
	GetVendorTransactionByRef(ctx context.Context, vendor domain.Vendor, partnerReference string) (*models.VendorTransaction, error)
	SettleVendorTransaction(ctx context.Context, vendor domain.Vendor, partnerReference, status, statusDesc string, settledAt time.Time) (int64, error)
	UpdateVendorTransactionStatusDesc(ctx context.Context, vendor domain.Vendor, partnerReference, statusDesc string) (int64, error)
	SumVendorCollectedOn(ctx context.Context, accountReference string, vendor domain.Vendor, day time.Time) (int64, error)
	CountVendorTransactionsOn(ctx context.Context, accountID uuid.UUID, vendor domain.Vendor, day time.Time) (int64, error)

	// Benefits.
	GetActiveBenefit(ctx context.Context, accountID uuid.UUID) (*models.Benefit, error)
	ConsumeBenefit(ctx context.Context, benefitID uuid.UUID, consumedRef string, eventAmount int64) (int64, error)

	// Shadow payment methods.
	CreatePaymentMethod(ctx context.Context, pm *models.PaymentMethod) error

	// Due obligations supplied by the scheduler.
	ListDueObligations(ctx context.Context, day time.Time, limit int32) ([]models.CollectionObligation, error)

	// Audit trail.
	InsertAuditLog(ctx context.Context, entry models.AuditEntry) error
}

// Store defines the minimal transactional data access contract required by
// the engine. RunInTx commits all-or-nothing.
type Store interface {
	Queries() Queries
	RunInTx(ctx context.Context, fn func(q Queries) error) error
}

// requireExactlyOne guards targeted updates: anything other than a single
// affected row indicates a lost race or a stale id and aborts the transaction.
func requireExactlyOne(rows int64, op string) error {
	if rows != 1 {
		return fmt.Errorf("%s affected %d rows, want 1", op, rows)
	}
	return nil
}
