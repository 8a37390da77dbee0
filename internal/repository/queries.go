package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/autodebet/collection-engine/internal/collection"
	"github.com/autodebet/collection-engine/internal/domain"
	"github.com/autodebet/collection-engine/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolationCode = "23505"

// Queries is the Postgres implementation of collection.Queries.
type Queries struct {
	db DBTX
}

func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// mapErr translates driver errors into the storage sentinels callers match on.
func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return collection.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return collection.ErrDuplicateTransaction
	}
	return err
}

const accountColumns = `id, account_id, vendor, registration_request_id, status, is_use_autodebet,
	is_deleted, is_suspended, db_account_reference, max_amount, retry_count,
	activated_at, failed_at, failed_reason, deleted_at, deleted_reason, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.AutodebetAccount, error) {
	acct := &models.AutodebetAccount{}
	err := row.Scan(
		&acct.ID, &acct.AccountID, &acct.Vendor, &acct.RegistrationRequestID, &acct.Status,
		&acct.IsUseAutodebet, &acct.IsDeleted, &acct.IsSuspended, &acct.DBAccountReference,
		&acct.MaxAmount, &acct.RetryCount, &acct.ActivatedAt, &acct.FailedAt, &acct.FailedReason,
		&acct.DeletedAt, &acct.DeletedReason, &acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	return acct, nil
}

func (q *Queries) CreateAutodebetAccount(ctx context.Context, acct *models.AutodebetAccount) error {
	query := `
		INSERT INTO autodebet_accounts (
			id, account_id, vendor, registration_request_id, status,
			is_use_autodebet, db_account_reference, max_amount, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`
	_, err := q.db.Exec(ctx, query,
		acct.ID, acct.AccountID, acct.Vendor, acct.RegistrationRequestID, acct.Status,
		acct.IsUseAutodebet, acct.DBAccountReference, acct.MaxAmount, acct.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create autodebet account: %w", mapErr(err))
	}
	return nil
}

func (q *Queries) GetAutodebetAccount(ctx context.Context, id uuid.UUID) (*models.AutodebetAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM autodebet_accounts WHERE id = $1`
	return scanAccount(q.db.QueryRow(ctx, query, id))
}

func (q *Queries) GetActiveAccount(ctx context.Context, accountID uuid.UUID, vendor domain.Vendor) (*models.AutodebetAccount, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM autodebet_accounts
		WHERE account_id = $1 AND vendor = $2 AND status = $3
			AND NOT is_deleted AND NOT is_suspended AND is_use_autodebet
		ORDER BY activated_at DESC
		LIMIT 1
	`
	return scanAccount(q.db.QueryRow(ctx, query, accountID, vendor, domain.RegStatusRegistered))
}

func (q *Queries) GetOpenRegistration(ctx context.Context, accountID uuid.UUID, vendor domain.Vendor) (*models.AutodebetAccount, error) {
	// SUSPENDED does not block a fresh cycle; the replacement registration
	// supersedes the suspended row when it activates.
	query := `
		SELECT ` + accountColumns + `
		FROM autodebet_accounts
		WHERE account_id = $1 AND vendor = $2 AND NOT is_deleted
			AND status NOT IN ($3, $4, $5, $6)
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanAccount(q.db.QueryRow(ctx, query, accountID, vendor,
		domain.RegStatusFailedRegistration, domain.RegStatusRejected, domain.RegStatusRevoked,
		domain.RegStatusSuspended))
}

func (q *Queries) GetRevocableAccount(ctx context.Context, accountID uuid.UUID, vendor domain.Vendor) (*models.AutodebetAccount, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM autodebet_accounts
		WHERE account_id = $1 AND vendor = $2 AND status IN ($3, $4) AND NOT is_deleted
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanAccount(q.db.QueryRow(ctx, query, accountID, vendor,
		domain.RegStatusRegistered, domain.RegStatusSuspended))
}

func (q *Queries) ListActiveAccounts(ctx context.Context, accountID uuid.UUID, vendor domain.Vendor) ([]models.AutodebetAccount, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM autodebet_accounts
		WHERE account_id = $1 AND vendor = $2 AND status IN ($3, $4) AND NOT is_deleted
	`
	rows, err := q.db.Query(ctx, query, accountID, vendor, domain.RegStatusRegistered, domain.RegStatusSuspended)
	if err != nil {
		return nil, fmt.Errorf("failed to list active accounts: %w", mapErr(err))
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func (q *Queries) ListPendingRegistrations(ctx context.Context, limit int32) ([]models.AutodebetAccount, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM autodebet_accounts
		WHERE status IN ($1, $2) AND NOT is_deleted
		ORDER BY created_at
		LIMIT $3
	`
	rows, err := q.db.Query(ctx, query, domain.RegStatusRequested, domain.RegStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending registrations: %w", mapErr(err))
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func collectAccounts(rows pgx.Rows) ([]models.AutodebetAccount, error) {
	var accounts []models.AutodebetAccount
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan autodebet account: %w", err)
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

func (q *Queries) CountRevokedAccounts(ctx context.Context, accountID uuid.UUID, vendor domain.Vendor) (int64, error) {
	query := `SELECT COUNT(*) FROM autodebet_accounts WHERE account_id = $1 AND vendor = $2 AND status = $3`
	var count int64
	if err := q.db.QueryRow(ctx, query, accountID, vendor, domain.RegStatusRevoked).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count revoked accounts: %w", mapErr(err))
	}
	return count, nil
}

func (q *Queries) MarkRegistrationPending(ctx context.Context, id uuid.UUID) (int64, error) {
	query := `UPDATE autodebet_accounts SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3`
	tag, err := q.db.Exec(ctx, query, id, domain.RegStatusPending, domain.RegStatusRequested)
	if err != nil {
		return 0, fmt.Errorf("failed to mark registration pending: %w", mapErr(err))
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) MarkRegistered(ctx context.Context, id uuid.UUID, reference string, activatedAt time.Time) (int64, error) {
	query := `
		UPDATE autodebet_accounts
		SET status = $2, is_use_autodebet = TRUE, is_suspended = FALSE,
			db_account_reference = $3, activated_at = $4, updated_at = NOW()
		WHERE id = $1 AND status IN ($5, $6)
	`
	tag, err := q.db.Exec(ctx, query, id, domain.RegStatusRegistered, reference, activatedAt,
		domain.RegStatusRequested, domain.RegStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to mark registered: %w", mapErr(err))
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) MarkRegistrationFailed(ctx context.Context, id uuid.UUID, reason string, failedAt time.Time) (int64, error) {
	query := `
		UPDATE autodebet_accounts
		SET status = $2, is_use_autodebet = FALSE, is_suspended = FALSE,
			failed_reason = $3, failed_at = $4, updated_at = NOW()
		WHERE id = $1 AND status IN ($5, $6, $7, $8)
	`
	tag, err := q.db.Exec(ctx, query, id, domain.RegStatusFailedRegistration, reason, failedAt,
		domain.RegStatusRequested, domain.RegStatusPending, domain.RegStatusRegistered,
		domain.RegStatusSuspended)
	if err != nil {
		return 0, fmt.Errorf("failed to mark registration failed: %w", mapErr(err))
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) IncrementRegistrationRetry(ctx context.Context, id uuid.UUID) (int64, error) {
	query := `UPDATE autodebet_accounts SET retry_count = retry_count + 1, updated_at = NOW() WHERE id = $1`
	tag, err := q.db.Exec(ctx, query, id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment registration retry: %w", mapErr(err))
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) SuspendAccount(ctx context.Context, id uuid.UUID) (int64, error) {
	query := `
		UPDATE autodebet_accounts
		SET status = $2, is_suspended = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`
	tag, err := q.db.Exec(ctx, query, id, domain.RegStatusSuspended, domain.RegStatusRegistered)
	if err != nil {
		return 0, fmt.Errorf("failed to suspend account: %w", mapErr(err))
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) RevokeAccount(ctx context.Context, id uuid.UUID, reason string, deletedAt time.Time) (int64, error) {
	query := `
		UPDATE autodebet_accounts
		SET status = $2, is_deleted = TRUE, is_use_autodebet = FALSE,
			deleted_reason = $3, deleted_at = $4, updated_at = NOW()
		WHERE id = $1 AND status IN ($5, $6)
	`
	tag, err := q.db.Exec(ctx, query, id, domain.RegStatusRevoked, reason, deletedAt,
		domain.RegStatusRegistered, domain.RegStatusSuspended)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke account: %w", mapErr(err))
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) UpdateAccountMaxAmount(ctx context.Context, id uuid.UUID, maxAmount int64) (int64, error) {
	query := `UPDATE autodebet_accounts SET max_amount = $2, updated_at = NOW() WHERE id = $1`
	tag, err := q.db.Exec(ctx, query, id, maxAmount)
	if err != nil {
		return 0, fmt.Errorf("failed to update account max amount: %w", mapErr(err))
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) CreateLedgerTransaction(ctx context.Context, tx *models.LedgerTransaction) error {
	query := `
		INSERT INTO ledger_transactions (transaction_id, account_id, vendor, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := q.db.Exec(ctx, query, tx.TransactionID, tx.AccountID, tx.Vendor, tx.Amount, tx.Status, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create ledger transaction: %w", mapErr(err))
	}
	return nil
}

func (q *Queries) GetLedgerTransaction(ctx context.Context, transactionID string) (*models.LedgerTransaction, error) {
	tx := &models.LedgerTransaction{}
	query := `
		SELECT transaction_id, account_id, vendor, amount, status, created_at
		FROM ledger_transactions
		WHERE transaction_id = $1
	`
	err := q.db.QueryRow(ctx, query, transactionID).Scan(
		&tx.TransactionID, &tx.AccountID, &tx.Vendor, &tx.Amount, &tx.Status, &tx.CreatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	return tx, nil
}

func (q *Queries) UpdateLedgerTransactionStatus(ctx context.Context, transactionID, status string) (int64, error) {
	// Only PENDING rows move; a settled ledger row is immutable.
	query := `UPDATE ledger_transactions SET status = $2 WHERE transaction_id = $1 AND status = $3`
	tag, err := q.db.Exec(ctx, query, transactionID, status, domain.TxStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to update ledger transaction status: %w", mapErr(err))
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) CreateVendorTransaction(ctx context.Context, vt *models.VendorTransaction) error {
	query := `
		INSERT INTO vendor_transactions (
			id, vendor, account_id, original_partner_reference, transaction_id,
			amount, status, status_desc, is_partial, is_eligible_benefit, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := q.db.Exec(ctx, query,
		vt.ID, vt.Vendor, vt.AccountID, vt.OriginalPartnerReference, vt.TransactionID,
		vt.Amount, vt.Status, vt.StatusDesc, vt.IsPartial, vt.IsEligibleBenefit, vt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create vendor transaction: %w", mapErr(err))
	}
	return nil
}

func (q *Queries) GetVendorTransactionByRef(ctx context.Context, vendor domain.Vendor, partnerReference string) (*models.VendorTransaction, error) {
	vt := &models.VendorTransaction{}
	query := `
		SELECT id, vendor, account_id, original_partner_reference, transaction_id,
			amount, status, status_desc, is_partial, is_eligible_benefit, created_at, settled_at
		FROM vendor_transactions
		WHERE vendor = $1 AND original_partner_reference = $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	err := q.db.QueryRow(ctx, query, vendor, partnerReference).Scan(
		&vt.ID, &vt.Vendor, &vt.AccountID, &vt.OriginalPartnerReference, &vt.TransactionID,
		&vt.Amount, &vt.Status, &vt.StatusDesc, &vt.IsPartial, &vt.IsEligibleBenefit,
		&vt.CreatedAt, &vt.SettledAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	return vt, nil
}

func (q *Queries) SettleVendorTransaction(ctx context.Context, vendor domain.Vendor, partnerReference, status, statusDesc string, settledAt time.Time) (int64, error) {
	// PENDING and UNKNOWN rows settle exactly once; replays affect 0 rows.
	query := `
		UPDATE vendor_transactions
		SET status = $3, status_desc = $4, settled_at = $5
		WHERE vendor = $1 AND original_partner_reference = $2 AND status IN ($6, $7)
	`
	tag, err := q.db.Exec(ctx, query, vendor, partnerReference, status, statusDesc, settledAt,
		domain.VendorTxStatusPending, domain.VendorTxStatusUnknown)
	if err != nil {
		return 0, fmt.Errorf("failed to settle vendor transaction: %w", mapErr(err))
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) UpdateVendorTransactionStatusDesc(ctx context.Context, vendor domain.Vendor, partnerReference, statusDesc string) (int64, error) {
	query := `UPDATE vendor_transactions SET status_desc = $3 WHERE vendor = $1 AND original_partner_reference = $2`
	tag, err := q.db.Exec(ctx, query, vendor, partnerReference, statusDesc)
	if err != nil {
		return 0, fmt.Errorf("failed to update vendor transaction status desc: %w", mapErr(err))
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) SumVendorCollectedOn(ctx context.Context, accountReference string, vendor domain.Vendor, day time.Time) (int64, error) {
	// Pending rows count against the cap until they settle as failed.
	query := `
		SELECT COALESCE(SUM(vt.amount), 0)
		FROM vendor_transactions vt
		JOIN autodebet_accounts aa
			ON aa.account_id = vt.account_id AND aa.vendor = vt.vendor
		WHERE aa.db_account_reference = $1 AND vt.vendor = $2
			AND vt.status IN ($3, $4)
			AND vt.created_at >= $5 AND vt.created_at < $5 + INTERVAL '1 day'
	`
	var total int64
	err := q.db.QueryRow(ctx, query, accountReference, vendor,
		domain.VendorTxStatusPending, domain.VendorTxStatusSuccess, day).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum vendor collected: %w", mapErr(err))
	}
	return total, nil
}

func (q *Queries) CountVendorTransactionsOn(ctx context.Context, accountID uuid.UUID, vendor domain.Vendor, day time.Time) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM vendor_transactions
		WHERE account_id = $1 AND vendor = $2
			AND created_at >= $3 AND created_at < $3 + INTERVAL '1 day'
	`
	var count int64
	if err := q.db.QueryRow(ctx, query, accountID, vendor, day).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count vendor transactions: %w", mapErr(err))
	}
	return count, nil
}

func (q *Queries) GetActiveBenefit(ctx context.Context, accountID uuid.UUID) (*models.Benefit, error) {
	benefit := &models.Benefit{}
	query := `
		SELECT id, account_id, waiver_amount, consumed, consumed_ref, expires_at
		FROM benefits
		WHERE account_id = $1 AND NOT consumed AND expires_at > NOW()
		ORDER BY expires_at
		LIMIT 1
	`
	err := q.db.QueryRow(ctx, query, accountID).Scan(
		&benefit.ID, &benefit.AccountID, &benefit.WaiverAmount,
		&benefit.Consumed, &benefit.ConsumedRef, &benefit.ExpiresAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	return benefit, nil
}

func (q *Queries) ConsumeBenefit(ctx context.Context, benefitID uuid.UUID, consumedRef string, eventAmount int64) (int64, error) {
	query := `
		UPDATE benefits
		SET consumed = TRUE, consumed_ref = $2, consumed_amount = $3
		WHERE id = $1 AND NOT consumed
	`
	tag, err := q.db.Exec(ctx, query, benefitID, consumedRef, eventAmount)
	if err != nil {
		return 0, fmt.Errorf("failed to consume benefit: %w", mapErr(err))
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) CreatePaymentMethod(ctx context.Context, pm *models.PaymentMethod) error {
	query := `
		INSERT INTO payment_methods (id, account_id, vendor, autodebet_account_id, provisioned, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := q.db.Exec(ctx, query, pm.ID, pm.AccountID, pm.Vendor, pm.AutodebetAccountID, pm.Provisioned, pm.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payment method: %w", mapErr(err))
	}
	return nil
}

func (q *Queries) ListDueObligations(ctx context.Context, day time.Time, limit int32) ([]models.CollectionObligation, error) {
	query := `
		SELECT id, account_id, due_amount, due_date, payment_rank
		FROM collection_obligations
		WHERE due_date <= $1 AND NOT collected
		ORDER BY due_date, payment_rank
		LIMIT $2
	`
	rows, err := q.db.Query(ctx, query, day, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due obligations: %w", mapErr(err))
	}
	defer rows.Close()

	var obligations []models.CollectionObligation
	for rows.Next() {
		var ob models.CollectionObligation
		if err := rows.Scan(&ob.ID, &ob.AccountID, &ob.DueAmount, &ob.DueDate, &ob.PaymentRank); err != nil {
			return nil, fmt.Errorf("failed to scan obligation: %w", err)
		}
		obligations = append(obligations, ob)
	}
	return obligations, rows.Err()
}

func (q *Queries) InsertAuditLog(ctx context.Context, entry models.AuditEntry) error {
	query := `
		INSERT INTO audit_logs (entity_type, entity_id, action, prev_state, next_state, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := q.db.Exec(ctx, query,
		entry.EntityType, entry.EntityID, entry.Action, entry.PrevState,
		entry.NextState, entry.Metadata, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", mapErr(err))
	}
	return nil
}
