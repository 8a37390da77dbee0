package collection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/autodebet/collection-engine/internal/domain"
	"github.com/autodebet/collection-engine/internal/models"
	"github.com/google/uuid"
)

// fakeStore is an in-memory Store with snapshot-based transaction rollback.
type fakeStore struct {
	q *fakeQueries
}

func newFakeStore() *fakeStore {
	return &fakeStore{q: &fakeQueries{
		accounts: make(map[uuid.UUID]*models.AutodebetAccount),
		ledgers:  make(map[string]*models.LedgerTransaction),
		benefits: make(map[uuid.UUID]*models.Benefit),
	}}
}

func (s *fakeStore) Queries() Queries { return s.q }

func (s *fakeStore) RunInTx(ctx context.Context, fn func(q Queries) error) error {
	s.q.mu.Lock()
	snapshot := s.q.clone()
	s.q.mu.Unlock()

	if err := fn(s.q); err != nil {
		s.q.mu.Lock()
		s.q.restore(snapshot)
		s.q.mu.Unlock()
		return err
	}
	return nil
}

type fakeQueries struct {
	mu             sync.Mutex
	accounts       map[uuid.UUID]*models.AutodebetAccount
	ledgers        map[string]*models.LedgerTransaction
	vendorTxs      []*models.VendorTransaction
	benefits       map[uuid.UUID]*models.Benefit
	paymentMethods []models.PaymentMethod
	obligations    []models.CollectionObligation
	audits         []models.AuditEntry
}

func (f *fakeQueries) clone() *fakeQueries {
	c := &fakeQueries{
		accounts: make(map[uuid.UUID]*models.AutodebetAccount, len(f.accounts)),
		ledgers:  make(map[string]*models.LedgerTransaction, len(f.ledgers)),
		benefits: make(map[uuid.UUID]*models.Benefit, len(f.benefits)),
	}
	for id, a := range f.accounts {
		cp := *a
		c.accounts[id] = &cp
	}
	for id, l := range f.ledgers {
		cp := *l
		c.ledgers[id] = &cp
	}
	for id, b := range f.benefits {
		cp := *b
		c.benefits[id] = &cp
	}
	for _, vt := range f.vendorTxs {
		cp := *vt
		c.vendorTxs = append(c.vendorTxs, &cp)
	}
	c.paymentMethods = append(c.paymentMethods, f.paymentMethods...)
	c.obligations = append(c.obligations, f.obligations...)
	c.audits = append(c.audits, f.audits...)
	return c
}

func (f *fakeQueries) restore(snapshot *fakeQueries) {
	f.accounts = snapshot.accounts
	f.ledgers = snapshot.ledgers
	f.benefits = snapshot.benefits
	f.vendorTxs = snapshot.vendorTxs
	f.paymentMethods = snapshot.paymentMethods
	f.obligations = snapshot.obligations
	f.audits = snapshot.audits
}

func (f *fakeQueries) CreateAutodebetAccount(_ context.Context, acct *models.AutodebetAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *acct
	f.accounts[acct.ID] = &cp
	return nil
}

func (f *fakeQueries) GetAutodebetAccount(_ context.Context, id uuid.UUID) (*models.AutodebetAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (f *fakeQueries) GetActiveAccount(_ context.Context, accountID uuid.UUID, vendor domain.Vendor) (*models.AutodebetAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, acct := range f.accounts {
		if acct.AccountID == accountID && acct.Vendor == vendor && acct.Active() {
			cp := *acct
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeQueries) GetOpenRegistration(_ context.Context, accountID uuid.UUID, vendor domain.Vendor) (*models.AutodebetAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, acct := range f.accounts {
		if acct.AccountID != accountID || acct.Vendor != vendor || acct.IsDeleted {
			continue
		}
		switch acct.Status {
		case domain.RegStatusFailedRegistration, domain.RegStatusRejected, domain.RegStatusRevoked, domain.RegStatusSuspended:
			continue
		}
		cp := *acct
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (f *fakeQueries) GetRevocableAccount(_ context.Context, accountID uuid.UUID, vendor domain.Vendor) (*models.AutodebetAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, acct := range f.accounts {
		if acct.AccountID != accountID || acct.Vendor != vendor || acct.IsDeleted {
			continue
		}
		if acct.Status == domain.RegStatusRegistered || acct.Status == domain.RegStatusSuspended {
			cp := *acct
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeQueries) ListActiveAccounts(_ context.Context, accountID uuid.UUID, vendor domain.Vendor) ([]models.AutodebetAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AutodebetAccount
	for _, acct := range f.accounts {
		if acct.AccountID != accountID || acct.Vendor != vendor || acct.IsDeleted {
			continue
		}
		if acct.Status == domain.RegStatusRegistered || acct.Status == domain.RegStatusSuspended {
			out = append(out, *acct)
		}
	}
	return out, nil
}

func (f *fakeQueries) ListPendingRegistrations(_ context.Context, limit int32) ([]models.AutodebetAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AutodebetAccount
	for _, acct := range f.accounts {
		if acct.IsDeleted {
			continue
		}
		if acct.Status == domain.RegStatusRequested || acct.Status == domain.RegStatusPending {
			out = append(out, *acct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeQueries) CountRevokedAccounts(_ context.Context, accountID uuid.UUID, vendor domain.Vendor) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, acct := range f.accounts {
		if acct.AccountID == accountID && acct.Vendor == vendor && acct.Status == domain.RegStatusRevoked {
			count++
		}
	}
	return count, nil
}

func (f *fakeQueries) MarkRegistrationPending(_ context.Context, id uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[id]
	if !ok || acct.Status != domain.RegStatusRequested {
		return 0, nil
	}
	acct.Status = domain.RegStatusPending
	return 1, nil
}

func (f *fakeQueries) MarkRegistered(_ context.Context, id uuid.UUID, reference string, activatedAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[id]
	if !ok || (acct.Status != domain.RegStatusRequested && acct.Status != domain.RegStatusPending) {
		return 0, nil
	}
	acct.Status = domain.RegStatusRegistered
	acct.IsUseAutodebet = true
	acct.IsSuspended = false
	acct.DBAccountReference = reference
	acct.ActivatedAt = &activatedAt
	return 1, nil
}

func (f *fakeQueries) MarkRegistrationFailed(_ context.Context, id uuid.UUID, reason string, failedAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[id]
	if !ok {
		return 0, nil
	}
	switch acct.Status {
	case domain.RegStatusRequested, domain.RegStatusPending, domain.RegStatusRegistered, domain.RegStatusSuspended:
	default:
		return 0, nil
	}
	acct.Status = domain.RegStatusFailedRegistration
	acct.IsUseAutodebet = false
	acct.IsSuspended = false
	acct.FailedReason = reason
	acct.FailedAt = &failedAt
	return 1, nil
}

func (f *fakeQueries) IncrementRegistrationRetry(_ context.Context, id uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[id]
	if !ok {
		return 0, nil
	}
	acct.RetryCount++
	return 1, nil
}

func (f *fakeQueries) SuspendAccount(_ context.Context, id uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[id]
	if !ok || acct.Status != domain.RegStatusRegistered {
		return 0, nil
	}
	acct.Status = domain.RegStatusSuspended
	acct.IsSuspended = true
	return 1, nil
}

func (f *fakeQueries) RevokeAccount(_ context.Context, id uuid.UUID, reason string, deletedAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[id]
	if !ok || (acct.Status != domain.RegStatusRegistered && acct.Status != domain.RegStatusSuspended) {
		return 0, nil
	}
	acct.Status = domain.RegStatusRevoked
	acct.IsDeleted = true
	acct.IsUseAutodebet = false
	acct.DeletedReason = reason
	acct.DeletedAt = &deletedAt
	return 1, nil
}

func (f *fakeQueries) UpdateAccountMaxAmount(_ context.Context, id uuid.UUID, maxAmount int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[id]
	if !ok {
		return 0, nil
	}
	acct.MaxAmount = maxAmount
	return 1, nil
}

func (f *fakeQueries) CreateLedgerTransaction(_ context.Context, tx *models.LedgerTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.ledgers[tx.TransactionID]; exists {
		return ErrDuplicateTransaction
	}
	cp := *tx
	f.ledgers[tx.TransactionID] = &cp
	return nil
}

func (f *fakeQueries) GetLedgerTransaction(_ context.Context, transactionID string) (*models.LedgerTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.ledgers[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (f *fakeQueries) UpdateLedgerTransactionStatus(_ context.Context, transactionID, status string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.ledgers[transactionID]
	if !ok || tx.Status != domain.TxStatusPending {
		return 0, nil
	}
	tx.Status = status
	return 1, nil
}

func (f *fakeQueries) CreateVendorTransaction(_ context.Context, vt *models.VendorTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *vt
	f.vendorTxs = append(f.vendorTxs, &cp)
	return nil
}

func (f *fakeQueries) GetVendorTransactionByRef(_ context.Context, vendor domain.Vendor, partnerReference string) (*models.VendorTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.vendorTxs) - 1; i >= 0; i-- {
		vt := f.vendorTxs[i]
		if vt.Vendor == vendor && vt.OriginalPartnerReference == partnerReference {
			cp := *vt
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeQueries) SettleVendorTransaction(_ context.Context, vendor domain.Vendor, partnerReference, status, statusDesc string, settledAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rows int64
	for _, vt := range f.vendorTxs {
		if vt.Vendor != vendor || vt.OriginalPartnerReference != partnerReference {
			continue
		}
		if vt.Status != domain.VendorTxStatusPending && vt.Status != domain.VendorTxStatusUnknown {
			continue
		}
		vt.Status = status
		vt.StatusDesc = statusDesc
		at := settledAt
		vt.SettledAt = &at
		rows++
	}
	return rows, nil
}

func (f *fakeQueries) UpdateVendorTransactionStatusDesc(_ context.Context, vendor domain.Vendor, partnerReference, statusDesc string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rows int64
	for _, vt := range f.vendorTxs {
		if vt.Vendor == vendor && vt.OriginalPartnerReference == partnerReference {
			vt.StatusDesc = statusDesc
			rows++
		}
	}
	return rows, nil
}

func (f *fakeQueries) SumVendorCollectedOn(_ context.Context, accountReference string, vendor domain.Vendor, day time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := f.accountIDForReference(accountReference, vendor)
	var total int64
	for _, vt := range f.vendorTxs {
		if vt.Vendor != vendor || vt.AccountID != ref {
			continue
		}
		if vt.Status != domain.VendorTxStatusPending && vt.Status != domain.VendorTxStatusSuccess {
			continue
		}
		if vt.CreatedAt.Before(day) || !vt.CreatedAt.Before(day.Add(24*time.Hour)) {
			continue
		}
		total += vt.Amount
	}
	return total, nil
}

func (f *fakeQueries) accountIDForReference(accountReference string, vendor domain.Vendor) uuid.UUID {
	for _, acct := range f.accounts {
		if acct.DBAccountReference == accountReference && acct.Vendor == vendor {
			return acct.AccountID
		}
	}
	return uuid.Nil
}

func (f *fakeQueries) CountVendorTransactionsOn(_ context.Context, accountID uuid.UUID, vendor domain.Vendor, day time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, vt := range f.vendorTxs {
		if vt.Vendor != vendor || vt.AccountID != accountID {
			continue
		}
		if vt.CreatedAt.Before(day) || !vt.CreatedAt.Before(day.Add(24*time.Hour)) {
			continue
		}
		count++
	}
	return count, nil
}

func (f *fakeQueries) GetActiveBenefit(_ context.Context, accountID uuid.UUID) (*models.Benefit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.benefits {
		if b.AccountID == accountID && !b.Consumed && b.ExpiresAt.After(time.Now()) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeQueries) ConsumeBenefit(_ context.Context, benefitID uuid.UUID, consumedRef string, eventAmount int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.benefits[benefitID]
	if !ok || b.Consumed {
		return 0, nil
	}
	b.Consumed = true
	b.ConsumedRef = consumedRef
	return 1, nil
}

func (f *fakeQueries) CreatePaymentMethod(_ context.Context, pm *models.PaymentMethod) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paymentMethods = append(f.paymentMethods, *pm)
	return nil
}

func (f *fakeQueries) ListDueObligations(_ context.Context, day time.Time, limit int32) ([]models.CollectionObligation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CollectionObligation
	for _, ob := range f.obligations {
		if !ob.DueDate.After(day) {
			out = append(out, ob)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].PaymentRank < out[j].PaymentRank
		}
		return out[i].DueDate.Before(out[j].DueDate)
	})
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeQueries) InsertAuditLog(_ context.Context, entry models.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, entry)
	return nil
}

// vendorTxByRef is a test helper to inspect shadow rows.
func (f *fakeQueries) vendorTxByRef(ref string) *models.VendorTransaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.vendorTxs) - 1; i >= 0; i-- {
		if f.vendorTxs[i].OriginalPartnerReference == ref {
			cp := *f.vendorTxs[i]
			return &cp
		}
	}
	return nil
}

// auditActions lists recorded audit actions in order.
func (f *fakeQueries) auditActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	actions := make([]string, 0, len(f.audits))
	for _, a := range f.audits {
		actions = append(actions, a.Action)
	}
	return actions
}
