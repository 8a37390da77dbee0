package models

import (
	"time"

	"github.com/autodebet/collection-engine/internal/domain"
	"github.com/google/uuid"
)

// AutodebetAccount is the registration of one customer account with one
// vendor. At most one non-deleted, non-failed row exists per (account, vendor).
// Rows are soft-deleted, never removed.
type AutodebetAccount struct {
	ID                    uuid.UUID
	AccountID             uuid.UUID
	Vendor                domain.Vendor
	RegistrationRequestID string
	Status                string
	IsUseAutodebet        bool
	IsDeleted             bool
	IsSuspended           bool
	DBAccountReference    string
	MaxAmount             int64 // per-attempt ceiling, raised on amount-limit responses
	RetryCount            int
	ActivatedAt           *time.Time
	FailedAt              *time.Time
	FailedReason          string
	DeletedAt             *time.Time
	DeletedReason         string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Active reports whether the registration can be charged against.
func (a *AutodebetAccount) Active() bool {
	return a.Status == domain.RegStatusRegistered && !a.IsDeleted && !a.IsSuspended && a.IsUseAutodebet
}

// CollectionObligation is an amount owed by an account as of a reference date.
// Supplied by the scheduler; read-only to this engine.
type CollectionObligation struct {
	ID          uuid.UUID
	AccountID   uuid.UUID
	DueAmount   int64
	DueDate     time.Time
	PaymentRank int // ordering within a batch, oldest first
}

// LedgerTransaction is the system of record for money movement. TransactionID
// doubles as the idempotency key; at most one row exists per key.
type LedgerTransaction struct {
	TransactionID string
	AccountID     uuid.UUID
	Vendor        domain.Vendor
	Amount        int64
	Status        string
	CreatedAt     time.Time
}

// VendorTransaction shadows the vendor-side lifecycle of one collection
// attempt on an async rail. Settled exactly once, by the synchronous response
// or the later callback, never both.
type VendorTransaction struct {
	ID                       uuid.UUID
	Vendor                   domain.Vendor
	AccountID                uuid.UUID
	OriginalPartnerReference string
	TransactionID            string
	Amount                   int64
	Status                   string
	StatusDesc               string
	IsPartial                bool
	IsEligibleBenefit        bool
	CreatedAt                time.Time
	SettledAt                *time.Time
}

// Benefit is a promotional waiver, consumed at most once per eligible event.
type Benefit struct {
	ID           uuid.UUID
	AccountID    uuid.UUID
	WaiverAmount int64
	Consumed     bool
	ConsumedRef  string
	ExpiresAt    time.Time
}

// PaymentMethod is the shadow record provisioned when a registration
// activates; downstream repayment reads it, this engine only creates it.
type PaymentMethod struct {
	ID                 uuid.UUID
	AccountID          uuid.UUID
	Vendor             domain.Vendor
	AutodebetAccountID uuid.UUID
	Provisioned        bool
	CreatedAt          time.Time
}

// AuditEntry is one immutable record of an account state transition.
type AuditEntry struct {
	ID         int64
	EntityType string
	EntityID   uuid.UUID
	Action     string
	PrevState  string
	NextState  string
	Metadata   []byte
	CreatedAt  time.Time
}
