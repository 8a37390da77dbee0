package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types published to the customer notification pipeline. Registration
// failures and suspensions always notify; transient technical failures never
// reach this package.
const (
	EventRegistrationActivated = "autodebet.registration.activated"
	EventRegistrationFailed    = "autodebet.registration.failed"
	EventAccountSuspended      = "autodebet.account.suspended"
	EventAccountRevoked        = "autodebet.account.revoked"
	EventCollectionSucceeded   = "autodebet.collection.succeeded"
)

// Event is one customer-facing notification.
type Event struct {
	Type      string    `json:"type"`
	AccountID uuid.UUID `json:"account_id"`
	Vendor    string    `json:"vendor"`
	Amount    int64     `json:"amount,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers customer notifications. Delivery is best effort; callers
// must not fail a financial operation on a notification error.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
	Close()
}
