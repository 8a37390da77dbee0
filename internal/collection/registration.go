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

var registrationTransitions = map[string]map[string]struct{}{
	domain.RegStatusRequested: {
		domain.RegStatusPending:            {},
		domain.RegStatusRegistered:         {},
		domain.RegStatusFailedRegistration: {},
		domain.RegStatusRejected:           {},
	},
	domain.RegStatusPending: {
		domain.RegStatusRegistered:         {},
		domain.RegStatusFailedRegistration: {},
		domain.RegStatusRejected:           {},
	},
	domain.RegStatusRegistered: {
		domain.RegStatusRevoked:   {},
		domain.RegStatusSuspended: {},
	},
	domain.RegStatusSuspended: {
		domain.RegStatusRegistered: {},
		domain.RegStatusRevoked:    {},
	},
	// Terminal states require a fresh REQUESTED cycle.
	domain.RegStatusFailedRegistration: {},
	domain.RegStatusRejected:           {},
	domain.RegStatusRevoked:            {},
}

func canTransitionRegistration(current, next string) bool {
	nextStates, ok := registrationTransitions[current]
	if !ok {
		return false
	}
	_, ok = nextStates[next]
	return ok
}

// ReconcileResult tells the caller what happened to one registration.
type ReconcileResult struct {
	Status     string
	Reschedule bool
}

// Reconciler aligns local registration state with vendor-side truth polled
// from the registration inquiry endpoint.
type Reconciler struct {
	store    Store
	clients  map[domain.Vendor]vendor.Client
	locker   lock.Locker
	notifier notification.Notifier
	audit    *AuditService
	policy   config.CollectionPolicy
	now      func() time.Time
}

func NewReconciler(store Store, clients map[domain.Vendor]vendor.Client, locker lock.Locker, notifier notification.Notifier, policy config.CollectionPolicy) *Reconciler {
	return &Reconciler{
		store:    store,
		clients:  clients,
		locker:   locker,
		notifier: notifier,
		audit:    NewAuditService(),
		policy:   policy,
		now:      time.Now,
	}
}

// Register opens a fresh REQUESTED registration cycle for (account, vendor).
// At most one open registration may exist per pair; a SUSPENDED row does not
// block a new cycle and is superseded when the new registration activates.
func (r *Reconciler) Register(ctx context.Context, accountID uuid.UUID, v domain.Vendor) (*models.AutodebetAccount, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("unsupported vendor %q", v)
	}

	release, err := r.locker.Acquire(ctx, accountLockKey(accountID, v), r.policy.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			observability.IncrementLockContention("registration")
			return nil, ErrDuplicateAttempt
		}
		return nil, err
	}
	defer release()

	if _, err := r.store.Queries().GetOpenRegistration(ctx, accountID, v); err == nil {
		return nil, fmt.Errorf("open registration exists for %s/%s: %w", accountID, v, ErrDuplicateAttempt)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("check open registration: %w", err)
	}

	acct := &models.AutodebetAccount{
		ID:                    uuid.New(),
		AccountID:             accountID,
		Vendor:                v,
		RegistrationRequestID: uuid.NewString(),
		Status:                domain.RegStatusRequested,
		MaxAmount:             r.policy.MandiriDefaultMax,
		CreatedAt:             r.now(),
	}
	err = r.store.RunInTx(ctx, func(q Queries) error {
		if err := q.CreateAutodebetAccount(ctx, acct); err != nil {
			return fmt.Errorf("create autodebet account: %w", err)
		}
		return r.audit.Write(ctx, q, "autodebet_account", acct.ID, "registration_requested", "", domain.RegStatusRequested, nil)
	})
	if err != nil {
		return nil, err
	}
	observability.IncrementRegistrationTransition(v.String(), domain.RegStatusRequested)
	return acct, nil
}

// Reconcile polls the vendor for one registration and advances its state.
// Runs under the per-(account, vendor) lock so it never races a concurrent
// collection attempt on is_suspended/is_use_autodebet.
func (r *Reconciler) Reconcile(ctx context.Context, id uuid.UUID) (*ReconcileResult, error) {
	acct, err := r.store.Queries().GetAutodebetAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load registration %s: %w", id, err)
	}

	release, err := r.locker.Acquire(ctx, accountLockKey(acct.AccountID, acct.Vendor), r.policy.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			observability.IncrementLockContention("registration")
			return nil, ErrDuplicateAttempt
		}
		return nil, err
	}
	defer release()

	// Re-read after the lock: another worker may have settled it.
	acct, err = r.store.Queries().GetAutodebetAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload registration %s: %w", id, err)
	}
	if acct.Status != domain.RegStatusRequested && acct.Status != domain.RegStatusPending {
		return &ReconcileResult{Status: acct.Status}, nil
	}

	client, ok := r.clients[acct.Vendor]
	if !ok {
		return nil, fmt.Errorf("no vendor client configured for %s", acct.Vendor)
	}

	vendorCtx, cancel := context.WithTimeout(ctx, r.policy.VendorTimeout)
	defer cancel()
	inquiry, err := client.InquireRegistration(vendorCtx, vendor.InquiryRequest{
		Vendor:    acct.Vendor,
		RequestID: acct.RegistrationRequestID,
		AccountID: acct.AccountID,
	})
	if err != nil {
		return nil, fmt.Errorf("registration inquiry %s: %v: %w", acct.RegistrationRequestID, err, ErrVendorTransient)
	}

	switch inquiry.Status {
	case vendor.InquiryActive:
		return r.activate(ctx, acct, inquiry)
	case vendor.InquiryPending:
		return r.keepPending(ctx, acct)
	case vendor.InquiryRejected:
		if err := r.fail(ctx, acct, domain.FailureReasonRejected); err != nil {
			return nil, err
		}
		return &ReconcileResult{Status: domain.RegStatusFailedRegistration}, nil
	}
	return nil, fmt.Errorf("inquiry status %q for %s: %w", inquiry.Status, acct.RegistrationRequestID, ErrUndefinedVendorResponse)
}

func (r *Reconciler) activate(ctx context.Context, acct *models.AutodebetAccount, inquiry *vendor.InquiryResponse) (*ReconcileResult, error) {
	var active []vendor.RegisteredAccount
	for _, reg := range inquiry.Registrations {
		if reg.Active {
			active = append(active, reg)
		}
	}
	if len(active) != 1 {
		return nil, fmt.Errorf("vendor reports %d active registrations for %s: %w", len(active), acct.RegistrationRequestID, ErrUndefinedVendorResponse)
	}
	winner := active[0]

	if !canTransitionRegistration(acct.Status, domain.RegStatusRegistered) {
		return nil, fmt.Errorf("invalid registration transition: %s -> %s", acct.Status, domain.RegStatusRegistered)
	}

	priorRevoked, err := r.store.Queries().CountRevokedAccounts(ctx, acct.AccountID, acct.Vendor)
	if err != nil {
		return nil, fmt.Errorf("count revoked registrations: %w", err)
	}

	now := r.now()
	err = r.store.RunInTx(ctx, func(q Queries) error {
		// Last observed active registration wins: demote any other
		// registered or suspended row for the pair before promoting
		// this one.
		others, err := q.ListActiveAccounts(ctx, acct.AccountID, acct.Vendor)
		if err != nil {
			return fmt.Errorf("list active registrations: %w", err)
		}
		for _, other := range others {
			if other.ID == acct.ID {
				continue
			}
			rows, err := q.MarkRegistrationFailed(ctx, other.ID, "superseded_by_new_registration", now)
			if err != nil {
				return fmt.Errorf("demote registration %s: %w", other.ID, err)
			}
			if err := requireExactlyOne(rows, "demote superseded registration"); err != nil {
				return err
			}
			if err := r.audit.Write(ctx, q, "autodebet_account", other.ID, "registration_superseded", other.Status, domain.RegStatusFailedRegistration, nil); err != nil {
				return err
			}
		}

		rows, err := q.MarkRegistered(ctx, acct.ID, winner.Reference, now)
		if err != nil {
			return fmt.Errorf("mark registered: %w", err)
		}
		if err := requireExactlyOne(rows, "mark registration registered"); err != nil {
			return err
		}

		if err := q.CreatePaymentMethod(ctx, &models.PaymentMethod{
			ID:                 uuid.New(),
			AccountID:          acct.AccountID,
			Vendor:             acct.Vendor,
			AutodebetAccountID: acct.ID,
			Provisioned:        true,
			CreatedAt:          now,
		}); err != nil {
			return fmt.Errorf("provision payment method: %w", err)
		}

		metadata, _ := json.Marshal(map[string]any{
			"vendor_reference": winner.Reference,
			"prior_revoked":    priorRevoked,
		})
		if err := r.audit.Write(ctx, q, "autodebet_account", acct.ID, "registration_activated", acct.Status, domain.RegStatusRegistered, metadata); err != nil {
			return err
		}
		if priorRevoked > 0 {
			// A re-registration after a revoke never re-enters the
			// cashback program; the first activation consumed it.
			if err := r.audit.Write(ctx, q, "autodebet_account", acct.ID, "benefit_reactivation_blocked", domain.RegStatusRegistered, domain.RegStatusRegistered, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.IncrementRegistrationTransition(acct.Vendor.String(), domain.RegStatusRegistered)
	r.notify(ctx, notification.Event{
		Type:      notification.EventRegistrationActivated,
		AccountID: acct.AccountID,
		Vendor:    acct.Vendor.String(),
	})
	return &ReconcileResult{Status: domain.RegStatusRegistered}, nil
}

func (r *Reconciler) keepPending(ctx context.Context, acct *models.AutodebetAccount) (*ReconcileResult, error) {
	elapsed := r.now().Sub(acct.CreatedAt)
	if elapsed > r.policy.RegistrationExpiry {
		if err := r.fail(ctx, acct, domain.FailureReasonExpired); err != nil {
			return nil, err
		}
		return &ReconcileResult{Status: domain.RegStatusFailedRegistration}, nil
	}

	err := r.store.RunInTx(ctx, func(q Queries) error {
		if acct.Status == domain.RegStatusRequested {
			rows, err := q.MarkRegistrationPending(ctx, acct.ID)
			if err != nil {
				return fmt.Errorf("mark registration pending: %w", err)
			}
			if err := requireExactlyOne(rows, "mark registration pending"); err != nil {
				return err
			}
			if err := r.audit.Write(ctx, q, "autodebet_account", acct.ID, "registration_pending", acct.Status, domain.RegStatusPending, nil); err != nil {
				return err
			}
		}
		if _, err := q.IncrementRegistrationRetry(ctx, acct.ID); err != nil {
			return fmt.Errorf("increment registration retry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.IncrementRegistrationTransition(acct.Vendor.String(), domain.RegStatusPending)
	return &ReconcileResult{Status: domain.RegStatusPending, Reschedule: true}, nil
}

func (r *Reconciler) fail(ctx context.Context, acct *models.AutodebetAccount, reason string) error {
	if !canTransitionRegistration(acct.Status, domain.RegStatusFailedRegistration) {
		return fmt.Errorf("invalid registration transition: %s -> %s", acct.Status, domain.RegStatusFailedRegistration)
	}

	err := r.store.RunInTx(ctx, func(q Queries) error {
		rows, err := q.MarkRegistrationFailed(ctx, acct.ID, reason, r.now())
		if err != nil {
			return fmt.Errorf("mark registration failed: %w", err)
		}
		if err := requireExactlyOne(rows, "mark registration failed"); err != nil {
			return err
		}
		metadata, _ := json.Marshal(map[string]string{"reason": reason})
		return r.audit.Write(ctx, q, "autodebet_account", acct.ID, "registration_failed", acct.Status, domain.RegStatusFailedRegistration, metadata)
	})
	if err != nil {
		return err
	}

	observability.IncrementRegistrationTransition(acct.Vendor.String(), domain.RegStatusFailedRegistration)
	r.notify(ctx, notification.Event{
		Type:      notification.EventRegistrationFailed,
		AccountID: acct.AccountID,
		Vendor:    acct.Vendor.String(),
		Reason:    reason,
	})
	return nil
}

// Deactivate revokes a registration at the customer's request, unbinding the
// payment method at the vendor. Suspended registrations are revocable too;
// revoking one is the customer's way out of a suspension.
func (r *Reconciler) Deactivate(ctx context.Context, accountID uuid.UUID, v domain.Vendor) error {
	release, err := r.locker.Acquire(ctx, accountLockKey(accountID, v), r.policy.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			observability.IncrementLockContention("registration")
			return ErrDuplicateAttempt
		}
		return err
	}
	defer release()

	acct, err := r.store.Queries().GetRevocableAccount(ctx, accountID, v)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNoActiveRegistration
		}
		return fmt.Errorf("load revocable registration: %w", err)
	}

	return revokeRegistration(ctx, r.store, r.audit, r.clients[v], r.notifier, acct, domain.DeleteReasonUser, r.now())
}

func (r *Reconciler) notify(ctx context.Context, event notification.Event) {
	if err := r.notifier.Notify(ctx, event); err != nil {
		zap.L().Warn("customer notification failed", zap.Error(err), zap.String("type", event.Type))
	}
}

func accountLockKey(accountID uuid.UUID, v domain.Vendor) string {
	return fmt.Sprintf("%s:%s", accountID, v)
}

// suspendRegistration moves a registered account to SUSPENDED after a
// balance-related vendor failure. No ledger mutation accompanies it.
func suspendRegistration(ctx context.Context, store Store, audit *AuditService, notifier notification.Notifier, acct *models.AutodebetAccount) error {
	if !canTransitionRegistration(acct.Status, domain.RegStatusSuspended) {
		return fmt.Errorf("invalid registration transition: %s -> %s", acct.Status, domain.RegStatusSuspended)
	}

	err := store.RunInTx(ctx, func(q Queries) error {
		rows, err := q.SuspendAccount(ctx, acct.ID)
		if err != nil {
			return fmt.Errorf("suspend account: %w", err)
		}
		if err := requireExactlyOne(rows, "suspend autodebet account"); err != nil {
			return err
		}
		return audit.Write(ctx, q, "autodebet_account", acct.ID, "account_suspended", acct.Status, domain.RegStatusSuspended, nil)
	})
	if err != nil {
		return err
	}

	observability.IncrementRegistrationTransition(acct.Vendor.String(), domain.RegStatusSuspended)
	if err := notifier.Notify(ctx, notification.Event{
		Type:      notification.EventAccountSuspended,
		AccountID: acct.AccountID,
		Vendor:    acct.Vendor.String(),
		Reason:    "insufficient_balance",
	}); err != nil {
		zap.L().Warn("suspension notification failed", zap.Error(err), zap.String("account_id", acct.AccountID.String()))
	}
	return nil
}

// revokeRegistration soft-deletes a registration after an invalid payment
// method report or user deactivation, force-unbinding at the vendor.
func revokeRegistration(ctx context.Context, store Store, audit *AuditService, client vendor.Client, notifier notification.Notifier, acct *models.AutodebetAccount, reason string, now time.Time) error {
	if !canTransitionRegistration(acct.Status, domain.RegStatusRevoked) {
		return fmt.Errorf("invalid registration transition: %s -> %s", acct.Status, domain.RegStatusRevoked)
	}

	err := store.RunInTx(ctx, func(q Queries) error {
		rows, err := q.RevokeAccount(ctx, acct.ID, reason, now)
		if err != nil {
			return fmt.Errorf("revoke account: %w", err)
		}
		if err := requireExactlyOne(rows, "revoke autodebet account"); err != nil {
			return err
		}
		metadata, _ := json.Marshal(map[string]string{"reason": reason})
		return audit.Write(ctx, q, "autodebet_account", acct.ID, "account_revoked", acct.Status, domain.RegStatusRevoked, metadata)
	})
	if err != nil {
		return err
	}

	if client != nil {
		if err := client.Unbind(ctx, acct.DBAccountReference); err != nil {
			// Local state already revoked; the vendor side is cleaned
			// up by the next registration cycle.
			zap.L().Warn("vendor unbind failed", zap.Error(err), zap.String("vendor", acct.Vendor.String()))
		}
	}

	observability.IncrementRegistrationTransition(acct.Vendor.String(), domain.RegStatusRevoked)
	if err := notifier.Notify(ctx, notification.Event{
		Type:      notification.EventAccountRevoked,
		AccountID: acct.AccountID,
		Vendor:    acct.Vendor.String(),
		Reason:    reason,
	}); err != nil {
		zap.L().Warn("revocation notification failed", zap.Error(err), zap.String("account_id", acct.AccountID.String()))
	}
	return nil
}
