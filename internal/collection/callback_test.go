package collection

import (
	"context"
	"testing"
	"time"

	"github.com/autodebet/collection-engine/internal/domain"
	"github.com/autodebet/collection-engine/internal/models"
	"github.com/autodebet/collection-engine/internal/notification"
	"github.com/autodebet/collection-engine/internal/vendor"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type callbackFixture struct {
	store    *fakeStore
	client   *stubVendorClient
	benefits *stubBenefits
	notifier *recordingNotifier
	svc      *CallbackService
}

func newCallbackFixture() *callbackFixture {
	store := newFakeStore()
	client := &stubVendorClient{}
	benefits := &stubBenefits{}
	notifier := &recordingNotifier{}
	return &callbackFixture{
		store:    store,
		client:   client,
		benefits: benefits,
		notifier: notifier,
		svc:      NewCallbackService(store, benefits, newTestLocker(), notifier, stubClients(client), testPolicy()),
	}
}

// seedPendingAttempt plants the pending shadow and ledger rows an async rail
// leaves behind before its callback arrives.
func seedPendingAttempt(store *fakeStore, acct *models.AutodebetAccount, amount int64, withLedger bool) string {
	ref := collectionTransactionID(acct.Vendor, uuid.New(), startOfDay(time.Now()))
	store.q.vendorTxs = append(store.q.vendorTxs, &models.VendorTransaction{
		ID:                       uuid.New(),
		Vendor:                   acct.Vendor,
		AccountID:                acct.AccountID,
		OriginalPartnerReference: ref,
		TransactionID:            ref,
		Amount:                   amount,
		Status:                   domain.VendorTxStatusPending,
		CreatedAt:                time.Now(),
	})
	if withLedger {
		store.q.ledgers[ref] = &models.LedgerTransaction{
			TransactionID: ref,
			AccountID:     acct.AccountID,
			Vendor:        acct.Vendor,
			Amount:        amount,
			Status:        domain.TxStatusPending,
			CreatedAt:     time.Now(),
		}
	}
	return ref
}

func TestCallbackSettlesSuccess(t *testing.T) {
	f := newCallbackFixture()
	acct := seedRegisteredAccount(f.store, domain.VendorOVO)
	ref := seedPendingAttempt(f.store, acct, 150_000, true)

	result, err := f.svc.Handle(context.Background(), VendorCallback{
		Vendor:           domain.VendorOVO,
		PartnerReference: ref,
		Status:           vendor.StatusSuccess,
		VendorRef:        "OVO-REF",
	})
	require.NoError(t, err)
	require.True(t, result.Settled)
	require.Equal(t, domain.VendorTxStatusSuccess, result.Status)

	shadow := f.store.q.vendorTxByRef(ref)
	require.Equal(t, domain.VendorTxStatusSuccess, shadow.Status)
	require.NotNil(t, shadow.SettledAt)

	ledger, err := f.store.Queries().GetLedgerTransaction(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, domain.TxStatusProcessed, ledger.Status)
	require.Contains(t, f.notifier.types(), notification.EventCollectionSucceeded)
}

func TestCallbackReplayIsNoop(t *testing.T) {
	f := newCallbackFixture()
	acct := seedRegisteredAccount(f.store, domain.VendorDANA)
	ref := seedPendingAttempt(f.store, acct, 150_000, true)

	cb := VendorCallback{Vendor: domain.VendorDANA, PartnerReference: ref, Status: vendor.StatusSuccess}

	first, err := f.svc.Handle(context.Background(), cb)
	require.NoError(t, err)
	require.True(t, first.Settled)

	second, err := f.svc.Handle(context.Background(), cb)
	require.NoError(t, err)
	require.False(t, second.Settled)

	// Exactly one customer notification despite the replay.
	require.Len(t, f.notifier.types(), 1)
}

func TestCallbackUnknownReference(t *testing.T) {
	f := newCallbackFixture()
	_, err := f.svc.Handle(context.Background(), VendorCallback{
		Vendor:           domain.VendorOVO,
		PartnerReference: "never-issued",
		Status:           vendor.StatusSuccess,
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCallbackMalformedStatus(t *testing.T) {
	f := newCallbackFixture()
	_, err := f.svc.Handle(context.Background(), VendorCallback{
		Vendor:           domain.VendorOVO,
		PartnerReference: "ref",
		Status:           "maybe",
	})
	require.ErrorIs(t, err, ErrUndefinedVendorResponse)
}

func TestCallbackFailureSuspendsOnInsufficientFund(t *testing.T) {
	f := newCallbackFixture()
	acct := seedRegisteredAccount(f.store, domain.VendorOVO)
	ref := seedPendingAttempt(f.store, acct, 150_000, true)

	result, err := f.svc.Handle(context.Background(), VendorCallback{
		Vendor:           domain.VendorOVO,
		PartnerReference: ref,
		Status:           vendor.StatusFailed,
		ErrorCode:        vendor.CodeInsufficientFund,
	})
	require.NoError(t, err)
	require.True(t, result.Settled)

	stored, _ := f.store.Queries().GetAutodebetAccount(context.Background(), acct.ID)
	require.Equal(t, domain.RegStatusSuspended, stored.Status)

	ledger, err := f.store.Queries().GetLedgerTransaction(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, domain.TxStatusFailed, ledger.Status)
	require.Contains(t, f.notifier.types(), notification.EventAccountSuspended)
}

func TestCallbackSuccessCreatesMissingLedgerRow(t *testing.T) {
	f := newCallbackFixture()
	acct := seedRegisteredAccount(f.store, domain.VendorBRI)
	// A card-rail timeout leaves only the shadow row behind.
	ref := seedPendingAttempt(f.store, acct, 250_000, false)

	result, err := f.svc.Handle(context.Background(), VendorCallback{
		Vendor:           domain.VendorBRI,
		PartnerReference: ref,
		Status:           vendor.StatusSuccess,
	})
	require.NoError(t, err)
	require.True(t, result.Settled)

	ledger, err := f.store.Queries().GetLedgerTransaction(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, domain.TxStatusProcessed, ledger.Status)
	require.Equal(t, int64(250_000), ledger.Amount)
}

func TestCallbackConsumesBenefitOnEligibleFullSuccess(t *testing.T) {
	f := newCallbackFixture()
	acct := seedRegisteredAccount(f.store, domain.VendorOVO)
	ref := seedPendingAttempt(f.store, acct, 150_000, true)

	shadow := f.store.q.vendorTxByRef(ref)
	for _, vt := range f.store.q.vendorTxs {
		if vt.ID == shadow.ID {
			vt.IsEligibleBenefit = true
		}
	}
	benefitID := uuid.New()
	f.store.q.benefits[benefitID] = &models.Benefit{
		ID:           benefitID,
		AccountID:    acct.AccountID,
		WaiverAmount: 25_000,
		ExpiresAt:    time.Now().Add(24 * time.Hour),
	}

	_, err := f.svc.Handle(context.Background(), VendorCallback{
		Vendor:           domain.VendorOVO,
		PartnerReference: ref,
		Status:           vendor.StatusSuccess,
	})
	require.NoError(t, err)
	require.Equal(t, []string{ref}, f.benefits.consumed)
}
