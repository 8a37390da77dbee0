package collection

import (
	"context"
	"fmt"
	"time"

	"github.com/autodebet/collection-engine/internal/config"
	"github.com/autodebet/collection-engine/internal/domain"
	"github.com/autodebet/collection-engine/internal/models"
	"github.com/autodebet/collection-engine/internal/vendor"
	"github.com/google/uuid"
)

// FundCollectionRequest is the ephemeral value object describing one attempt.
// Constructed fresh per attempt and never persisted; it is the input to a
// LedgerTransaction.
type FundCollectionRequest struct {
	Vendor        domain.Vendor
	AccountID     uuid.UUID
	TransactionID string // idempotency key, the ledger identity
	Obligations   []models.CollectionObligation
	Due           *DueAmount
	ObligationRef string
}

// Outcome classifies one vendor attempt.
type Outcome struct {
	Status     string // vendor.StatusSuccess | StatusPending | StatusFailed
	ErrorCode  string
	VendorRef  string
	Amount     int64
	// LedgerRecorded is true when the strategy already created the ledger
	// row inside its own atomic unit (async wallet rails).
	LedgerRecorded bool
}

// Strategy executes a collection attempt on one vendor rail and classifies
// the response. Strategies never retry; the scheduler owns retries.
type Strategy interface {
	Vendor() domain.Vendor
	Attempt(ctx context.Context, acct *models.AutodebetAccount, req *FundCollectionRequest) (*Outcome, error)
}

// StrategySet is the closed vendor dispatch table, built once at startup.
type StrategySet map[domain.Vendor]Strategy

// NewStrategySet wires one strategy per supported vendor. clients must
// contain an entry for every vendor in domain.Vendors.
func NewStrategySet(store Store, clients map[domain.Vendor]vendor.Client, policy config.CollectionPolicy) (StrategySet, error) {
	for _, v := range domain.Vendors {
		if _, ok := clients[v]; !ok {
			return nil, fmt.Errorf("no vendor client configured for %s", v)
		}
	}

	set := StrategySet{
		domain.VendorBCA:     newBankStrategy(domain.VendorBCA, clients[domain.VendorBCA], store),
		domain.VendorMandiri: newBankStrategy(domain.VendorMandiri, clients[domain.VendorMandiri], store),
		domain.VendorBRI:     newCardStrategy(clients[domain.VendorBRI], store, policy.BRIDailyCap),
		domain.VendorGoPay:   newSubscriptionStrategy(clients[domain.VendorGoPay], store, policy.GoPaySubscriptionCeiling),
		domain.VendorOVO:     newWalletStrategy(domain.VendorOVO, clients[domain.VendorOVO], store),
		domain.VendorDANA:    newWalletStrategy(domain.VendorDANA, clients[domain.VendorDANA], store),
	}
	return set, nil
}

// For returns the strategy for a vendor.
func (s StrategySet) For(v domain.Vendor) (Strategy, error) {
	strat, ok := s[v]
	if !ok {
		return nil, fmt.Errorf("unsupported vendor %q", v)
	}
	return strat, nil
}

// classify maps a vendor response onto the engine's error taxonomy.
func classify(resp *vendor.CollectResponse) error {
	switch resp.ErrorCode {
	case vendor.CodeInsufficientFund:
		return ErrInsufficientBalance
	case vendor.CodeInvalidPaymentMethod:
		return ErrInvalidPaymentMethod
	case vendor.CodeAmountLimitExceeded, vendor.CodeSystemError:
		return ErrVendorTransient
	case "":
		return ErrUndefinedVendorResponse
	}
	return ErrVendorTransient
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
