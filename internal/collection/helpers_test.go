package collection

import (
	"context"
	"sync"
	"time"

	"github.com/autodebet/collection-engine/internal/config"
	"github.com/autodebet/collection-engine/internal/domain"
	"github.com/autodebet/collection-engine/internal/lock"
	"github.com/autodebet/collection-engine/internal/models"
	"github.com/autodebet/collection-engine/internal/notification"
	"github.com/autodebet/collection-engine/internal/vendor"
	"github.com/google/uuid"
)

func testPolicy() config.CollectionPolicy {
	return config.CollectionPolicy{
		BCASplitCap:              400_000,
		BRIDailyCap:              1_000_000,
		MandiriDefaultMax:        500_000,
		GoPaySubscriptionCeiling: 2_000_000,
		RegistrationExpiry:       2 * time.Hour,
		MaxCollectionRetries:     3,
		LockTTL:                  30 * time.Second,
		VendorTimeout:            2 * time.Second,
	}
}

// stubVendorClient scripts one vendor rail for a test.
type stubVendorClient struct {
	mu           sync.Mutex
	collectResp  *vendor.CollectResponse
	collectErr   error
	balance      int64
	balanceErr   error
	inquiryResp  *vendor.InquiryResponse
	inquiryErr   error
	collectCalls int
	lastCollect  vendor.CollectRequest
	unbound      []string
}

func (s *stubVendorClient) Collect(_ context.Context, req vendor.CollectRequest) (*vendor.CollectResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collectCalls++
	s.lastCollect = req
	if s.collectErr != nil {
		return nil, s.collectErr
	}
	if s.collectResp == nil {
		return &vendor.CollectResponse{Status: vendor.StatusSuccess, VendorRef: "STUB-REF"}, nil
	}
	return s.collectResp, nil
}

func (s *stubVendorClient) Balance(context.Context, string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, s.balanceErr
}

func (s *stubVendorClient) InquireRegistration(context.Context, vendor.InquiryRequest) (*vendor.InquiryResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inquiryResp, s.inquiryErr
}

func (s *stubVendorClient) Unbind(_ context.Context, accountReference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unbound = append(s.unbound, accountReference)
	return nil
}

func (s *stubVendorClient) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectCalls
}

func stubClients(client vendor.Client) map[domain.Vendor]vendor.Client {
	clients := make(map[domain.Vendor]vendor.Client, len(domain.Vendors))
	for _, v := range domain.Vendors {
		clients[v] = client
	}
	return clients
}

// stubBenefits scripts the benefit port.
type stubBenefits struct {
	eligible bool
	benefit  *models.Benefit
	waiver   int64
	consumed []string
}

func (s *stubBenefits) IsEligible(context.Context, uuid.UUID, bool) (bool, error) {
	return s.eligible, nil
}

func (s *stubBenefits) WaiverAmount(context.Context, uuid.UUID, models.CollectionObligation) (*models.Benefit, int64, error) {
	if !s.eligible {
		return nil, 0, nil
	}
	return s.benefit, s.waiver, nil
}

func (s *stubBenefits) Consume(_ context.Context, _ Queries, _ *models.Benefit, consumedRef string, _ int64) error {
	s.consumed = append(s.consumed, consumedRef)
	return nil
}

// recordingNotifier captures published events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notification.Event
}

func (n *recordingNotifier) Notify(_ context.Context, event notification.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) Close() {}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestLocker() lock.Locker {
	return lock.NewMemoryLocker()
}

func seedRegisteredAccount(store *fakeStore, v domain.Vendor) *models.AutodebetAccount {
	now := time.Now().Add(-24 * time.Hour)
	activated := now.Add(time.Minute)
	acct := &models.AutodebetAccount{
		ID:                    uuid.New(),
		AccountID:             uuid.New(),
		Vendor:                v,
		RegistrationRequestID: uuid.NewString(),
		Status:                domain.RegStatusRegistered,
		IsUseAutodebet:        true,
		DBAccountReference:    "REF-" + uuid.NewString()[:8],
		ActivatedAt:           &activated,
		CreatedAt:             now,
	}
	store.q.accounts[acct.ID] = acct
	return acct
}

func obligation(accountID uuid.UUID, amount int64, dueDate time.Time, rank int) models.CollectionObligation {
	return models.CollectionObligation{
		ID:          uuid.New(),
		AccountID:   accountID,
		DueAmount:   amount,
		DueDate:     dueDate,
		PaymentRank: rank,
	}
}
