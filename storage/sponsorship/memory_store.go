package sponsorship

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	core "sponsorgate-backend/core/sponsorship"
)

type completionKey struct {
	campaignID uuid.UUID
	userID     uuid.UUID
	taskName   string
}

type paymentEntry struct {
	rec           core.PaymentRecord
	budgetApplied bool
}

// MemoryStore holds the ledger in memory with proper concurrency
// control. The single RWMutex keeps the budget decrement and the
// payment-record write atomic across maps, so no interleaving can
// double-spend a campaign budget.
type MemoryStore struct {
	mu          sync.RWMutex
	campaigns   map[uuid.UUID]core.Campaign
	profiles    map[uuid.UUID]core.Profile
	completions map[completionKey]core.TaskCompletion
	payments    map[string]paymentEntry
	apis        map[uuid.UUID]core.SponsoredAPI
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:   make(map[uuid.UUID]core.Campaign),
		profiles:    make(map[uuid.UUID]core.Profile),
		completions: make(map[completionKey]core.TaskCompletion),
		payments:    make(map[string]paymentEntry),
		apis:        make(map[uuid.UUID]core.SponsoredAPI),
	}
}

// NewSeededMemoryStore returns a MemoryStore preloaded with demo
// fixtures.
func NewSeededMemoryStore() *MemoryStore {
	s := NewMemoryStore()
	campaigns, profiles, completions := SeedData()
	for _, c := range campaigns {
		s.campaigns[c.ID] = c
	}
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	for _, tc := range completions {
		s.completions[completionKey{tc.CampaignID, tc.UserID, tc.TaskName}] = tc
	}
	return s
}

func (s *MemoryStore) CreateCampaign(ctx context.Context, c core.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[c.ID]; ok {
		return ErrDuplicateCampaign
	}
	s.campaigns[c.ID] = c
	return nil
}

func (s *MemoryStore) GetCampaign(ctx context.Context, id uuid.UUID) (core.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return core.Campaign{}, ErrCampaignNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListCampaigns(ctx context.Context, filter core.CampaignFilter) ([]core.Campaign, error) {
	s.mu.RLock()
	out := make([]core.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		if filter.ActiveOnly && !c.Active {
			continue
		}
		if filter.MinBudgetCents > 0 && c.BudgetRemainingCents < filter.MinBudgetCents {
			continue
		}
		out = append(out, c)
	}
	s.mu.RUnlock()

	core.SortCampaigns(out)
	return out, nil
}

func (s *MemoryStore) DebitCampaign(ctx context.Context, id uuid.UUID, amountCents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debitLocked(id, amountCents)
}

// debitLocked performs the guarded decrement. Callers hold s.mu.
func (s *MemoryStore) debitLocked(id uuid.UUID, amountCents int64) error {
	c, ok := s.campaigns[id]
	if !ok {
		return ErrCampaignNotFound
	}
	if c.BudgetRemainingCents < amountCents {
		return ErrInsufficientBudget
	}
	c.BudgetRemainingCents -= amountCents
	s.campaigns[id] = c
	return nil
}

func (s *MemoryStore) CreateProfile(ctx context.Context, p core.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[p.ID]; ok {
		return ErrDuplicateProfile
	}
	s.profiles[p.ID] = p
	return nil
}

func (s *MemoryStore) GetProfile(ctx context.Context, id uuid.UUID) (core.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return core.Profile{}, ErrProfileNotFound
	}
	return p, nil
}

func (s *MemoryStore) ListProfiles(ctx context.Context) ([]core.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) RecordTaskCompletion(ctx context.Context, tc core.TaskCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := completionKey{tc.CampaignID, tc.UserID, tc.TaskName}
	if _, ok := s.completions[key]; ok {
		return nil
	}
	s.completions[key] = tc
	return nil
}

func (s *MemoryStore) HasCompletedTask(ctx context.Context, campaignID, userID uuid.UUID, taskName string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.completions[completionKey{campaignID, userID, taskName}]
	return ok, nil
}

func (s *MemoryStore) CountTaskCompletions(ctx context.Context, campaignID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for key := range s.completions {
		if key.campaignID == campaignID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) RecordPayment(ctx context.Context, rec core.PaymentRecord, budgetApplied bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.payments[rec.TxHash]
	if !ok {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now()
		}
		s.payments[rec.TxHash] = paymentEntry{rec: rec, budgetApplied: budgetApplied}
		return true, nil
	}
	if existing.rec.Status == rec.Status {
		return false, nil
	}
	if existing.rec.Status == core.PaymentStatusSettled && rec.Status == core.PaymentStatusFailed {
		return false, ErrStatusRegression
	}
	existing.rec.Status = rec.Status
	existing.budgetApplied = existing.budgetApplied || budgetApplied
	s.payments[rec.TxHash] = existing
	return false, nil
}

func (s *MemoryStore) GetPayment(ctx context.Context, txHash string) (core.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.payments[txHash]
	if !ok {
		return core.PaymentRecord{}, ErrPaymentNotFound
	}
	return entry.rec, nil
}

func (s *MemoryStore) ApplySettlement(ctx context.Context, ev core.SettlementEvent) (SettlementOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := strings.TrimSpace(ev.TxHash)
	existing, ok := s.payments[hash]
	if !ok {
		entry := paymentEntry{rec: core.PaymentRecord{
			TxHash:      hash,
			CampaignID:  ev.CampaignID,
			Service:     ev.Service,
			AmountCents: ev.AmountCents,
			Payer:       ev.Payer,
			Source:      ev.Source,
			Status:      ev.Status,
			CreatedAt:   time.Now(),
		}}
		if ev.Status == core.PaymentStatusSettled {
			entry.budgetApplied = s.applyBudgetLocked(entry.rec)
		}
		s.payments[hash] = entry
		return SettlementApplied, nil
	}

	if existing.rec.Status == ev.Status {
		return SettlementIgnored, nil
	}
	if existing.rec.Status == core.PaymentStatusSettled && ev.Status == core.PaymentStatusFailed {
		// A granted access never regresses silently.
		return SettlementIgnored, nil
	}

	// failed -> settled: the only permitted transition.
	existing.rec.Status = core.PaymentStatusSettled
	if !existing.budgetApplied {
		existing.budgetApplied = s.applyBudgetLocked(existing.rec)
	}
	s.payments[hash] = existing
	return SettlementApplied, nil
}

// applyBudgetLocked debits the referenced campaign for a settled
// sponsor payment. Callers hold s.mu. Returns whether the debit landed.
func (s *MemoryStore) applyBudgetLocked(rec core.PaymentRecord) bool {
	if rec.Source != core.PaymentSourceSponsor || rec.CampaignID == nil {
		return false
	}
	if err := s.debitLocked(*rec.CampaignID, rec.AmountCents); err != nil {
		log.Printf("settlement %s: campaign %s debit skipped: %v", rec.TxHash, rec.CampaignID, err)
		return false
	}
	return true
}

func (s *MemoryStore) SponsorSpend(ctx context.Context, campaignID uuid.UUID) (int, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	calls := 0
	var cents int64
	for _, entry := range s.payments {
		rec := entry.rec
		if rec.CampaignID == nil || *rec.CampaignID != campaignID {
			continue
		}
		if rec.Source != core.PaymentSourceSponsor || rec.Status != core.PaymentStatusSettled {
			continue
		}
		calls++
		cents += rec.AmountCents
	}
	return calls, cents, nil
}

func (s *MemoryStore) CreateSponsoredAPI(ctx context.Context, api core.SponsoredAPI) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apis[api.ID]; ok {
		return ErrDuplicateSponsoredAPI
	}
	s.apis[api.ID] = api
	return nil
}

func (s *MemoryStore) GetSponsoredAPI(ctx context.Context, id uuid.UUID) (core.SponsoredAPI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	api, ok := s.apis[id]
	if !ok {
		return core.SponsoredAPI{}, ErrSponsoredAPINotFound
	}
	return api, nil
}

func (s *MemoryStore) ListSponsoredAPIs(ctx context.Context) ([]core.SponsoredAPI, error) {
	s.mu.RLock()
	out := make([]core.SponsoredAPI, 0, len(s.apis))
	for _, api := range s.apis {
		out = append(out, api)
	}
	s.mu.RUnlock()

	// Newest first, ID tie-break for a stable listing.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() {}
