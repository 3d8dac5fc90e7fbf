package sponsorship

import (
	"context"

	"github.com/google/uuid"

	core "sponsorgate-backend/core/sponsorship"
)

// SettlementOutcome reports how an externally delivered settlement
// event affected the ledger. Duplicate or stale deliveries are an
// expected condition, not an error.
type SettlementOutcome string

const (
	SettlementApplied SettlementOutcome = "applied"
	SettlementIgnored SettlementOutcome = "ignored"
)

// Store is the ledger: campaign budgets, the payment record set keyed
// by transaction hash, and the supporting profile and task-completion
// reads the eligibility scan needs. It is the only mutable shared
// state in the engine.
//
// DebitCampaign and ApplySettlement are atomic with respect to all
// concurrent callers: two debits against the same campaign never both
// succeed when their sum exceeds the remaining budget, and settlement
// events for the same hash serialize against each other.
type Store interface {
	CreateCampaign(ctx context.Context, c core.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (core.Campaign, error)
	ListCampaigns(ctx context.Context, filter core.CampaignFilter) ([]core.Campaign, error)
	// DebitCampaign decrements the remaining budget, failing with
	// ErrInsufficientBudget instead of ever going negative.
	DebitCampaign(ctx context.Context, id uuid.UUID, amountCents int64) error

	CreateProfile(ctx context.Context, p core.Profile) error
	GetProfile(ctx context.Context, id uuid.UUID) (core.Profile, error)
	ListProfiles(ctx context.Context) ([]core.Profile, error)

	// RecordTaskCompletion is an idempotent upsert on
	// (campaign, user, task).
	RecordTaskCompletion(ctx context.Context, tc core.TaskCompletion) error
	HasCompletedTask(ctx context.Context, campaignID, userID uuid.UUID, taskName string) (bool, error)
	CountTaskCompletions(ctx context.Context, campaignID uuid.UUID) (int, error)

	// RecordPayment inserts a payment keyed by tx hash. Replaying the
	// same hash with the same status is a no-op (inserted=false). A
	// failed record may transition to settled exactly once; a settled
	// record never regresses to failed (ErrStatusRegression). The
	// budgetApplied flag marks whether the caller already debited a
	// campaign for this hash, so later settlement events do not debit
	// again.
	RecordPayment(ctx context.Context, rec core.PaymentRecord, budgetApplied bool) (bool, error)
	GetPayment(ctx context.Context, txHash string) (core.PaymentRecord, error)

	// ApplySettlement applies one externally reported settlement event
	// idempotently: at most one payment record and at most one budget
	// debit per hash, no matter how often the event is replayed.
	ApplySettlement(ctx context.Context, ev core.SettlementEvent) (SettlementOutcome, error)

	// SponsorSpend aggregates settled sponsor payments for a campaign.
	SponsorSpend(ctx context.Context, campaignID uuid.UUID) (calls int, cents int64, err error)

	CreateSponsoredAPI(ctx context.Context, api core.SponsoredAPI) error
	GetSponsoredAPI(ctx context.Context, id uuid.UUID) (core.SponsoredAPI, error)
	ListSponsoredAPIs(ctx context.Context) ([]core.SponsoredAPI, error)

	Close()
}
