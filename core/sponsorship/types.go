package sponsorship

import (
	"time"

	"github.com/google/uuid"
)

// PaymentSource identifies who funded a payment.
type PaymentSource string

const (
	PaymentSourceUser    PaymentSource = "user"
	PaymentSourceSponsor PaymentSource = "sponsor"
)

// PaymentStatus is the settlement state of a payment record.
type PaymentStatus string

const (
	PaymentStatusSettled PaymentStatus = "settled"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// ValidSource reports whether s is a known payment source.
func ValidSource(s PaymentSource) bool {
	return s == PaymentSourceUser || s == PaymentSourceSponsor
}

// ValidStatus reports whether s is a known payment status.
func ValidStatus(s PaymentStatus) bool {
	return s == PaymentStatusSettled || s == PaymentStatusFailed
}

// Campaign is a sponsor-funded subsidy pool. BudgetRemainingCents only
// moves through the store's guarded debit, so it never goes negative
// and never exceeds BudgetTotalCents.
type Campaign struct {
	ID                   uuid.UUID `json:"id"`
	Name                 string    `json:"name"`
	Sponsor              string    `json:"sponsor"`
	TargetRoles          []string  `json:"target_roles"`
	TargetTools          []string  `json:"target_tools"`
	RequiredTask         string    `json:"required_task"`
	SubsidyPerCallCents  int64     `json:"subsidy_per_call_cents"`
	BudgetTotalCents     int64     `json:"budget_total_cents"`
	BudgetRemainingCents int64     `json:"budget_remaining_cents"`
	QueryURLs            []string  `json:"query_urls,omitempty"`
	Active               bool      `json:"active"`
	CreatedAt            time.Time `json:"created_at"`
}

// Profile is a user profile. Read-only to the gating engine.
type Profile struct {
	ID         uuid.UUID         `json:"id"`
	Email      string            `json:"email"`
	Region     string            `json:"region"`
	Roles      []string          `json:"roles"`
	ToolsUsed  []string          `json:"tools_used"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// TaskCompletion marks a gating task as done for (campaign, user, task).
// Presence is the whole predicate; recording the same triple twice is a
// no-op.
type TaskCompletion struct {
	ID         uuid.UUID `json:"id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	UserID     uuid.UUID `json:"user_id"`
	TaskName   string    `json:"task_name"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// PaymentRecord is one ledger entry, keyed by the external transaction
// hash. The hash is the idempotency key for every write path.
type PaymentRecord struct {
	TxHash      string        `json:"tx_hash"`
	CampaignID  *uuid.UUID    `json:"campaign_id,omitempty"`
	Service     string        `json:"service"`
	AmountCents int64         `json:"amount_cents"`
	Payer       string        `json:"payer"`
	Source      PaymentSource `json:"source"`
	Status      PaymentStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

// SettlementEvent is an externally reported payment outcome, delivered
// at-least-once and possibly out of order.
type SettlementEvent struct {
	TxHash      string        `json:"tx_hash"`
	CampaignID  *uuid.UUID    `json:"campaign_id,omitempty"`
	Service     string        `json:"service"`
	AmountCents int64         `json:"amount_cents"`
	Payer       string        `json:"payer"`
	Source      PaymentSource `json:"source"`
	Status      PaymentStatus `json:"status"`
}

// SponsoredAPIServicePrefix prefixes the service key minted for each
// published API, keeping it out of the static pricing table namespace.
const SponsoredAPIServicePrefix = "sponsored-api"

// SponsoredAPIServiceKey derives the service key a published API is
// metered under. Campaigns subsidize it by targeting this key.
func SponsoredAPIServiceKey(id uuid.UUID) string {
	return SponsoredAPIServicePrefix + "-" + id.String()
}

// SponsoredAPI is a creator-published upstream endpoint gated by the
// settlement engine. Calls are metered under ServiceKey; when
// PriceOverrideCents is positive it replaces the pricing table quote.
type SponsoredAPI struct {
	ID                 uuid.UUID         `json:"id"`
	Name               string            `json:"name"`
	Creator            string            `json:"creator"`
	Description        string            `json:"description,omitempty"`
	UpstreamURL        string            `json:"upstream_url"`
	UpstreamMethod     string            `json:"upstream_method"`
	UpstreamHeaders    map[string]string `json:"upstream_headers,omitempty"`
	ServiceKey         string            `json:"service_key"`
	PriceOverrideCents int64             `json:"price_override_cents,omitempty"`
	Active             bool              `json:"active"`
	CreatedAt          time.Time         `json:"created_at"`
}

// CampaignFilter narrows ListCampaigns results.
type CampaignFilter struct {
	ActiveOnly     bool
	MinBudgetCents int64
}
