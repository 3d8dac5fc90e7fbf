package gate

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	core "sponsorgate-backend/core/sponsorship"
	storage "sponsorgate-backend/storage/sponsorship"
)

// DecisionKind classifies the outcome of a gated service call.
type DecisionKind string

const (
	// DecisionAllowed means the call proceeds, paid by sponsor or user.
	DecisionAllowed DecisionKind = "allowed"
	// DecisionPaymentRequired means the caller gets a 402 challenge.
	DecisionPaymentRequired DecisionKind = "payment_required"
	// DecisionDenied means the call is rejected outright.
	DecisionDenied DecisionKind = "denied"
)

// Denial reasons surfaced to the caller.
const (
	DenyProfileNotFound = "profile_not_found"
	DenyTaskIncomplete  = "task_incomplete"
	DenyProofRejected   = "proof_rejected"
)

// RunRequest is a caller's attempt to invoke a paid service.
type RunRequest struct {
	UserID      uuid.UUID
	Service     string
	ProofHeader string
	// PriceCents overrides the pricing table for this call. Zero means
	// quote from the pricer.
	PriceCents int64
}

// Receipt records a completed debit, returned to the caller in the
// payment-response header.
type Receipt struct {
	TxHash      string             `json:"tx_hash"`
	Source      core.PaymentSource `json:"source"`
	Service     string             `json:"service"`
	AmountCents int64              `json:"amount_cents"`
	CampaignID  string             `json:"campaign_id,omitempty"`
	SettledAt   time.Time          `json:"settled_at"`
}

// Decision is the orchestrator's verdict on a run request. Exactly one
// of Challenge and Receipt is set for the non-denied kinds.
type Decision struct {
	Kind        DecisionKind
	Reason      string
	TaskNeeded  string
	PendingFrom *uuid.UUID
	Challenge   *ChallengeToken
	Receipt     *Receipt
}

// Pricer quotes the user price for a service call.
type Pricer interface {
	PriceFor(service string) int64
}

// Orchestrator decides, per service call, whether a sponsor covers the
// cost, the caller has presented valid payment, or a 402 challenge is
// owed. It never holds ledger state across verifier calls.
type Orchestrator struct {
	store      storage.Store
	challenges *ChallengeStore
	verifier   ProofVerifier
	pricing    Pricer
	metrics    *Metrics
	payTo      string

	verifyTimeout time.Duration
}

// NewOrchestrator wires the gate engine together.
func NewOrchestrator(store storage.Store, challenges *ChallengeStore, verifier ProofVerifier, pricing Pricer, metrics *Metrics, payTo string, verifyTimeout time.Duration) *Orchestrator {
	if verifyTimeout <= 0 {
		verifyTimeout = 10 * time.Second
	}
	return &Orchestrator{
		store:         store,
		challenges:    challenges,
		verifier:      verifier,
		pricing:       pricing,
		metrics:       metrics,
		payTo:         payTo,
		verifyTimeout: verifyTimeout,
	}
}

// Run gates one service call. The sponsor path is tried first; if no
// campaign covers the call, a presented proof is verified; otherwise a
// fresh challenge is issued.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (Decision, error) {
	profile, err := o.store.GetProfile(ctx, req.UserID)
	if err != nil {
		if err == storage.ErrProfileNotFound {
			return Decision{Kind: DecisionDenied, Reason: DenyProfileNotFound}, nil
		}
		return Decision{}, err
	}

	match, err := o.scanCampaigns(ctx, profile, req.Service)
	if err != nil {
		return Decision{}, err
	}

	if match.Eligible != nil {
		decision, covered, err := o.sponsorDebit(ctx, *match.Eligible, req.Service)
		if err != nil {
			return Decision{}, err
		}
		if covered {
			return decision, nil
		}
		// Lost a race for the last of the budget; fall through to the
		// user-paid path.
	}

	if req.ProofHeader != "" {
		return o.verifyProof(ctx, req)
	}

	if match.PendingTask != nil {
		// An eligible campaign is blocked only by its gating task, so
		// tell the caller what to finish instead of asking for money.
		return Decision{
			Kind:        DecisionDenied,
			Reason:      DenyTaskIncomplete,
			TaskNeeded:  match.PendingTask.RequiredTask,
			PendingFrom: &match.PendingTask.ID,
		}, nil
	}

	return o.challenge(req), nil
}

// priceFor quotes the user price for the call, honoring an override.
func (o *Orchestrator) priceFor(req RunRequest) int64 {
	if req.PriceCents > 0 {
		return req.PriceCents
	}
	return o.pricing.PriceFor(req.Service)
}

// scanCampaigns runs the deterministic eligibility scan for one caller.
func (o *Orchestrator) scanCampaigns(ctx context.Context, profile core.Profile, service string) (core.Match, error) {
	campaigns, err := o.store.ListCampaigns(ctx, core.CampaignFilter{ActiveOnly: true})
	if err != nil {
		return core.Match{}, err
	}
	lookup := func(c core.Campaign) (bool, error) {
		if c.RequiredTask == "" {
			return true, nil
		}
		return o.store.HasCompletedTask(ctx, c.ID, profile.ID, c.RequiredTask)
	}
	return core.FirstEligible(profile, campaigns, service, lookup)
}

// sponsorDebit charges the campaign for one call. covered=false with a
// nil error means the budget ran out between the scan and the debit.
func (o *Orchestrator) sponsorDebit(ctx context.Context, campaign core.Campaign, service string) (Decision, bool, error) {
	if err := o.store.DebitCampaign(ctx, campaign.ID, campaign.SubsidyPerCallCents); err != nil {
		if err == storage.ErrInsufficientBudget || err == storage.ErrCampaignNotFound {
			log.Printf("gate: campaign %s could not cover %s call: %v", campaign.ID, service, err)
			return Decision{}, false, nil
		}
		return Decision{}, false, err
	}

	now := time.Now().UTC()
	campaignID := campaign.ID
	rec := core.PaymentRecord{
		TxHash:      "sponsor-" + uuid.NewString(),
		CampaignID:  &campaignID,
		Service:     service,
		AmountCents: campaign.SubsidyPerCallCents,
		Payer:       campaign.Sponsor,
		Source:      core.PaymentSourceSponsor,
		Status:      core.PaymentStatusSettled,
		CreatedAt:   now,
	}
	// Budget already applied through DebitCampaign above.
	if _, err := o.store.RecordPayment(ctx, rec, true); err != nil {
		return Decision{}, false, fmt.Errorf("record sponsor payment: %w", err)
	}

	o.metrics.MarkPayment(string(core.PaymentSourceSponsor), string(core.PaymentStatusSettled))
	o.metrics.AddSponsorSpend(campaign.SubsidyPerCallCents)

	return Decision{
		Kind: DecisionAllowed,
		Receipt: &Receipt{
			TxHash:      rec.TxHash,
			Source:      core.PaymentSourceSponsor,
			Service:     service,
			AmountCents: campaign.SubsidyPerCallCents,
			CampaignID:  campaignID.String(),
			SettledAt:   now,
		},
	}, true, nil
}

// verifyProof handles the user-paid path: decode the proof, check the
// referenced challenge, verify externally, then consume the token and
// record the settled payment.
func (o *Orchestrator) verifyProof(ctx context.Context, req RunRequest) (Decision, error) {
	proof, err := ParsePaymentProof(req.ProofHeader)
	if err != nil {
		o.metrics.MarkPayment(string(core.PaymentSourceUser), string(core.PaymentStatusFailed))
		return Decision{Kind: DecisionDenied, Reason: DenyProofRejected}, nil
	}

	challenge, err := o.challenges.Peek(proof.Token)
	if err != nil {
		if err == ErrTokenExpired {
			// Stale token gets a fresh challenge, not a hard failure.
			return o.challenge(req), nil
		}
		o.metrics.MarkPayment(string(core.PaymentSourceUser), string(core.PaymentStatusFailed))
		return Decision{Kind: DecisionDenied, Reason: DenyProofRejected}, nil
	}

	// The token is bound to the service it was issued for; a proof for a
	// cheap service must not unlock a more expensive one.
	if !strings.EqualFold(challenge.Service, req.Service) {
		log.Printf("gate: proof token %s issued for %s, presented for %s", proof.Token, challenge.Service, req.Service)
		o.metrics.MarkPayment(string(core.PaymentSourceUser), string(core.PaymentStatusFailed))
		return Decision{Kind: DecisionDenied, Reason: DenyProofRejected}, nil
	}
	if challenge.AmountCents < o.priceFor(req) {
		log.Printf("gate: proof token %s covers %d cents, %s costs %d", proof.Token, challenge.AmountCents, req.Service, o.priceFor(req))
		o.metrics.MarkPayment(string(core.PaymentSourceUser), string(core.PaymentStatusFailed))
		return Decision{Kind: DecisionDenied, Reason: DenyProofRejected}, nil
	}

	vctx, cancel := context.WithTimeout(ctx, o.verifyTimeout)
	defer cancel()
	result, err := o.verifier.Verify(vctx, proof, challenge)
	if err != nil {
		return Decision{}, fmt.Errorf("verify payment proof: %w", err)
	}
	if !result.Accepted {
		log.Printf("gate: proof for token %s rejected: %s", proof.Token, result.Reason)
		o.metrics.MarkPayment(string(core.PaymentSourceUser), string(core.PaymentStatusFailed))
		return Decision{Kind: DecisionDenied, Reason: DenyProofRejected}, nil
	}

	// Consume only after the verifier accepts, so a transport failure
	// does not burn the token.
	if _, err := o.challenges.Consume(proof.Token); err != nil {
		o.metrics.MarkPayment(string(core.PaymentSourceUser), string(core.PaymentStatusFailed))
		return Decision{Kind: DecisionDenied, Reason: DenyProofRejected}, nil
	}

	payer := result.Payer
	if payer == "" {
		payer = proof.Payer
	}
	now := time.Now().UTC()
	rec := core.PaymentRecord{
		TxHash:      proof.TxHash,
		Service:     req.Service,
		AmountCents: challenge.AmountCents,
		Payer:       payer,
		Source:      core.PaymentSourceUser,
		Status:      core.PaymentStatusSettled,
		CreatedAt:   now,
	}
	if _, err := o.store.RecordPayment(ctx, rec, false); err != nil {
		if err == storage.ErrStatusRegression {
			return Decision{Kind: DecisionDenied, Reason: DenyProofRejected}, nil
		}
		return Decision{}, fmt.Errorf("record user payment: %w", err)
	}

	o.metrics.MarkPayment(string(core.PaymentSourceUser), string(core.PaymentStatusSettled))
	return Decision{
		Kind: DecisionAllowed,
		Receipt: &Receipt{
			TxHash:      proof.TxHash,
			Source:      core.PaymentSourceUser,
			Service:     req.Service,
			AmountCents: challenge.AmountCents,
			SettledAt:   now,
		},
	}, nil
}

// challenge issues a fresh single-use payment challenge.
func (o *Orchestrator) challenge(req RunRequest) Decision {
	token := o.challenges.Issue(req.Service, o.priceFor(req), o.payTo)
	o.metrics.MarkPayment(string(core.PaymentSourceUser), "challenged")
	return Decision{Kind: DecisionPaymentRequired, Challenge: &token}
}
