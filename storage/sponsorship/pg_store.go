package sponsorship

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	core "sponsorgate-backend/core/sponsorship"
)

// PGStore persists the ledger in Postgres. Budget decrements are
// guarded UPDATEs and settlement events serialize per hash with row
// locks, so the no-negative-budget and once-per-hash invariants hold
// across processes.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects, initializes schema, and optionally seeds demo
// fixtures into an empty database.
func NewPGStore(ctx context.Context, dsn string, seed bool) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &PGStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if seed {
		if err := s.seedFixtures(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *PGStore) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS gate_campaigns (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  sponsor TEXT NOT NULL,
  target_roles TEXT[],
  target_tools TEXT[],
  required_task TEXT NOT NULL,
  subsidy_per_call_cents BIGINT NOT NULL,
  budget_total_cents BIGINT NOT NULL,
  budget_remaining_cents BIGINT NOT NULL CHECK (budget_remaining_cents >= 0),
  query_urls TEXT[],
  active BOOLEAN NOT NULL DEFAULT true,
  created_at TIMESTAMPTZ NOT NULL,
  CHECK (budget_remaining_cents <= budget_total_cents)
);
CREATE TABLE IF NOT EXISTS gate_profiles (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL,
  region TEXT NOT NULL,
  roles TEXT[],
  tools_used TEXT[],
  attributes JSONB,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS gate_task_completions (
  id TEXT PRIMARY KEY,
  campaign_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  task_name TEXT NOT NULL,
  details TEXT,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (campaign_id, user_id, task_name)
);
CREATE TABLE IF NOT EXISTS gate_payments (
  tx_hash TEXT PRIMARY KEY,
  campaign_id TEXT,
  service TEXT NOT NULL,
  amount_cents BIGINT NOT NULL,
  payer TEXT,
  source TEXT NOT NULL,
  status TEXT NOT NULL,
  budget_applied BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS gate_sponsored_apis (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  creator TEXT NOT NULL,
  description TEXT,
  upstream_url TEXT NOT NULL,
  upstream_method TEXT NOT NULL CHECK (upstream_method IN ('GET','POST')),
  upstream_headers JSONB,
  service_key TEXT NOT NULL UNIQUE,
  price_override_cents BIGINT NOT NULL DEFAULT 0,
  active BOOLEAN NOT NULL DEFAULT true,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gate_campaigns_active ON gate_campaigns(active, created_at);
CREATE INDEX IF NOT EXISTS idx_gate_payments_campaign ON gate_payments(campaign_id, source, status);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PGStore) seedFixtures(ctx context.Context) error {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM gate_campaigns`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	campaigns, profiles, completions := SeedData()
	for _, c := range campaigns {
		_, err := s.pool.Exec(ctx, `
INSERT INTO gate_campaigns (id, name, sponsor, target_roles, target_tools, required_task,
  subsidy_per_call_cents, budget_total_cents, budget_remaining_cents, query_urls, active, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO NOTHING
`, c.ID.String(), c.Name, c.Sponsor, c.TargetRoles, c.TargetTools, c.RequiredTask,
			c.SubsidyPerCallCents, c.BudgetTotalCents, c.BudgetRemainingCents, c.QueryURLs, c.Active, c.CreatedAt)
		if err != nil {
			return err
		}
	}
	for _, p := range profiles {
		if err := s.insertProfile(ctx, p, true); err != nil {
			return err
		}
	}
	for _, tc := range completions {
		if err := s.RecordTaskCompletion(ctx, tc); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts down the pool.
func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PGStore) CreateCampaign(ctx context.Context, c core.Campaign) error {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO gate_campaigns (id, name, sponsor, target_roles, target_tools, required_task,
  subsidy_per_call_cents, budget_total_cents, budget_remaining_cents, query_urls, active, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO NOTHING
`, c.ID.String(), c.Name, c.Sponsor, c.TargetRoles, c.TargetTools, c.RequiredTask,
		c.SubsidyPerCallCents, c.BudgetTotalCents, c.BudgetRemainingCents, c.QueryURLs, c.Active, c.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateCampaign
	}
	return nil
}

const campaignColumns = `id, name, sponsor, target_roles, target_tools, required_task,
  subsidy_per_call_cents, budget_total_cents, budget_remaining_cents, query_urls, active, created_at`

func scanCampaign(row pgx.Row) (core.Campaign, error) {
	var c core.Campaign
	var id string
	err := row.Scan(&id, &c.Name, &c.Sponsor, &c.TargetRoles, &c.TargetTools, &c.RequiredTask,
		&c.SubsidyPerCallCents, &c.BudgetTotalCents, &c.BudgetRemainingCents, &c.QueryURLs, &c.Active, &c.CreatedAt)
	if err != nil {
		return core.Campaign{}, err
	}
	c.ID, err = uuid.Parse(id)
	if err != nil {
		return core.Campaign{}, fmt.Errorf("campaign id %q: %w", id, err)
	}
	return c, nil
}

func (s *PGStore) GetCampaign(ctx context.Context, id uuid.UUID) (core.Campaign, error) {
	c, err := scanCampaign(s.pool.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM gate_campaigns WHERE id=$1`, id.String()))
	if err == pgx.ErrNoRows {
		return core.Campaign{}, ErrCampaignNotFound
	}
	return c, err
}

func (s *PGStore) ListCampaigns(ctx context.Context, filter core.CampaignFilter) ([]core.Campaign, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+campaignColumns+`
FROM gate_campaigns
WHERE ($1 = false OR active = true)
  AND budget_remaining_cents >= $2
ORDER BY created_at ASC, id ASC
`, filter.ActiveOnly, filter.MinBudgetCents)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// querier lets the guarded decrement run on the pool or inside a tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PGStore) DebitCampaign(ctx context.Context, id uuid.UUID, amountCents int64) error {
	return debitCampaign(ctx, s.pool, id, amountCents)
}

// debitCampaign is the guarded decrement: the WHERE clause rejects any
// debit that would push the remaining budget negative, so concurrent
// debits can never oversubscribe a campaign.
func debitCampaign(ctx context.Context, db querier, id uuid.UUID, amountCents int64) error {
	tag, err := db.Exec(ctx, `
UPDATE gate_campaigns
SET budget_remaining_cents = budget_remaining_cents - $2
WHERE id = $1 AND budget_remaining_cents >= $2
`, id.String(), amountCents)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM gate_campaigns WHERE id=$1)`, id.String()).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrCampaignNotFound
	}
	return ErrInsufficientBudget
}

func (s *PGStore) insertProfile(ctx context.Context, p core.Profile, ignoreConflict bool) error {
	attrs, err := json.Marshal(p.Attributes)
	if err != nil {
		return err
	}
	conflict := ""
	if ignoreConflict {
		conflict = " ON CONFLICT (id) DO NOTHING"
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO gate_profiles (id, email, region, roles, tools_used, attributes, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`+conflict,
		p.ID.String(), p.Email, p.Region, p.Roles, p.ToolsUsed, string(attrs), p.CreatedAt)
	if err != nil {
		return err
	}
	if !ignoreConflict && tag.RowsAffected() == 0 {
		return ErrDuplicateProfile
	}
	return nil
}

func (s *PGStore) CreateProfile(ctx context.Context, p core.Profile) error {
	_, err := s.GetProfile(ctx, p.ID)
	if err == nil {
		return ErrDuplicateProfile
	}
	if err != ErrProfileNotFound {
		return err
	}
	return s.insertProfile(ctx, p, false)
}

func scanProfile(row pgx.Row) (core.Profile, error) {
	var p core.Profile
	var id string
	var attrs []byte
	err := row.Scan(&id, &p.Email, &p.Region, &p.Roles, &p.ToolsUsed, &attrs, &p.CreatedAt)
	if err != nil {
		return core.Profile{}, err
	}
	p.ID, err = uuid.Parse(id)
	if err != nil {
		return core.Profile{}, fmt.Errorf("profile id %q: %w", id, err)
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
			return core.Profile{}, err
		}
	}
	return p, nil
}

const profileColumns = `id, email, region, roles, tools_used, attributes, created_at`

func (s *PGStore) GetProfile(ctx context.Context, id uuid.UUID) (core.Profile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM gate_profiles WHERE id=$1`, id.String()))
	if err == pgx.ErrNoRows {
		return core.Profile{}, ErrProfileNotFound
	}
	return p, err
}

func (s *PGStore) ListProfiles(ctx context.Context) ([]core.Profile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+profileColumns+` FROM gate_profiles ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) RecordTaskCompletion(ctx context.Context, tc core.TaskCompletion) error {
	var details *string
	if tc.Details != "" {
		details = &tc.Details
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO gate_task_completions (id, campaign_id, user_id, task_name, details, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (campaign_id, user_id, task_name) DO NOTHING
`, tc.ID.String(), tc.CampaignID.String(), tc.UserID.String(), tc.TaskName, details, tc.CreatedAt)
	return err
}

func (s *PGStore) HasCompletedTask(ctx context.Context, campaignID, userID uuid.UUID, taskName string) (bool, error) {
	var done bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM gate_task_completions
  WHERE campaign_id=$1 AND user_id=$2 AND task_name=$3
)`, campaignID.String(), userID.String(), taskName).Scan(&done)
	return done, err
}

func (s *PGStore) CountTaskCompletions(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM gate_task_completions WHERE campaign_id=$1`,
		campaignID.String()).Scan(&count)
	return count, err
}

const paymentColumns = `tx_hash, campaign_id, service, amount_cents, payer, source, status, created_at`

func scanPayment(row pgx.Row) (core.PaymentRecord, error) {
	var rec core.PaymentRecord
	var campaignID *string
	err := row.Scan(&rec.TxHash, &campaignID, &rec.Service, &rec.AmountCents,
		&rec.Payer, &rec.Source, &rec.Status, &rec.CreatedAt)
	if err != nil {
		return core.PaymentRecord{}, err
	}
	if campaignID != nil {
		id, err := uuid.Parse(*campaignID)
		if err != nil {
			return core.PaymentRecord{}, fmt.Errorf("payment campaign id %q: %w", *campaignID, err)
		}
		rec.CampaignID = &id
	}
	return rec, nil
}

func campaignIDText(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func (s *PGStore) RecordPayment(ctx context.Context, rec core.PaymentRecord, budgetApplied bool) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM gate_payments WHERE tx_hash=$1 FOR UPDATE`, rec.TxHash).Scan(&status)
	switch {
	case err == pgx.ErrNoRows:
		_, err = tx.Exec(ctx, `
INSERT INTO gate_payments (tx_hash, campaign_id, service, amount_cents, payer, source, status, budget_applied, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, rec.TxHash, campaignIDText(rec.CampaignID), rec.Service, rec.AmountCents,
			rec.Payer, string(rec.Source), string(rec.Status), budgetApplied, rec.CreatedAt)
		if err != nil {
			return false, err
		}
		return true, tx.Commit(ctx)
	case err != nil:
		return false, err
	}

	if core.PaymentStatus(status) == rec.Status {
		return false, tx.Commit(ctx)
	}
	if core.PaymentStatus(status) == core.PaymentStatusSettled && rec.Status == core.PaymentStatusFailed {
		return false, ErrStatusRegression
	}
	_, err = tx.Exec(ctx, `
UPDATE gate_payments SET status=$2, budget_applied = budget_applied OR $3 WHERE tx_hash=$1
`, rec.TxHash, string(rec.Status), budgetApplied)
	if err != nil {
		return false, err
	}
	return false, tx.Commit(ctx)
}

func (s *PGStore) GetPayment(ctx context.Context, txHash string) (core.PaymentRecord, error) {
	rec, err := scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM gate_payments WHERE tx_hash=$1`, txHash))
	if err == pgx.ErrNoRows {
		return core.PaymentRecord{}, ErrPaymentNotFound
	}
	return rec, err
}

func (s *PGStore) ApplySettlement(ctx context.Context, ev core.SettlementEvent) (SettlementOutcome, error) {
	hash := strings.TrimSpace(ev.TxHash)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SettlementIgnored, err
	}
	defer tx.Rollback(ctx)

	// The row lock serializes settlement events and gate decisions that
	// reference the same hash.
	var status string
	var budgetApplied bool
	err = tx.QueryRow(ctx,
		`SELECT status, budget_applied FROM gate_payments WHERE tx_hash=$1 FOR UPDATE`,
		hash).Scan(&status, &budgetApplied)
	switch {
	case err == pgx.ErrNoRows:
		applied := false
		if ev.Status == core.PaymentStatusSettled {
			applied, err = applySettlementDebit(ctx, tx, ev)
			if err != nil {
				return SettlementIgnored, err
			}
		}
		_, err = tx.Exec(ctx, `
INSERT INTO gate_payments (tx_hash, campaign_id, service, amount_cents, payer, source, status, budget_applied, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, hash, campaignIDText(ev.CampaignID), ev.Service, ev.AmountCents,
			ev.Payer, string(ev.Source), string(ev.Status), applied, time.Now())
		if err != nil {
			return SettlementIgnored, err
		}
		return SettlementApplied, tx.Commit(ctx)
	case err != nil:
		return SettlementIgnored, err
	}

	if core.PaymentStatus(status) == ev.Status {
		return SettlementIgnored, tx.Commit(ctx)
	}
	if core.PaymentStatus(status) == core.PaymentStatusSettled && ev.Status == core.PaymentStatusFailed {
		// A granted access never regresses silently.
		return SettlementIgnored, tx.Commit(ctx)
	}

	// failed -> settled: the only permitted transition.
	if !budgetApplied {
		budgetApplied, err = applySettlementDebit(ctx, tx, ev)
		if err != nil {
			return SettlementIgnored, err
		}
	}
	_, err = tx.Exec(ctx,
		`UPDATE gate_payments SET status=$2, budget_applied=$3 WHERE tx_hash=$1`,
		hash, string(core.PaymentStatusSettled), budgetApplied)
	if err != nil {
		return SettlementIgnored, err
	}
	return SettlementApplied, tx.Commit(ctx)
}

// applySettlementDebit debits the referenced campaign for a settled
// sponsor event. Returns whether the debit landed; insufficient budget
// keeps the record but skips the debit rather than going negative.
func applySettlementDebit(ctx context.Context, db querier, ev core.SettlementEvent) (bool, error) {
	if ev.Source != core.PaymentSourceSponsor || ev.CampaignID == nil {
		return false, nil
	}
	err := debitCampaign(ctx, db, *ev.CampaignID, ev.AmountCents)
	if err == ErrInsufficientBudget || err == ErrCampaignNotFound {
		log.Printf("settlement %s: campaign %s debit skipped: %v", ev.TxHash, ev.CampaignID, err)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const sponsoredAPIColumns = `id, name, creator, description, upstream_url, upstream_method,
  upstream_headers, service_key, price_override_cents, active, created_at`

func scanSponsoredAPI(row pgx.Row) (core.SponsoredAPI, error) {
	var api core.SponsoredAPI
	var id string
	var description *string
	var headers []byte
	err := row.Scan(&id, &api.Name, &api.Creator, &description, &api.UpstreamURL, &api.UpstreamMethod,
		&headers, &api.ServiceKey, &api.PriceOverrideCents, &api.Active, &api.CreatedAt)
	if err != nil {
		return core.SponsoredAPI{}, err
	}
	api.ID, err = uuid.Parse(id)
	if err != nil {
		return core.SponsoredAPI{}, fmt.Errorf("sponsored api id %q: %w", id, err)
	}
	if description != nil {
		api.Description = *description
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &api.UpstreamHeaders); err != nil {
			return core.SponsoredAPI{}, err
		}
	}
	return api, nil
}

func (s *PGStore) CreateSponsoredAPI(ctx context.Context, api core.SponsoredAPI) error {
	headers, err := json.Marshal(api.UpstreamHeaders)
	if err != nil {
		return err
	}
	var description *string
	if api.Description != "" {
		description = &api.Description
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO gate_sponsored_apis (id, name, creator, description, upstream_url, upstream_method,
  upstream_headers, service_key, price_override_cents, active, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO NOTHING
`, api.ID.String(), api.Name, api.Creator, description, api.UpstreamURL, api.UpstreamMethod,
		string(headers), api.ServiceKey, api.PriceOverrideCents, api.Active, api.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateSponsoredAPI
	}
	return nil
}

func (s *PGStore) GetSponsoredAPI(ctx context.Context, id uuid.UUID) (core.SponsoredAPI, error) {
	api, err := scanSponsoredAPI(s.pool.QueryRow(ctx,
		`SELECT `+sponsoredAPIColumns+` FROM gate_sponsored_apis WHERE id=$1`, id.String()))
	if err == pgx.ErrNoRows {
		return core.SponsoredAPI{}, ErrSponsoredAPINotFound
	}
	return api, err
}

func (s *PGStore) ListSponsoredAPIs(ctx context.Context) ([]core.SponsoredAPI, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sponsoredAPIColumns+` FROM gate_sponsored_apis ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.SponsoredAPI
	for rows.Next() {
		api, err := scanSponsoredAPI(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, api)
	}
	return out, rows.Err()
}

func (s *PGStore) SponsorSpend(ctx context.Context, campaignID uuid.UUID) (int, int64, error) {
	var calls int
	var cents int64
	err := s.pool.QueryRow(ctx, `
SELECT count(*), COALESCE(sum(amount_cents), 0)
FROM gate_payments
WHERE campaign_id=$1 AND source='sponsor' AND status='settled'
`, campaignID.String()).Scan(&calls, &cents)
	return calls, cents, err
}
