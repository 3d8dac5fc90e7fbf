package gate

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	core "sponsorgate-backend/core/sponsorship"
	storage "sponsorgate-backend/storage/sponsorship"
)

type stubQR struct{}

func (stubQR) GenerateChallengeQR(payTo string, amountCents int64) ([]byte, error) {
	return []byte("png"), nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, storage.Store, *ChallengeStore) {
	t.Helper()

	store := storage.NewSeededMemoryStore()
	metrics := NewMetrics()
	challenges := NewChallengeStore(time.Minute)
	t.Cleanup(challenges.Stop)

	orch := NewOrchestrator(store, challenges, MockVerifier{}, stubPricer{price: 5}, metrics, "sponsorgate:treasury", time.Second)
	rec := NewReconciler(store, metrics)
	srv := NewServer(store, orch, rec, challenges, stubQR{}, metrics, NewRateLimiter(1000, 1000), StaticKeyValidator{}, NewUpstreamCaller(time.Second))

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return srv, ts, store, challenges
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRunSponsoredCall(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/services/scraping/run", map[string]string{
		"user_id": storage.FixtureProfileAnalystID.String(),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get(X402VersionHeader) != X402Version {
		t.Fatal("missing x402 version header")
	}

	encoded := resp.Header.Get(PaymentResponseHeader)
	if encoded == "" {
		t.Fatal("missing payment-response header")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode receipt header: %v", err)
	}
	var receipt Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		t.Fatalf("parse receipt: %v", err)
	}
	if receipt.Source != core.PaymentSourceSponsor || receipt.AmountCents != 5 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	var body struct {
		PaidBy string `json:"paid_by"`
	}
	decodeBody(t, resp, &body)
	if body.PaidBy != "sponsor" {
		t.Fatalf("expected sponsor paid, got %q", body.PaidBy)
	}
}

func TestRunPaymentRequiredFlow(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	// Storage is not covered by any seeded campaign.
	resp := postJSON(t, ts.URL+"/api/services/storage/run", map[string]string{
		"user_id": storage.FixtureProfileAnalystID.String(),
	})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	encoded := resp.Header.Get(PaymentRequiredHeader)
	if encoded == "" {
		t.Fatal("missing payment-required header")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode challenge header: %v", err)
	}
	var challenge ChallengeToken
	if err := json.Unmarshal(raw, &challenge); err != nil {
		t.Fatalf("parse challenge: %v", err)
	}
	resp.Body.Close()

	// Pay and retry with the proof header.
	proof := EncodePaymentProof(PaymentProof{
		Token:     challenge.Token,
		TxHash:    "0xserver",
		Signature: "sig",
	})
	raw, _ = json.Marshal(map[string]string{"user_id": storage.FixtureProfileAnalystID.String()})
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/services/storage/run", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(PaymentSignatureHeader, proof)
	paid, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("paid request: %v", err)
	}
	defer paid.Body.Close()
	if paid.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after payment, got %d", paid.StatusCode)
	}
}

func TestRunTaskIncompleteReturns428(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/services/design/run", map[string]string{
		"user_id": storage.FixtureProfileDesignerID.String(),
	})
	if resp.StatusCode != http.StatusPreconditionRequired {
		t.Fatalf("expected 428, got %d", resp.StatusCode)
	}
	var body struct {
		TaskName   string `json:"task_name"`
		CampaignID string `json:"campaign_id"`
	}
	decodeBody(t, resp, &body)
	if body.TaskName != "join-community" {
		t.Fatalf("expected join-community, got %q", body.TaskName)
	}
	if body.CampaignID != storage.FixtureCampaignDesignID.String() {
		t.Fatalf("expected design campaign, got %q", body.CampaignID)
	}
}

func TestRunUnknownProfileReturns404(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/services/scraping/run", map[string]string{
		"user_id": uuid.NewString(),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestTaskCompleteThenSponsoredRun(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/tasks/complete", map[string]string{
		"campaign_id": storage.FixtureCampaignDesignID.String(),
		"user_id":     storage.FixtureProfileDesignerID.String(),
		"task_name":   "join-community",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	run := postJSON(t, ts.URL+"/api/services/design/run", map[string]string{
		"user_id": storage.FixtureProfileDesignerID.String(),
	})
	defer run.Body.Close()
	if run.StatusCode != http.StatusOK {
		t.Fatalf("expected sponsored call after task completion, got %d", run.StatusCode)
	}
}

func TestSettlementWebhookDuplicate(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	ev := map[string]interface{}{
		"tx_hash":      "0xabc",
		"service":      "scraping",
		"amount_cents": 5,
		"source":       "user",
		"status":       "settled",
	}
	resp := postJSON(t, ts.URL+"/api/webhooks/settlement", ev)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	dup := postJSON(t, ts.URL+"/api/webhooks/settlement", ev)
	if dup.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 for duplicate, got %d", dup.StatusCode)
	}
	var body struct {
		Duplicate bool   `json:"duplicate"`
		Outcome   string `json:"outcome"`
	}
	decodeBody(t, dup, &body)
	if !body.Duplicate || body.Outcome != "ignored" {
		t.Fatalf("unexpected duplicate body: %+v", body)
	}
}

func TestSettlementWebhookRejectsMalformed(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/webhooks/settlement", map[string]interface{}{
		"tx_hash":      "",
		"amount_cents": 5,
		"source":       "user",
		"status":       "settled",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDiscoveryListsFundedCampaigns(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/campaigns/discovery")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body struct {
		TotalCount int `json:"total_count"`
		Campaigns  []struct {
			ID             string `json:"id"`
			CallsRemaining int64  `json:"calls_remaining"`
		} `json:"campaigns"`
	}
	decodeBody(t, resp, &body)
	if body.TotalCount != 2 {
		t.Fatalf("expected 2 campaigns, got %d", body.TotalCount)
	}
	if body.Campaigns[0].ID != storage.FixtureCampaignScrapingID.String() {
		t.Fatal("expected oldest campaign first")
	}
	if body.Campaigns[0].CallsRemaining != 100 {
		t.Fatalf("expected 100 calls remaining, got %d", body.Campaigns[0].CallsRemaining)
	}
}

func TestCreateAndGetCampaign(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/campaigns", map[string]interface{}{
		"name":                   "New Push",
		"sponsor":                "Acme",
		"subsidy_per_call_cents": 2,
		"budget_total_cents":     200,
		"active":                 true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created core.Campaign
	decodeBody(t, resp, &created)
	if created.BudgetRemainingCents != 200 {
		t.Fatalf("remaining budget should equal total, got %d", created.BudgetRemainingCents)
	}

	get, err := http.Get(ts.URL + "/api/campaigns/" + created.ID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", get.StatusCode)
	}
}

func TestCreateCampaignRejectsNonPositiveBudget(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/campaigns", map[string]interface{}{
		"name":                   "Broke",
		"sponsor":                "Acme",
		"subsidy_per_call_cents": 0,
		"budget_total_cents":     100,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSponsorDashboard(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	// Burn a few sponsored calls first.
	for i := 0; i < 3; i++ {
		resp := postJSON(t, ts.URL+"/api/services/scraping/run", map[string]string{
			"user_id": storage.FixtureProfileAnalystID.String(),
		})
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/api/dashboard/sponsor/" + storage.FixtureCampaignScrapingID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body struct {
		SponsoredCalls       int   `json:"sponsored_calls"`
		SpendCents           int64 `json:"spend_cents"`
		BudgetRemainingCents int64 `json:"budget_remaining_cents"`
	}
	decodeBody(t, resp, &body)
	if body.SponsoredCalls != 3 || body.SpendCents != 15 {
		t.Fatalf("expected 3 calls / 15 cents, got %d / %d", body.SponsoredCalls, body.SpendCents)
	}
	if body.BudgetRemainingCents != 485 {
		t.Fatalf("expected 485 remaining, got %d", body.BudgetRemainingCents)
	}
}

func TestChallengeQREndpoint(t *testing.T) {
	_, ts, _, challenges := newTestServer(t)

	issued := challenges.Issue("scraping", 5, "sponsorgate:treasury")
	resp, err := http.Get(fmt.Sprintf("%s/api/challenges/%s/qr", ts.URL, issued.Token))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}

	missing, err := http.Get(ts.URL + "/api/challenges/chl-unknown/qr")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown token, got %d", missing.StatusCode)
	}
}

func TestAPIKeyGuardOnWrites(t *testing.T) {
	store := storage.NewSeededMemoryStore()
	metrics := NewMetrics()
	challenges := NewChallengeStore(time.Minute)
	t.Cleanup(challenges.Stop)

	orch := NewOrchestrator(store, challenges, MockVerifier{}, stubPricer{price: 5}, metrics, "sponsorgate:treasury", time.Second)
	rec := NewReconciler(store, metrics)
	srv := NewServer(store, orch, rec, challenges, stubQR{}, metrics, nil, StaticKeyValidator{Key: "secret"}, NewUpstreamCaller(time.Second))

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	resp := postJSON(t, ts.URL+"/api/campaigns", map[string]interface{}{
		"name": "x", "sponsor": "y", "subsidy_per_call_cents": 1, "budget_total_cents": 10,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without key, got %d", resp.StatusCode)
	}

	// Reads stay open.
	get, err := http.Get(ts.URL + "/api/campaigns")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("expected open read, got %d", get.StatusCode)
	}
}

func TestSponsoredAPIPublishAndFetch(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/sponsored-apis", map[string]interface{}{
		"name":            "Weather Lookup",
		"creator":         "acme",
		"upstream_url":    "https://upstream.example.com/weather",
		"upstream_method": "get",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var api core.SponsoredAPI
	decodeBody(t, resp, &api)
	if api.ServiceKey != core.SponsoredAPIServiceKey(api.ID) {
		t.Fatalf("unexpected service key %q", api.ServiceKey)
	}
	if api.UpstreamMethod != http.MethodGet {
		t.Fatalf("expected normalized GET, got %q", api.UpstreamMethod)
	}
	if !api.Active {
		t.Fatal("published api should start active")
	}

	get, err := http.Get(ts.URL + "/api/sponsored-apis/" + api.ID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var fetched core.SponsoredAPI
	decodeBody(t, get, &fetched)
	if fetched.ID != api.ID {
		t.Fatalf("fetched wrong api: %s", fetched.ID)
	}

	list, err := http.Get(ts.URL + "/api/sponsored-apis")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var listing struct {
		TotalCount int `json:"total_count"`
	}
	decodeBody(t, list, &listing)
	if listing.TotalCount != 1 {
		t.Fatalf("expected 1 api listed, got %d", listing.TotalCount)
	}

	bad := postJSON(t, ts.URL+"/api/sponsored-apis", map[string]interface{}{
		"name": "x", "creator": "y", "upstream_url": "not a url",
	})
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad url, got %d", bad.StatusCode)
	}
	badMethod := postJSON(t, ts.URL+"/api/sponsored-apis", map[string]interface{}{
		"name": "x", "creator": "y",
		"upstream_url": "https://upstream.example.com", "upstream_method": "DELETE",
	})
	badMethod.Body.Close()
	if badMethod.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad method, got %d", badMethod.StatusCode)
	}
}

func TestSponsoredAPIRunCoveredByCampaign(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `{"echo":%q}`, in["q"])
	}))
	t.Cleanup(upstream.Close)

	created := postJSON(t, ts.URL+"/api/sponsored-apis", map[string]interface{}{
		"name":         "Echo",
		"creator":      "acme",
		"upstream_url": upstream.URL,
	})
	var api core.SponsoredAPI
	decodeBody(t, created, &api)

	// Empty target sets make this campaign cover the minted service key.
	campResp := postJSON(t, ts.URL+"/api/campaigns", map[string]interface{}{
		"name":                   "Launch Boost",
		"sponsor":                "acme",
		"subsidy_per_call_cents": 5,
		"budget_total_cents":     50,
		"active":                 true,
	})
	var campaign core.Campaign
	decodeBody(t, campResp, &campaign)

	run := postJSON(t, ts.URL+"/api/sponsored-apis/"+api.ID.String()+"/run", map[string]interface{}{
		"user_id": storage.FixtureProfileAnalystID.String(),
		"input":   map[string]interface{}{"q": "ping"},
	})
	if run.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", run.StatusCode)
	}
	var body struct {
		PaidBy         string `json:"paid_by"`
		ServiceKey     string `json:"service_key"`
		UpstreamStatus int    `json:"upstream_status"`
		UpstreamBody   string `json:"upstream_body"`
	}
	decodeBody(t, run, &body)
	if body.PaidBy != string(core.PaymentSourceSponsor) {
		t.Fatalf("expected sponsor-paid call, got %q", body.PaidBy)
	}
	if body.ServiceKey != api.ServiceKey {
		t.Fatalf("unexpected service key %q", body.ServiceKey)
	}
	if body.UpstreamStatus != http.StatusOK || !strings.Contains(body.UpstreamBody, "ping") {
		t.Fatalf("upstream not reached: status=%d body=%q", body.UpstreamStatus, body.UpstreamBody)
	}

	// The debit shows up on the sponsor dashboard.
	dash, err := http.Get(ts.URL + "/api/dashboard/sponsor/" + campaign.ID.String())
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	var stats struct {
		SpendCents           int64 `json:"spend_cents"`
		BudgetRemainingCents int64 `json:"budget_remaining_cents"`
	}
	decodeBody(t, dash, &stats)
	if stats.SpendCents != 5 || stats.BudgetRemainingCents != 45 {
		t.Fatalf("expected 5 spent / 45 remaining, got %d / %d", stats.SpendCents, stats.BudgetRemainingCents)
	}
}

func TestSponsoredAPIRunPriceOverride(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true}`)
	}))
	t.Cleanup(upstream.Close)

	created := postJSON(t, ts.URL+"/api/sponsored-apis", map[string]interface{}{
		"name":                 "Premium Echo",
		"creator":              "acme",
		"upstream_url":         upstream.URL,
		"price_override_cents": 9,
	})
	var api core.SponsoredAPI
	decodeBody(t, created, &api)

	// No campaign targets the minted key, so the gate quotes the
	// creator's price instead of the pricing table.
	resp := postJSON(t, ts.URL+"/api/sponsored-apis/"+api.ID.String()+"/run", map[string]interface{}{
		"user_id": storage.FixtureProfileAnalystID.String(),
	})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Header.Get(PaymentRequiredHeader))
	if err != nil {
		t.Fatalf("decode challenge header: %v", err)
	}
	var challenge ChallengeToken
	if err := json.Unmarshal(raw, &challenge); err != nil {
		t.Fatalf("parse challenge: %v", err)
	}
	resp.Body.Close()
	if challenge.AmountCents != 9 {
		t.Fatalf("expected 9 cent challenge, got %d", challenge.AmountCents)
	}
	if challenge.Service != api.ServiceKey {
		t.Fatalf("challenge bound to %q, want %q", challenge.Service, api.ServiceKey)
	}

	proof := EncodePaymentProof(PaymentProof{
		Token:     challenge.Token,
		TxHash:    "0xapi",
		Signature: "sig",
	})
	raw, _ = json.Marshal(map[string]string{"user_id": storage.FixtureProfileAnalystID.String()})
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/sponsored-apis/"+api.ID.String()+"/run", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(PaymentSignatureHeader, proof)
	paid, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("paid request: %v", err)
	}
	if paid.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after payment, got %d", paid.StatusCode)
	}
	var body struct {
		PaidBy string `json:"paid_by"`
	}
	decodeBody(t, paid, &body)
	if body.PaidBy != string(core.PaymentSourceUser) {
		t.Fatalf("expected user-paid call, got %q", body.PaidBy)
	}
}
