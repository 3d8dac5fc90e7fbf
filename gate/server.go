package gate

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	core "sponsorgate-backend/core/sponsorship"
	storage "sponsorgate-backend/storage/sponsorship"
)

// APIKeyValidator guards the write endpoints.
type APIKeyValidator interface {
	Validate(key string) bool
}

// StaticKeyValidator accepts one configured key. An empty key disables
// auth, which is the local development default.
type StaticKeyValidator struct {
	Key string
}

func (v StaticKeyValidator) Validate(key string) bool {
	return v.Key == "" || key == v.Key
}

// ChallengeQR renders a challenge as a scannable image.
type ChallengeQR interface {
	GenerateChallengeQR(payTo string, amountCents int64) ([]byte, error)
}

// Server wires handlers for the sponsorship gateway endpoints.
type Server struct {
	store        storage.Store
	orchestrator *Orchestrator
	reconciler   *Reconciler
	challenges   *ChallengeStore
	qr           ChallengeQR
	metrics      *Metrics
	limiter      *RateLimiter
	apiKeys      APIKeyValidator
	upstream     *UpstreamCaller
}

// NewServer builds a Server over the assembled gate engine.
func NewServer(store storage.Store, orch *Orchestrator, rec *Reconciler, challenges *ChallengeStore, qr ChallengeQR, metrics *Metrics, limiter *RateLimiter, apiKeys APIKeyValidator, upstream *UpstreamCaller) *Server {
	return &Server{
		store:        store,
		orchestrator: orch,
		reconciler:   rec,
		challenges:   challenges,
		qr:           qr,
		metrics:      metrics,
		limiter:      limiter,
		apiKeys:      apiKeys,
		upstream:     upstream,
	}
}

// RegisterRoutes attaches handlers to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/profiles", s.authWrap(s.handleProfiles))
	mux.HandleFunc("/api/profiles/", s.authWrap(s.handleProfiles))
	mux.HandleFunc("/api/campaigns", s.authWrap(s.handleCampaigns))
	mux.HandleFunc("/api/campaigns/", s.authWrap(s.handleCampaigns))
	mux.HandleFunc("/api/campaigns/discovery", s.handleDiscovery)
	mux.HandleFunc("/api/tasks/complete", s.authWrap(s.handleTaskComplete))
	mux.HandleFunc("/api/services/", s.handleServiceRun)
	// Creation sits behind the API key; fetching and running a
	// published API is open, the payment gate does the guarding.
	mux.HandleFunc("/api/sponsored-apis", s.authWrap(s.handleSponsoredAPIs))
	mux.HandleFunc("/api/sponsored-apis/", s.handleSponsoredAPIDetail)
	mux.HandleFunc("/api/webhooks/settlement", s.authWrap(s.handleSettlementWebhook))
	mux.HandleFunc("/api/dashboard/sponsor/", s.handleSponsorDashboard)
	mux.HandleFunc("/api/challenges/", s.handleChallengeQR)
	mux.Handle("/metrics", s.metrics.Handler())
}

func (s *Server) authWrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKeys != nil && r.Method != http.MethodGet {
			key := r.Header.Get("X-API-Key")
			if !s.apiKeys.Validate(key) {
				Error(w, http.StatusForbidden, "invalid api key")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/profiles"), "/")

	switch r.Method {
	case http.MethodGet:
		if path == "" {
			profiles, err := s.store.ListProfiles(r.Context())
			if err != nil {
				s.respondError(w, "profiles", http.StatusInternalServerError, err.Error())
				return
			}
			s.respond(w, "profiles", http.StatusOK, map[string]interface{}{
				"profiles":    profiles,
				"total_count": len(profiles),
			})
			return
		}
		id, err := uuid.Parse(path)
		if err != nil {
			s.respondError(w, "profiles", http.StatusBadRequest, "invalid profile id")
			return
		}
		profile, err := s.store.GetProfile(r.Context(), id)
		if err != nil {
			if err == storage.ErrProfileNotFound {
				s.respondError(w, "profiles", http.StatusNotFound, err.Error())
				return
			}
			s.respondError(w, "profiles", http.StatusInternalServerError, err.Error())
			return
		}
		s.respond(w, "profiles", http.StatusOK, profile)
	case http.MethodPost:
		var body core.Profile
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.respondError(w, "profiles", http.StatusBadRequest, "invalid JSON body")
			return
		}
		if body.ID == uuid.Nil {
			body.ID = uuid.New()
		}
		if body.CreatedAt.IsZero() {
			body.CreatedAt = time.Now().UTC()
		}
		if err := s.store.CreateProfile(r.Context(), body); err != nil {
			if err == storage.ErrDuplicateProfile {
				s.respondError(w, "profiles", http.StatusConflict, err.Error())
				return
			}
			s.respondError(w, "profiles", http.StatusInternalServerError, err.Error())
			return
		}
		s.respond(w, "profiles", http.StatusCreated, body)
	default:
		s.respondError(w, "profiles", http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/campaigns"), "/")
	if path == "discovery" {
		s.handleDiscovery(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if path == "" {
			filter := core.CampaignFilter{
				ActiveOnly: r.URL.Query().Get("active") == "true",
			}
			campaigns, err := s.store.ListCampaigns(r.Context(), filter)
			if err != nil {
				s.respondError(w, "campaigns", http.StatusInternalServerError, err.Error())
				return
			}
			core.SortCampaigns(campaigns)
			s.respond(w, "campaigns", http.StatusOK, map[string]interface{}{
				"campaigns":   campaigns,
				"total_count": len(campaigns),
			})
			return
		}
		id, err := uuid.Parse(path)
		if err != nil {
			s.respondError(w, "campaigns", http.StatusBadRequest, "invalid campaign id")
			return
		}
		campaign, err := s.store.GetCampaign(r.Context(), id)
		if err != nil {
			if err == storage.ErrCampaignNotFound {
				s.respondError(w, "campaigns", http.StatusNotFound, err.Error())
				return
			}
			s.respondError(w, "campaigns", http.StatusInternalServerError, err.Error())
			return
		}
		s.respond(w, "campaigns", http.StatusOK, campaign)
	case http.MethodPost:
		var body core.Campaign
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.respondError(w, "campaigns", http.StatusBadRequest, "invalid JSON body")
			return
		}
		if body.SubsidyPerCallCents <= 0 || body.BudgetTotalCents <= 0 {
			s.respondError(w, "campaigns", http.StatusBadRequest, "subsidy and budget must be positive")
			return
		}
		if body.ID == uuid.Nil {
			body.ID = uuid.New()
		}
		if body.CreatedAt.IsZero() {
			body.CreatedAt = time.Now().UTC()
		}
		body.BudgetRemainingCents = body.BudgetTotalCents
		if err := s.store.CreateCampaign(r.Context(), body); err != nil {
			if err == storage.ErrDuplicateCampaign {
				s.respondError(w, "campaigns", http.StatusConflict, err.Error())
				return
			}
			s.respondError(w, "campaigns", http.StatusInternalServerError, err.Error())
			return
		}
		s.respond(w, "campaigns", http.StatusCreated, body)
	default:
		s.respondError(w, "campaigns", http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleDiscovery is the public campaign listing for agents deciding
// whether a sponsor would cover their calls. Exhausted and inactive
// campaigns are filtered out.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, "discovery", http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	campaigns, err := s.store.ListCampaigns(r.Context(), core.CampaignFilter{ActiveOnly: true, MinBudgetCents: 1})
	if err != nil {
		s.respondError(w, "discovery", http.StatusInternalServerError, err.Error())
		return
	}
	core.SortCampaigns(campaigns)

	type entry struct {
		ID                  string   `json:"id"`
		Name                string   `json:"name"`
		Sponsor             string   `json:"sponsor"`
		TargetRoles         []string `json:"target_roles"`
		TargetTools         []string `json:"target_tools"`
		RequiredTask        string   `json:"required_task,omitempty"`
		SubsidyPerCallCents int64    `json:"subsidy_per_call_cents"`
		CallsRemaining      int64    `json:"calls_remaining"`
	}
	entries := make([]entry, 0, len(campaigns))
	for _, c := range campaigns {
		entries = append(entries, entry{
			ID:                  c.ID.String(),
			Name:                c.Name,
			Sponsor:             c.Sponsor,
			TargetRoles:         c.TargetRoles,
			TargetTools:         c.TargetTools,
			RequiredTask:        c.RequiredTask,
			SubsidyPerCallCents: c.SubsidyPerCallCents,
			CallsRemaining:      c.BudgetRemainingCents / c.SubsidyPerCallCents,
		})
	}
	s.respond(w, "discovery", http.StatusOK, map[string]interface{}{
		"campaigns":   entries,
		"total_count": len(entries),
	})
}

type taskCompleteBody struct {
	CampaignID string `json:"campaign_id"`
	UserID     string `json:"user_id"`
	TaskName   string `json:"task_name"`
	Details    string `json:"details,omitempty"`
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, "tasks", http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body taskCompleteBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, "tasks", http.StatusBadRequest, "invalid JSON body")
		return
	}
	campaignID, err := uuid.Parse(body.CampaignID)
	if err != nil {
		s.respondError(w, "tasks", http.StatusBadRequest, "invalid campaign id")
		return
	}
	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		s.respondError(w, "tasks", http.StatusBadRequest, "invalid user id")
		return
	}
	if strings.TrimSpace(body.TaskName) == "" {
		s.respondError(w, "tasks", http.StatusBadRequest, "task_name is required")
		return
	}

	if _, err := s.store.GetCampaign(r.Context(), campaignID); err != nil {
		if err == storage.ErrCampaignNotFound {
			s.respondError(w, "tasks", http.StatusNotFound, err.Error())
			return
		}
		s.respondError(w, "tasks", http.StatusInternalServerError, err.Error())
		return
	}

	tc := core.TaskCompletion{
		ID:         uuid.New(),
		CampaignID: campaignID,
		UserID:     userID,
		TaskName:   body.TaskName,
		Details:    body.Details,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.RecordTaskCompletion(r.Context(), tc); err != nil {
		s.respondError(w, "tasks", http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, "tasks", http.StatusOK, map[string]interface{}{
		"campaign_id": campaignID.String(),
		"user_id":     userID.String(),
		"task_name":   body.TaskName,
		"completed":   true,
	})
}

type serviceRunBody struct {
	UserID string                 `json:"user_id"`
	Input  map[string]interface{} `json:"input,omitempty"`
}

// handleServiceRun is the paid entry point: POST /api/services/{name}/run.
func (s *Server) handleServiceRun(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/services/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "run" || parts[0] == "" {
		s.respondError(w, "services", http.StatusNotFound, "unknown service action")
		return
	}
	if r.Method != http.MethodPost {
		s.respondError(w, "services", http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	service := parts[0]

	var body serviceRunBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, "services", http.StatusBadRequest, "invalid JSON body")
		return
	}
	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		s.respondError(w, "services", http.StatusBadRequest, "invalid user id")
		return
	}

	if s.limiter != nil && !s.limiter.Allow(userID.String(), 1) {
		s.respondError(w, "services", http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	decision, err := s.orchestrator.Run(r.Context(), RunRequest{
		UserID:      userID,
		Service:     service,
		ProofHeader: r.Header.Get(PaymentSignatureHeader),
	})
	if err != nil {
		s.respondError(w, "services", http.StatusInternalServerError, err.Error())
		return
	}

	if !s.writeGateRefusal(w, "services", decision) {
		return
	}

	receipt, _ := json.Marshal(decision.Receipt)
	w.Header().Set(X402VersionHeader, X402Version)
	w.Header().Set(PaymentResponseHeader, base64.StdEncoding.EncodeToString(receipt))
	s.respond(w, "services", http.StatusOK, map[string]interface{}{
		"service": service,
		"status":  "completed",
		"paid_by": decision.Receipt.Source,
		"receipt": decision.Receipt,
	})
}

// writeGateRefusal writes the response for every non-allowed decision
// kind shared by the run endpoints. Returns true when the call may
// proceed.
func (s *Server) writeGateRefusal(w http.ResponseWriter, endpoint string, decision Decision) bool {
	switch decision.Kind {
	case DecisionAllowed:
		return true
	case DecisionPaymentRequired:
		challenge, _ := json.Marshal(decision.Challenge)
		w.Header().Set(X402VersionHeader, X402Version)
		w.Header().Set(PaymentRequiredHeader, base64.StdEncoding.EncodeToString(challenge))
		s.respond(w, endpoint, http.StatusPaymentRequired, map[string]interface{}{
			"error":           "payment required",
			"challenge":       decision.Challenge,
			"accepted_header": PaymentSignatureHeader,
			"next_step":       "pay the challenge amount, then retry with the payment-signature header",
		})
	case DecisionDenied:
		switch decision.Reason {
		case DenyProfileNotFound:
			s.respondError(w, endpoint, http.StatusNotFound, "profile not found")
		case DenyTaskIncomplete:
			s.respond(w, endpoint, http.StatusPreconditionRequired, map[string]interface{}{
				"error":       "sponsor task incomplete",
				"task_name":   decision.TaskNeeded,
				"campaign_id": decision.PendingFrom.String(),
			})
		default:
			s.respondErrorCode(w, endpoint, http.StatusPaymentRequired, "payment_rejected", "payment proof rejected")
		}
	default:
		s.respondError(w, endpoint, http.StatusInternalServerError, "unknown decision")
	}
	return false
}

type sponsoredAPICreateBody struct {
	Name               string            `json:"name"`
	Creator            string            `json:"creator"`
	Description        string            `json:"description,omitempty"`
	UpstreamURL        string            `json:"upstream_url"`
	UpstreamMethod     string            `json:"upstream_method,omitempty"`
	UpstreamHeaders    map[string]string `json:"upstream_headers,omitempty"`
	PriceOverrideCents int64             `json:"price_override_cents,omitempty"`
}

// handleSponsoredAPIs publishes and lists creator APIs:
// POST/GET /api/sponsored-apis.
func (s *Server) handleSponsoredAPIs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		apis, err := s.store.ListSponsoredAPIs(r.Context())
		if err != nil {
			s.respondError(w, "sponsored-apis", http.StatusInternalServerError, err.Error())
			return
		}
		s.respond(w, "sponsored-apis", http.StatusOK, map[string]interface{}{
			"sponsored_apis": apis,
			"total_count":    len(apis),
		})
	case http.MethodPost:
		var body sponsoredAPICreateBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.respondError(w, "sponsored-apis", http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(body.Name) == "" || strings.TrimSpace(body.Creator) == "" {
			s.respondError(w, "sponsored-apis", http.StatusBadRequest, "name and creator are required")
			return
		}
		target, err := url.ParseRequestURI(strings.TrimSpace(body.UpstreamURL))
		if err != nil || target.Host == "" {
			s.respondError(w, "sponsored-apis", http.StatusBadRequest, "upstream_url must be a valid URL")
			return
		}
		method := strings.ToUpper(strings.TrimSpace(body.UpstreamMethod))
		if method == "" {
			method = http.MethodPost
		}
		if !ValidUpstreamMethod(method) {
			s.respondError(w, "sponsored-apis", http.StatusBadRequest, "upstream_method must be GET or POST")
			return
		}
		if body.PriceOverrideCents < 0 {
			s.respondError(w, "sponsored-apis", http.StatusBadRequest, "price_override_cents must not be negative")
			return
		}

		id := uuid.New()
		api := core.SponsoredAPI{
			ID:                 id,
			Name:               body.Name,
			Creator:            body.Creator,
			Description:        body.Description,
			UpstreamURL:        target.String(),
			UpstreamMethod:     method,
			UpstreamHeaders:    body.UpstreamHeaders,
			ServiceKey:         core.SponsoredAPIServiceKey(id),
			PriceOverrideCents: body.PriceOverrideCents,
			Active:             true,
			CreatedAt:          time.Now().UTC(),
		}
		if err := s.store.CreateSponsoredAPI(r.Context(), api); err != nil {
			if err == storage.ErrDuplicateSponsoredAPI {
				s.respondError(w, "sponsored-apis", http.StatusConflict, err.Error())
				return
			}
			s.respondError(w, "sponsored-apis", http.StatusInternalServerError, err.Error())
			return
		}
		s.respond(w, "sponsored-apis", http.StatusCreated, api)
	default:
		s.respondError(w, "sponsored-apis", http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleSponsoredAPIDetail fetches one API or runs it through the
// payment gate: GET /api/sponsored-apis/{id},
// POST /api/sponsored-apis/{id}/run.
func (s *Server) handleSponsoredAPIDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sponsored-apis/"), "/")
	parts := strings.Split(path, "/")

	id, err := uuid.Parse(parts[0])
	if err != nil {
		s.respondError(w, "sponsored-apis", http.StatusBadRequest, "invalid sponsored api id")
		return
	}
	api, err := s.store.GetSponsoredAPI(r.Context(), id)
	if err != nil {
		if err == storage.ErrSponsoredAPINotFound {
			s.respondError(w, "sponsored-apis", http.StatusNotFound, err.Error())
			return
		}
		s.respondError(w, "sponsored-apis", http.StatusInternalServerError, err.Error())
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.respond(w, "sponsored-apis", http.StatusOK, api)
	case len(parts) == 2 && parts[1] == "run" && r.Method == http.MethodPost:
		s.runSponsoredAPI(w, r, api)
	default:
		s.respondError(w, "sponsored-apis", http.StatusNotFound, "unknown sponsored api action")
	}
}

func (s *Server) runSponsoredAPI(w http.ResponseWriter, r *http.Request, api core.SponsoredAPI) {
	if !api.Active {
		s.respondError(w, "sponsored-apis", http.StatusNotFound, "sponsored api is inactive")
		return
	}

	var body serviceRunBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, "sponsored-apis", http.StatusBadRequest, "invalid JSON body")
		return
	}
	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		s.respondError(w, "sponsored-apis", http.StatusBadRequest, "invalid user id")
		return
	}

	if s.limiter != nil && !s.limiter.Allow(userID.String(), 1) {
		s.respondError(w, "sponsored-apis", http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	// Calls are metered under the API's own service key, at the
	// creator's price when one is set.
	decision, err := s.orchestrator.Run(r.Context(), RunRequest{
		UserID:      userID,
		Service:     api.ServiceKey,
		ProofHeader: r.Header.Get(PaymentSignatureHeader),
		PriceCents:  api.PriceOverrideCents,
	})
	if err != nil {
		s.respondError(w, "sponsored-apis", http.StatusInternalServerError, err.Error())
		return
	}
	if !s.writeGateRefusal(w, "sponsored-apis", decision) {
		return
	}

	result, err := s.upstream.Call(r.Context(), api, body.Input)
	if err != nil {
		s.respondError(w, "sponsored-apis", http.StatusBadGateway, err.Error())
		return
	}

	receipt, _ := json.Marshal(decision.Receipt)
	w.Header().Set(X402VersionHeader, X402Version)
	w.Header().Set(PaymentResponseHeader, base64.StdEncoding.EncodeToString(receipt))
	s.respond(w, "sponsored-apis", http.StatusOK, map[string]interface{}{
		"api_id":          api.ID.String(),
		"service_key":     api.ServiceKey,
		"status":          "completed",
		"paid_by":         decision.Receipt.Source,
		"upstream_status": result.Status,
		"upstream_body":   result.Body,
		"receipt":         decision.Receipt,
	})
}

func (s *Server) handleSettlementWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, "webhooks", http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var ev core.SettlementEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.respondError(w, "webhooks", http.StatusBadRequest, "invalid JSON body")
		return
	}
	outcome, err := s.reconciler.Reconcile(r.Context(), ev)
	if err != nil {
		switch err {
		case ErrSettlementNoHash, ErrSettlementBadSource, ErrSettlementBadStatus, ErrSettlementBadAmount:
			s.respondError(w, "webhooks", http.StatusBadRequest, err.Error())
		default:
			s.respondError(w, "webhooks", http.StatusInternalServerError, err.Error())
		}
		return
	}
	if outcome == storage.SettlementIgnored {
		s.respond(w, "webhooks", http.StatusAccepted, map[string]interface{}{
			"tx_hash":   ev.TxHash,
			"outcome":   string(outcome),
			"duplicate": true,
		})
		return
	}
	s.respond(w, "webhooks", http.StatusOK, map[string]interface{}{
		"tx_hash": ev.TxHash,
		"outcome": string(outcome),
	})
}

// handleSponsorDashboard reports a campaign's spend to its sponsor:
// GET /api/dashboard/sponsor/{campaignID}.
func (s *Server) handleSponsorDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, "dashboard", http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/dashboard/sponsor/"), "/")
	id, err := uuid.Parse(path)
	if err != nil {
		s.respondError(w, "dashboard", http.StatusBadRequest, "invalid campaign id")
		return
	}
	campaign, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		if err == storage.ErrCampaignNotFound {
			s.respondError(w, "dashboard", http.StatusNotFound, err.Error())
			return
		}
		s.respondError(w, "dashboard", http.StatusInternalServerError, err.Error())
		return
	}
	calls, cents, err := s.store.SponsorSpend(r.Context(), id)
	if err != nil {
		s.respondError(w, "dashboard", http.StatusInternalServerError, err.Error())
		return
	}
	completions, err := s.store.CountTaskCompletions(r.Context(), id)
	if err != nil {
		s.respondError(w, "dashboard", http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, "dashboard", http.StatusOK, map[string]interface{}{
		"campaign":               campaign,
		"sponsored_calls":        calls,
		"spend_cents":            cents,
		"budget_remaining_cents": campaign.BudgetRemainingCents,
		"task_completions":       completions,
	})
}

// handleChallengeQR renders a pending challenge as a QR code:
// GET /api/challenges/{token}/qr.
func (s *Server) handleChallengeQR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, "challenges", http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/challenges/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "qr" {
		s.respondError(w, "challenges", http.StatusNotFound, "unknown challenge action")
		return
	}
	challenge, err := s.challenges.Peek(parts[0])
	if err != nil {
		s.respondError(w, "challenges", http.StatusNotFound, err.Error())
		return
	}
	image, err := s.qr.GenerateChallengeQR(challenge.PayTo, challenge.AmountCents)
	if err != nil {
		s.respondError(w, "challenges", http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.MarkRequest("challenges", http.StatusOK)
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(image)
}

func (s *Server) respond(w http.ResponseWriter, endpoint string, status int, payload interface{}) {
	s.metrics.MarkRequest(endpoint, status)
	JSON(w, status, payload)
}

func (s *Server) respondError(w http.ResponseWriter, endpoint string, status int, msg string) {
	s.metrics.MarkRequest(endpoint, status)
	Error(w, status, msg)
}

func (s *Server) respondErrorCode(w http.ResponseWriter, endpoint string, status int, code, msg string) {
	s.metrics.MarkRequest(endpoint, status)
	ErrorCode(w, status, code, msg)
}
