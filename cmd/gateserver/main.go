package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"sponsorgate-backend/gate"
	"sponsorgate-backend/services"
	storage "sponsorgate-backend/storage/sponsorship"
)

type config struct {
	Port            string
	StoreDriver     string
	PGDSN           string
	Seed            bool
	APIKey          string
	PayTo           string
	ChallengeTTL    time.Duration
	SweepInterval   time.Duration
	VerifyProvider  string
	VerifyAPIBase   string
	VerifyPath      string
	VerifyBearer    string
	VerifyTimeout   time.Duration
	FeedSync        bool
	FeedURL         string
	FeedInterval    time.Duration
	RateCapacity    int
	RateRefill      int
	UpstreamTimeout time.Duration
}

func loadConfig() config {
	ttl := gate.DefaultChallengeTTL
	if raw := os.Getenv("GATE_CHALLENGE_TTL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			ttl = time.Duration(v) * time.Second
		}
	}

	sweep := time.Minute
	if raw := os.Getenv("GATE_SWEEP_INTERVAL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			sweep = time.Duration(v) * time.Second
		}
	}

	feedInterval := time.Minute
	if raw := os.Getenv("GATE_FEED_SYNC_INTERVAL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			feedInterval = time.Duration(v) * time.Second
		}
	}

	verifyTimeout := 10 * time.Second
	if raw := os.Getenv("GATE_VERIFY_TIMEOUT_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			verifyTimeout = time.Duration(v) * time.Second
		}
	}

	upstreamTimeout := 15 * time.Second
	if raw := os.Getenv("GATE_UPSTREAM_TIMEOUT_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			upstreamTimeout = time.Duration(v) * time.Second
		}
	}

	seed := true
	if raw := os.Getenv("GATE_SEED_FIXTURES"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			seed = v
		}
	}

	capacity := 100
	if raw := os.Getenv("GATE_RATE_CAPACITY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			capacity = v
		}
	}
	refill := 10
	if raw := os.Getenv("GATE_RATE_REFILL_PER_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			refill = v
		}
	}

	return config{
		Port:            envDefault("GATE_PORT", "3001"),
		StoreDriver:     envDefault("GATE_STORE_DRIVER", "memory"),
		PGDSN:           os.Getenv("GATE_PG_DSN"),
		Seed:            seed,
		APIKey:          os.Getenv("GATE_API_KEY"),
		PayTo:           envDefault("GATE_PAY_TO", "sponsorgate:treasury"),
		ChallengeTTL:    ttl,
		SweepInterval:   sweep,
		VerifyProvider:  envDefault("GATE_VERIFY_PROVIDER", "mock"), // mock | facilitator
		VerifyAPIBase:   envDefault("GATE_VERIFY_API_BASE", "https://facilitator.example.com"),
		VerifyPath:      envDefault("GATE_VERIFY_PATH", "/v2/verify"),
		VerifyBearer:    os.Getenv("GATE_VERIFY_BEARER"),
		VerifyTimeout:   verifyTimeout,
		FeedSync:        os.Getenv("GATE_ENABLE_FEED_SYNC") == "true",
		FeedURL:         os.Getenv("GATE_FEED_URL"),
		FeedInterval:    feedInterval,
		RateCapacity:    capacity,
		RateRefill:      refill,
		UpstreamTimeout: upstreamTimeout,
	}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	cfg := loadConfig()

	ctx := context.Background()
	var store storage.Store
	var err error
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.PGDSN == "" {
			log.Fatal("GATE_PG_DSN required when GATE_STORE_DRIVER=postgres")
		}
		store, err = storage.NewPGStore(ctx, cfg.PGDSN, cfg.Seed)
	default:
		if cfg.Seed {
			store = storage.NewSeededMemoryStore()
		} else {
			store = storage.NewMemoryStore()
		}
	}
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	defer store.Close()

	metrics := gate.NewMetrics()

	challenges := gate.NewChallengeStore(cfg.ChallengeTTL)
	challenges.StartSweep(cfg.SweepInterval)
	defer challenges.Stop()

	verifier := gate.NewProofVerifier(cfg.VerifyProvider, cfg.VerifyAPIBase, cfg.VerifyPath, cfg.VerifyBearer, cfg.VerifyTimeout)
	pricing := services.NewPricingService()
	orch := gate.NewOrchestrator(store, challenges, verifier, pricing, metrics, cfg.PayTo, cfg.VerifyTimeout)
	reconciler := gate.NewReconciler(store, metrics)

	if cfg.FeedSync {
		if cfg.FeedURL == "" {
			log.Print("settlement feed sync disabled: GATE_FEED_URL not set")
		} else {
			feed := gate.NewHTTPSettlementFeed(cfg.FeedURL, cfg.VerifyBearer, cfg.VerifyTimeout)
			sync := gate.NewSettlementSync(reconciler, feed, cfg.FeedInterval)
			sync.Start()
			defer sync.Stop()
			log.Printf("settlement feed sync enabled (interval=%s)", cfg.FeedInterval)
		}
	}

	limiter := gate.NewRateLimiter(cfg.RateCapacity, cfg.RateRefill)
	upstream := gate.NewUpstreamCaller(cfg.UpstreamTimeout)
	srv := gate.NewServer(store, orch, reconciler, challenges, services.NewQRCodeService(), metrics, limiter, gate.StaticKeyValidator{Key: cfg.APIKey}, upstream)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	log.Printf("SponsorGate server starting on :%s (driver=%s, verify=%s)", cfg.Port, cfg.StoreDriver, cfg.VerifyProvider)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, mux))
}
