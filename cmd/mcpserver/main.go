package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"sponsorgate-backend/gate"
	"sponsorgate-backend/mcp"
	"sponsorgate-backend/services"
	storage "sponsorgate-backend/storage/sponsorship"
)

type config struct {
	StoreDriver    string
	PGDSN          string
	Seed           bool
	PayTo          string
	ChallengeTTL   time.Duration
	VerifyProvider string
	VerifyAPIBase  string
	VerifyPath     string
	VerifyBearer   string
	VerifyTimeout  time.Duration
}

func loadConfig() config {
	ttl := gate.DefaultChallengeTTL
	if raw := os.Getenv("MCP_CHALLENGE_TTL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			ttl = time.Duration(v) * time.Second
		}
	}

	verifyTimeout := 10 * time.Second
	if raw := os.Getenv("MCP_VERIFY_TIMEOUT_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			verifyTimeout = time.Duration(v) * time.Second
		}
	}

	seed := true
	if raw := os.Getenv("MCP_SEED_FIXTURES"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			seed = v
		}
	}

	return config{
		StoreDriver:    envDefault("MCP_STORE_DRIVER", "memory"),
		PGDSN:          os.Getenv("MCP_PG_DSN"),
		Seed:           seed,
		PayTo:          envDefault("MCP_PAY_TO", "sponsorgate:treasury"),
		ChallengeTTL:   ttl,
		VerifyProvider: envDefault("MCP_VERIFY_PROVIDER", "mock"), // mock | facilitator
		VerifyAPIBase:  envDefault("MCP_VERIFY_API_BASE", "https://facilitator.example.com"),
		VerifyPath:     envDefault("MCP_VERIFY_PATH", "/v2/verify"),
		VerifyBearer:   os.Getenv("MCP_VERIFY_BEARER"),
		VerifyTimeout:  verifyTimeout,
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
			log.Fatal("MCP_PG_DSN required when MCP_STORE_DRIVER=postgres")
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
	defer challenges.Stop()

	verifier := gate.NewProofVerifier(cfg.VerifyProvider, cfg.VerifyAPIBase, cfg.VerifyPath, cfg.VerifyBearer, cfg.VerifyTimeout)
	orch := gate.NewOrchestrator(store, challenges, verifier, services.NewPricingService(), metrics, cfg.PayTo, cfg.VerifyTimeout)

	mcpServer := mcp.NewMCPServer(store, orch)

	log.Printf("SponsorGate MCP server starting (driver=%s)", cfg.StoreDriver)

	// stdio transport
	if err := server.ServeStdio(mcpServer.GetMCPServer()); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
