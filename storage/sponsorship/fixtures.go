package sponsorship

import (
	"time"

	"github.com/google/uuid"

	core "sponsorgate-backend/core/sponsorship"
)

// Fixture IDs are stable so demo clients and tests can reference them.
var (
	FixtureCampaignScrapingID = uuid.MustParse("11111111-1111-4111-8111-111111111111")
	FixtureCampaignDesignID   = uuid.MustParse("22222222-2222-4222-8222-222222222222")
	FixtureProfileAnalystID   = uuid.MustParse("33333333-3333-4333-8333-333333333333")
	FixtureProfileDesignerID  = uuid.MustParse("44444444-4444-4444-8444-444444444444")
)

// SeedData returns demo campaigns, profiles, and task completions for
// the memory driver and for seeding an empty Postgres database.
func SeedData() ([]core.Campaign, []core.Profile, []core.TaskCompletion) {
	base := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	campaigns := []core.Campaign{
		{
			ID:                   FixtureCampaignScrapingID,
			Name:                 "Scraping Starter",
			Sponsor:              "Acme Data Co",
			TargetRoles:          []string{"analyst", "developer"},
			TargetTools:          []string{"scraping", "data-tooling"},
			RequiredTask:         "watch-intro-video",
			SubsidyPerCallCents:  5,
			BudgetTotalCents:     500,
			BudgetRemainingCents: 500,
			QueryURLs:            []string{"https://acme.example/campaigns/scraping"},
			Active:               true,
			CreatedAt:            base,
		},
		{
			ID:                   FixtureCampaignDesignID,
			Name:                 "Design Trial",
			Sponsor:              "Pixelworks",
			TargetRoles:          []string{"designer"},
			TargetTools:          []string{"design"},
			RequiredTask:         "join-community",
			SubsidyPerCallCents:  8,
			BudgetTotalCents:     800,
			BudgetRemainingCents: 800,
			Active:               true,
			CreatedAt:            base.Add(24 * time.Hour),
		},
	}

	profiles := []core.Profile{
		{
			ID:        FixtureProfileAnalystID,
			Email:     "analyst@example.com",
			Region:    "us-east",
			Roles:     []string{"analyst"},
			ToolsUsed: []string{"scraping"},
			CreatedAt: base,
		},
		{
			ID:        FixtureProfileDesignerID,
			Email:     "designer@example.com",
			Region:    "eu-west",
			Roles:     []string{"designer"},
			ToolsUsed: []string{"design"},
			CreatedAt: base,
		},
	}

	completions := []core.TaskCompletion{
		{
			ID:         uuid.MustParse("55555555-5555-4555-8555-555555555555"),
			CampaignID: FixtureCampaignScrapingID,
			UserID:     FixtureProfileAnalystID,
			TaskName:   "watch-intro-video",
			Details:    "seeded",
			CreatedAt:  base.Add(time.Hour),
		},
	}

	return campaigns, profiles, completions
}
