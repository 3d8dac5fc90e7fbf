package sponsorship

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func testCampaign(active bool) Campaign {
	return Campaign{
		ID:                   uuid.New(),
		Name:                 "test",
		TargetRoles:          []string{"analyst"},
		TargetTools:          []string{"scraping"},
		RequiredTask:         "watch-intro-video",
		SubsidyPerCallCents:  5,
		BudgetTotalCents:     500,
		BudgetRemainingCents: 500,
		Active:               active,
		CreatedAt:            time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
	}
}

func testProfile(roles ...string) Profile {
	return Profile{ID: uuid.New(), Email: "t@example.com", Roles: roles}
}

func TestEvaluateEligible(t *testing.T) {
	result := Evaluate(testProfile("analyst"), testCampaign(true), "scraping", true)
	if !result.Eligible {
		t.Fatalf("expected eligible, got reason %q", result.Reason)
	}
}

func TestEvaluateReasons(t *testing.T) {
	p := testProfile("analyst")

	inactive := testCampaign(false)
	if r := Evaluate(p, inactive, "scraping", true); r.Reason != ReasonCampaignInactive {
		t.Fatalf("expected campaign_inactive, got %q", r.Reason)
	}

	c := testCampaign(true)
	if r := Evaluate(p, c, "design", true); r.Reason != ReasonToolMismatch {
		t.Fatalf("expected tool_mismatch, got %q", r.Reason)
	}

	if r := Evaluate(testProfile("designer"), c, "scraping", true); r.Reason != ReasonRoleMismatch {
		t.Fatalf("expected role_mismatch, got %q", r.Reason)
	}

	if r := Evaluate(p, c, "scraping", false); r.Reason != ReasonTaskIncomplete {
		t.Fatalf("expected task_incomplete, got %q", r.Reason)
	}

	exhausted := testCampaign(true)
	exhausted.BudgetRemainingCents = 4
	if r := Evaluate(p, exhausted, "scraping", true); r.Reason != ReasonBudgetExhausted {
		t.Fatalf("expected budget_exhausted, got %q", r.Reason)
	}
}

func TestServiceMatchesWildcard(t *testing.T) {
	c := testCampaign(true)
	c.TargetTools = nil
	if !ServiceMatches(c, "anything") {
		t.Fatal("empty target tools should match any service")
	}
}

func TestServiceMatchesCaseInsensitive(t *testing.T) {
	c := testCampaign(true)
	if !ServiceMatches(c, "Scraping") {
		t.Fatal("service match should ignore case")
	}
}

func TestRolesMatchWildcardAndCase(t *testing.T) {
	c := testCampaign(true)
	c.TargetRoles = nil
	if !RolesMatch(testProfile("anything"), c) {
		t.Fatal("empty target roles should match any profile")
	}

	c.TargetRoles = []string{"Analyst"}
	if !RolesMatch(testProfile("analyst"), c) {
		t.Fatal("role match should ignore case")
	}
}

func TestSortCampaignsStableOrder(t *testing.T) {
	base := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	older := testCampaign(true)
	older.CreatedAt = base
	newer := testCampaign(true)
	newer.CreatedAt = base.Add(time.Hour)

	tieA := testCampaign(true)
	tieA.ID = uuid.MustParse("aaaaaaaa-0000-4000-8000-000000000000")
	tieA.CreatedAt = base.Add(2 * time.Hour)
	tieB := testCampaign(true)
	tieB.ID = uuid.MustParse("bbbbbbbb-0000-4000-8000-000000000000")
	tieB.CreatedAt = base.Add(2 * time.Hour)

	campaigns := []Campaign{tieB, newer, tieA, older}
	SortCampaigns(campaigns)

	if campaigns[0].ID != older.ID || campaigns[1].ID != newer.ID {
		t.Fatal("campaigns not ordered by creation time")
	}
	if campaigns[2].ID != tieA.ID || campaigns[3].ID != tieB.ID {
		t.Fatal("creation time ties not broken by ID")
	}
}

func TestFirstEligiblePicksOldest(t *testing.T) {
	base := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	p := testProfile("analyst")

	newer := testCampaign(true)
	newer.CreatedAt = base.Add(time.Hour)
	older := testCampaign(true)
	older.CreatedAt = base

	allDone := func(c Campaign) (bool, error) { return true, nil }
	match, err := FirstEligible(p, []Campaign{newer, older}, "scraping", allDone)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match.Eligible == nil || match.Eligible.ID != older.ID {
		t.Fatal("expected the oldest eligible campaign to win")
	}
}

func TestFirstEligibleRemembersPendingTask(t *testing.T) {
	p := testProfile("analyst")
	c := testCampaign(true)

	noneDone := func(Campaign) (bool, error) { return false, nil }
	match, err := FirstEligible(p, []Campaign{c}, "scraping", noneDone)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match.Eligible != nil {
		t.Fatal("expected no eligible campaign")
	}
	if match.PendingTask == nil || match.PendingTask.ID != c.ID {
		t.Fatal("expected the task-blocked campaign to be reported")
	}
}

func TestFirstEligibleSkipsMismatches(t *testing.T) {
	p := testProfile("designer")
	c := testCampaign(true)

	lookupCalled := false
	lookup := func(Campaign) (bool, error) {
		lookupCalled = true
		return true, nil
	}
	match, err := FirstEligible(p, []Campaign{c}, "scraping", lookup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match.Eligible != nil || match.PendingTask != nil {
		t.Fatal("role-mismatched campaign should not match at all")
	}
	if lookupCalled {
		t.Fatal("task lookup should not run for mismatched campaigns")
	}
}
