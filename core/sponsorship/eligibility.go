package sponsorship

import (
	"slices"
	"sort"
	"strings"
)

// IneligibleReason says why a campaign does not subsidize a call. The
// reasons stay distinct so callers can tell "pay to proceed" apart from
// "complete the sponsor task first".
type IneligibleReason string

const (
	ReasonCampaignInactive IneligibleReason = "campaign_inactive"
	ReasonToolMismatch     IneligibleReason = "tool_mismatch"
	ReasonRoleMismatch     IneligibleReason = "role_mismatch"
	ReasonTaskIncomplete   IneligibleReason = "task_incomplete"
	ReasonBudgetExhausted  IneligibleReason = "budget_exhausted"
)

// Eligibility is the outcome of evaluating one campaign for one call.
type Eligibility struct {
	Eligible bool
	Reason   IneligibleReason
}

func eligible() Eligibility { return Eligibility{Eligible: true} }

func ineligible(reason IneligibleReason) Eligibility {
	return Eligibility{Reason: reason}
}

// ServiceMatches reports whether the campaign targets the service. An
// empty target set is a wildcard.
func ServiceMatches(c Campaign, service string) bool {
	if len(c.TargetTools) == 0 {
		return true
	}
	return slices.ContainsFunc(c.TargetTools, func(t string) bool {
		return strings.EqualFold(t, service)
	})
}

// RolesMatch reports whether the profile shares at least one role with
// the campaign's target roles. An empty target set is a wildcard.
func RolesMatch(p Profile, c Campaign) bool {
	if len(c.TargetRoles) == 0 {
		return true
	}
	for _, role := range p.Roles {
		if slices.ContainsFunc(c.TargetRoles, func(t string) bool {
			return strings.EqualFold(t, role)
		}) {
			return true
		}
	}
	return false
}

// Evaluate decides whether profile qualifies for sponsor subsidy on the
// campaign for a given service. taskDone is the (campaign, user,
// required_task) completion lookup, resolved by the caller so this
// stays pure. Checks run cheapest-first; the first failure wins.
func Evaluate(p Profile, c Campaign, service string, taskDone bool) Eligibility {
	if !c.Active {
		return ineligible(ReasonCampaignInactive)
	}
	if !ServiceMatches(c, service) {
		return ineligible(ReasonToolMismatch)
	}
	if !RolesMatch(p, c) {
		return ineligible(ReasonRoleMismatch)
	}
	if !taskDone {
		return ineligible(ReasonTaskIncomplete)
	}
	if c.BudgetRemainingCents < c.SubsidyPerCallCents {
		return ineligible(ReasonBudgetExhausted)
	}
	return eligible()
}

// SortCampaigns orders campaigns by creation time, oldest first, with
// the ID as tie-break. This total order decides which sponsor is
// charged when several campaigns match, so it must stay deterministic.
func SortCampaigns(campaigns []Campaign) {
	sort.SliceStable(campaigns, func(i, j int) bool {
		if campaigns[i].CreatedAt.Equal(campaigns[j].CreatedAt) {
			return campaigns[i].ID.String() < campaigns[j].ID.String()
		}
		return campaigns[i].CreatedAt.Before(campaigns[j].CreatedAt)
	})
}

// TaskLookup resolves whether the user completed the campaign's
// required task.
type TaskLookup func(c Campaign) (bool, error)

// Match is the result of scanning the campaign set for a caller.
type Match struct {
	// Eligible is the first fully eligible campaign in stable order,
	// nil when none qualifies.
	Eligible *Campaign
	// PendingTask is the first campaign that matched on audience and
	// service but still waits on its gating task. Used for the
	// precondition error message.
	PendingTask *Campaign
}

// FirstEligible scans campaigns in the stable order and returns the
// first one the profile fully qualifies for, remembering the first
// task-incomplete match for error reporting.
func FirstEligible(p Profile, campaigns []Campaign, service string, lookup TaskLookup) (Match, error) {
	SortCampaigns(campaigns)

	var match Match
	for i := range campaigns {
		c := campaigns[i]
		if !c.Active || !ServiceMatches(c, service) || !RolesMatch(p, c) {
			continue
		}
		done, err := lookup(c)
		if err != nil {
			return Match{}, err
		}
		result := Evaluate(p, c, service, done)
		if result.Eligible {
			match.Eligible = &campaigns[i]
			return match, nil
		}
		if result.Reason == ReasonTaskIncomplete && match.PendingTask == nil {
			match.PendingTask = &campaigns[i]
		}
	}
	return match, nil
}
