package mcp

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	core "sponsorgate-backend/core/sponsorship"
	"sponsorgate-backend/gate"
	storage "sponsorgate-backend/storage/sponsorship"
)

// MCPServer exposes the sponsorship gateway to agents over MCP.
type MCPServer struct {
	mcpServer    *server.MCPServer
	store        storage.Store
	orchestrator *gate.Orchestrator
}

// NewMCPServer creates the MCP server and registers all tools.
func NewMCPServer(store storage.Store, orch *gate.Orchestrator) *MCPServer {
	mcpServer := server.NewMCPServer(
		"SponsorGate MCP Server",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s := &MCPServer{
		mcpServer:    mcpServer,
		store:        store,
		orchestrator: orch,
	}
	s.registerTools()
	return s
}

// GetMCPServer returns the underlying MCP server for transport setup.
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *MCPServer) registerTools() {
	s.registerDiscoverCampaignsTool()
	s.registerGetCampaignTool()
	s.registerCreateCampaignTool()
	s.registerRecordTaskCompletionTool()
	s.registerRunServiceTool()
	s.registerSponsorDashboardTool()
}

// registerDiscoverCampaignsTool lists campaigns with remaining budget.
func (s *MCPServer) registerDiscoverCampaignsTool() {
	tool := mcp.NewTool("discover_campaigns",
		mcp.WithDescription("List active sponsorship campaigns with remaining budget"),
		mcp.WithString("service", mcp.Description("Only campaigns covering this service")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		campaigns, err := s.store.ListCampaigns(ctx, core.CampaignFilter{ActiveOnly: true, MinBudgetCents: 1})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list campaigns: %v", err)), nil
		}
		core.SortCampaigns(campaigns)

		if service := toString(args["service"]); service != "" {
			filtered := campaigns[:0]
			for _, c := range campaigns {
				if core.ServiceMatches(c, service) {
					filtered = append(filtered, c)
				}
			}
			campaigns = filtered
		}

		result := map[string]interface{}{
			"campaigns":   campaigns,
			"total_count": len(campaigns),
		}
		return mcp.NewToolResultText(fmt.Sprintf("Found %d campaigns:\n\n%+v", len(campaigns), result)), nil
	})
}

func (s *MCPServer) registerGetCampaignTool() {
	tool := mcp.NewTool("get_campaign",
		mcp.WithDescription("Get details of a specific sponsorship campaign"),
		mcp.WithString("campaign_id", mcp.Required(), mcp.Description("ID of campaign to retrieve")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rawID, err := request.RequireString("campaign_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return mcp.NewToolResultError("invalid campaign id"), nil
		}

		campaign, err := s.store.GetCampaign(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get campaign: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Campaign details:\n\n%+v", campaign)), nil
	})
}

func (s *MCPServer) registerCreateCampaignTool() {
	tool := mcp.NewTool("create_campaign",
		mcp.WithDescription("Create a new sponsorship campaign"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Campaign name")),
		mcp.WithString("sponsor", mcp.Required(), mcp.Description("Sponsor name")),
		mcp.WithNumber("subsidy_per_call_cents", mcp.Required(), mcp.Description("Subsidy per call in cents")),
		mcp.WithNumber("budget_total_cents", mcp.Required(), mcp.Description("Total budget in cents")),
		mcp.WithArray("target_roles", mcp.Description("Roles the campaign targets, empty for all")),
		mcp.WithArray("target_tools", mcp.Description("Services the campaign covers, empty for all")),
		mcp.WithString("required_task", mcp.Description("Task users must complete before sponsorship")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		name, err := request.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sponsor, err := request.RequireString("sponsor")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		subsidy := toInt64(args["subsidy_per_call_cents"])
		budget := toInt64(args["budget_total_cents"])
		if subsidy <= 0 || budget <= 0 {
			return mcp.NewToolResultError("subsidy and budget must be positive"), nil
		}

		campaign := core.Campaign{
			ID:                   uuid.New(),
			Name:                 name,
			Sponsor:              sponsor,
			TargetRoles:          toStringSlice(args["target_roles"]),
			TargetTools:          toStringSlice(args["target_tools"]),
			RequiredTask:         toString(args["required_task"]),
			SubsidyPerCallCents:  subsidy,
			BudgetTotalCents:     budget,
			BudgetRemainingCents: budget,
			Active:               true,
			CreatedAt:            time.Now().UTC(),
		}
		if err := s.store.CreateCampaign(ctx, campaign); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create campaign: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Campaign created:\n\n%+v", campaign)), nil
	})
}

func (s *MCPServer) registerRecordTaskCompletionTool() {
	tool := mcp.NewTool("record_task_completion",
		mcp.WithDescription("Record that a user completed a campaign's gating task"),
		mcp.WithString("campaign_id", mcp.Required(), mcp.Description("ID of the campaign")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the user")),
		mcp.WithString("task_name", mcp.Required(), mcp.Description("Name of the completed task")),
		mcp.WithString("details", mcp.Description("Optional completion details")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		campaignID, err := parseRequiredID(request, "campaign_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		userID, err := parseRequiredID(request, "user_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		taskName, err := request.RequireString("task_name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		tc := core.TaskCompletion{
			ID:         uuid.New(),
			CampaignID: campaignID,
			UserID:     userID,
			TaskName:   taskName,
			Details:    toString(args["details"]),
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.store.RecordTaskCompletion(ctx, tc); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to record completion: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Task completion recorded:\n\n%+v", tc)), nil
	})
}

// registerRunServiceTool runs a gated service call through the same
// orchestrator as the HTTP run endpoint.
func (s *MCPServer) registerRunServiceTool() {
	tool := mcp.NewTool("run_service",
		mcp.WithDescription("Invoke a paid service; a sponsor covers the call when the user is eligible, otherwise a payment challenge is returned"),
		mcp.WithString("service", mcp.Required(), mcp.Description("Service name to invoke")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the calling user")),
		mcp.WithString("payment_proof", mcp.Description("Base64 payment proof for a previously issued challenge")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		service, err := request.RequireString("service")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		userID, err := parseRequiredID(request, "user_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		decision, err := s.orchestrator.Run(ctx, gate.RunRequest{
			UserID:      userID,
			Service:     service,
			ProofHeader: toString(args["payment_proof"]),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to run service: %v", err)), nil
		}

		switch decision.Kind {
		case gate.DecisionAllowed:
			return mcp.NewToolResultText(fmt.Sprintf("Service call completed:\n\n%+v", decision.Receipt)), nil
		case gate.DecisionPaymentRequired:
			return mcp.NewToolResultText(fmt.Sprintf("Payment required:\n\n%+v", decision.Challenge)), nil
		default:
			if decision.Reason == gate.DenyTaskIncomplete {
				return mcp.NewToolResultError(fmt.Sprintf("Complete task %q for campaign %s first", decision.TaskNeeded, decision.PendingFrom)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("Service call denied: %s", decision.Reason)), nil
		}
	})
}

func (s *MCPServer) registerSponsorDashboardTool() {
	tool := mcp.NewTool("sponsor_dashboard",
		mcp.WithDescription("Get spend and task completion stats for a campaign"),
		mcp.WithString("campaign_id", mcp.Required(), mcp.Description("ID of the campaign")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		campaignID, err := parseRequiredID(request, "campaign_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		campaign, err := s.store.GetCampaign(ctx, campaignID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get campaign: %v", err)), nil
		}
		calls, cents, err := s.store.SponsorSpend(ctx, campaignID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get spend: %v", err)), nil
		}
		completions, err := s.store.CountTaskCompletions(ctx, campaignID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to count completions: %v", err)), nil
		}

		result := map[string]interface{}{
			"campaign":               campaign,
			"sponsored_calls":        calls,
			"spend_cents":            cents,
			"budget_remaining_cents": campaign.BudgetRemainingCents,
			"task_completions":       completions,
		}
		return mcp.NewToolResultText(fmt.Sprintf("Sponsor dashboard:\n\n%+v", result)), nil
	})
}

func parseRequiredID(request mcp.CallToolRequest, key string) (uuid.UUID, error) {
	raw, err := request.RequireString(key)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s", key)
	}
	return id, nil
}

// Helper function to convert interface{} to string
func toString(val interface{}) string {
	if str, ok := val.(string); ok {
		return str
	}
	return ""
}

// Helper function to convert interface{} to int64
func toInt64(val interface{}) int64 {
	if i, ok := val.(int64); ok {
		return i
	}
	if i, ok := val.(int); ok {
		return int64(i)
	}
	if f, ok := val.(float64); ok {
		return int64(f)
	}
	if str, ok := val.(string); ok {
		if i, err := strconv.ParseInt(str, 10, 64); err == nil {
			return i
		}
	}
	return 0
}

func toStringSlice(val interface{}) []string {
	slice, ok := val.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, v := range slice {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out
}
