package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"journeygate/internal/domain"
	"journeygate/internal/engine"
	"journeygate/internal/journey"
)

type ClassifyMessageInput struct {
	Message string `json:"message" jsonschema:"the user message to classify"`
	Locale  string `json:"locale,omitempty" jsonschema:"ja or en; defaults to the service locale"`
}

type ProposedActionInput struct {
	Type   string         `json:"type" jsonschema:"registered action type id, e.g. viewing.schedule"`
	Params map[string]any `json:"params,omitempty" jsonschema:"typed parameters of the action"`
}

type HandleMessageInput struct {
	UserID          string                `json:"user_id" jsonschema:"buyer the message came from"`
	Message         string                `json:"message" jsonschema:"the user message"`
	Channel         string                `json:"channel,omitempty" jsonschema:"web, line or app"`
	Locale          string                `json:"locale,omitempty" jsonschema:"ja or en"`
	Category        string                `json:"category,omitempty" jsonschema:"upstream mediation category A, B or C; may raise but never lower the local one"`
	ProposedActions []ProposedActionInput `json:"proposed_actions,omitempty" jsonschema:"actions the orchestrator wants to take"`
}

type ProposeActionInput struct {
	UserID    string         `json:"user_id,omitempty" jsonschema:"buyer; the journey is created on first contact"`
	JourneyID string         `json:"journey_id,omitempty" jsonschema:"journey id; takes precedence over user_id"`
	Type      string         `json:"type" jsonschema:"registered action type id"`
	Params    map[string]any `json:"params,omitempty" jsonschema:"typed parameters of the action"`
}

type GetActionInput struct {
	ID string `json:"id" jsonschema:"action request id"`
}

type GetJourneyInput struct {
	JourneyID string `json:"journey_id,omitempty" jsonschema:"journey id"`
	UserID    string `json:"user_id,omitempty" jsonschema:"buyer id, used when journey_id is empty"`
}

type MediationOutput struct {
	Category           string  `json:"category"`
	Confidence         float64 `json:"confidence"`
	Reason             string  `json:"reason"`
	RequiresEscalation bool    `json:"requires_escalation"`
	EscalationMessage  string  `json:"escalation_message,omitempty"`
	MatchedKeyword     string  `json:"matched_keyword,omitempty"`
}

type ActionOutput struct {
	ID                     string         `json:"id"`
	Type                   string         `json:"type"`
	JourneyID              string         `json:"journey_id,omitempty"`
	UserID                 string         `json:"user_id,omitempty"`
	Description            string         `json:"description"`
	Params                 map[string]any `json:"params"`
	NominalPermissionLevel string         `json:"nominal_permission_level"`
	PermissionLevel        string         `json:"permission_level"`
	EscalationReasons      []string       `json:"escalation_reasons"`
	Status                 string         `json:"status"`
	CreatedAt              string         `json:"created_at"`
	ResolvedAt             string         `json:"resolved_at,omitempty"`
	ResolvedBy             string         `json:"resolved_by,omitempty"`
}

type HandleMessageOutput struct {
	JourneyID      string          `json:"journey_id"`
	ResponseText   string          `json:"response_text"`
	Mediation      MediationOutput `json:"mediation"`
	ActionRequests []ActionOutput  `json:"action_requests"`
	Stage          string          `json:"stage"`
	StageLabel     string          `json:"stage_label"`
	Progress       int             `json:"progress"`
}

type JourneyOutput struct {
	ID                    string   `json:"id"`
	UserID                string   `json:"user_id"`
	Stage                 string   `json:"stage"`
	StageLabel            string   `json:"stage_label"`
	Progress              int      `json:"progress"`
	Version               int      `json:"version"`
	ShortlistedProperties []string `json:"shortlisted_properties"`
	ActivePropertyID      string   `json:"active_property_id,omitempty"`
	OfferSubmitted        bool     `json:"offer_submitted"`
	OfferAccepted         bool     `json:"offer_accepted"`
	ContractSigned        bool     `json:"contract_signed"`
	LoanApproved          bool     `json:"loan_approved"`
	SettlementDate        string   `json:"settlement_date,omitempty"`
	EscalatedToAgent      bool     `json:"escalated_to_agent"`
	Locale                string   `json:"locale"`
}

func (s *Server) registerTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "classify_message",
		Description: "Classify a buyer message into mediation category A (information), B (needs user approval) or C (licensed professional required)",
	}, s.handleClassifyMessage)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "handle_message",
		Description: "Classify a buyer message, escalate when needed and turn proposed actions into gated action requests",
	}, s.handleHandleMessage)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "propose_action",
		Description: "Propose one action; it is auto-approved, left pending for the buyer, or routed to a licensed professional",
	}, s.handleProposeAction)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_action",
		Description: "Fetch an action request and its current status",
	}, s.handleGetAction)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_journey",
		Description: "Fetch a buyer's purchase journey stage and context",
	}, s.handleGetJourney)
}

func (s *Server) handleClassifyMessage(ctx context.Context, req *sdk.CallToolRequest, input ClassifyMessageInput) (*sdk.CallToolResult, MediationOutput, error) {
	if input.Message == "" {
		return nil, MediationOutput{}, fmt.Errorf("message is required")
	}
	return nil, mediationOutput(s.engine.Classify(input.Message, input.Locale)), nil
}

func (s *Server) handleHandleMessage(ctx context.Context, req *sdk.CallToolRequest, input HandleMessageInput) (*sdk.CallToolResult, HandleMessageOutput, error) {
	if input.UserID == "" {
		return nil, HandleMessageOutput{}, fmt.Errorf("user_id is required")
	}
	msg := engine.MessageRequest{
		UserID:  input.UserID,
		Message: input.Message,
		Channel: input.Channel,
		Locale:  input.Locale,
	}
	if input.Category != "" {
		cat := domain.MediationCategory(input.Category)
		if cat.Rank() < 0 {
			return nil, HandleMessageOutput{}, fmt.Errorf("unknown category %q", input.Category)
		}
		msg.AuthoritativeCategory = &domain.MediationResult{Category: cat, Confidence: 1, Reason: "upstream classification"}
	}
	for _, pa := range input.ProposedActions {
		params, err := encodeParams(pa.Params)
		if err != nil {
			return nil, HandleMessageOutput{}, err
		}
		msg.ProposedActions = append(msg.ProposedActions, engine.ProposedAction{Type: pa.Type, Params: params})
	}
	resp, err := s.engine.HandleMessage(ctx, s.actor, msg)
	if err != nil {
		return nil, HandleMessageOutput{}, err
	}
	out := HandleMessageOutput{
		JourneyID:      resp.JourneyID,
		ResponseText:   resp.ResponseText,
		Mediation:      mediationOutput(resp.Mediation),
		ActionRequests: make([]ActionOutput, 0, len(resp.ActionRequests)),
		Stage:          string(resp.Stage),
		StageLabel:     resp.StageLabel,
		Progress:       resp.Progress,
	}
	for _, ar := range resp.ActionRequests {
		out.ActionRequests = append(out.ActionRequests, actionOutput(ar))
	}
	return nil, out, nil
}

func (s *Server) handleProposeAction(ctx context.Context, req *sdk.CallToolRequest, input ProposeActionInput) (*sdk.CallToolResult, ActionOutput, error) {
	if input.Type == "" {
		return nil, ActionOutput{}, fmt.Errorf("type is required")
	}
	if input.JourneyID == "" && input.UserID == "" {
		return nil, ActionOutput{}, fmt.Errorf("journey_id or user_id is required")
	}
	params, err := encodeParams(input.Params)
	if err != nil {
		return nil, ActionOutput{}, err
	}
	ar, err := s.engine.ProposeAction(ctx, s.actor, engine.ProposeOptions{
		JourneyID: input.JourneyID,
		UserID:    input.UserID,
		Type:      input.Type,
		Params:    params,
	})
	if err != nil {
		return nil, ActionOutput{}, err
	}
	return nil, actionOutput(ar), nil
}

func (s *Server) handleGetAction(ctx context.Context, req *sdk.CallToolRequest, input GetActionInput) (*sdk.CallToolResult, ActionOutput, error) {
	if input.ID == "" {
		return nil, ActionOutput{}, fmt.Errorf("id is required")
	}
	ar, err := s.engine.GetAction(ctx, s.actor, input.ID)
	if err != nil {
		return nil, ActionOutput{}, err
	}
	return nil, actionOutput(ar), nil
}

func (s *Server) handleGetJourney(ctx context.Context, req *sdk.CallToolRequest, input GetJourneyInput) (*sdk.CallToolResult, JourneyOutput, error) {
	var (
		j   domain.Journey
		err error
	)
	switch {
	case input.JourneyID != "":
		j, err = s.engine.GetJourney(ctx, s.actor, input.JourneyID)
	case input.UserID != "":
		j, err = s.engine.GetJourneyByUser(ctx, s.actor, input.UserID)
	default:
		return nil, JourneyOutput{}, fmt.Errorf("journey_id or user_id is required")
	}
	if err != nil {
		return nil, JourneyOutput{}, err
	}
	return nil, journeyOutput(j), nil
}

func encodeParams(params map[string]any) (json.RawMessage, error) {
	if len(params) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return raw, nil
}

func mediationOutput(m domain.MediationResult) MediationOutput {
	return MediationOutput{
		Category:           string(m.Category),
		Confidence:         m.Confidence,
		Reason:             m.Reason,
		RequiresEscalation: m.RequiresEscalation,
		EscalationMessage:  m.EscalationMessage,
		MatchedKeyword:     m.MatchedKeyword,
	}
}

func actionOutput(ar domain.ActionRequest) ActionOutput {
	out := ActionOutput{
		ID:                     ar.ID,
		Type:                   ar.Type,
		JourneyID:              ar.JourneyID,
		UserID:                 ar.UserID,
		Description:            ar.Description,
		Params:                 map[string]any{},
		NominalPermissionLevel: string(ar.NominalPermissionLevel),
		PermissionLevel:        string(ar.PermissionLevel),
		EscalationReasons:      append([]string{}, ar.EscalationReasons...),
		Status:                 string(ar.Status),
		CreatedAt:              ar.CreatedAt,
	}
	if len(ar.Params) > 0 {
		_ = json.Unmarshal(ar.Params, &out.Params)
	}
	if ar.ResolvedAt != nil {
		out.ResolvedAt = *ar.ResolvedAt
	}
	if ar.ResolvedBy != nil {
		out.ResolvedBy = *ar.ResolvedBy
	}
	return out
}

func journeyOutput(j domain.Journey) JourneyOutput {
	return JourneyOutput{
		ID:                    j.ID,
		UserID:                j.UserID,
		Stage:                 string(j.State),
		StageLabel:            journey.Label(j.State, j.Context.Locale),
		Progress:              journey.Progress(j.State),
		Version:               j.Version,
		ShortlistedProperties: append([]string{}, j.Context.ShortlistedProperties...),
		ActivePropertyID:      j.Context.ActivePropertyID,
		OfferSubmitted:        j.Context.OfferSubmitted,
		OfferAccepted:         j.Context.OfferAccepted,
		ContractSigned:        j.Context.ContractSigned,
		LoanApproved:          j.Context.LoanApproved,
		SettlementDate:        j.Context.SettlementDate,
		EscalatedToAgent:      j.Context.EscalatedToAgent,
		Locale:                j.Context.Locale,
	}
}
