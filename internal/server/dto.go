package server

import (
	"encoding/json"

	"journeygate/internal/domain"
	"journeygate/internal/engine"
)

// Request payloads

type MessageRequest struct {
	UserID                string                  `json:"user_id"`
	Message               string                  `json:"message"`
	Channel               string                  `json:"channel,omitempty"`
	Locale                string                  `json:"locale,omitempty"`
	AuthoritativeCategory *domain.MediationResult `json:"authoritative_category,omitempty"`
	ProposedActions       []ProposedAction        `json:"proposed_actions,omitempty"`
}

type ProposedAction struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

type ClassifyRequest struct {
	Message string `json:"message"`
	Locale  string `json:"locale,omitempty"`
}

type StartJourneyRequest struct {
	UserID string `json:"user_id"`
	Locale string `json:"locale,omitempty"`
}

type JourneyEventRequest struct {
	Type            string `json:"type"`
	PropertyID      string `json:"property_id,omitempty"`
	Amount          int64  `json:"amount,omitempty"`
	Date            string `json:"date,omitempty"`
	ExpectedVersion int    `json:"expected_version,omitempty"`
}

type ProposeActionRequest struct {
	JourneyID string          `json:"journey_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Type      string          `json:"type"`
	Params    json.RawMessage `json:"params,omitempty"`
}

type ActionResultRequest struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type JourneyResponse struct {
	domain.Journey
	StageLabel string `json:"stage_label"`
	Progress   int    `json:"progress"`
}

type JourneyChangeResponse struct {
	Journey JourneyResponse        `json:"journey"`
	Event   string                 `json:"event"`
	From    domain.JourneyState    `json:"from"`
	To      domain.JourneyState    `json:"to"`
	Outcome string                 `json:"outcome" enum:"transitioned,updated,guard_rejected,unhandled"`
	Guard   string                 `json:"guard,omitempty"`
	Gated   []domain.ActionRequest `json:"gated"`
}

type ActionResponse struct {
	domain.ActionRequest
	Result *domain.ActionResult `json:"result,omitempty"`
}

type listJourneys struct {
	Items []JourneyResponse `json:"items"`
}

type listActions struct {
	Items []domain.ActionRequest `json:"items"`
}

type listActionTypes struct {
	Items []domain.ActionType `json:"items"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only returned on creation.
	Key string `json:"key,omitempty"`
}

type listAPIKeys struct {
	Items []APIKeyResponse `json:"items"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func toMessageRequest(in MessageRequest) engine.MessageRequest {
	out := engine.MessageRequest{
		UserID:                in.UserID,
		Message:               in.Message,
		Channel:               in.Channel,
		Locale:                in.Locale,
		AuthoritativeCategory: in.AuthoritativeCategory,
	}
	for _, pa := range in.ProposedActions {
		out.ProposedActions = append(out.ProposedActions, engine.ProposedAction{Type: pa.Type, Params: pa.Params})
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
