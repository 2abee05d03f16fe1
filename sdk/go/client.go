package journeygatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal JourneyGate HTTP API client for orchestrators.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Mediation is the A/B/C classification of a message.
type Mediation struct {
	Category           string  `json:"category"`
	Confidence         float64 `json:"confidence"`
	Reason             string  `json:"reason"`
	RequiresEscalation bool    `json:"requires_escalation"`
	EscalationMessage  string  `json:"escalation_message,omitempty"`
	MatchedKeyword     string  `json:"matched_keyword,omitempty"`
}

// ActionRequest is a gated action as returned by the API.
type ActionRequest struct {
	ID                     string          `json:"id"`
	Type                   string          `json:"type"`
	JourneyID              string          `json:"journey_id,omitempty"`
	UserID                 string          `json:"user_id,omitempty"`
	Description            string          `json:"description"`
	Params                 json.RawMessage `json:"params"`
	NominalPermissionLevel string          `json:"nominal_permission_level"`
	PermissionLevel        string          `json:"permission_level"`
	EscalationReasons      []string        `json:"escalation_reasons,omitempty"`
	Status                 string          `json:"status"`
	CreatedAt              string          `json:"created_at"`
	ResolvedAt             string          `json:"resolved_at,omitempty"`
	ResolvedBy             string          `json:"resolved_by,omitempty"`
	Version                int             `json:"version"`
	Result                 *ActionResult   `json:"result,omitempty"`
}

type ActionResult struct {
	ActionID   string          `json:"action_id"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ExecutedAt string          `json:"executed_at"`
}

// Journey is a buyer's purchase journey (partial context).
type Journey struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	State      string `json:"state"`
	StageLabel string `json:"stage_label"`
	Progress   int    `json:"progress"`
	Version    int    `json:"version"`
	Context    struct {
		ShortlistedProperties []string `json:"shortlisted_properties"`
		ActivePropertyID      string   `json:"active_property_id,omitempty"`
		OfferSubmitted        bool     `json:"offer_submitted"`
		OfferAccepted         bool     `json:"offer_accepted"`
		ContractSigned        bool     `json:"contract_signed"`
		LoanApproved          bool     `json:"loan_approved"`
		SettlementDate        string   `json:"settlement_date,omitempty"`
		EscalatedToAgent      bool     `json:"escalated_to_agent"`
		Locale                string   `json:"locale"`
	} `json:"context"`
}

type JourneyChange struct {
	Journey Journey         `json:"journey"`
	Event   string          `json:"event"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Outcome string          `json:"outcome"`
	Guard   string          `json:"guard,omitempty"`
	Gated   []ActionRequest `json:"gated"`
}

type ProposedAction struct {
	Type   string `json:"type"`
	Params any    `json:"params,omitempty"`
}

type Message struct {
	UserID          string           `json:"user_id"`
	Message         string           `json:"message"`
	Channel         string           `json:"channel,omitempty"`
	Locale          string           `json:"locale,omitempty"`
	ProposedActions []ProposedAction `json:"proposed_actions,omitempty"`
}

type MessageResponse struct {
	JourneyID      string          `json:"journey_id"`
	ResponseText   string          `json:"response_text"`
	Mediation      Mediation       `json:"mediation"`
	ActionRequests []ActionRequest `json:"action_requests"`
	Stage          string          `json:"stage"`
	StageLabel     string          `json:"stage_label"`
	Progress       int             `json:"progress"`
}

// JourneyEvent is one state machine input.
type JourneyEvent struct {
	Type            string `json:"type"`
	PropertyID      string `json:"property_id,omitempty"`
	Amount          int64  `json:"amount,omitempty"`
	Date            string `json:"date,omitempty"`
	ExpectedVersion int    `json:"expected_version,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	JourneyID  string `json:"journey_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type ActorProfile struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// HandleMessage classifies a buyer message and gates the proposed actions.
func (c *Client) HandleMessage(ctx context.Context, msg Message) (MessageResponse, error) {
	var resp MessageResponse
	err := c.do(ctx, http.MethodPost, "messages", msg, &resp)
	return resp, err
}

// Classify returns the mediation category without touching any journey.
func (c *Client) Classify(ctx context.Context, message, locale string) (Mediation, error) {
	var resp Mediation
	err := c.do(ctx, http.MethodPost, "classify", map[string]any{"message": message, "locale": locale}, &resp)
	return resp, err
}

// StartJourney returns the buyer's journey, creating it on first contact.
func (c *Client) StartJourney(ctx context.Context, userID, locale string) (Journey, error) {
	var resp Journey
	err := c.do(ctx, http.MethodPost, "journeys", map[string]any{"user_id": userID, "locale": locale}, &resp)
	return resp, err
}

func (c *Client) Journey(ctx context.Context, id string) (Journey, error) {
	var resp Journey
	err := c.do(ctx, http.MethodGet, "journeys/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) JourneyByUser(ctx context.Context, userID string) (Journey, error) {
	var resp Journey
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("users/%s/journey", url.PathEscape(userID)), nil, &resp)
	return resp, err
}

// SendEvent applies one event to a journey.
func (c *Client) SendEvent(ctx context.Context, journeyID string, ev JourneyEvent) (JourneyChange, error) {
	var resp JourneyChange
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("journeys/%s/events", url.PathEscape(journeyID)), ev, &resp)
	return resp, err
}

// ProposeAction proposes one action for the journey (or buyer) given.
func (c *Client) ProposeAction(ctx context.Context, journeyID, userID, actionType string, params any) (ActionRequest, error) {
	body := map[string]any{
		"journey_id": journeyID,
		"user_id":    userID,
		"type":       actionType,
	}
	if params != nil {
		body["params"] = params
	}
	var resp ActionRequest
	err := c.do(ctx, http.MethodPost, "actions", body, &resp)
	return resp, err
}

func (c *Client) Action(ctx context.Context, id string) (ActionRequest, error) {
	var resp ActionRequest
	err := c.do(ctx, http.MethodGet, "actions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ApproveAction(ctx context.Context, id string) (ActionRequest, error) {
	var resp ActionRequest
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("actions/%s/approve", url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) DenyAction(ctx context.Context, id string) (ActionRequest, error) {
	var resp ActionRequest
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("actions/%s/deny", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// RecordResult reports the outcome of an approved action the caller executed.
func (c *Client) RecordResult(ctx context.Context, id string, success bool, result any, errMsg string) (ActionRequest, error) {
	body := map[string]any{"success": success}
	if result != nil {
		body["result"] = result
	}
	if errMsg != "" {
		body["error"] = errMsg
	}
	var resp ActionRequest
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("actions/%s/result", url.PathEscape(id)), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Me returns the caller's roles and permissions.
func (c *Client) Me(ctx context.Context) (ActorProfile, error) {
	var resp ActorProfile
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
