package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"journeygate/internal/actions"
	"journeygate/internal/domain"
	"journeygate/internal/engine/auth"
	"journeygate/internal/escalation"
	"journeygate/internal/events"
	"journeygate/internal/journey"
	"journeygate/internal/telemetry"
)

type ProposedAction struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// MessageRequest is one inbound user message handed over by the orchestrator.
type MessageRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
	Channel string `json:"channel,omitempty"`
	Locale  string `json:"locale,omitempty"`
	// AuthoritativeCategory is an upstream classification; it may raise the
	// local one but never lower it.
	AuthoritativeCategory *domain.MediationResult `json:"authoritative_category,omitempty"`
	ProposedActions       []ProposedAction        `json:"proposed_actions,omitempty"`
}

type MessageResponse struct {
	JourneyID         string                   `json:"journey_id"`
	ResponseText      string                   `json:"response_text"`
	MediationCategory domain.MediationCategory `json:"mediation_category"`
	Mediation         domain.MediationResult   `json:"mediation"`
	ActionRequests    []domain.ActionRequest   `json:"action_requests"`
	Stage             domain.JourneyState      `json:"stage"`
	StageLabel        string                   `json:"stage_label"`
	Progress          int                      `json:"progress"`
}

var approvalPrompts = map[string]string{
	"ja": "ご確認が必要な操作が%d件あります。",
	"en": "%d action(s) are waiting for your approval.",
}

// HandleMessage classifies a message, escalates when needed and turns the
// orchestrator's proposed actions into gated action requests.
func (e Engine) HandleMessage(ctx context.Context, p auth.Principal, in MessageRequest) (MessageResponse, error) {
	if strings.TrimSpace(in.Message) == "" && len(in.ProposedActions) == 0 {
		return MessageResponse{}, errors.New("message required")
	}
	for _, pa := range in.ProposedActions {
		if _, err := e.Registry.Lookup(pa.Type); err != nil {
			return MessageResponse{}, err
		}
		if _, _, err := actions.DecodeParams(pa.Type, pa.Params); err != nil {
			return MessageResponse{}, err
		}
	}
	ctx, span := telemetry.Tracer().Start(ctx, "journeygate.handle_message")
	defer span.End()

	j, _, err := e.EnsureJourney(ctx, p, in.UserID, in.Locale)
	if err != nil {
		return MessageResponse{}, err
	}
	locale := in.Locale
	if locale == "" {
		locale = j.Context.Locale
	}
	pre := e.Classifier.Classify(in.Message, locale)
	med := e.Classifier.Reconcile(pre, in.AuthoritativeCategory, locale)
	span.SetAttributes(attribute.String("mediation.category", string(med.Category)))

	if err := e.recordMediation(ctx, p.ActorID, j, in, med); err != nil {
		return MessageResponse{}, err
	}
	if med.RequiresEscalation && !j.Context.EscalatedToAgent {
		change, err := e.sendEvent(ctx, p.ActorID, j.ID, journey.Event{Type: journey.EventEscalateToAgent}, sendOptions{quiet: true})
		if err != nil {
			return MessageResponse{}, err
		}
		j = change.Journey
	}

	resp := MessageResponse{
		JourneyID:         j.ID,
		MediationCategory: med.Category,
		Mediation:         med,
		ActionRequests:    []domain.ActionRequest{},
	}
	pending := 0
	for _, pa := range in.ProposedActions {
		req, err := e.ProposeAction(ctx, p, ProposeOptions{JourneyID: j.ID, Type: pa.Type, Params: pa.Params, Mediation: &med})
		if err != nil {
			return resp, fmt.Errorf("propose %s: %w", pa.Type, err)
		}
		if req.Status == domain.StatusPending {
			pending++
		}
		resp.ActionRequests = append(resp.ActionRequests, req)
	}

	switch {
	case med.RequiresEscalation:
		resp.ResponseText = med.EscalationMessage
	case pending > 0:
		tmpl, ok := approvalPrompts[locale]
		if !ok {
			tmpl = approvalPrompts["en"]
		}
		resp.ResponseText = fmt.Sprintf(tmpl, pending)
	}
	resp.Stage = j.State
	resp.StageLabel = journey.Label(j.State, locale)
	resp.Progress = journey.Progress(j.State)
	e.logger().InfoContext(ctx, "message handled",
		"journey_id", j.ID, "category", med.Category, "confidence", med.Confidence, "actions", len(resp.ActionRequests))
	return resp, nil
}

// Classify runs the mediation classifier without touching any journey.
func (e Engine) Classify(message, locale string) domain.MediationResult {
	if locale == "" {
		locale = e.defaultLocale()
	}
	return e.Classifier.Classify(message, locale)
}

func (e Engine) recordMediation(ctx context.Context, actorID string, j domain.Journey, in MessageRequest, med domain.MediationResult) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	payload := events.EventPayload{
		"category":            med.Category,
		"confidence":          med.Confidence,
		"reason":              med.Reason,
		"requires_escalation": med.RequiresEscalation,
		"channel":             in.Channel,
		"authoritative":       in.AuthoritativeCategory != nil,
	}
	if med.MatchedKeyword != "" {
		payload["matched_keyword"] = med.MatchedKeyword
	}
	if err := e.audit().Append(ctx, tx, events.MediationClassified, j.ID, "journey", j.ID, actorID, payload); err != nil {
		return err
	}
	if med.RequiresEscalation {
		if err := e.audit().Append(ctx, tx, events.EscalationRequired, j.ID, "journey", j.ID, actorID, events.EventPayload{
			"reason":             escalation.ReasonMediation,
			"stage":              j.State,
			"user_id":            j.UserID,
			"locale":             j.Context.Locale,
			"channel":            in.Channel,
			"message":            in.Message,
			"escalation_message": med.EscalationMessage,
		}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	telemetry.RecordMediation(ctx, string(med.Category))
	if med.RequiresEscalation {
		telemetry.RecordEscalation(ctx, escalation.ReasonMediation)
	}
	return nil
}
