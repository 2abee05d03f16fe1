// Package notify turns audit events into bilingual notifications and
// delivers them to webhooks and a Redis stream.
package notify

import (
	"encoding/json"
	"fmt"

	"journeygate/internal/domain"
	"journeygate/internal/events"
)

type Template struct {
	Kind    string
	TitleJa string
	TitleEn string
	BodyJa  string
	BodyEn  string
}

var Templates = map[string]Template{
	"JOURNEY_ADVANCED": {
		Kind:    "journey_update",
		TitleJa: "ステージ更新",
		TitleEn: "Journey Stage Updated",
		BodyJa:  "購入ジャーニーのステージが更新されました。",
		BodyEn:  "Your purchase journey stage has been updated.",
	},
	"ESCALATION_REQUIRED": {
		Kind:    "escalation",
		TitleJa: "宅建士対応が必要です",
		TitleEn: "Professional Review Required",
		BodyJa:  "この件は宅地建物取引士の確認が必要です。担当者に連絡しました。",
		BodyEn:  "This matter requires review by a licensed professional. We've notified your agent.",
	},
	"ACTION_APPROVAL": {
		Kind:    "action_approval",
		TitleJa: "承認リクエスト",
		TitleEn: "Approval Required",
		BodyJa:  "AIが提案したアクションの承認をお願いします。",
		BodyEn:  "Please approve an action proposed by the AI assistant.",
	},
}

// eventTemplates maps the audit events that notify to their template.
var eventTemplates = map[string]string{
	events.JourneyTransitioned:     "JOURNEY_ADVANCED",
	events.EscalationRequired:      "ESCALATION_REQUIRED",
	events.ActionApprovalRequested: "ACTION_APPROVAL",
}

// EventTypes lists the audit event types that produce notifications.
func EventTypes() []string {
	out := make([]string, 0, len(eventTemplates))
	for t := range eventTemplates {
		out = append(out, t)
	}
	return out
}

type Notification struct {
	ID         string          `json:"id"`
	EventID    int64           `json:"event_id"`
	EventType  string          `json:"event_type"`
	Template   string          `json:"template"`
	Kind       string          `json:"kind"`
	UserID     string          `json:"user_id,omitempty"`
	JourneyID  string          `json:"journey_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Channels   []string        `json:"channels"`
	Locale     string          `json:"locale"`
	Title      string          `json:"title"`
	Body       string          `json:"body"`
	TitleJa    string          `json:"title_ja"`
	TitleEn    string          `json:"title_en"`
	BodyJa     string          `json:"body_ja"`
	BodyEn     string          `json:"body_en"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  string          `json:"created_at"`
}

// Render builds the notification for evt. ok is false for event types that
// do not notify.
func Render(evt domain.Event, channels map[string][]string, defaultLocale string) (Notification, bool) {
	key, ok := eventTemplates[evt.Type]
	if !ok {
		return Notification{}, false
	}
	tmpl := Templates[key]
	data := json.RawMessage(`{}`)
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		data = json.RawMessage(evt.Payload)
	}
	var hints struct {
		UserID string `json:"user_id"`
		Locale string `json:"locale"`
	}
	_ = json.Unmarshal(data, &hints)
	locale := hints.Locale
	if locale == "" {
		locale = defaultLocale
	}
	n := Notification{
		ID:         fmt.Sprintf("evt-%d", evt.ID),
		EventID:    evt.ID,
		EventType:  evt.Type,
		Template:   key,
		Kind:       tmpl.Kind,
		UserID:     hints.UserID,
		JourneyID:  evt.JourneyID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		Channels:   deliveryChannels(evt.Type, channels),
		Locale:     locale,
		TitleJa:    tmpl.TitleJa,
		TitleEn:    tmpl.TitleEn,
		BodyJa:     tmpl.BodyJa,
		BodyEn:     tmpl.BodyEn,
		Data:       data,
		CreatedAt:  evt.TS,
	}
	n.Title, n.Body = tmpl.TitleEn, tmpl.BodyEn
	if locale == "ja" {
		n.Title, n.Body = tmpl.TitleJa, tmpl.BodyJa
	}
	return n, true
}

// deliveryChannels always includes in_app.
func deliveryChannels(evtType string, configured map[string][]string) []string {
	out := []string{"in_app"}
	for _, ch := range configured[evtType] {
		if ch != "" && ch != "in_app" {
			out = append(out, ch)
		}
	}
	return out
}
