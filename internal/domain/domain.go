package domain

import "encoding/json"

type PermissionLevel string

const (
	PermissionAutonomous           PermissionLevel = "autonomous"
	PermissionUserApproval         PermissionLevel = "user_approval"
	PermissionProfessionalRequired PermissionLevel = "professional_required"
)

// Rank orders levels from least to most oversight.
func (p PermissionLevel) Rank() int {
	switch p {
	case PermissionAutonomous:
		return 0
	case PermissionUserApproval:
		return 1
	case PermissionProfessionalRequired:
		return 2
	}
	return -1
}

func (p PermissionLevel) Valid() bool { return p.Rank() >= 0 }

type ActionStatus string

const (
	StatusPending  ActionStatus = "pending"
	StatusApproved ActionStatus = "approved"
	StatusDenied   ActionStatus = "denied"
	StatusExecuted ActionStatus = "executed"
	StatusFailed   ActionStatus = "failed"
)

func (s ActionStatus) Terminal() bool {
	return s == StatusDenied || s == StatusExecuted || s == StatusFailed
}

type ActionType struct {
	ID              string          `json:"id"`
	PermissionLevel PermissionLevel `json:"permission_level" enum:"autonomous,user_approval,professional_required"`
	DescriptionJa   string          `json:"description_ja"`
	DescriptionEn   string          `json:"description_en"`
}

// Description returns the localized description, falling back to English.
func (t ActionType) Description(locale string) string {
	if locale == "ja" && t.DescriptionJa != "" {
		return t.DescriptionJa
	}
	return t.DescriptionEn
}

type ActionRequest struct {
	ID                     string          `json:"id"`
	Type                   string          `json:"type"`
	JourneyID              string          `json:"journey_id,omitempty"`
	UserID                 string          `json:"user_id,omitempty"`
	Description            string          `json:"description"`
	DescriptionJa          string          `json:"description_ja"`
	Params                 json.RawMessage `json:"params"`
	NominalPermissionLevel PermissionLevel `json:"nominal_permission_level" enum:"autonomous,user_approval,professional_required"`
	PermissionLevel        PermissionLevel `json:"permission_level" enum:"autonomous,user_approval,professional_required"`
	EscalationReasons      []string        `json:"escalation_reasons,omitempty"`
	Status                 ActionStatus    `json:"status" enum:"pending,approved,denied,executed,failed"`
	CreatedAt              string          `json:"created_at" format:"date-time"`
	ResolvedAt             *string         `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy             *string         `json:"resolved_by,omitempty"`
	Version                int             `json:"version"`
}

// Escalated reports whether the request was raised above its registry level.
func (r ActionRequest) Escalated() bool {
	return r.PermissionLevel.Rank() > r.NominalPermissionLevel.Rank()
}

type ActionResult struct {
	ActionID   string          `json:"action_id"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ExecutedAt string          `json:"executed_at" format:"date-time"`
}

type MediationCategory string

const (
	CategoryA MediationCategory = "A"
	CategoryB MediationCategory = "B"
	CategoryC MediationCategory = "C"
)

// Rank orders categories by required oversight.
func (c MediationCategory) Rank() int {
	switch c {
	case CategoryA:
		return 0
	case CategoryB:
		return 1
	case CategoryC:
		return 2
	}
	return -1
}

type MediationResult struct {
	Category           MediationCategory `json:"category" enum:"A,B,C"`
	Confidence         float64           `json:"confidence"`
	Reason             string            `json:"reason"`
	RequiresEscalation bool              `json:"requires_escalation"`
	EscalationMessage  string            `json:"escalation_message,omitempty"`
	MatchedKeyword     string            `json:"matched_keyword,omitempty"`
}

type JourneyState string

const (
	StateExploring    JourneyState = "exploring"
	StateSearching    JourneyState = "searching"
	StateEvaluating   JourneyState = "evaluating"
	StateNegotiating  JourneyState = "negotiating"
	StateContracting  JourneyState = "contracting"
	StateClosing      JourneyState = "closing"
	StatePostPurchase JourneyState = "post_purchase"
)

type JourneyContext struct {
	UserID                string   `json:"user_id"`
	JourneyID             string   `json:"journey_id"`
	ShortlistedProperties []string `json:"shortlisted_properties"`
	ActivePropertyID      string   `json:"active_property_id,omitempty"`
	ViewingsScheduled     []string `json:"viewings_scheduled"`
	ViewingsCompleted     []string `json:"viewings_completed"`
	OfferSubmitted        bool     `json:"offer_submitted"`
	OfferAccepted         bool     `json:"offer_accepted"`
	ContractSigned        bool     `json:"contract_signed"`
	LoanApproved          bool     `json:"loan_approved"`
	SettlementDate        string   `json:"settlement_date,omitempty"`
	EscalatedToAgent      bool     `json:"escalated_to_agent"`
	Locale                string   `json:"locale"`
}

type Journey struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	State     JourneyState   `json:"state" enum:"exploring,searching,evaluating,negotiating,contracting,closing,post_purchase"`
	Context   JourneyContext `json:"context"`
	Version   int            `json:"version"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	JourneyID  string `json:"journey_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ActorProfile struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}
