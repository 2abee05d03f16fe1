// Package escalation decides when a licensed professional must review an
// action, overriding the action's nominal permission level.
package escalation

import (
	"fmt"

	"journeygate/internal/config"
	"journeygate/internal/domain"
	"journeygate/internal/journey"
)

const (
	ReasonStage       = "stage_requires_professional"
	ReasonMediation   = "mediation_category_c"
	ReasonActionLevel = "action_requires_professional"
)

type Input struct {
	Stage     domain.JourneyState
	Mediation *domain.MediationResult
	Request   *domain.ActionRequest
}

type Decision struct {
	Required bool     `json:"required"`
	Reasons  []string `json:"reasons,omitempty"`
}

type Coordinator struct {
	// ProfessionalStages overrides the stage metadata when non-empty.
	ProfessionalStages map[domain.JourneyState]bool
}

func FromConfig(cfg *config.Config) Coordinator {
	c := Coordinator{}
	if len(cfg.Escalation.ProfessionalStages) > 0 {
		c.ProfessionalStages = map[domain.JourneyState]bool{}
		for _, s := range cfg.Escalation.ProfessionalStages {
			c.ProfessionalStages[domain.JourneyState(s)] = true
		}
	}
	return c
}

func (c Coordinator) StageRequiresProfessional(s domain.JourneyState) bool {
	if c.ProfessionalStages != nil {
		return c.ProfessionalStages[s]
	}
	st, ok := journey.StageOf(s)
	return ok && st.RequiresProfessional
}

// Evaluate is computed fresh on every call; nothing is cached.
func (c Coordinator) Evaluate(in Input) Decision {
	var d Decision
	if in.Stage != "" && c.StageRequiresProfessional(in.Stage) {
		d.Reasons = append(d.Reasons, ReasonStage)
	}
	if in.Mediation != nil && (in.Mediation.Category == domain.CategoryC || in.Mediation.RequiresEscalation) {
		d.Reasons = append(d.Reasons, ReasonMediation)
	}
	if in.Request != nil && in.Request.PermissionLevel == domain.PermissionProfessionalRequired {
		d.Reasons = append(d.Reasons, ReasonActionLevel)
	}
	d.Required = len(d.Reasons) > 0
	return d
}

// Enforce raises a request to professional_required. An approval given
// below that level is withdrawn: the request goes back to pending, since no
// professional has signed off on it. Finished requests and requests a
// professional already approved are returned as is.
func (c Coordinator) Enforce(req domain.ActionRequest, d Decision) (domain.ActionRequest, bool) {
	if !d.Required || req.Status.Terminal() {
		return req, false
	}
	if req.Status == domain.StatusApproved && req.PermissionLevel == domain.PermissionProfessionalRequired {
		return req, false
	}
	out := req
	changed := false
	if out.PermissionLevel != domain.PermissionProfessionalRequired {
		out.PermissionLevel = domain.PermissionProfessionalRequired
		changed = true
	}
	if out.Status == domain.StatusApproved {
		out.Status = domain.StatusPending
		out.ResolvedAt = nil
		out.ResolvedBy = nil
		changed = true
	}
	for _, r := range d.Reasons {
		if !contains(out.EscalationReasons, r) {
			out.EscalationReasons = append(append([]string{}, out.EscalationReasons...), r)
			changed = true
		}
	}
	return out, changed
}

// GateInFlight returns the requests that a journey now sitting in stage must
// raise before they execute.
func (c Coordinator) GateInFlight(stage domain.JourneyState, reqs []domain.ActionRequest) []domain.ActionRequest {
	if !c.StageRequiresProfessional(stage) {
		return nil
	}
	var out []domain.ActionRequest
	for _, r := range reqs {
		gated, changed := c.Enforce(r, Decision{Required: true, Reasons: []string{ReasonStage}})
		if changed {
			out = append(out, gated)
		}
	}
	return out
}

// contractEvents change the deal itself.
var contractEvents = map[journey.EventType]bool{
	journey.EventSubmitOffer:   true,
	journey.EventOfferAccepted: true,
	journey.EventSignContract:  true,
}

// GatesEvent reports whether ev, sent straight to a journey in stage, needs a
// professional. Contract events and forward moves out of a professional stage
// are gated. Backing out and escalating are not.
func (c Coordinator) GatesEvent(stage domain.JourneyState, ev journey.EventType) bool {
	if !c.StageRequiresProfessional(stage) {
		return false
	}
	to, ok := journey.Target(stage, ev)
	if !ok {
		return false
	}
	if contractEvents[ev] {
		return true
	}
	from, _ := journey.StageOf(stage)
	next, _ := journey.StageOf(to)
	return to != stage && next.Order > from.Order
}

// AuthorizeExecution is checked right before dispatch. A request approved
// below professional level cannot run while the journey is in a stage that
// needs a professional.
func (c Coordinator) AuthorizeExecution(stage domain.JourneyState, req domain.ActionRequest) error {
	if req.Status != domain.StatusApproved {
		return &domain.TransitionError{ActionID: req.ID, From: req.Status, To: domain.StatusExecuted}
	}
	if stage != "" && c.StageRequiresProfessional(stage) && req.PermissionLevel != domain.PermissionProfessionalRequired {
		return fmt.Errorf("%w: action %s cannot run during %s", domain.ErrProfessionalReviewRequired, req.ID, stage)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
