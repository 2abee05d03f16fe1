// Package journey implements the buyer's purchase journey state machine.
//
// Send is pure: it returns a new journey value and never mutates its input.
// Events that do not apply to the current state are no-ops.
package journey

import (
	"context"
	"log/slog"

	"journeygate/internal/domain"
)

type Outcome string

const (
	OutcomeTransitioned  Outcome = "transitioned"
	OutcomeUpdated       Outcome = "updated"
	OutcomeGuardRejected Outcome = "guard_rejected"
	OutcomeUnhandled     Outcome = "unhandled"
)

// Changed reports whether the journey value differs after the event.
func (o Outcome) Changed() bool {
	return o == OutcomeTransitioned || o == OutcomeUpdated
}

type Result struct {
	Journey domain.Journey
	From    domain.JourneyState
	To      domain.JourneyState
	Outcome Outcome
	Guard   string
}

type Machine struct {
	Logger *slog.Logger
}

func (m Machine) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// NewJourney returns the initial journey for a user.
func NewJourney(journeyID, userID, locale string) domain.Journey {
	return domain.Journey{
		ID:     journeyID,
		UserID: userID,
		State:  domain.StateExploring,
		Context: domain.JourneyContext{
			UserID:                userID,
			JourneyID:             journeyID,
			ShortlistedProperties: []string{},
			ViewingsScheduled:     []string{},
			ViewingsCompleted:     []string{},
			Locale:                locale,
		},
	}
}

type transition struct {
	guard  string
	allow  func(domain.JourneyContext) bool
	effect func(*domain.JourneyContext, Event)
	target domain.JourneyState
}

func shortlistNonEmpty(c domain.JourneyContext) bool { return len(c.ShortlistedProperties) > 0 }
func viewingsCompleted(c domain.JourneyContext) bool { return len(c.ViewingsCompleted) > 0 }

func addShortlist(c *domain.JourneyContext, ev Event) {
	c.ShortlistedProperties = addToSet(c.ShortlistedProperties, ev.PropertyID)
}

func escalate(c *domain.JourneyContext, _ Event) { c.EscalatedToAgent = true }

// table lists the handled events per state. A zero target means "stay".
var table = map[domain.JourneyState]map[EventType]transition{
	domain.StateExploring: {
		EventStartSearching:    {target: domain.StateSearching},
		EventShortlistProperty: {effect: addShortlist},
		EventEscalateToAgent:   {effect: escalate},
	},
	domain.StateSearching: {
		EventShortlistProperty: {effect: addShortlist},
		EventRemoveFromShortlist: {effect: func(c *domain.JourneyContext, ev Event) {
			c.ShortlistedProperties = removeFromSet(c.ShortlistedProperties, ev.PropertyID)
		}},
		EventScheduleViewing: {effect: func(c *domain.JourneyContext, ev Event) {
			c.ViewingsScheduled = addToSet(c.ViewingsScheduled, ev.PropertyID)
		}},
		EventStartEvaluation: {guard: "shortlist_non_empty", allow: shortlistNonEmpty, target: domain.StateEvaluating},
		EventEscalateToAgent: {effect: escalate},
	},
	domain.StateEvaluating: {
		EventCompleteViewing: {effect: func(c *domain.JourneyContext, ev Event) {
			c.ViewingsCompleted = addToSet(c.ViewingsCompleted, ev.PropertyID)
		}},
		EventStartNegotiation: {
			guard:  "viewings_completed_non_empty",
			allow:  viewingsCompleted,
			target: domain.StateNegotiating,
			effect: func(c *domain.JourneyContext, ev Event) {
				c.ActivePropertyID = ev.PropertyID
				c.EscalatedToAgent = true
			},
		},
		EventBackToSearching: {target: domain.StateSearching},
		EventEscalateToAgent: {effect: escalate},
	},
	domain.StateNegotiating: {
		EventSubmitOffer: {effect: func(c *domain.JourneyContext, _ Event) { c.OfferSubmitted = true }},
		EventOfferAccepted: {target: domain.StateContracting, effect: func(c *domain.JourneyContext, _ Event) {
			c.OfferAccepted = true
		}},
		EventOfferRejected:   {effect: func(c *domain.JourneyContext, _ Event) { c.OfferSubmitted = false }},
		EventBackToSearching: {target: domain.StateSearching},
		EventEscalateToAgent: {effect: escalate},
	},
	domain.StateContracting: {
		EventSignContract: {target: domain.StateClosing, effect: func(c *domain.JourneyContext, _ Event) {
			c.ContractSigned = true
		}},
		EventEscalateToAgent: {effect: escalate},
	},
	domain.StateClosing: {
		EventLoanApproved: {effect: func(c *domain.JourneyContext, _ Event) { c.LoanApproved = true }},
		EventLoanRejected: {effect: func(c *domain.JourneyContext, _ Event) { c.LoanApproved = false }},
		EventSetSettlementDate: {effect: func(c *domain.JourneyContext, ev Event) {
			c.SettlementDate = ev.Date
		}},
		EventSettlementComplete: {target: domain.StatePostPurchase},
		EventEscalateToAgent:    {effect: escalate},
	},
}

// Target returns the state ev would move a journey in s to. The bool is false
// when s does not handle ev.
func Target(s domain.JourneyState, ev EventType) (domain.JourneyState, bool) {
	tr, ok := table[s][ev]
	if !ok {
		return s, false
	}
	if tr.target == "" {
		return s, true
	}
	return tr.target, true
}

// Send applies one event. Unknown or inapplicable events leave the journey
// unchanged and are logged at WARN; failed guards are logged at INFO.
func (m Machine) Send(ctx context.Context, j domain.Journey, ev Event) Result {
	res := Result{Journey: j, From: j.State, To: j.State}
	tr, ok := table[j.State][ev.Type]
	if !ok {
		res.Outcome = OutcomeUnhandled
		m.logger().WarnContext(ctx, "journey event ignored",
			"journey_id", j.ID, "state", j.State, "event", ev.Type, "outcome", res.Outcome)
		return res
	}
	if tr.allow != nil && !tr.allow(j.Context) {
		res.Outcome = OutcomeGuardRejected
		res.Guard = tr.guard
		m.logger().InfoContext(ctx, "journey event blocked by guard",
			"journey_id", j.ID, "state", j.State, "event", ev.Type, "guard", tr.guard)
		return res
	}
	next := j
	next.Context = cloneContext(j.Context)
	if tr.effect != nil {
		tr.effect(&next.Context, ev)
	}
	res.Outcome = OutcomeUpdated
	if tr.target != "" && tr.target != j.State {
		next.State = tr.target
		res.To = tr.target
		res.Outcome = OutcomeTransitioned
	}
	res.Journey = next
	return res
}

// Replay rebuilds a journey by feeding events in order from the initial state.
func (m Machine) Replay(ctx context.Context, initial domain.Journey, events []Event) domain.Journey {
	j := initial
	for _, ev := range events {
		j = m.Send(ctx, j, ev).Journey
	}
	return j
}

func cloneContext(c domain.JourneyContext) domain.JourneyContext {
	c.ShortlistedProperties = append([]string{}, c.ShortlistedProperties...)
	c.ViewingsScheduled = append([]string{}, c.ViewingsScheduled...)
	c.ViewingsCompleted = append([]string{}, c.ViewingsCompleted...)
	return c
}

func addToSet(set []string, v string) []string {
	for _, s := range set {
		if s == v {
			return set
		}
	}
	return append(set, v)
}

func removeFromSet(set []string, v string) []string {
	out := set[:0]
	for _, s := range set {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
