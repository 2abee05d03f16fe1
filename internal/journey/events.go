package journey

import (
	"fmt"
	"time"
)

type EventType string

const (
	EventStartSearching      EventType = "START_SEARCHING"
	EventShortlistProperty   EventType = "SHORTLIST_PROPERTY"
	EventRemoveFromShortlist EventType = "REMOVE_FROM_SHORTLIST"
	EventScheduleViewing     EventType = "SCHEDULE_VIEWING"
	EventStartEvaluation     EventType = "START_EVALUATION"
	EventCompleteViewing     EventType = "COMPLETE_VIEWING"
	EventStartNegotiation    EventType = "START_NEGOTIATION"
	EventBackToSearching     EventType = "BACK_TO_SEARCHING"
	EventSubmitOffer         EventType = "SUBMIT_OFFER"
	EventOfferAccepted       EventType = "OFFER_ACCEPTED"
	EventOfferRejected       EventType = "OFFER_REJECTED"
	EventSignContract        EventType = "SIGN_CONTRACT"
	EventLoanApproved        EventType = "LOAN_APPROVED"
	EventLoanRejected        EventType = "LOAN_REJECTED"
	EventSetSettlementDate   EventType = "SET_SETTLEMENT_DATE"
	EventSettlementComplete  EventType = "SETTLEMENT_COMPLETE"
	EventEscalateToAgent     EventType = "ESCALATE_TO_AGENT"
)

var knownEvents = map[EventType]bool{
	EventStartSearching: true, EventShortlistProperty: true, EventRemoveFromShortlist: true,
	EventScheduleViewing: true, EventStartEvaluation: true, EventCompleteViewing: true,
	EventStartNegotiation: true, EventBackToSearching: true, EventSubmitOffer: true,
	EventOfferAccepted: true, EventOfferRejected: true, EventSignContract: true,
	EventLoanApproved: true, EventLoanRejected: true, EventSetSettlementDate: true,
	EventSettlementComplete: true, EventEscalateToAgent: true,
}

// Event is a journey input. Only the fields relevant to Type are read.
type Event struct {
	Type       EventType `json:"type"`
	PropertyID string    `json:"property_id,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	Date       string    `json:"date,omitempty"`
}

// Known reports whether the machine recognises the event type at all.
func (e Event) Known() bool { return knownEvents[e.Type] }

// Validate checks the payload shape. It does not look at journey state.
func (e Event) Validate() error {
	if !e.Known() {
		return fmt.Errorf("unknown journey event %q", e.Type)
	}
	switch e.Type {
	case EventShortlistProperty, EventRemoveFromShortlist, EventScheduleViewing, EventCompleteViewing, EventStartNegotiation:
		if e.PropertyID == "" {
			return fmt.Errorf("%s requires property_id", e.Type)
		}
	case EventSubmitOffer:
		if e.PropertyID == "" {
			return fmt.Errorf("%s requires property_id", e.Type)
		}
		if e.Amount <= 0 {
			return fmt.Errorf("%s requires a positive amount", e.Type)
		}
	case EventSetSettlementDate:
		if _, err := time.Parse("2006-01-02", e.Date); err != nil {
			return fmt.Errorf("%s requires date as YYYY-MM-DD", e.Type)
		}
	}
	return nil
}
