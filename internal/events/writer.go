package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the audit log.
const (
	JourneyCreated          = "journey.created"
	JourneyTransitioned     = "journey.transitioned"
	JourneyUpdated          = "journey.updated"
	JourneyEventIgnored     = "journey.event.ignored"
	ActionCreated           = "action.created"
	ActionApprovalRequested = "action.approval_requested"
	ActionApproved          = "action.approved"
	ActionDenied            = "action.denied"
	ActionExpired           = "action.expired"
	ActionGated             = "action.gated"
	ActionDispatched        = "action.dispatched"
	ActionExecuted          = "action.executed"
	ActionFailed            = "action.failed"
	ActionExecutionBlocked  = "action.execution_blocked"
	EscalationRequired      = "escalation.required"
	MediationClassified     = "mediation.classified"
	RoleGranted             = "rbac.role.granted"
	RoleRevoked             = "rbac.role.revoked"
	APIKeyCreated           = "apikey.created"
	APIKeyRevoked           = "apikey.revoked"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, journeyID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,journey_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(journeyID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
