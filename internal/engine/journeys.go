package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"journeygate/internal/domain"
	"journeygate/internal/engine/auth"
	"journeygate/internal/escalation"
	"journeygate/internal/events"
	"journeygate/internal/journey"
	"journeygate/internal/repo"
	"journeygate/internal/telemetry"
)

// ErrInvalidEvent marks a known journey event with a malformed payload.
var ErrInvalidEvent = errors.New("invalid journey event")

// JourneyChange is the outcome of one journey event.
type JourneyChange struct {
	Journey domain.Journey         `json:"journey"`
	Event   journey.EventType      `json:"event"`
	From    domain.JourneyState    `json:"from"`
	To      domain.JourneyState    `json:"to"`
	Outcome journey.Outcome        `json:"outcome"`
	Guard   string                 `json:"guard,omitempty"`
	Gated   []domain.ActionRequest `json:"gated,omitempty"`
}

type sendOptions struct {
	expectedVersion int
	authorize       func(*sql.Tx, domain.Journey) error
	// quiet skips the escalation.required row for agent escalation when the
	// caller writes its own.
	quiet bool
}

// EnsureJourney returns the user's journey, creating it on first contact.
func (e Engine) EnsureJourney(ctx context.Context, p auth.Principal, userID, locale string) (domain.Journey, bool, error) {
	if userID == "" {
		return domain.Journey{}, false, errors.New("user_id required")
	}
	if locale == "" {
		locale = e.defaultLocale()
	}
	unlock := e.lock("user:" + userID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Journey{}, false, err
	}
	defer tx.Rollback()
	if err := e.Auth.RequireOwn(ctx, tx, p, auth.PermJourneyWrite, userID); err != nil {
		return domain.Journey{}, false, err
	}
	j, err := e.Repo.GetJourneyByUser(ctx, tx, userID)
	if err == nil {
		return j, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Journey{}, false, err
	}
	now := e.stamp()
	j = journey.NewJourney(e.newID(), userID, locale)
	j.Version = 1
	j.CreatedAt = now
	j.UpdatedAt = now
	if err := e.Repo.InsertJourney(ctx, tx, j); err != nil {
		return domain.Journey{}, false, fmt.Errorf("insert journey: %w", err)
	}
	if err := e.audit().Append(ctx, tx, events.JourneyCreated, j.ID, "journey", j.ID, p.ActorID,
		events.EventPayload{"user_id": userID, "locale": locale, "state": j.State}); err != nil {
		return domain.Journey{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Journey{}, false, err
	}
	e.logger().InfoContext(ctx, "journey created", "journey_id", j.ID, "user_id", userID, "locale", locale)
	return j, true, nil
}

func (e Engine) GetJourney(ctx context.Context, p auth.Principal, id string) (domain.Journey, error) {
	return e.readJourney(ctx, p, func(tx *sql.Tx) (domain.Journey, error) { return e.Repo.GetJourney(ctx, tx, id) })
}

func (e Engine) GetJourneyByUser(ctx context.Context, p auth.Principal, userID string) (domain.Journey, error) {
	return e.readJourney(ctx, p, func(tx *sql.Tx) (domain.Journey, error) { return e.Repo.GetJourneyByUser(ctx, tx, userID) })
}

func (e Engine) readJourney(ctx context.Context, p auth.Principal, load func(*sql.Tx) (domain.Journey, error)) (domain.Journey, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Journey{}, err
	}
	defer tx.Rollback()
	j, err := load(tx)
	if err != nil {
		return domain.Journey{}, err
	}
	if err := e.Auth.RequireOwn(ctx, tx, p, auth.PermJourneyRead, j.UserID); err != nil {
		return domain.Journey{}, err
	}
	return j, nil
}

func (e Engine) ListJourneys(ctx context.Context, p auth.Principal, f repo.JourneyFilters) ([]domain.Journey, error) {
	if err := e.require(ctx, p, auth.PermJourneyAny); err != nil {
		return nil, err
	}
	return e.Repo.ListJourneys(ctx, f)
}

// SendJourneyEvent applies ev to the journey. Events that do not apply are
// recorded as ignored and leave the journey untouched. A positive
// expectedVersion must match the stored version.
func (e Engine) SendJourneyEvent(ctx context.Context, p auth.Principal, journeyID string, ev journey.Event, expectedVersion int) (JourneyChange, error) {
	return e.sendEvent(ctx, p.ActorID, journeyID, ev, sendOptions{
		expectedVersion: expectedVersion,
		authorize: func(tx *sql.Tx, j domain.Journey) error {
			if !e.Escalation.GatesEvent(j.State, ev.Type) {
				return e.Auth.RequireOwn(ctx, tx, p, auth.PermJourneyWrite, j.UserID)
			}
			ok, err := e.Auth.Has(ctx, tx, p, auth.PermActionApproveProfessional)
			if err != nil {
				return err
			}
			if !ok {
				e.logger().WarnContext(ctx, "journey event needs a professional",
					"journey_id", j.ID, "event", ev.Type, "stage", j.State, "actor_id", p.ActorID)
				return fmt.Errorf("%w: %s during %s must come from a professional or an approved journey.advance request",
					domain.ErrProfessionalReviewRequired, ev.Type, j.State)
			}
			return e.Auth.RequireOwn(ctx, tx, p, auth.PermActionApproveProfessional, j.UserID)
		},
	})
}

func (e Engine) sendEvent(ctx context.Context, actorID, journeyID string, ev journey.Event, opts sendOptions) (JourneyChange, error) {
	if ev.Known() {
		if err := ev.Validate(); err != nil {
			return JourneyChange{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}
	unlock := e.lock(journeyID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return JourneyChange{}, err
	}
	defer tx.Rollback()
	j, err := e.Repo.GetJourney(ctx, tx, journeyID)
	if err != nil {
		return JourneyChange{}, err
	}
	if opts.authorize != nil {
		if err := opts.authorize(tx, j); err != nil {
			return JourneyChange{}, err
		}
	}
	if opts.expectedVersion > 0 && opts.expectedVersion != j.Version {
		return JourneyChange{}, domain.ConflictError("journey", j.ID)
	}
	change, err := e.applyEvent(ctx, tx, actorID, j, ev, opts.quiet)
	if err != nil {
		return JourneyChange{}, err
	}
	if err := tx.Commit(); err != nil {
		return JourneyChange{}, err
	}
	telemetry.RecordJourneyEvent(ctx, string(ev.Type), string(change.Outcome))
	if change.Outcome == journey.OutcomeTransitioned {
		e.logger().InfoContext(ctx, "journey transitioned",
			"journey_id", j.ID, "event", ev.Type, "from", change.From, "to", change.To, "gated", len(change.Gated))
	}
	return change, nil
}

func (e Engine) applyEvent(ctx context.Context, tx *sql.Tx, actorID string, j domain.Journey, ev journey.Event, quiet bool) (JourneyChange, error) {
	res := e.Machine.Send(ctx, j, ev)
	change := JourneyChange{Journey: j, Event: ev.Type, From: res.From, To: res.To, Outcome: res.Outcome, Guard: res.Guard}
	payload := eventPayload(ev)
	payload["from"] = res.From
	payload["to"] = res.To
	payload["outcome"] = res.Outcome
	if res.Guard != "" {
		payload["guard"] = res.Guard
	}
	if !res.Outcome.Changed() {
		err := e.audit().Append(ctx, tx, events.JourneyEventIgnored, j.ID, "journey", j.ID, actorID, payload)
		return change, err
	}

	next := res.Journey
	next.UpdatedAt = e.stamp()
	next, err := e.Repo.UpdateJourney(ctx, tx, next)
	if err != nil {
		return change, err
	}
	change.Journey = next
	evtType := events.JourneyUpdated
	if res.Outcome == journey.OutcomeTransitioned {
		evtType = events.JourneyTransitioned
		payload["progress"] = journey.Progress(res.To)
	}
	if err := e.audit().Append(ctx, tx, evtType, next.ID, "journey", next.ID, actorID, payload); err != nil {
		return change, err
	}

	if res.Outcome == journey.OutcomeTransitioned && e.Escalation.StageRequiresProfessional(res.To) {
		gated, err := e.gateInFlight(ctx, tx, actorID, next)
		if err != nil {
			return change, err
		}
		change.Gated = gated
		ids := make([]string, 0, len(gated))
		for _, g := range gated {
			ids = append(ids, g.ID)
		}
		if err := e.audit().Append(ctx, tx, events.EscalationRequired, next.ID, "journey", next.ID, actorID, events.EventPayload{
			"reason":     escalation.ReasonStage,
			"stage":      res.To,
			"gated":      ids,
			"user_id":    next.UserID,
			"locale":     next.Context.Locale,
			"stage_name": journey.Label(res.To, next.Context.Locale),
		}); err != nil {
			return change, err
		}
		telemetry.RecordEscalation(ctx, escalation.ReasonStage)
	} else if !quiet && !j.Context.EscalatedToAgent && next.Context.EscalatedToAgent {
		if err := e.audit().Append(ctx, tx, events.EscalationRequired, next.ID, "journey", next.ID, actorID, events.EventPayload{
			"reason":  "escalated_to_agent",
			"stage":   next.State,
			"user_id": next.UserID,
			"locale":  next.Context.Locale,
		}); err != nil {
			return change, err
		}
		telemetry.RecordEscalation(ctx, "escalated_to_agent")
	}
	return change, nil
}

var gatePage = 500

// gateInFlight raises every unresolved request of the journey once it sits in
// a stage that needs a professional.
func (e Engine) gateInFlight(ctx context.Context, tx *sql.Tx, actorID string, j domain.Journey) ([]domain.ActionRequest, error) {
	var inflight []domain.ActionRequest
	for offset := 0; ; offset += gatePage {
		page, err := e.Repo.ListActionRequests(ctx, tx, repo.ActionFilters{
			JourneyID: j.ID,
			Status:    []domain.ActionStatus{domain.StatusPending, domain.StatusApproved},
			Limit:     gatePage,
			Offset:    offset,
		})
		if err != nil {
			return nil, err
		}
		inflight = append(inflight, page...)
		if len(page) < gatePage {
			break
		}
	}
	byID := make(map[string]domain.ActionRequest, len(inflight))
	for _, r := range inflight {
		byID[r.ID] = r
	}
	var out []domain.ActionRequest
	for _, g := range e.Escalation.GateInFlight(j.State, inflight) {
		cur := byID[g.ID]
		next, err := e.Repo.SwapActionRequest(ctx, tx, cur, g)
		if err != nil {
			return nil, err
		}
		payload := events.EventPayload{
			"type":       next.Type,
			"from_level": cur.PermissionLevel,
			"to_level":   next.PermissionLevel,
			"from":       cur.Status,
			"status":     next.Status,
			"reasons":    next.EscalationReasons,
		}
		if cur.ResolvedBy != nil {
			payload["withdrawn_approval_by"] = *cur.ResolvedBy
		}
		if cur.ResolvedAt != nil {
			payload["withdrawn_approval_at"] = *cur.ResolvedAt
		}
		if err := e.audit().Append(ctx, tx, events.ActionGated, j.ID, "action", next.ID, actorID, payload); err != nil {
			return nil, err
		}
		e.logger().WarnContext(ctx, "action gated for professional review",
			"action_id", next.ID, "type", next.Type, "journey_id", j.ID, "stage", j.State)
		out = append(out, next)
	}
	return out, nil
}

// ReplayJourney rebuilds the journey from its audit rows. The result should
// equal the stored journey; a mismatch points at lost writes.
func (e Engine) ReplayJourney(ctx context.Context, p auth.Principal, id string) (domain.Journey, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Journey{}, err
	}
	defer tx.Rollback()
	stored, err := e.Repo.GetJourney(ctx, tx, id)
	if err != nil {
		return domain.Journey{}, err
	}
	if err := e.Auth.RequireOwn(ctx, tx, p, auth.PermJourneyRead, stored.UserID); err != nil {
		return domain.Journey{}, err
	}
	rows, err := e.Repo.JourneyEvents(ctx, tx, id, events.JourneyCreated, events.JourneyTransitioned, events.JourneyUpdated)
	if err != nil {
		return domain.Journey{}, err
	}
	initial := journey.NewJourney(stored.ID, stored.UserID, stored.Context.Locale)
	var evs []journey.Event
	for _, row := range rows {
		if row.Type == events.JourneyCreated {
			var created struct {
				Locale string `json:"locale"`
			}
			if err := json.Unmarshal([]byte(row.Payload), &created); err == nil && created.Locale != "" {
				initial = journey.NewJourney(stored.ID, stored.UserID, created.Locale)
			}
			continue
		}
		var raw struct {
			Event      journey.EventType `json:"event"`
			PropertyID string            `json:"property_id"`
			Amount     int64             `json:"amount"`
			Date       string            `json:"date"`
		}
		if err := json.Unmarshal([]byte(row.Payload), &raw); err != nil {
			return domain.Journey{}, fmt.Errorf("event %d payload: %w", row.ID, err)
		}
		evs = append(evs, journey.Event{Type: raw.Event, PropertyID: raw.PropertyID, Amount: raw.Amount, Date: raw.Date})
	}
	out := e.Machine.Replay(ctx, initial, evs)
	out.Version = stored.Version
	out.CreatedAt = stored.CreatedAt
	out.UpdatedAt = stored.UpdatedAt
	return out, nil
}

func eventPayload(ev journey.Event) events.EventPayload {
	payload := events.EventPayload{"event": ev.Type}
	if ev.PropertyID != "" {
		payload["property_id"] = ev.PropertyID
	}
	if ev.Amount != 0 {
		payload["amount"] = ev.Amount
	}
	if ev.Date != "" {
		payload["date"] = ev.Date
	}
	return payload
}
