package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"journeygate/internal/actions"
	"journeygate/internal/domain"
	"journeygate/internal/engine/auth"
	"journeygate/internal/escalation"
	"journeygate/internal/events"
	"journeygate/internal/journey"
	"journeygate/internal/repo"
	"journeygate/internal/telemetry"
)

// ErrNoExecutor means the action runs outside the engine; its result must be
// recorded through RecordResult.
var ErrNoExecutor = errors.New("no executor registered")

type ProposeOptions struct {
	JourneyID string
	UserID    string
	Type      string
	Params    json.RawMessage
	Mediation *domain.MediationResult
}

// ProposeAction creates a request and applies escalation against the
// journey's current stage before anything is stored.
func (e Engine) ProposeAction(ctx context.Context, p auth.Principal, opts ProposeOptions) (domain.ActionRequest, error) {
	req, err := e.manager().Create(ctx, opts.Type, opts.Params)
	if err != nil {
		return domain.ActionRequest{}, err
	}
	if opts.JourneyID == "" && opts.UserID != "" {
		j, _, err := e.EnsureJourney(ctx, p, opts.UserID, "")
		if err != nil {
			return domain.ActionRequest{}, err
		}
		opts.JourneyID = j.ID
	}
	unlock := e.lock(opts.JourneyID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActionRequest{}, err
	}
	defer tx.Rollback()
	var stage domain.JourneyState
	if opts.JourneyID != "" {
		j, err := e.Repo.GetJourney(ctx, tx, opts.JourneyID)
		if err != nil {
			return domain.ActionRequest{}, err
		}
		stage = j.State
		req.JourneyID = j.ID
		req.UserID = j.UserID
	}
	if err := e.Auth.RequireOwn(ctx, tx, p, auth.PermActionPropose, req.UserID); err != nil {
		return domain.ActionRequest{}, err
	}
	decision := e.Escalation.Evaluate(escalation.Input{Stage: stage, Mediation: opts.Mediation, Request: &req})
	req, _ = e.Escalation.Enforce(req, decision)
	req.Version = 1
	if err := e.Repo.InsertActionRequest(ctx, tx, req); err != nil {
		return domain.ActionRequest{}, fmt.Errorf("insert action request: %w", err)
	}
	if err := e.audit().Append(ctx, tx, events.ActionCreated, req.JourneyID, "action", req.ID, p.ActorID, events.EventPayload{
		"type":             req.Type,
		"nominal_level":    req.NominalPermissionLevel,
		"permission_level": req.PermissionLevel,
		"status":           req.Status,
		"reasons":          req.EscalationReasons,
	}); err != nil {
		return domain.ActionRequest{}, err
	}
	if req.Status == domain.StatusPending {
		if err := e.audit().Append(ctx, tx, events.ActionApprovalRequested, req.JourneyID, "action", req.ID, p.ActorID, events.EventPayload{
			"type":             req.Type,
			"permission_level": req.PermissionLevel,
			"description":      req.Description,
			"description_ja":   req.DescriptionJa,
			"user_id":          req.UserID,
		}); err != nil {
			return domain.ActionRequest{}, err
		}
	}
	if actions.RequiresProfessional(req) {
		if err := e.audit().Append(ctx, tx, events.EscalationRequired, req.JourneyID, "action", req.ID, p.ActorID, events.EventPayload{
			"reasons":   decision.Reasons,
			"type":      req.Type,
			"stage":     stage,
			"user_id":   req.UserID,
			"escalated": req.Escalated(),
		}); err != nil {
			return domain.ActionRequest{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ActionRequest{}, err
	}
	telemetry.RecordActionStatus(ctx, req.Type, string(req.Status))
	if req.Escalated() {
		for _, r := range req.EscalationReasons {
			telemetry.RecordEscalation(ctx, r)
		}
		e.logger().WarnContext(ctx, "action escalated",
			"action_id", req.ID, "type", req.Type, "from", req.NominalPermissionLevel, "reasons", req.EscalationReasons)
	}
	return req, nil
}

func (e Engine) GetAction(ctx context.Context, p auth.Principal, id string) (domain.ActionRequest, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActionRequest{}, err
	}
	defer tx.Rollback()
	req, err := e.Repo.GetActionRequest(ctx, tx, id)
	if err != nil {
		return domain.ActionRequest{}, err
	}
	if err := e.Auth.RequireOwn(ctx, tx, p, auth.PermJourneyRead, req.UserID); err != nil {
		return domain.ActionRequest{}, err
	}
	return req, nil
}

// GetActionResult returns the recorded result, or repo.ErrNotFound.
func (e Engine) GetActionResult(ctx context.Context, p auth.Principal, id string) (domain.ActionResult, error) {
	if _, err := e.GetAction(ctx, p, id); err != nil {
		return domain.ActionResult{}, err
	}
	return e.Repo.GetActionResult(ctx, nil, id)
}

// ListActions lists requests. Buyers only see their own.
func (e Engine) ListActions(ctx context.Context, p auth.Principal, f repo.ActionFilters) ([]domain.ActionRequest, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, p, auth.PermJourneyRead); err != nil {
		return nil, err
	}
	all, err := e.Auth.Has(ctx, tx, p, auth.PermJourneyAny)
	if err != nil {
		return nil, err
	}
	if !all {
		f.UserID = p.ActorID
	}
	return e.Repo.ListActionRequests(ctx, tx, f)
}

func (e Engine) ApproveAction(ctx context.Context, p auth.Principal, id string) (domain.ActionRequest, error) {
	return e.resolveAction(ctx, p, id, domain.StatusApproved)
}

func (e Engine) DenyAction(ctx context.Context, p auth.Principal, id string) (domain.ActionRequest, error) {
	return e.resolveAction(ctx, p, id, domain.StatusDenied)
}

// resolveAction reads the request outside the transaction and swaps it in;
// a concurrent resolver loses with a conflict or a transition error.
func (e Engine) resolveAction(ctx context.Context, p auth.Principal, id string, to domain.ActionStatus) (domain.ActionRequest, error) {
	cur, err := e.Repo.GetActionRequest(ctx, nil, id)
	if err != nil {
		return domain.ActionRequest{}, err
	}
	unlock := e.lock(cur.JourneyID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActionRequest{}, err
	}
	defer tx.Rollback()

	gated := false
	if to == domain.StatusApproved && cur.JourneyID != "" {
		j, err := e.Repo.GetJourney(ctx, tx, cur.JourneyID)
		if err != nil {
			return domain.ActionRequest{}, err
		}
		if next, changed := e.Escalation.Enforce(cur, e.Escalation.Evaluate(escalation.Input{Stage: j.State})); changed && raised(cur, next) {
			next, err = e.Repo.SwapActionRequest(ctx, tx, cur, next)
			if err != nil {
				return cur, err
			}
			if err := e.audit().Append(ctx, tx, events.ActionGated, cur.JourneyID, "action", cur.ID, p.ActorID, events.EventPayload{
				"type":       cur.Type,
				"from_level": cur.PermissionLevel,
				"to_level":   next.PermissionLevel,
				"from":       cur.Status,
				"status":     next.Status,
				"reasons":    next.EscalationReasons,
			}); err != nil {
				return cur, err
			}
			cur, gated = next, true
		}
	}
	// A gate written above stands even when this caller may not resolve.
	fail := func(err error) (domain.ActionRequest, error) {
		if gated {
			if cerr := tx.Commit(); cerr != nil {
				return cur, cerr
			}
		}
		return cur, err
	}

	var next domain.ActionRequest
	evtType := events.ActionApproved
	if to == domain.StatusApproved {
		if err := e.Auth.RequireResolve(ctx, tx, p, cur); err != nil {
			return fail(err)
		}
		next, err = e.manager().Approve(ctx, cur, p.ActorID)
	} else {
		evtType = events.ActionDenied
		if err := e.Auth.RequireOwn(ctx, tx, p, auth.PermActionDeny, cur.UserID); err != nil {
			return fail(err)
		}
		next, err = e.manager().Deny(ctx, cur, p.ActorID)
	}
	if err != nil {
		return fail(err)
	}
	next, err = e.Repo.SwapActionRequest(ctx, tx, cur, next)
	if err != nil {
		return fail(err)
	}
	if err := e.audit().Append(ctx, tx, evtType, next.JourneyID, "action", next.ID, p.ActorID, events.EventPayload{
		"type":             next.Type,
		"permission_level": next.PermissionLevel,
		"status":           next.Status,
		"user_id":          next.UserID,
	}); err != nil {
		return cur, err
	}
	if err := tx.Commit(); err != nil {
		return cur, err
	}
	telemetry.RecordActionStatus(ctx, next.Type, string(next.Status))
	return next, nil
}

func raised(cur, next domain.ActionRequest) bool {
	return next.PermissionLevel != cur.PermissionLevel || next.Status != cur.Status
}

// AuthorizeExecution re-checks escalation right before a request runs. Every
// refusal leaves an action.execution_blocked row.
func (e Engine) AuthorizeExecution(ctx context.Context, id string) (domain.ActionRequest, error) {
	req, err := e.Repo.GetActionRequest(ctx, nil, id)
	if err != nil {
		return domain.ActionRequest{}, err
	}
	var stage domain.JourneyState
	if req.JourneyID != "" {
		j, err := e.Repo.GetJourney(ctx, nil, req.JourneyID)
		if err != nil {
			return req, err
		}
		stage = j.State
	}
	err = e.Escalation.AuthorizeExecution(stage, req)
	if err == nil {
		return req, nil
	}
	reason := "not_approved"
	if errors.Is(err, domain.ErrProfessionalReviewRequired) {
		reason = escalation.ReasonStage
	}
	tx, txErr := e.DB.BeginTx(ctx, nil)
	if txErr != nil {
		return req, txErr
	}
	defer tx.Rollback()
	if aerr := e.audit().Append(ctx, tx, events.ActionExecutionBlocked, req.JourneyID, "action", req.ID, SystemActor, events.EventPayload{
		"type":             req.Type,
		"stage":            stage,
		"status":           req.Status,
		"permission_level": req.PermissionLevel,
		"reason":           reason,
	}); aerr != nil {
		return req, aerr
	}
	if cerr := tx.Commit(); cerr != nil {
		return req, cerr
	}
	e.logger().WarnContext(ctx, "action execution blocked",
		"action_id", req.ID, "type", req.Type, "stage", stage, "status", req.Status, "reason", reason)
	return req, err
}

// NewRunner returns a runner wired to this engine: its executors, result
// reporting, and the escalation check before every queued execution.
func (e Engine) NewRunner(workers int, logger *slog.Logger) *actions.Runner {
	r := actions.NewRunner(e.Executors(), e.ReportResult, workers, logger)
	r.Authorize = e.AuthorizeExecution
	return r
}

// Executors returns the executors the engine itself provides.
func (e Engine) Executors() actions.ExecutorSet {
	return actions.ExecutorSet{
		"journey.advance": actions.ExecutorFunc(e.executeAdvance),
	}
}

func (e Engine) executeAdvance(ctx context.Context, req domain.ActionRequest) (json.RawMessage, error) {
	params, _, err := actions.DecodeParams(req.Type, req.Params)
	if err != nil {
		return nil, err
	}
	adv, ok := params.(*actions.AdvanceParams)
	if !ok {
		return nil, fmt.Errorf("unexpected params %T for %s", params, req.Type)
	}
	if req.JourneyID == "" {
		return nil, errors.New("journey.advance needs a journey")
	}
	actor := SystemActor
	if req.ResolvedBy != nil {
		actor = *req.ResolvedBy
	}
	change, err := e.sendEvent(ctx, actor, req.JourneyID, adv.Event, sendOptions{
		authorize: func(_ *sql.Tx, j domain.Journey) error {
			if e.Escalation.GatesEvent(j.State, adv.Event.Type) && !actions.RequiresProfessional(req) {
				return fmt.Errorf("%w: %s during %s", domain.ErrProfessionalReviewRequired, adv.Event.Type, j.State)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if change.Outcome != journey.OutcomeTransitioned && change.Outcome != journey.OutcomeUpdated {
		return nil, fmt.Errorf("journey event %s had no effect in %s (%s)", adv.Event.Type, change.From, change.Outcome)
	}
	return json.Marshal(map[string]any{"outcome": change.Outcome, "from": change.From, "to": change.To})
}

// DispatchAction authorizes an approved request and queues it on r.
func (e Engine) DispatchAction(ctx context.Context, p auth.Principal, id string, r *actions.Runner) (domain.ActionRequest, error) {
	if err := e.require(ctx, p, auth.PermActionResultRecord); err != nil {
		return domain.ActionRequest{}, err
	}
	req, err := e.AuthorizeExecution(ctx, id)
	if err != nil {
		return req, err
	}
	if _, ok := r.Executors[req.Type]; !ok {
		return req, fmt.Errorf("%w for %s", ErrNoExecutor, req.Type)
	}
	if err := r.Submit(req); err != nil {
		return req, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, err
	}
	defer tx.Rollback()
	if err := e.audit().Append(ctx, tx, events.ActionDispatched, req.JourneyID, "action", req.ID, p.ActorID, events.EventPayload{"type": req.Type}); err != nil {
		return req, err
	}
	return req, tx.Commit()
}

// RunAction authorizes, executes and records one request synchronously.
func (e Engine) RunAction(ctx context.Context, p auth.Principal, id string, r *actions.Runner) (domain.ActionRequest, domain.ActionResult, error) {
	if err := e.require(ctx, p, auth.PermActionResultRecord); err != nil {
		return domain.ActionRequest{}, domain.ActionResult{}, err
	}
	req, err := e.AuthorizeExecution(ctx, id)
	if err != nil {
		return req, domain.ActionResult{}, err
	}
	if _, ok := r.Executors[req.Type]; !ok {
		return req, domain.ActionResult{}, fmt.Errorf("%w for %s", ErrNoExecutor, req.Type)
	}
	res := r.Execute(ctx, req)
	req, err = e.recordResult(ctx, p.ActorID, res, nil)
	return req, res, err
}

// ReportResult is the Runner callback for results of dispatched requests.
func (e Engine) ReportResult(ctx context.Context, res domain.ActionResult) error {
	_, err := e.recordResult(ctx, SystemActor, res, nil)
	return err
}

// RecordResult stores the outcome of an approved request executed elsewhere.
func (e Engine) RecordResult(ctx context.Context, p auth.Principal, res domain.ActionResult) (domain.ActionRequest, error) {
	return e.recordResult(ctx, p.ActorID, res, func(tx *sql.Tx) error {
		return e.Auth.Require(ctx, tx, p, auth.PermActionResultRecord)
	})
}

func (e Engine) recordResult(ctx context.Context, actorID string, res domain.ActionResult, authorize func(*sql.Tx) error) (domain.ActionRequest, error) {
	cur, err := e.Repo.GetActionRequest(ctx, nil, res.ActionID)
	if err != nil {
		return domain.ActionRequest{}, err
	}
	if res.ExecutedAt == "" {
		res.ExecutedAt = e.stamp()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return cur, err
	}
	defer tx.Rollback()
	if authorize != nil {
		if err := authorize(tx); err != nil {
			return cur, err
		}
	}
	next, err := e.manager().Complete(ctx, cur, res)
	if err != nil {
		return cur, err
	}
	next, err = e.Repo.SwapActionRequest(ctx, tx, cur, next)
	if err != nil {
		return cur, err
	}
	if err := e.Repo.InsertActionResult(ctx, tx, res); err != nil {
		return cur, fmt.Errorf("insert action result: %w", err)
	}
	evtType := events.ActionExecuted
	if !res.Success {
		evtType = events.ActionFailed
	}
	payload := events.EventPayload{"type": next.Type, "success": res.Success}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	if err := e.audit().Append(ctx, tx, evtType, next.JourneyID, "action", next.ID, actorID, payload); err != nil {
		return cur, err
	}
	if err := tx.Commit(); err != nil {
		return cur, err
	}
	telemetry.RecordActionStatus(ctx, next.Type, string(next.Status))
	return next, nil
}

// ExpireStalePending denies requests left pending past the configured
// timeout. It returns how many were expired.
func (e Engine) ExpireStalePending(ctx context.Context) (int, error) {
	ttl := e.Config.Escalation.PendingTTL()
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := e.now().Add(-ttl).UTC().Format(time.RFC3339)
	stale, err := e.Repo.ListStalePending(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}
	mgr := e.manager()
	n := 0
	for _, cur := range stale {
		next, ok := mgr.Expire(ctx, cur, ttl)
		if !ok {
			continue
		}
		expired, err := e.expireOne(ctx, cur, next)
		if errors.Is(err, domain.ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return n, err
		}
		if expired {
			n++
		}
	}
	return n, nil
}

func (e Engine) expireOne(ctx context.Context, cur, next domain.ActionRequest) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.SwapActionRequest(ctx, tx, cur, next); err != nil {
		return false, err
	}
	if err := e.audit().Append(ctx, tx, events.ActionExpired, cur.JourneyID, "action", cur.ID, actions.TimeoutActor, events.EventPayload{
		"type":       cur.Type,
		"created_at": cur.CreatedAt,
		"user_id":    cur.UserID,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	telemetry.RecordActionStatus(ctx, cur.Type, string(domain.StatusDenied))
	return true, nil
}
