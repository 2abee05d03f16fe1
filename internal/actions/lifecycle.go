// Package actions manages action requests from proposal to resolution.
//
// Every operation returns a new request value; inputs are never mutated.
// Persistence and compare-and-swap semantics live in the engine.
package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"journeygate/internal/domain"
)

// TimeoutActor resolves requests that expired while pending.
const TimeoutActor = "system:timeout"

// Lookuper resolves action type ids.
type Lookuper interface {
	Lookup(id string) (domain.ActionType, error)
}

type Manager struct {
	Registry Lookuper
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m Manager) newID() string {
	if m.NewID != nil {
		return m.NewID()
	}
	return uuid.NewString()
}

func (m Manager) stamp() string {
	return m.now().UTC().Format(time.RFC3339)
}

// Create builds a request for a registered action type. Autonomous actions
// start approved; everything else starts pending.
func (m Manager) Create(ctx context.Context, typeID string, params json.RawMessage) (domain.ActionRequest, error) {
	at, err := m.Registry.Lookup(typeID)
	if err != nil {
		return domain.ActionRequest{}, err
	}
	_, canon, err := DecodeParams(typeID, params)
	if err != nil {
		return domain.ActionRequest{}, err
	}
	status := domain.StatusPending
	if at.PermissionLevel == domain.PermissionAutonomous {
		status = domain.StatusApproved
	}
	req := domain.ActionRequest{
		ID:                     m.newID(),
		Type:                   at.ID,
		Description:            at.DescriptionEn,
		DescriptionJa:          at.DescriptionJa,
		Params:                 canon,
		NominalPermissionLevel: at.PermissionLevel,
		PermissionLevel:        at.PermissionLevel,
		Status:                 status,
		CreatedAt:              m.stamp(),
	}
	m.logger().InfoContext(ctx, "action created",
		"action_id", req.ID, "type", req.Type, "permission_level", req.PermissionLevel, "status", req.Status)
	return req, nil
}

func (m Manager) Approve(ctx context.Context, req domain.ActionRequest, approvedBy string) (domain.ActionRequest, error) {
	out, err := m.resolve(req, domain.StatusApproved, approvedBy)
	if err != nil {
		return req, err
	}
	m.logger().InfoContext(ctx, "action approved",
		"action_id", req.ID, "type", req.Type, "permission_level", req.PermissionLevel, "approved_by", approvedBy)
	return out, nil
}

// Deny only applies to pending requests. Denying twice is an error, so a
// resolution is never recorded with a second actor.
func (m Manager) Deny(ctx context.Context, req domain.ActionRequest, deniedBy string) (domain.ActionRequest, error) {
	out, err := m.resolve(req, domain.StatusDenied, deniedBy)
	if err != nil {
		return req, err
	}
	m.logger().InfoContext(ctx, "action denied",
		"action_id", req.ID, "type", req.Type, "denied_by", deniedBy)
	return out, nil
}

func (m Manager) resolve(req domain.ActionRequest, to domain.ActionStatus, by string) (domain.ActionRequest, error) {
	if err := ensureActionTransition(req, to); err != nil {
		return req, err
	}
	now := m.stamp()
	out := req
	out.Status = to
	out.ResolvedAt = &now
	out.ResolvedBy = &by
	return out, nil
}

// Expire denies a pending request older than ttl. A zero ttl never expires.
func (m Manager) Expire(ctx context.Context, req domain.ActionRequest, ttl time.Duration) (domain.ActionRequest, bool) {
	if ttl <= 0 || req.Status != domain.StatusPending {
		return req, false
	}
	created, err := time.Parse(time.RFC3339, req.CreatedAt)
	if err != nil || m.now().Sub(created) < ttl {
		return req, false
	}
	out, err := m.resolve(req, domain.StatusDenied, TimeoutActor)
	if err != nil {
		return req, false
	}
	m.logger().WarnContext(ctx, "pending action expired",
		"action_id", req.ID, "type", req.Type, "created_at", req.CreatedAt, "ttl", ttl.String())
	return out, true
}

// Complete moves an approved request to executed or failed per the result.
func (m Manager) Complete(ctx context.Context, req domain.ActionRequest, res domain.ActionResult) (domain.ActionRequest, error) {
	to := domain.StatusExecuted
	if !res.Success {
		to = domain.StatusFailed
	}
	if err := ensureActionTransition(req, to); err != nil {
		return req, err
	}
	out := req
	out.Status = to
	m.logger().InfoContext(ctx, "action completed",
		"action_id", req.ID, "type", req.Type, "status", to, "error", res.Error)
	return out, nil
}

func CanAutoExecute(req domain.ActionRequest) bool {
	return req.PermissionLevel == domain.PermissionAutonomous
}

func RequiresProfessional(req domain.ActionRequest) bool {
	return req.PermissionLevel == domain.PermissionProfessionalRequired
}

func ensureActionTransition(req domain.ActionRequest, to domain.ActionStatus) error {
	switch req.Status {
	case domain.StatusPending:
		if to == domain.StatusApproved || to == domain.StatusDenied {
			return nil
		}
	case domain.StatusApproved:
		if to == domain.StatusExecuted || to == domain.StatusFailed {
			return nil
		}
	}
	return &domain.TransitionError{ActionID: req.ID, From: req.Status, To: to}
}
