package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"journeygate/internal/config"
	"journeygate/internal/domain"
)

const (
	// PermJourneyAny lifts the own-journey restriction on every other grant.
	PermJourneyAny                = "journey.any"
	PermJourneyRead               = "journey.read"
	PermJourneyWrite              = "journey.write"
	PermActionPropose             = "action.propose"
	PermActionApproveUser         = "action.approve.user"
	PermActionApproveProfessional = "action.approve.professional"
	PermActionDeny                = "action.deny"
	PermActionResultRecord        = "action.result.record"
	PermEventsRead                = "events.read"
	PermRBACManage                = "rbac.manage"
	PermAPIKeyManage              = "apikey.manage"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

func (e ForbiddenError) Unwrap() error { return domain.ErrForbidden }

// Principal is the caller identity handed over by the transport layer. Roles
// are those asserted by a verified token; stored role grants are added on top.
type Principal struct {
	ActorID string
	Roles   []string
}

// Service provides RBAC helpers backed by SQL and the configured role table.
type Service struct {
	Roles map[string]config.RBACRole
}

// RequireOwn checks perm and, unless p holds PermJourneyAny, that p is the
// buyer who owns the journey.
func (s Service) RequireOwn(ctx context.Context, tx *sql.Tx, p Principal, perm, ownerID string) error {
	if err := s.Require(ctx, tx, p, perm); err != nil {
		return err
	}
	if ownerID == "" || ownerID == p.ActorID {
		return nil
	}
	return s.Require(ctx, tx, p, PermJourneyAny)
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// Permissions unions stored grants with the permissions of claimed roles.
func (s Service) Permissions(ctx context.Context, tx *sql.Tx, p Principal) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=?`, p.ActorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	set := map[string]bool{}
	for rows.Next() {
		var perm string
		if err := rows.Scan(&perm); err != nil {
			return nil, err
		}
		set[perm] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, role := range p.Roles {
		for _, perm := range s.Roles[role].Permissions {
			set[perm] = true
		}
	}
	perms := make([]string, 0, len(set))
	for perm := range set {
		perms = append(perms, perm)
	}
	sort.Strings(perms)
	return perms, nil
}

func (s Service) Has(ctx context.Context, tx *sql.Tx, p Principal, perm string) (bool, error) {
	perms, err := s.Permissions(ctx, tx, p)
	if err != nil {
		return false, err
	}
	for _, have := range perms {
		if have == perm {
			return true, nil
		}
	}
	return false, nil
}

func (s Service) Require(ctx context.Context, tx *sql.Tx, p Principal, perm string) error {
	ok, err := s.Has(ctx, tx, p, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// RequireResolve checks that p may approve a request at its effective level.
// User-tier requests may be approved by their own buyer or by anyone holding
// the professional grant; professional-tier requests need the professional
// grant.
func (s Service) RequireResolve(ctx context.Context, tx *sql.Tx, p Principal, req domain.ActionRequest) error {
	switch req.PermissionLevel {
	case domain.PermissionProfessionalRequired:
		return s.Require(ctx, tx, p, PermActionApproveProfessional)
	default:
		pro, err := s.Has(ctx, tx, p, PermActionApproveProfessional)
		if err != nil || pro {
			return err
		}
		if err := s.Require(ctx, tx, p, PermActionApproveUser); err != nil {
			return err
		}
		if req.UserID != "" && req.UserID != p.ActorID {
			return ForbiddenError{Permission: PermActionApproveProfessional}
		}
		return nil
	}
}
