package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"journeygate/internal/actions"
	"journeygate/internal/config"
	"journeygate/internal/domain"
	"journeygate/internal/engine/auth"
	"journeygate/internal/escalation"
	"journeygate/internal/events"
	"journeygate/internal/journey"
	"journeygate/internal/mediation"
	"journeygate/internal/registry"
	"journeygate/internal/repo"
)

// SystemActor is recorded for changes the engine makes on its own behalf.
const SystemActor = "system:engine"

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Registry   *registry.Registry
	Classifier *mediation.Classifier
	Machine    journey.Machine
	Escalation escalation.Coordinator
	Auth       auth.Service
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string

	locks *keyedMutex
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		return Engine{}, fmt.Errorf("action registry: %w", err)
	}
	logger := slog.Default()
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Registry:   reg,
		Classifier: mediation.FromConfig(cfg),
		Machine:    journey.Machine{Logger: logger},
		Escalation: escalation.FromConfig(cfg),
		Auth:       auth.Service{Roles: cfg.RBAC.Roles},
		Logger:     logger,
		Now:        time.Now,
		locks:      newKeyedMutex(),
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) audit() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) manager() actions.Manager {
	return actions.Manager{Registry: e.Registry, Logger: e.logger(), Now: e.now, NewID: e.NewID}
}

func (e Engine) lock(key string) func() {
	if e.locks == nil || key == "" {
		return func() {}
	}
	return e.locks.lock(key)
}

func (e Engine) defaultLocale() string {
	if e.Config != nil && e.Config.Service.DefaultLocale != "" {
		return e.Config.Service.DefaultLocale
	}
	return "ja"
}

// SyncRBAC writes the configured roles and their permissions to the store.
func (e Engine) SyncRBAC(ctx context.Context) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.syncRBAC(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) syncRBAC(ctx context.Context, tx *sql.Tx) error {
	for roleID, role := range e.Config.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return fmt.Errorf("sync role %s: %w", roleID, err)
		}
		if err := e.Repo.ClearRolePermissions(ctx, tx, roleID); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return err
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return err
			}
		}
	}
	return nil
}

// Bootstrap syncs RBAC and grants owner to ownerID without a permission check.
// It is meant for first-time setup from the local CLI.
func (e Engine) Bootstrap(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return errors.New("owner actor id required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.syncRBAC(ctx, tx); err != nil {
		return err
	}
	if err := e.grant(ctx, tx, SystemActor, ownerID, "owner"); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GrantRole(ctx context.Context, p auth.Principal, actorID, roleID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, p, auth.PermRBACManage); err != nil {
		return err
	}
	if err := e.grant(ctx, tx, p.ActorID, actorID, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) grant(ctx context.Context, tx *sql.Tx, by, actorID, roleID string) error {
	ok, err := e.Repo.RoleExists(ctx, tx, roleID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("role %s not found", roleID)
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, e.stamp()); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	return e.audit().Append(ctx, tx, events.RoleGranted, "", "actor", actorID, by, events.EventPayload{"role": roleID})
}

func (e Engine) RevokeRole(ctx context.Context, p auth.Principal, actorID, roleID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, p, auth.PermRBACManage); err != nil {
		return err
	}
	if err := e.Repo.RevokeRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	if err := e.audit().Append(ctx, tx, events.RoleRevoked, "", "actor", actorID, p.ActorID, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// Profile reports the effective roles and permissions of p.
func (e Engine) Profile(ctx context.Context, p auth.Principal) (domain.ActorProfile, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	defer tx.Rollback()
	stored, err := e.Auth.ActorRoles(ctx, tx, p.ActorID)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	perms, err := e.Auth.Permissions(ctx, tx, p)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	roles := append([]string{}, stored...)
	for _, r := range p.Roles {
		if !containsString(roles, r) {
			roles = append(roles, r)
		}
	}
	return domain.ActorProfile{ActorID: p.ActorID, Roles: roles, Permissions: perms}, nil
}

// CreateAPIKey mints a key for actorID. The plaintext is returned once; only
// its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, p auth.Principal, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor_id required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "jg_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        e.newID(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, p, auth.PermAPIKeyManage); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.audit().Append(ctx, tx, events.APIKeyCreated, "", "api_key", key.ID, p.ActorID, events.EventPayload{"actor_id": actorID, "name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

func (e Engine) RevokeAPIKey(ctx context.Context, p auth.Principal, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, p, auth.PermAPIKeyManage); err != nil {
		return err
	}
	if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
		return err
	}
	if err := e.audit().Append(ctx, tx, events.APIKeyRevoked, "", "api_key", id, p.ActorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ListAPIKeys(ctx context.Context, p auth.Principal, actorID string) ([]domain.APIKey, error) {
	if err := e.require(ctx, p, auth.PermAPIKeyManage); err != nil {
		return nil, err
	}
	return e.Repo.ListAPIKeys(ctx, actorID)
}

// ListEvents pages the audit log backwards from cursor.
func (e Engine) ListEvents(ctx context.Context, p auth.Principal, limit int, cursor int64, f repo.EventFilters) ([]domain.Event, error) {
	if err := e.require(ctx, p, auth.PermEventsRead); err != nil {
		return nil, err
	}
	return e.Repo.LatestEventsFrom(ctx, limit, cursor, f)
}

// require runs a permission check in its own short transaction.
func (e Engine) require(ctx context.Context, p auth.Principal, perm string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return e.Auth.Require(ctx, tx, p, perm)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
