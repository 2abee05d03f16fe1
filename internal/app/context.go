package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"journeygate/internal/config"
	"journeygate/internal/db"
	"journeygate/internal/engine"
	"journeygate/internal/engine/auth"
	"journeygate/internal/migrate"
)

// Env is the opened workspace every jg command runs against.
type Env struct {
	Workspace string
	Config    *config.Config
	// FromFile is false when no journeygate.yml exists and defaults are used.
	FromFile bool
	DB       *sql.DB
	Engine   engine.Engine
}

// LoadConfig reads journeygate.yml from workspace, falling back to the
// built-in defaults when the file does not exist.
func LoadConfig(workspace string) (*config.Config, bool, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, false, err
	}
	if cfg == nil {
		return config.Default("journeygate"), false, nil
	}
	return cfg, true, nil
}

// Open migrates the workspace database, builds the engine and brings the
// stored role table in line with the config.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*Env, error) {
	cfg, fromFile, err := LoadConfig(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if logger != nil {
		e.Logger = logger
		e.Machine.Logger = logger
	}
	if err := e.SyncRBAC(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sync rbac: %w", err)
	}
	return &Env{Workspace: workspace, Config: cfg, FromFile: fromFile, DB: conn, Engine: e}, nil
}

func (env *Env) Close() error {
	if env == nil || env.DB == nil {
		return nil
	}
	return env.DB.Close()
}

// Principal builds the caller identity from the CLI's actor flags. Roles are
// comma separated; empty entries are dropped.
func Principal(actorID, roles string) auth.Principal {
	p := auth.Principal{ActorID: strings.TrimSpace(actorID)}
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			p.Roles = append(p.Roles, r)
		}
	}
	return p
}

// NewLogger returns a text or json slog logger at the named level.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// RunSweeper expires stale pending requests every interval until ctx ends.
func RunSweeper(ctx context.Context, e engine.Engine, every time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := e.ExpireStalePending(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("expire pending requests", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("expired pending requests", "count", n)
			}
		}
	}
}
