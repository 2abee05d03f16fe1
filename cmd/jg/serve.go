package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"journeygate/internal/app"
	"journeygate/internal/mcp"
	"journeygate/internal/notify"
	"journeygate/internal/server"
	"journeygate/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var workers int
	var legacyHeader, devLogin, otelInsecure bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the action runner, pending sweeper and notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("JOURNEYGATE_JWT_SECRET is required for bearer auth")
			}
			logger := newLogger()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := app.Open(ctx, viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer env.Close()
			cfg := env.Config

			shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName, version, otelInsecure)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTelemetry(sctx); err != nil {
					logger.Warn("telemetry shutdown", "err", err)
				}
			}()

			sinks, closeSinks, err := notify.SinksFromConfig(cfg)
			if err != nil {
				return err
			}
			defer closeSinks()

			e := env.Engine
			runner := e.NewRunner(workers, logger)
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Runner:   runner,
				Auth: server.AuthConfig{
					JWTSecret:              secret,
					AllowLegacyActorHeader: legacyHeader,
					DevLogin:               devLogin,
					Logger:                 logger,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return runner.Run(gctx) })
			g.Go(func() error { return app.RunSweeper(gctx, e, cfg.Escalation.SweepEvery(), logger) })
			if len(sinks) > 0 {
				dispatcher := notify.NewDispatcher(e.Repo, cfg, sinks, logger)
				g.Go(func() error { return dispatcher.Run(gctx) })
			}
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			g.Go(func() error {
				logger.Info("serving journeygate API", "addr", addr, "base_path", basePath, "sinks", len(sinks), "workers", workers)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			fmt.Printf("Serving JourneyGate API on http://%s%s (OpenAPI at %s/openapi.json, docs at /docs)\n", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().IntVar(&workers, "workers", 4, "action runner workers")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept the unauthenticated X-Actor-Id header (local development only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	cmd.Flags().BoolVar(&otelInsecure, "otel-insecure", false, "export telemetry over plain HTTP")
	return cmd
}

func mcpCmd() *cobra.Command {
	var actorID string
	var roles []string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the orchestrator tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			env, err := app.Open(ctx, viper.GetString("workspace"), newLogger())
			if err != nil {
				return err
			}
			defer env.Close()
			s := mcp.NewServer(env.Engine, app.Principal(actorID, strings.Join(roles, ",")), version)
			return s.Run(ctx, &sdk.StdioTransport{})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "orchestrator", "actor every tool call runs as")
	cmd.Flags().StringSliceVar(&roles, "role", []string{"agent"}, "role asserted for that actor (repeatable)")
	return cmd
}
