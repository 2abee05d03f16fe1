package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"journeygate/internal/app"
	"journeygate/internal/config"
	"journeygate/internal/db"
	"journeygate/internal/domain"
	"journeygate/internal/engine"
	"journeygate/internal/engine/auth"
	"journeygate/internal/journey"
	"journeygate/internal/migrate"
	"journeygate/internal/repo"
	"journeygate/internal/server"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "jg",
	Short: "JourneyGate CLI",
	Long: `JourneyGate tracks a buyer's property purchase journey and gates every
action an AI orchestrator proposes.
- Journey: one per buyer, moving exploring -> searching -> evaluating -> negotiating -> contracting -> closing -> post_purchase.
- Mediation: every message is classified A (information), B (needs the buyer's approval) or C (a licensed professional must handle it).
- Action requests: proposed actions are auto-approved, left pending for the buyer, or routed to a professional; only approved requests execute.
- Workspace: journeygate.yml plus the .journeygate database; view the audit trail with 'jg events tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		if err := godotenv.Load(envPath(workspace)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", envPath(workspace), err)
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("JOURNEYGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-owner", "actor identifier")
	flags.String("roles", "", "comma separated roles asserted for the actor (stored grants apply when empty)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text or json)")
	for _, name := range []string{"workspace", "json", "actor-id", "roles", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(journeyCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
}

func initCmd() *cobra.Command {
	var owner, serviceID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create journeygate.yml, migrate the database and bootstrap the owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := writeConfig(workspace, serviceID, force); err != nil {
				return err
			}
			if owner == "" {
				owner = viper.GetString("actor-id")
			}
			err := withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return env.Engine.Bootstrap(ctx, owner)
			})
			if err != nil {
				return err
			}
			created, err := ensureJWTSecret(workspace)
			if err != nil {
				return err
			}
			fmt.Printf("Initialized %s (owner %s)\n", config.Path(workspace), owner)
			if created {
				fmt.Printf("Generated JOURNEYGATE_JWT_SECRET in %s\n", envPath(workspace))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "actor granted the owner role (defaults to --actor-id)")
	cmd.Flags().StringVar(&serviceID, "service-id", "journeygate", "service id written to the config")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing journeygate.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage journeygate.yml"}

	var serviceID string
	var force bool
	initC := &cobra.Command{
		Use:   "init",
		Short: "Write the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := writeConfig(workspace, serviceID, force); err != nil {
				return err
			}
			fmt.Println("Wrote", config.Path(workspace))
			return nil
		},
	}
	initC.Flags().StringVar(&serviceID, "service-id", "journeygate", "service id")
	initC.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, fromFile, err := app.LoadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if !fromFile && !viper.GetBool("json") {
				fmt.Fprintln(os.Stderr, "no journeygate.yml found; showing defaults")
			}
			return printJSON(cfg)
		},
	}

	var file string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			fmt.Printf("%s is valid (%d action types, %d roles)\n", file, len(cfg.Actions.Catalog), len(cfg.RBAC.Roles))
			return nil
		},
	}
	validate.Flags().StringVar(&file, "file", "", "config file (defaults to the workspace journeygate.yml)")

	cfgCmd.AddCommand(initC, show, validate)
	return cfgCmd
}

func migrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			pending, err := migrate.Pending(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if status {
				if len(pending) == 0 {
					fmt.Println("database is up to date")
				}
				for _, m := range pending {
					fmt.Printf("pending %03d %s\n", m.Version, m.Name)
				}
				return nil
			}
			if err := migrate.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			fmt.Printf("applied %d migration(s)\n", len(pending))
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "list pending migrations without applying them")
	return cmd
}

func journeyCmd() *cobra.Command {
	jc := &cobra.Command{Use: "journey", Short: "Manage purchase journeys"}
	jc.AddCommand(journeyStagesCmd(), journeyStartCmd(), journeyShowCmd(), journeyListCmd(), journeySendCmd(), journeyReplayCmd())
	return jc
}

func journeyStagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List journey stages and which ones require a licensed professional",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				items := journey.Stages()
				for i := range items {
					items[i].RequiresProfessional = e.Escalation.StageRequiresProfessional(items[i].State)
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"#", "Stage", "ラベル", "Label", "Progress", "Professional"})
				for _, st := range items {
					tw.AppendRow(table.Row{st.Order, st.State, st.LabelJa, st.LabelEn, fmt.Sprintf("%d%%", journey.Progress(st.State)), st.RequiresProfessional})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func journeyStartCmd() *cobra.Command {
	var userID, locale string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start (or fetch) the journey of a buyer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				j, created, err := e.EnsureJourney(ctx, p, userID, locale)
				if err != nil {
					return err
				}
				if !created && !viper.GetBool("json") {
					fmt.Fprintln(os.Stderr, "journey already exists")
				}
				return printJourney(j)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "buyer id")
	cmd.Flags().StringVar(&locale, "locale", "", "ja or en (defaults to the service locale)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func journeyShowCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "show [journey-id]",
		Short: "Show a journey by id or by buyer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && userID == "" {
				return fmt.Errorf("journey id or --user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				var (
					j   domain.Journey
					err error
				)
				if len(args) == 1 {
					j, err = e.GetJourney(ctx, p, args[0])
				} else {
					j, err = e.GetJourneyByUser(ctx, p, userID)
				}
				if err != nil {
					return err
				}
				return printJourney(j)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "buyer id")
	return cmd
}

func journeyListCmd() *cobra.Command {
	var state string
	var escalated bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journeys",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.JourneyFilters{State: state, Limit: limit}
			if cmd.Flags().Changed("escalated") {
				f.Escalated = &escalated
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				items, err := e.ListJourneys(ctx, p, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "User", "Stage", "Progress", "Escalated", "Version", "Updated"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.UserID, j.State, fmt.Sprintf("%d%%", journey.Progress(j.State)), j.Context.EscalatedToAgent, j.Version, j.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by stage")
	cmd.Flags().BoolVar(&escalated, "escalated", false, "filter by escalation flag")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func journeySendCmd() *cobra.Command {
	var ev journey.Event
	var evType string
	var expected int
	cmd := &cobra.Command{
		Use:   "send <journey-id>",
		Short: "Send an event to a journey",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev.Type = journey.EventType(strings.ToUpper(evType))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				change, err := e.SendJourneyEvent(ctx, p, args[0], ev, expected)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(change)
				}
				fmt.Printf("%s: %s -> %s (%s)\n", change.Event, change.From, change.To, change.Outcome)
				if change.Guard != "" {
					fmt.Println("guard:", change.Guard)
				}
				for _, g := range change.Gated {
					fmt.Printf("re-gated %s %s -> %s\n", g.ID, g.Type, g.PermissionLevel)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&evType, "type", "", "event type, e.g. SHORTLIST_PROPERTY")
	cmd.Flags().StringVar(&ev.PropertyID, "property", "", "property id")
	cmd.Flags().Int64Var(&ev.Amount, "amount", 0, "offer amount")
	cmd.Flags().StringVar(&ev.Date, "date", "", "settlement date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&expected, "expected-version", 0, "reject unless the journey is at this version")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func journeyReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <journey-id>",
		Short: "Rebuild a journey from its event log and show the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				j, err := e.ReplayJourney(ctx, p, args[0])
				if err != nil {
					return err
				}
				return printJourney(j)
			})
		},
	}
}

func actionCmd() *cobra.Command {
	ac := &cobra.Command{Use: "action", Short: "Manage action requests"}
	ac.AddCommand(actionTypesCmd(), actionProposeCmd(), actionShowCmd(), actionListCmd(),
		actionResolveCmd("approve"), actionResolveCmd("deny"), actionResultCmd(), actionRunCmd())
	return ac
}

func actionTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List registered action types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				items := e.Registry.List()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Permission", "Description", "説明"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.PermissionLevel, t.DescriptionEn, t.DescriptionJa})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func actionProposeCmd() *cobra.Command {
	var opts engine.ProposeOptions
	var params string
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Propose an action for a journey",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.JourneyID == "" && opts.UserID == "" {
				return fmt.Errorf("--journey or --user required")
			}
			if params != "" {
				if !json.Valid([]byte(params)) {
					return fmt.Errorf("--params must be valid JSON")
				}
				opts.Params = json.RawMessage(params)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				ar, err := e.ProposeAction(ctx, p, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ar)
			})
		},
	}
	cmd.Flags().StringVar(&opts.JourneyID, "journey", "", "journey id")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "buyer id (journey created on first contact)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "action type id")
	cmd.Flags().StringVar(&params, "params", "", "action parameters as a JSON object")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func actionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <action-id>",
		Short: "Show an action request and its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				ar, err := e.GetAction(ctx, p, args[0])
				if err != nil {
					return err
				}
				out := struct {
					domain.ActionRequest
					Result *domain.ActionResult `json:"result,omitempty"`
				}{ActionRequest: ar}
				if ar.Status == domain.StatusExecuted || ar.Status == domain.StatusFailed {
					res, err := e.GetActionResult(ctx, p, ar.ID)
					if err != nil {
						return err
					}
					out.Result = &res
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func actionListCmd() *cobra.Command {
	var f repo.ActionFilters
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List action requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				f.Status = append(f.Status, domain.ActionStatus(s))
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				items, err := e.ListActions(ctx, p, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Type", "User", "Level", "Status", "Escalation", "Created"})
				for _, ar := range items {
					level := string(ar.PermissionLevel)
					if ar.Escalated() {
						level = fmt.Sprintf("%s (from %s)", ar.PermissionLevel, ar.NominalPermissionLevel)
					}
					tw.AppendRow(table.Row{ar.ID, ar.Type, ar.UserID, level, ar.Status, strings.Join(ar.EscalationReasons, ","), ar.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.JourneyID, "journey", "", "journey id")
	cmd.Flags().StringVar(&f.UserID, "user", "", "buyer id")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringVar(&f.Type, "type", "", "action type")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func actionResolveCmd(verb string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <action-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a pending action request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				resolve := e.ApproveAction
				if verb == "deny" {
					resolve = e.DenyAction
				}
				ar, err := resolve(ctx, p, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ar)
			})
		},
	}
}

func actionResultCmd() *cobra.Command {
	var success bool
	var result, errMsg string
	cmd := &cobra.Command{
		Use:   "result <action-id>",
		Short: "Record the outcome of an approved action executed elsewhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := domain.ActionResult{ActionID: args[0], Success: success, Error: errMsg}
			if result != "" {
				if !json.Valid([]byte(result)) {
					return fmt.Errorf("--result must be valid JSON")
				}
				res.Result = json.RawMessage(result)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				if _, err := e.AuthorizeExecution(ctx, args[0]); err != nil {
					return err
				}
				ar, err := e.RecordResult(ctx, p, res)
				if err != nil {
					return err
				}
				return printJSONOrTable(ar)
			})
		},
	}
	cmd.Flags().BoolVar(&success, "success", false, "the action succeeded")
	cmd.Flags().StringVar(&result, "result", "", "result payload as JSON")
	cmd.Flags().StringVar(&errMsg, "error", "", "failure message")
	return cmd
}

func actionRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <action-id>",
		Short: "Execute an approved action with the built-in executor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				runner := e.NewRunner(1, e.Logger)
				ar, res, err := e.RunAction(ctx, p, args[0], runner)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"action": ar, "result": res})
			})
		},
	}
}

func classifyCmd() *cobra.Command {
	var locale string
	cmd := &cobra.Command{
		Use:   "classify <message>",
		Short: "Classify a message into mediation category A, B or C",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				res := e.Classify(strings.Join(args, " "), locale)
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("category %s (confidence %.2f): %s\n", res.Category, res.Confidence, res.Reason)
				if res.RequiresEscalation {
					fmt.Println(res.EscalationMessage)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&locale, "locale", "", "ja or en")
	return cmd
}

func messageCmd() *cobra.Command {
	var in engine.MessageRequest
	var proposals []string
	cmd := &cobra.Command{
		Use:   "message <text>",
		Short: "Handle a buyer message the way the orchestrator would",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Message = strings.Join(args, " ")
			for _, raw := range proposals {
				typ, params, _ := strings.Cut(raw, "=")
				pa := engine.ProposedAction{Type: typ}
				if params != "" {
					if !json.Valid([]byte(params)) {
						return fmt.Errorf("--propose %s: params must be valid JSON", typ)
					}
					pa.Params = json.RawMessage(params)
				}
				in.ProposedActions = append(in.ProposedActions, pa)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				resp, err := e.HandleMessage(ctx, p, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(resp)
			})
		},
	}
	cmd.Flags().StringVar(&in.UserID, "user", "", "buyer id")
	cmd.Flags().StringVar(&in.Channel, "channel", "", "web, line or app")
	cmd.Flags().StringVar(&in.Locale, "locale", "", "ja or en")
	cmd.Flags().StringArrayVar(&proposals, "propose", nil, `proposed action as type or type={"json":"params"} (repeatable)`)
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func eventsCmd() *cobra.Command {
	ec := &cobra.Command{Use: "events", Short: "Inspect the audit log"}
	var n int
	var cursor int64
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				items, err := e.ListEvents(ctx, p, n, cursor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().Int64Var(&cursor, "before", 0, "only events with an id below this one")
	tail.Flags().StringVar(&f.Type, "type", "", "event type")
	tail.Flags().StringVar(&f.JourneyID, "journey", "", "journey id")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	ec.AddCommand(tail)
	return ec
}

func rbacCmd() *cobra.Command {
	rc := &cobra.Command{Use: "rbac", Short: "Manage role grants"}
	rc.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Show the roles and permissions of the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				prof, err := e.Profile(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(prof)
			})
		},
	})
	for _, verb := range []string{"grant", "revoke"} {
		verb := verb
		var target, role string
		c := &cobra.Command{
			Use:   verb,
			Short: strings.ToUpper(verb[:1]) + verb[1:] + " a role",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
					change := e.GrantRole
					if verb == "revoke" {
						change = e.RevokeRole
					}
					if err := change(ctx, p, target, role); err != nil {
						return err
					}
					fmt.Printf("%s %s: %s\n", verb, target, role)
					return nil
				})
			},
		}
		c.Flags().StringVar(&target, "actor", "", "actor id")
		c.Flags().StringVar(&role, "role", "", "role id")
		_ = c.MarkFlagRequired("actor")
		_ = c.MarkFlagRequired("role")
		rc.AddCommand(c)
	}
	return rc
}

func keyCmd() *cobra.Command {
	kc := &cobra.Command{Use: "key", Short: "Manage API keys"}

	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the plain key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				key, plain, err := e.CreateAPIKey(ctx, p, actorID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("actor")

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				keys, err := e.ListAPIKeys(ctx, p, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "only keys of this actor")

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				return e.RevokeAPIKey(ctx, p, args[0])
			})
		},
	}

	kc.AddCommand(create, list, revoke)
	return kc
}

func tokenCmd() *cobra.Command {
	var actorID string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with JOURNEYGATE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("JOURNEYGATE_JWT_SECRET is required")
			}
			p := app.Principal(actorID, strings.Join(roles, ","))
			if p.ActorID == "" {
				return fmt.Errorf("--actor required")
			}
			tok, err := server.SignToken(secret, p.ActorID, p.Roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role embedded in the token (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := app.Open(ctx, viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, auth.Principal) error) error {
	return withEnv(ctx, func(ctx context.Context, env *app.Env) error {
		return fn(ctx, env.Engine, currentPrincipal())
	})
}

func currentPrincipal() auth.Principal {
	return app.Principal(viper.GetString("actor-id"), viper.GetString("roles"))
}

func newLogger() *slog.Logger {
	return app.NewLogger(os.Stderr, viper.GetString("log-level"), viper.GetString("log-format"))
}

func writeConfig(workspace, serviceID string, force bool) error {
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil && !force {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(config.GenerateDefault(serviceID)), 0o644)
}

func envPath(workspace string) string {
	return filepath.Join(workspace, ".env")
}

// ensureJWTSecret adds a random JOURNEYGATE_JWT_SECRET to the workspace .env
// unless one is already set there or in the environment.
func ensureJWTSecret(workspace string) (bool, error) {
	if os.Getenv("JOURNEYGATE_JWT_SECRET") != "" {
		return false, nil
	}
	path := envPath(workspace)
	vals, err := godotenv.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return false, err
		}
		vals = map[string]string{}
	}
	if vals["JOURNEYGATE_JWT_SECRET"] != "" {
		return false, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return false, err
	}
	vals["JOURNEYGATE_JWT_SECRET"] = hex.EncodeToString(buf)
	if err := godotenv.Write(vals, path); err != nil {
		return false, err
	}
	return true, nil
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printJourney(j domain.Journey) error {
	if viper.GetBool("json") {
		return printJSON(j)
	}
	locale := j.Context.Locale
	tw := newTable(table.Row{"Field", "Value"})
	tw.AppendRows([]table.Row{
		{"id", j.ID},
		{"user", j.UserID},
		{"stage", fmt.Sprintf("%s (%s, %d%%)", j.State, journey.Label(j.State, locale), journey.Progress(j.State))},
		{"version", j.Version},
		{"shortlist", strings.Join(j.Context.ShortlistedProperties, ", ")},
		{"active property", j.Context.ActivePropertyID},
		{"offer submitted / accepted", fmt.Sprintf("%t / %t", j.Context.OfferSubmitted, j.Context.OfferAccepted)},
		{"contract signed", j.Context.ContractSigned},
		{"loan approved", j.Context.LoanApproved},
		{"settlement date", j.Context.SettlementDate},
		{"escalated to agent", j.Context.EscalatedToAgent},
		{"locale", locale},
		{"updated", j.UpdatedAt},
	})
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
