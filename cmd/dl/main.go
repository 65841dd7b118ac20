package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"draftline/internal/config"
	"draftline/internal/db"
	"draftline/internal/domain"
	"draftline/internal/engine"
	"draftline/internal/invoker"
	"draftline/internal/migrate"
	"draftline/internal/repo"
	"draftline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Draftline CLI",
	Long: `Draftline turns risky chat commands into a two-step propose/confirm flow.
- Draft: a proposed set of external operations, previewed before anything runs.
- Apply: on confirmation, each action runs exactly once; redelivered
  confirmations are absorbed by an idempotency ledger.
- Audit log: every transition is recorded, view with 'dl audit tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DRAFTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default draftline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func draftCmd() *cobra.Command {
	draft := &cobra.Command{
		Use:   "draft",
		Short: "Propose, inspect, confirm and cancel drafts",
		Long:  "Drafts hold proposed external operations. They stay inert until the author confirms; apply runs each action exactly once.",
	}
	draft.AddCommand(draftCreateCmd())
	draft.AddCommand(draftListCmd())
	draft.AddCommand(draftShowCmd())
	draft.AddCommand(draftApplyCmd())
	draft.AddCommand(draftCancelCmd())
	draft.AddCommand(draftAttemptsCmd())
	return draft
}

func draftCreateCmd() *cobra.Command {
	var channel, summary string
	var setStage, won []string
	var ttlMinutes int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft",
		Long:  "Propose actions as record=value pairs: --set-stage 'rec-1=Proposal Sent' moves a record, --won 'rec-1=ACME' marks it won and fans out the kickoff template into project ACME.",
		RunE: func(cmd *cobra.Command, args []string) error {
			actions, err := parseActions(setStage, won)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDraft(ctx, engine.DraftCreateOptions{
					AuthorID:  viper.GetString("actor-id"),
					ChannelID: channel,
					Summary:   summary,
					Actions:   actions,
					TTL:       time.Duration(ttlMinutes) * time.Minute,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("Draft %s created (expires %s)\n", d.ID, d.ExpiresAt)
				for _, a := range d.Actions {
					fmt.Println("  -", a.Describe())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "cli", "channel identifier")
	cmd.Flags().StringVar(&summary, "summary", "", "human summary")
	cmd.Flags().StringArrayVar(&setStage, "set-stage", []string{}, "record=stage-label (repeatable)")
	cmd.Flags().StringArrayVar(&won, "won", []string{}, "record=project-key (repeatable)")
	cmd.Flags().IntVar(&ttlMinutes, "ttl", 0, "draft lifetime in minutes (0 uses config)")
	return cmd
}

func parseActions(setStage, won []string) ([]domain.Action, error) {
	var actions []domain.Action
	for _, spec := range setStage {
		record, label, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("--set-stage expects record=stage-label, got %q", spec)
		}
		actions = append(actions, domain.Action{
			Kind:           domain.ActionSetRecordStage,
			SetRecordStage: &domain.SetRecordStageAction{RecordID: record, StageLabel: label},
		})
	}
	for _, spec := range won {
		record, project, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("--won expects record=project-key, got %q", spec)
		}
		actions = append(actions, domain.Action{
			Kind:      domain.ActionRecordWon,
			RecordWon: &domain.RecordWonAction{RecordID: record, ProjectKey: project},
		})
	}
	return actions, nil
}

func draftListCmd() *cobra.Command {
	var f repo.DraftFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				drafts, err := e.Repo.ListDrafts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(drafts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Author", "Actions", "Expires"})
				for _, d := range drafts {
					tw.AppendRow(table.Row{d.ID, d.Status, d.AuthorID, len(d.Actions), d.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (DRAFT, APPLIED, CANCELLED)")
	cmd.Flags().StringVar(&f.AuthorID, "author", "", "author filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func draftShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDraft(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("Draft %s [%s] by %s\n", d.ID, d.Status, d.AuthorID)
				if d.Summary != "" {
					fmt.Println("Summary:", d.Summary)
				}
				for _, a := range d.Actions {
					fmt.Println("  -", a.Describe())
				}
				fmt.Println("Expires:", d.ExpiresAt)
				return nil
			})
		},
	}
	return cmd
}

func draftApplyCmd() *cobra.Command {
	var eventID string
	cmd := &cobra.Command{
		Use:   "apply <id>",
		Short: "Confirm and apply a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Apply(ctx, engine.ApplyOptions{
					DraftID:             args[0],
					ActorID:             viper.GetString("actor-id"),
					ConfirmationEventID: eventID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				if out.AlreadyApplied {
					fmt.Printf("Draft %s was already applied\n", out.Draft.ID)
					return nil
				}
				fmt.Printf("Draft %s applied (attempt %s)\n", out.Draft.ID, out.AttemptID)
				for _, res := range out.Results {
					fmt.Println("  -", res.Summary)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event-id", "", "confirmation event id (reuse on redelivery to dedupe)")
	return cmd
}

func draftCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an open draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CancelDraft(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("Draft %s cancelled\n", d.ID)
				return nil
			})
		},
	}
	return cmd
}

func draftAttemptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attempts <id>",
		Short: "List apply attempts for a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAttempts(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Token", "Started", "Finished", "Error"})
				for _, a := range items {
					finished, errSummary := "", ""
					if a.FinishedAt != nil {
						finished = *a.FinishedAt
					}
					if a.ErrorSummary != nil {
						errSummary = *a.ErrorSummary
					}
					tw.AppendRow(table.Row{a.ID, a.IdempotencyToken, a.StartedAt, finished, errSummary})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func auditCmd() *cobra.Command {
	audit := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}
	audit.AddCommand(auditTailCmd())
	return audit
}

func auditTailCmd() *cobra.Command {
	var n int
	var draftID, level string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.ListAuditEntries(ctx, repo.AuditFilters{
					DraftID: draftID,
					Level:   level,
					Limit:   n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Level", "Event", "Draft"})
				for _, entry := range entries {
					draft := ""
					if entry.DraftID != nil {
						draft = *entry.DraftID
					}
					tw.AppendRow(table.Row{entry.ID, entry.CreatedAt, entry.Level, entry.EventType, draft})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&draftID, "draft", "", "draft id filter")
	cmd.Flags().StringVar(&level, "level", "", "level filter (info, error)")
	return cmd
}

func stageCmd() *cobra.Command {
	stage := &cobra.Command{Use: "stage", Short: "Inspect the stage catalog"}
	stage.AddCommand(stageListCmd())
	return stage
}

func stageListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipeline stages and their aliases",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Stages)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Key", "Name", "Aliases", "Won"})
			for _, s := range cfg.Stages.Catalog {
				won := ""
				if s.Key == cfg.Stages.WonStage {
					won = "*"
				}
				tw.AppendRow(table.Row{s.Key, s.Name, strings.Join(s.Aliases, ", "), won})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the plaintext is shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key := "dlk_" + strings.ReplaceAll(uuid.New().String(), "-", "")
				rec := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, rec); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": rec.ID, "actor_id": rec.ActorID, "key": key})
				}
				fmt.Printf("API key %s for %s\n%s\n", rec.ID, rec.ActorID, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			inv := invoker.New(cfg.Invoker.BaseURL, cfg.Invoker.APIKey, cfg.InvokerTimeout())
			e := engine.New(conn, cfg, inv)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("DRAFTLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" && !allowLegacyHeader {
				return fmt.Errorf("DRAFTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Draftline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	inv := invoker.New(cfg.Invoker.BaseURL, cfg.Invoker.APIKey, cfg.InvokerTimeout())
	e := engine.New(conn, cfg, inv)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
