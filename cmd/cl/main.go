package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"claimline/internal/app"
	"claimline/internal/config"
	"claimline/internal/db"
	"claimline/internal/domain"
	"claimline/internal/engine"
	"claimline/internal/logging"
	"claimline/internal/migrate"
	"claimline/internal/repo"
	"claimline/internal/server"
	"claimline/internal/steplog"
	claimlinesdk "claimline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Claimline CLI",
	Long: `Claimline runs insurance claims through a confirm-then-evaluate workflow.
- Session: one operator conversation. Naming a claim id asks for confirmation; "yes" runs the pipeline, "no" cancels.
- Pipeline: coverage rules, then document intelligence, then intake clarification. A coverage rejection stops early.
- Decision: APPROVED, DENIED or NEEDS_MANUAL_REVIEW, with reasoning from every stage that ran.
- Event log: every discovery, dispatch, response and decision step, view with 'cl log claim <id>' or 'cl log tail'.
- Workspace: claimline.yml plus the .claimline directory holding the SQLite database.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// A missing .env is normal outside development.
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetEnvPrefix("CLAIMLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level for local commands (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("remote", "", "claimline API base URL; commands use the API instead of the local workspace")
	rootCmd.PersistentFlags().String("token", "", "bearer token for --remote")
	for _, name := range []string{"workspace", "json", "log-level", "remote", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := app.ResolveConfig(workspace, nil)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Service.BasePath = basePath
			}
			if secret := viper.GetString("jwt-secret"); secret != "" {
				cfg.Service.JWTSecret = secret
			}
			if !cmd.Flags().Changed("addr") && cfg.Service.Addr != "" {
				addr = cfg.Service.Addr
			}
			a, err := app.New(cmd.Context(), app.Options{Workspace: workspace, Config: cfg, Logger: logging.New(cfg.Log.Level)})
			if err != nil {
				return err
			}
			handler, err := server.New(server.ConfigFromApp(a))
			if err != nil {
				_ = a.Close(context.Background())
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Claimline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, cfg.Service.BasePath)
			serveErr := srv.ListenAndServe()
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Workflow.PipelineTimeout+5*time.Second)
			defer cancel()
			closeErr := a.Close(closeCtx)
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				return serveErr
			}
			return closeErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret; enables bearer auth (env CLAIMLINE_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func chatCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat <message...>",
		Short: "Send one operator message",
		Example: `  cl chat --session desk-1 Process claim with OP-1001
  cl chat --session desk-1 yes`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")
			if remote := viper.GetString("remote"); remote != "" {
				c := remoteClient(remote)
				reply, err := c.SendMessage(cmd.Context(), sessionID, message)
				var apiErr *claimlinesdk.APIError
				if errors.As(err, &apiErr) && apiErr.Reply != nil {
					printRemoteReply(*apiErr.Reply)
					return err
				}
				if err != nil {
					return err
				}
				printRemoteReply(reply)
				return nil
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				reply, err := a.Engine.HandleMessage(ctx, sessionID, message)
				printReply(reply)
				switch domain.KindOf(err) {
				case "", domain.KindParse, domain.KindNotFound:
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id (generated when empty)")
	return cmd
}

func claimCmd() *cobra.Command {
	c := &cobra.Command{Use: "claim", Short: "Manage claims in the local gateway"}
	c.AddCommand(claimImportCmd())
	c.AddCommand(claimGetCmd())
	c.AddCommand(claimListCmd())
	return c
}

func claimImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import claims from a YAML or JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			claims, err := readClaims(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				for _, c := range claims {
					if err := r.UpsertClaim(ctx, c); err != nil {
						return fmt.Errorf("import %s: %w", c.ClaimID, err)
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"imported": len(claims)})
				}
				fmt.Printf("imported %d claims\n", len(claims))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "claims file (a list, or {claims: [...]})")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func claimGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <claim_id>",
		Short: "Show a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote := viper.GetString("remote"); remote != "" {
				c, err := remoteClient(remote).Claim(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(c)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetClaim(ctx, strings.ToUpper(args[0]))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				printClaims([]domain.Claim{c})
				return nil
			})
		},
	}
}

func claimListCmd() *cobra.Command {
	var f repo.ClaimFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListClaims(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printClaims(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max claims")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Read the workflow event log"}
	l.AddCommand(logClaimCmd())
	l.AddCommand(logTailCmd())
	return l
}

func logClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <claim_id>",
		Short: "Show every step recorded for a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			claimID := strings.ToUpper(args[0])
			if remote := viper.GetString("remote"); remote != "" {
				steps, err := remoteClient(remote).ClaimSteps(cmd.Context(), claimID)
				if err != nil {
					return err
				}
				return printJSON(steps)
			}
			return withSteps(cmd.Context(), func(ctx context.Context, l steplog.Log) error {
				steps, err := l.Query(ctx, claimID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				printSteps(steps)
				return nil
			})
		},
	}
}

func logTailCmd() *cobra.Command {
	var n int
	var cursor string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Recent steps across claims, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote := viper.GetString("remote"); remote != "" {
				page, err := remoteClient(remote).StepsPage(cmd.Context(), n, cursor)
				if err != nil {
					return err
				}
				return printJSON(page)
			}
			return withSteps(cmd.Context(), func(ctx context.Context, l steplog.Log) error {
				parsed, err := parseCursor(cursor)
				if err != nil {
					return err
				}
				steps, next, err := l.QueryRecentFrom(ctx, n, parsed)
				if err != nil {
					return err
				}
				nextCursor := ""
				if next.ID != 0 {
					nextCursor = fmt.Sprintf("%s|%d", next.Timestamp, next.ID)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": steps, "next_cursor": nextCursor})
				}
				printSteps(steps)
				if nextCursor != "" {
					fmt.Printf("next: --cursor '%s'\n", nextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of steps")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	return cmd
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Inspect operator sessions"}
	s.AddCommand(&cobra.Command{
		Use:   "show <session_id>",
		Short: "Show session state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote := viper.GetString("remote"); remote != "" {
				st, err := remoteClient(remote).Session(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(st)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				st, err := a.Engine.SessionStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(st)
			})
		},
	})
	s.AddCommand(&cobra.Command{
		Use:   "clear <session_id>",
		Short: "Forget a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var removed bool
			var err error
			if remote := viper.GetString("remote"); remote != "" {
				removed, err = remoteClient(remote).ClearSession(cmd.Context(), args[0])
			} else {
				err = withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
					removed, err = a.Engine.CleanupSession(ctx, args[0])
					return err
				})
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"session_id": args[0], "removed": removed})
			}
			if removed {
				fmt.Printf("session %s cleared\n", args[0])
			} else {
				fmt.Printf("session %s not found\n", args[0])
			}
			return nil
		},
	})
	return s
}

func decisionCmd() *cobra.Command {
	d := &cobra.Command{Use: "decision", Short: "Inspect recorded decisions"}
	var claimID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List decisions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDecisions(ctx, strings.ToUpper(claimID), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printDecisions(items)
				return nil
			})
		},
	}
	list.Flags().StringVar(&claimID, "claim", "", "only decisions for this claim")
	list.Flags().IntVar(&limit, "limit", 50, "max decisions")
	d.AddCommand(list)
	return d
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in claimline.yml at the workspace root: evaluator endpoints, timeouts, gateway and session store choices, observers.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), nil)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate claimline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var serviceID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default claimline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(serviceID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&serviceID, "service-id", "claimline", "service id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func tokenCmd() *cobra.Command {
	var operator string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				cfg, err := app.ResolveConfig(viper.GetString("workspace"), nil)
				if err != nil {
					return err
				}
				secret = cfg.Service.JWTSecret
			}
			token, err := server.IssueToken(secret, operator, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator id (token subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime; 0 for none")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

// --- helpers ---

func cliLogger() *logging.Logger {
	return logging.NewWithWriter(os.Stderr, viper.GetString("log-level"))
}

// withApp runs fn against a fully wired local context and waits for status
// write-backs before returning.
func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.New(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: cliLogger()})
	if err != nil {
		return err
	}
	fnErr := fn(ctx, a)
	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return errors.Join(fnErr, a.Close(closeCtx))
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func withSteps(ctx context.Context, fn func(context.Context, steplog.Log) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		return fn(ctx, steplog.Log{Repo: r, Logger: cliLogger()})
	})
}

func remoteClient(base string) *claimlinesdk.Client {
	c := claimlinesdk.New(base)
	c.BearerToken = viper.GetString("token")
	return c
}

func readClaims(path string) ([]domain.Claim, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// JSON is a subset of YAML, so one decoder serves both.
	var list []domain.Claim
	if err := yaml.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return normalizeClaims(list)
	}
	var wrapped struct {
		Claims []domain.Claim `yaml:"claims"`
	}
	if err := yaml.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return normalizeClaims(wrapped.Claims)
}

func normalizeClaims(in []domain.Claim) ([]domain.Claim, error) {
	if len(in) == 0 {
		return nil, errors.New("no claims found")
	}
	for i := range in {
		in[i].ClaimID = strings.ToUpper(strings.TrimSpace(in[i].ClaimID))
		if in[i].ClaimID == "" {
			return nil, fmt.Errorf("claim %d: claim_id required", i+1)
		}
		if in[i].Status == "" {
			in[i].Status = "pending"
		}
	}
	return in, nil
}

func parseCursor(raw string) (steplog.Cursor, error) {
	if raw == "" {
		return steplog.Cursor{}, nil
	}
	var c steplog.Cursor
	idx := strings.LastIndex(raw, "|")
	if idx <= 0 {
		return c, fmt.Errorf("invalid cursor %q", raw)
	}
	c.Timestamp = raw[:idx]
	if _, err := fmt.Sscanf(raw[idx+1:], "%d", &c.ID); err != nil {
		return c, fmt.Errorf("invalid cursor %q", raw)
	}
	return c, nil
}

func printReply(r engine.Reply) {
	if viper.GetBool("json") {
		_ = printJSON(r)
		return
	}
	fmt.Printf("[%s] %s\n", r.SessionID, r.State)
	if r.Decision != nil {
		fmt.Println(outcomeColor(string(r.Decision.Outcome)).Sprint(r.Message))
		return
	}
	if r.ErrorKind != "" {
		fmt.Println(color.New(color.FgYellow).Sprint(r.Message))
		return
	}
	fmt.Println(r.Message)
}

func printRemoteReply(r claimlinesdk.Reply) {
	if viper.GetBool("json") {
		_ = printJSON(r)
		return
	}
	fmt.Printf("[%s] %s\n", r.SessionID, r.State)
	switch {
	case r.Decision != nil:
		fmt.Println(outcomeColor(r.Decision.Outcome).Sprint(r.Message))
	case r.ErrorKind != "":
		fmt.Println(color.New(color.FgYellow).Sprint(r.Message))
	default:
		fmt.Println(r.Message)
	}
}

func outcomeColor(outcome string) *color.Color {
	switch domain.DecisionOutcome(outcome) {
	case domain.Approved:
		return color.New(color.FgGreen, color.Bold)
	case domain.Denied:
		return color.New(color.FgRed, color.Bold)
	}
	return color.New(color.FgYellow, color.Bold)
}

func printClaims(items []domain.Claim) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Claim", "Patient", "Amount", "Category", "Diagnosis", "Status"})
	for _, c := range items {
		t.AppendRow(table.Row{c.ClaimID, c.CustomerName, fmt.Sprintf("%.2f", c.BillAmount), c.Category, c.Diagnosis, c.Status})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func printSteps(items []domain.WorkflowStep) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"#", "Claim", "Type", "Status", "Agent", "Timestamp", "Details"})
	for _, s := range items {
		details := ""
		if len(s.Details) > 0 {
			b, _ := json.Marshal(s.Details)
			details = string(b)
			if len(details) > 80 {
				details = details[:77] + "..."
			}
		}
		t.AppendRow(table.Row{s.Ordinal, s.ClaimID, s.StepType, s.Status, s.AgentName, s.Timestamp, details})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func printDecisions(items []domain.Decision) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Decided", "Claim", "Outcome", "Error", "Session", "Reasoning"})
	for _, d := range items {
		t.AppendRow(table.Row{d.DecidedAt, d.ClaimID, outcomeColor(string(d.Outcome)).Sprint(d.Outcome), d.ErrorKind, d.SessionID, d.Reasoning})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
