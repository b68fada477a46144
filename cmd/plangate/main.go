package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"plangate/internal/app"
	"plangate/internal/config"
	"plangate/internal/db"
	"plangate/internal/domain"
	"plangate/internal/engine"
	"plangate/internal/migrate"
	"plangate/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "plangate",
	Short: "Plangate CLI",
	Long: `Plangate runs dependency-ordered task plans behind risk-based approval gates.
- Plan: a DAG of tasks created from one request; it moves created -> planning -> executing -> completed/failed/cancelled.
- Risk policy: LOW runs on its own, HIGH always waits for a human, MEDIUM follows plangate.yml.
- Approvals: pending requests are resolved with 'plangate approval resolve'; stale ones expire on sweep.
- Outbox: every transition is recorded in the same transaction and relayed to the configured bus.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PLANGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				v, err := migrate.Version(a.Repo.DB)
				if err != nil {
					return err
				}
				fmt.Printf("schema at version %d (%s)\n", v, a.Repo.Dialect)
				return nil
			})
		},
	}
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "plan", Short: "Manage task plans"}
	cmd.AddCommand(planCreateCmd())
	cmd.AddCommand(planListCmd())
	cmd.AddCommand(planShowCmd())
	cmd.AddCommand(planAdvanceCmd())
	cmd.AddCommand(planCancelCmd())
	return cmd
}

func planCreateCmd() *cobra.Command {
	var file string
	var advance bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a plan from a YAML or JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			in, err := readPlanInput(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), advance, func(ctx context.Context, a *app.App) error {
				plan, _, err := a.Engine.CreatePlan(ctx, in)
				if err != nil {
					return err
				}
				if advance {
					if err := a.Engine.Advance(ctx, plan.ID); err != nil {
						return err
					}
					a.Engine.Drain()
				}
				return showPlan(ctx, a, plan.ID)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "plan file (YAML or JSON)")
	cmd.Flags().BoolVar(&advance, "advance", false, "advance the plan right after creating it")
	return cmd
}

func readPlanInput(path string) (engine.PlanInput, error) {
	var in engine.PlanInput
	data, err := os.ReadFile(path)
	if err != nil {
		return in, err
	}
	// YAML is a superset of JSON, so one decoder serves both.
	if err := yaml.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("parse %s: %w", path, err)
	}
	return in, nil
}

func planListCmd() *cobra.Command {
	var status, project string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				f := repo.PlanFilters{ProjectID: project, Limit: limit}
				if status != "" {
					f.Statuses = []domain.PlanStatus{domain.PlanStatus(status)}
				}
				plans, err := a.Engine.ListPlans(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plans)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Project", "Status", "Approval", "Est. Cost", "Updated"})
				for _, p := range plans {
					tw.AppendRow(table.Row{p.ID, p.ProjectID, colorStatus(string(p.Status)), p.RequiresApproval, p.EstimatedCost, p.UpdatedAt.Format("2006-01-02 15:04:05")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&project, "project", "", "project filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max plans")
	return cmd
}

func planShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan with its tasks, executions and approvals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				return showPlan(ctx, a, args[0])
			})
		},
	}
}

func planAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <plan-id>",
		Short: "Advance a plan and wait for the executions it starts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Advance(ctx, args[0]); err != nil {
					return err
				}
				a.Engine.Drain()
				return showPlan(ctx, a, args[0])
			})
		},
	}
}

func planCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <plan-id>",
		Short: "Cancel a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Cancel(ctx, args[0], reason); err != nil {
					return err
				}
				return showPlan(ctx, a, args[0])
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func showPlan(ctx context.Context, a *app.App, planID string) error {
	v, err := a.Engine.Plan(ctx, planID)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(v)
	}
	p := v.Plan
	fmt.Printf("Plan %s [%s]\n", p.ID, colorStatus(string(p.Status)))
	fmt.Printf("  request: %s\n", p.Request)
	fmt.Printf("  user/project: %s/%s\n", p.UserID, p.ProjectID)
	fmt.Printf("  estimate: cost %.2f, duration %dms\n", p.EstimatedCost, p.EstimatedDurationMs)
	if p.RequiresApproval {
		fmt.Printf("  plan approval: %s\n", p.ApprovalReason)
	}
	if p.Error != "" {
		fmt.Printf("  error: %s\n", color.RedString(p.Error))
	}

	tw := newTable()
	tw.AppendHeader(table.Row{"Task", "Agent", "Tool", "Risk", "Deps", "Status", "Error"})
	for _, t := range v.Tasks {
		tw.AppendRow(table.Row{t.TaskID, t.Agent, t.ToolName, colorRisk(t.RiskLevel), strings.Join(t.Dependencies, ","), colorStatus(string(t.Status)), t.Error})
	}
	tw.Render()

	if len(v.Executions) > 0 {
		taskIDs := make(map[string]string, len(v.Tasks))
		for _, t := range v.Tasks {
			taskIDs[t.ID] = t.TaskID
		}
		ew := newTable()
		ew.AppendHeader(table.Row{"Execution", "Task", "Tool", "Status", "Exec ms", "Duration ms"})
		for _, ex := range v.Executions {
			dur := "-"
			if ex.CompletedAt != nil {
				dur = strconv.FormatInt(ex.ExecutionDurationMs, 10)
			}
			ew.AppendRow(table.Row{ex.ID, taskIDs[ex.TaskRowID], ex.ToolName, colorStatus(string(ex.Status)), ex.ExecutionTimeMs, dur})
		}
		ew.Render()
	}

	pending := 0
	for _, r := range v.Approvals {
		if r.Status == domain.ApprovalPending {
			pending++
			fmt.Printf("pending approval %s (%s %s)\n", r.ID, r.SubjectKind, r.SubjectID)
		}
	}
	if pending > 0 {
		fmt.Println(color.YellowString("resolve with: plangate approval resolve <request-id> --action approve|reject"))
	}
	return nil
}

func approvalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approval", Short: "Inspect and resolve approval requests"}
	cmd.AddCommand(approvalListCmd())
	cmd.AddCommand(approvalResolveCmd())
	cmd.AddCommand(approvalLogsCmd())
	return cmd
}

func approvalListCmd() *cobra.Command {
	var planID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListApprovalRequests(ctx, nil, repo.ApprovalFilters{PlanID: planID, Status: domain.ApprovalStatus(status)})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Plan", "Subject", "Type", "Status", "Created"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.PlanID, string(r.SubjectKind) + ":" + r.SubjectID, r.Type, colorStatus(string(r.Status)), r.CreatedAt.Format("2006-01-02 15:04:05")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan filter")
	cmd.Flags().StringVar(&status, "status", string(domain.ApprovalPending), "status filter (empty for all)")
	return cmd
}

func approvalResolveCmd() *cobra.Command {
	var action, reason string
	cmd := &cobra.Command{
		Use:   "resolve <request-id>",
		Short: "Approve or reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			act := domain.ApprovalAction(action)
			if act != domain.ActionApprove && act != domain.ActionReject {
				return fmt.Errorf("--action must be approve or reject")
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				req, err := a.Engine.ResolveApproval(ctx, args[0], act, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				a.Engine.Drain()
				return showPlan(ctx, a, req.PlanID)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "approve or reject")
	cmd.Flags().StringVar(&reason, "reason", "", "decision reason")
	return cmd
}

func approvalLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <request-id>",
		Short: "Show the audit log of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				logs, err := a.Repo.ListApprovalLogs(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(logs)
			})
		},
	}
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "Inspect and relay the event outbox"}
	cmd.AddCommand(outboxListCmd())
	cmd.AddCommand(outboxRequeueCmd())
	cmd.AddCommand(outboxRelayCmd())
	return cmd
}

func outboxListCmd() *cobra.Command {
	var status, aggregate string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListOutbox(ctx, nil, repo.OutboxFilters{Status: domain.OutboxStatus(status), AggregateID: aggregate, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Event", "Aggregate", "Status", "Retries", "Last Error"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.EventType, e.AggregateType + ":" + e.AggregateID, colorStatus(string(e.Status)), e.RetryCount, e.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&aggregate, "aggregate", "", "aggregate id filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events")
	return cmd
}

func outboxRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Requeue a dead outbox event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid outbox id %q", args[0])
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				if err := a.Relay.Requeue(ctx, id); err != nil {
					return err
				}
				fmt.Printf("requeued outbox event %d\n", id)
				return nil
			})
		},
	}
}

func outboxRelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run one relay cycle against the configured bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				stats, err := a.Relay.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale approvals and time out stuck executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				stats, err := a.Engine.Sweep(ctx)
				if err != nil {
					return err
				}
				a.Engine.Drain()
				return printJSONOrTable(stats)
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect workspace configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Validate plangate.yml or the given file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Println(color.GreenString("ok"), path)
			return nil
		},
	})
	return cmd
}

// --- helpers ---

// withApp opens the workspace database, migrates it and builds the app.
// Commands that may start executions pass dispatch=true so the configured
// executor is wired.
func withApp(ctx context.Context, dispatch bool, fn func(context.Context, *app.App) error) error {
	a, closeFn, err := openApp(dispatch)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, a)
}

func openApp(dispatch bool) (*app.App, func(), error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger()
	conn, dialect, err := db.Open(db.Config{Driver: db.Dialect(cfg.Database.Driver), DSN: cfg.Database.DSN, Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, nil, err
	}
	var exec engine.Executor
	if dispatch {
		if exec, err = app.Executor(cfg.Executor, logger); err != nil {
			conn.Close()
			return nil, nil, err
		}
	}
	a, err := app.Build(cfg, conn, dialect, exec, logger)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return a, func() {
		a.Engine.Stop()
		conn.Close()
	}, nil
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func colorStatus(s string) string {
	switch s {
	case "completed", "approved", "published":
		return color.GreenString(s)
	case "failed", "rejected", "dead":
		return color.RedString(s)
	case "awaiting_approval", "pending", "publishing":
		return color.YellowString(s)
	case "running", "executing":
		return color.CyanString(s)
	case "skipped", "cancelled", "expired":
		return color.New(color.Faint).Sprint(s)
	}
	return s
}

func colorRisk(r domain.RiskLevel) string {
	switch r {
	case domain.RiskHigh:
		return color.New(color.FgRed, color.Bold).Sprint(r)
	case domain.RiskMedium:
		return color.YellowString(string(r))
	}
	return string(r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Print(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
