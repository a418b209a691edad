package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseflow/internal/app"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/repo"
	"caseflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "caseflow",
	Short: "Caseflow CLI",
	Long: `Caseflow guards the lifecycle of funeral-service cases.
Core concepts:
- Stages: a case moves along the configured workflow (INTAKE -> ARRANGEMENTS -> ...). Only declared edges are allowed.
- Gates: entering a stage requires every required checklist item and document due at or before it to be completed or waived.
- Exit roles: each stage names the staff roles allowed to move a case out of it.
- Automation: rules watch case activity and raise alerts (quiet case, stalled stage, unpaid balance). An alert is raised once until resolved.
- Event log: every change is recorded; view it with 'caseflow log tail'.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("CASEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("config", "", "config file (default <workspace>/caseflow.yml)")
	flags.String("db-driver", "sqlite", "database driver (sqlite or postgres)")
	flags.String("db-dsn", "", "database DSN (postgres)")
	flags.String("staff-id", "local-user", "acting staff id")
	flags.String("staff-name", "", "acting staff name")
	flags.String("staff-role", "director", "acting staff role")
	for _, name := range []string{"workspace", "json", "config", "db-driver", "db-dsn", "staff-id", "staff-name", "staff-role"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(complianceCmd())
	rootCmd.AddCommand(automationCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default caseflow.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.InitWorkspace(viper.GetString("workspace"), force)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Manage cases"}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseTransitionCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var id, ref, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a new case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCase(ctx, engine.CaseCreateOptions{ID: id, Reference: ref, DisplayName: name, Actor: actor()})
				if err != nil {
					return err
				}
				return printCases([]domain.Case{c})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "case id (generated when empty)")
	cmd.Flags().StringVar(&ref, "reference", "", "case reference (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func caseListCmd() *cobra.Command {
	var stage string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCases(ctx, stage, limit)
				if err != nil {
					return err
				}
				return printCases(items)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "filter by stage")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case with its workflow position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				summary, err := e.Workflow.Summary(c.Stage)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"case": c, "workflow": summary})
				}
				fmt.Printf("Case: %s (%s) %s\n", c.ID, c.Reference, c.DisplayName)
				fmt.Printf("Stage: %s - %s\n", c.Stage, summary.Label)
				fmt.Printf("Next: %s\n", strings.Join(summary.Next, ", "))
				fmt.Printf("Exit roles: %s\n", strings.Join(summary.ExitRoles, ", "))
				return nil
			})
		},
	}
	return cmd
}

func caseTransitionCmd() *cobra.Command {
	var to, note string
	cmd := &cobra.Command{
		Use:   "transition <case-id>",
		Short: "Move a case to another stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.TransitionCase(ctx, engine.TransitionOptions{CaseID: args[0], ToStage: to, Note: note, Actor: actor()})
				if err != nil {
					if pf, ok := asPrecondition(err); ok && !viper.GetBool("json") {
						printGate(pf.Gate)
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s -> %s\n", res.Case.ID, res.FromStage, res.Case.Stage)
				if res.Regressed {
					fmt.Println("(regression)")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target stage")
	cmd.Flags().StringVar(&note, "note", "", "note recorded on the stage change")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func complianceCmd() *cobra.Command {
	c := &cobra.Command{Use: "compliance", Short: "Checklist items and documents"}
	c.AddCommand(complianceListCmd())
	c.AddCommand(complianceSetCmd())
	return c
}

func complianceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <case-id>",
		Short: "Show compliance items and gate status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.CaseCompliance(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Kind", "Key", "Label", "Due", "Required", "Status"})
				for _, it := range append(view.Checklist, view.Documents...) {
					tw.AppendRow(table.Row{it.Kind, it.Key, it.Label, it.RequiredStage, it.IsRequired, it.Status})
				}
				tw.Render()
				for _, stage := range e.Workflow.Order() {
					if g, ok := view.NextGates[stage]; ok {
						printGate(g)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func complianceSetCmd() *cobra.Command {
	var kind, status, notes, reason string
	cmd := &cobra.Command{
		Use:   "set <case-id> <item>",
		Short: "Complete, waive or reopen an item (by id or key)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ComplianceUpdateOptions{
					Kind:         kind,
					CaseID:       args[0],
					ItemID:       args[1],
					Status:       status,
					WaivedReason: reason,
					Actor:        actor(),
				}
				if cmd.Flags().Changed("notes") {
					opts.Notes = &notes
				}
				res, err := e.UpdateComplianceItem(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s %s: %s\n", res.Item.Kind, res.Item.Key, res.Item.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", domain.KindChecklist, "checklist or document")
	cmd.Flags().StringVar(&status, "status", domain.ItemCompleted, "pending, completed or waived")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&reason, "reason", "", "waiver reason")
	return cmd
}

func automationCmd() *cobra.Command {
	c := &cobra.Command{Use: "automation", Short: "Automation rules and alerts"}
	c.AddCommand(automationRunCmd())
	c.AddCommand(automationSweepCmd())
	c.AddCommand(automationAlertsCmd())
	c.AddCommand(automationResolveCmd())
	return c
}

func automationRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <case-id>",
		Short: "Evaluate rules for one case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RunAutomation(ctx, args[0], actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%d new alert(s), %d already open\n", len(res.Created), len(res.Skipped))
				return printAlerts(res.Created)
			})
		},
	}
	return cmd
}

func automationSweepCmd() *cobra.Command {
	var parallelism int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Evaluate rules for every open case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SweepAll(ctx, engine.SweepOptions{Actor: actor(), Parallelism: parallelism})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Swept %d case(s): %d created, %d already open\n", res.Cases, res.Created, res.Skipped)
				for _, id := range res.FailedCases() {
					fmt.Printf("  failed %s: %s\n", id, res.Failed[id])
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&parallelism, "parallelism", 4, "cases evaluated concurrently")
	return cmd
}

func automationAlertsCmd() *cobra.Command {
	var caseID string
	var history bool
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List open alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []domain.Alert
					err   error
				)
				if caseID != "" {
					items, err = e.ListCaseAlerts(ctx, caseID, history)
				} else {
					items, err = e.ListOpenAlerts(ctx)
				}
				if err != nil {
					return err
				}
				return printAlerts(items)
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "only alerts of this case")
	cmd.Flags().BoolVar(&history, "history", false, "include resolved alerts (with --case)")
	return cmd
}

func automationResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <case-id> <alert-id>",
		Short: "Resolve an open alert",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ResolveAlert(ctx, args[0], args[1], actor())
				if err != nil {
					return err
				}
				return printAlerts([]domain.Alert{a})
			})
		},
	}
	return cmd
}

func workflowCmd() *cobra.Command {
	c := &cobra.Command{Use: "workflow", Short: "Inspect the configured workflow"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show stages, edges and exit roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				summaries := e.Workflow.Summaries()
				if viper.GetBool("json") {
					return printJSON(summaries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Stage", "Label", "Next", "Exit roles", "Regressions"})
				for _, s := range summaries {
					tw.AppendRow(table.Row{s.Position, s.Stage, s.Label, strings.Join(s.Next, ","), strings.Join(s.ExitRoles, ","), strings.Join(s.Regressions, ",")})
				}
				tw.Render()
				return nil
			})
		},
	})
	return c
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Event log"}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var n int
	var caseID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.CaseEvents(ctx, repo.EventFilters{CaseID: caseID, Type: evtType, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Case", "Actor", "Payload"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.CaseID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&caseID, "case", "", "case id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting staff member",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw, key, err := e.CreateAPIKey(ctx, actor(), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": raw, "api_key": key})
				}
				fmt.Printf("API key for %s (%s): %s\n", key.StaffID, key.Role, raw)
				fmt.Println("Store it now; it cannot be shown again.")
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	c.AddCommand(create)

	var staffID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, staffID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Staff", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.StaffID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&staffID, "staff", "", "only keys of this staff id")
	c.AddCommand(list)

	c.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, actor(), args[0]); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	})
	return c
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the acting staff member",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("CASEFLOW_JWT_SECRET is required")
			}
			token, err := server.SignToken(secret, actor(), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func actor() domain.Staff {
	return domain.Staff{
		StaffID: viper.GetString("staff-id"),
		Name:    viper.GetString("staff-name"),
		Role:    viper.GetString("staff-role"),
	}
}

func appOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Driver:     viper.GetString("db-driver"),
		DSN:        viper.GetString("db-dsn"),
	}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Open(ctx, appOptions())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func asPrecondition(err error) (*domain.PreconditionFailedError, bool) {
	var pf *domain.PreconditionFailedError
	ok := errors.As(err, &pf)
	return pf, ok
}

func printGate(g domain.GateStatus) {
	if g.Passed {
		fmt.Printf("Gate %s: passed\n", g.Stage)
		return
	}
	fmt.Printf("Gate %s: blocked\n", g.Stage)
	for _, b := range g.BlockingChecklist {
		fmt.Printf("  checklist %s (%s) [%s]\n", b.Key, b.Label, b.Status)
	}
	for _, b := range g.BlockingDocuments {
		fmt.Printf("  document %s (%s) [%s]\n", b.Key, b.Label, b.Status)
	}
}

func printCases(items []domain.Case) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Reference", "Name", "Stage", "Updated"})
	for _, c := range items {
		tw.AppendRow(table.Row{c.ID, c.Reference, c.DisplayName, c.Stage, c.UpdatedAt})
	}
	tw.Render()
	return nil
}

func printAlerts(items []domain.Alert) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Case", "Key", "Severity", "Title", "Status"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.ID, a.CaseID, a.Key, a.Severity, a.Title, a.Status})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
