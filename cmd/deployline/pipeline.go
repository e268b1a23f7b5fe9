package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deployline/internal/app"
	"deployline/internal/domain"
	"deployline/internal/health"
	"deployline/internal/lifecycle"
	"deployline/internal/reconcile"
)

func pipelineCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage registered pipelines",
	}
	p.AddCommand(pipelineListCmd())
	p.AddCommand(pipelineShowCmd())
	p.AddCommand(pipelineProvisionCmd())
	p.AddCommand(pipelineTeardownCmd())
	p.AddCommand(pipelineStatsCmd())
	p.AddCommand(pipelineDiscoverCmd())
	return p
}

func statusString(s domain.PipelineStatus) string {
	if s == domain.StatusActive {
		return color.GreenString(string(s))
	}
	return color.YellowString(string(s))
}

func processString(s domain.ProcessStatus) string {
	switch s {
	case domain.ProcessRunning:
		return color.GreenString(string(s))
	case domain.ProcessStopped:
		return color.RedString(string(s))
	case "":
		return ""
	default:
		return color.YellowString(string(s))
	}
}

func pipelineListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := domain.PipelineStatus(status)
			if filter != "" && !filter.Valid() {
				return fmt.Errorf("--status must be active or inactive")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items := []domain.Pipeline{}
				for _, p := range a.Registry.List() {
					if filter == "" || p.Status == filter {
						items = append(items, p)
					}
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Repository", "Workflow", "Status", "App", "Process", "Discovered"})
				for _, p := range items {
					tw.AppendRow(table.Row{
						p.ID, p.Repository, p.WorkflowPath, statusString(p.Status),
						p.Integration.LinkedApp, processString(p.Integration.ProcessStatus), p.Integration.Discovered,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, inactive)")
	return cmd
}

func pipelineShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Registry.Get(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				printPipeline(os.Stdout, p)
				return nil
			})
		},
	}
	return cmd
}

func printPipeline(out io.Writer, p domain.Pipeline) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendRows([]table.Row{
		{"ID", p.ID},
		{"Repository", p.Repository},
		{"Workflow", p.WorkflowPath},
	})
	if p.WorkflowName != "" {
		tw.AppendRow(table.Row{"Workflow name", p.WorkflowName})
	}
	tw.AppendRows([]table.Row{
		{"Status", statusString(p.Status)},
		{"Created", p.CreatedAt.Local().Format(time.DateTime)},
		{"Updated", p.UpdatedAt.Local().Format(time.DateTime)},
		{"Branches", strings.Join(p.Config.TriggerBranches, ", ")},
		{"Environment", p.Config.Environment},
		{"Auto deploy", p.Config.AutoDeploy},
		{"Notifications", p.Config.Notifications},
		{"App", p.Integration.LinkedApp},
		{"Domain", p.Integration.LinkedDomain},
		{"Process", processString(p.Integration.ProcessStatus)},
		{"Discovered", p.Integration.Discovered},
	})
	if p.Integration.DiscoveredAt != nil {
		tw.AppendRow(table.Row{"Discovered at", p.Integration.DiscoveredAt.Local().Format(time.DateTime)})
	}
	tw.Render()
}

func pipelineProvisionCmd() *cobra.Command {
	var (
		req           lifecycle.ProvisionRequest
		branches      []string
		environment   string
		autoDeploy    bool
		notifications bool
	)
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Register a pipeline for a repository workflow",
		Long:  "Provisioning a repository and app that already have a pipeline updates that pipeline in place and reactivates it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("branches") || flags.Changed("environment") || flags.Changed("auto-deploy") || flags.Changed("notifications") {
				pc := domain.DefaultPipelineConfig()
				if flags.Changed("branches") {
					pc.TriggerBranches = branches
				}
				if flags.Changed("environment") {
					pc.Environment = environment
				}
				if flags.Changed("auto-deploy") {
					pc.AutoDeploy = autoDeploy
				}
				pc.Notifications = notifications
				req.Config = &pc
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Lifecycle.Provision(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				color.Green("provisioned %s (%s %s)", p.ID, p.Repository, p.WorkflowPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Repository, "repo", "", "repository (owner/name)")
	cmd.Flags().StringVar(&req.WorkflowPath, "workflow", "", "workflow path, e.g. .github/workflows/deploy.yml")
	cmd.Flags().StringVar(&req.LinkedDomain, "domain", "", "linked domain")
	cmd.Flags().StringVar(&req.LinkedApp, "app", "", "linked app on the deployment host")
	cmd.Flags().StringSliceVar(&branches, "branches", nil, "trigger branches")
	cmd.Flags().StringVar(&environment, "environment", "", "deployment environment")
	cmd.Flags().BoolVar(&autoDeploy, "auto-deploy", true, "deploy automatically on push")
	cmd.Flags().BoolVar(&notifications, "notifications", false, "send journal events to webhooks")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func pipelineTeardownCmd() *cobra.Command {
	var preserveRepository, yes bool
	cmd := &cobra.Command{
		Use:   "teardown <id>",
		Short: "Mark a pipeline inactive",
		Long:  "Teardown only changes the registry status. The repository, its workflow and the deployed app are left untouched.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Registry.Get(args[0])
				if err != nil {
					return err
				}
				if !yes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), fmt.Sprintf("Tear down pipeline %s (%s)?", p.ID, p.Repository)) {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
				p, err = a.Lifecycle.Teardown(ctx, p.ID, preserveRepository)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				color.Yellow("pipeline %s is %s", p.ID, p.Status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&preserveRepository, "preserve-repository", true, "keep the repository (teardown never deletes it)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

func pipelineStatsCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "stats <id>",
		Short: "Show run statistics and health score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w := window
				if !cmd.Flags().Changed("window") {
					w = a.Config.Monitor.Window
				}
				s, err := a.Monitor.Stats(ctx, args[0], w)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				printStats(s)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", health.DefaultWindow, "time window")
	return cmd
}

func printStats(s health.Stats) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"Pipeline", s.PipelineID},
		{"Repository", s.Repository},
		{"Workflow", s.WorkflowPath},
		{"Window", time.Duration(s.WindowSeconds) * time.Second},
		{"Data", freshnessString(s.Freshness)},
		{"Runs", s.RunCount},
		{"Succeeded", s.SuccessCount},
		{"Failed", s.FailureCount},
		{"In progress", s.InProgress},
		{"Queued", s.Queued},
		{"Success rate", fmt.Sprintf("%.1f%%", s.SuccessRate)},
		{"Health score", scoreString(s.HealthScore)},
	})
	if d, ok := s.AvgDuration(); ok {
		tw.AppendRow(table.Row{"Avg duration", d.Round(time.Second)})
	}
	if s.LastRun != nil {
		tw.AppendRow(table.Row{"Last run", fmt.Sprintf("%s on %s at %s", s.LastRun.Status, s.LastRun.Branch, s.LastRun.Timestamp.Format(time.RFC3339))})
	}
	if s.OutsideWindow {
		tw.AppendRow(table.Row{"Note", "no run finished inside the window; score taken from older runs"})
	}
	if s.Error != "" {
		tw.AppendRow(table.Row{"Error", s.Error})
	}
	tw.Render()
}

func freshnessString(f health.Freshness) string {
	switch f {
	case health.FreshnessLive:
		return color.GreenString(string(f))
	case health.FreshnessStale:
		return color.YellowString(string(f))
	default:
		return color.RedString(string(f))
	}
}

func scoreString(score int) string {
	s := fmt.Sprintf("%d", score)
	switch {
	case score >= 80:
		return color.GreenString(s)
	case score >= 50:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

func pipelineDiscoverCmd() *cobra.Command {
	var dryRun, yes bool
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Register pipelines for apps deployed on the host",
		Long:  "Discovery lists the apps directory on the host, reads each app's git remote and matches it to a GitHub deploy workflow. Apps that already have a pipeline, active or torn down, are skipped. Each matched repository is also checked for deploy credentials among its Actions secrets.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !dryRun && !yes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(),
					fmt.Sprintf("Discover pipelines on %s and register them?", a.Config.Remote.Host)) {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
				rep, runErr := a.Discover(ctx, dryRun)
				if rep.FinishedAt.IsZero() {
					return runErr
				}
				if viper.GetBool("json") {
					if err := printJSON(rep); err != nil {
						return err
					}
					return runErr
				}
				printReport(rep)
				return runErr
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be registered without writing")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

func printReport(rep reconcile.Report) {
	verb := "created"
	if rep.DryRun {
		verb = "would create"
	}
	fmt.Printf("%d apps, %d deploy workflows, %d %s, %d skipped, %d unconfigured, %d failed\n",
		rep.Apps, rep.Candidates, len(rep.Created), verb, len(rep.Skipped), len(rep.Unconfigured), len(rep.Failures))
	if len(rep.Created) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"ID", "App", "Repository", "Workflow", "Process"})
		for _, p := range rep.Created {
			tw.AppendRow(table.Row{p.ID, p.Integration.LinkedApp, p.Repository, p.WorkflowPath, processString(p.Integration.ProcessStatus)})
		}
		tw.Render()
	}
	for _, s := range rep.Skipped {
		fmt.Printf("  skip %s: pipeline %s (%s) already registered\n", s.App, s.PipelineID, s.Status)
	}
	for _, u := range rep.Unconfigured {
		fmt.Printf("  %s %s: %s\n", color.YellowString("unconfigured"), u.App, u.Reason)
	}
	for _, f := range rep.Failures {
		fmt.Printf("  %s %s: %s\n", color.RedString("failed"), f.App, f.Message)
	}
	for _, r := range rep.Readiness {
		switch {
		case r.Error != "":
			fmt.Printf("  %s %s (%s): %s\n", color.YellowString("secrets?"), r.App, r.Repository, r.Error)
		case r.DeploySecrets:
			fmt.Printf("  %s %s (%s): %s\n", color.GreenString("secrets"), r.App, r.Repository, strings.Join(r.SecretNames, ", "))
		default:
			fmt.Printf("  %s %s (%s): no deploy secrets\n", color.RedString("secrets"), r.App, r.Repository)
		}
	}
	if rep.Interrupted {
		fmt.Println(color.YellowString("interrupted before every app was applied"))
	}
	if len(rep.Created) == 0 && len(rep.Failures) == 0 {
		fmt.Println("nothing to register")
	}
}
