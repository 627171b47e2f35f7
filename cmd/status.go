package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/agentflow/internal/models"
	"github.com/joescharf/agentflow/internal/output"
	"github.com/joescharf/agentflow/internal/store"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show task status",
	Long: `Show recent tasks, or the sessions, plan, code changes and review of one task.

The task ID may be the full ID or the short suffix shown in the task table.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return statusTaskRun(args[0])
		}
		return statusOverviewRun()
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Maximum number of tasks to list")
	rootCmd.AddCommand(statusCmd)
}

func statusOverviewRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	tasks, err := s.ListTasks(ctx, statusLimit)
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		ui.Info("No tasks yet. Use 'agentflow run <description>' to get started.")
		return nil
	}

	table := ui.Table([]string{"ID", "Task", "Status", "Retries", "Created"})
	for _, t := range tasks {
		table.Append([]string{
			output.Cyan(output.ShortID(t.ID)),
			truncate(t.Description, 50),
			output.StatusColor(string(t.Status)),
			output.RetryColor(t.RetryCount),
			timeAgo(t.CreatedAt),
		})
	}
	table.Render()

	if latest, err := s.GetLatestIncompleteTask(ctx); err == nil && latest != nil {
		fmt.Fprintln(ui.Out)
		ui.Info("Task %s is %s. Run 'agentflow resume' to continue it.", output.ShortID(latest.ID), latest.Status)
	}
	return nil
}

func statusTaskRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	t, err := resolveTask(ctx, s, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(t.ID), t.Description)
	fmt.Fprintf(ui.Out, "  Status:   %s\n", output.StatusColor(string(t.Status)))
	fmt.Fprintf(ui.Out, "  Retries:  %s\n", output.RetryColor(t.RetryCount))
	fmt.Fprintf(ui.Out, "  Created:  %s (%s)\n", t.CreatedAt.Local().Format(time.DateTime), timeAgo(t.CreatedAt))
	if t.Error != "" {
		fmt.Fprintf(ui.Out, "  Error:    %s\n", output.Red(t.Error))
	}

	sessions, err := s.GetAgentSessionsByTask(ctx, t.ID)
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out)
	if len(sessions) == 0 {
		ui.Info("No agent sessions yet")
	} else {
		table := ui.Table([]string{"Session", "Role", "Status", "Started", "Duration", "Error"})
		for _, sess := range sessions {
			duration := "-"
			if sess.CompletedAt != nil {
				duration = sess.CompletedAt.Sub(sess.StartedAt).Round(time.Second).String()
			}
			table.Append([]string{
				output.ShortID(sess.ID),
				string(sess.AgentRole),
				output.StatusColor(string(sess.Status)),
				timeAgo(sess.StartedAt),
				duration,
				truncate(sess.Error, 40),
			})
		}
		table.Render()
	}

	// Stage outputs are informational; show what is there.
	if plan, err := s.GetPlanForTask(ctx, t.ID); err == nil && plan != nil {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, output.Cyan("Plan"))
		fmt.Fprintln(ui.Out, indent(plan.Content, "  "))
	}

	if changes, err := s.GetCodeChangesForTask(ctx, t.ID); err == nil && len(changes) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, output.Cyan("Code changes"))
		for _, c := range changes {
			fmt.Fprintf(ui.Out, "  %-7s %s  %s\n", c.ChangeType, c.FilePath, c.Summary)
		}
	}

	if review, err := s.GetReviewForTask(ctx, t.ID); err == nil && review != nil {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "%s  %s (criteria met: %t)\n", output.Cyan("Review"), output.StatusColor(string(review.Status)), review.CriteriaMet)
		if review.Feedback != "" {
			fmt.Fprintln(ui.Out, indent(review.Feedback, "  "))
		}
	}

	return nil
}

// resolveTask finds a task by full ID or by unique ID suffix.
func resolveTask(ctx context.Context, s store.Store, ref string) (*models.Task, error) {
	if t, err := s.GetTask(ctx, ref); err == nil {
		return t, nil
	}

	tasks, err := s.ListTasks(ctx, 0)
	if err != nil {
		return nil, err
	}
	var match *models.Task
	for _, t := range tasks {
		if strings.HasSuffix(strings.ToUpper(t.ID), strings.ToUpper(ref)) {
			if match != nil {
				return nil, fmt.Errorf("task id %q is ambiguous", ref)
			}
			match = t
		}
	}
	if match == nil {
		return nil, fmt.Errorf("task not found: %s", ref)
	}
	return match, nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

// timeAgo returns a human-readable relative time string.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}
