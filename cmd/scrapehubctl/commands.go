package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"scrapehub/internal/bus"
	"scrapehub/internal/jobs"
)

func parseJobID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return id, nil
}

func listCmd(a *app) *cobra.Command {
	var (
		state string
		kind  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := jobs.JobFilter{Kind: kind, Limit: limit}
			if state != "" {
				f.State = jobs.State(state)
				if !f.State.Valid() {
					return fmt.Errorf("unknown state %q", state)
				}
			}
			list, err := a.ctrl.List(cmd.Context(), f)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tSTATE\tPROGRESS\tUPDATED")
			for _, j := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
					j.ID, j.Kind, j.State, j.Processed, j.Total, j.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state (queued, running, paused, auto_paused, completed, failed, stopped)")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by job kind")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs to list")
	return cmd
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job with fresh statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			snap, err := a.ctrl.Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			snap.Job.Items = nil
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
}

func actionCmd(a *app, use, short string, action func(*jobs.Controller, context.Context, uuid.UUID) (jobs.Job, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			job, err := action(a.ctrl, cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s at %d/%d\n", job.ID, job.State, job.Processed, job.Total)
			return nil
		},
	}
}

func retryFailedCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "retry-failed <job-id>",
		Short: "Submit a new job over the items of a job that did not definitively succeed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			plan, err := a.ctrl.RetryFailedItems(cmd.Context(), id, jobs.RetryOptions{DryRun: dryRun})
			if err != nil {
				return err
			}
			if len(plan.Items) == 0 {
				fmt.Println("Nothing to retry.")
				return nil
			}
			if dryRun {
				fmt.Printf("[DRY RUN] would retry %d items:\n", len(plan.Items))
				for _, it := range plan.Items {
					fmt.Println("  " + it)
				}
				return nil
			}
			fmt.Printf("Created retry job %s with %d items\n", plan.Job.ID, len(plan.Items))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the items without creating a job")
	return cmd
}

func fixStuckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fix-stuck",
		Short: "Complete running jobs whose checkpoint already covers every item",
		RunE: func(cmd *cobra.Command, args []string) error {
			fixed, err := a.ctrl.RecoverStuck(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range fixed {
				fmt.Printf("completed %s\n", id)
			}
			fmt.Printf("Fixed %d stuck jobs\n", len(fixed))
			return nil
		},
	}
}

func backfillStatsCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "backfill-stats",
		Short: "Recompute cached statistics from result rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.ctrl.BackfillStats(cmd.Context(), all)
			if err != nil {
				return err
			}
			fmt.Printf("Refreshed statistics for %d jobs\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "refresh every job, not only those without statistics")
	return cmd
}

func cleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished jobs older than their retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats := jobs.CleanupExpired(cmd.Context(), a.cfg.Retention, a.store, a.registry.Kinds(), a.logger)
			var total int64
			for kind, n := range stats.JobsDeleted {
				fmt.Printf("%s: %d\n", kind, n)
				total += n
			}
			fmt.Printf("Deleted %d jobs\n", total)
			return nil
		},
	}
}

func watchCmd(a *app) *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print job events from NATS as they happen",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.NATS.URL == "" {
				return errors.New("nats.url is not configured")
			}
			subject := a.cfg.NATS.Subject + ".>"
			if jobID != "" {
				id, err := parseJobID(jobID)
				if err != nil {
					return err
				}
				subject = bus.EventSubject(a.cfg.NATS.Subject, "*", id.String())
			}

			nc, err := bus.Connect(a.cfg.NATS.URL)
			if err != nil {
				return fmt.Errorf("connect to NATS: %w", err)
			}
			defer nc.Close()

			sub, err := nc.SubscribeJSON(subject, func(_ context.Context, data []byte) {
				var ev jobs.Event
				if err := json.Unmarshal(data, &ev); err != nil {
					a.logger.Warn("undecodable event", "error", err)
					return
				}
				fmt.Printf("%s %s %-11s %s\n", ev.CreatedAt.Format("15:04:05"), ev.JobID, ev.Type, ev.Message)
			})
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			defer sub.Unsubscribe()

			fmt.Fprintf(os.Stderr, "watching %s\n", subject)
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "only show events for this job id")
	return cmd
}
