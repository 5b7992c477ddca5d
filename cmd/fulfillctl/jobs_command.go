package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"song-fulfillment/internal/app"
	"song-fulfillment/internal/models"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and repair generation jobs",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsEventsCommand(ctx))
	jobsCmd.AddCommand(newJobsRetryCommand(ctx))
	jobsCmd.AddCommand(newJobsUnapproveCommand(ctx))
	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				jobs, err := a.Store.ListJobs(cmd.Context(), models.JobStatus(status), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if ctx.jsonOutput() {
					return writeJSON(out, jobs)
				}
				if len(jobs) == 0 {
					fmt.Fprintln(out, "No jobs")
					return nil
				}
				fmt.Fprint(out, renderTable(
					[]string{"ID", "Order", "Variant", "Status", "Audio Task", "Updated", "Error"},
					buildJobRows(jobs),
					[]columnAlignment{alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "Filter by status (pending, processing, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func buildJobRows(jobs []models.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID,
			j.OrderID,
			strconv.Itoa(j.Variant),
			string(j.Status),
			deref(j.AudioTaskReference),
			formatTime(j.UpdatedAt),
			truncate(deref(j.Error), 60),
		})
	}
	return rows
}

func newJobsEventsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "events <job-id>",
		Short: "Show a job's transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				events, err := a.Store.ListJobEvents(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if ctx.jsonOutput() {
					return writeJSON(out, events)
				}
				if len(events) == 0 {
					fmt.Fprintln(out, "No events")
					return nil
				}
				rows := make([][]string, 0, len(events))
				for _, e := range events {
					rows = append(rows, []string{formatTime(e.Recorded), e.Event, truncate(e.Detail, 80)})
				}
				fmt.Fprint(out, renderTable([]string{"At", "Event", "Detail"}, rows, nil))
				return nil
			})
		},
	}
}

func newJobsRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [job-id...]",
		Short: "Resume failed jobs (all failed jobs when none are named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				retried, err := a.Lyrics.RetryFailed(cmd.Context(), args...)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd.OutOrStdout(), map[string]any{"retried": retried})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retried %d jobs\n", len(retried))
				for _, id := range retried {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
				}
				return nil
			})
		},
	}
}

func newJobsUnapproveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "unapprove <job-id>",
		Short: "Roll a job back to lyrics review, dropping its songs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				res, err := a.Lyrics.AdminUnapprove(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s reopened: approval %s, %d songs removed, %d notifications cancelled\n",
					res.JobID, res.ApprovalID, len(res.SongIDs), res.CancelledNotifications)
				return nil
			})
		},
	}
}

func newApprovalsCommand(ctx *commandContext) *cobra.Command {
	approvalsCmd := &cobra.Command{
		Use:   "approvals",
		Short: "Operate on lyrics approvals",
	}

	var reason string
	rejectCmd := &cobra.Command{
		Use:   "reject <approval-id>",
		Short: "Reject a draft on the customer's behalf and generate the next one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason is required")
			}
			return ctx.withApp(cmd, func(a *app.App) error {
				out, err := a.Lyrics.AdminReject(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd.OutOrStdout(), out)
				}
				switch {
				case out.Escalated:
					fmt.Fprintf(cmd.OutOrStdout(), "Approval %s rejected; revision cap reached, job escalated\n", out.Rejected.ID)
				case out.Next != nil:
					fmt.Fprintf(cmd.OutOrStdout(), "Approval %s rejected; new draft %s (revision %d)\n",
						out.Rejected.ID, out.Next.ID, out.Next.RegenerationCount)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "Approval %s rejected\n", out.Rejected.ID)
				}
				return nil
			})
		},
	}
	rejectCmd.Flags().StringVar(&reason, "reason", "", "Feedback passed to the next draft")
	approvalsCmd.AddCommand(newApprovalsListCommand(ctx))
	approvalsCmd.AddCommand(rejectCmd)
	return approvalsCmd
}

func newApprovalsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list <job-id>",
		Short: "List a job's approval cycles, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				list, err := a.Store.ListApprovals(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if ctx.jsonOutput() {
					return writeJSON(out, list)
				}
				if len(list) == 0 {
					fmt.Fprintln(out, "No approvals")
					return nil
				}
				fmt.Fprint(out, renderTable(
					[]string{"ID", "Revision", "Status", "Title", "Expires", "Reason"},
					buildApprovalRows(list),
					[]columnAlignment{alignLeft, alignRight},
				))
				return nil
			})
		},
	}
}

func buildApprovalRows(list []models.LyricsApproval) [][]string {
	rows := make([][]string, 0, len(list))
	for _, a := range list {
		rows = append(rows, []string{
			a.ID,
			strconv.Itoa(a.RegenerationCount),
			string(a.Status),
			truncate(a.Lyrics.Title, 40),
			formatTime(a.ExpiresAt),
			truncate(deref(a.RejectionReason), 40),
		})
	}
	return rows
}
