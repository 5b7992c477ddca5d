package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"song-fulfillment/internal/app"
	"song-fulfillment/internal/models"
)

func newNotificationsCommand(ctx *commandContext) *cobra.Command {
	notifCmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notify"},
		Short:   "Inspect and retry outbound email",
	}
	notifCmd.AddCommand(newNotificationsListCommand(ctx))
	notifCmd.AddCommand(newNotificationsRetryCommand(ctx))
	notifCmd.AddCommand(newNotificationsDrainCommand(ctx))
	return notifCmd
}

func newNotificationsListCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				list, err := a.Store.ListNotifications(cmd.Context(), models.NotificationStatus(status), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if ctx.jsonOutput() {
					return writeJSON(out, list)
				}
				if len(list) == 0 {
					fmt.Fprintln(out, "No notifications")
					return nil
				}
				fmt.Fprint(out, renderTable(
					[]string{"ID", "Kind", "Recipient", "Status", "Retries", "Next Retry", "Last Error"},
					buildNotificationRows(list),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "Filter by status (pending, processing, sent, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func buildNotificationRows(list []models.Notification) [][]string {
	rows := make([][]string, 0, len(list))
	for _, n := range list {
		rows = append(rows, []string{
			n.ID,
			n.Kind,
			n.Recipient,
			string(n.Status),
			strconv.Itoa(n.RetryCount) + "/" + strconv.Itoa(n.MaxRetries),
			formatTime(n.NextRetryAt),
			truncate(deref(n.LastError), 60),
		})
	}
	return rows
}

func newNotificationsRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [notification-id...]",
		Short: "Requeue failed notifications (all failed when none are named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				n, err := a.Notify.RetryFailed(cmd.Context(), args...)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd.OutOrStdout(), map[string]int{"retried": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d notifications\n", n)
				return nil
			})
		},
	}
}

func newNotificationsDrainCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Send due notifications now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				sum, err := a.Notify.Drain(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd.OutOrStdout(), sum)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Claimed", "Sent", "Retried", "Failed", "Errors"},
					[][]string{{
						strconv.Itoa(sum.Claimed), strconv.Itoa(sum.Sent), strconv.Itoa(sum.Retried),
						strconv.Itoa(sum.Failed), strconv.Itoa(sum.Errors),
					}},
					[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight},
				))
				return nil
			})
		},
	}
}
