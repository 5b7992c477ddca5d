package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"song-fulfillment/internal/app"
	"song-fulfillment/internal/worker"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep [task...]",
		Short: "Run periodic tasks once (all when none are named)",
		Long: "Run worker tasks once. Tasks: " + strings.Join([]string{
			worker.TaskRelease, worker.TaskNotifications, worker.TaskAudioPoll,
			worker.TaskAudioResubmit, worker.TaskExpireApproval, worker.TaskPruneRateLimit,
		}, ", "),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				results, runErr := a.Runner("fulfillctl").RunOnce(cmd.Context(), args...)
				if results == nil && runErr != nil {
					return runErr
				}
				out := cmd.OutOrStdout()
				if ctx.jsonOutput() {
					if err := writeJSON(out, results); err != nil {
						return err
					}
				} else {
					fmt.Fprint(out, renderTable([]string{"Task", "Result", "Summary"}, buildSweepRows(results), nil))
				}
				if runErr != nil {
					return errors.New("one or more tasks failed")
				}
				return nil
			})
		},
	}
}

func buildSweepRows(results []worker.Result) [][]string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		status := "ok"
		detail := ""
		if r.Error != "" {
			status = "error"
			detail = r.Error
		} else if r.Summary != nil {
			b, err := json.Marshal(r.Summary)
			if err == nil {
				detail = string(b)
			}
		}
		rows = append(rows, []string{r.Task, status, truncate(detail, 100)})
	}
	return rows
}
