package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"song-fulfillment/internal/app"
	"song-fulfillment/internal/models"
)

func newSongsCommand(ctx *commandContext) *cobra.Command {
	songsCmd := &cobra.Command{
		Use:   "songs",
		Short: "Inspect, approve and delete songs",
	}
	songsCmd.AddCommand(newSongsListCommand(ctx))
	songsCmd.AddCommand(newSongsApproveCommand(ctx))
	songsCmd.AddCommand(newSongsDeleteCommand(ctx))
	return songsCmd
}

func newSongsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list <order-id>",
		Short: "List an order's songs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				songs, err := a.Store.ListSongsByOrder(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if ctx.jsonOutput() {
					return writeJSON(out, songs)
				}
				if len(songs) == 0 {
					fmt.Fprintln(out, "No songs")
					return nil
				}
				fmt.Fprint(out, renderTable(
					[]string{"ID", "Variant", "Title", "Status", "Release At", "Released", "Emailed"},
					buildSongRows(songs),
					[]columnAlignment{alignLeft, alignRight},
				))
				return nil
			})
		},
	}
}

func buildSongRows(songs []models.Song) [][]string {
	rows := make([][]string, 0, len(songs))
	for _, s := range songs {
		emailed := "no"
		if s.EmailSent {
			emailed = "yes"
		}
		rows = append(rows, []string{
			s.ID,
			strconv.Itoa(s.VariantNumber),
			truncate(s.Title, 40),
			string(s.Status),
			formatTimePtr(s.ReleaseAt),
			formatTimePtr(s.ReleasedAt),
			emailed,
		})
	}
	return rows
}

func newSongsApproveCommand(ctx *commandContext) *cobra.Command {
	var releaseAt string
	var after time.Duration

	cmd := &cobra.Command{
		Use:   "approve <song-id>",
		Short: "Approve a ready song and schedule its release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				at := time.Now().Add(a.Config.ReleaseDelay)
				switch {
				case releaseAt != "":
					parsed, err := time.Parse(time.RFC3339, releaseAt)
					if err != nil {
						return fmt.Errorf("--release-at: %w", err)
					}
					at = parsed
				case cmd.Flags().Changed("in"):
					at = time.Now().Add(after)
				}
				song, err := a.Release.ApproveSong(cmd.Context(), args[0], at)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd.OutOrStdout(), song)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Song %s approved for release at %s\n", song.ID, formatTimePtr(song.ReleaseAt))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&releaseAt, "release-at", "", "Release time (RFC3339)")
	cmd.Flags().DurationVar(&after, "in", 0, "Release after this delay instead of the configured one")
	return cmd
}

func newSongsDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <song-id>",
		Short: "Delete a song and its stored files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				if err := a.Release.DeleteSong(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Song %s deleted\n", args[0])
				return nil
			})
		},
	}
}
