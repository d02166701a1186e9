package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/shellchat/internal/bot"
	"github.com/ehrlich-b/shellchat/internal/store"
)

func historyCmd(load loader) *cobra.Command {
	var chatID, userID int64
	var n int
	var events bool
	var runID string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent task runs from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			if cfg.Database.Path == "" {
				return fmt.Errorf("database.path is not set")
			}
			s, err := store.Open(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			if runID != "" {
				r, err := s.GetRun(runID)
				if err != nil {
					return err
				}
				if r == nil {
					return fmt.Errorf("run %s not found", runID)
				}
				return writeRunLog(cmd.OutOrStdout(), s, []*store.Run{r})
			}
			if !cmd.Flags().Changed("chat") || !cmd.Flags().Changed("user") {
				return fmt.Errorf("--chat and --user are required without --run")
			}
			runs, err := s.RecentRuns(chatID, userID, n)
			if err != nil {
				return err
			}
			if events {
				return writeRunLog(cmd.OutOrStdout(), s, runs)
			}
			fmt.Fprintln(cmd.OutOrStdout(), bot.FormatRuns(runs))
			return nil
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat", 0, "Chat (channel) id")
	cmd.Flags().Int64Var(&userID, "user", 0, "User id")
	cmd.Flags().IntVarP(&n, "limit", "n", 20, "Number of runs")
	cmd.Flags().BoolVar(&events, "events", false, "List each run's stop/kill events")
	cmd.Flags().StringVar(&runID, "run", "", "Show one run, with its events, by run id")
	return cmd
}

// writeRunLog prints each run followed by its lifecycle events.
func writeRunLog(w io.Writer, s *store.Store, runs []*store.Run) error {
	if len(runs) == 0 {
		fmt.Fprintln(w, "[No history]")
		return nil
	}
	for _, r := range runs {
		fmt.Fprintf(w, "%s  [%d] %s  %s  run=%s\n", r.StartedAt.Local().Format(time.DateTime), r.TaskID, r.State, r.Label, r.RunID)
		entries, err := s.ListLogByRun(r.RunID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			line := "    " + e.Timestamp.Local().Format(time.TimeOnly) + " " + e.Event
			if e.Detail != nil {
				line += ": " + *e.Detail
			}
			fmt.Fprintln(w, line)
		}
	}
	return nil
}
