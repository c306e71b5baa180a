package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vyvo/pagesmith/pkg/history"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		events bool
	)

	cmd := &cobra.Command{
		Use:   "history [task]",
		Short: "Show recorded pipeline runs, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("database.url is not configured")
			}
			store, err := history.NewPostgresStore(cfg.Database.URL)
			if err != nil {
				return err
			}
			defer store.Close()

			taskID := ""
			if len(args) == 1 {
				taskID = args[0]
			}

			ctx, cancel := context.WithTimeout(cmdContext(cmd), commandTimeout)
			defer cancel()
			runs, err := store.ListRuns(ctx, taskID, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tTASK\tROUND\tSTATUS\tREADY\tSTARTED\tPAGES\tERROR")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\t%s\t%s\t%s\n",
					r.ID, r.TaskID, r.Round, r.Status, r.Ready,
					r.CreatedAt.UTC().Format(time.RFC3339), r.PagesURL, r.Error)
				if !events {
					continue
				}
				evs, err := store.ListEvents(ctx, r.ID)
				if err != nil {
					return err
				}
				for _, ev := range evs {
					fmt.Fprintf(w, "\t\t\t  %s\t\t%s\t%s\t\n", ev.Stage, ev.CreatedAt.UTC().Format(time.RFC3339), ev.Detail)
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to show")
	cmd.Flags().BoolVar(&events, "events", false, "Include stage events for each run")
	return cmd
}
