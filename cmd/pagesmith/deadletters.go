package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vyvo/pagesmith/pkg/deadletter"
	"github.com/vyvo/pagesmith/pkg/notify"
)

func newDeadLettersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect and resend undelivered evaluator notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newDeadLettersListCommand())
	cmd.AddCommand(newDeadLettersResendCommand())
	return cmd
}

func openDeadLetters() (*deadletter.Store, *notify.Notifier, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Redis.URL == "" {
		return nil, nil, errors.New("redis.url is not configured")
	}
	store, err := deadletter.NewStore(cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	notifier := notify.New(notify.Options{
		Policy:  basePolicy(cfg.Retry).WithAttempts(1),
		Timeout: cfg.Notify.Timeout,
		Logger:  logger,
	})
	return store, notifier, nil
}

func newDeadLettersListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored dead letters, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openDeadLetters()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmdContext(cmd), commandTimeout)
			defer cancel()
			letters, err := store.List(ctx)
			if err != nil {
				return err
			}
			if len(letters) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no dead letters")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTASK\tROUND\tSTATUS\tCREATED\tERROR")
			for _, l := range letters {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					l.ID,
					l.Notification.Task,
					l.Notification.Round,
					l.Notification.Status,
					time.Unix(l.CreatedAt, 0).UTC().Format(time.RFC3339),
					l.Error,
				)
			}
			return w.Flush()
		},
	}
}

func newDeadLettersResendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resend <id>",
		Short: "Deliver a dead letter once and remove it on success",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, notifier, err := openDeadLetters()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmdContext(cmd), commandTimeout)
			defer cancel()
			if err := store.Resend(ctx, args[0], notifier); err != nil {
				return fmt.Errorf("resend %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered %s\n", args[0])
			return nil
		},
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
