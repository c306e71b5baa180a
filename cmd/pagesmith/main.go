package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vyvo/pagesmith/pkg/config"
	"github.com/vyvo/pagesmith/pkg/logging"
	"github.com/vyvo/pagesmith/pkg/retry"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pagesmith",
		Short:         "Turns app briefs into published GitHub Pages sites",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newSubmitCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newDeadLettersCommand())
	cmd.AddCommand(newHistoryCommand())
	return cmd
}

func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.Setup(cfg.Log.Level, cfg.Log.Format), nil
}

// basePolicy is the shared backoff; callers pick their own attempt budget.
func basePolicy(cfg config.RetryConfig) retry.Policy {
	p := retry.Default
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	p.JitterPercent = cfg.JitterPercent
	return p
}

// notifyBudget bounds the whole notification stage: every attempt may use its full
// request timeout plus the longest backoff.
func notifyBudget(cfg config.NotifyConfig, policy retry.Policy) time.Duration {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return time.Duration(attempts) * (timeout + policy.MaxDelay)
}

const commandTimeout = 30 * time.Second
