package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vyvo/pagesmith/pkg/client"
	"github.com/vyvo/pagesmith/pkg/task"
)

func newSubmitCommand() *cobra.Command {
	var (
		server  string
		file    string
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Send a build request to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readRequest(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			if req.Secret == "" {
				cfg, _, err := loadConfig()
				if err != nil {
					return err
				}
				req.Secret = cfg.Secret
			}

			ctx, cancel := context.WithTimeout(cmdContext(cmd), timeout)
			defer cancel()

			c := client.NewClient(server)
			accepted, err := c.Submit(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accepted task=%s round=%d run=%s\n", accepted.Task, accepted.Round, accepted.RunID)
			if !wait {
				return nil
			}

			status, err := c.Wait(ctx, accepted.Task, accepted.RunID, 5*time.Second)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), status)
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Base URL of the pagesmith server")
	cmd.Flags().StringVar(&file, "file", "-", "Build request JSON file, - for stdin")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the pipeline to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Overall deadline including --wait")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "status <task>",
		Short: "Show a task's state on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmdContext(cmd), commandTimeout)
			defer cancel()
			status, err := client.NewClient(server).Task(ctx, args[0])
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), status)
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Base URL of the pagesmith server")
	return cmd
}

func readRequest(stdin io.Reader, file string) (task.BuildRequest, error) {
	r := stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return task.BuildRequest{}, err
		}
		defer f.Close()
		r = f
	}

	var req task.BuildRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return task.BuildRequest{}, fmt.Errorf("decode build request: %w", err)
	}
	return req, nil
}

func printStatus(w io.Writer, status client.TaskStatus) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}
