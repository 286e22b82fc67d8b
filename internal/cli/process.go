package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// ProcessResult is the output of the process command.
type ProcessResult struct {
	Unprocessed int `json:"unprocessed"`
}

func (r ProcessResult) String() string {
	return fmt.Sprintf("%d event(s) still unprocessed", r.Unprocessed)
}

// NewProcessCommand creates the process command.
func NewProcessCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Drain unprocessed events and due retries",
		Long: `Process every unprocessed event and every due retry, then exit.

This is the one-shot form of the worker pool run by serve. It is safe to run
while a server is running: pulls are leased, so no event is processed twice.

Example:
  urep process --db ./urep.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(rootOpts, cmd)
		},
	}
	return cmd
}

func runProcess(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	ctx := context.Background()

	eng, st, _, err := openEngine(opts)
	if err != nil {
		return err
	}
	defer closeStore(st)

	pass, err := eng.Drain(ctx)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeProcess, "failed to process events", err)
	}
	left, err := st.CountUnprocessed(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to count unprocessed events", err)
	}

	standing, err := standingErrors(ctx, st)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to list standing errors", err)
	}
	return f.Processed(ProcessResult{Unprocessed: left}, pass, standing)
}
