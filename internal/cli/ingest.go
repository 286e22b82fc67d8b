package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/unirep/internal/ir"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	Tenant  string
	Process bool
}

// IngestedEvent reports one appended or coalesced event.
type IngestedEvent struct {
	EventID   string `json:"event_id"`
	Seq       int64  `json:"seq"`
	Duplicate bool   `json:"duplicate"`
}

// IngestResult is the output of the ingest command.
type IngestResult struct {
	Events     []IngestedEvent `json:"events"`
	Accepted   int             `json:"accepted"`
	Duplicates int             `json:"duplicates"`
}

func (r IngestResult) String() string {
	return fmt.Sprintf("Ingested %d event(s), %d coalesced", r.Accepted, r.Duplicates)
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest [file|-]",
		Short: "Append events to the event log",
		Long: `Append events to the event log.

The input is one JSON event object or an array of them, read from a file or
from stdin. Server-assigned fields (eventId, seq, processed) are ignored.
An event identical to one still waiting to be processed is coalesced.

Examples:
  urep ingest events.json
  cat event.json | urep ingest --tenant t1 --process`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			return runIngest(opts, path, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant for events that name none")
	cmd.Flags().BoolVar(&opts.Process, "process", false, "drain pending events after ingesting")

	return cmd
}

func runIngest(opts *IngestOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	ctx := context.Background()

	data, err := readInput(path, cmd.InOrStdin())
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInput, "failed to read events", err)
	}
	events, err := decodeEvents(data)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInput, "failed to decode events", err)
	}
	for i := range events {
		ev := &events[i]
		ev.ID, ev.Seq, ev.Processed, ev.ProcessedAt = "", 0, false, nil
		if ev.TenantID == "" {
			ev.TenantID = opts.Tenant
		}
		if err := ev.Validate(); err != nil {
			return f.Fail(ExitCommandError, ErrCodeInput, fmt.Sprintf("event %d is invalid", i), err)
		}
	}

	eng, st, _, err := openEngine(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeStore(st)

	res := IngestResult{Events: make([]IngestedEvent, 0, len(events))}
	for _, ev := range events {
		stored, inserted, err := eng.Ingest(ctx, ev)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to append event", err)
		}
		res.Events = append(res.Events, IngestedEvent{EventID: stored.ID, Seq: stored.Seq, Duplicate: !inserted})
		if inserted {
			res.Accepted++
		} else {
			res.Duplicates++
		}
		f.VerboseLog("event %s seq=%d duplicate=%t", stored.ID, stored.Seq, !inserted)
	}

	if !opts.Process {
		return f.Success(res)
	}

	pass, err := eng.Drain(ctx)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeProcess, "failed to process events", err)
	}
	standing, err := standingErrors(ctx, st, eventTenants(events)...)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to list standing errors", err)
	}
	return f.Processed(res, pass, standing)
}

func eventTenants(events []ir.ImportedEvent) []string {
	tenants := make([]string, 0, 1)
	for _, ev := range events {
		if !slices.Contains(tenants, ev.TenantID) {
			tenants = append(tenants, ev.TenantID)
		}
	}
	return tenants
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// decodeEvents accepts a single event object or an array of events.
func decodeEvents(data []byte) ([]ir.ImportedEvent, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("no input")
	}
	if trimmed[0] == '[' {
		var events []ir.ImportedEvent
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	var ev ir.ImportedEvent
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return nil, err
	}
	return []ir.ImportedEvent{ev}, nil
}
