package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/unirep/internal/ir"
	"github.com/roach88/unirep/internal/store"
)

// ErrorsOptions holds flags for the errors command.
type ErrorsOptions struct {
	*RootOptions
	Tenant string
	Strict bool
}

// NewErrorsCommand creates the errors command.
func NewErrorsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ErrorsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "errors",
		Short: "List standing errors",
		Long: `List the standing errors of a tenant, including errors attached to
whole domains.

Exit codes:
  0 - Listed (or no errors with --strict)
  1 - Standing errors exist and --strict is set
  2 - Command error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runErrors(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant id (required)")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "exit 1 when any standing error exists")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func runErrors(opts *ErrorsOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	_, st, _, err := openEngine(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeStore(st)

	errs, err := st.ListStandingErrors(context.Background(), opts.Tenant)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to list standing errors", err)
	}
	if errs == nil {
		errs = []ir.StandingError{}
	}

	if f.Format == "json" {
		if err := f.Success(errs); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		if len(errs) == 0 {
			fmt.Fprintln(w, "✓ No standing errors")
		}
		for _, se := range errs {
			printStandingError(w, se)
		}
	}

	if opts.Strict && len(errs) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d standing error(s)", len(errs)))
	}
	return nil
}

// standingErrors lists the standing errors of tenants, every tenant when none
// is named. Domain-scoped errors appear once.
func standingErrors(ctx context.Context, st *store.Store, tenants ...string) ([]ir.StandingError, error) {
	if len(tenants) == 0 {
		tenants = []string{""}
	}
	out := []ir.StandingError{}
	seen := make(map[string]bool)
	for _, tenant := range tenants {
		errs, err := st.ListStandingErrors(ctx, tenant)
		if err != nil {
			return nil, err
		}
		for _, se := range errs {
			key := se.TenantID + "\x00" + se.TargetID
			if se.Scope == ir.ScopeDomain {
				key = "domain\x00" + se.DomainID + "\x00" + se.Code
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, se)
		}
	}
	return out, nil
}
