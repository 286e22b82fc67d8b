package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/unirep/internal/engine"
	"github.com/roach88/unirep/internal/ir"
	"github.com/roach88/unirep/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	From   string
	Verify bool
}

// ProxyDiff names a proxy whose replayed state differs from the source.
type ProxyDiff struct {
	TenantID   string `json:"tenant_id"`
	DomainID   string `json:"domain_id"`
	ContextKey string `json:"context_key"`
	Reason     string `json:"reason"`
}

// ReplayResult holds the replay outcome.
type ReplayResult struct {
	Verified      bool        `json:"verified"`
	Compared      int         `json:"compared"`
	Differences   []ProxyDiff `json:"differences,omitempty"`
	Deterministic bool        `json:"deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild proxies from another database's event log",
		Long: `Replay the event log of --from into --db.

Domains and policies are copied, then every event is appended in log order
and processed. With --verify the rebuilt proxies are compared against the
source; values asserted by parent updates are not part of the log and show
up as differences.

Exit codes:
  0 - Replay complete (and identical with --verify)
  1 - Verification found differences
  2 - Command error (database not found, etc.)

Examples:
  urep replay --from ./urep.db --db ./rebuilt.db
  urep replay --from ./urep.db --db ./rebuilt.db --verify --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "source database holding the event log (required)")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "compare rebuilt proxies with the source")
	_ = cmd.MarkFlagRequired("from")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	ctx := context.Background()

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if same, _ := samePath(opts.From, cfg.DBPath); same {
		return f.Fail(ExitCommandError, ErrCodeInput, "--from and --db must name different databases", nil)
	}

	src, err := store.Open(opts.From)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to open source database", err)
	}
	defer closeStore(src)

	eng, dst, _, err := openEngine(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeStore(dst)

	pass, err := eng.Replay(ctx, src)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeProcess, "replay failed", err)
	}
	result := ReplayResult{Deterministic: true}

	if opts.Verify {
		result.Verified = true
		result.Compared, result.Differences, err = compareProxies(ctx, src, dst)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to compare proxies", err)
		}
		result.Deterministic = len(result.Differences) == 0
	}

	standing, err := standingErrors(ctx, dst)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to list standing errors", err)
	}

	if f.Format == "json" {
		if result.Deterministic {
			return f.Processed(result, pass, standing)
		}
		_ = f.Error("E_DETERMINISM", "replayed proxies differ from the source", result)
		return NewExitError(ExitFailure, "replay verification failed")
	}
	return outputReplayText(f, pass, standing, result)
}

const comparePageSize = 500

// compareProxies checks every source proxy against its replayed copy.
func compareProxies(ctx context.Context, src, dst *store.Store) (int, []ProxyDiff, error) {
	tenants, err := src.ListTenants(ctx)
	if err != nil {
		return 0, nil, err
	}
	domains, err := src.ListDomains(ctx)
	if err != nil {
		return 0, nil, err
	}

	compared := 0
	var diffs []ProxyDiff
	for _, tenant := range tenants {
		for _, d := range domains {
			for page := 1; ; page++ {
				items, total, err := src.ListProxies(ctx, tenant, d.ID, page, comparePageSize)
				if err != nil {
					return 0, nil, err
				}
				for _, want := range items {
					compared++
					got, err := dst.GetProxy(ctx, tenant, d.ID, want.ContextKey)
					if err != nil {
						diffs = append(diffs, ProxyDiff{tenant, d.ID, want.ContextKey, "missing after replay"})
						continue
					}
					if !ir.Equal(want.DynamicFields, got.DynamicFields) {
						diffs = append(diffs, ProxyDiff{tenant, d.ID, want.ContextKey, "dynamic fields differ"})
					} else if !ir.Equal(want.Fragments, got.Fragments) {
						diffs = append(diffs, ProxyDiff{tenant, d.ID, want.ContextKey, "fragments differ"})
					}
				}
				if page*comparePageSize >= total {
					break
				}
			}
		}
	}
	return compared, diffs, nil
}

func samePath(a, b string) (bool, error) {
	aa, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	bb, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	return aa == bb, nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(f *OutputFormatter, pass engine.PassResult, standing []ir.StandingError, result ReplayResult) error {
	w := f.Writer

	if err := f.Processed("Replay complete", pass, standing); err != nil {
		return err
	}
	if !result.Verified {
		return nil
	}

	fmt.Fprintf(w, "Compared %d proxies\n", result.Compared)
	for _, d := range result.Differences {
		fmt.Fprintf(w, "  ✗ %s %s/%s: %s\n", d.TenantID, d.DomainID, d.ContextKey, d.Reason)
	}
	if result.Deterministic {
		fmt.Fprintln(w, "✓ Replayed proxies match the source")
		return nil
	}
	fmt.Fprintln(w, "✗ Replay verification failed")
	return NewExitError(ExitFailure, "replay verification failed")
}
