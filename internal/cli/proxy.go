package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/unirep/internal/ir"
	"github.com/roach88/unirep/internal/store"
)

// ProxyOptions holds flags shared by the proxy subcommands.
type ProxyOptions struct {
	*RootOptions
	Tenant   string
	Page     int
	PageSize int
}

// ProxyPage is the output of proxy list.
type ProxyPage struct {
	Items    []ir.Proxy `json:"items"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"pageSize"`
}

// NewProxyCommand creates the proxy command group.
func NewProxyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProxyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Read materialized proxies",
	}
	cmd.PersistentFlags().StringVar(&opts.Tenant, "tenant", "", "tenant id (required)")
	_ = cmd.MarkPersistentFlagRequired("tenant")

	get := &cobra.Command{
		Use:   "get <domain> <context-key>",
		Short: "Show one proxy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxyGet(opts, args[0], args[1], cmd)
		},
	}

	list := &cobra.Command{
		Use:   "list <domain>",
		Short: "List the proxies of a domain, ordered by context key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxyList(opts, args[0], cmd)
		},
	}
	list.Flags().IntVar(&opts.Page, "page", 1, "page number, starting at 1")
	list.Flags().IntVar(&opts.PageSize, "page-size", 50, "proxies per page")

	cmd.AddCommand(get, list)
	return cmd
}

func runProxyGet(opts *ProxyOptions, domainID, contextKey string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	_, st, _, err := openEngine(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeStore(st)

	p, err := st.GetProxy(context.Background(), opts.Tenant, domainID, contextKey)
	if errors.Is(err, store.ErrNotFound) {
		return f.Fail(ExitFailure, ErrCodeNotFound, fmt.Sprintf("no proxy %s/%s for tenant %s", domainID, contextKey, opts.Tenant), nil)
	}
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to read proxy", err)
	}

	if f.Format == "json" {
		return f.Success(p)
	}
	printProxy(cmd.OutOrStdout(), p)
	return nil
}

func runProxyList(opts *ProxyOptions, domainID string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	if opts.Page < 1 || opts.PageSize < 1 {
		return f.Fail(ExitCommandError, ErrCodeInput, "page and page-size must be positive", nil)
	}

	_, st, _, err := openEngine(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeStore(st)

	items, total, err := st.ListProxies(context.Background(), opts.Tenant, domainID, opts.Page, opts.PageSize)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to list proxies", err)
	}
	if items == nil {
		items = []ir.Proxy{}
	}

	if f.Format == "json" {
		return f.Success(ProxyPage{Items: items, Total: total, Page: opts.Page, PageSize: opts.PageSize})
	}
	w := cmd.OutOrStdout()
	for _, p := range items {
		printProxy(w, p)
	}
	fmt.Fprintf(w, "Page %d: %d of %d proxies\n", opts.Page, len(items), total)
	return nil
}

func printProxy(w io.Writer, p ir.Proxy) {
	fmt.Fprintf(w, "%s/%s\n", p.DomainID, p.ContextKey)
	for _, k := range p.DynamicFields.SortedKeys() {
		fmt.Fprintf(w, "  %s = %s\n", k, renderValue(p.DynamicFields[k]))
	}
	for _, k := range p.Fragments.SortedKeys() {
		fmt.Fprintf(w, "  [%s] %s\n", k, renderValue(p.Fragments[k]))
	}
}

func renderValue(v ir.IRValue) string {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
