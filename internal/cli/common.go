package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/unirep/internal/compiler"
	"github.com/roach88/unirep/internal/config"
	"github.com/roach88/unirep/internal/engine"
	"github.com/roach88/unirep/internal/ir"
	"github.com/roach88/unirep/internal/store"
)

// Error codes shared by the data commands.
const (
	ErrCodeDatabase     = "E_DATABASE"
	ErrCodeNotFound     = "E_NOT_FOUND"
	ErrCodeInput        = "E_INPUT"
	ErrCodeProcess      = "E_PROCESS"
	ErrCodeRegistration = "E_REGISTRATION"
)

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// loadConfig reads UREP_* variables and applies the --db override.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if opts.Database != "" {
		cfg.DBPath = opts.Database
	}
	return cfg, nil
}

// openEngine opens the configured database and builds an engine over it.
// The caller closes the returned store.
func openEngine(opts *RootOptions) (*engine.Engine, *store.Store, config.Config, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, cfg, err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, cfg, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return engine.New(st, cfg.EngineOptions()...), st, cfg, nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// registerDir loads, validates and registers every domain in dir. Nothing
// is registered when any definition is invalid.
func registerDir(ctx context.Context, eng *engine.Engine, dir string) (int, error) {
	loaded, errs := compiler.LoadDir(dir, compiler.LoadModeCollectAll)
	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	if verrs := compiler.ValidateAll(loaded.Definitions); len(verrs) > 0 {
		joined := make([]error, len(verrs))
		for i, e := range verrs {
			joined[i] = e
		}
		return 0, errors.Join(joined...)
	}
	for _, w := range compiler.AnalyzeCycles(domainsOf(loaded.Definitions)) {
		slog.Warn("possible reference cycle", "path", w.Path, "level", w.Level)
	}
	for _, def := range loaded.Definitions {
		if _, err := eng.RegisterDomain(ctx, def.Domain, def.Policy); err != nil {
			return 0, fmt.Errorf("domain %s: %w", def.Domain.ID, err)
		}
		slog.Info("domain registered", "domain_id", def.Domain.ID)
	}
	return len(loaded.Definitions), nil
}

func domainsOf(defs []compiler.Definition) []ir.Domain {
	out := make([]ir.Domain, len(defs))
	for i, d := range defs {
		out[i] = d.Domain
	}
	return out
}
