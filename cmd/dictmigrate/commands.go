package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"clinicalcore/internal/config"
	"clinicalcore/internal/migration"
	"clinicalcore/pkg/domain"
)

type rootOptions struct {
	configPath string
	traceFile  string
	stdout     io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout}
	root := &cobra.Command{
		Use:           "dictmigrate",
		Short:         "Migrate clinical donor data to a new data dictionary version",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to a config file (default ./clinicalcore.yaml when present)")
	flags.StringVar(&opts.traceFile, "trace-file", "", "write finished spans as JSON lines to this file")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.String("storage", "", "migration log driver: memory, sqlite, postgres or mongo")

	root.AddCommand(
		newSubmitCmd(opts),
		newResumeCmd(opts),
		newProbeCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
	)
	return root
}

// withApp loads the configuration, opens the collaborators around fn and
// releases them afterwards.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) (err error) {
	flags := cmd.Flags()
	cfg, err := config.Load(opts.configPath,
		config.BindFlag("log.level", flags.Lookup("log-level")),
		config.BindFlag("metrics.addr", flags.Lookup("metrics-addr")),
		config.BindFlag("storage.driver", flags.Lookup("storage")),
	)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, opts.traceFile)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.close(context.WithoutCancel(ctx)); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(ctx, a)
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		req   migration.SubmitRequest
		async bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Start a migration to a new dictionary version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Sync = !async
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				rec, err := a.manager.Submit(ctx, req)
				if rec.ID != "" {
					if werr := writeJSON(opts.stdout, rec); werr != nil {
						return werr
					}
				}
				if err != nil {
					return err
				}
				return awaitDetached(ctx, a, rec.ID, async, opts.stdout)
			})
		},
	}
	cmd.Flags().StringVar(&req.ToVersion, "to", "", "target dictionary version")
	cmd.Flags().StringVar(&req.FromVersion, "from", "", "source dictionary version (default: active version)")
	cmd.Flags().StringVar(&req.Initiator, "by", "", "who requested the migration")
	cmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "validate without changing donors or the active dictionary")
	cmd.Flags().BoolVar(&async, "async", false, "return once the migration has started, then wait for it in the background")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	var (
		dryRun bool
		async  bool
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue the open migration from its last checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := migration.ResumeRequest{Sync: !async}
			if cmd.Flags().Changed("dry-run") {
				req.DryRun = &dryRun
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				rec, err := a.manager.Resume(ctx, req)
				if rec.ID != "" {
					if werr := writeJSON(opts.stdout, rec); werr != nil {
						return werr
					}
				}
				if err != nil {
					return err
				}
				return awaitDetached(ctx, a, rec.ID, async, opts.stdout)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "override the migration's dry-run flag")
	cmd.Flags().BoolVar(&async, "async", false, "return once the migration has restarted, then wait for it in the background")
	return cmd
}

// awaitDetached keeps the process alive until a detached run ends and then
// prints its final record.
func awaitDetached(ctx context.Context, a *app, id string, async bool, w io.Writer) error {
	if !async {
		return nil
	}
	if err := a.manager.Wait(ctx); err != nil {
		return fmt.Errorf("interrupted while migration %s was running: %w", id, err)
	}
	rec, err := a.manager.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := writeJSON(w, rec); err != nil {
		return err
	}
	if rec.Stage == domain.StageFailed {
		return fmt.Errorf("migration %s failed: %s", id, rec.Error)
	}
	return nil
}

func newProbeCmd(opts *rootOptions) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Show the breaking changes between two dictionary versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.manager.Probe(ctx, from, to)
				if err != nil {
					return err
				}
				return writeJSON(opts.stdout, res)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source version (default: active version)")
	cmd.Flags().StringVar(&to, "to", "", "target version")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <migration-id>",
		Short: "Print one migration record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				rec, err := a.manager.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(opts.stdout, rec)
			})
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List migration records in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := parseState(state)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				recs, err := a.manager.List(ctx, filter)
				if err != nil {
					return err
				}
				if recs == nil {
					recs = []domain.DictionaryMigration{}
				}
				return writeJSON(opts.stdout, recs)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only list OPEN or CLOSED migrations")
	return cmd
}

func parseState(s string) (domain.MigrationState, error) {
	switch state := domain.MigrationState(strings.ToUpper(strings.TrimSpace(s))); state {
	case "", domain.MigrationOpen, domain.MigrationClosed:
		return state, nil
	default:
		return "", fmt.Errorf("unknown state %q (want OPEN or CLOSED)", s)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
