package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/arena/internal/auth"
	"github.com/MarkoPoloResearchLab/arena/internal/config"
	"github.com/MarkoPoloResearchLab/arena/internal/logging"
)

const (
	flagOnce        = "once"
	flagSubject     = "subject"
	flagRoles       = "roles"
	flagTTL         = "ttl"
	defaultTokenTTL = time.Hour
)

var errReconcileDisabled = errors.New("gateway-url is required to reconcile")

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "arenad: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "arenad",
		Short:         "Arena coin ledger and tournament lifecycle service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCommand(cfg), newReconcileCommand(cfg), newMigrateCommand(cfg), newTokenCommand(cfg))
	return cmd
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, gRPC health and the reconciliation loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
}

func newReconcileCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile pending topups against the payment gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			once, err := cmd.Flags().GetBool(flagOnce)
			if err != nil {
				return err
			}
			return runReconcile(cmd.Context(), cfg, once)
		},
	}
	cmd.Flags().Bool(flagOnce, false, "run a single pass, print the report and exit")
	return cmd
}

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), cfg)
		},
	}
}

func newTokenCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a service caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, err := cmd.Flags().GetString(flagSubject)
			if err != nil {
				return err
			}
			roles, err := cmd.Flags().GetStringSlice(flagRoles)
			if err != nil {
				return err
			}
			ttl, err := cmd.Flags().GetDuration(flagTTL)
			if err != nil {
				return err
			}
			token, err := issueToken(*cfg, subject, roles, ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().String(flagSubject, "", "token subject (required)")
	cmd.Flags().StringSlice(flagRoles, []string{auth.RoleService}, "roles carried by the token")
	cmd.Flags().Duration(flagTTL, defaultTokenTTL, "token lifetime")
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	v, err := config.NewViper(cmd.Flags())
	if err != nil {
		return err
	}
	loaded, err := config.Load(v)
	if err != nil {
		return err
	}
	*cfg = loaded
	return nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.RequireAuth(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := logging.New(cfg.LogDevelopment)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	app, err := newApplication(ctx, *cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()
	return app.Serve(ctx)
}

func runReconcile(ctx context.Context, cfg *config.Config, once bool) error {
	if !cfg.ReconcileEnabled() {
		return errReconcileDisabled
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := logging.New(cfg.LogDevelopment)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	app, err := newApplication(ctx, *cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if !once {
		return app.worker.Run(ctx)
	}
	report, err := app.worker.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	logger.Info("reconciliation pass finished",
		zap.Int("examined", report.Examined),
		zap.Int("applied", report.Applied),
		zap.Int("failed", report.Failed),
		zap.Int("amount_mismatch", report.AmountMismatch),
		zap.Int("still_pending", report.StillPending),
		zap.Int("ambiguous", report.Ambiguous),
		zap.Int("unavailable", report.Unavailable),
		zap.Int("errors", report.Errors),
		zap.Int("stale", len(report.Stale)),
	)
	return nil
}

func runMigrate(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.LogDevelopment)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	storage, err := openStorage(ctx, *cfg)
	if err != nil {
		return err
	}
	defer storage.close()
	logger.Info("schema migrated", zap.String("store_driver", cfg.StoreDriver), zap.String("database_driver", storage.databaseDriver))
	return nil
}

func issueToken(cfg config.Config, subject string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("%s is required", flagSubject)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("%s must be positive", flagTTL)
	}
	verifier, err := auth.NewBearerVerifier(cfg.BearerSigningKey, cfg.BearerIssuer)
	if err != nil {
		return "", err
	}
	return verifier.Sign(auth.Actor{ID: strings.TrimSpace(subject), Roles: roles}, ttl, now)
}
