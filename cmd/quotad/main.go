package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/quotaguard/internal/config"
	"github.com/MarkoPoloResearchLab/quotaguard/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/quotaguard/internal/httpapi"
	"github.com/MarkoPoloResearchLab/quotaguard/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/identity"
	"github.com/MarkoPoloResearchLab/quotaguard/pkg/quota"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	flagEnvFile    = "env-file"
	defaultEnvFile = ".env"
	healthInterval = 5 * time.Second
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "quotad: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "quotad",
		Short:         "Usage quota enforcement service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}
	cmd.PersistentFlags().String(flagEnvFile, defaultEnvFile, "dotenv file loaded before reading QUOTAD_* variables")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newServeCommand(cfg),
		newDrainCommand(cfg),
		newMigrateCommand(cfg),
		newReapCommand(cfg),
		newCacheCheckCommand(cfg),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	envFile, err := cmd.Flags().GetString(flagEnvFile)
	if err != nil {
		return err
	}
	if err := config.LoadDotEnv(envFile); err != nil {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	loaded, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	*cfg = loaded
	return nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve HTTP, gRPC health and the webhook drain worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.RequireServing(); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	app, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	ingestor, err := app.newIngestor()
	if err != nil {
		return err
	}
	worker, err := app.newWorker()
	if err != nil {
		return err
	}
	resolver, err := identity.NewResolver(cfg.IdentitySalt)
	if err != nil {
		return fmt.Errorf("identity resolver init: %w", err)
	}
	httpServer, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.HTTPListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
	}, httpapi.Dependencies{
		Quota:          app.service,
		Ingestor:       ingestor,
		Resolver:       resolver,
		ReadLimiter:    app.limiter,
		Observer:       app.metrics,
		MetricsHandler: app.metrics.Handler(),
		Logger:         app.logger.Named("http"),
	})
	if err != nil {
		return err
	}
	healthServer, err := grpcserver.NewHealthServer(app.store, healthInterval, app.logger.Named("grpc"))
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return httpServer.Run(groupCtx) })
	group.Go(func() error { return healthServer.Run(groupCtx, cfg.GRPCListenAddr) })
	group.Go(func() error { return worker.Run(groupCtx) })
	err = group.Wait()
	app.logger.Info("shutdown complete")
	return err
}

func newDrainCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run only the webhook drain worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			app, err := newRuntime(ctx, *cfg)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()
			worker, err := app.newWorker()
			if err != nil {
				return err
			}
			return worker.Run(ctx)
		},
	}
}

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update every table",
		RunE: func(cmd *cobra.Command, args []string) error {
			gormDB, cleanup, driver, err := openDatabase(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database open: %w", err)
			}
			defer func() { _ = cleanup() }()
			if err := gormstore.Migrate(gormDB); err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s schema\n", driver)
			return nil
		},
	}
}

func newReapCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Delete expired locks and webhook replay guards",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			app, err := newRuntime(ctx, *cfg)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()
			locks, err := app.locks.Reap(ctx)
			if err != nil {
				return err
			}
			guards, err := app.store.DeleteExpiredReplayGuards(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			app.logger.Info("reap complete", zap.Int64("locks", locks), zap.Int64("replay_guards", guards))
			fmt.Fprintf(cmd.OutOrStdout(), "reaped %d locks and %d replay guards\n", locks, guards)
			return nil
		},
	}
}

func newCacheCheckCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cache-check <account-id>",
		Short: "Compare the cached account snapshot with the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			accountID, err := quota.NewAccountID(args[0])
			if err != nil {
				return err
			}
			app, err := newRuntime(ctx, *cfg)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()
			loader, err := app.service.SnapshotLoader(accountID)
			if err != nil {
				return err
			}
			report, err := app.cache.ValidateConsistency(ctx, accountID.String(), loader)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case !report.Cached:
				fmt.Fprintf(out, "account %s: no cached snapshot\n", accountID.String())
			case report.Consistent():
				fmt.Fprintf(out, "account %s: cache consistent\n", accountID.String())
			default:
				fmt.Fprintf(out, "account %s: %d divergences\n", accountID.String(), len(report.Divergences))
				for _, divergence := range report.Divergences {
					fmt.Fprintf(out, "  %s: cached=%s ledger=%s\n", divergence.Field, divergence.Cached, divergence.Authoritative)
				}
			}
			return nil
		},
	}
}
