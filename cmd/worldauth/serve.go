// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/worldauth/worldauth/internal/auth"
	"github.com/worldauth/worldauth/internal/auth/filestore"
	authpg "github.com/worldauth/worldauth/internal/auth/postgres"
	"github.com/worldauth/worldauth/internal/config"
	"github.com/worldauth/worldauth/internal/logging"
	"github.com/worldauth/worldauth/internal/observability"
	"github.com/worldauth/worldauth/internal/store"
	"github.com/worldauth/worldauth/pkg/errutil"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the auth service",
		Long: `Start the auth service: account storage, session registry,
origin guard, and the observability endpoints.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, configFile, cmd.Flags())
		},
	}

	// Flag defaults mirror config.Default() so an unchanged flag never
	// overrides a file value with an empty string.
	def := config.Default()
	cmd.Flags().StringVar(&configFile, "config", "", "config file path")
	cmd.Flags().String("log.level", def.Log.Level, "log level (debug, info, warn, error)")
	cmd.Flags().String("log.format", def.Log.Format, "log format (json or text)")
	cmd.Flags().String("storage.backend", def.Storage.Backend, "storage backend (postgres or file)")
	cmd.Flags().String("storage.dsn", def.Storage.DSN, "PostgreSQL connection string")
	cmd.Flags().String("storage.dir", def.Storage.Dir, "flat-file storage directory")
	cmd.Flags().String("observability.addr", def.Observability.Addr, "metrics/health HTTP address (empty = disabled)")

	return cmd
}

func runServe(ctx context.Context, cfg config.Config, configFile string, flags *pflag.FlagSet) error {
	logging.SetDefault("worldauth", version, cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))
	log := slog.Default()

	log.Info("starting worldauth",
		"backend", cfg.Storage.Backend,
		"sessions", cfg.Sessions.Enabled)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configFile != "" {
		unwatch, err := config.Watch(configFile, flags,
			func(next config.Config) {
				logging.SetDefault("worldauth", version, next.Log.Format,
					logging.ParseLevel(next.Log.Level))
				log.Info("config reloaded; non-dynamic changes apply on restart",
					"log_level", next.Log.Level)
			},
			func(err error) {
				errutil.LogError(log, "config reload rejected", err)
			})
		if err != nil {
			return err
		}
		defer func() {
			_ = unwatch() //nolint:errcheck // shutdown path
		}()
	}

	// Observability server comes up first so the guard can register its
	// gauge and readiness flips once everything else is wired.
	ready := false
	var obs *observability.Server
	if cfg.Observability.Addr != "" {
		obs = observability.NewServer(cfg.Observability.Addr, func() bool { return ready })
		errCh, err := obs.Start()
		if err != nil {
			return err
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := obs.Stop(shutCtx); err != nil {
				errutil.LogError(log, "observability server stop failed", err)
			}
		}()
		go func() {
			for err := range errCh {
				errutil.LogError(log, "observability server failed", err)
			}
		}()
	}

	accountStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := accountStore.Close(shutCtx); err != nil {
			errutil.LogError(log, "account store close failed", err)
		}
	}()

	guardCfg := auth.GuardConfig{
		MaxAttempts:   cfg.Guard.MaxAttempts,
		BanDuration:   cfg.Guard.BanDuration,
		Rate:          cfg.Guard.AttemptRate,
		Burst:         cfg.Guard.AttemptBurst,
		SweepInterval: cfg.Guard.SweepInterval,
	}
	var guard *auth.Guard
	if obs != nil {
		guard = auth.NewGuardWithRegistry(guardCfg, obs.Registry())
	} else {
		guard = auth.NewGuard(guardCfg)
	}
	defer guard.Close()

	registry, err := auth.NewRegistry(accountStore, auth.RegistryConfig{
		TTL:              cfg.Sessions.TTL,
		Persist:          cfg.Sessions.Persist,
		ValidateOrigin:   cfg.Sessions.ValidateOrigin,
		ValidatePlatform: cfg.Sessions.ValidatePlatform,
		SweepInterval:    cfg.Sessions.SweepInterval,
	}, log)
	if err != nil {
		return err
	}
	defer registry.Close()

	policy := auth.NewPolicy(auth.PolicyConfig{
		MinLength:        cfg.Policy.MinLength,
		MaxLength:        cfg.Policy.MaxLength,
		RequireDigit:     cfg.Policy.RequireDigit,
		RequireSpecial:   cfg.Policy.RequireSpecial,
		RequireUppercase: cfg.Policy.RequireUppercase,
		BannedPasswords:  cfg.Policy.BannedPasswords,
		Memory:           cfg.Policy.HashMemoryKiB,
	})

	cache := auth.NewCache(auth.DefaultCacheMaxEntries, auth.DefaultCacheIdleTTL)

	service, err := auth.NewService(accountStore, registry, guard, policy, cache,
		auth.NewGoScheduler(), nil, auth.ServiceConfig{
			SessionsEnabled:                    cfg.Sessions.Enabled,
			AutoLoginAfterRegister:             cfg.Service.AutoLoginAfterRegister,
			RequireEmail:                       cfg.Service.RequireEmail,
			EmailVerification:                  cfg.Service.EmailVerification,
			InvalidateSessionsOnPasswordChange: cfg.Service.InvalidateSessionsOnPasswordChange,
			AuthTimeout:                        cfg.Service.AuthTimeout,
			VerifyTokenTTL:                     cfg.Service.VerifyTokenTTL,
		}, log)
	if err != nil {
		return err
	}
	if obs != nil {
		service.SetMetrics(obs.Metrics())
	}

	ready = true
	log.Info("worldauth ready", "backend", service.Status().Backend)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// openStore builds the configured account store backend. The postgres
// backend applies pending migrations before serving.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (auth.AccountStore, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		migrator, err := store.NewMigrator(cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		if err := migrator.Up(); err != nil {
			_ = migrator.Close() //nolint:errcheck // migration error takes precedence
			return nil, err
		}
		if err := migrator.Close(); err != nil {
			return nil, err
		}

		pool, err := store.Connect(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		return authpg.NewStore(pool), nil

	case config.BackendFile:
		return filestore.Open(filestore.Config{
			Dir:           cfg.Storage.Dir,
			FlushInterval: cfg.Storage.FlushInterval,
			FlushBatch:    cfg.Storage.FlushBatch,
		}, log)

	default:
		return nil, oops.Code("CONFIG_INVALID").
			Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
