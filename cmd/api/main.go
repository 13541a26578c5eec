package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ligarius/ams-sub000/internal/app"
	"github.com/ligarius/ams-sub000/internal/auth"
	"github.com/ligarius/ams-sub000/internal/config"
	"github.com/ligarius/ams-sub000/internal/guard"
	"github.com/ligarius/ams-sub000/internal/logging"
	"github.com/ligarius/ams-sub000/internal/rbac"
	"github.com/ligarius/ams-sub000/internal/search"
	"github.com/ligarius/ams-sub000/internal/signature"
	"github.com/ligarius/ams-sub000/internal/store"
	"github.com/ligarius/ams-sub000/internal/tracing"
)

const serviceVersion = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "signoff",
		Short:        "Approval decisions backed by provider e-signatures",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newTokenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logging.New(cfg.LogLevel, cfg.Environment))
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logging.New(cfg.LogLevel, cfg.Environment)
			db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()
			applied, err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir)
			if err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			log.Info().Strs("versions", applied).Msg("migrations applied")
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var sub, name, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local use",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if name == "" {
				name = sub
			}
			token, claims, err := auth.IssueActorToken([]byte(cfg.TokenSecret), sub, name, string(rbac.Normalize(role)), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "role=%s expires=%s\n", claims.Role, time.Unix(claims.Exp, 0).UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "actor display name")
	cmd.Flags().StringVar(&role, "role", string(rbac.RoleMember), "client, member, manager or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	if cfg.TraceStdout {
		if err := tracing.InitStdout("signoff-api", serviceVersion, nil); err != nil {
			log.Warn().Err(err).Msg("tracing disabled")
		}
	}

	var dataStore store.Store
	switch cfg.StoreDriver {
	case "memory":
		log.Warn().Msg("using in-memory store, data is lost on restart")
		dataStore = store.NewMemoryStore()
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			log.Info().Strs("versions", applied).Msg("migrations applied")
		}
		dataStore = store.NewPostgresStore(db)
	}

	deps := app.Dependencies{
		Store:       dataStore,
		Logger:      log,
		TokenSecret: []byte(cfg.TokenSecret),
		CallbackURL: cfg.Signature.CallbackURL,
		DedupeTTL:   cfg.DedupeTTL,
	}

	if cfg.RedisURL != "" {
		client, err := guard.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer func(client *redis.Client) { _ = client.Close() }(client)
		deps.Locker = guard.NewRedisLocker(client, log)
		deps.Deliveries = guard.NewRedisDeliveries(client)
		log.Info().Msg("using redis for approval locks and webhook dedupe")
	} else {
		log.Info().Msg("using in-process approval locks and webhook dedupe")
	}

	var meiliClient *search.Meili
	if cfg.MeiliURL != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	deps.Search = search.NewService(meiliClient, search.NewStoreSearcher(dataStore), log)

	deps.Provider = signature.NewClient(signature.Config{
		BaseURL:       cfg.Signature.BaseURL,
		AccountID:     cfg.Signature.AccountID,
		APIToken:      cfg.Signature.APIToken,
		WebhookSecret: cfg.Signature.WebhookSecret,
		Timeout:       cfg.Signature.Timeout,
	}, log)

	service := app.New(deps)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("store", cfg.StoreDriver).Msg("signoff api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown error")
	}
	return nil
}
