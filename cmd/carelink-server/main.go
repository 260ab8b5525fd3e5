package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carelink/carelink/internal/config"
	"github.com/carelink/carelink/internal/domain/audit"
	"github.com/carelink/carelink/internal/domain/authflow"
	"github.com/carelink/carelink/internal/domain/connection"
	"github.com/carelink/carelink/internal/domain/linktoken"
	"github.com/carelink/carelink/internal/domain/provider"
	"github.com/carelink/carelink/internal/domain/records"
	"github.com/carelink/carelink/internal/domain/refresh"
	"github.com/carelink/carelink/internal/domain/webhook"
	"github.com/carelink/carelink/internal/platform/crypto"
	"github.com/carelink/carelink/internal/platform/db"
	"github.com/carelink/carelink/internal/platform/middleware"
	"github.com/carelink/carelink/internal/platform/ratelimit"
)

func main() {
	root := &cobra.Command{
		Use:   "carelink-server",
		Short: "Healthcare provider integration API",
	}
	root.AddCommand(serveCmd(), migrateCmd(), providersCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	cipher, err := buildCipher(cfg)
	if err != nil {
		return err
	}

	registry, err := provider.NewRegistry(provider.ApplyCredentials(provider.DefaultCatalog(), credentialsFromEnv()))
	if err != nil {
		return err
	}

	// Token vault and flow state.
	vault := connection.NewVault(connection.NewRepoPG(pool), cipher, logger)
	signer := authflow.NewStateSigner(stateSigningSecret(cfg), cfg.StateTTL)
	engine := authflow.NewEngine(registry, authflow.NewStateRepoPG(pool), signer,
		strings.TrimRight(cfg.BaseURL, "/")+"/v1/callback", logger)

	// Eventing and audit.
	webhookRepo := webhook.NewRepoPG(pool)
	deliveryRepo := webhook.NewDeliveryRepoPG(pool)
	dispatcher := webhook.NewDispatcher(webhookRepo, deliveryRepo, logger)
	auditor := audit.NewRecorderPG(pool, logger)

	// Handshake tokens and finalization.
	tokens := linktoken.NewService(linktoken.NewWidgetRepoPG(pool), linktoken.NewPublicRepoPG(pool),
		cfg.WidgetTokenTTL, cfg.PublicTokenTTL, logger)
	finalizer := linktoken.NewFinalizer(vault, tokens, dispatcher, auditor, logger)

	fetcher := records.NewFetcher(vault, registry, engine, logger)

	// Rate limiting: shared Postgres window, in-process fallback.
	limiter := ratelimit.New(
		ratelimit.Policy{Window: cfg.RateLimitWindow, Max: cfg.RateLimitMax},
		ratelimit.NewPGStore(pool), logger)
	enforce := cfg.ResolvedRateLimitMode() == "enforce"

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization, "X-Client-ID"},
	}))

	e.GET("/healthz", db.HealthHandler(pool))

	v1 := e.Group("/v1", middleware.RateLimit(middleware.RateLimitConfig{
		Limiter:  limiter,
		Category: "api",
		Enforce:  enforce,
		Logger:   logger,
	}))

	provider.NewHandler(registry).RegisterRoutes(v1.Group("/providers"))
	authflow.NewHandler(engine, finalizer, tokens, logger).RegisterRoutes(v1)
	linktoken.NewHandler(tokens, vault, auditor, logger).RegisterRoutes(v1)

	connections := v1.Group("/connections")
	connection.NewHandler(vault, logger).RegisterRoutes(connections)
	records.NewHandler(fetcher, auditor, logger).RegisterRoutes(connections)

	webhook.NewHandler(webhookRepo, deliveryRepo, logger).RegisterRoutes(v1.Group("/webhooks"))

	// Background workers.
	scheduler := refresh.NewScheduler(vault, registry, engine, dispatcher, auditor,
		cfg.RefreshInterval, cfg.RefreshWindow, logger)
	go scheduler.Run(ctx)

	retryWorker := webhook.NewRetryWorker(webhookRepo, deliveryRepo, dispatcher, cfg.WebhookRetryInterval, logger)
	go retryWorker.Run(ctx)

	go func() {
		ticker := time.NewTicker(cfg.StateTTL)
		defer ticker.Stop()
		states := authflow.NewStateRepoPG(pool)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := states.DeleteExpired(ctx, time.Now().UTC()); err != nil {
					logger.Error().Err(err).Msg("purge expired authorization states")
				}
				tokens.PurgeExpired(ctx)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Int("providers", registry.Len()).
			Str("rate_limit_mode", cfg.ResolvedRateLimitMode()).
			Msg("server starting")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func migrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("applied %d migration(s)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "migrations", "migrations directory")
	return cmd
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the provider catalog and configuration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := provider.NewRegistry(provider.ApplyCredentials(provider.DefaultCatalog(), credentialsFromEnv()))
			if err != nil {
				return err
			}
			fmt.Printf("%-16s %-28s %-6s %-6s %s\n", "ID", "NAME", "TYPE", "AUTH", "CONFIGURED")
			for _, cfg := range registry.List() {
				fmt.Printf("%-16s %-28s %-6s %-6s %v\n",
					cfg.ID, cfg.DisplayName, cfg.Category, cfg.AuthStyle, cfg.Configured())
			}
			return nil
		},
	}
}

// credentialsFromEnv reads PROVIDER_<ID>_CLIENT_ID / _CLIENT_SECRET pairs,
// with the provider id uppercased and dashes mapped to underscores.
func credentialsFromEnv() map[string]provider.Credentials {
	creds := make(map[string]provider.Credentials)
	for _, cfg := range provider.DefaultCatalog() {
		key := strings.ToUpper(strings.ReplaceAll(cfg.ID, "-", "_"))
		id := os.Getenv("PROVIDER_" + key + "_CLIENT_ID")
		if id == "" {
			continue
		}
		creds[cfg.ID] = provider.Credentials{
			ClientID:     id,
			ClientSecret: os.Getenv("PROVIDER_" + key + "_CLIENT_SECRET"),
		}
	}
	return creds
}

func buildCipher(cfg *config.Config) (*crypto.Rotator, error) {
	key, err := tokenEncryptionKey(cfg)
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.NewRotator(key, cfg.TokenEncryptionKeyVersion)
	if err != nil {
		return nil, err
	}
	previous, err := cfg.PreviousKeys()
	if err != nil {
		return nil, err
	}
	for version, prev := range previous {
		if err := cipher.AddPreviousKey(prev, version); err != nil {
			return nil, err
		}
	}
	return cipher, nil
}

// tokenEncryptionKey returns the configured key, or a deterministic
// development-only key when none is set. Validate rejects the missing key
// outside development.
func tokenEncryptionKey(cfg *config.Config) ([]byte, error) {
	if cfg.TokenEncryptionKey != "" {
		return hex.DecodeString(cfg.TokenEncryptionKey)
	}
	sum := sha256.Sum256([]byte("carelink-dev-token-encryption-key"))
	return sum[:], nil
}

func stateSigningSecret(cfg *config.Config) string {
	if cfg.StateSigningSecret != "" {
		return cfg.StateSigningSecret
	}
	return "carelink-dev-state-signing-secret"
}
