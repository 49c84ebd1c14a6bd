package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/ai-check-client/internal/auth"
	"github.com/example/ai-check-client/internal/config"
	"github.com/example/ai-check-client/internal/gateway"
	"github.com/example/ai-check-client/internal/handlers"
	"github.com/example/ai-check-client/internal/identity"
	"github.com/example/ai-check-client/internal/session"
	"github.com/example/ai-check-client/internal/usecase"
)

const sweepInterval = time.Minute

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the web UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	provider, err := opts.provider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	store := session.NewStore(sessionFactory(cfg, provider, logger), cfg.Session.IdleTimeout, logger)
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go store.Run(sweepCtx, sweepInterval)

	hashKey, blockKey := sessionKeys(cfg, logger)
	cookies := auth.NewCookies(cfg.Session.CookieName, hashKey, blockKey, cfg.Session.Secure, cfg.Session.IdleTimeout)

	router, err := handlers.NewRouter(store, cookies, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("web UI listening", zap.String("addr", cfg.Server.Addr), zap.String("gateway", cfg.Gateway.URL))
	return serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger)
}

// sessionFactory gives every browser session its own identity manager and an
// upload flow authenticated by it.
func sessionFactory(cfg *config.Config, provider identity.Provider, logger *zap.Logger) session.Factory {
	httpClient := &http.Client{Timeout: cfg.Gateway.Timeout}
	return func() (*identity.Manager, *usecase.Flow) {
		manager := identity.NewManager(provider, logger)
		client := gateway.New(cfg.Gateway.URL, manager, logger, gateway.WithHTTPClient(httpClient))
		return manager, usecase.NewFlow(client, logger)
	}
}

// sessionKeys returns the configured cookie keys, generating throwaway ones
// when none are set. Generated keys invalidate cookies on restart.
func sessionKeys(cfg *config.Config, logger *zap.Logger) ([]byte, []byte) {
	hashKey := []byte(cfg.Session.HashKey)
	blockKey := []byte(cfg.Session.BlockKey)
	if len(hashKey) == 0 {
		logger.Warn("SESSION_HASH_KEY is not set, generating a temporary key")
		hashKey = securecookie.GenerateRandomKey(32)
		if len(blockKey) == 0 {
			blockKey = securecookie.GenerateRandomKey(32)
		}
	}
	if len(blockKey) == 0 {
		blockKey = nil
	}
	return hashKey, blockKey
}
