package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/ai-check-client/internal/apperror"
	"github.com/example/ai-check-client/internal/config"
	"github.com/example/ai-check-client/internal/identity"
	"github.com/example/ai-check-client/internal/logging"
)

func main() {
	if err := newRootCommand(defaultProvider).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", apperror.Message(err))
		os.Exit(1)
	}
}

// providerFactory builds the identity provider for the loaded configuration.
type providerFactory func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (identity.Provider, error)

func defaultProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (identity.Provider, error) {
	provider, err := identity.NewCognitoProvider(ctx, identity.CognitoConfig{
		Region:       cfg.Cognito.Region,
		UserPoolID:   cfg.Cognito.UserPoolID,
		ClientID:     cfg.Cognito.ClientID,
		ClientSecret: cfg.Cognito.ClientSecret,
		Endpoint:     cfg.Cognito.Endpoint,
	}, logger)
	if err != nil {
		return nil, err
	}
	return provider, nil
}

type rootOptions struct {
	configPath  string
	envFile     string
	logLevel    string
	newProvider providerFactory
}

func newRootCommand(newProvider providerFactory) *cobra.Command {
	opts := &rootOptions{newProvider: newProvider}

	cmd := &cobra.Command{
		Use:           "aicheck",
		Short:         "Detect AI-generated images through the analysis API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file to load (default .env)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level, overrides LOG_LEVEL")

	cmd.AddCommand(
		newServeCommand(opts),
		newRegisterCommand(opts),
		newConfirmCommand(opts),
		newAnalyzeCommand(opts),
	)
	return cmd
}

// load reads the configuration and builds the logger shared by every command.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath, o.envFile)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// provider validates the client settings and builds the identity provider.
func (o *rootOptions) provider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (identity.Provider, error) {
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	return o.newProvider(ctx, cfg, logger)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
