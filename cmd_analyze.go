package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/ai-check-client/internal/analysis"
	"github.com/example/ai-check-client/internal/gateway"
	"github.com/example/ai-check-client/internal/identity"
	"github.com/example/ai-check-client/internal/usecase"
	"github.com/example/ai-check-client/internal/view"
)

const passwordEnv = "AICHECK_PASSWORD"

var (
	errInterrupted = errors.New("analysis interrupted")
	errUnfinished  = errors.New("the analysis has not finished yet")
)

type analyzeOptions struct {
	username    string
	password    string
	sessionFile string
	retries   int
	retryWait time.Duration
}

func passwordFromEnv() string {
	return os.Getenv(passwordEnv)
}

func newAnalyzeCommand(opts *rootOptions) *cobra.Command {
	aOpts := &analyzeOptions{}

	cmd := &cobra.Command{
		Use:   "analyze <image>",
		Short: "Upload an image and wait for the verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runAnalyze(ctx, opts, aOpts, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&aOpts.username, "username", "", "account username")
	cmd.Flags().StringVar(&aOpts.password, "password", "", "account password (default $"+passwordEnv+")")
	cmd.Flags().StringVar(&aOpts.sessionFile, "session-file", "", "keep the signed-in session in this file between runs")
	cmd.Flags().IntVar(&aOpts.retries, "retries", 0, "manual result fetches after automatic polling gives up")
	cmd.Flags().DurationVar(&aOpts.retryWait, "retry-wait", 5*time.Second, "pause before each manual fetch")
	return cmd
}

func runAnalyze(ctx context.Context, opts *rootOptions, aOpts *analyzeOptions, path string, out io.Writer) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	upload := analysis.LoadUpload(path, data)
	if err := analysis.ValidateUpload(upload); err != nil {
		return err
	}

	provider, err := opts.provider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	manager := identity.NewManager(provider, logger)
	restored, err := restoreSession(ctx, manager, aOpts.sessionFile, logger)
	if err != nil {
		return err
	}
	if !restored {
		password := aOpts.password
		if password == "" {
			password = passwordFromEnv()
		}
		if _, err := manager.SignIn(ctx, aOpts.username, password); err != nil {
			return err
		}
	}
	defer endSession(manager, aOpts.sessionFile, logger)

	updates := make(chan usecase.Snapshot, 16)
	client := gateway.New(cfg.Gateway.URL, manager, logger, gateway.WithHTTPClient(&http.Client{Timeout: cfg.Gateway.Timeout}))
	flow := usecase.NewFlow(client, logger, usecase.WithObserver(func(s usecase.Snapshot) {
		select {
		case updates <- s:
		default:
		}
	}))
	defer flow.Reset()

	if err := flow.SelectFile(upload); err != nil {
		return err
	}
	fmt.Fprintf(out, "Uploading %s (%d bytes, %s)\n", upload.Name, upload.Size(), upload.ContentType)
	analysisID, err := flow.Submit(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Analysis %s submitted, waiting for the result\n", analysisID)

	snap, err := waitSettled(ctx, flow, updates)
	if err != nil {
		return err
	}

	for i := 0; i < aOpts.retries && snap.State == usecase.StateAttemptsExhausted; i++ {
		fmt.Fprintf(out, "%s\n", snap.Notice.Text)
		select {
		case <-ctx.Done():
			return errInterrupted
		case <-time.After(aOpts.retryWait):
		}
		if _, err := flow.ManualRetry(ctx); err != nil && ctx.Err() != nil {
			return errInterrupted
		}
		snap = flow.Snapshot()
	}

	printPage(out, view.FromSnapshot(snap))
	if snap.State != usecase.StateTerminal {
		return errUnfinished
	}
	return nil
}

// restoreSession initialises manager from the session file, if one is kept.
// A session that can no longer be restored falls back to signing in.
func restoreSession(ctx context.Context, manager *identity.Manager, path string, logger *zap.Logger) (bool, error) {
	if path == "" {
		return false, nil
	}
	tokens, err := identity.LoadTokens(path)
	if err != nil {
		return false, err
	}
	if err := manager.Init(ctx, tokens); err != nil {
		logger.Info("saved session not restored", zap.String("path", path), zap.Error(err))
		return false, nil
	}
	return manager.Authenticated(), nil
}

// endSession saves the session for the next run when a session file is
// kept and signs out otherwise.
func endSession(manager *identity.Manager, path string, logger *zap.Logger) {
	if path != "" {
		tokens, _ := manager.Tokens()
		if err := identity.SaveTokens(path, tokens); err != nil {
			logger.Warn("saving session failed", zap.String("path", path), zap.Error(err))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.SignOut(ctx); err != nil {
		logger.Warn("sign out failed", zap.Error(err))
	}
}

// waitSettled blocks until automatic polling has finished one way or another.
// Observer sends may be dropped, so the flow itself is the source of truth.
func waitSettled(ctx context.Context, flow *usecase.Flow, updates <-chan usecase.Snapshot) (usecase.Snapshot, error) {
	for {
		snap := flow.Snapshot()
		if snap.State == usecase.StateTerminal || snap.State == usecase.StateAttemptsExhausted {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			flow.Reset()
			return snap, errInterrupted
		case <-updates:
		}
	}
}

func printPage(out io.Writer, page view.Page) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if page.FileName != "" {
		fmt.Fprintf(w, "File:\t%s\n", page.FileName)
	}
	if card := page.Card; card != nil {
		fmt.Fprintf(w, "Analysis ID:\t%s\n", card.AnalysisID)
		fmt.Fprintf(w, "Status:\t%s\n", card.Status)
		fmt.Fprintf(w, "Result:\t%s\n", card.Headline)
		if card.Confidence != "" {
			fmt.Fprintf(w, "Confidence:\t%s (%s)\n", card.Confidence, card.Band)
		}
		if card.Explanation != "" {
			fmt.Fprintf(w, "Explanation:\t%s\n", strings.TrimSpace(card.Explanation))
		}
		if card.Message != "" {
			fmt.Fprintf(w, "Message:\t%s\n", card.Message)
		}
		if card.Provider != "" {
			fmt.Fprintf(w, "Provider:\t%s\n", card.Provider)
		}
		fmt.Fprintf(w, "Created:\t%s\n", card.CreatedAt)
		fmt.Fprintf(w, "Updated:\t%s\n", card.UpdatedAt)
	}
	if page.Notice != nil {
		fmt.Fprintf(w, "Notice:\t%s\n", page.Notice.Text)
	}
}
