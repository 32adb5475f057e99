// Command staffsyncd runs the staff-records sync server: the HTTP endpoint
// that reconciles device batches against the authoritative database and
// serves deltas back out.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/sakgroup/staffsync/internal/config"
	"github.com/sakgroup/staffsync/internal/server"
)

const shutdownTimeout = 10 * time.Second

var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staffsyncd",
		Short: "Staff-records sync server",
		Long: `staffsyncd serves the /sync endpoint that offline desktop and mobile
clients reconcile against: it records pushed mutations idempotently,
applies them to the authoritative tables, and returns the rows changed
since each caller's cursor.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	cmd.Flags().StringVarP(&flagConfigPath, "config", "c", "", "path to TOML config file")
	cmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	cmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "errors only")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg.LogLevel)

	store, err := server.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	handler := server.NewHandler(store, logger)
	router := server.NewRouter(handler, server.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr, "env", cfg.Env)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("server stopped")

	return nil
}

// buildLogger creates an slog.Logger from the configured level; --verbose
// and --quiet override it because CLI flags always win. Text output on a
// terminal, JSON when logs are piped.
func buildLogger(configLevel string) *slog.Logger {
	level := slog.LevelInfo

	switch configLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
