package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"ai-chat-sessions/backend/internal/grpc"
	"ai-chat-sessions/backend/pkg/config"
	"ai-chat-sessions/backend/pkg/di"
	"ai-chat-sessions/backend/pkg/logger"
	"ai-chat-sessions/backend/pkg/router"

	"github.com/spf13/cobra"
)

// set via -ldflags
var (
	version = "dev"
	commit  = "none"
)

var (
	cfgFile  string
	portFlag string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chat-server",
		Short: "Chat session manager",
		Long:  "chat-server stores chat sessions and answers each turn with a hosted language model.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML config file (default $CONFIG_FILE)")
	rootCmd.Flags().StringVarP(&portFlag, "port", "p", "", "HTTP port (overrides PORT)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chat-server %s (commit %s)\n", version, commit)
		},
	})

	return rootCmd
}

func run(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if portFlag != "" {
		cfg.Server.Port = portFlag
	}
	config.Set(cfg)

	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = cfg.Logging.Format != "text"
	log := logger.New(logConfig)
	logger.SetGlobal(log)

	router.Version = version
	log.Info("Starting application", "version", version, "env", cfg.Server.Env)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := di.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize dependency container: %w", err)
	}

	r := router.New(container)
	r.SetupRoutes()

	var grpcServer *grpc.Server
	if cfg.Server.GRPCPort != "" {
		grpcServer = grpc.NewServer(container.Health, log)
	}

	container.Health.Start(ctx)
	r.RateLimiter.StartCleanup(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r.Engine,
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	errCh := make(chan error, 2)

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	if grpcServer != nil {
		go func() {
			if err := grpcServer.ListenAndServe(cfg.Server.GRPCPort); err != nil {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down server...")
	case runErr = <-errCh:
		log.LogError(runErr, "Server stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.LogError(err, "Server forced to shutdown")
	}
	if grpcServer != nil {
		grpcServer.Stop()
	}
	if err := container.Close(shutdownCtx); err != nil {
		log.LogError(err, "Failed to release resources")
	}

	log.Info("Server exited gracefully")
	return runErr
}
