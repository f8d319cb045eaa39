// Package main runs the image service as a standalone HTTP server, for local
// development against MinIO/LocalStack or for container deployments.
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

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/image-delivery/internal/config"
	"github.com/fpang/image-delivery/internal/delivery"
	"github.com/fpang/image-delivery/internal/httpapi"
	"github.com/fpang/image-delivery/internal/lambdaboot"
)

// CLI flags
var (
	configFlag string
	portFlag   int
	bucketFlag string
)

var rootCmd = &cobra.Command{
	Use:   "image-server",
	Short: "On-the-fly image transform server",
	Long: `Image Server resizes and re-encodes images stored in S3 on request.

Examples:
  image-server serve
  image-server serve --port 9090 --bucket my-images
  IMAGE_STORAGE_ENDPOINT=http://localhost:9000 image-server serve`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "image-server %s (built %s)\n", commitHash, buildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Path to a config file (yaml, json or toml)")
	serveCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "Port to listen on (overrides server.port)")
	serveCmd.Flags().StringVar(&bucketFlag, "bucket", "", "Source bucket (overrides storage.bucket)")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	initStart := time.Now()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := lambdaboot.Init(ctx, configFlag, applyFlags)
	if err != nil {
		return err
	}
	cfg := rt.Config
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	router, err := httpapi.NewRouter(rt.Processor, httpapi.Options{
		OriginVerifySecret: rt.OriginVerifySecret,
		Transport:          httpapi.TransportHTTP,
		MetricsEnabled:     cfg.Metrics.Enabled,
		MetricsNamespace:   cfg.Metrics.Namespace,
		Gzip:               cfg.Server.Gzip,
		DeliveryTimeout:    delivery.DeliveryTimeout,
		AbortOnStreamError: true,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	lambdaboot.StartupLog("image-server", initStart, rt).
		CommitHash(commitHash).
		BuildTime(buildTime).
		Config("port", fmt.Sprint(cfg.Server.Port)).
		Feature("gzip", cfg.Server.Gzip).
		Log()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting image server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("Server stopped")
	return nil
}

func applyFlags(cfg *config.Config) {
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if bucketFlag != "" {
		cfg.Storage.Bucket = bucketFlag
	}
}
