// Package main runs a local stand-in for a Lambda function URL.
//
// Browser requests are turned into function URL events and sent either to the
// Runtime Interface Emulator (the default, --lambda-url) or to a deployed
// function (--function). The framed response stream is decoded and replayed
// as a normal HTTP response.
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

	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/image-delivery/internal/config"
	"github.com/fpang/image-delivery/internal/delivery"
	"github.com/fpang/image-delivery/internal/devgateway"
	"github.com/fpang/image-delivery/internal/lambdaboot"
	"github.com/fpang/image-delivery/internal/logging"
)

// CLI flags
var (
	configFlag    string
	portFlag      int
	lambdaURLFlag string
	functionFlag  string
	qualifierFlag string
)

var rootCmd = &cobra.Command{
	Use:   "dev-gateway",
	Short: "Local function URL gateway for the image Lambda",
	Long: `Dev Gateway forwards browser requests to the image Lambda and decodes its
streamed response.

Examples:
  dev-gateway
  dev-gateway --port 3001 --lambda-url http://localhost:9001/2015-03-31/functions/function/invocations
  dev-gateway --function image-lambda --qualifier live`,
	RunE:         run,
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVarP(&configFlag, "config", "c", "", "Path to a config file")
	rootCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "Port to listen on (overrides gateway.port)")
	rootCmd.Flags().StringVar(&lambdaURLFlag, "lambda-url", "", "Runtime Interface Emulator invocation URL")
	rootCmd.Flags().StringVar(&functionFlag, "function", "", "Deployed function name; invokes via the Lambda API instead of the emulator")
	rootCmd.Flags().StringVar(&qualifierFlag, "qualifier", "", "Function alias or version")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	initStart := time.Now()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}
	logging.Init(cfg.Log.Level, true)
	applyFlags(cfg)
	if err := cfg.ValidateGateway(); err != nil {
		return fmt.Errorf("invalid gateway config: %w", err)
	}

	invoker, target, err := newInvoker(ctx, cfg)
	if err != nil {
		return err
	}

	gw := devgateway.New(invoker, devgateway.Options{DeliveryTimeout: delivery.DeliveryTimeout})
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:     devgateway.NewRouter(gw),
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: 60 * time.Second,
	}

	logging.NewStartupLogger("dev-gateway").
		CommitHash(commitHash).
		BuildTime(buildTime).
		LogLevel(cfg.Log.Level).
		LambdaFunc("target", target).
		Config("port", fmt.Sprint(cfg.Gateway.Port)).
		InitDuration(time.Since(initStart)).
		Log()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Gateway.Port).Str("target", target).Msg("Starting dev gateway")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func applyFlags(cfg *config.Config) {
	if portFlag != 0 {
		cfg.Gateway.Port = portFlag
	}
	if lambdaURLFlag != "" {
		cfg.Gateway.LambdaURL = lambdaURLFlag
	}
	if functionFlag != "" {
		cfg.Gateway.FunctionName = functionFlag
	}
}

// newInvoker prefers a deployed function when one is named.
func newInvoker(ctx context.Context, cfg *config.Config) (devgateway.Invoker, string, error) {
	if cfg.Gateway.FunctionName == "" {
		return devgateway.NewRIEInvoker(cfg.Gateway.LambdaURL), cfg.Gateway.LambdaURL, nil
	}
	// Static storage credentials point at the local S3 stand-in, not AWS.
	remote := *cfg
	remote.Storage.AccessKeyID, remote.Storage.SecretAccessKey = "", ""
	awsCfg, err := lambdaboot.InitAWS(ctx, &remote)
	if err != nil {
		return nil, "", err
	}
	client := lambda.NewFromConfig(awsCfg)
	return devgateway.NewSDKInvoker(client, cfg.Gateway.FunctionName, qualifierFlag), cfg.Gateway.FunctionName, nil
}
