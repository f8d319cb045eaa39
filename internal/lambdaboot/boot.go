// Package lambdaboot provides the shared cold-start bootstrap for the image
// binaries.
//
// Every entry point needs the same pieces: configuration, logging, an AWS
// config, the S3 source loader, the origin-verify secret and the processing
// use case. This package composes them so each main() stays short.
package lambdaboot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/image-delivery/internal/config"
	"github.com/fpang/image-delivery/internal/imaging"
	"github.com/fpang/image-delivery/internal/logging"
	"github.com/fpang/image-delivery/internal/processing"
	"github.com/fpang/image-delivery/internal/storage"
)

// Runtime is everything an image transport needs.
type Runtime struct {
	Config             *config.Config
	AWS                aws.Config
	Loader             *storage.S3Loader
	Processor          *processing.UseCase
	OriginVerifySecret string
}

// Init loads configuration from configFile (may be empty), initializes
// logging and builds the processing stack. Overrides run after loading and
// before validation, which is where command-line flags apply.
func Init(ctx context.Context, configFile string, overrides ...func(*config.Config)) (*Runtime, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	for _, override := range overrides {
		override(cfg)
	}
	logging.Init(cfg.Log.Level, cfg.Log.Pretty)
	if err := cfg.ValidateStorage(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	awsCfg, err := InitAWS(ctx, cfg)
	if err != nil {
		return nil, err
	}

	secret, err := LoadOriginVerifySecret(ctx, ssm.NewFromConfig(awsCfg), cfg)
	if err != nil {
		return nil, err
	}

	loader := NewS3Loader(awsCfg, cfg)
	return &Runtime{
		Config:             cfg,
		AWS:                awsCfg,
		Loader:             loader,
		Processor:          processing.New(loader, imaging.NewNativeTranscoder(0), imaging.NewNativeExtractor()),
		OriginVerifySecret: secret,
	}, nil
}

// InitAWS loads the AWS config for the storage settings. Static credentials
// are used only when configured, which is the local S3 stand-in case.
func InitAWS(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.Region),
	}
	if cfg.Storage.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Storage.AccessKeyID, cfg.Storage.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	log.Debug().Str("region", awsCfg.Region).Bool("localStorage", cfg.LocalStorage()).Msg("AWS config loaded")
	return awsCfg, nil
}

// NewS3Loader creates the source loader. A custom endpoint implies
// path-style addressing, which MinIO and LocalStack require.
func NewS3Loader(awsCfg aws.Config, cfg *config.Config) *storage.S3Loader {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.Storage.ForcePathStyle {
			o.UsePathStyle = true
		}
	})
	return storage.NewS3Loader(client, cfg.Storage.Bucket)
}

// GetParameterAPI is the subset of the SSM client used here.
type GetParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadOriginVerifySecret returns the configured secret, or fetches it from
// Parameter Store when only the parameter name is set. An empty result
// disables origin verification.
func LoadOriginVerifySecret(ctx context.Context, client GetParameterAPI, cfg *config.Config) (string, error) {
	if s := cfg.Security.OriginVerifySecret; s != "" {
		return s, nil
	}
	param := cfg.Security.OriginVerifyParam
	if param == "" {
		return "", nil
	}

	ssmStart := time.Now()
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read origin-verify secret %s: %w", param, err)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", errors.New("origin-verify parameter " + param + " is empty")
	}
	log.Debug().Str("param", param).Dur("elapsed", time.Since(ssmStart)).Msg("Origin-verify secret loaded from SSM")
	return aws.ToString(out.Parameter.Value), nil
}

// StartupLog returns a startup logger pre-filled with the common resources.
func StartupLog(name string, initStart time.Time, rt *Runtime) *logging.StartupLogger {
	sl := logging.NewStartupLogger(name).
		InitDuration(time.Since(initStart)).
		LogLevel(rt.Config.Log.Level).
		S3Bucket("source", rt.Config.Storage.Bucket).
		Feature("originVerify", rt.OriginVerifySecret != "").
		Feature("metrics", rt.Config.Metrics.Enabled).
		Feature("localStorage", rt.Config.LocalStorage())
	if p := rt.Config.Security.OriginVerifyParam; p != "" {
		sl = sl.SSMParam("originVerify", p)
	}
	return sl
}
