// Package config loads process configuration from defaults, an optional
// config file and environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. IMAGE_STORAGE_BUCKET.
const EnvPrefix = "IMAGE"

// DefaultLambdaURL is the invocation endpoint of the local Runtime Interface Emulator.
const DefaultLambdaURL = "http://localhost:9000/2015-03-31/functions/function/invocations"

// Config holds all application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Server   ServerConfig   `mapstructure:"server"`
	Security SecurityConfig `mapstructure:"security"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// StorageConfig locates the source bucket. Endpoint and the static keys are
// only set against a local S3 stand-in.
type StorageConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access-key-id"`
	SecretAccessKey string `mapstructure:"secret-access-key"`
	ForcePathStyle  bool   `mapstructure:"force-path-style"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read-timeout"`
	WriteTimeout    time.Duration `mapstructure:"write-timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
	Gzip            bool          `mapstructure:"gzip"`
}

// SecurityConfig holds the CloudFront origin-verify secret, either inline or
// as an SSM parameter name resolved at startup.
type SecurityConfig struct {
	OriginVerifySecret string `mapstructure:"origin-verify-secret"`
	OriginVerifyParam  string `mapstructure:"origin-verify-param"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
	Enabled   bool   `mapstructure:"enabled"`
}

// GatewayConfig drives the development gateway. FunctionName selects a
// deployed function; otherwise LambdaURL is posted to directly.
type GatewayConfig struct {
	Port         int    `mapstructure:"port"`
	LambdaURL    string `mapstructure:"lambda-url"`
	FunctionName string `mapstructure:"function-name"`
}

// legacyEnv maps config keys to the unprefixed variable names older
// deployments set.
var legacyEnv = map[string]string{
	"storage.bucket":            "BUCKET_NAME",
	"storage.region":            "AWS_REGION",
	"storage.endpoint":          "DEV_ONLY_S3_ENDPOINT",
	"storage.access-key-id":     "DEV_ONLY_S3_ACCESS_KEY",
	"storage.secret-access-key": "DEV_ONLY_S3_SECRET_KEY",
	"gateway.lambda-url":        "LAMBDA_URL",
	"log.level":                 "LOG_LEVEL",
}

var envReplacer = strings.NewReplacer(".", "_", "-", "_")

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access-key-id", "")
	v.SetDefault("storage.secret-access-key", "")
	v.SetDefault("storage.force-path-style", false)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read-timeout", 5*time.Second)
	// Longer than the delivery timeout so the adapter, not the server, ends slow bodies.
	v.SetDefault("server.write-timeout", 15*time.Second)
	v.SetDefault("server.shutdown-timeout", 10*time.Second)
	v.SetDefault("server.gzip", true)

	v.SetDefault("security.origin-verify-secret", "")
	v.SetDefault("security.origin-verify-param", "")

	v.SetDefault("metrics.namespace", "ImageDelivery")
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("gateway.port", 3000)
	v.SetDefault("gateway.lambda-url", DefaultLambdaURL)
	v.SetDefault("gateway.function-name", "")
}

// Load reads configuration. configFile may be empty; when set it must exist.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + envReplacer.Replace(strings.ToUpper(key))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// ValidateStorage checks the settings every binary that reads the bucket needs.
func (c *Config) ValidateStorage() error {
	var errs []error
	if c.Storage.Bucket == "" {
		errs = append(errs, errors.New("storage.bucket cannot be empty"))
	}
	if c.Storage.Endpoint != "" {
		if _, err := url.ParseRequestURI(c.Storage.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("storage.endpoint is not a URL: %w", err))
		}
	}
	if (c.Storage.AccessKeyID == "") != (c.Storage.SecretAccessKey == "") {
		errs = append(errs, errors.New("storage.access-key-id and storage.secret-access-key must be set together"))
	}
	return errors.Join(errs...)
}

// ValidateServer checks the HTTP server settings.
func (c *Config) ValidateServer() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown-timeout must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateGateway checks the development gateway settings.
func (c *Config) ValidateGateway() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	if c.Gateway.FunctionName == "" {
		if _, err := url.ParseRequestURI(c.Gateway.LambdaURL); err != nil {
			return fmt.Errorf("gateway.lambda-url is not a URL: %w", err)
		}
	}
	return nil
}

// LocalStorage reports whether storage points at a local S3 stand-in.
func (c *Config) LocalStorage() bool {
	return c.Storage.Endpoint != ""
}
