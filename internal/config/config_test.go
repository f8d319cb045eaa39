package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	t.Setenv("LAMBDA_URL", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "us-east-1", cfg.Storage.Region)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.True(t, cfg.Server.Gzip)
	assert.Equal(t, "ImageDelivery", cfg.Metrics.Namespace)
	assert.Equal(t, DefaultLambdaURL, cfg.Gateway.LambdaURL)
	assert.False(t, cfg.LocalStorage())
}

func TestLoad_PrefixedEnv(t *testing.T) {
	t.Setenv("IMAGE_STORAGE_BUCKET", "media")
	t.Setenv("IMAGE_SERVER_PORT", "9090")
	t.Setenv("IMAGE_SERVER_WRITE_TIMEOUT", "30s")
	t.Setenv("IMAGE_LOG_PRETTY", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "media", cfg.Storage.Bucket)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.True(t, cfg.Log.Pretty)
}

func TestLoad_LegacyEnv(t *testing.T) {
	t.Setenv("BUCKET_NAME", "legacy-bucket")
	t.Setenv("DEV_ONLY_S3_ENDPOINT", "http://localhost:4566")
	t.Setenv("DEV_ONLY_S3_ACCESS_KEY", "test")
	t.Setenv("DEV_ONLY_S3_SECRET_KEY", "test")
	t.Setenv("LAMBDA_URL", "http://localhost:9001/invoke")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "legacy-bucket", cfg.Storage.Bucket)
	assert.Equal(t, "http://localhost:4566", cfg.Storage.Endpoint)
	assert.Equal(t, "http://localhost:9001/invoke", cfg.Gateway.LambdaURL)
	assert.True(t, cfg.LocalStorage())
	assert.NoError(t, cfg.ValidateStorage())
}

func TestLoad_PrefixedWinsOverLegacy(t *testing.T) {
	t.Setenv("IMAGE_STORAGE_BUCKET", "new")
	t.Setenv("BUCKET_NAME", "old")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "new", cfg.Storage.Bucket)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  bucket: from-file
server:
  port: 7000
  shutdown-timeout: 3s
security:
  origin-verify-param: /image-delivery/origin-verify
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Storage.Bucket)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/image-delivery/origin-verify", cfg.Security.OriginVerifyParam)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateStorage(t *testing.T) {
	cfg := &Config{}
	err := cfg.ValidateStorage()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.bucket")

	cfg.Storage.Bucket = "b"
	cfg.Storage.AccessKeyID = "only-half"
	err = cfg.ValidateStorage()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be set together")

	cfg.Storage.SecretAccessKey = "other-half"
	assert.NoError(t, cfg.ValidateStorage())
}

func TestValidateServer(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Port: 0}}
	err := cfg.ValidateServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "shutdown-timeout")

	cfg.Server = ServerConfig{Port: 8080, ShutdownTimeout: time.Second}
	assert.NoError(t, cfg.ValidateServer())
}

func TestValidateGateway(t *testing.T) {
	cfg := &Config{Gateway: GatewayConfig{Port: 3000, LambdaURL: "not a url"}}
	assert.Error(t, cfg.ValidateGateway())

	cfg.Gateway.FunctionName = "image-lambda"
	assert.NoError(t, cfg.ValidateGateway())
}
