package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath
}

func TestNewBootstrap_Defaults(t *testing.T) {
	configPath := writeConfig(t, `server:
  http:
    addr: :8080
  grpc:
    addr: :9000
data:
  database:
    driver: mysql
  redis:
    addr: 127.0.0.1:6379
`)

	// Set required environment variables
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/wardline")

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)
	require.NotNil(t, bc)

	// Verify server defaults
	assert.Equal(t, ":8080", bc.Server.Http.Addr)
	assert.Equal(t, "tcp", bc.Server.Http.Network)
	assert.Equal(t, 30*time.Second, bc.Server.Http.Timeout.AsDuration())
	assert.Equal(t, ":9000", bc.Server.Grpc.Addr)

	// Verify data defaults
	assert.Equal(t, "mysql", bc.Data.Database.Driver)
	assert.Equal(t, "user:pass@tcp(localhost:3306)/wardline", bc.Data.Database.Source)
	assert.Equal(t, "127.0.0.1:6379", bc.Data.Redis.Addr)
	assert.Equal(t, 200*time.Millisecond, bc.Data.Redis.ReadTimeout.AsDuration())

	// Verify governance defaults
	assert.Equal(t, 5, bc.Governance.Circuit.FailureThreshold)
	assert.Equal(t, 2, bc.Governance.Circuit.SuccessThreshold)
	assert.Equal(t, 60*time.Second, bc.Governance.Circuit.OpenTimeout.AsDuration())
	assert.Equal(t, 30*time.Second, bc.Governance.Circuit.HalfOpenTimeout.AsDuration())

	assert.Equal(t, int64(8192), bc.Governance.Backpressure.TokenCapBaseline)
	assert.Equal(t, 8000.0, bc.Governance.Backpressure.Thresholds["latency_p95"])
	assert.Equal(t, 100.0, bc.Governance.Backpressure.Thresholds["queue_depth"])
	assert.Equal(t, 50000.0, bc.Governance.Backpressure.Thresholds["token_queue"])

	assert.Equal(t, 1000.0, bc.Governance.Budget.MonthlyUSD)
	assert.Equal(t, 0.80, bc.Governance.Budget.DowngradeThreshold)
	assert.Equal(t, 1.0, bc.Governance.Budget.HardStopThreshold)
	assert.True(t, bc.Governance.Budget.AllowDowngrade)

	// Verify log defaults
	assert.Equal(t, "info", bc.Log.Level)
	assert.Equal(t, "json", bc.Log.Format)
}

func TestNewBootstrap_EnvOverrides(t *testing.T) {
	configPath := writeConfig(t, "data:\n  database:\n    driver: mysql\n")

	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/wardline")
	t.Setenv("WARDLINE_SERVER_HTTP_ADDR", ":9999")
	t.Setenv("MONTHLY_BUDGET_USD", "2500")
	t.Setenv("ADMIN_TOKEN", "ops-token-abc")

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":9999", bc.Server.Http.Addr)
	assert.Equal(t, 2500.0, bc.Governance.Budget.MonthlyUSD)
	assert.Equal(t, "ops-token-abc", bc.Auth.AdminToken)
}

func TestNewBootstrap_MissingDSN(t *testing.T) {
	configPath := writeConfig(t, "data:\n  database:\n    driver: mysql\n")
	t.Setenv("MYSQL_DSN", "")

	_, err := NewBootstrap(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MYSQL_DSN")
}

func TestNewBootstrap_ConfigFileNotFound(t *testing.T) {
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/wardline")

	_, err := NewBootstrap("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestNewBootstrap_ExtraThresholdMetric(t *testing.T) {
	configPath := writeConfig(t, `governance:
  backpressure:
    thresholds:
      latency_p95: 12000
      gpu_queue: 40
`)
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/wardline")

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)

	// File overrides a default metric and adds a new one; untouched defaults stay.
	assert.Equal(t, 12000.0, bc.Governance.Backpressure.Thresholds["latency_p95"])
	assert.Equal(t, 40.0, bc.Governance.Backpressure.Thresholds["gpu_queue"])
	assert.Equal(t, 100.0, bc.Governance.Backpressure.Thresholds["queue_depth"])
}

func TestValidate_CollectsAllInvalidFields(t *testing.T) {
	configPath := writeConfig(t, `governance:
  circuit:
    failure_threshold: 0
  budget:
    downgrade_threshold: 0.9
    hard_stop_threshold: 0.5
`)
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/wardline")

	_, err := NewBootstrap(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure_threshold must be positive")
	assert.Contains(t, err.Error(), "hard_stop_threshold must be >= downgrade_threshold")
}
