package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExpandEnvVars 测试环境变量展开
func TestExpandEnvVars(t *testing.T) {
	t.Run("simple variable", func(t *testing.T) {
		t.Setenv("TEST_VAR", "hello")
		assert.Equal(t, "value is hello", expandEnvVars("value is ${TEST_VAR}"))
	})

	t.Run("variable with default", func(t *testing.T) {
		assert.Equal(t, "value is default_value", expandEnvVars("value is ${NOT_EXISTS:default_value}"))
	})

	t.Run("variable with default overridden", func(t *testing.T) {
		t.Setenv("MY_VAR", "actual_value")
		assert.Equal(t, "value is actual_value", expandEnvVars("value is ${MY_VAR:default_value}"))
	})

	t.Run("default with colon", func(t *testing.T) {
		assert.Equal(t, "https://a:8899", expandEnvVars("${NOT_EXISTS:https://a:8899}"))
	})

	t.Run("no variables", func(t *testing.T) {
		assert.Equal(t, "no variables here", expandEnvVars("no variables here"))
	})
}

// TestSetDefaults 测试默认值设置
func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	assert.Equal(t, "eidos-tracker", cfg.Service.Name)
	assert.Equal(t, "postgres", cfg.Postgres.Driver)
	assert.Equal(t, "health_based", cfg.RPC.Strategy)
	assert.Equal(t, 5, cfg.RPC.Breaker.MaxFailures)
	assert.Equal(t, 300, cfg.RPC.Breaker.ResetTimeout)
	assert.Equal(t, 3, cfg.RPC.Retry.MaxRetries)
	assert.Equal(t, 30, cfg.RPC.HealthCheck.Interval)

	assert.Equal(t, 30, cfg.Cache.Hot.TTL)
	assert.Equal(t, 1000, cfg.Cache.Hot.MaxKeys)
	assert.Equal(t, 86400, cfg.Cache.Freeze.TTL)
	assert.Equal(t, 3, cfg.Cache.DurableTTLMultiplier)
	assert.InDelta(t, 0.6, cfg.Cache.Access.RecencyWeight, 1e-9)

	assert.Equal(t, "@every 2m", cfg.Warming.ProcessSpec)
	assert.Equal(t, "@every 1h", cfg.Warming.PredictSpec)

	assert.Equal(t, 300, cfg.Scaling.Cooldown)
	assert.Equal(t, 100, cfg.Scaling.HistorySize)
	assert.InDelta(t, 1.5, cfg.Scaling.UpFactor, 1e-9)
	assert.InDelta(t, 0.8, cfg.Scaling.DownFactor, 1e-9)

	assert.Equal(t, 50, cfg.Monitor.DrainRate)
	assert.Equal(t, 5, cfg.Monitor.ReconnectDelay)
	assert.Equal(t, 50, cfg.ChangeDetect.TopN)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

// TestParse 测试解析与环境变量覆盖
func TestParse(t *testing.T) {
	t.Setenv("TRACKER_PRIMARY", "http://primary:8899")
	t.Setenv("RPC_BACKUP_URLS", "http://b1:8899, http://b2:8899")

	data := []byte(`
rpc:
  primary_urls:
    - ${TRACKER_PRIMARY}
  backup_urls:
    - http://ignored
  strategy: round_robin
  method_limits:
    getProgramAccounts:
      requests_per_second: 2
cache:
  hot:
    ttl: 10
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, []string{"http://primary:8899"}, cfg.RPC.PrimaryURLs)
	assert.Equal(t, []string{"http://b1:8899", "http://b2:8899"}, cfg.RPC.BackupURLs)
	assert.Equal(t, "round_robin", cfg.RPC.Strategy)
	assert.Equal(t, 2, cfg.RPC.MethodLimits["getProgramAccounts"].RequestsPerSecond)
	assert.Equal(t, 10, cfg.Cache.Hot.TTL)
	assert.Equal(t, 1000, cfg.Cache.Hot.MaxKeys)
}

// TestEndpointLimits 端点限流覆盖全局限流
func TestEndpointLimits(t *testing.T) {
	data := []byte(`
rpc:
  primary_urls: [http://paid]
  backup_urls: [http://public]
  rate_limit:
    requests_per_second: 50
    burst: 50
  endpoint_limits:
    http://public:
      requests_per_second: 2
      requests_per_minute: 60
  max_tracked_calls: 500
`)
	cfg, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.RPC.MaxTrackedCalls)

	paid := cfg.RPC.LimitsFor("http://paid")
	assert.Equal(t, 50, paid.RequestsPerSecond)
	assert.Equal(t, 50, paid.Burst)

	public := cfg.RPC.LimitsFor("http://public")
	assert.Equal(t, 2, public.RequestsPerSecond)
	assert.Equal(t, 60, public.RequestsPerMinute)
	assert.Equal(t, 0, public.Burst)
}

// TestValidate 测试配置校验
func TestValidate(t *testing.T) {
	t.Run("no endpoints", func(t *testing.T) {
		_, err := Parse([]byte("log:\n  level: info\n"))
		assert.Error(t, err)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		_, err := Parse([]byte("rpc:\n  primary_urls: [http://a]\n  strategy: random\n"))
		assert.Error(t, err)
	})

	t.Run("monitor without url", func(t *testing.T) {
		_, err := Parse([]byte("rpc:\n  primary_urls: [http://a]\nmonitor:\n  enabled: true\n"))
		assert.Error(t, err)
	})
}

// TestLoad 测试从文件加载
func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rpc:\n  primary_urls: [http://a]\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a"}, cfg.RPC.PrimaryURLs)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

// TestDurationHelpers 测试单位换算
func TestDurationHelpers(t *testing.T) {
	assert.Equal(t, 30*time.Second, Seconds(30))
	assert.Equal(t, 250*time.Millisecond, Millis(250))
	assert.Contains(t, (&PostgresConfig{Host: "db", Port: 5432}).DSN(), "host=db port=5432")
}

// TestGetEnv 测试环境变量读取
func TestGetEnv(t *testing.T) {
	t.Setenv("TRACKER_INT", "42")
	t.Setenv("TRACKER_BAD", "x")
	assert.Equal(t, 42, GetEnvInt("TRACKER_INT", 1))
	assert.Equal(t, 1, GetEnvInt("TRACKER_BAD", 1))
	assert.Equal(t, "d", GetEnvString("TRACKER_NONE", "d"))
	assert.Nil(t, GetEnvList("TRACKER_NONE"))
}
