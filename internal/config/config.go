package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service      ServiceConfig      `yaml:"service" json:"service"`
	Postgres     PostgresConfig     `yaml:"postgres" json:"postgres"`
	Redis        RedisConfig        `yaml:"redis" json:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka" json:"kafka"`
	RPC          RPCConfig          `yaml:"rpc" json:"rpc"`
	Cache        CacheConfig        `yaml:"cache" json:"cache"`
	Warming      WarmingConfig      `yaml:"warming" json:"warming"`
	Scaling      ScalingConfig      `yaml:"scaling" json:"scaling"`
	Monitor      MonitorConfig      `yaml:"monitor" json:"monitor"`
	ChangeDetect ChangeDetectConfig `yaml:"change_detect" json:"change_detect"`
	Log          LogConfig          `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name        string `yaml:"name" json:"name"`
	GRPCPort    int    `yaml:"grpc_port" json:"grpc_port"`
	MetricsPort int    `yaml:"metrics_port" json:"metrics_port"`
	Env         string `yaml:"env" json:"env"`
	// 优雅关闭等待时间 (秒)
	ShutdownTimeout int `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// PostgresConfig 持久化存储配置，driver 为 sqlite 时使用 SQLitePath
type PostgresConfig struct {
	Driver          string `yaml:"driver" json:"driver"` // postgres, sqlite
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	SQLitePath      string `yaml:"sqlite_path" json:"sqlite_path"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// RedisConfig Redis 配置，地址为空时快速层使用进程内存
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置，brokers 为空时不发布事件
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" json:"brokers"`
	ClientID string   `yaml:"client_id" json:"client_id"`
}

// LimitsConfig 限流配置，0 表示不限制
type LimitsConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second" json:"requests_per_second"`
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	Burst             int `yaml:"burst" json:"burst"`
}

// RPCConfig 上游节点配置
type RPCConfig struct {
	PrimaryURLs  []string                `yaml:"primary_urls" json:"primary_urls"`
	BackupURLs   []string                `yaml:"backup_urls" json:"backup_urls"`
	APIKey       string                  `yaml:"api_key" json:"-"`
	APIKeyHeader string                  `yaml:"api_key_header" json:"api_key_header"`
	Strategy     string                  `yaml:"strategy" json:"strategy"` // round_robin, least_loaded, health_based
	Timeout      int                     `yaml:"timeout" json:"timeout"`   // 单次请求超时 (毫秒)
	RateLimit    LimitsConfig            `yaml:"rate_limit" json:"rate_limit"`
	MethodLimits map[string]LimitsConfig `yaml:"method_limits" json:"method_limits"`
	// EndpointLimits 按端点 URL 覆盖 rate_limit
	EndpointLimits map[string]LimitsConfig `yaml:"endpoint_limits" json:"endpoint_limits"`
	Breaker        BreakerConfig           `yaml:"circuit_breaker" json:"circuit_breaker"`
	Retry          RetryConfig             `yaml:"retry" json:"retry"`
	HealthCheck    HealthCheckConfig       `yaml:"health_check" json:"health_check"`
	// MaxTrackedCalls 预热用的调用记录上限，0 使用默认值
	MaxTrackedCalls int `yaml:"max_tracked_calls" json:"max_tracked_calls"`
}

// LimitsFor 端点限流，未单独配置时使用 rate_limit
func (c *RPCConfig) LimitsFor(url string) LimitsConfig {
	if l, ok := c.EndpointLimits[url]; ok {
		return l
	}
	return c.RateLimit
}

// BreakerConfig 熔断配置
type BreakerConfig struct {
	MaxFailures  int `yaml:"max_failures" json:"max_failures"`
	ResetTimeout int `yaml:"reset_timeout" json:"reset_timeout"` // 秒
}

// RetryConfig 重试配置
type RetryConfig struct {
	MaxRetries int     `yaml:"max_retries" json:"max_retries"`
	BaseDelay  int     `yaml:"base_delay" json:"base_delay"` // 毫秒
	MaxDelay   int     `yaml:"max_delay" json:"max_delay"`   // 毫秒
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

// HealthCheckConfig 健康检查配置
type HealthCheckConfig struct {
	Interval    int    `yaml:"interval" json:"interval"` // 秒
	Timeout     int    `yaml:"timeout" json:"timeout"`   // 毫秒
	ProbeMethod string `yaml:"probe_method" json:"probe_method"`
}

// TierConfig 缓存层配置
type TierConfig struct {
	TTL     int `yaml:"ttl" json:"ttl"` // 秒
	MaxKeys int `yaml:"max_keys" json:"max_keys"`
}

// CacheConfig 分层缓存配置
type CacheConfig struct {
	Hot                  TierConfig   `yaml:"hot" json:"hot"`
	Warm                 TierConfig   `yaml:"warm" json:"warm"`
	Cold                 TierConfig   `yaml:"cold" json:"cold"`
	Freeze               TierConfig   `yaml:"freeze" json:"freeze"`
	DurableTTLMultiplier int          `yaml:"durable_ttl_multiplier" json:"durable_ttl_multiplier"`
	CleanupInterval      int          `yaml:"cleanup_interval" json:"cleanup_interval"` // 秒
	InvalidationChannel  string       `yaml:"invalidation_channel" json:"invalidation_channel"`
	Access               AccessConfig `yaml:"access" json:"access"`
}

// AccessConfig 访问统计配置
type AccessConfig struct {
	MaxRecords      int     `yaml:"max_records" json:"max_records"`
	RecencyWeight   float64 `yaml:"recency_weight" json:"recency_weight"`
	FrequencyWeight float64 `yaml:"frequency_weight" json:"frequency_weight"`
	RecencyHalfLife int     `yaml:"recency_half_life" json:"recency_half_life"` // 秒
	FrequencyScale  float64 `yaml:"frequency_scale" json:"frequency_scale"`
}

// WarmingConfig 预热配置 (cron 表达式)
type WarmingConfig struct {
	Enabled       bool    `yaml:"enabled" json:"enabled"`
	ProcessSpec   string  `yaml:"process_spec" json:"process_spec"`
	DeriveSpec    string  `yaml:"derive_spec" json:"derive_spec"`
	PredictSpec   string  `yaml:"predict_spec" json:"predict_spec"`
	BatchSize     int     `yaml:"batch_size" json:"batch_size"`
	TopN          int     `yaml:"top_n" json:"top_n"`
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`
	Timeout       int     `yaml:"timeout" json:"timeout"` // 单轮超时 (秒)
}

// ScalingConfig 容量伸缩配置
type ScalingConfig struct {
	Enabled          bool    `yaml:"enabled" json:"enabled"`
	Interval         int     `yaml:"interval" json:"interval"` // 秒
	Cooldown         int     `yaml:"cooldown" json:"cooldown"` // 秒
	HistorySize      int     `yaml:"history_size" json:"history_size"`
	UpThreshold      float64 `yaml:"up_threshold" json:"up_threshold"`
	DownThreshold    float64 `yaml:"down_threshold" json:"down_threshold"`
	UpFactor         float64 `yaml:"up_factor" json:"up_factor"`
	DownFactor       float64 `yaml:"down_factor" json:"down_factor"`
	UpAggressiveness float64 `yaml:"up_aggressiveness" json:"up_aggressiveness"`
	MinKeys          int     `yaml:"min_keys" json:"min_keys"`
	MaxKeysCeiling   int     `yaml:"max_keys_ceiling" json:"max_keys_ceiling"`
	StaleAfter       int     `yaml:"stale_after" json:"stale_after"` // 秒

	MemoryHigh      float64 `yaml:"memory_high" json:"memory_high"`
	MemoryLow       float64 `yaml:"memory_low" json:"memory_low"`
	RequestRateHigh float64 `yaml:"request_rate_high" json:"request_rate_high"`
	RequestRateLow  float64 `yaml:"request_rate_low" json:"request_rate_low"`
	ErrorRateHigh   float64 `yaml:"error_rate_high" json:"error_rate_high"`
	HitRateLow      float64 `yaml:"hit_rate_low" json:"hit_rate_low"`
	HitRateHigh     float64 `yaml:"hit_rate_high" json:"hit_rate_high"`
}

// MonitorRoute 事件到缓存失效的映射
type MonitorRoute struct {
	Method   string   `yaml:"method" json:"method"`
	Patterns []string `yaml:"patterns" json:"patterns"`
	Dataset  string   `yaml:"dataset" json:"dataset"`
}

// MonitorConfig 链上事件订阅配置
type MonitorConfig struct {
	Enabled         bool           `yaml:"enabled" json:"enabled"`
	WSURL           string         `yaml:"ws_url" json:"ws_url"`
	SubscribeMethod string         `yaml:"subscribe_method" json:"subscribe_method"`
	Account         string         `yaml:"account" json:"account"`
	Commitment      string         `yaml:"commitment" json:"commitment"`
	ReconnectDelay  int            `yaml:"reconnect_delay" json:"reconnect_delay"` // 秒
	QueueSize       int            `yaml:"queue_size" json:"queue_size"`
	DrainRate       int            `yaml:"drain_rate" json:"drain_rate"` // 每秒事件数
	Routes          []MonitorRoute `yaml:"routes" json:"routes"`
}

// DatasetConfig 变化检测数据集
type DatasetConfig struct {
	// 数据集名称 (hash_type)
	Name string `yaml:"name" json:"name"`
	// 上游方法及参数，结果为 [{id, value}] 列表
	Method   string   `yaml:"method" json:"method"`
	Params   []any    `yaml:"params" json:"params"`
	Patterns []string `yaml:"patterns" json:"patterns"`
}

// ChangeDetectConfig 变化检测配置
type ChangeDetectConfig struct {
	TopN     int             `yaml:"top_n" json:"top_n"`
	Interval int             `yaml:"interval" json:"interval"` // 秒
	Datasets []DatasetConfig `yaml:"datasets" json:"datasets"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析配置内容
func Parse(data []byte) (*Config, error) {
	// 环境变量替换
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// applyEnvOverrides 列表类配置支持逗号分隔的环境变量
func applyEnvOverrides(cfg *Config) {
	if v := GetEnvList("RPC_PRIMARY_URLS"); len(v) > 0 {
		cfg.RPC.PrimaryURLs = v
	}
	if v := GetEnvList("RPC_BACKUP_URLS"); len(v) > 0 {
		cfg.RPC.BackupURLs = v
	}
	if v := GetEnvList("REDIS_ADDRESSES"); len(v) > 0 {
		cfg.Redis.Addresses = v
	}
	if v := GetEnvList("KAFKA_BROKERS"); len(v) > 0 {
		cfg.Kafka.Brokers = v
	}
	if v := GetEnvString("RPC_API_KEY", ""); v != "" {
		cfg.RPC.APIKey = v
	}
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "eidos-tracker"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50060
	}
	if cfg.Service.MetricsPort == 0 {
		cfg.Service.MetricsPort = 9160
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}
	if cfg.Service.ShutdownTimeout == 0 {
		cfg.Service.ShutdownTimeout = 15
	}

	if cfg.Postgres.Driver == "" {
		cfg.Postgres.Driver = "postgres"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SQLitePath == "" {
		cfg.Postgres.SQLitePath = "eidos-tracker.db"
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 20
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}

	setRPCDefaults(&cfg.RPC)
	setCacheDefaults(&cfg.Cache)
	setWarmingDefaults(&cfg.Warming)
	setScalingDefaults(&cfg.Scaling)

	if cfg.Monitor.SubscribeMethod == "" {
		cfg.Monitor.SubscribeMethod = "accountSubscribe"
	}
	if cfg.Monitor.Commitment == "" {
		cfg.Monitor.Commitment = "confirmed"
	}
	if cfg.Monitor.ReconnectDelay == 0 {
		cfg.Monitor.ReconnectDelay = 5
	}
	if cfg.Monitor.QueueSize == 0 {
		cfg.Monitor.QueueSize = 1024
	}
	if cfg.Monitor.DrainRate == 0 {
		cfg.Monitor.DrainRate = 50
	}

	if cfg.ChangeDetect.TopN == 0 {
		cfg.ChangeDetect.TopN = 50
	}
	if cfg.ChangeDetect.Interval == 0 {
		cfg.ChangeDetect.Interval = 60
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func setRPCDefaults(c *RPCConfig) {
	if c.APIKeyHeader == "" {
		c.APIKeyHeader = "x-api-key"
	}
	if c.Strategy == "" {
		c.Strategy = "health_based"
	}
	if c.Timeout == 0 {
		c.Timeout = 10000
	}
	if c.Breaker.MaxFailures == 0 {
		c.Breaker.MaxFailures = 5
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = 300
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = 1000
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 10000
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}
	if c.HealthCheck.Interval == 0 {
		c.HealthCheck.Interval = 30
	}
	if c.HealthCheck.Timeout == 0 {
		c.HealthCheck.Timeout = 5000
	}
	if c.HealthCheck.ProbeMethod == "" {
		c.HealthCheck.ProbeMethod = "getHealth"
	}
}

func setTierDefaults(t *TierConfig, ttl, maxKeys int) {
	if t.TTL == 0 {
		t.TTL = ttl
	}
	if t.MaxKeys == 0 {
		t.MaxKeys = maxKeys
	}
}

func setCacheDefaults(c *CacheConfig) {
	setTierDefaults(&c.Hot, 30, 1000)
	setTierDefaults(&c.Warm, 300, 5000)
	setTierDefaults(&c.Cold, 1800, 20000)
	setTierDefaults(&c.Freeze, 86400, 50000)
	if c.DurableTTLMultiplier == 0 {
		c.DurableTTLMultiplier = 3
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 60
	}
	if c.InvalidationChannel == "" {
		c.InvalidationChannel = "eidos:tracker:invalidate"
	}
	if c.Access.MaxRecords == 0 {
		c.Access.MaxRecords = 100000
	}
	if c.Access.RecencyWeight == 0 && c.Access.FrequencyWeight == 0 {
		c.Access.RecencyWeight = 0.6
		c.Access.FrequencyWeight = 0.4
	}
	if c.Access.RecencyHalfLife == 0 {
		c.Access.RecencyHalfLife = 600
	}
	if c.Access.FrequencyScale == 0 {
		c.Access.FrequencyScale = 20
	}
}

func setWarmingDefaults(c *WarmingConfig) {
	if c.ProcessSpec == "" {
		c.ProcessSpec = "@every 2m"
	}
	if c.DeriveSpec == "" {
		c.DeriveSpec = "@every 15m"
	}
	if c.PredictSpec == "" {
		c.PredictSpec = "@every 1h"
	}
	if c.BatchSize == 0 {
		c.BatchSize = 50
	}
	if c.TopN == 0 {
		c.TopN = 100
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.3
	}
	if c.Timeout == 0 {
		c.Timeout = 60
	}
}

func setScalingDefaults(c *ScalingConfig) {
	if c.Interval == 0 {
		c.Interval = 60
	}
	if c.Cooldown == 0 {
		c.Cooldown = 300
	}
	if c.HistorySize == 0 {
		c.HistorySize = 100
	}
	if c.UpThreshold == 0 {
		c.UpThreshold = 0.6
	}
	if c.DownThreshold == 0 {
		c.DownThreshold = 0.6
	}
	if c.UpFactor == 0 {
		c.UpFactor = 1.5
	}
	if c.DownFactor == 0 {
		c.DownFactor = 0.8
	}
	if c.UpAggressiveness == 0 {
		c.UpAggressiveness = 2
	}
	if c.MinKeys == 0 {
		c.MinKeys = 100
	}
	if c.MaxKeysCeiling == 0 {
		c.MaxKeysCeiling = 500000
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 3600
	}
	if c.MemoryHigh == 0 {
		c.MemoryHigh = 0.85
	}
	if c.MemoryLow == 0 {
		c.MemoryLow = 0.5
	}
	if c.RequestRateHigh == 0 {
		c.RequestRateHigh = 50
	}
	if c.RequestRateLow == 0 {
		c.RequestRateLow = 1
	}
	if c.ErrorRateHigh == 0 {
		c.ErrorRateHigh = 0.1
	}
	if c.HitRateLow == 0 {
		c.HitRateLow = 0.5
	}
	if c.HitRateHigh == 0 {
		c.HitRateHigh = 0.95
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if len(c.RPC.PrimaryURLs) == 0 && len(c.RPC.BackupURLs) == 0 {
		return errors.New("rpc: at least one endpoint url is required")
	}
	switch c.RPC.Strategy {
	case "round_robin", "least_loaded", "health_based":
	default:
		return fmt.Errorf("rpc: unknown strategy %q", c.RPC.Strategy)
	}
	switch c.Postgres.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("postgres: unknown driver %q", c.Postgres.Driver)
	}
	if c.Monitor.Enabled && c.Monitor.WSURL == "" {
		return errors.New("monitor: ws_url is required when enabled")
	}
	if c.Scaling.DownFactor >= 1 || c.Scaling.UpFactor <= 1 {
		return errors.New("scaling: up_factor must be > 1 and down_factor < 1")
	}
	return nil
}

// DSN 生成 postgres 连接串
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
		c.Host, c.Port, c.User, c.Password, c.Database)
}

// Seconds 秒转 Duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis 毫秒转 Duration
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// GetEnvList 获取逗号分隔的环境变量
func GetEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
