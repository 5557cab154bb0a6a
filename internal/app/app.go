// Package app 提供 eidos-tracker 服务的应用生命周期管理
//
// ========================================
// eidos-tracker 服务说明
// ========================================
//
// ## 服务职责
// 1. RPC 网关: 多端点负载均衡、限流、熔断、重试
// 2. 分层缓存: HOT/WARM/COLD/FREEZE 快速层 + 持久层兜底
// 3. 缓存预热与容量伸缩
// 4. 数据集变化检测与链上推送驱动的缓存失效
//
// ## Kafka (参见 internal/kafka/producer.go)
// - tracker-dataset-changed: 数据集快照变化
// - tracker-cache-invalidated: 缓存失效
//
// ## 端口
// - gRPC 健康检查: service.grpc_port
// - Prometheus: service.metrics_port /metrics
//
// ## 数据库
// - postgres 或 sqlite，启动时 AutoMigrate
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/cache"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/changedetect"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/config"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/kafka"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/monitor"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/ratelimit"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/rpc"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/scaling"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/service"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/warming"
	"github.com/eidos-exchange/eidos/eidos-tracker/pkg/circuitbreaker"
	"github.com/eidos-exchange/eidos/eidos-tracker/pkg/logger"
)

// App 应用
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	// 基础设施
	db    *gorm.DB
	redis redis.UniversalClient

	// Kafka
	producer  *kafka.Producer
	publisher kafka.EventPublisher

	// 缓存
	store          *cache.TierStore
	bus            *cache.InvalidationBus
	unsubscribeBus func()

	// RPC
	limiter   *ratelimit.Limiter
	pool      *rpc.Pool
	transport *rpc.EthRPCTransport
	gateway   *rpc.Gateway
	health    *rpc.HealthChecker

	// 后台组件
	warmer   *warming.Engine
	scaler   *scaling.Controller
	detector *changedetect.Detector
	datasets []changedetect.Dataset
	monitor  *monitor.Monitor

	service *service.Service

	// 服务端
	grpcServer    *grpc.Server
	healthServer  *health.Server
	metricsServer *http.Server

	// 运行控制
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:       cfg,
		logger:    logger.Named("tracker"),
		publisher: kafka.NoopPublisher{},
		stopCh:    make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}
	if err := app.initKafka(); err != nil {
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}
	app.initCache()
	if err := app.initRPC(); err != nil {
		return nil, fmt.Errorf("failed to init rpc: %w", err)
	}
	app.initComponents()
	app.initServers()

	return app, nil
}

// initInfrastructure 初始化数据库与 Redis
func (a *App) initInfrastructure() error {
	var dialector gorm.Dialector
	switch a.cfg.Postgres.Driver {
	case "sqlite":
		dialector = sqlite.Open(a.cfg.Postgres.SQLitePath)
	default:
		dialector = postgres.Open(a.cfg.Postgres.DSN())
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.Seconds(a.cfg.Postgres.ConnMaxLifetime))

	a.db = db
	a.logger.Info("database connected",
		zap.String("driver", a.cfg.Postgres.Driver),
		zap.String("host", a.cfg.Postgres.Host))

	if err := repository.Migrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	a.logger.Info("database migrated")

	// Redis 为空时快速层使用进程内存
	if len(a.cfg.Redis.Addresses) == 0 {
		a.logger.Info("redis not configured, using in-memory fast store")
		return nil
	}

	a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    a.cfg.Redis.Addresses,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})
	if err := a.redis.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	a.logger.Info("redis connected", zap.Strings("addrs", a.cfg.Redis.Addresses))
	return nil
}

// initKafka 初始化事件发布
func (a *App) initKafka() error {
	if len(a.cfg.Kafka.Brokers) == 0 {
		a.logger.Info("kafka not configured, events are not published")
		return nil
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.producer = producer
	a.publisher = producer

	a.logger.Info("kafka initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// initCache 初始化分层缓存
func (a *App) initCache() {
	cc := a.cfg.Cache
	tracker := cache.NewAccessTracker(cache.AccessTrackerConfig{
		MaxRecords:      cc.Access.MaxRecords,
		RecencyWeight:   cc.Access.RecencyWeight,
		FrequencyWeight: cc.Access.FrequencyWeight,
		RecencyHalfLife: config.Seconds(cc.Access.RecencyHalfLife),
		FrequencyScale:  cc.Access.FrequencyScale,
	}, nil)

	var fast cache.FastStore
	if a.redis != nil {
		fast = cache.NewRedisFastStore(a.redis)
	} else {
		fast = cache.NewMemoryFastStore(nil)
	}

	durable := repository.NewCacheEntryRepository(a.db)
	a.store = cache.NewTierStore(cache.StoreConfig{
		Tiers: map[cache.Tier]cache.TierConfig{
			cache.TierHot:    tierConfig(cc.Hot),
			cache.TierWarm:   tierConfig(cc.Warm),
			cache.TierCold:   tierConfig(cc.Cold),
			cache.TierFreeze: tierConfig(cc.Freeze),
		},
		DurableTTLMultiplier: cc.DurableTTLMultiplier,
	}, fast, durable, tracker, a.logger)

	if a.redis != nil {
		a.bus = cache.NewInvalidationBus(a.redis, cc.InvalidationChannel, a.logger)
		a.store.SetBroadcaster(a.bus)
	}
}

func tierConfig(t config.TierConfig) cache.TierConfig {
	return cache.TierConfig{TTL: config.Seconds(t.TTL), MaxKeys: t.MaxKeys}
}

func limits(l config.LimitsConfig) ratelimit.Limits {
	return ratelimit.Limits{
		RequestsPerSecond: l.RequestsPerSecond,
		RequestsPerMinute: l.RequestsPerMinute,
		Burst:             l.Burst,
	}
}

// initRPC 初始化端点池、传输与网关
func (a *App) initRPC() error {
	rc := a.cfg.RPC

	a.limiter = ratelimit.New(limits(rc.RateLimit))
	for method, l := range rc.MethodLimits {
		a.limiter.SetMethodLimits(method, limits(l))
	}

	var endpoints []rpc.EndpointConfig
	for _, u := range rc.PrimaryURLs {
		endpoints = append(endpoints, rpc.EndpointConfig{URL: u, Role: rpc.RolePrimary, Weight: 1, Limits: limits(rc.LimitsFor(u))})
	}
	for _, u := range rc.BackupURLs {
		endpoints = append(endpoints, rpc.EndpointConfig{URL: u, Role: rpc.RoleBackup, Weight: 1, Limits: limits(rc.LimitsFor(u))})
	}

	strategy, err := rpc.ParseStrategy(rc.Strategy)
	if err != nil {
		return err
	}
	pool, err := rpc.NewPool(rpc.PoolConfig{
		Endpoints: endpoints,
		Strategy:  strategy,
		Breaker: &circuitbreaker.Config{
			MaxFailures:  rc.Breaker.MaxFailures,
			ResetTimeout: config.Seconds(rc.Breaker.ResetTimeout),
		},
		Limiter: a.limiter,
	}, a.logger)
	if err != nil {
		return err
	}
	a.pool = pool

	headers := http.Header{}
	if rc.APIKey != "" {
		headers.Set(rc.APIKeyHeader, rc.APIKey)
	}
	a.transport = rpc.NewEthRPCTransport(&http.Client{Timeout: config.Millis(rc.Timeout)}, headers)

	a.gateway = rpc.NewGateway(a.pool, a.transport, a.store, rpc.GatewayConfig{
		MaxRetries: rc.Retry.MaxRetries,
		BaseDelay:  config.Millis(rc.Retry.BaseDelay),
		MaxDelay:   config.Millis(rc.Retry.MaxDelay),
		Multiplier: rc.Retry.Multiplier,
		Timeout:    config.Millis(rc.Timeout),

		MaxTrackedCalls: rc.MaxTrackedCalls,
	}, a.logger)

	a.health = rpc.NewHealthChecker(a.pool, a.transport, rpc.HealthCheckConfig{
		Interval:    config.Seconds(rc.HealthCheck.Interval),
		Timeout:     config.Millis(rc.HealthCheck.Timeout),
		ProbeMethod: rc.HealthCheck.ProbeMethod,
	}, a.logger)

	a.logger.Info("rpc gateway initialized",
		zap.Int("endpoints", len(endpoints)),
		zap.String("strategy", strategy.Name()))
	return nil
}

// initComponents 初始化预热、伸缩、变化检测与推送订阅
func (a *App) initComponents() {
	wc := a.cfg.Warming
	a.warmer = warming.NewEngine(warming.Config{
		ProcessSpec:   wc.ProcessSpec,
		DeriveSpec:    wc.DeriveSpec,
		PredictSpec:   wc.PredictSpec,
		BatchSize:     wc.BatchSize,
		TopN:          wc.TopN,
		MinConfidence: wc.MinConfidence,
		Timeout:       config.Seconds(wc.Timeout),
	}, a.store, a.gateway, warming.RuleScorer{}, a.logger)

	sc := a.cfg.Scaling
	collector := scaling.NewCollector(a.gateway, a.store, a.logger)
	a.scaler = scaling.NewController(scaling.Config{
		Interval:         config.Seconds(sc.Interval),
		Cooldown:         config.Seconds(sc.Cooldown),
		HistorySize:      sc.HistorySize,
		UpThreshold:      sc.UpThreshold,
		DownThreshold:    sc.DownThreshold,
		UpFactor:         sc.UpFactor,
		DownFactor:       sc.DownFactor,
		UpAggressiveness: sc.UpAggressiveness,
		MinKeys:          sc.MinKeys,
		MaxKeysCeiling:   sc.MaxKeysCeiling,
		StaleAfter:       config.Seconds(sc.StaleAfter),
		Thresholds: scaling.Thresholds{
			MemoryHigh:      sc.MemoryHigh,
			MemoryLow:       sc.MemoryLow,
			RequestRateHigh: sc.RequestRateHigh,
			RequestRateLow:  sc.RequestRateLow,
			ErrorRateHigh:   sc.ErrorRateHigh,
			HitRateLow:      sc.HitRateLow,
			HitRateHigh:     sc.HitRateHigh,
		},
	}, collector, a.store, a.warmer, a.logger)

	a.detector = changedetect.NewDetector(
		repository.NewChangeHashRepository(a.db),
		a.store,
		a.publisher,
		a.cfg.ChangeDetect.TopN,
		a.logger,
	)
	for _, ds := range a.cfg.ChangeDetect.Datasets {
		a.datasets = append(a.datasets, changedetect.Dataset{
			Name:     ds.Name,
			Fetch:    changedetect.GatewayFetcher(a.gateway, ds.Method, ds.Params),
			Patterns: ds.Patterns,
		})
	}
	a.detector.Register(a.datasets)

	var mon service.MonitorSource
	if mc := a.cfg.Monitor; mc.Enabled {
		a.monitor = monitor.NewMonitor(monitor.Config{
			URL:             mc.WSURL,
			SubscribeMethod: mc.SubscribeMethod,
			Account:         mc.Account,
			Commitment:      mc.Commitment,
			QueueSize:       mc.QueueSize,
			DrainRate:       mc.DrainRate,
			ReconnectDelay:  config.Seconds(mc.ReconnectDelay),
		}, a.logger)

		routes := make([]monitor.Route, 0, len(mc.Routes))
		for _, r := range mc.Routes {
			routes = append(routes, monitor.Route{Method: r.Method, Patterns: r.Patterns, Dataset: r.Dataset})
		}
		router := monitor.NewInvalidationRouter(a.store, mc.Account, routes, a.publisher, a.logger)
		router.SetRefresh(a.refreshDataset)
		a.monitor.OnEvent(router.Handle)
		mon = a.monitor
	}

	a.service = service.NewService(service.Deps{
		Gateway:   a.gateway,
		Endpoints: a.pool,
		Breakers:  a.pool,
		Cache:     a.store,
		Warmer:    a.warmer,
		Scaling:   a.scaler,
		Monitor:   mon,
		Limiter:   a.limiter,
		Publisher: a.publisher,
	}, a.logger)
}

// refreshDataset 推送触发的数据集重算
func (a *App) refreshDataset(ctx context.Context, name string) error {
	for _, ds := range a.datasets {
		if ds.Name == name {
			_, err := a.detector.Refresh(ctx, ds.Name, ds.Fetch)
			return err
		}
	}
	return fmt.Errorf("unknown dataset %q", name)
}

// initServers 初始化 gRPC 健康检查与指标服务
func (a *App) initServers() {
	a.grpcServer = grpc.NewServer()
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Service.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Service 返回对外调用面
func (a *App) Service() *service.Service {
	return a.service
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.bus != nil {
		unsubscribe, err := a.bus.Subscribe(ctx, func(ctx context.Context, pattern string) {
			a.store.ApplyRemoteInvalidation(ctx, pattern)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe invalidations: %w", err)
		}
		a.unsubscribeBus = unsubscribe
	}

	if a.cfg.Warming.Enabled {
		if err := a.warmer.Start(); err != nil {
			return fmt.Errorf("failed to start warming: %w", err)
		}
	}

	a.goLoop(func() { a.store.Run(ctx, config.Seconds(a.cfg.Cache.CleanupInterval)) })
	a.goLoop(func() { a.health.Run(ctx) })
	if a.cfg.Scaling.Enabled {
		a.goLoop(func() { a.scaler.Run(ctx) })
	}
	a.goLoop(func() {
		a.detector.Run(ctx, config.Seconds(a.cfg.ChangeDetect.Interval), a.datasets)
	})
	if a.monitor != nil {
		a.goLoop(func() { a.monitor.Run(ctx) })
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		cancel()
		a.wg.Wait()
		return fmt.Errorf("failed to listen: %w", err)
	}
	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		a.logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			a.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
	go func() {
		a.logger.Info("metrics server listening", zap.Int("port", a.cfg.Service.MetricsPort))
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		a.logger.Info("received shutdown signal")
	case <-a.stopCh:
		a.logger.Info("shutdown requested")
	}

	return a.shutdown(cancel)
}

func (a *App) goLoop(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// shutdown 关闭应用：先停止接入，再停止后台任务，最后关闭连接
func (a *App) shutdown(cancel context.CancelFunc) error {
	a.logger.Info("shutting down...")

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	if a.warmer != nil {
		a.warmer.Stop()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	timeout := config.Seconds(a.cfg.Service.ShutdownTimeout)
	select {
	case <-done:
	case <-time.After(timeout):
		a.logger.Warn("background loops did not stop in time", zap.Duration("timeout", timeout))
	}

	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	if a.metricsServer != nil {
		ctx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown", zap.Error(err))
		}
		cancelShutdown()
	}

	if a.unsubscribeBus != nil {
		a.unsubscribeBus()
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("kafka producer close", zap.Error(err))
		}
	}
	if a.transport != nil {
		a.transport.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	a.logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
