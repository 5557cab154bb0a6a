// Package metrics 提供 eidos-tracker 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eidos_tracker"

// 上游 RPC 指标
var (
	// RPCRequestsTotal 上游请求总数
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "上游 RPC 请求总数",
		},
		[]string{"endpoint", "method", "outcome"}, // success, network_error, upstream_error, rate_limited
	)

	// RPCRequestDuration 上游请求耗时
	RPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_request_duration_seconds",
			Help:      "上游 RPC 请求耗时(秒)",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	// RPCCallsTotal 网关调用结果
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "网关调用结果 (含缓存命中)",
		},
		[]string{"method", "result"}, // cache_hit, success, failed
	)

	// RPCRetriesTotal 重试次数
	RPCRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_retries_total",
			Help:      "网关重试次数",
		},
		[]string{"method"},
	)

	// BreakerState 熔断器状态 0=closed 1=open 2=half-open
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_breaker_state",
			Help:      "端点熔断器状态",
		},
		[]string{"endpoint"},
	)

	// RateLimitDeniedTotal 限流拒绝次数
	RateLimitDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denied_total",
			Help:      "本地限流拒绝次数",
		},
		[]string{"endpoint"},
	)

	// HealthCheckTotal 健康检查结果
	HealthCheckTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_check_total",
			Help:      "端点健康检查结果",
		},
		[]string{"endpoint", "result"},
	)
)

// 缓存指标
var (
	// CacheRequestsTotal 缓存读取
	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "分层缓存读取结果",
		},
		[]string{"tier", "result"}, // hit, miss
	)

	// CacheEvictionsTotal 容量淘汰
	CacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "容量淘汰次数",
		},
		[]string{"tier"},
	)

	// CacheKeys 每层键数量
	CacheKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_keys",
			Help:      "每层缓存键数量",
		},
		[]string{"tier"},
	)

	// CacheCapacity 每层容量
	CacheCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_capacity",
			Help:      "每层缓存容量上限",
		},
		[]string{"tier"},
	)

	// CacheStoreErrorsTotal 缓存存储错误
	CacheStoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_store_errors_total",
			Help:      "快速层/持久层存储错误",
		},
		[]string{"store", "op"},
	)

	// CacheInvalidationsTotal 失效键数量
	CacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "失效的缓存键数量",
		},
		[]string{"source"}, // local, remote
	)
)

// 预热与伸缩指标
var (
	// WarmingProcessedTotal 预热候选处理结果
	WarmingProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warming_processed_total",
			Help:      "预热候选处理结果",
		},
		[]string{"strategy", "result"}, // loaded, promoted, skipped, failed
	)

	// WarmingQueueSize 预热队列长度
	WarmingQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "warming_queue_size",
			Help:      "预热队列长度",
		},
	)

	// ScalingActionsTotal 伸缩动作
	ScalingActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scaling_actions_total",
			Help:      "容量伸缩动作",
		},
		[]string{"action"}, // scale_up, scale_down, cooldown
	)

	// ScalingScore 最近一次伸缩评分
	ScalingScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scaling_score",
			Help:      "最近一次伸缩评分",
		},
		[]string{"direction"},
	)
)

// 变化检测与事件订阅指标
var (
	// ChangeChecksTotal 变化检测结果
	ChangeChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_checks_total",
			Help:      "数据集变化检测结果",
		},
		[]string{"hash_type", "result"}, // changed, unchanged
	)

	// MonitorEventsTotal 订阅事件
	MonitorEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_events_total",
			Help:      "链上订阅事件",
		},
		[]string{"result"}, // received, dropped, dispatched
	)

	// MonitorReconnectsTotal 重连次数
	MonitorReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_reconnects_total",
			Help:      "订阅连接重连次数",
		},
	)

	// KafkaMessagesTotal Kafka 消息
	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_total",
			Help:      "Kafka 消息发送结果",
		},
		[]string{"topic", "result"},
	)
)

// RecordRPCRequest 记录上游请求
func RecordRPCRequest(endpoint, method, outcome string, durationSeconds float64) {
	RPCRequestsTotal.WithLabelValues(endpoint, method, outcome).Inc()
	RPCRequestDuration.WithLabelValues(endpoint, method).Observe(durationSeconds)
}

// RecordCall 记录网关调用
func RecordCall(method, result string) {
	RPCCallsTotal.WithLabelValues(method, result).Inc()
}

// RecordRetry 记录重试
func RecordRetry(method string) {
	RPCRetriesTotal.WithLabelValues(method).Inc()
}

// UpdateBreakerState 更新熔断器状态
func UpdateBreakerState(endpoint string, state int) {
	BreakerState.WithLabelValues(endpoint).Set(float64(state))
}

// RecordCacheRequest 记录缓存读取
func RecordCacheRequest(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheRequestsTotal.WithLabelValues(tier, result).Inc()
}

// UpdateTierSize 更新缓存层大小
func UpdateTierSize(tier string, keys, capacity int) {
	CacheKeys.WithLabelValues(tier).Set(float64(keys))
	CacheCapacity.WithLabelValues(tier).Set(float64(capacity))
}

// RecordStoreError 记录存储错误
func RecordStoreError(store, op string) {
	CacheStoreErrorsTotal.WithLabelValues(store, op).Inc()
}

// RecordWarming 记录预热结果
func RecordWarming(strategy, result string) {
	WarmingProcessedTotal.WithLabelValues(strategy, result).Inc()
}

// RecordScaling 记录伸缩评估
func RecordScaling(action string, upScore, downScore float64) {
	if action != "" {
		ScalingActionsTotal.WithLabelValues(action).Inc()
	}
	ScalingScore.WithLabelValues("up").Set(upScore)
	ScalingScore.WithLabelValues("down").Set(downScore)
}

// RecordChangeCheck 记录变化检测
func RecordChangeCheck(hashType string, changed bool) {
	result := "unchanged"
	if changed {
		result = "changed"
	}
	ChangeChecksTotal.WithLabelValues(hashType, result).Inc()
}

// RecordMonitorEvent 记录订阅事件
func RecordMonitorEvent(result string) {
	MonitorEventsTotal.WithLabelValues(result).Inc()
}

// RecordKafkaMessage 记录 Kafka 消息
func RecordKafkaMessage(topic string, ok bool) {
	result := "success"
	if !ok {
		result = "failed"
	}
	KafkaMessagesTotal.WithLabelValues(topic, result).Inc()
}
