package monitor

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/kafka"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/model"
)

// Invalidator 缓存失效
type Invalidator interface {
	Invalidate(ctx context.Context, keyOrPattern string) (int, error)
}

// RefreshFunc 数据集重算钩子
type RefreshFunc func(ctx context.Context, dataset string) error

// Route 推送方法到失效模式的映射，模式中的 {account} 会被替换
type Route struct {
	Method   string
	Patterns []string
	Dataset  string
}

// InvalidationRouter 按推送方法失效缓存
type InvalidationRouter struct {
	store     Invalidator
	account   string
	routes    map[string][]Route
	refresh   RefreshFunc
	publisher kafka.EventPublisher
	logger    *zap.Logger
}

// NewInvalidationRouter 创建路由，publisher 可为 nil
func NewInvalidationRouter(store Invalidator, account string, routes []Route, publisher kafka.EventPublisher, logger *zap.Logger) *InvalidationRouter {
	if publisher == nil {
		publisher = kafka.NoopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	byMethod := make(map[string][]Route)
	for _, r := range routes {
		byMethod[r.Method] = append(byMethod[r.Method], r)
	}
	return &InvalidationRouter{
		store:     store,
		account:   account,
		routes:    byMethod,
		publisher: publisher,
		logger:    logger.Named("invalidation_router"),
	}
}

// SetRefresh 设置重算钩子
func (r *InvalidationRouter) SetRefresh(fn RefreshFunc) {
	r.refresh = fn
}

// Handle 实现 Handler
func (r *InvalidationRouter) Handle(ctx context.Context, ev Event) error {
	routes := r.routes[ev.Method]
	if len(routes) == 0 {
		return nil
	}

	var errs []error
	for _, route := range routes {
		for _, p := range route.Patterns {
			pattern := strings.ReplaceAll(p, "{account}", r.account)
			n, err := r.store.Invalidate(ctx, pattern)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			r.logger.Debug("invalidated by event",
				zap.String("method", ev.Method),
				zap.String("pattern", pattern),
				zap.Int("keys", n))
			if err := r.publisher.PublishCacheInvalidated(ctx, &model.CacheInvalidatedEvent{
				Pattern:       pattern,
				Keys:          n,
				Source:        "monitor",
				InvalidatedAt: time.Now().UnixMilli(),
			}); err != nil {
				r.logger.Warn("publish cache invalidated failed", zap.String("pattern", pattern), zap.Error(err))
			}
		}
		if route.Dataset != "" && r.refresh != nil {
			if err := r.refresh(ctx, route.Dataset); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
