package changedetect

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/rpc"
)

// Caller 上游调用
type Caller interface {
	Call(ctx context.Context, method string, params []any, opts rpc.CallOptions) (json.RawMessage, error)
}

// Dataset 待检测的数据集
type Dataset struct {
	Name     string
	Fetch    Fetcher
	Patterns []string
}

// GatewayFetcher 通过网关拉取快照，结果须为 [{"id":..,"value":..}]
//
// 快照本身不走缓存，否则无法感知变化。
func GatewayFetcher(caller Caller, method string, params []any) Fetcher {
	return func(ctx context.Context) ([]Item, error) {
		raw, err := caller.Call(ctx, method, params, rpc.CallOptions{})
		if err != nil {
			return nil, err
		}
		var items []Item
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", method, err)
		}
		return items, nil
	}
}

// Register 登记数据集依赖
func (d *Detector) Register(datasets []Dataset) {
	for _, ds := range datasets {
		if len(ds.Patterns) > 0 {
			d.Depend(ds.Name, ds.Patterns...)
		}
	}
}

// Run 周期性检测全部数据集，直到 ctx 结束
func (d *Detector) Run(ctx context.Context, interval time.Duration, datasets []Dataset) {
	if len(datasets) == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d.RefreshAll(ctx, datasets)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RefreshAll 检测一轮，单个数据集失败不影响其余
func (d *Detector) RefreshAll(ctx context.Context, datasets []Dataset) {
	for _, ds := range datasets {
		if ctx.Err() != nil {
			return
		}
		d.safeRefresh(ctx, ds)
	}
}

func (d *Detector) safeRefresh(ctx context.Context, ds Dataset) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("change detection panic", zap.String("hash_type", ds.Name), zap.Any("panic", r))
		}
	}()
	if _, err := d.Refresh(ctx, ds.Name, ds.Fetch); err != nil {
		d.logger.Warn("change detection failed", zap.String("hash_type", ds.Name), zap.Error(err))
	}
}
