// Package monitor 上游推送订阅，事件入队后限速分发给失效处理器
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/rpc"
)

// ErrSubscribeRejected 上游拒绝订阅
var ErrSubscribeRejected = errors.New("subscription rejected")

// Event 推送事件
type Event struct {
	Method       string          `json:"method"`
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// Handler 事件处理器
type Handler func(ctx context.Context, ev Event) error

// Config 订阅配置
type Config struct {
	URL             string
	SubscribeMethod string
	Account         string
	Commitment      string
	QueueSize       int
	DrainRate       int // 每秒事件数
	ReconnectDelay  time.Duration
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteWait       time.Duration
}

func (c *Config) setDefaults() {
	if c.SubscribeMethod == "" {
		c.SubscribeMethod = "accountSubscribe"
	}
	if c.Commitment == "" {
		c.Commitment = "confirmed"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.DrainRate <= 0 {
		c.DrainRate = 50
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
}

// Stats 订阅状态
type Stats struct {
	Connected      bool   `json:"connected"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Reconnects     int64  `json:"reconnects"`
	Received       int64  `json:"received"`
	Dropped        int64  `json:"dropped"`
	Dispatched     int64  `json:"dispatched"`
	QueueLen       int    `json:"queue_len"`
}

// Monitor 推送订阅监听器
type Monitor struct {
	cfg     Config
	dialer  *websocket.Dialer
	queue   chan Event
	limiter *rate.Limiter
	logger  *zap.Logger

	handlersMu sync.RWMutex
	handlers   []Handler

	subMu          sync.RWMutex
	subscriptionID string

	connected  atomic.Bool
	reconnects atomic.Int64
	received   atomic.Int64
	dropped    atomic.Int64
	dispatched atomic.Int64
	requestID  atomic.Uint64
}

// NewMonitor 创建监听器
func NewMonitor(cfg Config, logger *zap.Logger) *Monitor {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.WriteWait},
		queue:   make(chan Event, cfg.QueueSize),
		limiter: rate.NewLimiter(rate.Limit(cfg.DrainRate), 1),
		logger:  logger.Named("event_monitor"),
	}
}

// OnEvent 注册事件处理器
func (m *Monitor) OnEvent(h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Stats 返回当前状态
func (m *Monitor) Stats() Stats {
	m.subMu.RLock()
	sub := m.subscriptionID
	m.subMu.RUnlock()
	return Stats{
		Connected:      m.connected.Load(),
		SubscriptionID: sub,
		Reconnects:     m.reconnects.Load(),
		Received:       m.received.Load(),
		Dropped:        m.dropped.Load(),
		Dispatched:     m.dispatched.Load(),
		QueueLen:       len(m.queue),
	}
}

// Run 订阅并分发，断线后固定间隔重连，直到 ctx 结束
func (m *Monitor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.drain(ctx)
	}()

	for {
		err := m.session(ctx)
		if ctx.Err() != nil {
			break
		}
		m.logger.Warn("subscription lost, reconnecting",
			zap.String("url", m.cfg.URL),
			zap.Duration("delay", m.cfg.ReconnectDelay),
			zap.Error(err))

		select {
		case <-ctx.Done():
		case <-time.After(m.cfg.ReconnectDelay):
		}
		if ctx.Err() != nil {
			break
		}
		m.reconnects.Add(1)
		metrics.MonitorReconnectsTotal.Inc()
	}

	wg.Wait()
}

// session 单次连接生命周期
func (m *Monitor) session(ctx context.Context) error {
	conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	sessionID := uuid.NewString()
	logger := m.logger.With(zap.String("session", sessionID))

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	defer func() {
		m.connected.Store(false)
		m.setSubscription("")
	}()

	reqID := m.requestID.Add(1)
	req := rpc.Request{
		JSONRPC: rpc.JSONRPCVersion,
		ID:      reqID,
		Method:  m.cfg.SubscribeMethod,
		Params: []any{
			m.cfg.Account,
			map[string]string{"commitment": m.cfg.Commitment, "encoding": "jsonParsed"},
		},
	}
	conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))
		return nil
	})
	go m.pingLoop(sessCtx, conn)

	m.connected.Store(true)
	logger.Info("subscription connected", zap.String("url", m.cfg.URL), zap.String("account", m.cfg.Account))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))
		if err := m.handleMessage(data, reqID); err != nil {
			return err
		}
	}
}

func (m *Monitor) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteWait)); err != nil {
				m.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

// envelope 兼容订阅响应与推送
type envelope struct {
	ID     *uint64                `json:"id"`
	Result json.RawMessage        `json:"result"`
	Error  *rpc.ResponseError     `json:"error"`
	Method string                 `json:"method"`
	Params rpc.NotificationParams `json:"params"`
}

func (m *Monitor) handleMessage(data []byte, reqID uint64) error {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Debug("invalid message", zap.Error(err))
		metrics.RecordMonitorEvent("invalid")
		return nil
	}

	if msg.ID != nil {
		if *msg.ID != reqID {
			return nil
		}
		if msg.Error != nil {
			return fmt.Errorf("%w: %s", ErrSubscribeRejected, msg.Error.Error())
		}
		sub := strings.Trim(string(msg.Result), `"`)
		m.setSubscription(sub)
		m.logger.Info("subscribed", zap.String("subscription", sub))
		return nil
	}

	if !strings.HasSuffix(msg.Method, "Notification") {
		return nil
	}
	m.received.Add(1)
	m.enqueue(Event{
		Method:       msg.Method,
		Subscription: strings.Trim(string(msg.Params.Subscription), `"`),
		Result:       msg.Params.Result,
		ReceivedAt:   time.Now(),
	})
	return nil
}

func (m *Monitor) setSubscription(id string) {
	m.subMu.Lock()
	m.subscriptionID = id
	m.subMu.Unlock()
}

// enqueue 队列满时丢弃
func (m *Monitor) enqueue(ev Event) bool {
	select {
	case m.queue <- ev:
		metrics.RecordMonitorEvent("queued")
		return true
	default:
		m.dropped.Add(1)
		metrics.RecordMonitorEvent("dropped")
		m.logger.Warn("event queue full, dropping event", zap.String("method", ev.Method))
		return false
	}
}

func (m *Monitor) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.queue:
			if err := m.limiter.Wait(ctx); err != nil {
				return
			}
			m.dispatch(ctx, ev)
		}
	}
}

func (m *Monitor) dispatch(ctx context.Context, ev Event) {
	m.handlersMu.RLock()
	handlers := append([]Handler(nil), m.handlers...)
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		m.safeHandle(ctx, h, ev)
	}
	m.dispatched.Add(1)
	metrics.RecordMonitorEvent("dispatched")
}

func (m *Monitor) safeHandle(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panic", zap.String("method", ev.Method), zap.Any("panic", r))
		}
	}()
	if err := h(ctx, ev); err != nil {
		metrics.RecordMonitorEvent("handler_error")
		m.logger.Warn("event handler failed", zap.String("method", ev.Method), zap.Error(err))
	}
}
