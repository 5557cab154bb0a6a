package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/rpc"
)

type wsServer struct {
	*httptest.Server
	conns atomic.Int32
	subs  chan rpc.Request
}

// newWSServer 每个连接先应答订阅，再交给 serve
func newWSServer(t *testing.T, serve func(conn *websocket.Conn, n int32)) *wsServer {
	t.Helper()
	s := &wsServer{subs: make(chan rpc.Request, 16)}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := s.conns.Add(1)

		var req rpc.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		s.subs <- req
		_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": 42})
		serve(conn, n)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func notification(i int) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"method":  "accountNotification",
		"params": map[string]any{
			"subscription": 42,
			"result":       map[string]any{"slot": i},
		},
	}
}

func waitUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func runMonitor(t *testing.T, m *Monitor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("monitor did not stop")
		}
	})
	return cancel
}

func TestMonitor_SubscribeAndDispatch(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, _ int32) {
		for i := 0; i < 3; i++ {
			_ = conn.WriteJSON(notification(i))
		}
		waitUntilClosed(conn)
	})

	m := NewMonitor(Config{URL: srv.wsURL(), Account: "Acc1", DrainRate: 1000}, nil)
	var mu sync.Mutex
	var got []Event
	m.OnEvent(func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		return nil
	})
	runMonitor(t, m)

	req := <-srv.subs
	assert.Equal(t, "accountSubscribe", req.Method)
	require.Len(t, req.Params, 2)
	assert.Equal(t, "Acc1", req.Params[0])

	assert.Eventually(t, func() bool {
		return m.Stats().Dispatched == 3
	}, 3*time.Second, 10*time.Millisecond)

	st := m.Stats()
	assert.True(t, st.Connected)
	assert.Equal(t, "42", st.SubscriptionID)
	assert.Equal(t, int64(3), st.Received)
	assert.Zero(t, st.Dropped)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, "accountNotification", got[0].Method)
	assert.Equal(t, "42", got[0].Subscription)
	assert.JSONEq(t, `{"slot":2}`, string(got[2].Result))
}

func TestMonitor_Reconnects(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, n int32) {
		if n == 1 {
			return
		}
		waitUntilClosed(conn)
	})

	m := NewMonitor(Config{URL: srv.wsURL(), ReconnectDelay: 10 * time.Millisecond}, nil)
	runMonitor(t, m)

	assert.Eventually(t, func() bool {
		st := m.Stats()
		return srv.conns.Load() == 2 && st.Connected && st.Reconnects == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestMonitor_DialFailureKeepsRetrying(t *testing.T) {
	m := NewMonitor(Config{URL: "ws://127.0.0.1:1/none", ReconnectDelay: 5 * time.Millisecond}, nil)
	runMonitor(t, m)

	assert.Eventually(t, func() bool {
		return m.Stats().Reconnects >= 3
	}, 3*time.Second, 5*time.Millisecond)
	assert.False(t, m.Stats().Connected)
}

func TestMonitor_SubscribeRejected(t *testing.T) {
	m := NewMonitor(Config{}, nil)
	err := m.handleMessage([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"bad account"}}`), 1)
	assert.ErrorIs(t, err, ErrSubscribeRejected)

	// 其他请求的应答忽略
	assert.NoError(t, m.handleMessage([]byte(`{"jsonrpc":"2.0","id":7,"result":1}`), 1))
	assert.NoError(t, m.handleMessage([]byte(`not json`), 1))
	assert.Zero(t, m.Stats().Received)
}

func TestMonitor_QueueFullDrops(t *testing.T) {
	m := NewMonitor(Config{QueueSize: 1}, nil)
	assert.True(t, m.enqueue(Event{Method: "a"}))
	assert.False(t, m.enqueue(Event{Method: "b"}))

	st := m.Stats()
	assert.Equal(t, int64(1), st.Dropped)
	assert.Equal(t, 1, st.QueueLen)
}

func TestMonitor_HandlersGuarded(t *testing.T) {
	m := NewMonitor(Config{}, nil)
	called := 0
	m.OnEvent(func(context.Context, Event) error { panic("boom") })
	m.OnEvent(func(context.Context, Event) error { return errors.New("failed") })
	m.OnEvent(func(context.Context, Event) error {
		called++
		return nil
	})

	m.dispatch(context.Background(), Event{Method: "accountNotification"})
	assert.Equal(t, 1, called)
	assert.Equal(t, int64(1), m.Stats().Dispatched)
}

func TestMonitor_DrainRateLimited(t *testing.T) {
	m := NewMonitor(Config{DrainRate: 20}, nil)
	var count atomic.Int32
	m.OnEvent(func(context.Context, Event) error {
		count.Add(1)
		return nil
	})
	for i := 0; i < 10; i++ {
		m.enqueue(Event{Method: "accountNotification"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := time.Now()
	go m.drain(ctx)

	assert.Eventually(t, func() bool { return count.Load() == 10 }, 3*time.Second, 5*time.Millisecond)
	// 20/s，突发 1，10 个事件至少 450ms
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

type recordingInvalidator struct {
	mu       sync.Mutex
	patterns []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, p string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, p)
	return 1, nil
}

func TestInvalidationRouter(t *testing.T) {
	inv := &recordingInvalidator{}
	router := NewInvalidationRouter(inv, "Acc1", []Route{
		{Method: "accountNotification", Patterns: []string{"balance:{account}:*", "holders:*"}, Dataset: "top_holders"},
		{Method: "programNotification", Patterns: []string{"program:*"}},
	}, nil, nil)

	var refreshed []string
	router.SetRefresh(func(_ context.Context, ds string) error {
		refreshed = append(refreshed, ds)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, router.Handle(ctx, Event{Method: "accountNotification", Result: json.RawMessage(`{}`)}))
	assert.Equal(t, []string{"balance:Acc1:*", "holders:*"}, inv.patterns)
	assert.Equal(t, []string{"top_holders"}, refreshed)

	require.NoError(t, router.Handle(ctx, Event{Method: "slotNotification"}))
	assert.Len(t, inv.patterns, 2)

	router.SetRefresh(func(context.Context, string) error { return errors.New("refresh failed") })
	assert.Error(t, router.Handle(ctx, Event{Method: "accountNotification"}))
}
