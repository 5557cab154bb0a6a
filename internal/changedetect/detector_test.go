package changedetect

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-tracker/internal/model"
	"github.com/eidos-exchange/eidos/eidos-tracker/internal/rpc"
)

type memHashStore struct {
	mu      sync.Mutex
	rows    map[string]*model.ChangeHash
	upserts int
}

func newMemHashStore() *memHashStore {
	return &memHashStore{rows: make(map[string]*model.ChangeHash)}
}

func (s *memHashStore) Get(_ context.Context, hashType string) (*model.ChangeHash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.rows[hashType]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (s *memHashStore) Upsert(_ context.Context, h *model.ChangeHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.rows[h.HashType] = &cp
	s.upserts++
	return nil
}

type recordingInvalidator struct {
	patterns []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, p string) (int, error) {
	r.patterns = append(r.patterns, p)
	return 2, nil
}

type recordingPublisher struct {
	changed []*model.DatasetChangedEvent
	err     error
}

func (p *recordingPublisher) PublishDatasetChanged(_ context.Context, e *model.DatasetChangedEvent) error {
	p.changed = append(p.changed, e)
	return p.err
}

func (p *recordingPublisher) PublishCacheInvalidated(context.Context, *model.CacheInvalidatedEvent) error {
	return nil
}

func items(pairs ...string) []Item {
	out := make([]Item, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Item{ID: pairs[i], Value: decimal.RequireFromString(pairs[i+1])})
	}
	return out
}

func TestCanonicalize(t *testing.T) {
	in := items("b", "10", "a", "10", "c", "99.5", "d", "1")
	out := Canonicalize(in, 3)

	require.Len(t, out, 3)
	assert.Equal(t, "c", out[0].ID)
	assert.Equal(t, "a", out[1].ID)
	assert.Equal(t, "b", out[2].ID)
	// 入参不变
	assert.Equal(t, "b", in[0].ID)
}

func TestHash_Stable(t *testing.T) {
	h1, err := Hash(items("a", "1", "b", "2"), 50)
	require.NoError(t, err)
	h2, err := Hash(items("b", "2.0", "a", "1"), 50)
	require.NoError(t, err)
	assert.Len(t, h1, 64)
	// 顺序与末尾零不影响哈希
	assert.Equal(t, h1, h2)

	h3, err := Hash(items("a", "1", "b", "3"), 50)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	// 超出 topN 的条目不影响哈希
	h4, err := Hash(items("a", "1", "b", "2", "z", "0.1"), 2)
	require.NoError(t, err)
	h5, err := Hash(items("a", "1", "b", "2"), 2)
	require.NoError(t, err)
	assert.Equal(t, h4, h5)
}

func TestDetector_Check(t *testing.T) {
	store := newMemHashStore()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	d := NewDetector(store, &recordingInvalidator{}, nil, 0, nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	res, err := d.Check(ctx, "top_holders", items("a", "5", "b", "3"))
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Empty(t, res.Previous)
	assert.Equal(t, 2, res.ItemCount)
	assert.Equal(t, now.UnixMilli(), store.rows["top_holders"].LastUpdated)

	again, err := d.Check(ctx, "top_holders", items("b", "3", "a", "5"))
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, res.Hash, again.Hash)
	assert.Equal(t, 1, store.upserts)

	moved, err := d.Check(ctx, "top_holders", items("a", "5", "b", "4"))
	require.NoError(t, err)
	assert.True(t, moved.Changed)
	assert.Equal(t, res.Hash, moved.Previous)
	assert.Equal(t, 2, store.upserts)
}

func TestDetector_RefreshUnchangedSkipsDownstream(t *testing.T) {
	store := newMemHashStore()
	inv := &recordingInvalidator{}
	pub := &recordingPublisher{}
	d := NewDetector(store, inv, pub, 10, nil)
	d.Depend("top_holders", "holders:*", "supply:*")
	ctx := context.Background()

	calls := 0
	fetch := func(context.Context) ([]Item, error) {
		calls++
		return items("a", "1"), nil
	}

	res, err := d.Refresh(ctx, "top_holders", fetch)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 4, res.Invalidated)
	assert.Equal(t, []string{"holders:*", "supply:*"}, inv.patterns)
	require.Len(t, pub.changed, 1)
	assert.Equal(t, []string{"holders:*", "supply:*"}, pub.changed[0].Patterns)

	res, err = d.Refresh(ctx, "top_holders", fetch)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Len(t, inv.patterns, 2)
	assert.Len(t, pub.changed, 1)
	assert.Equal(t, 2, calls)
}

func TestDetector_RefreshErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	d := NewDetector(newMemHashStore(), &recordingInvalidator{}, pub, 10, nil)

	_, err := d.Refresh(context.Background(), "x", func(context.Context) ([]Item, error) {
		return nil, errors.New("upstream down")
	})
	assert.ErrorContains(t, err, "upstream down")

	// 发布失败不影响结果
	res, err := d.Refresh(context.Background(), "x", func(context.Context) ([]Item, error) {
		return items("a", "1"), nil
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
}

type stubCaller struct {
	result string
	method string
	opts   rpc.CallOptions
}

func (c *stubCaller) Call(_ context.Context, method string, _ []any, opts rpc.CallOptions) (json.RawMessage, error) {
	c.method = method
	c.opts = opts
	return json.RawMessage(c.result), nil
}

func TestGatewayFetcher(t *testing.T) {
	caller := &stubCaller{result: `[{"id":"a","value":"1.5"},{"id":"b","value":2}]`}
	got, err := GatewayFetcher(caller, "getTopHolders", []any{"mint"})(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "getTopHolders", caller.method)
	assert.Empty(t, caller.opts.CacheKey)
	assert.True(t, got[0].Value.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, got[1].Value.Equal(decimal.NewFromInt(2)))

	caller.result = `{"oops":true}`
	_, err = GatewayFetcher(caller, "getTopHolders", nil)(context.Background())
	assert.Error(t, err)
}

func TestDetector_RefreshAllGuarded(t *testing.T) {
	store := newMemHashStore()
	d := NewDetector(store, &recordingInvalidator{}, nil, 10, nil)
	d.Register([]Dataset{{Name: "b", Patterns: []string{"b:*"}}})
	assert.Equal(t, []string{"b:*"}, d.Dependents("b"))

	d.RefreshAll(context.Background(), []Dataset{
		{Name: "a", Fetch: func(context.Context) ([]Item, error) { panic("boom") }},
		{Name: "b", Fetch: func(context.Context) ([]Item, error) { return items("x", "1"), nil }},
	})
	_, ok := store.rows["b"]
	assert.True(t, ok)
}
