package accesscontrol

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingChecker struct {
	checks  atomic.Int32
	batches atomic.Int32
	allow   bool
}

func (c *countingChecker) Check(ctx context.Context, req CheckRequest) (*DecisionResult, error) {
	c.checks.Add(1)
	if err := ctx.Err(); err != nil {
		return &DecisionResult{Resource: req.Resource, Action: req.Action, Outcome: OutcomeAborted}, abortedError(ctx, "check")
	}
	return c.result(req.Resource, req.Action, req.WorkstreamID), nil
}

func (c *countingChecker) CheckBatch(_ context.Context, ws string, items []CheckItem) ([]*DecisionResult, error) {
	c.batches.Add(1)
	out := make([]*DecisionResult, len(items))
	for i, it := range items {
		c.checks.Add(1)
		out[i] = c.result(it.Resource, it.Action, ws)
	}
	return out, nil
}

func (c *countingChecker) result(resource, action, ws string) *DecisionResult {
	res := &DecisionResult{Resource: resource, Action: action, WorkstreamID: ws, Allowed: c.allow, Outcome: OutcomeDeny}
	if c.allow {
		res.Outcome = OutcomeAllow
	} else {
		res.Reason = "no"
	}
	return res
}

type mapCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttls    map[string]time.Duration
	failGet bool
	failSet bool
}

func newMapCache() *mapCache {
	return &mapCache{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, false, errors.New("cache down")
	}
	b, ok := m.data[key]
	return b, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet {
		return errors.New("cache down")
	}
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "accesscontrol:check:loans:Loan%2F1:approve", CacheKey("loans", "Loan/1", "approve"))
	assert.NotEqual(t, CacheKey("a", "b:c", "d"), CacheKey("a:b", "c", "d"))
	assert.Equal(t, `accesscontrol:check:\*:*`, CacheKeyPattern(GlobalWorkstream))
}

func TestCachingCheckerServesRepeatsFromCache(t *testing.T) {
	inner := &countingChecker{allow: true}
	cache := newMapCache()
	c := NewCachingChecker(inner, cache, 0, nil, nil)
	req := CheckRequest{Resource: "Loan/1", Action: "view", WorkstreamID: "loans"}

	first, err := c.Check(context.Background(), req)
	require.NoError(t, err)
	second, err := c.Check(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int32(1), inner.checks.Load())
	assert.Equal(t, first.Allowed, second.Allowed)
	assert.Equal(t, OutcomeAllow, second.Outcome)
	assert.Equal(t, DefaultDecisionCacheTTL, cache.ttls[CacheKey("loans", "Loan/1", "view")])
}

func TestCachingCheckerBypassesWithEntityData(t *testing.T) {
	inner := &countingChecker{allow: true}
	cache := newMapCache()
	c := NewCachingChecker(inner, cache, time.Minute, nil, nil)
	req := CheckRequest{Resource: "Loan/1", Action: "approve", WorkstreamID: "loans", EntityData: map[string]any{}}
	for i := 0; i < 3; i++ {
		_, err := c.Check(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), inner.checks.Load())
	assert.Empty(t, cache.data)
}

func TestCachingCheckerFallsThroughOnCacheFailure(t *testing.T) {
	inner := &countingChecker{allow: true}
	cache := newMapCache()
	cache.failGet, cache.failSet = true, true
	c := NewCachingChecker(inner, cache, time.Minute, nil, nil)
	res, err := c.Check(context.Background(), CheckRequest{Resource: "Loan/1", Action: "view", WorkstreamID: "loans"})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCachingCheckerIgnoresUndecodableEntries(t *testing.T) {
	inner := &countingChecker{}
	cache := newMapCache()
	cache.data[CacheKey("loans", "Loan/1", "view")] = []byte("{not json")
	c := NewCachingChecker(inner, cache, time.Minute, nil, nil)
	res, err := c.Check(context.Background(), CheckRequest{Resource: "Loan/1", Action: "view", WorkstreamID: "loans"})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int32(1), inner.checks.Load())
}

func TestCachingCheckerNeverCachesAborted(t *testing.T) {
	inner := &countingChecker{allow: true}
	cache := newMapCache()
	c := NewCachingChecker(inner, cache, time.Minute, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Check(ctx, CheckRequest{Resource: "Loan/1", Action: "view", WorkstreamID: "loans"})
	require.Error(t, err)
	assert.Empty(t, cache.data)
}

func TestCachingCheckerSeparatesUsers(t *testing.T) {
	inner := &countingChecker{allow: true}
	cache := newMapCache()
	c := NewCachingChecker(inner, cache, time.Minute, NewClaimsGroupSource(ClaimNames{}), nil)
	req := CheckRequest{Resource: "Loan/1", Action: "view", WorkstreamID: "loans"}
	for _, user := range []string{"u1", "u2", "u1"} {
		ctx := WithClaims(context.Background(), map[string]any{"oid": user})
		_, err := c.Check(ctx, req)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), inner.checks.Load())
	assert.Len(t, cache.data, 2)
}

func TestCachingCheckerBatchMergesHitsAndMisses(t *testing.T) {
	inner := &countingChecker{allow: true}
	cache := newMapCache()
	c := NewCachingChecker(inner, cache, time.Minute, nil, nil)
	ctx := context.Background()
	_, err := c.Check(ctx, CheckRequest{Resource: "Loan/2", Action: "view", WorkstreamID: "loans"})
	require.NoError(t, err)

	items := []CheckItem{{"Loan/1", "view"}, {"Loan/2", "view"}, {"Loan/3", "view"}}
	results, err := c.CheckBatch(ctx, "loans", items)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, items[i].Resource, r.Resource)
		assert.True(t, r.Allowed)
	}
	assert.Equal(t, int32(3), inner.checks.Load())
	assert.Equal(t, int32(1), inner.batches.Load())
}

func TestRistrettoDecisionCache(t *testing.T) {
	c, err := NewRistrettoDecisionCache(0, 0, 0)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []byte(`{"allowed":true}`), time.Minute))
	b, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"allowed":true}`, string(b))

	c.Clear()
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestCachingCheckerOverEngineWithRistretto(t *testing.T) {
	store := &countingStore{tupleStore: tupleStore{
		Grouping("grp-a", "viewer", "loans"),
		Permission("viewer", "view", "Loan/*", "loans", EffectAllow),
	}}
	engine, err := NewEngine(store, GroupSourceFunc(func(context.Context) (Identity, error) {
		return Identity{UserID: "u1", Groups: []string{"grp-a"}}, nil
	}))
	require.NoError(t, err)
	cache, err := NewRistrettoDecisionCache(1e4, 1<<20, 64)
	require.NoError(t, err)
	defer cache.Close()
	c := NewCachingChecker(engine, cache, time.Minute, nil, nil)

	for i := 0; i < 4; i++ {
		res, err := c.Check(context.Background(), CheckRequest{Resource: "Loan/1", Action: "view", WorkstreamID: "loans"})
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	assert.Equal(t, int32(1), store.calls.Load())
}

type countingStore struct {
	tupleStore
	calls atomic.Int32
}

func (s *countingStore) ListTuples(ctx context.Context, ws string) ([]PolicyTuple, error) {
	s.calls.Add(1)
	return s.tupleStore.ListTuples(ctx, ws)
}

type recordedDecision struct {
	actor Identity
	res   DecisionResult
}

type memoryRecorder struct {
	mu  sync.Mutex
	got []recordedDecision
}

func (r *memoryRecorder) RecordDecision(_ context.Context, actor Identity, res *DecisionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, recordedDecision{actor: actor, res: *res})
	return nil
}

func (r *memoryRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestCachingCheckerRecordsHits(t *testing.T) {
	store := &countingStore{tupleStore: tupleStore{
		Grouping("grp-a", "viewer", "loans"),
		Permission("viewer", "view", "Loan/*", "loans", EffectAllow),
	}}
	subject := GroupSourceFunc(func(context.Context) (Identity, error) {
		return Identity{UserID: "u1", Groups: []string{"grp-a"}}, nil
	})
	rec := &memoryRecorder{}
	engine, err := NewEngine(store, subject, WithDecisionRecorder(rec))
	require.NoError(t, err)
	c := NewCachingChecker(engine, newMapCache(), time.Minute, subject, nil, WithCacheRecorder(rec))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := c.Check(ctx, CheckRequest{Resource: "Loan/1", Action: "view", WorkstreamID: "loans"})
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	assert.Equal(t, int32(1), store.calls.Load())
	require.Equal(t, 2, rec.count())
	for _, d := range rec.got {
		assert.Equal(t, "u1", d.actor.UserID)
		assert.Equal(t, "Loan/1", d.res.Resource)
		assert.True(t, d.res.Allowed)
	}

	items := []CheckItem{{Resource: "Loan/1", Action: "view"}, {Resource: "Loan/2", Action: "view"}}
	_, err = c.CheckBatch(ctx, "loans", items)
	require.NoError(t, err)
	assert.Equal(t, 4, rec.count(), "one hit and one miss")
	_, err = c.CheckBatch(ctx, "loans", items)
	require.NoError(t, err)
	assert.Equal(t, 6, rec.count(), "two hits")
	assert.Equal(t, int32(2), store.calls.Load())
}

type flakyStore struct {
	countingStore
	down atomic.Bool
}

func (s *flakyStore) ListTuples(ctx context.Context, ws string) ([]PolicyTuple, error) {
	if s.down.Load() {
		s.calls.Add(1)
		return nil, errors.New("connection refused")
	}
	return s.countingStore.ListTuples(ctx, ws)
}

func TestCachingCheckerDoesNotCacheFailureDenies(t *testing.T) {
	store := &flakyStore{countingStore: countingStore{tupleStore: tupleStore{
		Grouping("grp-a", "viewer", "loans"),
		Permission("viewer", "view", "Loan/*", "loans", EffectAllow),
	}}}
	engine, err := NewEngine(store, GroupSourceFunc(func(context.Context) (Identity, error) {
		return Identity{UserID: "u1", Groups: []string{"grp-a"}}, nil
	}))
	require.NoError(t, err)
	cache := newMapCache()
	c := NewCachingChecker(engine, cache, time.Minute, nil, nil)
	ctx := context.Background()
	req := CheckRequest{Resource: "Loan/1", Action: "view", WorkstreamID: "loans"}

	store.down.Store(true)
	res, err := c.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, DefaultDenyReason, res.Reason)
	results, err := c.CheckBatch(ctx, "loans", []CheckItem{{Resource: "Loan/2", Action: "view"}})
	require.NoError(t, err)
	assert.False(t, results[0].Allowed)
	assert.Empty(t, cache.data)

	store.down.Store(false)
	res, err = c.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "store is consulted again after recovery")
	results, err = c.CheckBatch(ctx, "loans", []CheckItem{{Resource: "Loan/2", Action: "view"}})
	require.NoError(t, err)
	assert.True(t, results[0].Allowed)
	assert.Equal(t, int32(4), store.calls.Load())
	assert.Len(t, cache.data, 2)
}

func TestCachingCheckerCachesPolicyDenies(t *testing.T) {
	store := &countingStore{tupleStore: tupleStore{
		Permission("viewer", "view", "Loan/*", "loans", EffectAllow),
	}}
	engine, err := NewEngine(store, GroupSourceFunc(func(context.Context) (Identity, error) {
		return Identity{UserID: "u1", Groups: []string{"grp-other"}}, nil
	}))
	require.NoError(t, err)
	c := NewCachingChecker(engine, newMapCache(), time.Minute, nil, nil)
	for i := 0; i < 3; i++ {
		res, err := c.Check(context.Background(), CheckRequest{Resource: "Loan/1", Action: "view", WorkstreamID: "loans"})
		require.NoError(t, err)
		assert.False(t, res.Allowed)
	}
	assert.Equal(t, int32(1), store.calls.Load())
}
