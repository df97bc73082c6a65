package accesscontrol

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/samber/oops"

	"github.com/oarkflow/accesscontrol/logger"
	"github.com/oarkflow/accesscontrol/utils"
)

// CacheKeyPrefix starts every decision cache key.
const CacheKeyPrefix = "accesscontrol:check:"

// DefaultDecisionCacheTTL is the absolute expiration of a cached decision.
const DefaultDecisionCacheTTL = 5 * time.Minute

// DecisionCache is the cache-aside backend. Implementations must be safe for
// concurrent use; errors are advisory.
type DecisionCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CacheKey renders accesscontrol:check:{workstream}:{resource}:{action}.
// Segments are escaped so that ':' and '/' inside a resource cannot collide
// with the delimiters.
func CacheKey(workstreamID, resource, action string) string {
	return CacheKeyPrefix +
		utils.EscapeKeySegment(workstreamID) + ":" +
		utils.EscapeKeySegment(resource) + ":" +
		utils.EscapeKeySegment(action)
}

// CacheKeyPattern is a Redis SCAN/KEYS glob matching every key of
// workstreamID.
func CacheKeyPattern(workstreamID string) string {
	seg := utils.EscapeKeySegment(workstreamID)
	var b strings.Builder
	for _, r := range seg {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return CacheKeyPrefix + b.String() + ":*"
}

// RistrettoDecisionCache is the in-process DecisionCache.
type RistrettoDecisionCache struct {
	cache *ristretto.Cache
}

func NewRistrettoDecisionCache(numCounters, maxCost, bufferItems int64) (*RistrettoDecisionCache, error) {
	if numCounters <= 0 {
		numCounters = 1e5
	}
	if maxCost <= 0 {
		maxCost = 1 << 26
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, oops.Code(CodeCacheUnavailable).Wrapf(err, "create ristretto cache")
	}
	return &RistrettoDecisionCache{cache: c}, nil
}

func (r *RistrettoDecisionCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := r.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, oops.Code(CodeCacheUnavailable).With("key", key).Errorf("unexpected cached value %T", v)
	}
	return b, true, nil
}

// Set stores value. Ristretto may refuse an item under admission pressure;
// that is not an error for an advisory cache.
func (r *RistrettoDecisionCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if r.cache.SetWithTTL(key, value, int64(len(value)), ttl) {
		r.cache.Wait()
	}
	return nil
}

// Clear drops every cached decision, e.g. after a policy change.
func (r *RistrettoDecisionCache) Clear() { r.cache.Clear() }

func (r *RistrettoDecisionCache) Close() { r.cache.Close() }

// CachingChecker is a cache-aside decorator. Requests with entity data skip
// the cache entirely, and any cache failure falls through to the wrapped
// checker. Hits are logged, counted and recorded like fresh decisions.
type CachingChecker struct {
	inner    Checker
	cache    DecisionCache
	ttl      time.Duration
	subject  GroupSource
	recorder DecisionRecorder
	log      logger.Logger
}

type CachingOption func(*CachingChecker)

// WithCacheRecorder records every decision served from the cache. Pass the
// recorder the wrapped engine uses; misses are recorded by the engine.
func WithCacheRecorder(r DecisionRecorder) CachingOption {
	return func(c *CachingChecker) {
		c.recorder = r
	}
}

// NewCachingChecker wraps inner. When subject is non-nil the caller's user
// id is appended to every key, so one caller's grant is never served to
// another; pass nil only when every call runs as the same principal.
func NewCachingChecker(inner Checker, cache DecisionCache, ttl time.Duration, subject GroupSource, log logger.Logger, opts ...CachingOption) *CachingChecker {
	if ttl <= 0 {
		ttl = DefaultDecisionCacheTTL
	}
	c := &CachingChecker{inner: inner, cache: cache, ttl: ttl, subject: subject, log: logger.OrNull(log)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CachingChecker) Check(ctx context.Context, req CheckRequest) (*DecisionResult, error) {
	if req.EntityData != nil || c.cache == nil {
		cacheCounter.WithLabelValues("bypass").Inc()
		return c.inner.Check(ctx, req)
	}
	started := time.Now()
	ws := req.WorkstreamID
	if ws == "" {
		ws = WorkstreamID(ctx)
	}
	key, actor, ok := c.key(ctx, ws, req.Resource, req.Action)
	if !ok {
		cacheCounter.WithLabelValues("bypass").Inc()
		return c.inner.Check(ctx, req)
	}
	if res, hit := c.read(ctx, key); hit {
		c.served(ctx, actor, res, started)
		return res, nil
	}
	res, err := c.inner.Check(ctx, req)
	if err != nil || res == nil {
		return res, err
	}
	c.write(ctx, key, res)
	return res, nil
}

// CheckBatch serves hits from the cache and sends the misses to the wrapped
// checker as one batch. Output order matches items.
func (c *CachingChecker) CheckBatch(ctx context.Context, workstreamID string, items []CheckItem) ([]*DecisionResult, error) {
	ws := workstreamID
	if ws == "" {
		ws = WorkstreamID(ctx)
	}
	if c.cache == nil || ws == "" {
		return c.inner.CheckBatch(ctx, workstreamID, items)
	}
	started := time.Now()
	results := make([]*DecisionResult, len(items))
	keys := make([]string, len(items))
	var missIdx []int
	var missItems []CheckItem
	for i, it := range items {
		key, actor, ok := c.key(ctx, ws, it.Resource, it.Action)
		if ok {
			keys[i] = key
			if res, hit := c.read(ctx, key); hit {
				c.served(ctx, actor, res, started)
				results[i] = res
				continue
			}
		}
		missIdx = append(missIdx, i)
		missItems = append(missItems, it)
	}
	if len(missItems) == 0 {
		return results, nil
	}
	fresh, err := c.inner.CheckBatch(ctx, ws, missItems)
	for j, idx := range missIdx {
		if j >= len(fresh) || fresh[j] == nil {
			results[idx] = &DecisionResult{
				Resource:     items[idx].Resource,
				Action:       items[idx].Action,
				WorkstreamID: ws,
				Reason:       DefaultDenyReason,
				Outcome:      OutcomeDeny,
			}
			continue
		}
		results[idx] = fresh[j]
		if err == nil && keys[idx] != "" {
			c.write(ctx, keys[idx], fresh[j])
		}
	}
	return results, err
}

// served does for a cache hit what the engine does for a fresh decision.
func (c *CachingChecker) served(ctx context.Context, actor Identity, res *DecisionResult, started time.Time) {
	observeDecision(res.WorkstreamID, res.Outcome, started)
	c.log.Info("access decision",
		"workstream", res.WorkstreamID,
		"resource", res.Resource,
		"action", res.Action,
		"allowed", res.Allowed,
		"cached", true,
		"user_id", actor.UserID,
		"request_id", RequestID(ctx),
		"process_id", BusinessProcessID(ctx),
		"reason", res.Reason,
	)
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordDecision(ctx, actor, res); err != nil {
		c.log.Error("record decision failed", "workstream", res.WorkstreamID, "resource", res.Resource, "error", err)
	}
}

func (c *CachingChecker) key(ctx context.Context, ws, resource, action string) (string, Identity, bool) {
	if ws == "" || resource == "" || action == "" {
		return "", Identity{}, false
	}
	key := CacheKey(ws, resource, action)
	if c.subject == nil {
		return key, Identity{}, true
	}
	id, err := c.subject.Identity(ctx)
	if err != nil || id.UserID == "" {
		return "", Identity{}, false
	}
	return key + ":" + utils.EscapeKeySegment(id.UserID), id, true
}

func (c *CachingChecker) read(ctx context.Context, key string) (*DecisionResult, bool) {
	raw, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		cacheCounter.WithLabelValues("error").Inc()
		c.log.Warn("decision cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		cacheCounter.WithLabelValues("miss").Inc()
		return nil, false
	}
	var res DecisionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		cacheCounter.WithLabelValues("error").Inc()
		c.log.Warn("decision cache entry undecodable", "key", key, "error", err)
		return nil, false
	}
	switch {
	case res.Outcome == OutcomeAborted:
		return nil, false
	case res.Allowed:
		res.Outcome = OutcomeAllow
	default:
		res.Outcome = OutcomeDeny
	}
	cacheCounter.WithLabelValues("hit").Inc()
	return &res, true
}

func (c *CachingChecker) write(ctx context.Context, key string, res *DecisionResult) {
	if res.Outcome == OutcomeAborted || res.failed {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		cacheCounter.WithLabelValues("write_error").Inc()
		c.log.Warn("decision cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.cache.Set(ctx, key, raw, c.ttl); err != nil {
		cacheCounter.WithLabelValues("write_error").Inc()
		c.log.Warn("decision cache write failed", "key", key, "error", err)
	}
}
