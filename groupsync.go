package accesscontrol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/oops"

	"github.com/oarkflow/accesscontrol/logger"
)

// MembershipSource records where a group or association came from.
type MembershipSource string

const (
	SourceJWT    MembershipSource = "JWT"
	SourceManual MembershipSource = "Manual"
)

// Group mirrors an identity provider group. DisplayName starts out as the
// external id and is replaced by a separate enrichment step; nil means the
// store never recorded one.
type Group struct {
	ID          int64            `json:"id"`
	ExternalID  string           `json:"externalId"`
	DisplayName *string          `json:"displayName"`
	Source      MembershipSource `json:"source"`
}

// UserGroupAssociation is display data only. Decisions never read it.
type UserGroupAssociation struct {
	UserID      string           `json:"userId"`
	GroupID     int64            `json:"groupId"`
	Source      MembershipSource `json:"source"`
	FirstSeenAt time.Time        `json:"firstSeenAt"`
	LastSeenAt  time.Time        `json:"lastSeenAt"`
}

// GroupMirror is the write side of the display mirror. Every method is a
// single-row upsert.
type GroupMirror interface {
	UpsertUser(ctx context.Context, userID, displayName string, seenAt time.Time) error
	// GetOrCreateGroup defaults the display name to the external id.
	GetOrCreateGroup(ctx context.Context, externalID string, source MembershipSource) (*Group, error)
	UpsertAssociation(ctx context.Context, userID string, groupID int64, source MembershipSource, seenAt time.Time) error
}

type syncJob struct {
	identity Identity
}

// GroupSyncPipeline mirrors token group claims into a GroupMirror on an owned
// worker pool. Submission never blocks the request: a full queue drops the
// job. Jobs run under their own timeout, detached from the request context.
type GroupSyncPipeline struct {
	mirror     GroupMirror
	names      ClaimNames
	log        logger.Logger
	dedup      *ristretto.Cache
	dedupTTL   time.Duration
	jobTimeout time.Duration
	workers    int
	queueSize  int
	clock      func() time.Time

	queue   chan syncJob
	stopCh  chan struct{}
	baseCtx context.Context
	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

type GroupSyncOption func(*GroupSyncPipeline)

func WithSyncWorkers(n int) GroupSyncOption {
	return func(p *GroupSyncPipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithSyncQueueSize(n int) GroupSyncOption {
	return func(p *GroupSyncPipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithSyncDedupTTL sets how long a synced user is skipped. Zero disables
// deduplication.
func WithSyncDedupTTL(d time.Duration) GroupSyncOption {
	return func(p *GroupSyncPipeline) {
		if d >= 0 {
			p.dedupTTL = d
		}
	}
}

func WithSyncJobTimeout(d time.Duration) GroupSyncOption {
	return func(p *GroupSyncPipeline) {
		if d > 0 {
			p.jobTimeout = d
		}
	}
}

func WithSyncLogger(l logger.Logger) GroupSyncOption {
	return func(p *GroupSyncPipeline) {
		p.log = logger.OrNull(l)
	}
}

func WithSyncClaimNames(n ClaimNames) GroupSyncOption {
	return func(p *GroupSyncPipeline) {
		p.names = n.withDefaults()
	}
}

func WithSyncClock(now func() time.Time) GroupSyncOption {
	return func(p *GroupSyncPipeline) {
		if now != nil {
			p.clock = now
		}
	}
}

func NewGroupSyncPipeline(mirror GroupMirror, opts ...GroupSyncOption) (*GroupSyncPipeline, error) {
	if mirror == nil {
		return nil, invalidArgument("group mirror is required")
	}
	p := &GroupSyncPipeline{
		mirror:     mirror,
		names:      DefaultClaimNames(),
		log:        logger.NewNullLogger(),
		dedupTTL:   5 * time.Minute,
		jobTimeout: 10 * time.Second,
		workers:    2,
		queueSize:  256,
		clock:      func() time.Time { return time.Now().UTC() },
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dedupTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e5,
			MaxCost:     1 << 16,
			BufferItems: 64,
		})
		if err != nil {
			return nil, oops.Code(CodeGroupSyncFailed).Wrapf(err, "create dedup cache")
		}
		p.dedup = cache
	}
	p.queue = make(chan syncJob, p.queueSize)
	return p, nil
}

// Start launches the workers. ctx only supplies values to job contexts;
// use Stop to end the pool. A stopped pipeline cannot be restarted.
func (p *GroupSyncPipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.baseCtx = context.WithoutCancel(ctx)
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop lets the workers drain the queue and waits for them, or for ctx. It
// also releases a pipeline that was never started.
func (p *GroupSyncPipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	wasStarted := p.started
	p.started = false
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	var err error
	if wasStarted {
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-done:
		}
	}
	if p.dedup != nil {
		p.dedup.Close()
	}
	return err
}

// SyncFromToken schedules a mirror update for the caller behind claims and
// returns immediately. Users synced within the dedup window are skipped.
func (p *GroupSyncPipeline) SyncFromToken(claims jwt.MapClaims) {
	id, err := IdentityFromClaims(claims, p.names)
	if err != nil {
		p.log.Warn("group sync skipped: unusable claims", "error", err)
		return
	}
	p.submit(id)
}

// submit enqueues without blocking. The read lock only spans the running
// check and the non-blocking send so that Stop cannot close the pool between
// them; concurrent submitters share it. Dedup is advisory and stays outside.
func (p *GroupSyncPipeline) submit(id Identity) bool {
	if p.dedup != nil {
		if _, seen := p.dedup.Get(id.UserID); seen {
			groupSyncCounter.WithLabelValues("deduplicated").Inc()
			return false
		}
		// set before the send so a failing worker's Del lands after it
		p.dedup.SetWithTTL(id.UserID, struct{}{}, 1, p.dedupTTL)
	}

	p.mu.RLock()
	running := p.started
	queued := false
	if running {
		select {
		case p.queue <- syncJob{identity: id}:
			queued = true
		default:
		}
	}
	p.mu.RUnlock()

	if !queued {
		if p.dedup != nil {
			p.dedup.Del(id.UserID)
		}
		groupSyncCounter.WithLabelValues("dropped").Inc()
		if !running {
			p.log.Warn("group sync dropped: pipeline not running", "user_id", id.UserID)
		} else {
			p.log.Warn("group sync dropped: queue full", "user_id", id.UserID, "queue_size", p.queueSize)
		}
		return false
	}
	groupSyncQueueGauge.Set(float64(len(p.queue)))
	return true
}

func (p *GroupSyncPipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.queue:
			p.run(job)
		case <-p.stopCh:
			for {
				select {
				case job := <-p.queue:
					p.run(job)
				default:
					return
				}
			}
		}
	}
}

func (p *GroupSyncPipeline) run(job syncJob) {
	groupSyncQueueGauge.Set(float64(len(p.queue)))
	ctx, cancel := context.WithTimeout(p.baseCtx, p.jobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			groupSyncCounter.WithLabelValues("failed").Inc()
			p.log.Error("group sync panic", "user_id", job.identity.UserID, "panic", fmt.Sprint(r))
		}
	}()
	if failures := p.sync(ctx, job.identity); failures > 0 {
		groupSyncCounter.WithLabelValues("failed").Inc()
		return
	}
	groupSyncCounter.WithLabelValues("processed").Inc()
}

// sync upserts the user, then each group and association. A failing group
// is logged and skipped. It returns the number of failures.
func (p *GroupSyncPipeline) sync(ctx context.Context, id Identity) int {
	now := p.clock()
	if err := p.mirror.UpsertUser(ctx, id.UserID, id.DisplayName, now); err != nil {
		err = oops.Code(CodeGroupSyncFailed).With("user_id", id.UserID).Wrapf(err, "upsert user")
		p.log.Error("group sync failed for user", "user_id", id.UserID, "error", err)
		if p.dedup != nil {
			p.dedup.Del(id.UserID)
		}
		return 1
	}
	failures := 0
	for _, external := range id.Groups {
		g, err := p.mirror.GetOrCreateGroup(ctx, external, SourceJWT)
		if err == nil && g == nil {
			err = fmt.Errorf("mirror returned no group")
		}
		if err == nil {
			err = p.mirror.UpsertAssociation(ctx, id.UserID, g.ID, SourceJWT, now)
		}
		if err != nil {
			failures++
			err = oops.Code(CodeGroupSyncFailed).With("user_id", id.UserID).With("group", external).Wrap(err)
			p.log.Error("group sync failed for group", "user_id", id.UserID, "group", external, "error", err)
		}
	}
	return failures
}
