// Package service assembles the decision engine, cache, ledger, process
// manager and group sync pipeline from a Config.
package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/accesscontrol"
	"github.com/oarkflow/accesscontrol/evaluators"
	"github.com/oarkflow/accesscontrol/logger"
	"github.com/oarkflow/accesscontrol/stores"
)

// RoleStore is the administrative role contract both role stores satisfy.
type RoleStore interface {
	CreateRole(ctx context.Context, r accesscontrol.Role) error
	GetRole(ctx context.Context, workstreamID, name string) (accesscontrol.Role, error)
	DeleteRole(ctx context.Context, workstreamID, name string) error
	ListRoles(ctx context.Context, workstreamID string) ([]accesscontrol.Role, error)
}

// Service is a fully wired access control instance.
type Service struct {
	Config    *accesscontrol.Config
	Engine    *accesscontrol.Engine
	Checker   accesscontrol.Checker
	Ledger    *accesscontrol.EventLedger
	Processes *accesscontrol.ProcessManager
	GroupSync *accesscontrol.GroupSyncPipeline
	Policies  accesscontrol.PolicyStore
	Roles     RoleStore

	log         logger.Logger
	seedTuples  func(ctx context.Context, tuples []accesscontrol.PolicyTuple) error
	seedAttrs   func(ctx context.Context, userID, workstreamID string, attrs map[string]any) error
	redisCache  *stores.RedisDecisionCache
	memoryCache *accesscontrol.RistrettoDecisionCache
	closers     []func(context.Context) error
}

type backend struct {
	policies accesscontrol.PolicyStore
	roles    RoleStore
	users    accesscontrol.UserAttributeStore
	process  accesscontrol.ProcessStore
	events   accesscontrol.EventStore
	mirror   accesscontrol.GroupMirror
}

// New builds a Service. The group sync pipeline is created but not started;
// call Start. Close releases everything New opened, also on error.
func New(ctx context.Context, cfg *accesscontrol.Config, log logger.Logger) (svc *Service, err error) {
	if cfg == nil {
		cfg = accesscontrol.NewConfigBuilder().Build()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{Config: cfg, log: logger.OrNull(log)}
	defer func() {
		if err != nil {
			_ = s.Close(context.WithoutCancel(ctx))
			svc = nil
		}
	}()

	b, err := s.openStorage(ctx)
	if err != nil {
		return nil, err
	}
	s.Policies, s.Roles = b.policies, b.roles

	if s.Ledger, err = accesscontrol.NewEventLedger(b.events, s.log.With("component", "ledger")); err != nil {
		return nil, err
	}
	if s.Processes, err = accesscontrol.NewProcessManager(b.process, s.Ledger, s.log.With("component", "process")); err != nil {
		return nil, err
	}
	s.Processes.SetClaimNames(cfg.Claims)

	groups := accesscontrol.NewClaimsGroupSource(cfg.Claims)
	opts := append(cfg.EngineOptions(),
		accesscontrol.WithLogger(s.log.With("component", "engine")),
		accesscontrol.WithUserAttributeStore(b.users),
	)
	if cfg.Engine.RecordDecisions {
		opts = append(opts, accesscontrol.WithDecisionRecorder(s.Ledger))
	}
	if s.Engine, err = accesscontrol.NewEngine(b.policies, groups, opts...); err != nil {
		return nil, err
	}
	s.Engine.Evaluators().Register(evaluators.LoansWorkstream, evaluators.NewLoanApprovalEvaluator())

	if s.Checker, err = s.wrapCache(groups); err != nil {
		return nil, err
	}

	if cfg.GroupSync.Enabled {
		syncOpts := append(cfg.GroupSync.Options(),
			accesscontrol.WithSyncClaimNames(cfg.Claims),
			accesscontrol.WithSyncLogger(s.log.With("component", "group_sync")),
		)
		if s.GroupSync, err = accesscontrol.NewGroupSyncPipeline(b.mirror, syncOpts...); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, s.GroupSync.Stop)
	}
	return s, nil
}

func (s *Service) openStorage(ctx context.Context) (backend, error) {
	cfg := s.Config.Storage
	if cfg.Driver == accesscontrol.StorageMemory || cfg.Driver == "" ||
		(cfg.Driver == accesscontrol.StoragePostgres && cfg.DSN == "") {
		b := s.memoryBackend()
		if cfg.Driver == accesscontrol.StoragePostgres {
			return s.withPostgresLedger(ctx, b)
		}
		return b, nil
	}

	sqlDB, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return backend{}, oops.With("dsn", cfg.DSN).Wrapf(err, "open sqlite")
	}
	s.closers = append(s.closers, func(context.Context) error { return sqlDB.Close() })
	// sqlite has a single writer, and every connection to :memory: is a
	// separate database
	sqlDB.SetMaxOpenConns(1)
	db := squealx.NewDb(sqlDB, "sqlite", "accesscontrol")
	if err := stores.Migrate(ctx, db); err != nil {
		return backend{}, err
	}
	policies := stores.NewSQLPolicyStore(db)
	attrs := stores.NewSQLUserAttributeStore(db)
	s.seedTuples = func(ctx context.Context, tuples []accesscontrol.PolicyTuple) error {
		_, err := policies.InsertTuples(ctx, tuples...)
		return err
	}
	s.seedAttrs = attrs.SetAttributes
	b := backend{
		policies: policies,
		roles:    stores.NewSQLRoleStore(db),
		users:    attrs,
		process:  stores.NewSQLProcessStore(db),
		events:   stores.NewSQLEventStore(db),
		mirror:   stores.NewSQLGroupMirror(db),
	}
	if cfg.Driver == accesscontrol.StoragePostgres {
		return s.withPostgresLedger(ctx, b)
	}
	return b, nil
}

func (s *Service) memoryBackend() backend {
	policies := stores.NewMemoryPolicyStore()
	attrs := stores.NewMemoryUserAttributeStore()
	s.seedTuples = func(_ context.Context, tuples []accesscontrol.PolicyTuple) error {
		policies.Add(tuples...)
		return nil
	}
	s.seedAttrs = func(_ context.Context, userID, workstreamID string, a map[string]any) error {
		attrs.Set(userID, workstreamID, a)
		return nil
	}
	return backend{
		policies: policies,
		roles:    stores.NewMemoryRoleStore(),
		users:    attrs,
		process:  stores.NewMemoryProcessStore(),
		events:   stores.NewMemoryEventStore(),
		mirror:   stores.NewMemoryGroupMirror(),
	}
}

func (s *Service) withPostgresLedger(ctx context.Context, b backend) (backend, error) {
	pool, err := pgxpool.New(ctx, s.Config.Storage.LedgerDSN)
	if err != nil {
		return backend{}, oops.Wrapf(err, "connect postgres ledger")
	}
	s.closers = append(s.closers, func(context.Context) error { pool.Close(); return nil })
	if err := stores.MigratePG(ctx, pool); err != nil {
		return backend{}, err
	}
	b.events = stores.NewPGEventStore(pool)
	return b, nil
}

func (s *Service) wrapCache(subject accesscontrol.GroupSource) (accesscontrol.Checker, error) {
	cfg := s.Config.Cache
	var cache accesscontrol.DecisionCache
	switch cfg.Backend {
	case accesscontrol.CacheBackendNone:
		return s.Engine, nil
	case accesscontrol.CacheBackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, oops.Code(accesscontrol.CodeInvalidArgument).Wrapf(err, "parse redis url")
		}
		client := redis.NewClient(opts)
		s.closers = append(s.closers, func(context.Context) error { return client.Close() })
		s.redisCache = stores.NewRedisDecisionCache(client)
		cache = s.redisCache
	default:
		c, err := accesscontrol.NewRistrettoDecisionCache(cfg.RistrettoNumCounter, cfg.RistrettoMaxCost, cfg.RistrettoBuffer)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error { c.Close(); return nil })
		s.memoryCache = c
		cache = c
	}
	var opts []accesscontrol.CachingOption
	if s.Config.Engine.RecordDecisions {
		opts = append(opts, accesscontrol.WithCacheRecorder(s.Ledger))
	}
	return accesscontrol.NewCachingChecker(s.Engine, cache, cfg.TTLDuration(), subject, s.log.With("component", "cache"), opts...), nil
}

// Start launches the group sync workers when group sync is enabled.
func (s *Service) Start(ctx context.Context) {
	if s.GroupSync != nil {
		s.GroupSync.Start(ctx)
	}
}

// Seed writes the roles, tuples and user attributes of the config into the
// stores. It is meant for fresh stores: tuples are appended, not merged.
func (s *Service) Seed(ctx context.Context) error {
	for _, r := range s.Config.Roles {
		if err := s.Roles.CreateRole(ctx, r); err != nil {
			return oops.With("role", r.Name).Wrapf(err, "seed role")
		}
	}
	if tuples := s.Config.PolicyTuples(); len(tuples) > 0 {
		if err := s.seedTuples(ctx, tuples); err != nil {
			return oops.Wrapf(err, "seed tuples")
		}
	}
	for _, a := range s.Config.UserAttributes {
		if err := s.seedAttrs(ctx, a.UserID, a.Workstream, a.Attributes); err != nil {
			return oops.With("user_id", a.UserID).Wrapf(err, "seed user attributes")
		}
	}
	s.log.Info("seeded configuration",
		"roles", len(s.Config.Roles), "tuples", len(s.Config.Tuples), "user_attributes", len(s.Config.UserAttributes))
	return s.InvalidateCache(ctx, "")
}

// InvalidateCache drops cached decisions after a policy change. An empty
// workstreamID clears every workstream.
func (s *Service) InvalidateCache(ctx context.Context, workstreamID string) error {
	switch {
	case s.memoryCache != nil:
		s.memoryCache.Clear()
	case s.redisCache != nil:
		var err error
		if workstreamID != "" {
			_, err = s.redisCache.Invalidate(ctx, workstreamID)
		} else {
			_, err = s.redisCache.InvalidateAll(ctx)
		}
		return err
	}
	return nil
}

// Close stops the pipeline and releases connections in reverse open order.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
