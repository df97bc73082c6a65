package accesscontrol

import "time"

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version: 1,
			Engine: EngineConfig{
				BatchWorkers: 8,
			},
			Cache: CacheConfig{
				Backend:             CacheBackendMemory,
				TTL:                 DefaultDecisionCacheTTL.Milliseconds(),
				RistrettoNumCounter: 1e5,
				RistrettoMaxCost:    1 << 26,
				RistrettoBuffer:     64,
			},
			GroupSync: GroupSyncConfig{
				Enabled:    true,
				Workers:    2,
				QueueSize:  256,
				DedupTTL:   (5 * time.Minute).Milliseconds(),
				JobTimeout: (10 * time.Second).Milliseconds(),
			},
			Claims:        DefaultClaimNames(),
			BusinessHours: DefaultBusinessHours(),
			Storage:       StorageConfig{Driver: StorageMemory},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) Storage(driver, dsn string) *ConfigBuilder {
	b.cfg.Storage.Driver = driver
	b.cfg.Storage.DSN = dsn
	return b
}

func (b *ConfigBuilder) LedgerDSN(dsn string) *ConfigBuilder {
	b.cfg.Storage.LedgerDSN = dsn
	return b
}

func (b *ConfigBuilder) RedisCache(url string, ttl time.Duration) *ConfigBuilder {
	b.cfg.Cache.Backend = CacheBackendRedis
	b.cfg.Cache.RedisURL = url
	b.cfg.Cache.TTL = ttl.Milliseconds()
	return b
}

func (b *ConfigBuilder) DisableCache() *ConfigBuilder {
	b.cfg.Cache.Backend = CacheBackendNone
	return b
}

func (b *ConfigBuilder) Claims(n ClaimNames) *ConfigBuilder {
	b.cfg.Claims = n.withDefaults()
	return b
}

func (b *ConfigBuilder) BusinessHours(h BusinessHours) *ConfigBuilder {
	b.cfg.BusinessHours = h
	return b
}

func (b *ConfigBuilder) AddRole(name, workstreamID string, system bool) *ConfigBuilder {
	b.cfg.Roles = append(b.cfg.Roles, Role{Name: name, WorkstreamID: workstreamID, IsSystemRole: system, IsActive: true})
	return b
}

// Allow adds a p tuple granting role the action on resourcePattern.
func (b *ConfigBuilder) Allow(role, action, resourcePattern, workstreamID string) *ConfigBuilder {
	return b.permission(role, action, resourcePattern, workstreamID, EffectAllow)
}

func (b *ConfigBuilder) DenyRule(role, action, resourcePattern, workstreamID string) *ConfigBuilder {
	return b.permission(role, action, resourcePattern, workstreamID, EffectDeny)
}

func (b *ConfigBuilder) permission(role, action, resourcePattern, workstreamID string, effect Effect) *ConfigBuilder {
	b.cfg.Tuples = append(b.cfg.Tuples, TupleConfig{
		Type: TuplePermission, V0: role, V1: action, V2: resourcePattern, V4: string(effect), Workstream: workstreamID,
	})
	return b
}

// Bind adds a g tuple making member (a group or user) a holder of role.
func (b *ConfigBuilder) Bind(member, role, workstreamID string) *ConfigBuilder {
	b.cfg.Tuples = append(b.cfg.Tuples, TupleConfig{Type: TupleGrouping, V0: member, V1: role, Workstream: workstreamID})
	return b
}

// Inherit adds a g2 tuple making role inherit parent.
func (b *ConfigBuilder) Inherit(role, parent, workstreamID string) *ConfigBuilder {
	b.cfg.Tuples = append(b.cfg.Tuples, TupleConfig{Type: TupleRoleGrouping, V0: role, V1: parent, Workstream: workstreamID})
	return b
}

func (b *ConfigBuilder) UserAttributes(userID, workstreamID string, attrs map[string]any) *ConfigBuilder {
	b.cfg.UserAttributes = append(b.cfg.UserAttributes, UserAttributeSeedConfig{UserID: userID, Workstream: workstreamID, Attributes: attrs})
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) GroupSyncSettings(fn func(*GroupSyncConfig)) *ConfigBuilder {
	fn(&b.cfg.GroupSync)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}
