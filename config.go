package accesscontrol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Version        uint16                    `json:"version" yaml:"version"`
	Engine         EngineConfig              `json:"engine" yaml:"engine"`
	Cache          CacheConfig               `json:"cache" yaml:"cache"`
	GroupSync      GroupSyncConfig           `json:"group_sync" yaml:"group_sync"`
	Claims         ClaimNames                `json:"claims" yaml:"claims"`
	BusinessHours  BusinessHours             `json:"business_hours" yaml:"business_hours"`
	Storage        StorageConfig             `json:"storage" yaml:"storage"`
	Roles          []Role                    `json:"roles,omitempty" yaml:"roles,omitempty"`
	Tuples         []TupleConfig             `json:"tuples,omitempty" yaml:"tuples,omitempty"`
	UserAttributes []UserAttributeSeedConfig `json:"user_attributes,omitempty" yaml:"user_attributes,omitempty"`
}

type EngineConfig struct {
	BatchWorkers      int    `json:"batch_workers" yaml:"batch_workers"`
	DenyReason        string `json:"deny_reason,omitempty" yaml:"deny_reason,omitempty"`
	DefaultWorkstream string `json:"default_workstream,omitempty" yaml:"default_workstream,omitempty"`
	RecordDecisions   bool   `json:"record_decisions" yaml:"record_decisions"`
}

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
	CacheBackendNone   = "none"
)

type CacheConfig struct {
	Backend             string `json:"backend" yaml:"backend"`
	TTL                 int64  `json:"ttl_ms" yaml:"ttl_ms"`
	RedisURL            string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	RistrettoNumCounter int64  `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64  `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64  `json:"ristretto_buffer" yaml:"ristretto_buffer"`
}

func (c CacheConfig) TTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Millisecond
}

type GroupSyncConfig struct {
	Enabled    bool  `json:"enabled" yaml:"enabled"`
	Workers    int   `json:"workers" yaml:"workers"`
	QueueSize  int   `json:"queue_size" yaml:"queue_size"`
	DedupTTL   int64 `json:"dedup_ttl_ms" yaml:"dedup_ttl_ms"`
	JobTimeout int64 `json:"job_timeout_ms" yaml:"job_timeout_ms"`
}

// Options turns the section into pipeline options. Zero values keep the
// pipeline defaults.
func (g GroupSyncConfig) Options() []GroupSyncOption {
	opts := []GroupSyncOption{WithSyncWorkers(g.Workers), WithSyncQueueSize(g.QueueSize)}
	if g.DedupTTL != 0 {
		opts = append(opts, WithSyncDedupTTL(time.Duration(g.DedupTTL)*time.Millisecond))
	}
	if g.JobTimeout > 0 {
		opts = append(opts, WithSyncJobTimeout(time.Duration(g.JobTimeout)*time.Millisecond))
	}
	return opts
}

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// StorageConfig selects the backing stores. With postgres only the ledger
// lives in Postgres; LedgerDSN points at it and DSN at the sqlite file for
// everything else.
type StorageConfig struct {
	Driver    string `json:"driver" yaml:"driver"`
	DSN       string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	LedgerDSN string `json:"ledger_dsn,omitempty" yaml:"ledger_dsn,omitempty"`
}

// TupleConfig is a policy tuple seed. Seeds are active unless Inactive is
// set.
type TupleConfig struct {
	Type       TupleType `json:"type" yaml:"type"`
	V0         string    `json:"v0,omitempty" yaml:"v0,omitempty"`
	V1         string    `json:"v1,omitempty" yaml:"v1,omitempty"`
	V2         string    `json:"v2,omitempty" yaml:"v2,omitempty"`
	V3         string    `json:"v3,omitempty" yaml:"v3,omitempty"`
	V4         string    `json:"v4,omitempty" yaml:"v4,omitempty"`
	V5         string    `json:"v5,omitempty" yaml:"v5,omitempty"`
	Workstream string    `json:"workstream,omitempty" yaml:"workstream,omitempty"`
	Inactive   bool      `json:"inactive,omitempty" yaml:"inactive,omitempty"`
}

func (t TupleConfig) Tuple() PolicyTuple {
	return PolicyTuple{
		Type: t.Type, V0: t.V0, V1: t.V1, V2: t.V2, V3: t.V3, V4: t.V4, V5: t.V5,
		WorkstreamID: t.Workstream,
		IsActive:     !t.Inactive,
	}
}

type UserAttributeSeedConfig struct {
	UserID     string         `json:"user_id" yaml:"user_id"`
	Workstream string         `json:"workstream" yaml:"workstream"`
	Attributes map[string]any `json:"attributes" yaml:"attributes"`
}

// PolicyTuples returns the tuple seeds in declaration order.
func (c *Config) PolicyTuples() []PolicyTuple {
	out := make([]PolicyTuple, 0, len(c.Tuples))
	for _, t := range c.Tuples {
		out = append(out, t.Tuple())
	}
	return out
}

// EngineOptions maps the engine and business hours sections onto engine
// options.
func (c *Config) EngineOptions() []EngineOption {
	opts := []EngineOption{WithBusinessHours(c.BusinessHours)}
	if c.Engine.BatchWorkers > 0 {
		opts = append(opts, WithBatchWorkers(c.Engine.BatchWorkers))
	}
	if c.Engine.DenyReason != "" {
		opts = append(opts, WithDenyReason(c.Engine.DenyReason))
	}
	if c.Engine.DefaultWorkstream != "" {
		opts = append(opts, WithDefaultWorkstream(c.Engine.DefaultWorkstream))
	}
	return opts
}

// Validate reports every problem found, joined into one INVALID_ARGUMENT
// error.
func (c *Config) Validate() error {
	var problems []string
	switch c.Cache.Backend {
	case "", CacheBackendMemory, CacheBackendNone:
	case CacheBackendRedis:
		if c.Cache.RedisURL == "" {
			problems = append(problems, "cache.redis_url is required for the redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("cache.backend %q is not one of memory, redis, none", c.Cache.Backend))
	}
	if c.Cache.TTL < 0 {
		problems = append(problems, "cache.ttl_ms must not be negative")
	}
	switch c.Storage.Driver {
	case "", StorageMemory:
	case StorageSQLite:
		if c.Storage.DSN == "" {
			problems = append(problems, "storage.dsn is required for sqlite")
		}
	case StoragePostgres:
		if c.Storage.LedgerDSN == "" {
			problems = append(problems, "storage.ledger_dsn is required for postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver))
	}
	if c.Engine.BatchWorkers < 0 {
		problems = append(problems, "engine.batch_workers must not be negative")
	}
	if c.GroupSync.Workers < 0 || c.GroupSync.QueueSize < 0 {
		problems = append(problems, "group_sync workers and queue_size must not be negative")
	}
	bh := c.BusinessHours
	if bh.StartHour < 0 || bh.EndHour > 24 || bh.StartHour >= bh.EndHour {
		problems = append(problems, fmt.Sprintf("business_hours %d-%d is not a valid range", bh.StartHour, bh.EndHour))
	}
	if bh.Location != "" {
		if _, err := time.LoadLocation(bh.Location); err != nil {
			problems = append(problems, fmt.Sprintf("business_hours.location %q is unknown", bh.Location))
		}
	}
	for i, t := range c.Tuples {
		if err := validateTupleSeed(t); err != "" {
			problems = append(problems, fmt.Sprintf("tuples[%d]: %s", i, err))
		}
	}
	for i, r := range c.Roles {
		if r.Name == "" || r.WorkstreamID == "" {
			problems = append(problems, fmt.Sprintf("roles[%d]: name and workstream_id are required", i))
		}
	}
	for i, a := range c.UserAttributes {
		if a.UserID == "" || a.Workstream == "" {
			problems = append(problems, fmt.Sprintf("user_attributes[%d]: user_id and workstream are required", i))
		}
	}
	if len(problems) > 0 {
		return oops.Code(CodeInvalidArgument).
			With("problems", problems).
			Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func validateTupleSeed(t TupleConfig) string {
	switch t.Type {
	case TuplePermission:
		if t.V0 == "" || t.V1 == "" || t.V2 == "" {
			return "p tuples need v0 (role), v1 (action) and v2 (resource)"
		}
		if _, ok := t.Tuple().Effect(); !ok {
			return fmt.Sprintf("unknown effect %q", t.V4)
		}
	case TupleGrouping, TupleRoleGrouping:
		if t.V0 == "" || t.V1 == "" {
			return fmt.Sprintf("%s tuples need v0 and v1", t.Type)
		}
	default:
		return fmt.Sprintf("unknown tuple type %q", t.Type)
	}
	return ""
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// LoadYAML decodes data over the defaults, so omitted sections keep them.
func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := NewConfigBuilder().Build()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, oops.Code(CodeInvalidArgument).Wrapf(err, "decode yaml config")
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := NewConfigBuilder().Build()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, oops.Code(CodeInvalidArgument).Wrapf(err, "decode json config")
	}
	return cfg, nil
}

// LoadFile picks the decoder from the extension: .json is JSON, anything
// else is YAML.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.With("path", path).Wrapf(err, "read config")
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return l.LoadJSON(data)
	}
	return l.LoadYAML(data)
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
