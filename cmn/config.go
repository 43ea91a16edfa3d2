package cmn

import "time"

// Config is the shape of every recognized option in spec.md §6.5. The
// loader itself (file/env/flag resolution) is an external collaborator out
// of this module's scope; callers construct a Config directly (cmd/filestored
// does so by starting from DefaultConfig, layering an optional YAML file over
// it and then urfave/cli flags) or via an external loader that happens to
// produce this same struct.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Events   EventsConfig   `yaml:"events"`
	Rollups  RollupsConfig  `yaml:"rollups"`
	Recon    ReconConfig    `yaml:"reconciliation"`
	Journal  JournalConfig  `yaml:"journal"`

	// AllowInlineMode gates any "inline" fallback for cross-process
	// delivery (spec.md §6.5 APPHUB_ALLOW_INLINE_MODE guard).
	AllowInlineMode bool `yaml:"-"`
}

// DatabaseConfig backs the Metadata Store's persistence handle. The spec
// names this as a generic "database" (url/schema/pool) boundary; this
// module's Metadata Store implementation is the embedded buntdb engine, so
// URL here is a filesystem path, not a DSN - see store.Open.
type DatabaseConfig struct {
	URL                 string        `yaml:"url"`
	Schema              string        `yaml:"schema"`
	MaxConnections      int           `yaml:"maxConnections"`
	IdleTimeout         time.Duration `yaml:"idleTimeoutMs"`
	ConnectionTimeout   time.Duration `yaml:"connectionTimeoutMs"`
}

type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"keyPrefix"`
	Inline    bool   `yaml:"inline"`
}

type EventsConfig struct {
	Mode    string `yaml:"mode"` // "inline" | "cross-process"
	Channel string `yaml:"channel"`
}

type RollupsConfig struct {
	CacheTTLSeconds           int `yaml:"cacheTtlSeconds"`
	CacheMaxEntries           int `yaml:"cacheMaxEntries"`
	RecalcDepthThreshold      int `yaml:"recalcDepthThreshold"`
	RecalcChildCountThreshold int `yaml:"recalcChildCountThreshold"`
	MaxCascadeDepth           int `yaml:"maxCascadeDepth"`
	QueueConcurrency          int `yaml:"queueConcurrency"`
}

type ReconConfig struct {
	QueueConcurrency int   `yaml:"queueConcurrency"`
	AuditIntervalMs  int64 `yaml:"auditIntervalMs"`
	AuditBatchSize   int   `yaml:"auditBatchSize"`
}

type JournalConfig struct {
	RetentionDays   int   `yaml:"retentionDays"`
	PruneBatchSize  int   `yaml:"pruneBatchSize"`
	PruneIntervalMs int64 `yaml:"pruneIntervalMs"`
}

// DefaultConfig returns the tunables from the Default* constants (const.go),
// the same role cmn.GCO.Get() plays in the teacher codebase as the
// process-wide configuration singleton - generalized here into an explicit
// value so tests can construct independent configs without a singleton.
func DefaultConfig() Config {
	return Config{
		Host:     "0.0.0.0",
		Port:     8080,
		LogLevel: "info",
		Rollups: RollupsConfig{
			CacheTTLSeconds:           int(DefaultCacheTTL.Seconds()),
			CacheMaxEntries:           DefaultCacheMaxEntries,
			RecalcDepthThreshold:      DefaultRecalcDepthThreshold,
			RecalcChildCountThreshold: DefaultRecalcChildThreshold,
			MaxCascadeDepth:           DefaultMaxCascadeDepth,
			QueueConcurrency:          DefaultRollupQueueWorkers,
		},
		Recon: ReconConfig{
			QueueConcurrency: DefaultReconcileConcurrency,
			AuditIntervalMs:  DefaultAuditIntervalMs,
			AuditBatchSize:   DefaultAuditBatchSize,
		},
		Journal: JournalConfig{
			RetentionDays:  DefaultJournalRetentionDays,
			PruneBatchSize: DefaultJournalPruneBatch,
		},
		Events: EventsConfig{Mode: "inline", Channel: "filestore.events"},
	}
}
