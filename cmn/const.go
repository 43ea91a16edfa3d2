package cmn

import "time"

// checksum algorithm names carried opaquely on Node.Checksum/ContentHash -
// the core never interprets these, it only compares caller-supplied and
// executor-reported strings for equality (spec.md §1 Non-goal 1c).
const (
	ChecksumNone   = "none"
	ChecksumXXHash = "xxhash"
	ChecksumMD5    = "md5"
	ChecksumCRC32C = "crc32c"
	ChecksumSHA256 = "sha256"
	ChecksumSHA512 = "sha512"
)

// NodeKind distinguishes files from directories (spec.md §3.1 Node.kind).
type NodeKind string

const (
	KindFile      NodeKind = "file"
	KindDirectory NodeKind = "directory"
)

// NodeState is the lifecycle state of a Node (spec.md §3.1).
type NodeState string

const (
	StateActive       NodeState = "active"
	StateInconsistent NodeState = "inconsistent"
	StateMissing      NodeState = "missing"
	StateDeleted      NodeState = "deleted"
)

// ConsistencyState is the reconciliation-facing view of a Node.
type ConsistencyState string

const (
	ConsistencyActive       ConsistencyState = "active"
	ConsistencyInconsistent ConsistencyState = "inconsistent"
	ConsistencyMissing      ConsistencyState = "missing"
)

// BackendKind enumerates the two supported executor backends (spec.md §3.1,
// §4.C). Any kind-specific config beyond these two is out of scope.
type BackendKind string

const (
	BackendLocal BackendKind = "local"
	BackendS3    BackendKind = "s3"
)

// AccessMode governs whether a mount may satisfy write commands.
type AccessMode string

const (
	AccessReadWrite AccessMode = "rw"
	AccessReadOnly  AccessMode = "ro"
)

// MountLifecycle is the operational state of a Backend Mount.
type MountLifecycle string

const (
	MountActive   MountLifecycle = "active"
	MountOffline  MountLifecycle = "offline"
	MountDegraded MountLifecycle = "degraded"
	MountUnknown  MountLifecycle = "unknown"
)

// JournalStatus tracks a Journal Entry through the orchestrator pipeline.
type JournalStatus string

const (
	JournalQueued    JournalStatus = "queued"
	JournalRunning   JournalStatus = "running"
	JournalSucceeded JournalStatus = "succeeded"
	JournalFailed    JournalStatus = "failed"
	JournalCanceled  JournalStatus = "canceled"
)

// RollupState reflects whether a directory's aggregate is trustworthy.
type RollupState string

const (
	RollupUpToDate RollupState = "up_to_date"
	RollupPending  RollupState = "pending"
	RollupStale    RollupState = "stale"
	RollupInvalid  RollupState = "invalid"
)

// ReconciliationReason records why a job was enqueued.
type ReconciliationReason string

const (
	ReasonDrift  ReconciliationReason = "drift"
	ReasonAudit  ReconciliationReason = "audit"
	ReasonManual ReconciliationReason = "manual"
)

// JobStatus tracks a Reconciliation Job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
	JobCancelled JobStatus = "cancelled"
)

// default tunables, overridable through Config (spec.md §6.5).
const (
	DefaultCacheTTL              = 30 * time.Second
	DefaultCacheMaxEntries       = 50_000
	DefaultRecalcDepthThreshold  = 6
	DefaultRecalcChildThreshold  = 2_000
	DefaultMaxCascadeDepth       = 32
	DefaultRollupQueueWorkers    = 4
	DefaultReconcileConcurrency  = 4
	DefaultAuditIntervalMs       = 5 * 60 * 1000
	DefaultAuditBatchSize        = 500
	DefaultReconcileMaxAttempts  = 5
	DefaultReconcileBaseBackoff  = 2 * time.Second
	DefaultReconcileMaxBackoff   = time.Minute
	DefaultPresignMaxExpirySecs  = 3600
	DefaultSSETokenBucketPerSec  = 200
	DefaultSSEQueueDepth         = 500
	DefaultSSEHeartbeatInterval  = 15 * time.Second
	DefaultJournalRetentionDays  = 30
	DefaultJournalPruneBatch     = 1_000
	DefaultJournalPruneIntervalMs = 60 * 60 * 1000
)
