package cmn

import "time"

// BackendMount is the identity of a storage root (spec.md §3.1).
type BackendMount struct {
	ID          string         `json:"id"`
	MountKey    string         `json:"mountKey"`
	BackendKind BackendKind    `json:"backendKind"`
	AccessMode  AccessMode     `json:"accessMode"`
	Lifecycle   MountLifecycle `json:"lifecycle"`

	// exactly one of these is populated, per BackendKind (spec.md §3.1 invariant).
	RootPath string `json:"rootPath,omitempty"`
	Bucket   string `json:"bucket,omitempty"`
	Prefix   string `json:"prefix,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (m *BackendMount) Writable() bool { return m.AccessMode == AccessReadWrite }

// Node is a file or directory catalog entry (spec.md §3.1).
type Node struct {
	ID             string   `json:"id"`
	BackendMountID string   `json:"backendMountId"`
	Path           string   `json:"path"`
	Name           string   `json:"name"`
	Depth          int      `json:"depth"`
	ParentID       string   `json:"parentId,omitempty"`
	Kind           NodeKind `json:"kind"`

	SizeBytes    int64  `json:"sizeBytes"`
	Checksum     string `json:"checksum,omitempty"`
	ContentHash  string `json:"contentHash,omitempty"`
	IsSymlink    bool   `json:"isSymlink"`
	MimeType     string `json:"mimeType,omitempty"`
	OriginalName string `json:"originalName,omitempty"`

	State            NodeState        `json:"state"`
	ConsistencyState ConsistencyState `json:"consistencyState"`

	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
	LastSeenAt            *time.Time `json:"lastSeenAt,omitempty"`
	LastModifiedAt        *time.Time `json:"lastModifiedAt,omitempty"`
	ConsistencyCheckedAt  *time.Time `json:"consistencyCheckedAt,omitempty"`
	LastReconciledAt      *time.Time `json:"lastReconciledAt,omitempty"`
	LastDriftDetectedAt   *time.Time `json:"lastDriftDetectedAt,omitempty"`
	DeletedAt             *time.Time `json:"deletedAt,omitempty"`

	Version int64 `json:"version"`

	Metadata Metadata `json:"metadata"`
}

// DerivedConsistency implements invariant I5: consistencyState is derived
// from state on writes unless the caller supplies an explicit override.
func DerivedConsistency(state NodeState) ConsistencyState {
	switch state {
	case StateDeleted, StateMissing:
		return ConsistencyMissing
	case StateInconsistent:
		return ConsistencyInconsistent
	default:
		return ConsistencyActive
	}
}

// Rollup is the per-directory aggregate (spec.md §3.1).
type Rollup struct {
	NodeID           string      `json:"nodeId"`
	SizeBytes        int64       `json:"sizeBytes"`
	FileCount        int64       `json:"fileCount"`
	DirectoryCount   int64       `json:"directoryCount"`
	ChildCount       int64       `json:"childCount"`
	PendingBytesDelta int64      `json:"pendingBytesDelta"`
	PendingItemsDelta int64      `json:"pendingItemsDelta"`
	State            RollupState `json:"state"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// RollupDelta is the signed contribution a command hands the Rollup
// Manager for a single affected parent directory (spec.md §4.F.2 step 7).
type RollupDelta struct {
	SizeDelta      int64
	FileDelta      int64
	DirectoryDelta int64
	ChildDelta     int64
}

func (d RollupDelta) IsZero() bool {
	return d.SizeDelta == 0 && d.FileDelta == 0 && d.DirectoryDelta == 0 && d.ChildDelta == 0
}

func (d RollupDelta) Negate() RollupDelta {
	return RollupDelta{-d.SizeDelta, -d.FileDelta, -d.DirectoryDelta, -d.ChildDelta}
}

// JournalEntry is the immutable audit record for an accepted command
// (spec.md §3.1).
type JournalEntry struct {
	ID              string        `json:"id"`
	Command         CommandKind   `json:"command"`
	Status          JournalStatus `json:"status"`
	Principal       string        `json:"principal,omitempty"`
	IdempotencyKey  string        `json:"idempotencyKey,omitempty"`
	CorrelationID   string        `json:"correlationId,omitempty"`
	PrimaryNodeID   string        `json:"primaryNodeId,omitempty"`
	SecondaryNodeID string        `json:"secondaryNodeId,omitempty"`
	AffectedNodeIDs []string      `json:"affectedNodeIds,omitempty"`
	Parameters      Metadata      `json:"parameters,omitempty"`
	Result          Metadata      `json:"result,omitempty"`
	Error           *Metadata     `json:"error,omitempty"`
	StartedAt       time.Time     `json:"startedAt"`
	FinishedAt      *time.Time    `json:"finishedAt,omitempty"`
}

// Snapshot is an append-only historical capture of a Node at a version.
type Snapshot struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"nodeId"`
	Version   int64     `json:"version"`
	Node      Node      `json:"node"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReconciliationJob is a queued unit of drift-detection/correction work
// (spec.md §3.1).
type ReconciliationJob struct {
	ID             string               `json:"id"`
	JobKey         string               `json:"jobKey"`
	BackendMountID string               `json:"backendMountId"`
	NodeID         string               `json:"nodeId,omitempty"`
	Path           string               `json:"path"`
	Reason         ReconciliationReason `json:"reason"`
	Status         JobStatus            `json:"status"`
	DetectChildren bool                 `json:"detectChildren"`
	RequestedHash  bool                 `json:"requestedHash"`
	Attempt        int                  `json:"attempt"`
	EnqueuedAt     time.Time            `json:"enqueuedAt"`
	StartedAt      *time.Time           `json:"startedAt,omitempty"`
	FinishedAt     *time.Time           `json:"finishedAt,omitempty"`
	NextAttemptAt  *time.Time           `json:"nextAttemptAt,omitempty"`
	Result         Metadata             `json:"result,omitempty"`
	Error          string               `json:"error,omitempty"`
}
