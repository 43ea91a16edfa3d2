package cmn

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the dotted event-type string carried on every published
// event (spec.md §4.E, §6.2).
type EventType string

const (
	EvtCommandCompleted EventType = "command.completed"

	EvtNodeCreated     EventType = "node.created"
	EvtNodeUpdated     EventType = "node.updated"
	EvtNodeDeleted     EventType = "node.deleted"
	EvtNodeUploaded    EventType = "node.uploaded"
	EvtNodeCopied      EventType = "node.copied"
	EvtNodeMoved       EventType = "node.moved"
	EvtNodeDownloaded  EventType = "node.downloaded"
	EvtNodeMissing     EventType = "node.missing"
	EvtNodeReconciled  EventType = "node.reconciled"

	EvtDriftDetected EventType = "drift.detected"

	EvtReconJobQueued    EventType = "reconciliation.job.queued"
	EvtReconJobStarted   EventType = "reconciliation.job.started"
	EvtReconJobCompleted EventType = "reconciliation.job.completed"
	EvtReconJobFailed    EventType = "reconciliation.job.failed"
	EvtReconJobCancelled EventType = "reconciliation.job.cancelled"
)

// CommandContext accompanies every node-payload event the orchestrator
// publishes, per spec.md §6.2 ("plus command context (journalId, command,
// idempotencyKey, principal)"). Node events published by the reconciliation
// engine leave it empty.
type CommandContext struct {
	JournalID      string      `json:"journalId"`
	Command        CommandKind `json:"command"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`
	Principal      string      `json:"principal,omitempty"`
}

// NodePayload is the shape every node-lifecycle event carries (spec.md
// §6.2).
type NodePayload struct {
	BackendMountID string           `json:"backendMountId"`
	NodeID         string           `json:"nodeId,omitempty"`
	Path           string           `json:"path"`
	Kind           NodeKind         `json:"kind"`
	State          NodeState        `json:"state"`
	ParentID       string           `json:"parentId,omitempty"`
	Version        int64            `json:"version"`
	SizeBytes      int64            `json:"sizeBytes"`
	Checksum       string           `json:"checksum,omitempty"`
	ContentHash    string           `json:"contentHash,omitempty"`
	Metadata       Metadata         `json:"metadata"`
	ObservedAt     time.Time        `json:"observedAt"`
	CommandContext `json:"commandContext"`
}

// DriftPayload accompanies drift.detected events.
type DriftPayload struct {
	BackendMountID string    `json:"backendMountId"`
	NodeID         string    `json:"nodeId,omitempty"`
	Path           string    `json:"path"`
	Reason         string    `json:"reason"`
	ObservedAt     time.Time `json:"observedAt"`
}

// JobPayload accompanies reconciliation.job.* events.
type JobPayload struct {
	JobID          string               `json:"jobId"`
	JobKey         string               `json:"jobKey"`
	BackendMountID string               `json:"backendMountId"`
	Path           string               `json:"path"`
	Reason         ReconciliationReason `json:"reason"`
	Status         JobStatus            `json:"status"`
	Attempt        int                  `json:"attempt"`
	Error          string               `json:"error,omitempty"`
	ObservedAt     time.Time            `json:"observedAt"`
}

// CommandCompletedPayload accompanies command.completed events.
type CommandCompletedPayload struct {
	CommandContext `json:"commandContext"`
	Idempotent     bool      `json:"idempotent"`
	ObservedAt     time.Time `json:"observedAt"`
}

// Event is the tagged-union envelope published in-process and, via
// events.RedisBus, cross-process (spec.md §6.2 adds an `origin` token only
// on the wire, never on the in-process value).
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

// UnmarshalJSON decodes Data into the concrete payload type implied by
// Type, rather than the generic map[string]interface{} encoding/json
// would otherwise produce for an interface{} field. Without this, an
// Event round-tripped through events.RedisBus's wire envelope would lose
// NodePath/BackendMountIDOf on the receiving side.
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type EventType       `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := Unmarshal(b, &raw); err != nil {
		return err
	}
	e.Type = raw.Type

	var data interface{}
	switch {
	case raw.Type == EvtDriftDetected:
		data = &DriftPayload{}
	case raw.Type == EvtCommandCompleted:
		data = &CommandCompletedPayload{}
	case hasPrefix(string(raw.Type), "reconciliation.job."):
		data = &JobPayload{}
	default:
		data = &NodePayload{}
	}
	if len(raw.Data) > 0 {
		if err := Unmarshal(raw.Data, data); err != nil {
			return fmt.Errorf("event data for type %q: %w", raw.Type, err)
		}
	}

	switch d := data.(type) {
	case *DriftPayload:
		e.Data = *d
	case *CommandCompletedPayload:
		e.Data = *d
	case *JobPayload:
		e.Data = *d
	case *NodePayload:
		e.Data = *d
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// NodePath extracts the path carried by an event's data, used by
// subscription filtering (spec.md §8.1 "pathPrefix" law). Returns "", false
// for events that carry no path (command.completed's
// CommandCompletedPayload, or any unrecognized payload shape).
func (e Event) NodePath() (string, bool) {
	switch d := e.Data.(type) {
	case NodePayload:
		return d.Path, true
	case DriftPayload:
		return d.Path, true
	case JobPayload:
		return d.Path, true
	default:
		return "", false
	}
}

// BackendMountIDOf extracts the backend mount id carried by an event's data,
// used by subscription filtering.
func (e Event) BackendMountIDOf() (string, bool) {
	switch d := e.Data.(type) {
	case NodePayload:
		return d.BackendMountID, true
	case DriftPayload:
		return d.BackendMountID, true
	case JobPayload:
		return d.BackendMountID, true
	default:
		return "", false
	}
}
