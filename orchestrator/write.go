package orchestrator

import (
	"context"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/backend"
	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/store"
	"github.com/google/uuid"
)

// writeHandler implements writeFile (spec.md §4.F.1): overwrite an
// existing file's content and bump its version. Addressed by nodeId, so
// the mount is resolved from the node itself rather than the command.
type writeHandler struct {
	cmd cmn.Command

	mount *cmn.BackendMount
	exec  backend.Executor
	node  *cmn.Node

	sizeDelta int64
}

func newWriteHandler(cmd cmn.Command) *writeHandler { return &writeHandler{cmd: cmd} }

func (h *writeHandler) preconditions(tx *store.Tx, executors *backend.Registry) error {
	node, err := tx.GetNodeByID(h.cmd.NodeID)
	if err != nil {
		return err
	}
	if node.Kind != cmn.KindFile {
		return cmn.NewError(cmn.ErrNotAFile, "writeFile target is not a file", "nodeId", h.cmd.NodeID)
	}
	h.node = node

	mount, err := resolveWritableMount(tx, node.BackendMountID)
	if err != nil {
		return err
	}
	h.mount = mount

	exec, err := executors.Resolve(mount.BackendKind)
	if err != nil {
		return err
	}
	h.exec = exec

	h.sizeDelta = h.cmd.SizeBytes - node.SizeBytes
	return nil
}

func (h *writeHandler) execute(ctx context.Context) error {
	ec := backend.ExecContext{Context: ctx, Mount: h.mount}
	return h.exec.Write(ec, backend.WriteRequest{
		Path:        h.node.Path,
		StagingPath: h.cmd.StagingPath,
		SizeBytes:   h.cmd.SizeBytes,
		Checksum:    h.cmd.Checksum,
		ContentHash: h.cmd.ContentHash,
		MimeType:    h.cmd.MimeType,
		IsOverwrite: true,
	})
}

func (h *writeHandler) mutate(tx *store.Tx) (map[string]cmn.RollupDelta, bool, *cmn.Node, *cmn.Node, error) {
	now := time.Now().UTC()

	if tx.SnapshotsEnabled() {
		if err := tx.PutSnapshot(&cmn.Snapshot{
			ID:        uuid.NewString(),
			NodeID:    h.node.ID,
			Version:   h.node.Version,
			Node:      *h.node,
			CreatedAt: now,
		}); err != nil {
			return nil, false, nil, nil, err
		}
	}

	h.node.SizeBytes = h.cmd.SizeBytes
	h.node.Checksum = h.cmd.Checksum
	h.node.ContentHash = h.cmd.ContentHash
	if h.cmd.MimeType != "" {
		h.node.MimeType = h.cmd.MimeType
	}
	if h.cmd.Metadata != nil {
		h.node.Metadata = h.node.Metadata.Merge(h.cmd.Metadata, nil)
	}
	h.node.Version++
	h.node.State = cmn.StateActive
	h.node.ConsistencyState = cmn.DerivedConsistency(h.node.State)
	h.node.UpdatedAt = now
	modAt := now
	h.node.LastModifiedAt = &modAt

	if err := tx.PutNode(h.node); err != nil {
		return nil, false, nil, nil, err
	}

	deltas := make(map[string]cmn.RollupDelta)
	if h.node.ParentID != "" && h.sizeDelta != 0 {
		deltas[h.node.ParentID] = cmn.RollupDelta{SizeDelta: h.sizeDelta}
	}
	return deltas, false, h.node, nil, nil
}

func (h *writeHandler) result(primary, secondary *cmn.Node) (cmn.Metadata, []cmn.Event) {
	payload := nodePayload(primary, h.cmd)
	return cmn.Metadata{"nodeId": primary.ID, "version": primary.Version}, []cmn.Event{
		{Type: cmn.EvtNodeUpdated, Data: payload},
		{Type: cmn.EvtNodeUploaded, Data: payload},
	}
}

