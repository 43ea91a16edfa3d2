package orchestrator

import (
	"context"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/backend"
	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/store"
	"github.com/benediktbwimmer/apphub-sub006/xpath"
)

// deleteHandler implements deleteNode (spec.md §4.F.1, §4.F.4): non-recursive
// delete requires no active children; recursive delete marks only the root
// deleted and leaves descendants as rows for a later reconciliation sweep
// to prune. Deleting an already-deleted node is an idempotent no-op.
type deleteHandler struct {
	cmd cmn.Command

	mount *cmn.BackendMount
	exec  backend.Executor

	normalizedPath string
	node           *cmn.Node
	noop           bool
}

func newDeleteHandler(cmd cmn.Command) *deleteHandler { return &deleteHandler{cmd: cmd} }

func (h *deleteHandler) preconditions(tx *store.Tx, executors *backend.Registry) error {
	mount, err := resolveWritableMount(tx, h.cmd.BackendMountID)
	if err != nil {
		return err
	}
	h.mount = mount

	exec, err := executors.Resolve(mount.BackendKind)
	if err != nil {
		return err
	}
	h.exec = exec

	path, err := xpath.Normalize(h.cmd.Path)
	if err != nil {
		return err
	}
	h.normalizedPath = path

	node, err := tx.GetNodeByPath(h.cmd.BackendMountID, path)
	if err != nil {
		return err
	}
	h.node = node

	if node.State == cmn.StateDeleted {
		h.noop = true
		return nil
	}

	if node.Kind == cmn.KindDirectory && !h.cmd.Recursive {
		if err := tx.EnsureNoActiveChildren(h.cmd.BackendMountID, path); err != nil {
			return err
		}
	}
	return nil
}

func (h *deleteHandler) execute(ctx context.Context) error {
	if h.noop {
		return nil
	}
	ec := backend.ExecContext{Context: ctx, Mount: h.mount}
	return h.exec.Delete(ec, h.normalizedPath, h.node.Kind == cmn.KindDirectory)
}

func (h *deleteHandler) mutate(tx *store.Tx) (map[string]cmn.RollupDelta, bool, *cmn.Node, *cmn.Node, error) {
	if h.noop {
		return nil, false, h.node, nil, nil
	}

	now := time.Now().UTC()
	h.node.State = cmn.StateDeleted
	h.node.ConsistencyState = cmn.DerivedConsistency(h.node.State)
	h.node.UpdatedAt = now
	h.node.DeletedAt = &now
	if err := tx.PutNode(h.node); err != nil {
		return nil, false, nil, nil, err
	}

	if h.node.Kind == cmn.KindDirectory {
		// invariant (§4.F.4): a deleted directory's own rollup reads
		// invalid with zero counts, not as a missing row.
		if err := tx.PutRollup(&cmn.Rollup{NodeID: h.node.ID, State: cmn.RollupInvalid, UpdatedAt: now}); err != nil {
			return nil, false, nil, nil, err
		}
	}

	deltas := make(map[string]cmn.RollupDelta)
	if h.node.ParentID != "" {
		d := deltas[h.node.ParentID]
		d.ChildDelta--
		if h.node.Kind == cmn.KindDirectory {
			d.DirectoryDelta--
		} else {
			d.FileDelta--
			d.SizeDelta -= h.node.SizeBytes
		}
		deltas[h.node.ParentID] = d
	}

	markPending := h.node.Kind == cmn.KindDirectory && h.cmd.Recursive
	return deltas, markPending, h.node, nil, nil
}

func (h *deleteHandler) result(primary, secondary *cmn.Node) (cmn.Metadata, []cmn.Event) {
	if primary == nil {
		return cmn.Metadata{}, nil
	}
	if h.noop {
		return cmn.Metadata{"nodeId": primary.ID, "idempotent": true}, nil
	}
	return cmn.Metadata{"nodeId": primary.ID}, []cmn.Event{
		{Type: cmn.EvtNodeDeleted, Data: nodePayload(primary, h.cmd)},
	}
}
