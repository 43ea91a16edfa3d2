package orchestrator

import (
	"context"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/backend"
	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/store"
)

// moveHandler implements moveNode (spec.md §4.F.1, §4.F.4): relocate a
// subtree, possibly across mounts, as copy on target -> verify -> delete on
// source. There is no backend rename primitive, so a same-mount move
// reuses the exact same copy-then-delete path.
type moveHandler struct {
	cmd  cmn.Command
	plan *subtreeCopyPlan
}

func newMoveHandler(cmd cmn.Command) *moveHandler { return &moveHandler{cmd: cmd} }

func (h *moveHandler) preconditions(tx *store.Tx, executors *backend.Registry) error {
	plan, err := resolveSubtreeCopyPlan(tx, executors, h.cmd)
	if err != nil {
		return err
	}
	h.plan = plan
	return nil
}

func (h *moveHandler) execute(ctx context.Context) error {
	if err := h.plan.copyBytes(ctx); err != nil {
		return err
	}
	if err := h.plan.verifyTarget(ctx); err != nil {
		_ = h.plan.rollbackTarget(ctx)
		return err
	}
	return h.plan.deleteSource(ctx)
}

func (h *moveHandler) mutate(tx *store.Tx) (map[string]cmn.RollupDelta, bool, *cmn.Node, *cmn.Node, error) {
	deltas := make(map[string]cmn.RollupDelta)
	now := time.Now().UTC()

	root, err := h.plan.insertCopy(tx, deltas, now)
	if err != nil {
		return nil, false, nil, nil, err
	}
	if err := h.plan.deleteSourceMetadata(tx, deltas); err != nil {
		return nil, false, nil, nil, err
	}

	markPending := len(h.plan.descendants) > 0
	return deltas, markPending, root, nil, nil
}

func (h *moveHandler) result(primary, secondary *cmn.Node) (cmn.Metadata, []cmn.Event) {
	if primary == nil {
		return cmn.Metadata{}, nil
	}
	payload := nodePayload(primary, h.cmd)
	return cmn.Metadata{
			"nodeId":               primary.ID,
			"sourceBackendMountId": h.plan.cmd.BackendMountID,
			"sourcePath":           h.plan.srcPath,
		}, []cmn.Event{
			{Type: cmn.EvtNodeUpdated, Data: payload},
			{Type: cmn.EvtNodeMoved, Data: payload},
		}
}
