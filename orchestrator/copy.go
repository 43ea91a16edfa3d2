package orchestrator

import (
	"context"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/backend"
	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/store"
)

// copyHandler implements copyNode (spec.md §4.F.1): duplicate a file or
// recursive directory onto a target path, possibly on a different mount.
type copyHandler struct {
	cmd  cmn.Command
	plan *subtreeCopyPlan
}

func newCopyHandler(cmd cmn.Command) *copyHandler { return &copyHandler{cmd: cmd} }

func (h *copyHandler) preconditions(tx *store.Tx, executors *backend.Registry) error {
	plan, err := resolveSubtreeCopyPlan(tx, executors, h.cmd)
	if err != nil {
		return err
	}
	h.plan = plan
	return nil
}

func (h *copyHandler) execute(ctx context.Context) error {
	return h.plan.copyBytes(ctx)
}

func (h *copyHandler) mutate(tx *store.Tx) (map[string]cmn.RollupDelta, bool, *cmn.Node, *cmn.Node, error) {
	deltas := make(map[string]cmn.RollupDelta)
	root, err := h.plan.insertCopy(tx, deltas, time.Now().UTC())
	if err != nil {
		return nil, false, nil, nil, err
	}
	markPending := len(h.plan.descendants) > 0
	return deltas, markPending, root, nil, nil
}

func (h *copyHandler) result(primary, secondary *cmn.Node) (cmn.Metadata, []cmn.Event) {
	if primary == nil {
		return cmn.Metadata{}, nil
	}
	payload := nodePayload(primary, h.cmd)
	return cmn.Metadata{
			"nodeId":               primary.ID,
			"sourceBackendMountId": h.plan.cmd.BackendMountID,
			"sourcePath":           h.plan.srcPath,
		}, []cmn.Event{
			{Type: cmn.EvtNodeCreated, Data: payload},
			{Type: cmn.EvtNodeCopied, Data: payload},
		}
}
