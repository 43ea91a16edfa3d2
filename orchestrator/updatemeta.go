package orchestrator

import (
	"context"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/backend"
	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/store"
)

// updateMetadataHandler implements updateNodeMetadata (spec.md §4.F.1):
// merge/prune the metadata map on a node addressed by id. There is no
// executor-level side effect, so execute is a no-op.
type updateMetadataHandler struct {
	cmd  cmn.Command
	node *cmn.Node
}

func newUpdateMetadataHandler(cmd cmn.Command) *updateMetadataHandler {
	return &updateMetadataHandler{cmd: cmd}
}

func (h *updateMetadataHandler) preconditions(tx *store.Tx, executors *backend.Registry) error {
	node, err := tx.GetNodeByID(h.cmd.NodeID)
	if err != nil {
		return err
	}
	h.node = node

	// a node's own backend mount must still be writable to accept a
	// metadata change, even though nothing is written to it.
	if _, err := resolveWritableMount(tx, node.BackendMountID); err != nil {
		return err
	}
	return nil
}

func (h *updateMetadataHandler) execute(ctx context.Context) error { return nil }

func (h *updateMetadataHandler) mutate(tx *store.Tx) (map[string]cmn.RollupDelta, bool, *cmn.Node, *cmn.Node, error) {
	h.node.Metadata = h.node.Metadata.Merge(h.cmd.Set, h.cmd.Unset)
	h.node.Version++
	h.node.UpdatedAt = time.Now().UTC()
	if err := tx.PutNode(h.node); err != nil {
		return nil, false, nil, nil, err
	}
	return nil, false, h.node, nil, nil
}

func (h *updateMetadataHandler) result(primary, secondary *cmn.Node) (cmn.Metadata, []cmn.Event) {
	return cmn.Metadata{"nodeId": primary.ID, "version": primary.Version}, []cmn.Event{
		{Type: cmn.EvtNodeUpdated, Data: nodePayload(primary, h.cmd)},
	}
}
