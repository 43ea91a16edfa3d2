package orchestrator

import (
	"time"

	"github.com/benediktbwimmer/apphub-sub006/cmn"
)

// nodePayload builds the common event data shape spec.md §6.2 requires on
// every node lifecycle event, stamped with the command context that
// produced it.
func nodePayload(n *cmn.Node, cmd cmn.Command) cmn.NodePayload {
	return cmn.NodePayload{
		BackendMountID: n.BackendMountID,
		NodeID:         n.ID,
		Path:           n.Path,
		Kind:           n.Kind,
		State:          n.State,
		ParentID:       n.ParentID,
		Version:        n.Version,
		SizeBytes:      n.SizeBytes,
		Checksum:       n.Checksum,
		ContentHash:    n.ContentHash,
		Metadata:       n.Metadata,
		ObservedAt:     time.Now().UTC(),
		CommandContext: cmn.CommandContext{
			Command:        cmd.Kind,
			IdempotencyKey: cmd.IdempotencyKey,
			Principal:      principalID(cmd.Principal),
		},
	}
}

// newHandler is the tagged-union dispatch: exactly one concrete
// commandHandler per cmn.CommandKind, the orchestrator-side mirror of the
// teacher's concrete txn types keyed off action strings in ais/transaction.go.
func newHandler(cmd cmn.Command) (commandHandler, error) {
	switch cmd.Kind {
	case cmn.CmdCreateDirectory:
		return newCreateDirHandler(cmd), nil
	case cmn.CmdUploadFile:
		return newUploadHandler(cmd), nil
	case cmn.CmdWriteFile:
		return newWriteHandler(cmd), nil
	case cmn.CmdCopyNode:
		return newCopyHandler(cmd), nil
	case cmn.CmdMoveNode:
		return newMoveHandler(cmd), nil
	case cmn.CmdDeleteNode:
		return newDeleteHandler(cmd), nil
	case cmn.CmdUpdateNodeMetadata:
		return newUpdateMetadataHandler(cmd), nil
	default:
		return nil, cmn.NewError(cmn.ErrInvalidRequest, "unrecognized command kind", "kind", string(cmd.Kind))
	}
}
