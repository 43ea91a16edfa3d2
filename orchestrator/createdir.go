package orchestrator

import (
	"context"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/backend"
	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/store"
	"github.com/benediktbwimmer/apphub-sub006/xpath"
	"github.com/google/uuid"
)

// createDirHandler implements createDirectory (spec.md §4.F.1): create
// missing ancestors, insert the directory, no-op if already present as an
// active directory.
type createDirHandler struct {
	cmd cmn.Command

	mount *cmn.BackendMount
	exec  backend.Executor

	normalizedPath string
	ancestorPaths  []string // missing ancestors to create, root-down
	existing       *cmn.Node
	noop           bool
}

func newCreateDirHandler(cmd cmn.Command) *createDirHandler {
	return &createDirHandler{cmd: cmd}
}

func (h *createDirHandler) preconditions(tx *store.Tx, executors *backend.Registry) error {
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

	if n, err := tx.GetNodeByPath(h.cmd.BackendMountID, path); err == nil {
		if n.Kind != cmn.KindDirectory {
			return cmn.NewError(cmn.ErrNotADirectory, "path is occupied by a file", "path", path)
		}
		if n.State == cmn.StateActive {
			h.noop = true
			h.existing = n
			return nil
		}
	} else if cmn.KindOf(err) != cmn.ErrNodeNotFound {
		return err
	}

	// step 4: auto-create missing directory ancestors with the same
	// semantics (spec.md §4.F.2 step 4).
	for _, anc := range xpath.Ancestors(path) {
		if _, err := tx.GetNodeByPath(h.cmd.BackendMountID, anc); err == nil {
			continue
		} else if cmn.KindOf(err) != cmn.ErrNodeNotFound {
			return err
		}
		h.ancestorPaths = append(h.ancestorPaths, anc)
	}
	h.ancestorPaths = append(h.ancestorPaths, path)
	return nil
}

func (h *createDirHandler) execute(ctx context.Context) error {
	if h.noop {
		return nil
	}
	ec := backend.ExecContext{Context: ctx, Mount: h.mount}
	for _, p := range h.ancestorPaths {
		if err := h.exec.CreateDirectory(ec, p); err != nil {
			return err
		}
	}
	return nil
}

func (h *createDirHandler) mutate(tx *store.Tx) (map[string]cmn.RollupDelta, bool, *cmn.Node, *cmn.Node, error) {
	if h.noop {
		return nil, false, h.existing, nil, nil
	}

	deltas := make(map[string]cmn.RollupDelta)
	now := time.Now().UTC()
	var leaf *cmn.Node

	for _, p := range h.ancestorPaths {
		parentPath, hasParent := xpath.Parent(p)
		var thisParentID string
		if hasParent {
			parent, err := tx.GetNodeByPath(h.cmd.BackendMountID, parentPath)
			if err != nil {
				return nil, false, nil, nil, err
			}
			thisParentID = parent.ID
		}

		n := &cmn.Node{
			ID:               uuid.NewString(),
			BackendMountID:   h.cmd.BackendMountID,
			Path:             p,
			Name:             xpath.Name(p),
			Depth:            xpath.Depth(p),
			ParentID:         thisParentID,
			Kind:             cmn.KindDirectory,
			State:            cmn.StateActive,
			ConsistencyState: cmn.DerivedConsistency(cmn.StateActive),
			CreatedAt:        now,
			UpdatedAt:        now,
			Version:          1,
			Metadata:         cmn.Metadata{},
		}
		if p == h.normalizedPath && h.cmd.Metadata != nil {
			n.Metadata = h.cmd.Metadata.Clone()
		}
		if err := tx.InsertNode(n); err != nil {
			return nil, false, nil, nil, err
		}
		if err := tx.PutRollup(&cmn.Rollup{NodeID: n.ID, State: cmn.RollupUpToDate, UpdatedAt: now}); err != nil {
			return nil, false, nil, nil, err
		}
		if thisParentID != "" {
			d := deltas[thisParentID]
			d.DirectoryDelta++
			d.ChildDelta++
			deltas[thisParentID] = d
		}
		leaf = n
	}
	return deltas, false, leaf, nil, nil
}

func (h *createDirHandler) result(primary, secondary *cmn.Node) (cmn.Metadata, []cmn.Event) {
	if primary == nil {
		return cmn.Metadata{}, nil
	}
	if h.noop {
		return cmn.Metadata{"nodeId": primary.ID, "idempotent": true}, nil
	}
	payload := nodePayload(primary, h.cmd)
	return cmn.Metadata{"nodeId": primary.ID}, []cmn.Event{{Type: cmn.EvtNodeCreated, Data: payload}}
}
