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

// uploadHandler implements uploadFile (spec.md §4.F.1): move staged bytes
// to the backend, insert a new file node. Missing directory ancestors are
// auto-created the same way createDirectory does.
type uploadHandler struct {
	cmd cmn.Command

	mount *cmn.BackendMount
	exec  backend.Executor

	normalizedPath string
	ancestorPaths  []string
	parentID       string
}

func newUploadHandler(cmd cmn.Command) *uploadHandler { return &uploadHandler{cmd: cmd} }

func (h *uploadHandler) preconditions(tx *store.Tx, executors *backend.Registry) error {
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

	if exists, err := tx.ExistsAtPath(h.cmd.BackendMountID, path); err != nil {
		return err
	} else if exists {
		return cmn.NewErrNodeExists(h.cmd.BackendMountID, path)
	}

	for _, anc := range xpath.Ancestors(path) {
		if n, err := tx.GetNodeByPath(h.cmd.BackendMountID, anc); err == nil {
			if n.Kind != cmn.KindDirectory {
				return cmn.NewError(cmn.ErrNotADirectory, "ancestor path is occupied by a file", "path", anc)
			}
			continue
		} else if cmn.KindOf(err) != cmn.ErrNodeNotFound {
			return err
		}
		h.ancestorPaths = append(h.ancestorPaths, anc)
	}
	return nil
}

func (h *uploadHandler) execute(ctx context.Context) error {
	ec := backend.ExecContext{Context: ctx, Mount: h.mount}
	for _, p := range h.ancestorPaths {
		if err := h.exec.CreateDirectory(ec, p); err != nil {
			return err
		}
	}
	return h.exec.Write(ec, backend.WriteRequest{
		Path:        h.normalizedPath,
		StagingPath: h.cmd.StagingPath,
		SizeBytes:   h.cmd.SizeBytes,
		Checksum:    h.cmd.Checksum,
		ContentHash: h.cmd.ContentHash,
		MimeType:    h.cmd.MimeType,
	})
}

func (h *uploadHandler) mutate(tx *store.Tx) (map[string]cmn.RollupDelta, bool, *cmn.Node, *cmn.Node, error) {
	now := time.Now().UTC()
	deltas := make(map[string]cmn.RollupDelta)

	parentID, err := createMissingAncestors(tx, h.cmd.BackendMountID, h.ancestorPaths, deltas, now)
	if err != nil {
		return nil, false, nil, nil, err
	}
	if parentID == "" {
		if parentPath, ok := xpath.Parent(h.normalizedPath); ok {
			parent, err := tx.GetNodeByPath(h.cmd.BackendMountID, parentPath)
			if err != nil {
				return nil, false, nil, nil, err
			}
			parentID = parent.ID
		}
	}

	n := &cmn.Node{
		ID:             uuid.NewString(),
		BackendMountID: h.cmd.BackendMountID,
		Path:           h.normalizedPath,
		Name:           xpath.Name(h.normalizedPath),
		Depth:          xpath.Depth(h.normalizedPath),
		ParentID:       parentID,
		Kind:           cmn.KindFile,
		SizeBytes:      h.cmd.SizeBytes,
		Checksum:       h.cmd.Checksum,
		ContentHash:    h.cmd.ContentHash,
		MimeType:       h.cmd.MimeType,
		OriginalName:   h.cmd.OriginalName,
		State:          cmn.StateActive,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
		Metadata:       h.cmd.Metadata.Clone(),
	}
	n.ConsistencyState = cmn.DerivedConsistency(n.State)
	if err := tx.InsertNode(n); err != nil {
		return nil, false, nil, nil, err
	}

	if parentID != "" {
		d := deltas[parentID]
		d.SizeDelta += n.SizeBytes
		d.FileDelta++
		d.ChildDelta++
		deltas[parentID] = d
	}
	return deltas, false, n, nil, nil
}

func (h *uploadHandler) result(primary, secondary *cmn.Node) (cmn.Metadata, []cmn.Event) {
	if primary == nil {
		return cmn.Metadata{}, nil
	}
	payload := nodePayload(primary, h.cmd)
	return cmn.Metadata{"nodeId": primary.ID}, []cmn.Event{
		{Type: cmn.EvtNodeCreated, Data: payload},
		{Type: cmn.EvtNodeUploaded, Data: payload},
	}
}

// createMissingAncestors inserts a directory node for every path in paths
// (root-down; callers pass the ancestors their preconditions found missing),
// returning the id of the last (deepest) one so the caller can parent its
// own node under it. Used by uploadFile and by copyNode/moveNode
// (subtree.go); createDirectory has its own copy with subtly different
// no-op/overwrite semantics on the leaf itself.
func createMissingAncestors(tx *store.Tx, backendMountID string, paths []string, deltas map[string]cmn.RollupDelta, now time.Time) (string, error) {
	var lastID string
	for _, p := range paths {
		var parentID string
		if parentPath, ok := xpath.Parent(p); ok {
			parent, err := tx.GetNodeByPath(backendMountID, parentPath)
			if err != nil {
				return "", err
			}
			parentID = parent.ID
		}
		n := &cmn.Node{
			ID:               uuid.NewString(),
			BackendMountID:   backendMountID,
			Path:             p,
			Name:             xpath.Name(p),
			Depth:            xpath.Depth(p),
			ParentID:         parentID,
			Kind:             cmn.KindDirectory,
			State:            cmn.StateActive,
			ConsistencyState: cmn.DerivedConsistency(cmn.StateActive),
			CreatedAt:        now,
			UpdatedAt:        now,
			Version:          1,
			Metadata:         cmn.Metadata{},
		}
		if err := tx.InsertNode(n); err != nil {
			return "", err
		}
		if err := tx.PutRollup(&cmn.Rollup{NodeID: n.ID, State: cmn.RollupUpToDate, UpdatedAt: now}); err != nil {
			return "", err
		}
		if parentID != "" {
			d := deltas[parentID]
			d.DirectoryDelta++
			d.ChildDelta++
			deltas[parentID] = d
		}
		lastID = n.ID
	}
	return lastID, nil
}
