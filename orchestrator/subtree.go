package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/backend"
	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/store"
	"github.com/benediktbwimmer/apphub-sub006/xpath"
	"github.com/google/uuid"
)

// subtreeCopyPlan is the shared precondition/execute/mutate logic behind
// copyNode and moveNode (spec.md §4.F.1, §4.F.4): both duplicate a file or
// recursive directory onto a (possibly different) backend mount. moveNode
// layers a source delete on top once the copy is verified; there is no
// Executor-level rename primitive, so a same-mount move reuses this same
// copy path rather than special-casing it.
type subtreeCopyPlan struct {
	cmd cmn.Command

	srcMount *cmn.BackendMount
	srcExec  backend.Executor
	srcPath  string
	srcNode  *cmn.Node

	targetBackendMountID string
	targetMount          *cmn.BackendMount
	targetExec           backend.Executor
	targetPath           string

	descendants   []*cmn.Node // strict descendants of srcNode, root-down order
	ancestorPaths []string    // missing target ancestors, root-down order

	replacing        *cmn.Node // existing node at targetPath, when Overwrite
	replacingSubtree []*cmn.Node
}

func resolveSubtreeCopyPlan(tx *store.Tx, executors *backend.Registry, cmd cmn.Command) (*subtreeCopyPlan, error) {
	p := &subtreeCopyPlan{cmd: cmd}

	srcPath, err := xpath.Normalize(cmd.Path)
	if err != nil {
		return nil, err
	}
	p.srcPath = srcPath

	srcMount, err := tx.GetBackendMount(cmd.BackendMountID)
	if err != nil {
		return nil, err
	}
	p.srcMount = srcMount

	srcExec, err := executors.Resolve(srcMount.BackendKind)
	if err != nil {
		return nil, err
	}
	p.srcExec = srcExec

	srcNode, err := tx.GetNodeByPath(cmd.BackendMountID, srcPath)
	if err != nil {
		return nil, err
	}
	p.srcNode = srcNode

	targetBackendMountID := cmd.TargetBackendMountID
	if targetBackendMountID == "" {
		targetBackendMountID = cmd.BackendMountID
	}
	p.targetBackendMountID = targetBackendMountID

	targetMount, err := resolveWritableMount(tx, targetBackendMountID)
	if err != nil {
		return nil, err
	}
	p.targetMount = targetMount

	targetExec, err := executors.Resolve(targetMount.BackendKind)
	if err != nil {
		return nil, err
	}
	p.targetExec = targetExec

	targetPath, err := xpath.Normalize(cmd.TargetPath)
	if err != nil {
		return nil, err
	}
	p.targetPath = targetPath

	if existing, err := tx.GetNodeByPath(targetBackendMountID, targetPath); err == nil {
		if !cmd.Overwrite {
			return nil, cmn.NewErrNodeExists(targetBackendMountID, targetPath)
		}
		p.replacing = existing
		if existing.Kind == cmn.KindDirectory {
			subtree, err := tx.ListSubtree(targetBackendMountID, targetPath)
			if err != nil {
				return nil, err
			}
			p.replacingSubtree = subtree
		}
	} else if cmn.KindOf(err) != cmn.ErrNodeNotFound {
		return nil, err
	}

	for _, anc := range xpath.Ancestors(targetPath) {
		if n, err := tx.GetNodeByPath(targetBackendMountID, anc); err == nil {
			if n.Kind != cmn.KindDirectory {
				return nil, cmn.NewError(cmn.ErrNotADirectory, "ancestor path is occupied by a file", "path", anc)
			}
			continue
		} else if cmn.KindOf(err) != cmn.ErrNodeNotFound {
			return nil, err
		}
		p.ancestorPaths = append(p.ancestorPaths, anc)
	}

	if srcNode.Kind == cmn.KindDirectory {
		descendants, err := tx.ListSubtree(cmd.BackendMountID, srcPath)
		if err != nil {
			return nil, err
		}
		p.descendants = descendants
	}
	return p, nil
}

// copyBytes performs the byte-level side effect: create target ancestors,
// clear a replaced target, then duplicate the source subtree's content.
func (p *subtreeCopyPlan) copyBytes(ctx context.Context) error {
	srcEc := backend.ExecContext{Context: ctx, Mount: p.srcMount}
	targetEc := backend.ExecContext{Context: ctx, Mount: p.targetMount}

	for _, anc := range p.ancestorPaths {
		if err := p.targetExec.CreateDirectory(targetEc, anc); err != nil {
			return err
		}
	}
	if p.replacing != nil {
		if err := p.targetExec.Delete(targetEc, p.targetPath, p.replacing.Kind == cmn.KindDirectory); err != nil {
			return err
		}
	}

	if p.srcNode.Kind == cmn.KindDirectory {
		if err := p.targetExec.CreateDirectory(targetEc, p.targetPath); err != nil {
			return err
		}
		for _, d := range p.descendants {
			destPath := xpath.Join(p.targetPath, strings.TrimPrefix(d.Path, p.srcPath+"/"))
			if d.Kind == cmn.KindDirectory {
				if err := p.targetExec.CreateDirectory(targetEc, destPath); err != nil {
					return err
				}
				continue
			}
			if err := copyFileContent(srcEc, p.srcExec, d.Path, targetEc, p.targetExec, destPath, d); err != nil {
				return err
			}
		}
		return nil
	}
	return copyFileContent(srcEc, p.srcExec, p.srcPath, targetEc, p.targetExec, p.targetPath, p.srcNode)
}

func copyFileContent(srcEc backend.ExecContext, srcExec backend.Executor, srcPath string, targetEc backend.ExecContext, targetExec backend.Executor, targetPath string, node *cmn.Node) error {
	stream, err := srcExec.CreateReadStream(srcEc, srcPath, backend.ReadStreamOptions{})
	if err != nil {
		return err
	}
	defer stream.Body.Close()
	return targetExec.Write(targetEc, backend.WriteRequest{
		Path:          targetPath,
		SizeBytes:     node.SizeBytes,
		Checksum:      node.Checksum,
		ContentHash:   node.ContentHash,
		MimeType:      node.MimeType,
		ContentReader: stream.Body,
	})
}

// verifyTarget confirms the copy landed before a move deletes the source
// (spec.md §4.F.4 "verify" step of cross-mount move).
func (p *subtreeCopyPlan) verifyTarget(ctx context.Context) error {
	targetEc := backend.ExecContext{Context: ctx, Mount: p.targetMount}
	head, err := p.targetExec.Head(targetEc, p.targetPath)
	if err != nil {
		return err
	}
	if head == nil {
		return cmn.WrapInternal(cmn.NewErrNodeNotFound(p.targetBackendMountID, p.targetPath), "verify moved content")
	}
	if p.srcNode.Kind != cmn.KindDirectory && head.SizeBytes != p.srcNode.SizeBytes {
		return cmn.NewError(cmn.ErrChecksumMismatch, "moved content size mismatch", "path", p.targetPath)
	}
	return nil
}

// rollbackTarget deletes a partially-written target after a failed verify.
func (p *subtreeCopyPlan) rollbackTarget(ctx context.Context) error {
	targetEc := backend.ExecContext{Context: ctx, Mount: p.targetMount}
	return p.targetExec.Delete(targetEc, p.targetPath, p.srcNode.Kind == cmn.KindDirectory)
}

// deleteSource removes the source subtree's bytes, the second half of a
// move once the target copy has verified.
func (p *subtreeCopyPlan) deleteSource(ctx context.Context) error {
	srcEc := backend.ExecContext{Context: ctx, Mount: p.srcMount}
	return p.srcExec.Delete(srcEc, p.srcPath, p.srcNode.Kind == cmn.KindDirectory)
}

// insertCopy mutates metadata: clears a replaced target, auto-creates
// missing target ancestors, and inserts a fresh node for the source subtree
// rooted at targetPath. Returns the new root node.
func (p *subtreeCopyPlan) insertCopy(tx *store.Tx, deltas map[string]cmn.RollupDelta, now time.Time) (*cmn.Node, error) {
	if p.replacing != nil {
		if err := tx.DeleteRollup(p.replacing.ID); err != nil && cmn.KindOf(err) != cmn.ErrNodeNotFound {
			return nil, err
		}
		if err := tx.DeleteNode(p.replacing); err != nil {
			return nil, err
		}
		for _, d := range p.replacingSubtree {
			_ = tx.DeleteRollup(d.ID)
			if err := tx.DeleteNode(d); err != nil {
				return nil, err
			}
		}
	}

	targetParentID, err := createMissingAncestors(tx, p.targetBackendMountID, p.ancestorPaths, deltas, now)
	if err != nil {
		return nil, err
	}
	if targetParentID == "" {
		if parentPath, ok := xpath.Parent(p.targetPath); ok {
			parent, err := tx.GetNodeByPath(p.targetBackendMountID, parentPath)
			if err != nil {
				return nil, err
			}
			targetParentID = parent.ID
		}
	}

	root := cloneNodeForCopy(p.srcNode, p.targetBackendMountID, p.targetPath, targetParentID, now)
	if err := tx.InsertNode(root); err != nil {
		return nil, err
	}
	if err := tx.PutRollup(&cmn.Rollup{NodeID: root.ID, State: cmn.RollupUpToDate, UpdatedAt: now}); err != nil {
		return nil, err
	}
	if targetParentID != "" {
		d := deltas[targetParentID]
		d.ChildDelta++
		if root.Kind == cmn.KindDirectory {
			d.DirectoryDelta++
		} else {
			d.FileDelta++
			d.SizeDelta += root.SizeBytes
		}
		deltas[targetParentID] = d
	}

	idMap := map[string]string{p.srcNode.ID: root.ID}
	for _, src := range p.descendants {
		destPath := xpath.Join(p.targetPath, strings.TrimPrefix(src.Path, p.srcPath+"/"))
		n := cloneNodeForCopy(src, p.targetBackendMountID, destPath, idMap[src.ParentID], now)
		idMap[src.ID] = n.ID
		if err := tx.InsertNode(n); err != nil {
			return nil, err
		}
		if err := tx.PutRollup(&cmn.Rollup{NodeID: n.ID, State: cmn.RollupUpToDate, UpdatedAt: now}); err != nil {
			return nil, err
		}
	}
	return root, nil
}

// deleteSourceMetadata hard-deletes the source subtree's rows: a moved
// subtree has relocated, not been tombstoned, so nothing is left behind the
// way deleteNode's recursive tie-break leaves descendants in place.
func (p *subtreeCopyPlan) deleteSourceMetadata(tx *store.Tx, deltas map[string]cmn.RollupDelta) error {
	if p.srcNode.ParentID != "" {
		d := deltas[p.srcNode.ParentID]
		d.ChildDelta--
		if p.srcNode.Kind == cmn.KindDirectory {
			d.DirectoryDelta--
		} else {
			d.FileDelta--
			d.SizeDelta -= p.srcNode.SizeBytes
		}
		deltas[p.srcNode.ParentID] = d
	}
	if err := tx.DeleteRollup(p.srcNode.ID); err != nil && cmn.KindOf(err) != cmn.ErrNodeNotFound {
		return err
	}
	if err := tx.DeleteNode(p.srcNode); err != nil {
		return err
	}
	for _, d := range p.descendants {
		_ = tx.DeleteRollup(d.ID)
		if err := tx.DeleteNode(d); err != nil {
			return err
		}
	}
	return nil
}

func cloneNodeForCopy(src *cmn.Node, backendMountID, path, parentID string, now time.Time) *cmn.Node {
	n := &cmn.Node{
		ID:             uuid.NewString(),
		BackendMountID: backendMountID,
		Path:           path,
		Name:           xpath.Name(path),
		Depth:          xpath.Depth(path),
		ParentID:       parentID,
		Kind:           src.Kind,
		SizeBytes:      src.SizeBytes,
		Checksum:       src.Checksum,
		ContentHash:    src.ContentHash,
		MimeType:       src.MimeType,
		OriginalName:   src.OriginalName,
		State:          cmn.StateActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
		Metadata:       src.Metadata.Clone(),
	}
	n.ConsistencyState = cmn.DerivedConsistency(n.State)
	return n
}
