package store

import (
	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/tidwall/buntdb"
)

func rollupKey(nodeID string) string { return prefixRollup + nodeID }

// GetRollup returns the aggregate for a directory node, or a zero-value
// RollupPending rollup if none has ever been computed (a directory created
// but never populated).
func (tx *Tx) GetRollup(nodeID string) (*cmn.Rollup, error) {
	raw, err := tx.tx.Get(rollupKey(nodeID))
	if err != nil {
		if err == buntdb.ErrNotFound {
			return &cmn.Rollup{NodeID: nodeID, State: cmn.RollupPending}, nil
		}
		return nil, cmn.WrapInternal(err, "get rollup")
	}
	var r cmn.Rollup
	if err := cmn.Unmarshal([]byte(raw), &r); err != nil {
		return nil, cmn.WrapInternal(err, "decode rollup")
	}
	return &r, nil
}

func (tx *Tx) PutRollup(r *cmn.Rollup) error {
	if !tx.forUpdate {
		return cmn.NewError(cmn.ErrInternal, "PutRollup requires a write transaction")
	}
	if _, _, err := tx.tx.Set(rollupKey(r.NodeID), string(cmn.MustMarshal(r)), nil); err != nil {
		return cmn.WrapInternal(err, "put rollup")
	}
	return nil
}

func (tx *Tx) DeleteRollup(nodeID string) error {
	if !tx.forUpdate {
		return cmn.NewError(cmn.ErrInternal, "DeleteRollup requires a write transaction")
	}
	if _, err := tx.tx.Delete(rollupKey(nodeID)); err != nil && err != buntdb.ErrNotFound {
		return cmn.WrapInternal(err, "delete rollup")
	}
	return nil
}

// ApplyRollupDelta folds delta into the stored rollup for nodeID, floors
// every counter at zero (spec.md §4.D invariant "counts never go
// negative"), and returns the resulting rollup so the caller can decide
// whether to keep cascading to the parent.
func (tx *Tx) ApplyRollupDelta(nodeID string, delta cmn.RollupDelta, markPending bool) (*cmn.Rollup, error) {
	r, err := tx.GetRollup(nodeID)
	if err != nil {
		return nil, err
	}
	r.SizeBytes = floorZero(r.SizeBytes + delta.SizeDelta)
	r.FileCount = floorZero(r.FileCount + delta.FileDelta)
	r.DirectoryCount = floorZero(r.DirectoryCount + delta.DirectoryDelta)
	r.ChildCount = floorZero(r.ChildCount + delta.ChildDelta)
	r.UpdatedAt = nowISO()
	if markPending {
		r.State = cmn.RollupPending
	} else if r.State != cmn.RollupInvalid {
		r.State = cmn.RollupUpToDate
	}
	if err := tx.PutRollup(r); err != nil {
		return nil, err
	}
	return r, nil
}

func floorZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
