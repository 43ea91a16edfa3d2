package store

import (
	"github.com/benediktbwimmer/apphub-sub006/cmn"
)

// PutSnapshot appends an immutable Snapshot row. Snapshots are opt-in
// (Options.SnapshotsEnabled) since most deployments rely on the journal
// alone for history; callers check Store.SnapshotsEnabled before calling
// this so the no-op cost of a disabled feature is a single bool check.
func (tx *Tx) PutSnapshot(snap *cmn.Snapshot) error {
	if !tx.forUpdate {
		return cmn.NewError(cmn.ErrInternal, "PutSnapshot requires a write transaction")
	}
	key := snapshotKey(snap.NodeID, snap.Version)
	if _, _, err := tx.tx.Set(key, string(cmn.MustMarshal(snap)), nil); err != nil {
		return cmn.WrapInternal(err, "put snapshot")
	}
	return nil
}

// ListSnapshots returns every snapshot captured for nodeID, oldest version
// first (snapshotKey zero-pads the version so lexicographic key order is
// version order).
func (tx *Tx) ListSnapshots(nodeID string) ([]*cmn.Snapshot, error) {
	var out []*cmn.Snapshot
	var iterErr error
	tx.tx.AscendKeys(prefixSnapshot+nodeID+"/*", func(key, val string) bool {
		var s cmn.Snapshot
		if err := cmn.Unmarshal([]byte(val), &s); err != nil {
			iterErr = cmn.WrapInternal(err, "decode snapshot")
			return false
		}
		out = append(out, &s)
		return true
	})
	return out, iterErr
}

func (s *Store) SnapshotsEnabled() bool { return s.snapshotsEnabled }
