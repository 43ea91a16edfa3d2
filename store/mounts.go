package store

import (
	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/tidwall/buntdb"
)

func mountKey(id string) string    { return prefixMount + id }
func mountKeyIdx(k string) string  { return prefixMountKey + k }

func (tx *Tx) InsertBackendMount(m *cmn.BackendMount) error {
	if !tx.forUpdate {
		return cmn.NewError(cmn.ErrInternal, "InsertBackendMount requires a write transaction")
	}
	idx := mountKeyIdx(m.MountKey)
	if _, err := tx.tx.Get(idx); err == nil {
		return cmn.NewError(cmn.ErrInvalidRequest, "mount key already registered", "mountKey", m.MountKey)
	} else if err != buntdb.ErrNotFound {
		return cmn.WrapInternal(err, "check mount key uniqueness")
	}
	if _, _, err := tx.tx.Set(mountKey(m.ID), string(cmn.MustMarshal(m)), nil); err != nil {
		return cmn.WrapInternal(err, "insert backend mount")
	}
	if _, _, err := tx.tx.Set(idx, m.ID, nil); err != nil {
		return cmn.WrapInternal(err, "index backend mount key")
	}
	return nil
}

func (tx *Tx) PutBackendMount(m *cmn.BackendMount) error {
	if !tx.forUpdate {
		return cmn.NewError(cmn.ErrInternal, "PutBackendMount requires a write transaction")
	}
	if _, _, err := tx.tx.Set(mountKey(m.ID), string(cmn.MustMarshal(m)), nil); err != nil {
		return cmn.WrapInternal(err, "update backend mount")
	}
	return nil
}

func (tx *Tx) GetBackendMount(id string) (*cmn.BackendMount, error) {
	raw, err := tx.tx.Get(mountKey(id))
	if err != nil {
		if err == buntdb.ErrNotFound {
			return nil, cmn.NewErrBackendNotFound(id)
		}
		return nil, cmn.WrapInternal(err, "get backend mount")
	}
	var m cmn.BackendMount
	if err := cmn.Unmarshal([]byte(raw), &m); err != nil {
		return nil, cmn.WrapInternal(err, "decode backend mount")
	}
	return &m, nil
}

func (tx *Tx) GetBackendMountByKey(mountKeyVal string) (*cmn.BackendMount, error) {
	id, err := tx.tx.Get(mountKeyIdx(mountKeyVal))
	if err != nil {
		if err == buntdb.ErrNotFound {
			return nil, cmn.NewError(cmn.ErrBackendNotFound, "no mount registered under key", "mountKey", mountKeyVal)
		}
		return nil, cmn.WrapInternal(err, "resolve mount key")
	}
	return tx.GetBackendMount(id)
}

// ListBackendMounts returns every registered mount; the audit sweep
// (reconcile.AuditScheduler) walks it on each tick.
func (tx *Tx) ListBackendMounts() ([]*cmn.BackendMount, error) {
	var out []*cmn.BackendMount
	var iterErr error
	tx.tx.AscendKeys(prefixMount+"*", func(key, val string) bool {
		var m cmn.BackendMount
		if err := cmn.Unmarshal([]byte(val), &m); err != nil {
			iterErr = cmn.WrapInternal(err, "decode backend mount")
			return false
		}
		out = append(out, &m)
		return true
	})
	return out, iterErr
}
