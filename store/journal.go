package store

import (
	"time"

	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/tidwall/buntdb"
)

func journalKey(id string) string { return prefixJournal + id }

func journalIdemKey(command cmn.CommandKind, key string) string {
	return prefixJournalK + string(command) + "/" + key
}

// PeekIdempotencyKey reads the (command, idempotencyKey) reservation without
// creating one, so the orchestrator's pre-check (spec.md §4.F.2 step 2) can
// run inside a read-only transaction before it ever opens a write one.
func (tx *Tx) PeekIdempotencyKey(command cmn.CommandKind, key string) (existingJournalID string, err error) {
	if key == "" {
		return "", nil
	}
	existing, err := tx.tx.Get(journalIdemKey(command, key))
	if err == buntdb.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", cmn.WrapInternal(err, "check idempotency key")
	}
	return existing, nil
}

// ReserveIdempotencyKey implements the (command, idempotencyKey) uniqueness
// invariant from spec.md §4.F.1 step 2: the orchestrator calls this before
// doing any work, and a pre-existing journal ID means the command has
// already been accepted once (its result should be replayed, not redone).
func (tx *Tx) ReserveIdempotencyKey(command cmn.CommandKind, key, journalID string) (existingJournalID string, err error) {
	if key == "" {
		return "", nil
	}
	idk := journalIdemKey(command, key)
	if existing, err := tx.tx.Get(idk); err == nil {
		return existing, nil
	} else if err != buntdb.ErrNotFound {
		return "", cmn.WrapInternal(err, "check idempotency key")
	}
	if !tx.forUpdate {
		return "", cmn.NewError(cmn.ErrInternal, "ReserveIdempotencyKey requires a write transaction")
	}
	if _, _, err := tx.tx.Set(idk, journalID, nil); err != nil {
		return "", cmn.WrapInternal(err, "reserve idempotency key")
	}
	return "", nil
}

// ReassignIdempotencyKey repoints an existing (command, idempotencyKey)
// reservation at a new journal entry, used when the orchestrator re-attempts
// a command whose previous attempt under the same key ended failed/canceled
// (spec.md §4.F.2 step 2).
func (tx *Tx) ReassignIdempotencyKey(command cmn.CommandKind, key, journalID string) error {
	if key == "" {
		return nil
	}
	if !tx.forUpdate {
		return cmn.NewError(cmn.ErrInternal, "ReassignIdempotencyKey requires a write transaction")
	}
	if _, _, err := tx.tx.Set(journalIdemKey(command, key), journalID, nil); err != nil {
		return cmn.WrapInternal(err, "reassign idempotency key")
	}
	return nil
}

// InsertJournalEntry appends a new journal row. Journal entries are never
// mutated in place by a different writer; UpdateJournalEntry below is used
// only by the owning command to transition its own entry queued -> running
// -> succeeded/failed.
func (tx *Tx) InsertJournalEntry(j *cmn.JournalEntry) error {
	if !tx.forUpdate {
		return cmn.NewError(cmn.ErrInternal, "InsertJournalEntry requires a write transaction")
	}
	if _, _, err := tx.tx.Set(journalKey(j.ID), string(cmn.MustMarshal(j)), nil); err != nil {
		return cmn.WrapInternal(err, "insert journal entry")
	}
	return nil
}

func (tx *Tx) UpdateJournalEntry(j *cmn.JournalEntry) error {
	if !tx.forUpdate {
		return cmn.NewError(cmn.ErrInternal, "UpdateJournalEntry requires a write transaction")
	}
	if _, _, err := tx.tx.Set(journalKey(j.ID), string(cmn.MustMarshal(j)), nil); err != nil {
		return cmn.WrapInternal(err, "update journal entry")
	}
	return nil
}

func (tx *Tx) GetJournalEntry(id string) (*cmn.JournalEntry, error) {
	raw, err := tx.tx.Get(journalKey(id))
	if err != nil {
		if err == buntdb.ErrNotFound {
			return nil, cmn.NewError(cmn.ErrInternal, "journal entry not found", "id", id)
		}
		return nil, cmn.WrapInternal(err, "get journal entry")
	}
	var j cmn.JournalEntry
	if err := cmn.Unmarshal([]byte(raw), &j); err != nil {
		return nil, cmn.WrapInternal(err, "decode journal entry")
	}
	return &j, nil
}

// ListJournalByNode returns journal entries touching nodeID as either the
// primary or secondary affected node. Used by the audit trail surface
// spec.md §4.A exposes per node; callers sort by StartedAt themselves since
// journal IDs are not time-ordered keys.
func (tx *Tx) ListJournalByNode(nodeID string, limit int) ([]*cmn.JournalEntry, error) {
	var out []*cmn.JournalEntry
	var iterErr error
	tx.tx.AscendKeys(prefixJournal+"*", func(key, val string) bool {
		var j cmn.JournalEntry
		if err := cmn.Unmarshal([]byte(val), &j); err != nil {
			iterErr = cmn.WrapInternal(err, "decode journal entry")
			return false
		}
		if j.PrimaryNodeID == nodeID || j.SecondaryNodeID == nodeID || containsID(j.AffectedNodeIDs, nodeID) {
			out = append(out, &j)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, iterErr
}

// PruneJournal deletes up to batch terminal (finished) journal entries whose
// FinishedAt predates cutoff, along with their idempotency-key index entry
// if they carried one, implementing the journal.{retentionDays,
// pruneBatchSize} tunables (spec.md §6.5). Returns the number of entries
// removed.
func (tx *Tx) PruneJournal(cutoff time.Time, batch int) (int, error) {
	if !tx.forUpdate {
		return 0, cmn.NewError(cmn.ErrInternal, "PruneJournal requires a write transaction")
	}
	var (
		journalKeys []string
		idemKeys    []string
		iterErr     error
	)
	tx.tx.AscendKeys(prefixJournal+"*", func(key, val string) bool {
		var j cmn.JournalEntry
		if err := cmn.Unmarshal([]byte(val), &j); err != nil {
			iterErr = cmn.WrapInternal(err, "decode journal entry")
			return false
		}
		if j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			journalKeys = append(journalKeys, key)
			if j.IdempotencyKey != "" {
				idemKeys = append(idemKeys, journalIdemKey(j.Command, j.IdempotencyKey))
			}
		}
		return batch <= 0 || len(journalKeys) < batch
	})
	if iterErr != nil {
		return 0, iterErr
	}
	for _, key := range journalKeys {
		if _, err := tx.tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
			return 0, cmn.WrapInternal(err, "prune journal entry")
		}
	}
	for _, key := range idemKeys {
		if _, err := tx.tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
			return 0, cmn.WrapInternal(err, "prune idempotency key index")
		}
	}
	return len(journalKeys), nil
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
