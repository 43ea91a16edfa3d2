package store

import (
	"fmt"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/tidwall/buntdb"
)

func jobKeyOf(id string) string { return prefixJob + id }
func jobKeyIdx(k string) string { return prefixJobKey + k }

func jobQueueKey(j *cmn.ReconciliationJob) string {
	return fmt.Sprintf("%s%020d/%s", prefixJobQueue, j.EnqueuedAt.UnixNano(), j.ID)
}

// EnqueueReconciliationJob inserts a job and its FIFO queue position,
// deduping on JobKey (spec.md §4.G: "a drift job for a path already queued
// is coalesced, not duplicated"). It returns the existing job unchanged
// when jobKey collides with one still queued or running.
func (tx *Tx) EnqueueReconciliationJob(j *cmn.ReconciliationJob) (*cmn.ReconciliationJob, error) {
	if !tx.forUpdate {
		return nil, cmn.NewError(cmn.ErrInternal, "EnqueueReconciliationJob requires a write transaction")
	}
	idx := jobKeyIdx(j.JobKey)
	if existingID, err := tx.tx.Get(idx); err == nil {
		existing, err := tx.GetReconciliationJob(existingID)
		if err != nil {
			return nil, err
		}
		if existing.Status == cmn.JobQueued || existing.Status == cmn.JobRunning {
			return existing, nil
		}
		// previous job under this key finished; the dedup anchor is stale,
		// fall through and overwrite it with the new job.
	} else if err != buntdb.ErrNotFound {
		return nil, cmn.WrapInternal(err, "check job key dedup")
	}
	if _, _, err := tx.tx.Set(jobKeyOf(j.ID), string(cmn.MustMarshal(j)), nil); err != nil {
		return nil, cmn.WrapInternal(err, "insert reconciliation job")
	}
	if _, _, err := tx.tx.Set(idx, j.ID, nil); err != nil {
		return nil, cmn.WrapInternal(err, "index job key")
	}
	if _, _, err := tx.tx.Set(jobQueueKey(j), j.ID, nil); err != nil {
		return nil, cmn.WrapInternal(err, "enqueue job")
	}
	return j, nil
}

func (tx *Tx) GetReconciliationJob(id string) (*cmn.ReconciliationJob, error) {
	raw, err := tx.tx.Get(jobKeyOf(id))
	if err != nil {
		if err == buntdb.ErrNotFound {
			return nil, cmn.NewError(cmn.ErrInternal, "reconciliation job not found", "id", id)
		}
		return nil, cmn.WrapInternal(err, "get reconciliation job")
	}
	var j cmn.ReconciliationJob
	if err := cmn.Unmarshal([]byte(raw), &j); err != nil {
		return nil, cmn.WrapInternal(err, "decode reconciliation job")
	}
	return &j, nil
}

func (tx *Tx) PutReconciliationJob(j *cmn.ReconciliationJob) error {
	if !tx.forUpdate {
		return cmn.NewError(cmn.ErrInternal, "PutReconciliationJob requires a write transaction")
	}
	if _, _, err := tx.tx.Set(jobKeyOf(j.ID), string(cmn.MustMarshal(j)), nil); err != nil {
		return cmn.WrapInternal(err, "update reconciliation job")
	}
	return nil
}

// DequeueNext pops the oldest still-queued job off the FIFO queue index
// without deleting the job row itself - callers transition Status to
// JobRunning via PutReconciliationJob once a worker actually picks it up.
// A job whose NextAttemptAt is still in the future is not handed out.
func (tx *Tx) DequeueNext() (*cmn.ReconciliationJob, error) {
	if !tx.forUpdate {
		return nil, cmn.NewError(cmn.ErrInternal, "DequeueNext requires a write transaction")
	}
	var (
		found   *cmn.ReconciliationJob
		foundQK string
		iterErr error
	)
	tx.tx.AscendKeys(prefixJobQueue+"*", func(key, val string) bool {
		j, err := tx.GetReconciliationJob(val)
		if err != nil {
			iterErr = err
			return false
		}
		if j.Status == cmn.JobQueued {
			if j.NextAttemptAt != nil && j.NextAttemptAt.After(time.Now()) {
				// a retry is keyed by its NextAttemptAt, so every later key
				// is not due yet either.
				return false
			}
			found = j
			foundQK = key
			return false
		}
		return true
	})
	if iterErr != nil {
		return nil, iterErr
	}
	if found == nil {
		return nil, nil
	}
	if _, err := tx.tx.Delete(foundQK); err != nil && err != buntdb.ErrNotFound {
		return nil, cmn.WrapInternal(err, "delete job queue entry")
	}
	return found, nil
}

// RequeueJob re-inserts a job (e.g. after a retryable failure bumps
// Attempt and NextAttemptAt) at the back of the FIFO queue.
func (tx *Tx) RequeueJob(j *cmn.ReconciliationJob) error {
	if !tx.forUpdate {
		return cmn.NewError(cmn.ErrInternal, "RequeueJob requires a write transaction")
	}
	if err := tx.PutReconciliationJob(j); err != nil {
		return err
	}
	if _, _, err := tx.tx.Set(jobQueueKey(j), j.ID, nil); err != nil {
		return cmn.WrapInternal(err, "requeue job")
	}
	return nil
}

// ListActiveJobsByMount returns queued or running jobs for a given mount.
func (tx *Tx) ListActiveJobsByMount(backendMountID string) ([]*cmn.ReconciliationJob, error) {
	var out []*cmn.ReconciliationJob
	var iterErr error
	tx.tx.AscendKeys(prefixJob+"*", func(key, val string) bool {
		var j cmn.ReconciliationJob
		if err := cmn.Unmarshal([]byte(val), &j); err != nil {
			iterErr = cmn.WrapInternal(err, "decode reconciliation job")
			return false
		}
		if j.BackendMountID == backendMountID && (j.Status == cmn.JobQueued || j.Status == cmn.JobRunning) {
			out = append(out, &j)
		}
		return true
	})
	return out, iterErr
}
