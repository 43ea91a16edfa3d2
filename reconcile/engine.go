// Package reconcile is the Reconciliation Engine (spec.md §4.G): a bounded
// worker pool that drains a persisted job queue, calls the executor's
// Head/ListForReconciliation to compare what the metadata catalog claims
// against what a backend actually holds, applies the resulting state
// transition inside a short metadata transaction, and emits the matching
// events. The worker-pool shape - a fixed concurrency floor draining a
// shared queue, woken on enqueue and otherwise polling - generalizes the
// teacher's xaction/runners/global.go job-runner loop to one pool over a
// single queue instead of one goroutine per xaction kind.
package reconcile

import (
	"context"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/backend"
	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/events"
	"github.com/benediktbwimmer/apphub-sub006/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config mirrors the `reconciliation.*` tunables in spec.md §6.5.
type Config struct {
	QueueConcurrency int
	AuditIntervalMs  int
	AuditBatchSize   int
	MaxAttempts      int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueConcurrency: cmn.DefaultReconcileConcurrency,
		AuditIntervalMs:  cmn.DefaultAuditIntervalMs,
		AuditBatchSize:   cmn.DefaultAuditBatchSize,
		MaxAttempts:      cmn.DefaultReconcileMaxAttempts,
		BaseBackoff:      cmn.DefaultReconcileBaseBackoff,
		MaxBackoff:       cmn.DefaultReconcileMaxBackoff,
	}
}

// Request is the inbound reconciliation request shape from spec.md §6.4.
type Request struct {
	BackendMountID string
	Path           string
	NodeID         string
	Reason         cmn.ReconciliationReason
	DetectChildren bool
	RequestedHash  bool
}

// Engine is the Reconciliation Engine (spec.md §4.G).
type Engine struct {
	st        *store.Store
	executors *backend.Registry
	bus       *events.Bus
	cfg       Config
	log       zerolog.Logger

	wake   chan struct{}
	wg     *cmn.LimitedWaitGroup
	stopCh *cmn.StopCh
}

func New(st *store.Store, executors *backend.Registry, bus *events.Bus, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		st:        st,
		executors: executors,
		bus:       bus,
		cfg:       cfg,
		log:       log,
		wake:      make(chan struct{}, 1),
		wg:        cmn.NewLimitedWaitGroup(cfg.QueueConcurrency),
		stopCh:    cmn.NewStopCh(),
	}
}

// Start launches cfg.QueueConcurrency worker goroutines. Each drains the
// queue until empty, then waits for the next wake signal (Enqueue or the
// audit sweep) or a one-second poll tick, so a missed wake-up is never
// fatal to forward progress.
func (e *Engine) Start() {
	for i := 0; i < e.cfg.QueueConcurrency; i++ {
		e.wg.Add(1)
		go e.runWorker()
	}
}

func (e *Engine) Stop() {
	e.stopCh.Close()
	e.wg.Wait()
}

func (e *Engine) runWorker() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		for e.drainOne() {
		}
		select {
		case <-e.stopCh.Listen():
			return
		case <-e.wake:
		case <-ticker.C:
		}
	}
}

func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Enqueue implements the reconciliation request surface (spec.md §6.4):
// submits a job, returning the existing job unchanged when req coalesces
// with one already queued or running for the same (backendMountId, path)
// - "a drift job for a path already queued is coalesced, not duplicated".
func (e *Engine) Enqueue(req Request) (*cmn.ReconciliationJob, error) {
	job := &cmn.ReconciliationJob{
		ID:             uuid.NewString(),
		JobKey:         jobKey(req.BackendMountID, req.Path),
		BackendMountID: req.BackendMountID,
		NodeID:         req.NodeID,
		Path:           req.Path,
		Reason:         req.Reason,
		Status:         cmn.JobQueued,
		DetectChildren: req.DetectChildren,
		RequestedHash:  req.RequestedHash,
		EnqueuedAt:     time.Now().UTC(),
	}
	var out *cmn.ReconciliationJob
	err := e.st.Update(func(tx *store.Tx) error {
		var err error
		out, err = tx.EnqueueReconciliationJob(job)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.ID == job.ID {
		e.bus.Publish(cmn.Event{Type: cmn.EvtReconJobQueued, Data: jobPayload(out, "")})
	}
	e.notify()
	return out, nil
}

func jobKey(backendMountID, path string) string {
	return backendMountID + ":" + path
}

func jobPayload(j *cmn.ReconciliationJob, errMsg string) cmn.JobPayload {
	return cmn.JobPayload{
		JobID:          j.ID,
		JobKey:         j.JobKey,
		BackendMountID: j.BackendMountID,
		Path:           j.Path,
		Reason:         j.Reason,
		Status:         j.Status,
		Attempt:        j.Attempt,
		Error:          errMsg,
		ObservedAt:     time.Now().UTC(),
	}
}

func nodeEventPayload(n *cmn.Node) cmn.NodePayload {
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
	}
}

// RunOnce drains a single queued job synchronously, returning true if one
// was found and processed. Used by tests and by a manual "run reconciliation
// now" admin hook without standing up the background worker pool.
func (e *Engine) RunOnce() bool { return e.drainOne() }

// drainOne pops the oldest still-queued job (the atomic status flip to
// JobRunning happens in the same transaction as the pop, so no two workers
// can ever pick the same job) and runs it to completion. It returns true
// when a job was found, regardless of outcome, so the caller keeps
// draining; false once the queue is empty.
func (e *Engine) drainOne() bool {
	var job *cmn.ReconciliationJob
	err := e.st.Update(func(tx *store.Tx) error {
		j, err := tx.DequeueNext()
		if err != nil || j == nil {
			job = j
			return err
		}
		j.Status = cmn.JobRunning
		started := time.Now().UTC()
		j.StartedAt = &started
		if err := tx.PutReconciliationJob(j); err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		e.log.Error().Err(err).Msg("dequeue reconciliation job")
		return false
	}
	if job == nil {
		return false
	}
	e.bus.Publish(cmn.Event{Type: cmn.EvtReconJobStarted, Data: jobPayload(job, "")})
	e.runJob(job)
	return true
}

func (e *Engine) runJob(job *cmn.ReconciliationJob) {
	ctx := context.Background()
	skipped, err := e.process(ctx, job)
	now := time.Now().UTC()

	if err == nil {
		// a job whose target node no longer exists in the catalog has
		// nothing to reconcile against; record it distinctly from a job
		// that actually compared state and found (or confirmed the
		// absence of) drift.
		if skipped {
			job.Status = cmn.JobSkipped
		} else {
			job.Status = cmn.JobSucceeded
		}
		job.Error = ""
		job.FinishedAt = &now
		if perr := e.st.Update(func(tx *store.Tx) error { return tx.PutReconciliationJob(job) }); perr != nil {
			e.log.Error().Err(perr).Msg("finalize succeeded reconciliation job")
		}
		e.bus.Publish(cmn.Event{Type: cmn.EvtReconJobCompleted, Data: jobPayload(job, "")})
		return
	}

	job.Attempt++
	job.Error = err.Error()

	if job.Attempt >= e.cfg.MaxAttempts {
		job.Status = cmn.JobFailed
		job.FinishedAt = &now
		if perr := e.st.Update(func(tx *store.Tx) error { return tx.PutReconciliationJob(job) }); perr != nil {
			e.log.Error().Err(perr).Msg("finalize failed reconciliation job")
		}
		e.bus.Publish(cmn.Event{Type: cmn.EvtReconJobFailed, Data: jobPayload(job, job.Error)})
		return
	}

	// exponential backoff, capped; re-dated so the FIFO ordering on
	// enqueuedAt naturally defers this job behind freshly-submitted work.
	backoff := e.cfg.BaseBackoff << uint(job.Attempt-1)
	if backoff <= 0 || backoff > e.cfg.MaxBackoff {
		backoff = e.cfg.MaxBackoff
	}
	next := now.Add(backoff)
	job.NextAttemptAt = &next
	job.Status = cmn.JobQueued
	job.EnqueuedAt = next
	if perr := e.st.Update(func(tx *store.Tx) error { return tx.RequeueJob(job) }); perr != nil {
		e.log.Error().Err(perr).Msg("requeue reconciliation job")
	}
	e.bus.Publish(cmn.Event{Type: cmn.EvtReconJobFailed, Data: jobPayload(job, job.Error)})
}

// process calls the executor outside any metadata transaction (mirrors the
// orchestrator's own executor-outside-the-lock rule, spec.md §5), then
// applies the resulting state transition and any follow-up child-drift
// jobs inside one short write transaction.
func (e *Engine) process(ctx context.Context, job *cmn.ReconciliationJob) (skipped bool, err error) {
	mount, err := e.getMount(job.BackendMountID)
	if err != nil {
		return false, err
	}
	exec, err := e.executors.Resolve(mount.BackendKind)
	if err != nil {
		return false, err
	}
	ec := backend.ExecContext{Context: ctx, Mount: mount}

	head, err := exec.Head(ec, job.Path)
	if err != nil {
		return false, err
	}
	present := head != nil

	var children []backend.ReconciliationEntry
	if job.DetectChildren && present && head.IsDir {
		children, err = exec.ListForReconciliation(ec, job.Path, true)
		if err != nil {
			return false, err
		}
	}

	var sawNode bool
	err = e.st.Update(func(tx *store.Tx) error {
		node, err := e.resolveJobNode(tx, job)
		if err != nil {
			return err
		}
		if node == nil {
			return nil
		}
		sawNode = true
		if err := e.reconcileNode(tx, node, present, head, job); err != nil {
			return err
		}
		if job.DetectChildren && node.Kind == cmn.KindDirectory {
			return e.detectChildDrift(tx, node, children)
		}
		return nil
	})
	return !sawNode, err
}

func (e *Engine) getMount(id string) (*cmn.BackendMount, error) {
	var mount *cmn.BackendMount
	err := e.st.View(func(tx *store.Tx) error {
		var err error
		mount, err = tx.GetBackendMount(id)
		return err
	})
	return mount, err
}

func (e *Engine) resolveJobNode(tx *store.Tx, job *cmn.ReconciliationJob) (*cmn.Node, error) {
	var (
		node *cmn.Node
		err  error
	)
	if job.NodeID != "" {
		node, err = tx.GetNodeByID(job.NodeID)
	} else {
		node, err = tx.GetNodeByPath(job.BackendMountID, job.Path)
	}
	if err != nil {
		if cmn.KindOf(err) == cmn.ErrNodeNotFound {
			return nil, nil
		}
		return nil, err
	}
	return node, nil
}

// reconcileNode applies the state-transition rules of spec.md §4.G to a
// single node, given what the backend just reported for its path.
func (e *Engine) reconcileNode(tx *store.Tx, node *cmn.Node, present bool, head *backend.HeadResult, job *cmn.ReconciliationJob) error {
	now := time.Now().UTC()
	node.ConsistencyCheckedAt = &now

	switch {
	case present && (node.State == cmn.StateMissing || node.State == cmn.StateInconsistent):
		node.State = cmn.StateActive
		node.ConsistencyState = cmn.DerivedConsistency(node.State)
		node.LastReconciledAt = &now
		node.Version++
		node.UpdatedAt = now
		if err := tx.PutNode(node); err != nil {
			return err
		}
		e.bus.Publish(cmn.Event{Type: cmn.EvtNodeReconciled, Data: nodeEventPayload(node)})
		return nil

	case !present && node.State == cmn.StateActive:
		node.State = cmn.StateMissing
		node.ConsistencyState = cmn.DerivedConsistency(node.State)
		node.LastDriftDetectedAt = &now
		node.Version++
		node.UpdatedAt = now
		if err := tx.PutNode(node); err != nil {
			return err
		}
		e.bus.Publish(cmn.Event{Type: cmn.EvtNodeMissing, Data: nodeEventPayload(node)})
		e.bus.Publish(cmn.Event{Type: cmn.EvtDriftDetected, Data: cmn.DriftPayload{
			BackendMountID: node.BackendMountID,
			NodeID:         node.ID,
			Path:           node.Path,
			Reason:         "missing",
			ObservedAt:     now,
		}})
		return nil

	case present && job.RequestedHash && node.Kind == cmn.KindFile && hashMismatch(node, head):
		node.State = cmn.StateInconsistent
		node.ConsistencyState = cmn.DerivedConsistency(node.State)
		node.LastDriftDetectedAt = &now
		node.Version++
		node.UpdatedAt = now
		if err := tx.PutNode(node); err != nil {
			return err
		}
		e.bus.Publish(cmn.Event{Type: cmn.EvtDriftDetected, Data: cmn.DriftPayload{
			BackendMountID: node.BackendMountID,
			NodeID:         node.ID,
			Path:           node.Path,
			Reason:         "checksum_mismatch",
			ObservedAt:     now,
		}})
		return nil

	default:
		// no state change; still record that a check ran.
		return tx.PutNode(node)
	}
}

func hashMismatch(node *cmn.Node, head *backend.HeadResult) bool {
	if node.SizeBytes != head.SizeBytes {
		return true
	}
	return node.Checksum != "" && head.Checksum != "" && node.Checksum != head.Checksum
}

// detectChildDrift compares the directory's live children in the catalog
// against what the backend just reported and enqueues a follow-up drift
// job for every path that only appears on one side (spec.md §4.G "if
// detectChildren was set and the directory's child set diverges, enqueue
// follow-up jobs for the differing paths").
func (e *Engine) detectChildDrift(tx *store.Tx, node *cmn.Node, observed []backend.ReconciliationEntry) error {
	page, err := tx.ListNodes(store.ListOptions{
		BackendMountID: node.BackendMountID,
		PathPrefix:     node.Path,
		DirectChildren: true,
		States:         []cmn.NodeState{cmn.StateActive, cmn.StateInconsistent, cmn.StateMissing},
		Limit:          100000,
	})
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(page.Nodes))
	for _, n := range page.Nodes {
		known[n.Path] = true
	}

	seen := make(map[string]bool, len(observed))
	var diverged []string
	for _, entry := range observed {
		seen[entry.Path] = true
		if !known[entry.Path] {
			diverged = append(diverged, entry.Path)
		}
	}
	for path := range known {
		if !seen[path] {
			diverged = append(diverged, path)
		}
	}

	for _, path := range diverged {
		follow := &cmn.ReconciliationJob{
			ID:             uuid.NewString(),
			JobKey:         jobKey(node.BackendMountID, path),
			BackendMountID: node.BackendMountID,
			Path:           path,
			Reason:         cmn.ReasonDrift,
			Status:         cmn.JobQueued,
			EnqueuedAt:     time.Now().UTC(),
		}
		if _, err := tx.EnqueueReconciliationJob(follow); err != nil {
			return err
		}
	}
	return nil
}
