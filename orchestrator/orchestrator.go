// Package orchestrator is the Command Orchestrator (spec.md §4.F): the core
// state machine that turns one of the seven Command variants into metadata
// mutations, executor side effects, rollup deltas, and published events.
// Preconditions run in one metadata-store transaction; the metadata
// mutation, rollup deltas and journal finalization run in a second one; the
// executor call runs between the two, outside any transaction.
//
// The tagged-variant Command dispatch here generalizes the teacher's own
// txn interface in ais/transaction.go: one txn per distributed bucket
// operation there (txnCreateBucket, txnMakeNCopies, txnRenameBucket,
// txnTransferBucket, ...), one commandHandler per catalog operation here,
// collapsed from a two-phase rendezvous protocol across targets down to a
// single local database transaction.
package orchestrator

import (
	"context"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/backend"
	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/events"
	"github.com/benediktbwimmer/apphub-sub006/rollup"
	"github.com/benediktbwimmer/apphub-sub006/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Orchestrator wires the Metadata Store, Executor Registry, Rollup Manager
// and Event Publisher behind the single RunCommand entry point (spec.md
// §4.F "Public entry: runCommand").
type Orchestrator struct {
	st        *store.Store
	executors *backend.Registry
	rollups   *rollup.Manager
	bus       *events.Bus
	log       zerolog.Logger
}

func New(st *store.Store, executors *backend.Registry, rollups *rollup.Manager, bus *events.Bus, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{st: st, executors: executors, rollups: rollups, bus: bus, log: log}
}

// commandHandler is the per-variant hook into the shared pipeline. Each
// concrete command file (createdir.go, upload.go, ...) implements exactly
// one of these, the same "one concrete type per operation, one shared
// driving loop" split the teacher uses for its txn variants. A handler
// resolves and stores whatever mounts/executors it needs during
// preconditions - single-mount commands need one, copy/move may need two
// when the target backend mount differs from the source.
type commandHandler interface {
	// preconditions runs inside the open write transaction (pipeline step
	// 4) after the journal row has been inserted. It resolves/validates
	// whatever the handler needs (including its own backend mount(s), for
	// handlers addressed by nodeId) and stages it on the handler itself.
	preconditions(tx *store.Tx, executors *backend.Registry) error

	// execute performs the executor side effect (pipeline step 5). Called
	// outside the metadata transaction with the caller's context.
	execute(ctx context.Context) error

	// mutate applies the resulting metadata writes (pipeline step 6) and
	// returns the rollup deltas keyed by affected directory node id
	// (pipeline step 7), plus the primary/secondary nodes for the result.
	mutate(tx *store.Tx) (deltas map[string]cmn.RollupDelta, markPending bool, primary, secondary *cmn.Node, err error)

	// result builds the CommandResult.Result payload and the lifecycle
	// events to emit after commit (pipeline step 9).
	result(primary, secondary *cmn.Node) (cmn.Metadata, []cmn.Event)
}

// RunCommand drives the ten-step pipeline from spec.md §4.F.2 for any
// Command variant.
func (o *Orchestrator) RunCommand(ctx context.Context, cmdIn cmn.Command) (*cmn.CommandResult, error) {
	// step 1: validate the request shape; mount resolution happens inside
	// the handler's preconditions (step 4), since every handler needs a
	// transaction to look mounts up and node-addressed commands only know
	// which mount to check once the node itself is loaded.
	handler, err := newHandler(cmdIn)
	if err != nil {
		return nil, err
	}

	// step 2: idempotency pre-check.
	if cmdIn.IdempotencyKey != "" {
		if res, done, err := o.checkIdempotency(cmdIn); done || err != nil {
			return res, err
		}
	}

	journalID := uuid.NewString()
	journal := &cmn.JournalEntry{
		ID:             journalID,
		Command:        cmdIn.Kind,
		Status:         cmn.JournalRunning,
		IdempotencyKey: cmdIn.IdempotencyKey,
		CorrelationID:  cmdIn.CorrelationID,
		Parameters:     commandParameters(cmdIn),
		StartedAt:      time.Now().UTC(),
	}
	if cmdIn.Principal != nil {
		journal.Principal = cmdIn.Principal.ID
	}

	// step 3: begin transaction, insert running journal entry, reserve the
	// idempotency key so a racing duplicate turns into IDEMPOTENCY_CONFLICT.
	var (
		deltas      map[string]cmn.RollupDelta
		markPending bool
		primary     *cmn.Node
		secondary   *cmn.Node
	)

	err = o.st.Update(func(tx *store.Tx) error {
		if cmdIn.IdempotencyKey != "" {
			existing, err := tx.ReserveIdempotencyKey(cmdIn.Kind, cmdIn.IdempotencyKey, journalID)
			if err != nil {
				return err
			}
			if existing != "" && existing != journalID {
				existingJournal, err := tx.GetJournalEntry(existing)
				if err != nil {
					return err
				}
				// a racing duplicate still mid-flight is a genuine
				// conflict; a terminally failed/canceled prior attempt
				// re-attempts under the same key (checkIdempotency already
				// made this call on the read path).
				if existingJournal.Status != cmn.JournalFailed && existingJournal.Status != cmn.JournalCanceled {
					return cmn.NewErrIdempotencyConflict(string(cmdIn.Kind), cmdIn.IdempotencyKey)
				}
				if err := tx.ReassignIdempotencyKey(cmdIn.Kind, cmdIn.IdempotencyKey, journalID); err != nil {
					return err
				}
			}
		}
		if err := tx.InsertJournalEntry(journal); err != nil {
			return err
		}

		// step 4: preconditions (resolves mount(s), validates, stages
		// whatever execute()/mutate() need).
		return handler.preconditions(tx, o.executors)
	})
	if err != nil {
		return nil, o.failJournal(journal, err)
	}

	// step 5: call the executor outside the metadata transaction so a slow
	// backend call never holds a row lock (spec.md §5).
	if err := handler.execute(ctx); err != nil {
		return nil, o.failJournal(journal, err)
	}

	// steps 6-8: mutate metadata, fold rollup deltas, finalize the journal,
	// inside a second transaction scoped to the already-verified work.
	err = o.st.Update(func(tx *store.Tx) error {
		var err error
		deltas, markPending, primary, secondary, err = handler.mutate(tx)
		if err != nil {
			return err
		}
		for nodeID, delta := range deltas {
			if _, err := o.rollups.ApplyDelta(tx, nodeID, delta, markPending); err != nil {
				return err
			}
		}

		resultPayload, _ := handler.result(primary, secondary)
		journal.Status = cmn.JournalSucceeded
		journal.Result = resultPayload
		if primary != nil {
			journal.PrimaryNodeID = primary.ID
		}
		if secondary != nil {
			journal.SecondaryNodeID = secondary.ID
		}
		now := time.Now().UTC()
		journal.FinishedAt = &now
		return tx.UpdateJournalEntry(journal)
	})
	if err != nil {
		return nil, o.failJournal(journal, err)
	}

	// step 9: emit command.completed plus derived lifecycle events.
	resultPayload, lifecycleEvents := handler.result(primary, secondary)
	o.bus.Publish(cmn.Event{
		Type: cmn.EvtCommandCompleted,
		Data: cmn.CommandCompletedPayload{
			CommandContext: cmn.CommandContext{
				JournalID:      journalID,
				Command:        cmdIn.Kind,
				IdempotencyKey: cmdIn.IdempotencyKey,
				Principal:      principalID(cmdIn.Principal),
			},
			Idempotent: false,
			ObservedAt: time.Now().UTC(),
		},
	})
	for _, evt := range lifecycleEvents {
		if p, ok := evt.Data.(cmn.NodePayload); ok {
			p.JournalID = journalID
			evt.Data = p
		}
		o.bus.Publish(evt)
	}

	// step 10: return.
	return &cmn.CommandResult{
		JournalEntryID: journalID,
		Idempotent:     false,
		Node:           primary,
		SecondaryNode:  secondary,
		Result:         resultPayload,
	}, nil
}

// resolveWritableMount is the shared "validate + resolve backend mount"
// step every handler's preconditions calls at least once (spec.md §4.F.2
// step 1: "resolve backend mount (must exist and be writable ...)").
func resolveWritableMount(tx *store.Tx, backendMountID string) (*cmn.BackendMount, error) {
	mount, err := tx.GetBackendMount(backendMountID)
	if err != nil {
		return nil, err
	}
	if !mount.Writable() {
		return nil, cmn.NewError(cmn.ErrInvalidRequest, "backend mount is read-only", "backendMountId", backendMountID)
	}
	return mount, nil
}

func (o *Orchestrator) checkIdempotency(cmdIn cmn.Command) (*cmn.CommandResult, bool, error) {
	var (
		existingID string
		journal    *cmn.JournalEntry
	)
	err := o.st.View(func(tx *store.Tx) error {
		id, err := tx.PeekIdempotencyKey(cmdIn.Kind, cmdIn.IdempotencyKey)
		if err != nil {
			return err
		}
		existingID = id
		if id == "" {
			return nil
		}
		journal, err = tx.GetJournalEntry(id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if existingID == "" {
		return nil, false, nil
	}
	switch journal.Status {
	case cmn.JournalSucceeded:
		if !commandParameters(cmdIn).Equal(journal.Parameters) {
			return nil, false, cmn.NewErrIdempotencyConflict(string(cmdIn.Kind), cmdIn.IdempotencyKey)
		}
		return &cmn.CommandResult{
			JournalEntryID: journal.ID,
			Idempotent:     true,
			Result:         journal.Result,
		}, true, nil
	case cmn.JournalFailed, cmn.JournalCanceled:
		// re-attempt: fall through to a normal run reusing the same key.
		return nil, false, nil
	default:
		// queued/running: a genuine concurrent duplicate.
		return nil, false, cmn.NewErrIdempotencyConflict(string(cmdIn.Kind), cmdIn.IdempotencyKey)
	}
}

func (o *Orchestrator) failJournal(journal *cmn.JournalEntry, cause error) error {
	appErr, ok := cause.(*cmn.Error)
	if !ok {
		appErr = cmn.WrapInternal(cause, "command failed")
	}
	journal.Status = cmn.JournalFailed
	errDetails := cmn.Metadata{"kind": string(appErr.Kind), "message": appErr.Message}
	journal.Error = &errDetails
	now := time.Now().UTC()
	journal.FinishedAt = &now
	// best-effort: the journal update runs outside the aborted transaction
	// (spec.md §4.F.2 step 5 "updated to failed in a follow-on statement").
	_ = o.st.Update(func(tx *store.Tx) error { return tx.UpdateJournalEntry(journal) })
	return appErr
}

func commandParameters(cmdIn cmn.Command) cmn.Metadata {
	p := cmn.Metadata{"kind": string(cmdIn.Kind)}
	if cmdIn.BackendMountID != "" {
		p["backendMountId"] = cmdIn.BackendMountID
	}
	if cmdIn.Path != "" {
		p["path"] = cmdIn.Path
	}
	if cmdIn.NodeID != "" {
		p["nodeId"] = cmdIn.NodeID
	}
	if cmdIn.TargetPath != "" {
		p["targetPath"] = cmdIn.TargetPath
	}
	return p
}

func principalID(p *cmn.Principal) string {
	if p == nil {
		return ""
	}
	return p.ID
}
