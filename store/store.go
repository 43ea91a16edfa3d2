// Package store is the Metadata Store (spec.md §4.B): typed CRUD over
// nodes, journal entries, rollups, backend mounts, snapshots, and
// reconciliation jobs, with every write running inside a caller-supplied
// transaction. It generalizes the teacher's dbdriver package (a flat
// buntdb-backed key/value store) into the typed collections and filtered
// listings the spec requires, using buntdb's own ACID transactions as the
// "forUpdate" row-locking primitive spec.md §5 asks for.
package store

import (
	"fmt"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/dbdriver"
	"github.com/rs/zerolog"
	"github.com/tidwall/buntdb"
)

// key-space layout. Each is a prefix over a flat buntdb keyspace; buntdb
// orders keys lexicographically, which the node-path and job-queue
// iteration below rely on directly instead of registering secondary
// indexes for what is, in practice, a single range scan per query.
const (
	prefixNode     = "node/"
	prefixNodePath = "nodepath/" // nodepath/<backendMountID>/<path> -> nodeID
	prefixJournal  = "journal/"
	prefixJournalK = "journalkey/" // journalkey/<command>/<idempotencyKey> -> journalID
	prefixRollup   = "rollup/"
	prefixMount    = "mount/"
	prefixMountKey = "mountkey/" // mountkey/<mountKey> -> mountID
	prefixJob      = "job/"
	prefixJobKey   = "jobkey/" // jobkey/<jobKey> -> jobID
	prefixJobQueue = "jobqueue/" // jobqueue/<enqueuedAtNano>/<jobID> -> jobID, ordered
	prefixSnapshot = "snapshot/" // snapshot/<nodeID>/<version> -> Snapshot
)

// Store is the Metadata Store handle. One Store is opened per process and
// shared by the orchestrator, rollup manager, and reconciliation engine -
// the same "global mutable singleton with explicit init/teardown" shape
// spec.md §9 calls out for the DB pool.
type Store struct {
	driver *dbdriver.BuntDriver
	db     *buntdb.DB
	log    zerolog.Logger

	snapshotsEnabled bool
}

type Options struct {
	Path             string // ":memory:" for an ephemeral store (tests)
	SnapshotsEnabled bool
	Logger           zerolog.Logger
}

func Open(opts Options) (*Store, error) {
	path := opts.Path
	if path == "" {
		path = ":memory:"
	}
	driver, err := dbdriver.NewBuntDB(path)
	if err != nil {
		return nil, cmn.WrapInternal(err, "open metadata store")
	}
	s := &Store{
		driver:           driver,
		db:               driver.Raw(),
		log:              opts.Logger,
		snapshotsEnabled: opts.SnapshotsEnabled,
	}
	return s, nil
}

func (s *Store) Close() error { return s.driver.Close() }

// SnapshotsEnabled reports whether PutSnapshot calls within this
// transaction actually persist, so callers can skip building a Snapshot
// value entirely when the feature is off.
func (tx *Tx) SnapshotsEnabled() bool { return tx.store.snapshotsEnabled }

// Tx wraps a single buntdb transaction. forUpdate distinguishes a
// read/write transaction (buntdb.Tx backed by db.Update, required whenever
// the orchestrator intends to mutate - spec.md §4.B "Row-level locking ...
// is required by the orchestrator whenever it intends to mutate") from a
// read-only one (db.View).
type Tx struct {
	tx        *buntdb.Tx
	forUpdate bool
	store     *Store
}

// Update runs fn inside a single read/write transaction. buntdb serializes
// all Update calls against a given database, which gives every node row
// the exclusivity the spec's "forUpdate" row lock asks for: two concurrent
// commands touching the same node cannot interleave their writes (spec.md
// §5 "writes to a given node acquire its row lock").
func (s *Store) Update(fn func(tx *Tx) error) error {
	err := s.db.Update(func(btx *buntdb.Tx) error {
		return fn(&Tx{tx: btx, forUpdate: true, store: s})
	})
	return translateBuntErr(err)
}

// View runs fn inside a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	err := s.db.View(func(btx *buntdb.Tx) error {
		return fn(&Tx{tx: btx, forUpdate: false, store: s})
	})
	return translateBuntErr(err)
}

func translateBuntErr(err error) error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*cmn.Error); ok {
		return ce
	}
	return cmn.WrapInternal(err, "metadata store transaction failed")
}

func nowISO() time.Time { return time.Now().UTC() }

func snapshotKey(nodeID string, version int64) string {
	return fmt.Sprintf("%s%s/%020d", prefixSnapshot, nodeID, version)
}
