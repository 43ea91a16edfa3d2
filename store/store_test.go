package store_test

import (
	"testing"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mkNode(mountID, path string, kind cmn.NodeKind) *cmn.Node {
	now := time.Now().UTC()
	return &cmn.Node{
		ID:               "node-" + path,
		BackendMountID:   mountID,
		Path:             path,
		Name:             path,
		Kind:             kind,
		State:            cmn.StateActive,
		ConsistencyState: cmn.DerivedConsistency(cmn.StateActive),
		CreatedAt:        now,
		UpdatedAt:        now,
		Metadata:         cmn.Metadata{},
	}
}

func TestInsertAndGetNode(t *testing.T) {
	s := openTestStore(t)
	n := mkNode("mnt1", "a/b", cmn.KindFile)

	err := s.Update(func(tx *store.Tx) error {
		return tx.InsertNode(n)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	var got *cmn.Node
	err = s.View(func(tx *store.Tx) error {
		var err error
		got, err = tx.GetNodeByPath("mnt1", "a/b")
		return err
	})
	if err != nil {
		t.Fatalf("get by path: %v", err)
	}
	if got.ID != n.ID {
		t.Fatalf("got id %q, want %q", got.ID, n.ID)
	}
}

func TestInsertNodeDuplicatePathRejected(t *testing.T) {
	s := openTestStore(t)
	n1 := mkNode("mnt1", "a", cmn.KindFile)
	n2 := mkNode("mnt1", "a", cmn.KindFile)
	n2.ID = "node-a-2"

	if err := s.Update(func(tx *store.Tx) error { return tx.InsertNode(n1) }); err != nil {
		t.Fatalf("insert n1: %v", err)
	}
	err := s.Update(func(tx *store.Tx) error { return tx.InsertNode(n2) })
	if cmn.KindOf(err) != cmn.ErrNodeExists {
		t.Fatalf("expected ErrNodeExists, got %v", err)
	}
}

func TestMoveNode(t *testing.T) {
	s := openTestStore(t)
	n := mkNode("mnt1", "a/old", cmn.KindFile)
	if err := s.Update(func(tx *store.Tx) error { return tx.InsertNode(n) }); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := s.Update(func(tx *store.Tx) error {
		n.Path = "a/new"
		n.Name = "new"
		return tx.MoveNode(n, "mnt1", "a/old")
	})
	if err != nil {
		t.Fatalf("move: %v", err)
	}

	err = s.View(func(tx *store.Tx) error {
		if _, err := tx.GetNodeByPath("mnt1", "a/old"); cmn.KindOf(err) != cmn.ErrNodeNotFound {
			t.Fatalf("expected old path gone, got %v", err)
		}
		if _, err := tx.GetNodeByPath("mnt1", "a/new"); err != nil {
			t.Fatalf("expected new path present: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestListNodesDirectChildrenAndFilters(t *testing.T) {
	s := openTestStore(t)
	nodes := []*cmn.Node{
		mkNode("mnt1", "root", cmn.KindDirectory),
		mkNode("mnt1", "root/file1.txt", cmn.KindFile),
		mkNode("mnt1", "root/file2.txt", cmn.KindFile),
		mkNode("mnt1", "root/sub", cmn.KindDirectory),
		mkNode("mnt1", "root/sub/deep.txt", cmn.KindFile),
	}
	nodes[1].SizeBytes = 10
	nodes[2].SizeBytes = 1000

	err := s.Update(func(tx *store.Tx) error {
		for _, n := range nodes {
			if err := tx.InsertNode(n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	var page *store.ListPage
	err = s.View(func(tx *store.Tx) error {
		var err error
		page, err = tx.ListNodes(store.ListOptions{
			BackendMountID: "mnt1",
			PathPrefix:     "root",
			DirectChildren: true,
		})
		return err
	})
	if err != nil {
		t.Fatalf("list direct children: %v", err)
	}
	if len(page.Nodes) != 3 {
		t.Fatalf("expected 3 direct children, got %d", len(page.Nodes))
	}

	err = s.View(func(tx *store.Tx) error {
		var err error
		page, err = tx.ListNodes(store.ListOptions{
			BackendMountID: "mnt1",
			PathPrefix:     "root",
			Kinds:          []cmn.NodeKind{cmn.KindFile},
			HasMinSize:     true,
			MinSize:        500,
		})
		return err
	})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(page.Nodes) != 1 || page.Nodes[0].Path != "root/file2.txt" {
		t.Fatalf("expected exactly root/file2.txt, got %+v", page.Nodes)
	}
}

func TestEnsureNoActiveChildren(t *testing.T) {
	s := openTestStore(t)
	parent := mkNode("mnt1", "d", cmn.KindDirectory)
	child := mkNode("mnt1", "d/c", cmn.KindFile)

	if err := s.Update(func(tx *store.Tx) error { return tx.InsertNode(parent) }); err != nil {
		t.Fatal(err)
	}
	err := s.View(func(tx *store.Tx) error { return tx.EnsureNoActiveChildren("mnt1", "d") })
	if err != nil {
		t.Fatalf("expected no children to be fine, got %v", err)
	}

	if err := s.Update(func(tx *store.Tx) error { return tx.InsertNode(child) }); err != nil {
		t.Fatal(err)
	}
	err = s.View(func(tx *store.Tx) error { return tx.EnsureNoActiveChildren("mnt1", "d") })
	if cmn.KindOf(err) != cmn.ErrChildrenExist {
		t.Fatalf("expected ErrChildrenExist, got %v", err)
	}
}

func TestReserveIdempotencyKey(t *testing.T) {
	s := openTestStore(t)
	err := s.Update(func(tx *store.Tx) error {
		existing, err := tx.ReserveIdempotencyKey(cmn.CmdCreateDirectory, "key-1", "journal-1")
		if err != nil {
			return err
		}
		if existing != "" {
			t.Fatalf("expected no existing journal on first reservation, got %q", existing)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.Update(func(tx *store.Tx) error {
		existing, err := tx.ReserveIdempotencyKey(cmn.CmdCreateDirectory, "key-1", "journal-2")
		if err != nil {
			return err
		}
		if existing != "journal-1" {
			t.Fatalf("expected replay of journal-1, got %q", existing)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestApplyRollupDeltaFloorsAtZero(t *testing.T) {
	s := openTestStore(t)
	err := s.Update(func(tx *store.Tx) error {
		_, err := tx.ApplyRollupDelta("dir1", cmn.RollupDelta{SizeDelta: 100, FileDelta: 1}, false)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	var r *cmn.Rollup
	err = s.Update(func(tx *store.Tx) error {
		var err error
		r, err = tx.ApplyRollupDelta("dir1", cmn.RollupDelta{SizeDelta: -1000, FileDelta: -5}, false)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.SizeBytes != 0 || r.FileCount != 0 {
		t.Fatalf("expected counters floored at zero, got size=%d files=%d", r.SizeBytes, r.FileCount)
	}
}

func TestReconciliationJobDedup(t *testing.T) {
	s := openTestStore(t)
	j1 := &cmn.ReconciliationJob{
		ID: "job-1", JobKey: "mnt1:/a", BackendMountID: "mnt1", Path: "a",
		Reason: cmn.ReasonDrift, Status: cmn.JobQueued, EnqueuedAt: time.Now().UTC(),
	}
	j2 := &cmn.ReconciliationJob{
		ID: "job-2", JobKey: "mnt1:/a", BackendMountID: "mnt1", Path: "a",
		Reason: cmn.ReasonDrift, Status: cmn.JobQueued, EnqueuedAt: time.Now().UTC(),
	}

	var first, second *cmn.ReconciliationJob
	err := s.Update(func(tx *store.Tx) error {
		var err error
		first, err = tx.EnqueueReconciliationJob(j1)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.Update(func(tx *store.Tx) error {
		var err error
		second, err = tx.EnqueueReconciliationJob(j2)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected dedup to return job-1, got %s", second.ID)
	}
}

func TestDequeueNextFIFO(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC()
	jobs := []*cmn.ReconciliationJob{
		{ID: "j1", JobKey: "k1", BackendMountID: "mnt1", Path: "a", Reason: cmn.ReasonAudit, Status: cmn.JobQueued, EnqueuedAt: base},
		{ID: "j2", JobKey: "k2", BackendMountID: "mnt1", Path: "b", Reason: cmn.ReasonAudit, Status: cmn.JobQueued, EnqueuedAt: base.Add(time.Millisecond)},
	}
	err := s.Update(func(tx *store.Tx) error {
		for _, j := range jobs {
			if _, err := tx.EnqueueReconciliationJob(j); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var popped *cmn.ReconciliationJob
	err = s.Update(func(tx *store.Tx) error {
		var err error
		popped, err = tx.DequeueNext()
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if popped == nil || popped.ID != "j1" {
		t.Fatalf("expected j1 to dequeue first, got %+v", popped)
	}
}

func TestBackendMountRoundTrip(t *testing.T) {
	s := openTestStore(t)
	m := &cmn.BackendMount{
		ID: "mnt1", MountKey: "local-1", BackendKind: cmn.BackendLocal,
		AccessMode: cmn.AccessReadWrite, Lifecycle: cmn.MountActive, RootPath: "/data",
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	err := s.Update(func(tx *store.Tx) error { return tx.InsertBackendMount(m) })
	if err != nil {
		t.Fatal(err)
	}

	var got *cmn.BackendMount
	err = s.View(func(tx *store.Tx) error {
		var err error
		got, err = tx.GetBackendMountByKey("local-1")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "mnt1" || !got.Writable() {
		t.Fatalf("unexpected mount: %+v", got)
	}
}
