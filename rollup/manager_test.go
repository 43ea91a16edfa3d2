package rollup_test

import (
	"testing"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/rollup"
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

func insertDir(t *testing.T, s *store.Store, id, parentID, path string) {
	t.Helper()
	n := &cmn.Node{
		ID: id, BackendMountID: "mnt1", Path: path, Name: path, ParentID: parentID,
		Kind: cmn.KindDirectory, State: cmn.StateActive,
		ConsistencyState: cmn.ConsistencyActive, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		Metadata: cmn.Metadata{},
	}
	if err := s.Update(func(tx *store.Tx) error { return tx.InsertNode(n) }); err != nil {
		t.Fatalf("insert dir %s: %v", path, err)
	}
}

func insertFile(t *testing.T, s *store.Store, id, parentID, path string, size int64) {
	t.Helper()
	n := &cmn.Node{
		ID: id, BackendMountID: "mnt1", Path: path, Name: path, ParentID: parentID,
		Kind: cmn.KindFile, SizeBytes: size, State: cmn.StateActive,
		ConsistencyState: cmn.ConsistencyActive, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		Metadata: cmn.Metadata{},
	}
	if err := s.Update(func(tx *store.Tx) error { return tx.InsertNode(n) }); err != nil {
		t.Fatalf("insert file %s: %v", path, err)
	}
}

func TestApplyDeltaAndGetSummary(t *testing.T) {
	s := openTestStore(t)
	m := rollup.NewManager(s, rollup.DefaultConfig())
	insertDir(t, s, "dir1", "", "dir1")

	err := s.Update(func(tx *store.Tx) error {
		_, err := m.ApplyDelta(tx, "dir1", cmn.RollupDelta{SizeDelta: 100, FileDelta: 1, ChildDelta: 1}, false)
		return err
	})
	if err != nil {
		t.Fatalf("apply delta: %v", err)
	}

	r, err := m.GetRollupSummary("dir1")
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if r.SizeBytes != 100 || r.FileCount != 1 {
		t.Fatalf("unexpected rollup: %+v", r)
	}
}

func TestCascadeAppliesToAncestors(t *testing.T) {
	s := openTestStore(t)
	cfg := rollup.DefaultConfig()
	m := rollup.NewManager(s, cfg)

	insertDir(t, s, "root", "", "root")
	insertDir(t, s, "sub", "root", "root/sub")
	insertFile(t, s, "f1", "sub", "root/sub/f.txt", 50)

	err := s.Update(func(tx *store.Tx) error {
		return m.Cascade(tx, "sub", cmn.RollupDelta{SizeDelta: 50, FileDelta: 1, ChildDelta: 1}, false)
	})
	if err != nil {
		t.Fatalf("cascade: %v", err)
	}

	subR, err := m.GetRollupSummary("sub")
	if err != nil {
		t.Fatal(err)
	}
	rootR, err := m.GetRollupSummary("root")
	if err != nil {
		t.Fatal(err)
	}
	if subR.SizeBytes != 50 || rootR.SizeBytes != 50 {
		t.Fatalf("expected delta propagated to both levels, got sub=%d root=%d", subR.SizeBytes, rootR.SizeBytes)
	}
}

func TestCascadeStopsAtMaxDepth(t *testing.T) {
	s := openTestStore(t)
	cfg := rollup.DefaultConfig()
	cfg.MaxCascadeDepth = 1
	m := rollup.NewManager(s, cfg)

	insertDir(t, s, "root", "", "root")
	insertDir(t, s, "sub", "root", "root/sub")

	err := s.Update(func(tx *store.Tx) error {
		return m.Cascade(tx, "sub", cmn.RollupDelta{SizeDelta: 10, FileDelta: 1}, false)
	})
	if err != nil {
		t.Fatalf("cascade: %v", err)
	}

	subR, err := m.GetRollupSummary("sub")
	if err != nil {
		t.Fatal(err)
	}
	if subR.SizeBytes != 10 {
		t.Fatalf("expected sub to receive delta, got %d", subR.SizeBytes)
	}
	if subR.State != cmn.RollupStale {
		t.Fatalf("expected sub to be marked stale once cascade depth is exhausted, got %v", subR.State)
	}
}

func TestRecalculateSumsDirectChildren(t *testing.T) {
	s := openTestStore(t)
	m := rollup.NewManager(s, rollup.DefaultConfig())

	insertDir(t, s, "root", "", "root")
	insertFile(t, s, "f1", "root", "root/a.txt", 30)
	insertFile(t, s, "f2", "root", "root/b.txt", 70)

	if err := m.Recalculate("root"); err != nil {
		t.Fatalf("recalculate: %v", err)
	}

	r, err := m.GetRollupSummary("root")
	if err != nil {
		t.Fatal(err)
	}
	if r.SizeBytes != 100 || r.FileCount != 2 || r.State != cmn.RollupUpToDate {
		t.Fatalf("unexpected recalculated rollup: %+v", r)
	}
}
