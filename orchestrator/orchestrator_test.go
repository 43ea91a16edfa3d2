package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/benediktbwimmer/apphub-sub006/backend"
	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/events"
	"github.com/benediktbwimmer/apphub-sub006/orchestrator"
	"github.com/benediktbwimmer/apphub-sub006/rollup"
	"github.com/benediktbwimmer/apphub-sub006/store"
	"github.com/rs/zerolog"
)

func zeroLogger() zerolog.Logger { return zerolog.Nop() }

type testRig struct {
	st   *store.Store
	orc  *orchestrator.Orchestrator
	bus  *events.Bus
	mnt  *cmn.BackendMount
	root string
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	st, err := store.Open(store.Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	root := t.TempDir()
	mnt := &cmn.BackendMount{ID: "mnt1", MountKey: "primary", BackendKind: cmn.BackendLocal, AccessMode: cmn.AccessReadWrite, RootPath: root}
	if err := st.Update(func(tx *store.Tx) error { return tx.InsertBackendMount(mnt) }); err != nil {
		t.Fatalf("insert mount: %v", err)
	}

	registry := backend.NewRegistry()
	registry.Register(backend.NewLocal())

	rollups := rollup.NewManager(st, rollup.DefaultConfig())
	bus := events.NewBus()

	return &testRig{
		st:   st,
		orc:  orchestrator.New(st, registry, rollups, bus, zeroLogger()),
		bus:  bus,
		mnt:  mnt,
		root: root,
	}
}

func (r *testRig) stage(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "stage-*")
	if err != nil {
		t.Fatalf("create staging file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write staging content: %v", err)
	}
	f.Close()
	return f.Name()
}

func (r *testRig) run(t *testing.T, cmd cmn.Command) *cmn.CommandResult {
	t.Helper()
	res, err := r.orc.RunCommand(context.Background(), cmd)
	if err != nil {
		t.Fatalf("run %s: %v", cmd.Kind, err)
	}
	return res
}

func (r *testRig) runErr(t *testing.T, cmd cmn.Command) error {
	t.Helper()
	_, err := r.orc.RunCommand(context.Background(), cmd)
	if err == nil {
		t.Fatalf("run %s: expected error, got none", cmd.Kind)
	}
	return err
}

func TestCreateDirectoryAutoCreatesAncestorsAndIsIdempotent(t *testing.T) {
	r := newTestRig(t)

	res := r.run(t, cmn.Command{Kind: cmn.CmdCreateDirectory, BackendMountID: r.mnt.ID, Path: "a/b/c"})
	if res.Node == nil || res.Node.Path != "a/b/c" {
		t.Fatalf("unexpected node: %+v", res.Node)
	}

	var parent *cmn.Node
	if err := r.st.View(func(tx *store.Tx) error {
		var err error
		parent, err = tx.GetNodeByPath(r.mnt.ID, "a/b")
		return err
	}); err != nil {
		t.Fatalf("expected ancestor a/b to exist: %v", err)
	}
	if parent.Kind != cmn.KindDirectory {
		t.Fatalf("expected ancestor to be a directory, got %v", parent.Kind)
	}

	res2 := r.run(t, cmn.Command{Kind: cmn.CmdCreateDirectory, BackendMountID: r.mnt.ID, Path: "a/b/c"})
	if res2.Result["idempotent"] != true {
		t.Fatalf("expected second createDirectory to be idempotent, got %+v", res2.Result)
	}
}

func TestCreateDirectoryOnExistingFileFails(t *testing.T) {
	r := newTestRig(t)
	r.run(t, cmn.Command{
		Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "a",
		StagingPath: r.stage(t, "hi"), SizeBytes: 2,
	})

	err := r.runErr(t, cmn.Command{Kind: cmn.CmdCreateDirectory, BackendMountID: r.mnt.ID, Path: "a"})
	if cmn.KindOf(err) != cmn.ErrNotADirectory {
		t.Fatalf("expected NOT_A_DIRECTORY, got %v", err)
	}
}

func TestUploadFileWritesContentAndRollsUpParent(t *testing.T) {
	r := newTestRig(t)
	r.run(t, cmn.Command{Kind: cmn.CmdCreateDirectory, BackendMountID: r.mnt.ID, Path: "docs"})

	content := "hello world"
	res := r.run(t, cmn.Command{
		Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "docs/readme.txt",
		StagingPath: r.stage(t, content), SizeBytes: int64(len(content)), MimeType: "text/plain",
	})
	if res.Node.Kind != cmn.KindFile {
		t.Fatalf("expected a file node, got %v", res.Node.Kind)
	}

	written, err := os.ReadFile(filepath.Join(r.root, "docs", "readme.txt"))
	if err != nil {
		t.Fatalf("read written content: %v", err)
	}
	if string(written) != content {
		t.Fatalf("got content %q, want %q", written, content)
	}

	var parentRollup *cmn.Rollup
	if err := r.st.View(func(tx *store.Tx) error {
		parent, err := tx.GetNodeByPath(r.mnt.ID, "docs")
		if err != nil {
			return err
		}
		parentRollup, err = tx.GetRollup(parent.ID)
		return err
	}); err != nil {
		t.Fatalf("read parent rollup: %v", err)
	}
	if parentRollup.FileCount != 1 || parentRollup.SizeBytes != int64(len(content)) {
		t.Fatalf("unexpected parent rollup: %+v", parentRollup)
	}
}

func TestUploadFileRejectsDuplicatePath(t *testing.T) {
	r := newTestRig(t)
	cmd := cmn.Command{Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "a.txt", StagingPath: r.stage(t, "x"), SizeBytes: 1}
	r.run(t, cmd)

	cmd.StagingPath = r.stage(t, "y")
	err := r.runErr(t, cmd)
	if cmn.KindOf(err) != cmn.ErrNodeExists {
		t.Fatalf("expected NODE_EXISTS, got %v", err)
	}
}

func TestWriteFileBumpsVersionAndUpdatesSize(t *testing.T) {
	r := newTestRig(t)
	upload := r.run(t, cmn.Command{
		Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "a.txt",
		StagingPath: r.stage(t, "v1"), SizeBytes: 2,
	})

	res := r.run(t, cmn.Command{
		Kind: cmn.CmdWriteFile, NodeID: upload.Node.ID,
		StagingPath: r.stage(t, "version two"), SizeBytes: 11,
	})
	if res.Node.Version != 2 {
		t.Fatalf("expected version 2, got %d", res.Node.Version)
	}
	if res.Node.SizeBytes != 11 {
		t.Fatalf("expected size 11, got %d", res.Node.SizeBytes)
	}

	written, err := os.ReadFile(filepath.Join(r.root, "a.txt"))
	if err != nil {
		t.Fatalf("read written content: %v", err)
	}
	if string(written) != "version two" {
		t.Fatalf("got content %q", written)
	}
}

func TestWriteFileOnDirectoryFails(t *testing.T) {
	r := newTestRig(t)
	dir := r.run(t, cmn.Command{Kind: cmn.CmdCreateDirectory, BackendMountID: r.mnt.ID, Path: "d"})

	err := r.runErr(t, cmn.Command{Kind: cmn.CmdWriteFile, NodeID: dir.Node.ID, StagingPath: r.stage(t, "x"), SizeBytes: 1})
	if cmn.KindOf(err) != cmn.ErrNotAFile {
		t.Fatalf("expected NOT_A_FILE, got %v", err)
	}
}

func TestCopyNodeDuplicatesFile(t *testing.T) {
	r := newTestRig(t)
	r.run(t, cmn.Command{Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "src.txt", StagingPath: r.stage(t, "payload"), SizeBytes: 7})

	res := r.run(t, cmn.Command{Kind: cmn.CmdCopyNode, BackendMountID: r.mnt.ID, Path: "src.txt", TargetPath: "dst.txt"})
	if res.Node.Path != "dst.txt" {
		t.Fatalf("unexpected copy target node: %+v", res.Node)
	}

	srcBytes, _ := os.ReadFile(filepath.Join(r.root, "src.txt"))
	dstBytes, err := os.ReadFile(filepath.Join(r.root, "dst.txt"))
	if err != nil {
		t.Fatalf("read copied content: %v", err)
	}
	if string(srcBytes) != string(dstBytes) {
		t.Fatalf("copied content mismatch: %q vs %q", srcBytes, dstBytes)
	}

	if _, err := os.Stat(filepath.Join(r.root, "src.txt")); err != nil {
		t.Fatalf("expected source to survive a copy: %v", err)
	}
}

func TestCopyNodeWithoutOverwriteFailsOnExistingTarget(t *testing.T) {
	r := newTestRig(t)
	r.run(t, cmn.Command{Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "src.txt", StagingPath: r.stage(t, "a"), SizeBytes: 1})
	r.run(t, cmn.Command{Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "dst.txt", StagingPath: r.stage(t, "b"), SizeBytes: 1})

	err := r.runErr(t, cmn.Command{Kind: cmn.CmdCopyNode, BackendMountID: r.mnt.ID, Path: "src.txt", TargetPath: "dst.txt"})
	if cmn.KindOf(err) != cmn.ErrNodeExists {
		t.Fatalf("expected NODE_EXISTS, got %v", err)
	}
}

func TestCopyNodeDuplicatesDirectoryRecursively(t *testing.T) {
	r := newTestRig(t)
	r.run(t, cmn.Command{Kind: cmn.CmdCreateDirectory, BackendMountID: r.mnt.ID, Path: "srcdir"})
	r.run(t, cmn.Command{Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "srcdir/f.txt", StagingPath: r.stage(t, "nested"), SizeBytes: 6})

	r.run(t, cmn.Command{Kind: cmn.CmdCopyNode, BackendMountID: r.mnt.ID, Path: "srcdir", TargetPath: "dstdir"})

	var copied *cmn.Node
	if err := r.st.View(func(tx *store.Tx) error {
		var err error
		copied, err = tx.GetNodeByPath(r.mnt.ID, "dstdir/f.txt")
		return err
	}); err != nil {
		t.Fatalf("expected nested file to be copied: %v", err)
	}
	if copied.SizeBytes != 6 {
		t.Fatalf("unexpected copied size: %d", copied.SizeBytes)
	}
}

func TestMoveNodeRelocatesAndRemovesSource(t *testing.T) {
	r := newTestRig(t)
	r.run(t, cmn.Command{Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "old.txt", StagingPath: r.stage(t, "payload"), SizeBytes: 7})

	res := r.run(t, cmn.Command{Kind: cmn.CmdMoveNode, BackendMountID: r.mnt.ID, Path: "old.txt", TargetPath: "new.txt"})
	if res.Node.Path != "new.txt" {
		t.Fatalf("unexpected moved node: %+v", res.Node)
	}

	if _, err := os.Stat(filepath.Join(r.root, "old.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected source bytes to be gone after move, err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(r.root, "new.txt")); err != nil {
		t.Fatalf("expected target bytes to exist after move: %v", err)
	}

	if err := r.st.View(func(tx *store.Tx) error {
		_, err := tx.GetNodeByPath(r.mnt.ID, "old.txt")
		return err
	}); cmn.KindOf(err) != cmn.ErrNodeNotFound {
		t.Fatalf("expected old path to be gone from metadata, got %v", err)
	}
}

func TestDeleteNodeNonRecursiveFailsWithActiveChildren(t *testing.T) {
	r := newTestRig(t)
	r.run(t, cmn.Command{Kind: cmn.CmdCreateDirectory, BackendMountID: r.mnt.ID, Path: "d"})
	r.run(t, cmn.Command{Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "d/f.txt", StagingPath: r.stage(t, "x"), SizeBytes: 1})

	err := r.runErr(t, cmn.Command{Kind: cmn.CmdDeleteNode, BackendMountID: r.mnt.ID, Path: "d"})
	if cmn.KindOf(err) != cmn.ErrChildrenExist {
		t.Fatalf("expected CHILDREN_EXIST, got %v", err)
	}
}

func TestDeleteNodeRecursiveMarksOnlyRootDeleted(t *testing.T) {
	r := newTestRig(t)
	r.run(t, cmn.Command{Kind: cmn.CmdCreateDirectory, BackendMountID: r.mnt.ID, Path: "d"})
	r.run(t, cmn.Command{Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "d/f.txt", StagingPath: r.stage(t, "x"), SizeBytes: 1})

	r.run(t, cmn.Command{Kind: cmn.CmdDeleteNode, BackendMountID: r.mnt.ID, Path: "d", Recursive: true})

	var root *cmn.Node
	var child *cmn.Node
	if err := r.st.View(func(tx *store.Tx) error {
		var err error
		root, err = tx.GetNodeByPath(r.mnt.ID, "d")
		if err != nil {
			return err
		}
		child, err = tx.GetNodeByPath(r.mnt.ID, "d/f.txt")
		return err
	}); err != nil {
		t.Fatalf("expected descendant row to survive a recursive delete: %v", err)
	}
	if root.State != cmn.StateDeleted {
		t.Fatalf("expected root state deleted, got %v", root.State)
	}
	if child.State != cmn.StateActive {
		t.Fatalf("expected descendant to be left as-is, got %v", child.State)
	}
}

func TestDeleteNodeAlreadyDeletedIsIdempotent(t *testing.T) {
	r := newTestRig(t)
	r.run(t, cmn.Command{Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "f.txt", StagingPath: r.stage(t, "x"), SizeBytes: 1})
	r.run(t, cmn.Command{Kind: cmn.CmdDeleteNode, BackendMountID: r.mnt.ID, Path: "f.txt"})

	res := r.run(t, cmn.Command{Kind: cmn.CmdDeleteNode, BackendMountID: r.mnt.ID, Path: "f.txt"})
	if res.Result["idempotent"] != true {
		t.Fatalf("expected idempotent result, got %+v", res.Result)
	}
}

func TestUpdateNodeMetadataMergesAndPrunes(t *testing.T) {
	r := newTestRig(t)
	upload := r.run(t, cmn.Command{
		Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "f.txt",
		StagingPath: r.stage(t, "x"), SizeBytes: 1,
		Metadata: cmn.Metadata{"owner": "alice", "stale": "value"},
	})

	res := r.run(t, cmn.Command{
		Kind: cmn.CmdUpdateNodeMetadata, NodeID: upload.Node.ID,
		Set:   cmn.Metadata{"team": "platform"},
		Unset: []string{"stale"},
	})
	if res.Node.Metadata["owner"] != "alice" || res.Node.Metadata["team"] != "platform" {
		t.Fatalf("unexpected merged metadata: %+v", res.Node.Metadata)
	}
	if _, ok := res.Node.Metadata["stale"]; ok {
		t.Fatalf("expected stale key to be unset, got %+v", res.Node.Metadata)
	}
	if res.Node.Version != 2 {
		t.Fatalf("expected version bump, got %d", res.Node.Version)
	}
}

func TestIdempotencyKeyReplaysSucceededResult(t *testing.T) {
	r := newTestRig(t)
	cmd := cmn.Command{
		Kind: cmn.CmdCreateDirectory, BackendMountID: r.mnt.ID, Path: "once",
		IdempotencyKey: "key-1",
	}
	first := r.run(t, cmd)
	second := r.run(t, cmd)

	if second.JournalEntryID != first.JournalEntryID {
		t.Fatalf("expected replay to return the original journal entry, got %q vs %q", second.JournalEntryID, first.JournalEntryID)
	}
	if !second.Idempotent {
		t.Fatalf("expected replayed result to be marked idempotent")
	}
}

func TestIdempotencyKeyReattemptsAfterFailure(t *testing.T) {
	r := newTestRig(t)

	failing := cmn.Command{
		Kind: cmn.CmdCreateDirectory, BackendMountID: "no-such-mount", Path: "a",
		IdempotencyKey: "key-2",
	}
	if err := r.runErr(t, failing); cmn.KindOf(err) != cmn.ErrBackendNotFound {
		t.Fatalf("expected BACKEND_NOT_FOUND, got %v", err)
	}

	retry := cmn.Command{
		Kind: cmn.CmdCreateDirectory, BackendMountID: r.mnt.ID, Path: "a",
		IdempotencyKey: "key-2",
	}
	res := r.run(t, retry)
	if res.Idempotent {
		t.Fatalf("expected the re-attempt to run fresh, not replay a failed result")
	}
}

func TestCreateDeleteCreateCycleYieldsFreshNode(t *testing.T) {
	r := newTestRig(t)

	first := r.run(t, cmn.Command{Kind: cmn.CmdCreateDirectory, BackendMountID: r.mnt.ID, Path: "cycle"})
	r.run(t, cmn.Command{Kind: cmn.CmdDeleteNode, BackendMountID: r.mnt.ID, Path: "cycle"})

	second := r.run(t, cmn.Command{Kind: cmn.CmdCreateDirectory, BackendMountID: r.mnt.ID, Path: "cycle"})
	if second.Node.ID == first.Node.ID {
		t.Fatalf("expected a fresh node id, got the tombstoned one back: %s", second.Node.ID)
	}
	if second.Node.Version != 1 || second.Node.State != cmn.StateActive {
		t.Fatalf("expected a fresh version-1 active node, got %+v", second.Node)
	}

	if err := r.st.View(func(tx *store.Tx) error {
		n, err := tx.GetNodeByPath(r.mnt.ID, "cycle")
		if err != nil {
			return err
		}
		if n.ID != second.Node.ID {
			t.Fatalf("path index still points at the stale node %s instead of %s", n.ID, second.Node.ID)
		}
		return nil
	}); err != nil {
		t.Fatalf("lookup recreated path: %v", err)
	}
}

func TestUploadFileChecksumMismatchLeavesNoNode(t *testing.T) {
	r := newTestRig(t)

	cmd := cmn.Command{
		Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "a.bin",
		StagingPath: r.stage(t, "actual content"), SizeBytes: 14,
		Checksum: "sha256:0000000000000000000000000000000000000000000000000000000000000000",
	}
	err := r.runErr(t, cmd)
	if cmn.KindOf(err) != cmn.ErrChecksumMismatch {
		t.Fatalf("expected CHECKSUM_MISMATCH, got %v", err)
	}

	if err := r.st.View(func(tx *store.Tx) error {
		_, err := tx.GetNodeByPath(r.mnt.ID, "a.bin")
		return err
	}); cmn.KindOf(err) != cmn.ErrNodeNotFound {
		t.Fatalf("expected no node to exist after a checksum mismatch, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(r.root, "a.bin")); !os.IsNotExist(err) {
		t.Fatalf("expected no bytes to be committed after a checksum mismatch, err=%v", err)
	}
}

func TestUploadFileWithMatchingChecksumSucceeds(t *testing.T) {
	r := newTestRig(t)
	// sha256("hi") = 8f434346648f6b96df89dda901c5176b10a6d83961dd3c1ac88b59b2dc327aa4
	cmd := cmn.Command{
		Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "a.bin",
		StagingPath: r.stage(t, "hi"), SizeBytes: 2,
		Checksum: "sha256:8f434346648f6b96df89dda901c5176b10a6d83961dd3c1ac88b59b2dc327aa4",
	}
	res := r.run(t, cmd)
	if res.Node == nil || res.Node.Path != "a.bin" {
		t.Fatalf("expected upload to succeed with a matching checksum, got %+v", res)
	}
}

func TestUploadFileEmitsCreatedAndUploadedEvents(t *testing.T) {
	r := newTestRig(t)
	received := make(chan cmn.Event, 8)
	unsub := r.bus.Subscribe(events.Filter{}, func(evt cmn.Event) { received <- evt })
	defer unsub()

	r.run(t, cmn.Command{Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "a.txt", StagingPath: r.stage(t, "x"), SizeBytes: 1})

	var sawCreated, sawUploaded bool
	drainEvents(received, func(evt cmn.Event) {
		switch evt.Type {
		case cmn.EvtNodeCreated:
			sawCreated = true
		case cmn.EvtNodeUploaded:
			sawUploaded = true
		}
	})
	if !sawCreated || !sawUploaded {
		t.Fatalf("expected both node.created and node.uploaded, got created=%v uploaded=%v", sawCreated, sawUploaded)
	}
}

func TestWriteFileEmitsUpdatedAndUploadedEvents(t *testing.T) {
	r := newTestRig(t)
	upload := r.run(t, cmn.Command{Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "a.txt", StagingPath: r.stage(t, "v1"), SizeBytes: 2})

	received := make(chan cmn.Event, 8)
	unsub := r.bus.Subscribe(events.Filter{}, func(evt cmn.Event) { received <- evt })
	defer unsub()

	r.run(t, cmn.Command{Kind: cmn.CmdWriteFile, NodeID: upload.Node.ID, StagingPath: r.stage(t, "v2!"), SizeBytes: 3})

	var sawUpdated, sawUploaded bool
	drainEvents(received, func(evt cmn.Event) {
		switch evt.Type {
		case cmn.EvtNodeUpdated:
			sawUpdated = true
		case cmn.EvtNodeUploaded:
			sawUploaded = true
		}
	})
	if !sawUpdated || !sawUploaded {
		t.Fatalf("expected both node.updated and node.uploaded, got updated=%v uploaded=%v", sawUpdated, sawUploaded)
	}
}

func TestCopyNodeEmitsCreatedAndCopiedEvents(t *testing.T) {
	r := newTestRig(t)
	r.run(t, cmn.Command{Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "src.txt", StagingPath: r.stage(t, "payload"), SizeBytes: 7})

	received := make(chan cmn.Event, 8)
	unsub := r.bus.Subscribe(events.Filter{}, func(evt cmn.Event) { received <- evt })
	defer unsub()

	r.run(t, cmn.Command{Kind: cmn.CmdCopyNode, BackendMountID: r.mnt.ID, Path: "src.txt", TargetPath: "dst.txt"})

	var sawCreated, sawCopied bool
	drainEvents(received, func(evt cmn.Event) {
		switch evt.Type {
		case cmn.EvtNodeCreated:
			sawCreated = true
		case cmn.EvtNodeCopied:
			sawCopied = true
		}
	})
	if !sawCreated || !sawCopied {
		t.Fatalf("expected both node.created and node.copied, got created=%v copied=%v", sawCreated, sawCopied)
	}
}

func TestMoveNodeEmitsUpdatedAndMovedEvents(t *testing.T) {
	r := newTestRig(t)
	r.run(t, cmn.Command{Kind: cmn.CmdUploadFile, BackendMountID: r.mnt.ID, Path: "old.txt", StagingPath: r.stage(t, "payload"), SizeBytes: 7})

	received := make(chan cmn.Event, 8)
	unsub := r.bus.Subscribe(events.Filter{}, func(evt cmn.Event) { received <- evt })
	defer unsub()

	r.run(t, cmn.Command{Kind: cmn.CmdMoveNode, BackendMountID: r.mnt.ID, Path: "old.txt", TargetPath: "new.txt"})

	var sawUpdated, sawMoved bool
	drainEvents(received, func(evt cmn.Event) {
		switch evt.Type {
		case cmn.EvtNodeUpdated:
			sawUpdated = true
		case cmn.EvtNodeMoved:
			sawMoved = true
		}
	})
	if !sawUpdated || !sawMoved {
		t.Fatalf("expected both node.updated and node.moved, got updated=%v moved=%v", sawUpdated, sawMoved)
	}
}

func drainEvents(ch <-chan cmn.Event, visit func(cmn.Event)) {
	for {
		select {
		case evt := <-ch:
			visit(evt)
		default:
			return
		}
	}
}

func TestIdempotencyKeyConflictsOnDifferentParameters(t *testing.T) {
	r := newTestRig(t)
	r.run(t, cmn.Command{
		Kind: cmn.CmdCreateDirectory, BackendMountID: r.mnt.ID, Path: "once",
		IdempotencyKey: "key-3",
	})

	err := r.runErr(t, cmn.Command{
		Kind: cmn.CmdCreateDirectory, BackendMountID: r.mnt.ID, Path: "different",
		IdempotencyKey: "key-3",
	})
	if cmn.KindOf(err) != cmn.ErrIdempotencyConflct {
		t.Fatalf("expected IDEMPOTENCY_CONFLICT for a reused key with different parameters, got %v", err)
	}
}

func TestCommandCompletedEventIsPublished(t *testing.T) {
	r := newTestRig(t)
	received := make(chan cmn.Event, 4)
	unsub := r.bus.Subscribe(events.Filter{}, func(evt cmn.Event) { received <- evt })
	defer unsub()

	r.run(t, cmn.Command{Kind: cmn.CmdCreateDirectory, BackendMountID: r.mnt.ID, Path: "a"})

	var sawCompleted, sawCreated bool
	for i := 0; i < 2; i++ {
		select {
		case evt := <-received:
			switch evt.Type {
			case cmn.EvtCommandCompleted:
				sawCompleted = true
			case cmn.EvtNodeCreated:
				sawCreated = true
			}
		default:
		}
	}
	if !sawCompleted || !sawCreated {
		t.Fatalf("expected both command.completed and node.created events, got completed=%v created=%v", sawCompleted, sawCreated)
	}
}
