// Package backend is the Executor Registry (spec.md §4.C): it resolves a
// BackendKind to an Executor implementation and exposes the byte-level
// capability set the orchestrator calls once metadata validation and
// locking are done. Registry resolution by kind mirrors the teacher's
// cloud.Provider switch in ais/cloud - one concrete provider per storage
// kind, looked up by a string tag rather than a type switch.
package backend

import (
	"context"
	"io"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/cmn"
)

// ExecContext carries the per-call parameters an executor needs beyond the
// path itself - the backend mount it's operating against and a deadline
// inherited from the caller (spec.md §5 "Cancellation & timeouts").
type ExecContext struct {
	Context context.Context
	Mount   *cmn.BackendMount
}

// HeadResult is what Head returns for a path that exists; a nil
// *HeadResult with a nil error means the path is absent.
type HeadResult struct {
	SizeBytes      int64
	ContentType    string
	Checksum       string
	LastModifiedAt time.Time
	IsDir          bool
}

// ReadStreamOptions requests a byte range; zero value reads from the start
// to EOF.
type ReadStreamOptions struct {
	RangeStart int64
	RangeEnd   int64 // inclusive, 0 means "to EOF" when RangeStart is also 0
	HasRange   bool
}

// ReadStreamResult is the lazy byte sequence an executor hands back for a
// read. Body must be closed by the caller.
type ReadStreamResult struct {
	Body          io.ReadCloser
	ContentLength int64
	ContentRange  string
	TotalSize     int64
	ETag          string
	LastModified  time.Time
}

// PresignedDownload is a signed, time-limited URL for out-of-band download.
type PresignedDownload struct {
	URL       string
	Method    string
	Headers   map[string]string
	ExpiresAt time.Time
}

// ReconciliationEntry is one observed child (or the path itself) as seen
// directly on the backend, independent of the metadata store.
type ReconciliationEntry struct {
	Path           string
	IsDir          bool
	SizeBytes      int64
	Checksum       string
	LastModifiedAt time.Time
}

// WriteRequest is the executor-facing side effect of uploadFile/writeFile:
// the orchestrator stages bytes at StagingPath and hands the executor a
// reference to them rather than streaming through the DB transaction
// (spec.md §5 "executors performing slow operations on new files operate
// on caller-supplied staging paths").
type WriteRequest struct {
	Path           string
	StagingPath    string
	SizeBytes      int64
	Checksum       string
	ContentHash    string
	MimeType       string
	ContentReader  io.Reader // set when StagingPath is empty (small in-memory writes)
	IsOverwrite    bool
}

// Executor is the capability set spec.md §4.C requires of every backend
// implementation. A command's Execute step (orchestrator pipeline step 5)
// calls exactly one of CreateDirectory/Write/Delete per invocation;
// Head/CreateReadStream/CreatePresignedDownload/ListForReconciliation serve
// reads and the reconciliation engine.
type Executor interface {
	Kind() cmn.BackendKind

	// CreateDirectory must be idempotent: a placeholder already present at
	// path is success, not NODE_EXISTS (spec.md §4.C).
	CreateDirectory(ec ExecContext, path string) error

	// Write performs the byte-level side effect for uploadFile/writeFile.
	// On overwrite, the old content must be released before returning
	// success so the metadata version bump and the new content are
	// consistent (spec.md §4.F.1 upload/write notes).
	Write(ec ExecContext, req WriteRequest) error

	// Delete must be idempotent: deleting an already-absent path is
	// success (spec.md §4.C).
	Delete(ec ExecContext, path string, isDir bool) error

	// Head returns nil, nil when path does not exist on the backend.
	Head(ec ExecContext, path string) (*HeadResult, error)

	CreateReadStream(ec ExecContext, path string, opts ReadStreamOptions) (*ReadStreamResult, error)

	// CreatePresignedDownload returns ErrNotSupported on backends that
	// cannot produce one (the local executor, spec.md §4.C).
	CreatePresignedDownload(ec ExecContext, path string, expiresInSeconds int) (*PresignedDownload, error)

	ListForReconciliation(ec ExecContext, path string, detectChildren bool) ([]ReconciliationEntry, error)
}

// Registry resolves a BackendKind to its Executor, mirroring the teacher's
// cloud provider resolution switch (ais/cloud).
type Registry struct {
	executors map[cmn.BackendKind]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[cmn.BackendKind]Executor)}
}

func (r *Registry) Register(e Executor) {
	r.executors[e.Kind()] = e
}

func (r *Registry) Resolve(kind cmn.BackendKind) (Executor, error) {
	e, ok := r.executors[kind]
	if !ok {
		return nil, cmn.NewErrExecutorNotFound(string(kind))
	}
	return e, nil
}
