package backend

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/karrick/godirwalk"
)

// Local is the POSIX-root executor (spec.md §4.C): every path is resolved
// relative to Mount.RootPath and every operation is a direct os/ioutil
// call. Directory walking for ListForReconciliation is grounded on the
// teacher's fs/walk.go, which also reaches for godirwalk over the stdlib
// filepath.Walk for its lower per-entry allocation cost on large trees.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (l *Local) Kind() cmn.BackendKind { return cmn.BackendLocal }

func (l *Local) resolve(mount *cmn.BackendMount, path string) string {
	return filepath.Join(mount.RootPath, filepath.FromSlash(path))
}

func (l *Local) CreateDirectory(ec ExecContext, path string) error {
	full := l.resolve(ec.Mount, path)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return cmn.WrapInternal(err, "create directory on local backend")
	}
	return nil
}

func (l *Local) Write(ec ExecContext, req WriteRequest) error {
	full := l.resolve(ec.Mount, req.Path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return cmn.WrapInternal(err, "prepare parent directory on local backend")
	}

	tmp := full + ".tmp-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return cmn.WrapInternal(err, "open staging file on local backend")
	}
	defer os.Remove(tmp)

	if req.StagingPath != "" {
		src, err := os.Open(req.StagingPath)
		if err != nil {
			out.Close()
			return cmn.WrapInternal(err, "open staging source on local backend")
		}
		_, copyErr := io.Copy(out, src)
		src.Close()
		if copyErr != nil {
			out.Close()
			return cmn.WrapInternal(copyErr, "copy staged content on local backend")
		}
	} else if req.ContentReader != nil {
		if _, err := io.Copy(out, req.ContentReader); err != nil {
			out.Close()
			return cmn.WrapInternal(err, "write content on local backend")
		}
	}
	if err := out.Close(); err != nil {
		return cmn.WrapInternal(err, "close staging file on local backend")
	}

	if req.Checksum != "" {
		verifyErr := func() error {
			f, err := os.Open(tmp)
			if err != nil {
				return cmn.WrapInternal(err, "reopen staged content for checksum verification")
			}
			defer f.Close()
			return verifyChecksum(f, req.Checksum)
		}()
		if verifyErr != nil {
			return verifyErr
		}
	}

	// rename is atomic on the same filesystem; this is what makes an
	// overwrite release the old content only once the new one is fully
	// durable (spec.md §4.F.1 "old content must be released before the new
	// version is committed").
	if err := os.Rename(tmp, full); err != nil {
		return cmn.WrapInternal(err, "commit written content on local backend")
	}
	return nil
}

func (l *Local) Delete(ec ExecContext, path string, isDir bool) error {
	full := l.resolve(ec.Mount, path)
	var err error
	if isDir {
		err = os.RemoveAll(full)
	} else {
		err = os.Remove(full)
	}
	if err != nil && !os.IsNotExist(err) {
		return cmn.WrapInternal(err, "delete on local backend")
	}
	return nil
}

func (l *Local) Head(ec ExecContext, path string) (*HeadResult, error) {
	full := l.resolve(ec.Mount, path)
	fi, err := os.Stat(full)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, cmn.WrapInternal(err, "head on local backend")
	}
	hr := &HeadResult{
		SizeBytes:      fi.Size(),
		LastModifiedAt: fi.ModTime(),
		IsDir:          fi.IsDir(),
	}
	if !fi.IsDir() {
		hr.Checksum = quickLocalChecksum(full)
	}
	return hr, nil
}

func (l *Local) CreateReadStream(ec ExecContext, path string, opts ReadStreamOptions) (*ReadStreamResult, error) {
	full := l.resolve(ec.Mount, path)
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cmn.NewErrNodeNotFound(ec.Mount.ID, path)
		}
		return nil, cmn.WrapInternal(err, "open read stream on local backend")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, cmn.WrapInternal(err, "stat read stream on local backend")
	}

	res := &ReadStreamResult{Body: f, TotalSize: fi.Size(), LastModified: fi.ModTime()}
	if opts.HasRange {
		if _, err := f.Seek(opts.RangeStart, io.SeekStart); err != nil {
			f.Close()
			return nil, cmn.WrapInternal(err, "seek read stream on local backend")
		}
		end := opts.RangeEnd
		if end == 0 || end >= fi.Size() {
			end = fi.Size() - 1
		}
		res.ContentLength = end - opts.RangeStart + 1
		res.ContentRange = "bytes " + strconv.FormatInt(opts.RangeStart, 10) + "-" +
			strconv.FormatInt(end, 10) + "/" + strconv.FormatInt(fi.Size(), 10)
		res.Body = &limitedReadCloser{r: io.LimitReader(f, res.ContentLength), c: f}
	} else {
		res.ContentLength = fi.Size()
	}
	return res, nil
}

func (l *Local) CreatePresignedDownload(ExecContext, string, int) (*PresignedDownload, error) {
	return nil, cmn.NewError(cmn.ErrNotSupported, "local executor does not support presigned downloads")
}

// ListForReconciliation walks the backend directly (bypassing the metadata
// store entirely) so the reconciliation engine can compare what it finds
// here against what store says should be there.
func (l *Local) ListForReconciliation(ec ExecContext, path string, detectChildren bool) ([]ReconciliationEntry, error) {
	full := l.resolve(ec.Mount, path)
	fi, err := os.Stat(full)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, cmn.WrapInternal(err, "stat for reconciliation on local backend")
	}
	if !fi.IsDir() || !detectChildren {
		entry := ReconciliationEntry{Path: path, IsDir: fi.IsDir(), SizeBytes: fi.Size(), LastModifiedAt: fi.ModTime()}
		if !fi.IsDir() {
			entry.Checksum = quickLocalChecksum(full)
		}
		return []ReconciliationEntry{entry}, nil
	}

	var (
		out  []ReconciliationEntry
		root = ec.Mount.RootPath
	)
	err = godirwalk.Walk(full, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if osPathname == full {
				return nil
			}
			relFromRoot, relErr := filepath.Rel(root, osPathname)
			if relErr != nil {
				return relErr
			}
			entry := ReconciliationEntry{Path: filepath.ToSlash(relFromRoot), IsDir: de.IsDir()}
			if fi, statErr := os.Stat(osPathname); statErr == nil {
				entry.SizeBytes = fi.Size()
				entry.LastModifiedAt = fi.ModTime()
				if !de.IsDir() {
					entry.Checksum = quickLocalChecksum(osPathname)
				}
			}
			out = append(out, entry)
			return nil
		},
		ErrorCallback: func(string, error) godirwalk.ErrorAction {
			return godirwalk.SkipNode
		},
	})
	if err != nil {
		return nil, cmn.WrapInternal(err, "walk for reconciliation on local backend")
	}
	return out, nil
}

// quickLocalChecksum is the convenience content-hash computed only when a
// caller hasn't supplied its own (spec.md Non-goal 1c: content hashing is
// opaque to the core, this exists purely as a local-backend affordance).
func quickLocalChecksum(full string) string {
	f, err := os.Open(full)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := xxhash.New64()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }
