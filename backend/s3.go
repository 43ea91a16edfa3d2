package backend

import (
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/benediktbwimmer/apphub-sub006/cmn"
)

// S3 is the object-store executor (spec.md §4.C), grounded on the
// teacher's ais/cloud/aws.go: a lazily-created session per call, the AWS
// SDK's high-level s3manager.Uploader for writes, and the same
// awserr.RequestFailure -> typed-error translation shape, adapted from
// "cloud bucket" errors to this module's cmn.Error kinds.
type S3 struct {
	session *session.Session
}

func NewS3() (*S3, error) {
	sess, err := session.NewSessionWithOptions(session.Options{SharedConfigState: session.SharedConfigEnable})
	if err != nil {
		return nil, cmn.WrapInternal(err, "create aws session")
	}
	return &S3{session: sess}, nil
}

func (s *S3) Kind() cmn.BackendKind { return cmn.BackendS3 }

func (s *S3) client(mount *cmn.BackendMount) *s3.S3 {
	return s3.New(s.session)
}

func (s *S3) key(mount *cmn.BackendMount, path string) string {
	if mount.Prefix == "" {
		return path
	}
	return strings.TrimSuffix(mount.Prefix, "/") + "/" + path
}

// s3ErrToAppErr mirrors awsp.awsErrorToAISError: a RequestFailure carries a
// status code and a code string the core can translate into its own
// ErrKind taxonomy, rather than leaking aws-sdk-go error types upward.
func s3ErrToAppErr(err error, mountID, path string) error {
	if err == nil {
		return nil
	}
	if reqErr, ok := err.(awserr.RequestFailure); ok {
		switch reqErr.StatusCode() {
		case http.StatusNotFound:
			return cmn.NewErrNodeNotFound(mountID, path)
		}
	}
	return cmn.WrapInternal(err, "s3 backend call failed")
}

func openStagingFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cmn.WrapInternal(err, "open staging file for s3 upload")
	}
	return f, nil
}

// placeholderKey is the directory marker convention: S3 has no native
// directories, so CreateDirectory writes a zero-length object under
// "<path>/" the same way the teacher's cloud providers treat a trailing
// slash as a bucket pseudo-folder.
func placeholderKey(key string) string { return strings.TrimSuffix(key, "/") + "/" }

func (s *S3) CreateDirectory(ec ExecContext, path string) error {
	svc := s.client(ec.Mount)
	key := placeholderKey(s.key(ec.Mount, path))
	_, err := svc.PutObjectWithContext(ec.Context, &s3.PutObjectInput{
		Bucket: aws.String(ec.Mount.Bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(""),
	})
	return s3ErrToAppErr(err, ec.Mount.ID, path)
}

func (s *S3) Write(ec ExecContext, req WriteRequest) error {
	svc := s.client(ec.Mount)
	uploader := s3manager.NewUploaderWithClient(svc)

	var body io.Reader = req.ContentReader
	if req.StagingPath != "" {
		f, err := openStagingFile(req.StagingPath)
		if err != nil {
			return err
		}
		defer f.Close()
		body = f
	}

	// hash the bytes as they stream past so a checksum mismatch is
	// detectable without buffering the whole object a second time.
	h, algo, want, err := checksumHasher(req.Checksum)
	if err != nil {
		return err
	}
	if h != nil {
		body = io.TeeReader(body, h)
	}

	md := map[string]*string{}
	if req.ContentHash != "" {
		md["apphub-content-hash"] = aws.String(req.ContentHash)
	}
	if req.MimeType != "" {
		md["apphub-mime-type"] = aws.String(req.MimeType)
	}

	key := s.key(ec.Mount, req.Path)
	_, uploadErr := uploader.UploadWithContext(ec.Context, &s3manager.UploadInput{
		Bucket:      aws.String(ec.Mount.Bucket),
		Key:         aws.String(key),
		Body:        body,
		Metadata:    md,
		ContentType: aws.String(req.MimeType),
	})
	if uploadErr != nil {
		return s3ErrToAppErr(uploadErr, ec.Mount.ID, req.Path)
	}

	if h != nil {
		if verifyErr := matchChecksum(h, algo, want, req.Checksum); verifyErr != nil {
			if _, delErr := svc.DeleteObjectWithContext(ec.Context, &s3.DeleteObjectInput{
				Bucket: aws.String(ec.Mount.Bucket),
				Key:    aws.String(key),
			}); delErr != nil {
				return cmn.WrapInternal(delErr, "rollback mismatched upload on s3 backend")
			}
			return verifyErr
		}
	}
	return nil
}

func (s *S3) Delete(ec ExecContext, path string, isDir bool) error {
	svc := s.client(ec.Mount)
	key := s.key(ec.Mount, path)
	if isDir {
		key = placeholderKey(key)
	}
	_, err := svc.DeleteObjectWithContext(ec.Context, &s3.DeleteObjectInput{
		Bucket: aws.String(ec.Mount.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if reqErr, ok := err.(awserr.RequestFailure); ok && reqErr.StatusCode() == http.StatusNotFound {
			return nil
		}
		return s3ErrToAppErr(err, ec.Mount.ID, path)
	}
	return nil
}

func (s *S3) Head(ec ExecContext, path string) (*HeadResult, error) {
	svc := s.client(ec.Mount)
	out, err := svc.HeadObjectWithContext(ec.Context, &s3.HeadObjectInput{
		Bucket: aws.String(ec.Mount.Bucket),
		Key:    aws.String(s.key(ec.Mount, path)),
	})
	if err != nil {
		if reqErr, ok := err.(awserr.RequestFailure); ok && reqErr.StatusCode() == http.StatusNotFound {
			return nil, nil
		}
		return nil, s3ErrToAppErr(err, ec.Mount.ID, path)
	}
	hr := &HeadResult{SizeBytes: aws.Int64Value(out.ContentLength)}
	if out.LastModified != nil {
		hr.LastModifiedAt = *out.LastModified
	}
	if out.ContentType != nil {
		hr.ContentType = *out.ContentType
	}
	if v, ok := out.Metadata["Apphub-Content-Hash"]; ok && v != nil {
		hr.Checksum = *v
	}
	return hr, nil
}

func (s *S3) CreateReadStream(ec ExecContext, path string, opts ReadStreamOptions) (*ReadStreamResult, error) {
	svc := s.client(ec.Mount)
	input := &s3.GetObjectInput{
		Bucket: aws.String(ec.Mount.Bucket),
		Key:    aws.String(s.key(ec.Mount, path)),
	}
	if opts.HasRange {
		rangeHeader := "bytes=" + strconv.FormatInt(opts.RangeStart, 10) + "-"
		if opts.RangeEnd > 0 {
			rangeHeader += strconv.FormatInt(opts.RangeEnd, 10)
		}
		input.Range = aws.String(rangeHeader)
	}
	out, err := svc.GetObjectWithContext(ec.Context, input)
	if err != nil {
		if reqErr, ok := err.(awserr.RequestFailure); ok && reqErr.StatusCode() == http.StatusNotFound {
			return nil, cmn.NewErrNodeNotFound(ec.Mount.ID, path)
		}
		return nil, s3ErrToAppErr(err, ec.Mount.ID, path)
	}
	res := &ReadStreamResult{Body: out.Body, ContentLength: aws.Int64Value(out.ContentLength)}
	if out.ContentRange != nil {
		res.ContentRange = *out.ContentRange
	}
	if out.ETag != nil {
		res.ETag = *out.ETag
	}
	if out.LastModified != nil {
		res.LastModified = *out.LastModified
	}
	return res, nil
}

func (s *S3) CreatePresignedDownload(ec ExecContext, path string, expiresInSeconds int) (*PresignedDownload, error) {
	svc := s.client(ec.Mount)
	req, _ := svc.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(ec.Mount.Bucket),
		Key:    aws.String(s.key(ec.Mount, path)),
	})
	url, err := req.Presign(time.Duration(expiresInSeconds) * time.Second)
	if err != nil {
		return nil, cmn.WrapInternal(err, "presign s3 download")
	}
	return &PresignedDownload{
		URL:       url,
		Method:    http.MethodGet,
		ExpiresAt: time.Now().Add(time.Duration(expiresInSeconds) * time.Second),
	}, nil
}

func (s *S3) ListForReconciliation(ec ExecContext, path string, detectChildren bool) ([]ReconciliationEntry, error) {
	svc := s.client(ec.Mount)
	prefix := s.key(ec.Mount, path)
	if detectChildren {
		prefix = strings.TrimSuffix(prefix, "/") + "/"
	}

	var out []ReconciliationEntry
	err := svc.ListObjectsV2PagesWithContext(ec.Context, &s3.ListObjectsV2Input{
		Bucket: aws.String(ec.Mount.Bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			relKey := strings.TrimPrefix(key, ec.Mount.Prefix)
			relKey = strings.TrimPrefix(relKey, "/")
			isDir := strings.HasSuffix(key, "/")
			out = append(out, ReconciliationEntry{
				Path:           strings.TrimSuffix(relKey, "/"),
				IsDir:          isDir,
				SizeBytes:      aws.Int64Value(obj.Size),
				Checksum:       strings.Trim(aws.StringValue(obj.ETag), `"`),
				LastModifiedAt: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, s3ErrToAppErr(err, ec.Mount.ID, path)
	}
	return out, nil
}
