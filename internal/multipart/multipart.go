// Package multipart simulates S3 multipart uploads on top of a backend
// that has no native multipart primitive, by staging parts under a
// reserved key prefix and assembling them into the final object on
// completion.
package multipart

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bleepstore/bleepstore/internal/backend"
	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/uid"
)

// ReservedPrefix is the key prefix under which in-progress multipart
// uploads stage their parts and metadata. It is never filtered out of
// ListObjectsV2 results — see this repository's design notes.
const ReservedPrefix = "__multipart"

// Manager implements the multipart upload lifecycle against a backend.Client.
type Manager struct {
	client *backend.Client
}

// New creates a multipart Manager backed by the given client.
func New(client *backend.Client) *Manager {
	return &Manager{client: client}
}

func uploadDir(key, uploadID string) string {
	return fmt.Sprintf("/%s/%s/%s", ReservedPrefix, uploadID, key)
}

func metaPath(key, uploadID string) string {
	return uploadDir(key, uploadID) + "/_meta"
}

func partPath(key, uploadID string, partNumber int) string {
	return fmt.Sprintf("%s/%05d", uploadDir(key, uploadID), partNumber)
}

func etagSidecarPath(key, uploadID string, partNumber int) string {
	return partPath(key, uploadID, partNumber) + ".etag"
}

type uploadMeta struct {
	Key       string    `json:"key"`
	Initiated time.Time `json:"initiated"`
}

// Create starts a new multipart upload for key and returns its upload ID.
func (m *Manager) Create(ctx context.Context, key string) (string, error) {
	uploadID := uid.New()
	meta := uploadMeta{Key: key, Initiated: time.Now().UTC()}
	body, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	if err := m.client.Upload(ctx, metaPath(key, uploadID), body, backend.UploadOptions{ContentType: "application/json"}); err != nil {
		return "", err
	}
	return uploadID, nil
}

// Exists reports whether the given upload ID is a known, in-progress
// multipart upload for key.
func (m *Manager) Exists(ctx context.Context, key, uploadID string) (bool, error) {
	_, err := m.client.Describe(ctx, metaPath(key, uploadID))
	if err == backend.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UploadPart stores a single part's bytes and records its MD5 ETag in a
// sidecar file, since the backend's own upload response carries no
// reliable content hash to later verify completion requests against.
func (m *Manager) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body []byte) (etag string, err error) {
	sum := md5.Sum(body)
	etag = hex.EncodeToString(sum[:])

	if err := m.client.Upload(ctx, partPath(key, uploadID, partNumber), body, backend.UploadOptions{}); err != nil {
		return "", err
	}
	if err := m.client.Upload(ctx, etagSidecarPath(key, uploadID, partNumber), []byte(etag), backend.UploadOptions{ContentType: "text/plain"}); err != nil {
		return "", err
	}
	return `"` + etag + `"`, nil
}

func (m *Manager) readPartETag(ctx context.Context, key, uploadID string, partNumber int) (string, error) {
	dl, err := m.client.Download(ctx, etagSidecarPath(key, uploadID, partNumber))
	if err != nil {
		return "", err
	}
	data, err := dl.Bytes()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// PartInfo describes one staged part, as returned by ListParts.
type PartInfo struct {
	PartNumber int
	ETag       string
	Size       int64
}

// ListParts returns every staged part for the given upload, ordered by
// part number. A part whose ETag sidecar cannot be read reports ETag as
// "unknown" rather than failing the whole listing.
func (m *Manager) ListParts(ctx context.Context, key, uploadID string) ([]PartInfo, error) {
	entries, err := m.client.List(ctx, uploadDir(key, uploadID))
	if err != nil {
		return nil, err
	}

	byNumber := make(map[int]*PartInfo)
	for _, e := range entries {
		name := e.ObjectName
		if name == "_meta" || strings.HasSuffix(name, ".etag") {
			continue
		}
		n, convErr := strconv.Atoi(name)
		if convErr != nil {
			continue
		}
		byNumber[n] = &PartInfo{PartNumber: n, Size: e.Length}
	}

	var parts []PartInfo
	for n, info := range byNumber {
		etag, etagErr := m.readPartETag(ctx, key, uploadID, n)
		if etagErr != nil {
			etag = "unknown"
		}
		info.ETag = `"` + etag + `"`
		parts = append(parts, *info)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// CompletedPart is a single part entry supplied by a CompleteMultipartUpload request.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// Complete validates and assembles the given parts (in the caller-specified
// order, not necessarily ascending part-number order for the composite ETag
// computation) into the final object at key, streaming the assembly
// directly to the backend without buffering the whole object in memory.
// On success, all staged part data is removed.
func (m *Manager) Complete(ctx context.Context, key, uploadID string, parts []CompletedPart) (finalETag string, size int64, err error) {
	exists, err := m.Exists(ctx, key, uploadID)
	if err != nil {
		return "", 0, err
	}
	if !exists {
		return "", 0, s3err.ErrNoSuchUpload
	}
	if len(parts) == 0 {
		return "", 0, s3err.ErrInvalidRequest
	}

	specs := make([]partSpec, len(parts))
	var totalSize int64
	claimedETags := make([]string, len(parts))
	for i, p := range parts {
		obj, descErr := m.client.Describe(ctx, partPath(key, uploadID, p.PartNumber))
		if descErr == backend.ErrNotFound {
			return "", 0, s3err.ErrInvalidPart
		}
		if descErr != nil {
			return "", 0, descErr
		}
		storedETag, etagErr := m.readPartETag(ctx, key, uploadID, p.PartNumber)
		if etagErr != nil {
			return "", 0, s3err.ErrInvalidPart
		}
		claimed := strings.Trim(p.ETag, `"`)
		if claimed != storedETag {
			return "", 0, s3err.ErrInvalidPart
		}

		size := obj.Length
		if size < 0 {
			size = 0
		}
		totalSize += size
		specs[i] = partSpec{path: partPath(key, uploadID, p.PartNumber), size: size}
		claimedETags[i] = p.ETag
	}

	finalETag = computeCompositeETag(claimedETags)

	stream := newPartConcatStream(ctx, m.client, specs)

	// Use a dedicated connection pool for the final assembly stream: it can
	// run for a long time and should not compete with ordinary traffic.
	fresh := m.client.Fresh()
	if uploadErr := fresh.UploadStream(ctx, "/"+key, stream, totalSize, backend.UploadOptions{}); uploadErr != nil {
		return "", 0, uploadErr
	}

	m.cleanup(context.WithoutCancel(ctx), key, uploadID)

	return finalETag, totalSize, nil
}

// Abort discards all staged data for an in-progress multipart upload.
func (m *Manager) Abort(ctx context.Context, key, uploadID string) error {
	exists, err := m.Exists(ctx, key, uploadID)
	if err != nil {
		return err
	}
	if !exists {
		return s3err.ErrNoSuchUpload
	}
	return m.cleanup(ctx, key, uploadID)
}

// cleanup removes every staged file for an upload. Individual delete
// failures are swallowed, matching the reference's best-effort cleanup:
// a stray orphaned part is a minor storage leak, not a correctness issue,
// and should never mask the caller's actual (successful) result.
func (m *Manager) cleanup(ctx context.Context, key, uploadID string) error {
	entries, err := m.client.List(ctx, uploadDir(key, uploadID))
	if err != nil {
		return err
	}
	for _, e := range entries {
		_ = m.client.Delete(ctx, e.FullPath())
	}
	_ = m.client.Delete(ctx, metaPath(key, uploadID))
	return nil
}

// UploadSummary describes one in-progress multipart upload, for ListMultipartUploads.
type UploadSummary struct {
	Key       string
	UploadID  string
	Initiated time.Time
}

// ListUploads returns every in-progress multipart upload whose key has the
// given prefix.
func (m *Manager) ListUploads(ctx context.Context, prefix string) ([]UploadSummary, error) {
	dirs, err := m.client.List(ctx, "/"+ReservedPrefix)
	if err != nil {
		return nil, err
	}

	var uploads []UploadSummary
	for _, d := range dirs {
		if !d.IsDirectory {
			continue
		}
		uploadID := d.ObjectName

		meta, metaErr := m.readMeta(ctx, uploadID)
		if metaErr != nil {
			continue
		}
		if prefix != "" && !strings.HasPrefix(meta.Key, prefix) {
			continue
		}
		uploads = append(uploads, UploadSummary{Key: meta.Key, UploadID: uploadID, Initiated: meta.Initiated})
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].Key < uploads[j].Key })
	return uploads, nil
}

func (m *Manager) readMeta(ctx context.Context, uploadID string) (*uploadMeta, error) {
	// The _meta file lives under the key's own path, which may itself
	// contain slashes, so the whole upload directory is walked.
	files, err := m.client.ListRecursive(ctx, fmt.Sprintf("/%s/%s", ReservedPrefix, uploadID), 0)
	if err != nil {
		return nil, err
	}
	for _, s := range files {
		if s.ObjectName == "_meta" {
			dl, dlErr := m.client.Download(ctx, s.FullPath())
			if dlErr != nil {
				continue
			}
			data, readErr := dl.Bytes()
			if readErr != nil {
				continue
			}
			var meta uploadMeta
			if json.Unmarshal(data, &meta) == nil {
				return &meta, nil
			}
		}
	}
	return nil, fmt.Errorf("multipart: no metadata found for upload %s", uploadID)
}

// computeCompositeETag computes the S3-style composite ETag from a list of
// individual part ETags, concatenated in the given order:
//  1. Strip quotes from each part ETag.
//  2. Decode each hex string to raw bytes.
//  3. Concatenate the raw MD5 bytes.
//  4. Compute MD5 of the concatenation.
//  5. Format as "hexdigest-N" where N is the part count.
func computeCompositeETag(partETags []string) string {
	h := md5.New()
	for _, etag := range partETags {
		hexStr := strings.Trim(etag, `"`)
		raw, decodeErr := hex.DecodeString(hexStr)
		if decodeErr != nil {
			continue
		}
		h.Write(raw)
	}
	return fmt.Sprintf(`"%x-%d"`, h.Sum(nil), len(partETags))
}

// partSpec is one part's location and declared size, used by partConcatStream.
type partSpec struct {
	path string
	size int64
}

type concatState int

const (
	stateNext concatState = iota
	stateDownloading
	stateStreaming
	stateDone
)

// partConcatStream presents a sequence of staged parts as a single
// io.Reader, downloading and streaming each part's bytes in turn.
// Go's blocking I/O lets this be expressed as a small synchronous state
// machine; an async runtime would need an explicit poll-driven equivalent.
type partConcatStream struct {
	ctx    context.Context
	client *backend.Client
	specs  []partSpec
	idx    int
	state  concatState
	body   io.ReadCloser
}

func newPartConcatStream(ctx context.Context, client *backend.Client, specs []partSpec) *partConcatStream {
	return &partConcatStream{ctx: ctx, client: client, specs: specs, state: stateNext}
}

func (s *partConcatStream) Read(p []byte) (int, error) {
	for {
		switch s.state {
		case stateDone:
			return 0, io.EOF

		case stateNext:
			if s.idx >= len(s.specs) {
				s.state = stateDone
				return 0, io.EOF
			}
			s.state = stateDownloading

		case stateDownloading:
			dl, err := s.client.Download(s.ctx, s.specs[s.idx].path)
			if err != nil {
				s.state = stateDone
				return 0, err
			}
			s.body = dl.Reader()
			s.state = stateStreaming

		case stateStreaming:
			n, err := s.body.Read(p)
			if n > 0 {
				return n, nil
			}
			if err == io.EOF {
				s.body.Close()
				s.idx++
				s.state = stateNext
				continue
			}
			if err != nil {
				s.body.Close()
				s.state = stateDone
				return 0, err
			}
		}
	}
}
