// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/bleepstore/bleepstore/internal/backend"
	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/lock"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// maxControlBodyBytes bounds non-streaming request bodies (DeleteObjects,
// CompleteMultipartUpload XML). Streaming PUT bodies are not subject to
// this cap.
const maxControlBodyBytes = 10 << 20

// ObjectHandler implements the object-level S3 operations this proxy
// exposes, backed directly by the zone's flat REST contract.
type ObjectHandler struct {
	client *backend.Client
	lock   lock.ConditionalLock
	zone   string
	log    *slog.Logger
}

// NewObjectHandler creates an ObjectHandler bound to client, zone and a
// conditional lock used to serialize If-None-Match: * creates.
func NewObjectHandler(client *backend.Client, lk lock.ConditionalLock, zone string, log *slog.Logger) *ObjectHandler {
	return &ObjectHandler{client: client, lock: lk, zone: zone, log: log}
}

// extractObjectKey extracts the object key from the request URL path.
func extractObjectKey(r *http.Request) string {
	_, key := splitBucketKey(r.URL.Path)
	return key
}

// declaredContentSHA256 returns the lowercased x-amz-content-sha256 header
// value and whether it names a real digest the proxy must verify, as
// opposed to the UNSIGNED-PAYLOAD/STREAMING-* placeholders clients send
// when they aren't providing a usable payload hash.
func declaredContentSHA256(r *http.Request) (digest string, verifiable bool) {
	v := strings.ToLower(r.Header.Get("X-Amz-Content-Sha256"))
	switch v {
	case "", "unsigned-payload":
		return "", false
	default:
		if strings.HasPrefix(v, "streaming-") {
			return "", false
		}
		return v, true
	}
}

// PutObject handles PUT /{bucket}/{object}. When the request carries
// If-None-Match: *, the write is serialized through the configured
// ConditionalLock so that only one of any concurrent create-if-absent
// attempts for the same key succeeds.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if !bucketMatches(h.zone, bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}
	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if r.Header.Get("If-None-Match") == "*" {
		guard, err := h.lock.TryLock(ctx, key)
		if err != nil {
			h.log.Error("PutObject lock error", "key", key, "error", err)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
		if guard == nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrConflict)
			return
		}
		defer guard.Release()

		if _, err := h.client.Describe(ctx, "/"+key); err == nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrPreconditionFailed)
			return
		} else if err != backend.ErrNotFound {
			h.log.Error("PutObject existence check error", "key", key, "error", err)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
	}

	// Tee the body through MD5 (and, when the client declared a real
	// content hash, SHA-256) as it streams to the backend, so the proxy
	// never has to buffer the whole object to compute its ETag.
	declaredSHA256, verifySHA256 := declaredContentSHA256(r)
	md5Sum := md5.New()
	var sha256Sum hash.Hash
	var tee io.Writer = md5Sum
	if verifySHA256 {
		sha256Sum = sha256.New()
		tee = io.MultiWriter(md5Sum, sha256Sum)
	}
	body := io.TeeReader(r.Body, tee)

	opts := backend.UploadOptions{ContentType: contentType}
	if verifySHA256 {
		// Pass the declared hash through so the backend itself can reject
		// the upload on mismatch, in addition to the proxy's own re-hash
		// check below.
		opts.SHA256Checksum = declaredSHA256
	}
	if err := h.client.UploadStream(ctx, "/"+key, body, r.ContentLength, opts); err != nil {
		h.log.Error("PutObject upload error", "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if verifySHA256 {
		if got := hex.EncodeToString(sha256Sum.Sum(nil)); got != declaredSHA256 {
			h.log.Error("PutObject content hash mismatch", "key", key, "declared", declaredSHA256, "computed", got)
			if delErr := h.client.Delete(ctx, "/"+key); delErr != nil {
				h.log.Error("PutObject orphan cleanup error", "key", key, "error", delErr)
			}
			xmlutil.WriteErrorResponse(w, r, s3err.ErrContentSHA256Mismatch)
			return
		}
	}

	var etag string
	switch {
	case r.ContentLength >= 0:
		// Buffered PUT (known length): the canonical hex(MD5(body)) ETag.
		etag = `"` + hex.EncodeToString(md5Sum.Sum(nil)) + `"`
	case verifySHA256:
		// Streaming PUT (unknown length) with a verified SHA-256: use it.
		etag = `"` + hex.EncodeToString(sha256Sum.Sum(nil)) + `"`
	default:
		// Neither a known length nor a verifiable hash: fall back to
		// whatever the backend reports (its own checksum, or the
		// guid-derived synthesized token).
		obj, err := h.client.Describe(ctx, "/"+key)
		if err != nil {
			h.log.Error("PutObject describe error", "key", key, "error", err)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
		etag = obj.ETag()
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// GetObject handles GET /{bucket}/{object}. Full-object responses stream
// directly from the backend; range requests are honored via Range.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if !bucketMatches(h.zone, bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	obj, err := h.client.Describe(ctx, "/"+key)
	if err != nil {
		if err == backend.ErrNotFound {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
			return
		}
		h.log.Error("GetObject describe error", "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if statusCode, skip := checkConditionalHeaders(r, obj.ETag(), obj.LastModified()); skip {
		w.Header().Set("ETag", obj.ETag())
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.LastModified()))
		if statusCode == http.StatusNotModified {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrPreconditionFailed)
		return
	}

	dl, err := h.client.Download(ctx, "/"+key)
	if err != nil {
		if err == backend.ErrNotFound {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
			return
		}
		h.log.Error("GetObject download error", "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	defer dl.Close()

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		start, end, rangeErr := parseRange(rangeHeader, obj.Length)
		if rangeErr != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", obj.Length))
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
			return
		}

		if _, discardErr := io.CopyN(io.Discard, dl.Reader(), start); discardErr != nil {
			h.log.Error("GetObject discard error", "key", key, "error", discardErr)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}

		rangeLen := end - start + 1
		setObjectResponseHeaders(w, obj.ContentType, obj.ETag(), obj.LastModified())
		w.Header().Set("Content-Length", strconv.FormatInt(rangeLen, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, obj.Length))
		w.WriteHeader(http.StatusPartialContent)
		io.CopyN(w, dl.Reader(), rangeLen)
		return
	}

	setObjectResponseHeaders(w, obj.ContentType, obj.ETag(), obj.LastModified())
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Length, 10))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, dl.Reader())
}

// HeadObject handles HEAD /{bucket}/{object}.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if !bucketMatches(h.zone, bucketName) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	obj, err := h.client.Describe(ctx, "/"+key)
	if err != nil {
		if err == backend.ErrNotFound {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.Error("HeadObject describe error", "key", key, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if statusCode, skip := checkConditionalHeaders(r, obj.ETag(), obj.LastModified()); skip {
		w.Header().Set("ETag", obj.ETag())
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.LastModified()))
		w.WriteHeader(statusCode)
		return
	}

	setObjectResponseHeaders(w, obj.ContentType, obj.ETag(), obj.LastModified())
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Length, 10))
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /{bucket}/{object}. Idempotent: deleting a
// non-existent object returns 204, matching the backend's own idempotent
// delete.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if !bucketMatches(h.zone, bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	if err := h.client.Delete(ctx, "/"+key); err != nil {
		h.log.Error("DeleteObject error", "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteObjects handles POST /{bucket}?delete, a bulk delete of up to 1000
// keys described by an XML request body.
func (h *ObjectHandler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	if !bucketMatches(h.zone, bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxControlBodyBytes)
	deleteReq, err := parseDeleteRequest(r.Body)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	result := &xmlutil.DeleteResult{}
	for _, obj := range deleteReq.Objects {
		if err := h.client.Delete(ctx, "/"+obj.Key); err != nil {
			h.log.Error("DeleteObjects error", "key", obj.Key, "error", err)
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key:     obj.Key,
				Code:    "InternalError",
				Message: "We encountered an internal error. Please try again.",
			})
			continue
		}
		if !deleteReq.Quiet {
			result.Deleted = append(result.Deleted, xmlutil.DeletedItem{Key: obj.Key})
		}
	}

	xmlutil.RenderDeleteResult(w, result)
}

// CopyObject handles PUT /{bucket}/{object} carrying an X-Amz-Copy-Source
// header. The backend exposes no native copy primitive, so this is a
// download-then-upload round trip (backend.Client.Copy).
func (h *ObjectHandler) CopyObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dstBucket := extractBucketName(r)
	dstKey := extractObjectKey(r)

	if !bucketMatches(h.zone, dstBucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}
	if dstKey == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	copySource := r.Header.Get("X-Amz-Copy-Source")
	srcBucket, srcKey, ok := parseCopySource(copySource)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if !bucketMatches(h.zone, srcBucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	if _, err := h.client.Describe(ctx, "/"+srcKey); err != nil {
		if err == backend.ErrNotFound {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
			return
		}
		h.log.Error("CopyObject describe error", "key", srcKey, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if err := h.client.Copy(ctx, "/"+srcKey, "/"+dstKey); err != nil {
		h.log.Error("CopyObject copy error", "src", srcKey, "dst", dstKey, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	dstObj, err := h.client.Describe(ctx, "/"+dstKey)
	if err != nil {
		h.log.Error("CopyObject describe (dst) error", "key", dstKey, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.CopyObjectResult{
		LastModified: xmlutil.FormatTimeS3(dstObj.LastModified()),
		ETag:         dstObj.ETag(),
	}
	xmlutil.RenderCopyObject(w, result)
}

