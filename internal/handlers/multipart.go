// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/lock"
	"github.com/bleepstore/bleepstore/internal/multipart"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// keepAliveInterval is roughly how often CompleteMultipartUpload emits a
// keep-alive space while assembly is still running.
const keepAliveInterval = 5 * time.Second

// MultipartHandler implements the multipart-upload S3 operations this
// proxy simulates on top of a backend with no native multipart primitive.
type MultipartHandler struct {
	manager *multipart.Manager
	lock    lock.ConditionalLock
	zone    string
	log     *slog.Logger
}

// NewMultipartHandler creates a MultipartHandler bound to manager and zone.
func NewMultipartHandler(manager *multipart.Manager, lk lock.ConditionalLock, zone string, log *slog.Logger) *MultipartHandler {
	return &MultipartHandler{manager: manager, lock: lk, zone: zone, log: log}
}

// CreateMultipartUpload handles POST /{bucket}/{object}?uploads.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
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

	uploadID, err := h.manager.Create(ctx, key)
	if err != nil {
		h.log.Error("CreateMultipartUpload error", "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.RenderInitiateMultipartUpload(w, &xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucketName,
		Key:      key,
		UploadID: uploadID,
	})
}

// UploadPart handles PUT /{bucket}/{object}?partNumber=&uploadId=. The part
// body is read into memory so its MD5 can be computed before it is staged;
// individual parts are bounded by the backend's own limits, not this proxy.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if !bucketMatches(h.zone, bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	q := r.URL.Query()
	uploadID := q.Get("uploadId")
	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < 1 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	exists, err := h.manager.Exists(ctx, key, uploadID)
	if err != nil {
		h.log.Error("UploadPart existence check error", "key", key, "uploadId", uploadID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest)
		return
	}

	etag, err := h.manager.UploadPart(ctx, key, uploadID, partNumber, data)
	if err != nil {
		h.log.Error("UploadPart error", "key", key, "uploadId", uploadID, "partNumber", partNumber, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// CompleteMultipartUpload handles POST /{bucket}/{object}?uploadId=. The
// response is streamed with periodic keep-alive spaces while assembly is
// in progress, per the completion protocol this proxy follows for large
// uploads that could otherwise trip a client-side idle timeout.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if !bucketMatches(h.zone, bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	uploadID := r.URL.Query().Get("uploadId")

	r.Body = http.MaxBytesReader(w, r.Body, maxControlBodyBytes)
	parsedParts, err := parseCompleteMultipartXML(r.Body)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	guard, err := h.lock.TryLock(ctx, key)
	if err != nil {
		h.log.Error("CompleteMultipartUpload lock error", "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if guard == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrConflict)
		return
	}
	defer guard.Release()

	parts := make([]multipart.CompletedPart, len(parsedParts))
	for i, p := range parsedParts {
		parts[i] = multipart.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag}
	}

	xmlutil.StreamCompleteMultipartUpload(w, keepAliveInterval, func() (*xmlutil.CompleteMultipartUploadResult, *s3err.S3Error) {
		finalETag, _, completeErr := h.manager.Complete(ctx, key, uploadID, parts)
		if completeErr != nil {
			if s3e, ok := completeErr.(*s3err.S3Error); ok {
				return nil, s3e
			}
			h.log.Error("CompleteMultipartUpload assembly error", "key", key, "uploadId", uploadID, "error", completeErr)
			return nil, s3err.ErrInternalError
		}
		return &xmlutil.CompleteMultipartUploadResult{
			Location: "/" + bucketName + "/" + key,
			Bucket:   bucketName,
			Key:      key,
			ETag:     finalETag,
		}, nil
	})
}

// AbortMultipartUpload handles DELETE /{bucket}/{object}?uploadId=.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if !bucketMatches(h.zone, bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	uploadID := r.URL.Query().Get("uploadId")

	guard, err := h.lock.TryLock(ctx, key)
	if err != nil {
		h.log.Error("AbortMultipartUpload lock error", "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if guard == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrConflict)
		return
	}
	defer guard.Release()

	if err := h.manager.Abort(ctx, key, uploadID); err != nil {
		if s3e, ok := err.(*s3err.S3Error); ok {
			xmlutil.WriteErrorResponse(w, r, s3e)
			return
		}
		h.log.Error("AbortMultipartUpload error", "key", key, "uploadId", uploadID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListParts handles GET /{bucket}/{object}?uploadId=.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if !bucketMatches(h.zone, bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	uploadID := r.URL.Query().Get("uploadId")

	parts, err := h.manager.ListParts(ctx, key, uploadID)
	if err != nil {
		h.log.Error("ListParts error", "key", key, "uploadId", uploadID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListPartsResult{
		Bucket:   bucketName,
		Key:      key,
		UploadID: uploadID,
		MaxParts: 1000,
	}
	for _, p := range parts {
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber: p.PartNumber,
			ETag:       p.ETag,
			Size:       p.Size,
		})
	}

	xmlutil.RenderListParts(w, result)
}

// ListMultipartUploads handles GET /{bucket}?uploads.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	if !bucketMatches(h.zone, bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	prefix := r.URL.Query().Get("prefix")

	uploads, err := h.manager.ListUploads(ctx, prefix)
	if err != nil {
		h.log.Error("ListMultipartUploads error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListMultipartUploadsResult{
		Bucket:     bucketName,
		Prefix:     prefix,
		MaxUploads: 1000,
	}
	for _, u := range uploads {
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key:       u.Key,
			UploadID:  u.UploadID,
			Initiated: xmlutil.FormatTimeS3(u.Initiated),
		})
	}

	xmlutil.RenderListMultipartUploads(w, result)
}
