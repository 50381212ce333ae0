package handlers

import (
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bleepstore/bleepstore/internal/backend"
	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// BucketHandler implements the bucket-level (and service-level) S3
// operations this proxy exposes. It fronts exactly one synthetic bucket,
// named after the configured storage zone.
type BucketHandler struct {
	client       *backend.Client
	zone         string
	ownerID      string
	ownerDisplay string
	log          *slog.Logger
}

// NewBucketHandler creates a BucketHandler bound to client and zone.
func NewBucketHandler(client *backend.Client, zone, ownerID string, log *slog.Logger) *BucketHandler {
	return &BucketHandler{client: client, zone: zone, ownerID: ownerID, ownerDisplay: ownerID, log: log}
}

// ListBuckets handles GET / and returns the single synthetic bucket this
// proxy exposes.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	result := &xmlutil.ListAllMyBucketsResult{
		Owner: xmlutil.Owner{ID: h.ownerID, DisplayName: h.ownerDisplay},
		Buckets: []xmlutil.Bucket{
			{Name: h.zone, CreationDate: xmlutil.FormatTimeS3(time.Unix(0, 0))},
		},
	}
	xmlutil.RenderListBuckets(w, result)
}

// CreateBucket handles PUT /{bucket}. Bucket lifecycle is a Non-goal: this
// is a no-op that succeeds only for the configured zone name, so existing
// S3 client libraries that always call CreateBucket before use keep working.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if !bucketMatches(h.zone, bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}
	w.Header().Set("Location", "/"+bucketName)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket handles DELETE /{bucket}. Bucket deletion is disallowed:
// the bucket is a fixed view over the configured storage zone, not a
// resource this proxy can create or destroy.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	xmlutil.WriteErrorResponse(w, r, &s3err.S3Error{
		Code:       "InvalidRequest",
		Message:    "This proxy does not support deleting its storage zone bucket",
		HTTPStatus: http.StatusBadRequest,
	})
}

// HeadBucket handles HEAD /{bucket}. Beyond validating the zone name, it
// issues a live backend list so that a dead or unreachable zone surfaces
// as an error rather than a false-positive 200.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if !bucketMatches(h.zone, bucketName) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if _, err := h.client.List(r.Context(), "/"); err != nil {
		h.log.Error("HeadBucket backend check failed", "error", err)
		if err == backend.ErrAccessDenied {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ListObjectsV2 handles GET /{bucket}, with or without list-type=2.
func (h *BucketHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if !bucketMatches(h.zone, bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	startAfter := q.Get("start-after")
	continuationToken := q.Get("continuation-token")
	encodingType := q.Get("encoding-type")

	maxKeys := 1000
	if v := q.Get("max-keys"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < 1000 {
			maxKeys = n
		}
	}

	ctx := r.Context()
	var objs []backend.Object
	var commonPrefixes []string
	var err error

	if delimiter != "" {
		entries, listErr := h.client.List(ctx, "/"+prefix)
		err = listErr
		if err == nil {
			for _, e := range entries {
				if e.IsDirectory {
					commonPrefixes = append(commonPrefixes, e.S3Key()+"/")
					continue
				}
				objs = append(objs, e)
			}
		}
	} else {
		// max-keys + 1 early exit per the recursive listing contract: just
		// enough to detect truncation without walking the whole tree.
		objs, err = h.client.ListRecursive(ctx, "/"+prefix, maxKeys+1)
	}
	if err != nil {
		h.log.Error("ListObjectsV2 backend error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	var keys []backend.Object
	cursor := startAfter
	if continuationToken != "" {
		cursor = continuationToken
	}
	for _, o := range objs {
		key := o.S3Key()
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if cursor != "" && key <= cursor {
			continue
		}
		keys = append(keys, o)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].S3Key() < keys[j].S3Key() })
	sort.Strings(commonPrefixes)

	truncated := false
	var nextToken string
	if len(keys) > maxKeys {
		truncated = true
		keys = keys[:maxKeys]
		nextToken = keys[len(keys)-1].S3Key()
	}

	result := &xmlutil.ListBucketV2Result{
		Name:                  bucketName,
		Prefix:                prefix,
		StartAfter:            startAfter,
		ContinuationToken:     continuationToken,
		NextContinuationToken: nextToken,
		KeyCount:              len(keys),
		MaxKeys:               maxKeys,
		Delimiter:             delimiter,
		EncodingType:          encodingType,
		IsTruncated:           truncated,
	}
	for _, o := range keys {
		result.Contents = append(result.Contents, xmlutil.Object{
			Key:          xmlutil.EncodeKeyURL(o.S3Key(), encodingType),
			LastModified: xmlutil.FormatTimeS3(o.LastModified()),
			ETag:         o.ETag(),
			Size:         o.Length,
			StorageClass: "STANDARD",
		})
	}
	for _, p := range commonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{
			Prefix: xmlutil.EncodeKeyURL(p, encodingType),
		})
	}

	xmlutil.RenderListObjectsV2(w, result)
}

// ListObjects renders a v1 listing. The dispatcher does not route to it: a
// bare GET /{bucket} is served by ListObjectsV2.
func (h *BucketHandler) ListObjects(w http.ResponseWriter, r *http.Request) {
	bucketName := extractBucketName(r)
	if !bucketMatches(h.zone, bucketName) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	marker := q.Get("marker")

	maxKeys := 1000
	if v := q.Get("max-keys"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < 1000 {
			maxKeys = n
		}
	}

	ctx := r.Context()
	objs, err := h.client.ListRecursive(ctx, "/"+prefix, maxKeys+1)
	if err != nil {
		h.log.Error("ListObjects backend error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	var keys []backend.Object
	for _, o := range objs {
		key := o.S3Key()
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if marker != "" && key <= marker {
			continue
		}
		keys = append(keys, o)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].S3Key() < keys[j].S3Key() })

	truncated := false
	var nextMarker string
	if len(keys) > maxKeys {
		truncated = true
		keys = keys[:maxKeys]
		nextMarker = keys[len(keys)-1].S3Key()
	}

	result := &xmlutil.ListBucketResult{
		Name:        bucketName,
		Prefix:      prefix,
		Marker:      marker,
		NextMarker:  nextMarker,
		MaxKeys:     maxKeys,
		Delimiter:   delimiter,
		IsTruncated: truncated,
	}
	for _, o := range keys {
		result.Contents = append(result.Contents, xmlutil.Object{
			Key:          o.S3Key(),
			LastModified: xmlutil.FormatTimeS3(o.LastModified()),
			ETag:         o.ETag(),
			Size:         o.Length,
			StorageClass: "STANDARD",
		})
	}

	xmlutil.RenderListObjects(w, result)
}

// extractBucketName extracts the bucket name from the request path.
func extractBucketName(r *http.Request) string {
	bucket, _ := splitBucketKey(r.URL.Path)
	return bucket
}
