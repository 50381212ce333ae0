package handlers

import (
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

func newTestBucketHandler(t *testing.T) *BucketHandler {
	t.Helper()
	client, _ := newTestBackendClient(t, "my-zone")
	return NewBucketHandler(client, "my-zone", "bleepstore", testLogger())
}

func TestListBuckets(t *testing.T) {
	h := newTestBucketHandler(t)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	h.ListBuckets(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var result xmlutil.ListAllMyBucketsResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.Buckets) != 1 || result.Buckets[0].Name != "my-zone" {
		t.Fatalf("buckets = %+v, want single bucket named my-zone", result.Buckets)
	}
}

func TestCreateBucket(t *testing.T) {
	h := newTestBucketHandler(t)

	req := httptest.NewRequest("PUT", "/my-zone", nil)
	rec := httptest.NewRecorder()
	h.CreateBucket(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest("PUT", "/other-zone", nil)
	rec = httptest.NewRecorder()
	h.CreateBucket(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status for mismatched zone = %d, want 404", rec.Code)
	}
}

func TestDeleteBucketDisallowed(t *testing.T) {
	h := newTestBucketHandler(t)

	req := httptest.NewRequest("DELETE", "/my-zone", nil)
	rec := httptest.NewRecorder()
	h.DeleteBucket(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHeadBucket(t *testing.T) {
	h := newTestBucketHandler(t)

	req := httptest.NewRequest("HEAD", "/my-zone", nil)
	rec := httptest.NewRecorder()
	h.HeadBucket(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest("HEAD", "/wrong-zone", nil)
	rec = httptest.NewRecorder()
	h.HeadBucket(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status for wrong zone = %d, want 404", rec.Code)
	}
}

func TestListObjectsV2(t *testing.T) {
	client, zone := newTestBackendClient(t, "my-zone")
	h := NewBucketHandler(client, "my-zone", "bleepstore", testLogger())

	zone.put("/a.txt", "text/plain", []byte("aaa"))
	zone.put("/b/c.txt", "text/plain", []byte("ccc"))

	req := httptest.NewRequest("GET", "/my-zone?list-type=2", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var result xmlutil.ListBucketV2Result
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.KeyCount != 2 {
		t.Fatalf("KeyCount = %d, want 2 (got %+v)", result.KeyCount, result.Contents)
	}
}

func TestListObjectsV2WithDelimiter(t *testing.T) {
	client, zone := newTestBackendClient(t, "my-zone")
	h := NewBucketHandler(client, "my-zone", "bleepstore", testLogger())

	zone.put("/a.txt", "text/plain", []byte("aaa"))
	zone.put("/dir/c.txt", "text/plain", []byte("ccc"))

	req := httptest.NewRequest("GET", "/my-zone?list-type=2&delimiter=/", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req)

	var result xmlutil.ListBucketV2Result
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.CommonPrefixes) != 1 || result.CommonPrefixes[0].Prefix != "dir/" {
		t.Fatalf("CommonPrefixes = %+v, want [\"dir/\"]", result.CommonPrefixes)
	}
	if len(result.Contents) != 1 || result.Contents[0].Key != "a.txt" {
		t.Fatalf("Contents = %+v, want just a.txt", result.Contents)
	}
}

func TestListObjectsV1(t *testing.T) {
	client, zone := newTestBackendClient(t, "my-zone")
	h := NewBucketHandler(client, "my-zone", "bleepstore", testLogger())

	zone.put("/a.txt", "text/plain", []byte("aaa"))

	req := httptest.NewRequest("GET", "/my-zone", nil)
	rec := httptest.NewRecorder()
	h.ListObjects(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var result xmlutil.ListBucketResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.Contents) != 1 || result.Contents[0].Key != "a.txt" {
		t.Fatalf("Contents = %+v, want just a.txt", result.Contents)
	}
}
