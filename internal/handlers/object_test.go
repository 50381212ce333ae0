package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bleepstore/bleepstore/internal/lock"
)

// onlyReader hides any concrete type (*strings.Reader, etc.) from
// httptest.NewRequest's body-length sniffing, forcing the resulting
// request's ContentLength to -1 (unknown), like a genuinely chunked
// streaming upload.
type onlyReader struct{ io.Reader }

func newTestObjectHandler(t *testing.T) (*ObjectHandler, *fakeZone) {
	t.Helper()
	client, zone := newTestBackendClient(t, "my-zone")
	return NewObjectHandler(client, lock.NewInProcess(), "my-zone", testLogger()), zone
}

func TestPutObject(t *testing.T) {
	h, zone := newTestObjectHandler(t)

	req := httptest.NewRequest("PUT", "/my-zone/a.txt", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("ETag") == "" {
		t.Fatal("expected ETag header to be set")
	}
	if _, ok := zone.objects["/a.txt"]; !ok {
		t.Fatal("expected object to be stored in zone")
	}
}

func TestPutObjectWrongBucket(t *testing.T) {
	h, _ := newTestObjectHandler(t)

	req := httptest.NewRequest("PUT", "/other-zone/a.txt", strings.NewReader("hello"))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPutObjectIfNoneMatchConflict(t *testing.T) {
	h, zone := newTestObjectHandler(t)
	zone.put("/a.txt", "text/plain", []byte("existing"))

	req := httptest.NewRequest("PUT", "/my-zone/a.txt", strings.NewReader("new"))
	req.Header.Set("If-None-Match", "*")
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("status = %d, want 412, body=%s", rec.Code, rec.Body.String())
	}
}

func TestPutObjectIfNoneMatchSucceedsWhenAbsent(t *testing.T) {
	h, zone := newTestObjectHandler(t)

	req := httptest.NewRequest("PUT", "/my-zone/fresh.txt", strings.NewReader("new"))
	req.Header.Set("If-None-Match", "*")
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if _, ok := zone.objects["/fresh.txt"]; !ok {
		t.Fatal("expected object to be stored")
	}
}

func TestPutObjectETagIsMD5OfBody(t *testing.T) {
	h, _ := newTestObjectHandler(t)

	req := httptest.NewRequest("PUT", "/my-zone/hello.txt", strings.NewReader("hello"))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	const want = `"5d41402abc4b2a76b9719d911017c592"`
	if got := rec.Header().Get("ETag"); got != want {
		t.Fatalf("ETag = %s, want %s", got, want)
	}
}

func TestPutObjectSha256MismatchRejectedAndCleanedUp(t *testing.T) {
	h, zone := newTestObjectHandler(t)

	req := httptest.NewRequest("PUT", "/my-zone/bad.txt", onlyReader{strings.NewReader("hello")})
	req.Header.Set("X-Amz-Content-Sha256", strings.Repeat("0", 64))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "XAmzContentSHA256Mismatch") {
		t.Fatalf("body = %s, want XAmzContentSHA256Mismatch", rec.Body.String())
	}
	if _, ok := zone.objects["/bad.txt"]; ok {
		t.Fatal("expected orphaned object to be cleaned up after a hash mismatch")
	}
}

func TestPutObjectStreamingVerifiedSha256BecomesETag(t *testing.T) {
	h, _ := newTestObjectHandler(t)
	sum := sha256.Sum256([]byte("hello"))
	hexSum := hex.EncodeToString(sum[:])

	req := httptest.NewRequest("PUT", "/my-zone/stream.txt", onlyReader{strings.NewReader("hello")})
	req.Header.Set("X-Amz-Content-Sha256", hexSum)
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	want := `"` + hexSum + `"`
	if got := rec.Header().Get("ETag"); got != want {
		t.Fatalf("ETag = %s, want %s", got, want)
	}
}

func TestGetObject(t *testing.T) {
	h, zone := newTestObjectHandler(t)
	zone.put("/a.txt", "text/plain", []byte("hello world"))

	req := httptest.NewRequest("GET", "/my-zone/a.txt", nil)
	rec := httptest.NewRecorder()
	h.GetObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "hello world" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "hello world")
	}
	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Fatalf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestGetObjectNotFound(t *testing.T) {
	h, _ := newTestObjectHandler(t)

	req := httptest.NewRequest("GET", "/my-zone/missing.txt", nil)
	rec := httptest.NewRecorder()
	h.GetObject(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetObjectRange(t *testing.T) {
	h, zone := newTestObjectHandler(t)
	zone.put("/a.txt", "text/plain", []byte("0123456789"))

	req := httptest.NewRequest("GET", "/my-zone/a.txt", nil)
	req.Header.Set("Range", "bytes=2-4")
	rec := httptest.NewRecorder()
	h.GetObject(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if rec.Body.String() != "234" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "234")
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 2-4/10" {
		t.Fatalf("Content-Range = %q", got)
	}
}

func TestGetObjectIfNoneMatchReturnsNotModified(t *testing.T) {
	h, zone := newTestObjectHandler(t)
	zone.put("/a.txt", "text/plain", []byte("hello"))

	obj := zone.objects["/a.txt"]
	req := httptest.NewRequest("GET", "/my-zone/a.txt", nil)
	req.Header.Set("If-None-Match", `"`+obj.checksum+`"`)
	rec := httptest.NewRecorder()
	h.GetObject(rec, req)

	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", rec.Code)
	}
}

func TestHeadObject(t *testing.T) {
	h, zone := newTestObjectHandler(t)
	zone.put("/a.txt", "text/plain", []byte("hello"))

	req := httptest.NewRequest("HEAD", "/my-zone/a.txt", nil)
	rec := httptest.NewRecorder()
	h.HeadObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Content-Length") != "5" {
		t.Fatalf("Content-Length = %q, want 5", rec.Header().Get("Content-Length"))
	}
}

func TestHeadObjectNotFound(t *testing.T) {
	h, _ := newTestObjectHandler(t)

	req := httptest.NewRequest("HEAD", "/my-zone/missing.txt", nil)
	rec := httptest.NewRecorder()
	h.HeadObject(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteObject(t *testing.T) {
	h, zone := newTestObjectHandler(t)
	zone.put("/a.txt", "text/plain", []byte("hello"))

	req := httptest.NewRequest("DELETE", "/my-zone/a.txt", nil)
	rec := httptest.NewRecorder()
	h.DeleteObject(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if _, ok := zone.objects["/a.txt"]; ok {
		t.Fatal("expected object to be removed")
	}
}

func TestDeleteObjectIdempotent(t *testing.T) {
	h, _ := newTestObjectHandler(t)

	req := httptest.NewRequest("DELETE", "/my-zone/missing.txt", nil)
	rec := httptest.NewRecorder()
	h.DeleteObject(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestDeleteObjects(t *testing.T) {
	h, zone := newTestObjectHandler(t)
	zone.put("/a.txt", "text/plain", []byte("aaa"))
	zone.put("/b.txt", "text/plain", []byte("bbb"))

	body := `<?xml version="1.0" encoding="UTF-8"?>
<Delete><Object><Key>a.txt</Key></Object><Object><Key>b.txt</Key></Object></Delete>`
	req := httptest.NewRequest("POST", "/my-zone?delete", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.DeleteObjects(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "a.txt") || !strings.Contains(rec.Body.String(), "b.txt") {
		t.Fatalf("body = %s, want both keys reported deleted", rec.Body.String())
	}
	if _, ok := zone.objects["/a.txt"]; ok {
		t.Fatal("expected a.txt removed")
	}
}

func TestDeleteObjectsQuiet(t *testing.T) {
	h, zone := newTestObjectHandler(t)
	zone.put("/a.txt", "text/plain", []byte("aaa"))

	body := `<?xml version="1.0" encoding="UTF-8"?>
<Delete><Quiet>true</Quiet><Object><Key>a.txt</Key></Object></Delete>`
	req := httptest.NewRequest("POST", "/my-zone?delete", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.DeleteObjects(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "<Deleted>") {
		t.Fatalf("body = %s, want no Deleted entries in quiet mode", rec.Body.String())
	}
}

func TestCopyObject(t *testing.T) {
	h, zone := newTestObjectHandler(t)
	zone.put("/src.txt", "text/plain", []byte("hello"))

	req := httptest.NewRequest("PUT", "/my-zone/dst.txt", nil)
	req.Header.Set("X-Amz-Copy-Source", "/my-zone/src.txt")
	rec := httptest.NewRecorder()
	h.CopyObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	dst, ok := zone.objects["/dst.txt"]
	if !ok {
		t.Fatal("expected dst.txt to exist after copy")
	}
	if string(dst.data) != "hello" {
		t.Fatalf("dst data = %q, want %q", dst.data, "hello")
	}
}

func TestCopyObjectSourceMissing(t *testing.T) {
	h, _ := newTestObjectHandler(t)

	req := httptest.NewRequest("PUT", "/my-zone/dst.txt", nil)
	req.Header.Set("X-Amz-Copy-Source", "/my-zone/missing.txt")
	rec := httptest.NewRecorder()
	h.CopyObject(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
