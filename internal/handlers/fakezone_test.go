package handlers

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bleepstore/bleepstore/internal/backend"
)

// fakeZoneObject is one entry held by fakeZone.
type fakeZoneObject struct {
	data        []byte
	contentType string
	checksum    string
	lastChanged time.Time
}

// fakeZone is an in-memory stand-in for the flat-REST storage zone,
// speaking the same wire contract backend.Client does: GET for list and
// download, DESCRIBE for metadata, PUT for upload, DELETE for delete.
type fakeZone struct {
	mu      sync.Mutex
	zone    string
	objects map[string]fakeZoneObject
}

func newFakeZone(zone string) *fakeZone {
	return &fakeZone{zone: zone, objects: make(map[string]fakeZoneObject)}
}

func (z *fakeZone) httpHandler() func(w http.ResponseWriter, r *http.Request) {
	return z.serve
}

func (z *fakeZone) serve(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	idx := strings.IndexByte(trimmed, '/')
	zone := trimmed
	objPath := "/"
	if idx >= 0 {
		zone = trimmed[:idx]
		objPath = trimmed[idx:]
	}
	if zone != z.zone {
		w.WriteHeader(404)
		return
	}
	objPath = "/" + strings.Trim(objPath, "/")
	if objPath == "/" {
		objPath = "/"
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	switch r.Method {
	case "GET":
		if strings.HasSuffix(r.URL.Path, "/") {
			z.list(w, objPath)
			return
		}
		obj, ok := z.objects[objPath]
		if !ok {
			w.WriteHeader(404)
			return
		}
		w.Header().Set("Content-Type", obj.contentType)
		w.Header().Set("ETag", obj.checksum)
		w.Write(obj.data)
	case "DESCRIBE":
		obj, ok := z.objects[objPath]
		if !ok {
			w.WriteHeader(404)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(z.wireObject(objPath, obj))
	case "PUT":
		data, _ := io.ReadAll(r.Body)
		contentType := r.Header.Get("Override-Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		checksum := r.Header.Get("Checksum")
		if checksum == "" {
			sum := md5.Sum(data)
			checksum = strings.ToUpper(hex.EncodeToString(sum[:]))
		}
		z.objects[objPath] = fakeZoneObject{data: data, contentType: contentType, checksum: checksum, lastChanged: time.Now().UTC()}
		w.WriteHeader(201)
	case "DELETE":
		delete(z.objects, objPath)
		w.WriteHeader(200)
	default:
		w.WriteHeader(405)
	}
}

func (z *fakeZone) list(w http.ResponseWriter, dirPath string) {
	prefix := dirPath
	if prefix != "/" {
		prefix += "/"
	}
	seenDirs := make(map[string]bool)
	var out []map[string]any
	for p, obj := range z.objects {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rel := strings.TrimPrefix(p, prefix)
		if i := strings.IndexByte(rel, '/'); i >= 0 {
			dirName := rel[:i]
			if !seenDirs[dirName] {
				seenDirs[dirName] = true
				out = append(out, map[string]any{
					"StorageZoneName": z.zone,
					"Path":            prefix,
					"ObjectName":      dirName,
					"IsDirectory":     true,
				})
			}
			continue
		}
		out = append(out, z.wireObject(p, obj))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (z *fakeZone) wireObject(objPath string, obj fakeZoneObject) map[string]any {
	dir, name := path.Split(objPath)
	if dir == "" {
		dir = "/"
	}
	return map[string]any{
		"StorageZoneName": z.zone,
		"Path":            dir,
		"ObjectName":      name,
		"Length":          len(obj.data),
		"Checksum":        obj.checksum,
		"ContentType":     obj.contentType,
		"LastChanged":     obj.lastChanged.Format("2006-01-02T15:04:05.999999999"),
		"DateCreated":     obj.lastChanged.Format("2006-01-02T15:04:05.999999999"),
	}
}

// put seeds an object directly, bypassing HTTP, for test setup.
func (z *fakeZone) put(objPath, contentType string, data []byte) {
	z.mu.Lock()
	defer z.mu.Unlock()
	sum := md5.Sum(data)
	z.objects["/"+strings.Trim(objPath, "/")] = fakeZoneObject{
		data:        data,
		contentType: contentType,
		checksum:    strings.ToUpper(hex.EncodeToString(sum[:])),
		lastChanged: time.Now().UTC(),
	}
}

// newTestBackendClient starts an httptest.Server backed by a fakeZone and
// returns a backend.Client pointed at it, along with the zone for
// out-of-band assertions/seeding.
func newTestBackendClient(t *testing.T, zoneName string) (*backend.Client, *fakeZone) {
	t.Helper()
	zone := newFakeZone(zoneName)
	srv := httptest.NewServer(http.HandlerFunc(zone.httpHandler()))
	t.Cleanup(srv.Close)

	client := backend.NewWithBaseURL(srv.URL, backend.Config{
		Zone:      zoneName,
		AccessKey: "test-access-key",
		Region:    backend.RegionPrimary,
	})
	return client, zone
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
