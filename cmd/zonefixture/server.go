package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
)

// wireObject mirrors backend.Object's exact wire shape (PascalCase field
// names, the zone's own timestamp layout). It is a separate type because
// backend.Object's time fields use an unexported wrapper this fixture
// cannot construct from outside the package.
type wireObject struct {
	Guid            string `json:"Guid"`
	UserID          int64  `json:"UserId"`
	LastChanged     string `json:"LastChanged"`
	DateCreated     string `json:"DateCreated"`
	StorageZoneName string `json:"StorageZoneName"`
	Path            string `json:"Path"`
	ObjectName      string `json:"ObjectName"`
	Length          int64  `json:"Length"`
	StorageZoneID   int64  `json:"StorageZoneId"`
	IsDirectory     bool   `json:"IsDirectory"`
	ServerID        int64  `json:"ServerId"`
	Checksum        string `json:"Checksum"`
	ReplicatedZones string `json:"ReplicatedZones"`
	ContentType     string `json:"ContentType"`
}

// fixtureServer answers the single-zone flat-REST wire contract that
// backend.Client speaks, backed by a Store. It exists so the proxy can be
// developed and tested against something that behaves like a real storage
// zone without needing a real account.
type fixtureServer struct {
	store     *Store
	zone      string
	accessKey string
	log       *slog.Logger
}

func newFixtureServer(store *Store, zone, accessKey string, log *slog.Logger) *fixtureServer {
	return &fixtureServer{store: store, zone: zone, accessKey: accessKey, log: log}
}

func (f *fixtureServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.accessKey != "" && r.Header.Get("AccessKey") != f.accessKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	zone, objPath, ok := splitZonePath(r.URL.Path)
	if !ok || zone != f.zone {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if strings.HasSuffix(r.URL.Path, "/") || objPath == "/" {
			f.handleList(w, r, objPath)
		} else {
			f.handleDownload(w, r, objPath)
		}
	case "DESCRIBE":
		f.handleDescribe(w, r, objPath)
	case http.MethodPut:
		f.handleUpload(w, r, objPath)
	case http.MethodDelete:
		f.handleDelete(w, r, objPath)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fixtureServer) handleList(w http.ResponseWriter, r *http.Request, dirPath string) {
	entries, err := f.store.List(r.Context(), f.zone, dirPath)
	if err != nil {
		f.log.Error("list failed", "path", dirPath, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	out := make([]wireObject, 0, len(entries))
	for _, e := range entries {
		if e.IsDir {
			out = append(out, wireObject{
				StorageZoneName: f.zone,
				Path:            normalizeDir(dirPath),
				ObjectName:      e.Name,
				IsDirectory:     true,
			})
			continue
		}
		out = append(out, f.toWire(e.Obj))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (f *fixtureServer) handleDownload(w http.ResponseWriter, r *http.Request, objPath string) {
	obj, err := f.store.Get(r.Context(), f.zone, objPath)
	if err != nil {
		f.log.Error("get failed", "path", objPath, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if obj == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("ETag", obj.Checksum)
	w.Header().Set("Last-Modified", obj.LastChanged.Format(zoneTimeLayout))
	w.Write(obj.Data)
}

func (f *fixtureServer) handleDescribe(w http.ResponseWriter, r *http.Request, objPath string) {
	obj, err := f.store.Get(r.Context(), f.zone, objPath)
	if err != nil {
		f.log.Error("describe failed", "path", objPath, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if obj == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(f.toWire(*obj))
}

func (f *fixtureServer) handleUpload(w http.ResponseWriter, r *http.Request, objPath string) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	contentType := r.Header.Get("Override-Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	checksum := r.Header.Get("Checksum")

	if _, err := f.store.Put(r.Context(), f.zone, objPath, contentType, checksum, data); err != nil {
		f.log.Error("put failed", "path", objPath, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func (f *fixtureServer) handleDelete(w http.ResponseWriter, r *http.Request, objPath string) {
	if err := f.store.Delete(r.Context(), f.zone, objPath); err != nil {
		f.log.Error("delete failed", "path", objPath, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (f *fixtureServer) toWire(obj storedObject) wireObject {
	dir, name := path.Split(obj.Path)
	if dir == "" {
		dir = "/"
	}
	return wireObject{
		Guid:            obj.Guid,
		LastChanged:     obj.LastChanged.Format(zoneTimeLayout),
		DateCreated:     obj.DateCreated.Format(zoneTimeLayout),
		StorageZoneName: f.zone,
		Path:            dir,
		ObjectName:      name,
		Length:          int64(len(obj.Data)),
		Checksum:        obj.Checksum,
		ContentType:     obj.ContentType,
	}
}

// splitZonePath splits a request path of the form "/{zone}/{path...}" into
// the zone name and the remaining path (always slash-prefixed).
func splitZonePath(reqPath string) (zone, objPath string, ok bool) {
	trimmed := strings.TrimPrefix(reqPath, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return trimmed, "/", trimmed != ""
	}
	return trimmed[:idx], trimmed[idx:], true
}
