// Package backend implements the HTTP client for the remote flat-REST
// storage zone that BleepStore proxies S3 requests onto.
package backend

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
)

// Object describes a single entry returned by the zone's list endpoint.
// Field names and casing match the zone's JSON wire format exactly
// (PascalCase), not Go's usual JSON conventions.
type Object struct {
	Guid            string    `json:"Guid"`
	UserID          int64     `json:"UserId"`
	LastChanged     zoneTime  `json:"LastChanged"`
	DateCreated     zoneTime  `json:"DateCreated"`
	StorageZoneName string    `json:"StorageZoneName"`
	Path            string    `json:"Path"`
	ObjectName      string    `json:"ObjectName"`
	Length          int64     `json:"Length"`
	StorageZoneID   int64     `json:"StorageZoneId"`
	IsDirectory     bool      `json:"IsDirectory"`
	ServerID        int64     `json:"ServerId"`
	Checksum        string    `json:"Checksum"`
	ReplicatedZones string    `json:"ReplicatedZones"`
	ContentType     string    `json:"ContentType"`
}

// FullPath returns the object's path joined with its name, with a single
// leading slash and no duplicate separators.
func (o Object) FullPath() string {
	p := strings.TrimSuffix(o.Path, "/")
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "/" + o.ObjectName
	}
	return "/" + p + "/" + o.ObjectName
}

// S3Key returns the object's full path with the leading slash stripped,
// suitable for use as an S3 object key.
func (o Object) S3Key() string {
	return strings.TrimPrefix(o.FullPath(), "/")
}

// ETag returns the quoted ETag the proxy should expose for this object:
// the zone's checksum if present, otherwise hex(MD5(guid)).
func (o Object) ETag() string {
	if o.Checksum != "" {
		return `"` + strings.ToLower(o.Checksum) + `"`
	}
	sum := md5.Sum([]byte(o.Guid))
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// LastModified returns the object's last-changed time.
func (o Object) LastModified() time.Time {
	return o.LastChanged.Time
}

// UploadOptions carries optional per-upload parameters.
type UploadOptions struct {
	SHA256Checksum string
	ContentType    string
}
