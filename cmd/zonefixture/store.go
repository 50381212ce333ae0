package main

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bleepstore/bleepstore/internal/uid"
)

// zoneTimeLayout matches the primary timestamp format backend.Client expects
// from LastChanged/DateCreated fields.
const zoneTimeLayout = "2006-01-02T15:04:05.999999999"

// storedObject is a single file entry held by the store.
type storedObject struct {
	Guid        string
	Path        string // full path, leading slash, no trailing slash
	Data        []byte
	ContentType string
	Checksum    string
	DateCreated time.Time
	LastChanged time.Time
}

// dirEntry describes one immediate child of a listed directory: either a
// file (with the fields below populated) or a synthetic subdirectory
// (IsDir true, everything else zero).
type dirEntry struct {
	Name  string
	IsDir bool
	Obj   storedObject
}

// Store persists zone objects in a SQLite database, blobs included — this
// fixture favors simplicity over the scale a real zone handles, so there is
// no separate blob store the way the production backend would have one.
type Store struct {
	db *sql.DB
}

// NewStore opens (and if necessary creates) the SQLite database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening fixture database: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing fixture database: %w", err)
	}
	return s, nil
}

func (s *Store) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS objects (
			zone         TEXT NOT NULL,
			path         TEXT NOT NULL,
			guid         TEXT NOT NULL,
			data         BLOB NOT NULL,
			content_type TEXT NOT NULL,
			checksum     TEXT NOT NULL,
			date_created INTEGER NOT NULL,
			last_changed INTEGER NOT NULL,
			PRIMARY KEY (zone, path)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Put stores data at the given zone-relative path, computing its checksum
// unless the caller supplies one. Re-uploading an existing path overwrites
// it and refreshes LastChanged while keeping its original DateCreated.
func (s *Store) Put(ctx context.Context, zone, objPath, contentType, checksum string, data []byte) (*storedObject, error) {
	objPath = normalizePath(objPath)

	if checksum == "" {
		sum := md5.Sum(data)
		checksum = strings.ToUpper(hex.EncodeToString(sum[:]))
	}

	now := time.Now().UTC()
	created := now

	var existingCreated int64
	row := s.db.QueryRowContext(ctx, `SELECT date_created FROM objects WHERE zone = ? AND path = ?`, zone, objPath)
	if err := row.Scan(&existingCreated); err == nil {
		created = time.Unix(0, existingCreated).UTC()
	}

	guid := uid.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (zone, path, guid, data, content_type, checksum, date_created, last_changed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(zone, path) DO UPDATE SET
			guid = excluded.guid,
			data = excluded.data,
			content_type = excluded.content_type,
			checksum = excluded.checksum,
			last_changed = excluded.last_changed
	`, zone, objPath, guid, data, contentType, checksum, created.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("storing object: %w", err)
	}

	return &storedObject{
		Guid:        guid,
		Path:        objPath,
		Data:        data,
		ContentType: contentType,
		Checksum:    checksum,
		DateCreated: created,
		LastChanged: now,
	}, nil
}

// Get retrieves a single object by its full path.
func (s *Store) Get(ctx context.Context, zone, objPath string) (*storedObject, error) {
	objPath = normalizePath(objPath)

	row := s.db.QueryRowContext(ctx, `
		SELECT guid, data, content_type, checksum, date_created, last_changed
		FROM objects WHERE zone = ? AND path = ?
	`, zone, objPath)

	var obj storedObject
	var created, changed int64
	if err := row.Scan(&obj.Guid, &obj.Data, &obj.ContentType, &obj.Checksum, &created, &changed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("reading object: %w", err)
	}
	obj.Path = objPath
	obj.DateCreated = time.Unix(0, created).UTC()
	obj.LastChanged = time.Unix(0, changed).UTC()
	return &obj, nil
}

// Delete removes a single object. Deleting an absent path is not an error,
// matching the zone's own idempotent delete semantics.
func (s *Store) Delete(ctx context.Context, zone, objPath string) error {
	objPath = normalizePath(objPath)
	_, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE zone = ? AND path = ?`, zone, objPath)
	return err
}

// List returns the immediate children of dirPath: files stored directly
// under it, plus one synthetic directory entry per distinct next path
// segment among deeper objects.
func (s *Store) List(ctx context.Context, zone, dirPath string) ([]dirEntry, error) {
	prefix := normalizeDir(dirPath)

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, guid, data, content_type, checksum, date_created, last_changed
		FROM objects WHERE zone = ? AND path LIKE ? ESCAPE '\'
	`, zone, likeEscape(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}
	defer rows.Close()

	seenDirs := make(map[string]bool)
	var entries []dirEntry

	for rows.Next() {
		var obj storedObject
		var created, changed int64
		if err := rows.Scan(&obj.Path, &obj.Guid, &obj.Data, &obj.ContentType, &obj.Checksum, &created, &changed); err != nil {
			return nil, fmt.Errorf("scanning object row: %w", err)
		}
		obj.DateCreated = time.Unix(0, created).UTC()
		obj.LastChanged = time.Unix(0, changed).UTC()

		rel := strings.TrimPrefix(obj.Path, prefix)
		if idx := strings.IndexByte(rel, '/'); idx >= 0 {
			dirName := rel[:idx]
			if !seenDirs[dirName] {
				seenDirs[dirName] = true
				entries = append(entries, dirEntry{Name: dirName, IsDir: true})
			}
			continue
		}
		entries = append(entries, dirEntry{Name: rel, IsDir: false, Obj: obj})
	}
	return entries, rows.Err()
}

// normalizePath returns path with exactly one leading slash and no
// trailing slash (except the root, which collapses to "/").
func normalizePath(p string) string {
	p = "/" + strings.Trim(p, "/")
	return path.Clean(p)
}

// normalizeDir returns path with exactly one leading and one trailing slash.
func normalizeDir(p string) string {
	p = normalizePath(p)
	if p == "/" {
		return "/"
	}
	return p + "/"
}

// likeEscape escapes the SQL LIKE wildcard characters in a literal prefix.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
