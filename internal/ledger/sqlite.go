package ledger

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tilovlandlinja/upload-imagegrid/internal/geo"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS upload_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	filename      TEXT NOT NULL,
	latitude      REAL,
	longitude     REAL,
	asset_id      TEXT NOT NULL DEFAULT '',
	line_name     TEXT NOT NULL DEFAULT '',
	line_id       TEXT NOT NULL DEFAULT '',
	asset_marking TEXT NOT NULL DEFAULT '',
	is_historic   INTEGER NOT NULL DEFAULT 0,
	source        TEXT NOT NULL DEFAULT '',
	facility_type TEXT NOT NULL DEFAULT '',
	content_hash  TEXT NOT NULL,
	upload_time   TEXT NOT NULL,
	update_time   TEXT NOT NULL,
	status        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_upload_log_hash ON upload_log (content_hash);
`

// SQLiteStore is the embedded-database ledger. It offers the same semantics as
// the file store with transactional cleanup and indexed lookups, at the cost
// of the file no longer being hand-editable.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path and ensures the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, &IOError{Path: path, Err: err}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Lookup(contentHash string) (*Entry, error) {
	row := s.db.QueryRow(`
		SELECT filename, latitude, longitude, asset_id, line_name, line_id,
		       asset_marking, is_historic, source, facility_type, content_hash,
		       upload_time, update_time, status
		FROM upload_log
		WHERE content_hash = ?
		ORDER BY update_time DESC, id DESC
		LIMIT 1`, contentHash)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &IOError{Path: "sqlite", Err: err}
	}
	return &e, nil
}

func (s *SQLiteStore) Append(e Entry) error {
	var lat, lon any
	if e.Location != nil {
		lat, lon = e.Location.Latitude, e.Location.Longitude
	}
	_, err := s.db.Exec(`
		INSERT INTO upload_log (
			filename, latitude, longitude, asset_id, line_name, line_id,
			asset_marking, is_historic, source, facility_type, content_hash,
			upload_time, update_time, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Filename, lat, lon, e.AssetID, e.LineName, e.LineID,
		e.AssetMarking, e.IsHistoric, e.Source, e.FacilityType, e.ContentHash,
		e.UploadTime.Format(timeLayout), e.UpdateTime.Format(timeLayout), string(e.Status))
	if err != nil {
		return &IOError{Path: "sqlite", Err: err}
	}
	return nil
}

func (s *SQLiteStore) CleanupDuplicates() (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM upload_log
		WHERE id NOT IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY content_hash
					ORDER BY update_time DESC, id DESC
				) AS rn
				FROM upload_log
			) WHERE rn = 1
		)`)
	if err != nil {
		return 0, &IOError{Path: "sqlite", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &IOError{Path: "sqlite", Err: err}
	}
	return int(n), nil
}

func (s *SQLiteStore) Entries() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT filename, latitude, longitude, asset_id, line_name, line_id,
		       asset_marking, is_historic, source, facility_type, content_hash,
		       upload_time, update_time, status
		FROM upload_log
		ORDER BY id`)
	if err != nil {
		return nil, &IOError{Path: "sqlite", Err: err}
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, &IOError{Path: "sqlite", Err: err}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &IOError{Path: "sqlite", Err: err}
	}
	return entries, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var (
		e         Entry
		lat, lon  sql.NullFloat64
		upT, updT string
		status    string
	)
	err := r.Scan(&e.Filename, &lat, &lon, &e.AssetID, &e.LineName, &e.LineID,
		&e.AssetMarking, &e.IsHistoric, &e.Source, &e.FacilityType, &e.ContentHash,
		&upT, &updT, &status)
	if err != nil {
		return Entry{}, err
	}
	if lat.Valid && lon.Valid {
		e.Location = &geo.Point{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	if e.UploadTime, err = time.Parse(timeLayout, upT); err != nil {
		return Entry{}, err
	}
	if e.UpdateTime, err = time.Parse(timeLayout, updT); err != nil {
		return Entry{}, err
	}
	e.Status = Status(status)
	return e, nil
}
