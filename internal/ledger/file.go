package ledger

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tilovlandlinja/upload-imagegrid/internal/geo"
)

const timeLayout = "2006-01-02 15:04:05"

// columns is the fixed on-disk schema. The file is semicolon-separated so it
// opens cleanly in European-locale spreadsheet tools, and safe to inspect or
// hand-edit between runs.
var columns = []string{
	"filename",
	"location",
	"asset_id",
	"line_name",
	"line_id",
	"asset_marking",
	"is_historic",
	"source",
	"facility_type",
	"content_hash",
	"upload_time",
	"update_time",
	"status",
}

// FileStore is the production ledger: a delimited flat file plus an in-process
// index so lookups reflect appends without re-reading the file.
type FileStore struct {
	path string

	mu    sync.Mutex
	index map[string]Entry // latest entry per content hash
}

// NewFileStore opens or creates the ledger file at path and loads its index.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, index: make(map[string]Entry)}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.writeAll(nil); err != nil {
			return nil, err
		}
		return s, nil
	}

	entries, err := s.readAll()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		s.indexEntry(e)
	}
	return s, nil
}

// Lookup returns the latest recorded entry for the hash, or nil.
func (s *FileStore) Lookup(contentHash string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[contentHash]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// Append writes one row. The row is encoded in full before any bytes reach the
// file, then flushed and synced, so readers never see a torn record.
func (s *FileStore) Append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &IOError{Path: s.path, Err: err}
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = ';'
	if err := w.Write(encodeRow(e)); err != nil {
		return &IOError{Path: s.path, Err: err}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return &IOError{Path: s.path, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &IOError{Path: s.path, Err: err}
	}

	s.indexEntry(e)
	return nil
}

// CleanupDuplicates rewrites the file keeping, per hash, the entry with the
// latest update time. The rewrite goes through a temp file and rename so a
// crash mid-cleanup leaves the original intact.
func (s *FileStore) CleanupDuplicates() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAll()
	if err != nil {
		return 0, err
	}

	kept := dedupeLatest(entries)
	if len(kept) == len(entries) {
		return 0, nil
	}

	if err := s.writeAll(kept); err != nil {
		return 0, err
	}

	s.index = make(map[string]Entry, len(kept))
	for _, e := range kept {
		s.indexEntry(e)
	}
	return len(entries) - len(kept), nil
}

// Entries returns every row in log order.
func (s *FileStore) Entries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAll()
}

// Close is a no-op for the file store; every operation opens and closes the
// file itself.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) indexEntry(e Entry) {
	prev, ok := s.index[e.ContentHash]
	if !ok || !e.UpdateTime.Before(prev.UpdateTime) {
		s.index[e.ContentHash] = e
	}
}

func (s *FileStore) readAll() ([]Entry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, &IOError{Path: s.path, Err: err}
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = ';'
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return nil, &IOError{Path: s.path, Err: err}
	}

	var entries []Entry
	for i, row := range rows {
		if i == 0 {
			continue // header
		}
		e, err := decodeRow(row)
		if err != nil {
			return nil, &IOError{Path: s.path, Err: fmt.Errorf("row %d: %w", i+1, err)}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *FileStore) writeAll(entries []Entry) error {
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return &IOError{Path: s.path, Err: err}
	}

	w := csv.NewWriter(f)
	w.Comma = ';'
	if err := w.Write(columns); err != nil {
		f.Close()
		return &IOError{Path: s.path, Err: err}
	}
	for _, e := range entries {
		if err := w.Write(encodeRow(e)); err != nil {
			f.Close()
			return &IOError{Path: s.path, Err: err}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return &IOError{Path: s.path, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &IOError{Path: s.path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &IOError{Path: s.path, Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return &IOError{Path: s.path, Err: err}
	}
	return nil
}

// dedupeLatest keeps one entry per hash, preferring the latest update time
// and, on equal times, the later row.
func dedupeLatest(entries []Entry) []Entry {
	latest := make(map[string]int, len(entries))
	for i, e := range entries {
		if j, ok := latest[e.ContentHash]; ok && entries[j].UpdateTime.After(e.UpdateTime) {
			continue
		}
		latest[e.ContentHash] = i
	}

	kept := make([]Entry, 0, len(latest))
	for i, e := range entries {
		if latest[e.ContentHash] == i {
			kept = append(kept, e)
		}
	}
	return kept
}

func encodeRow(e Entry) []string {
	location := ""
	if e.Location != nil {
		location = fmt.Sprintf("%.7f,%.7f", e.Location.Latitude, e.Location.Longitude)
	}
	return []string{
		e.Filename,
		location,
		e.AssetID,
		e.LineName,
		e.LineID,
		e.AssetMarking,
		strconv.FormatBool(e.IsHistoric),
		e.Source,
		e.FacilityType,
		e.ContentHash,
		e.UploadTime.Format(timeLayout),
		e.UpdateTime.Format(timeLayout),
		string(e.Status),
	}
}

func decodeRow(row []string) (Entry, error) {
	if len(row) != len(columns) {
		return Entry{}, fmt.Errorf("expected %d fields, got %d", len(columns), len(row))
	}

	var e Entry
	e.Filename = row[0]
	if row[1] != "" {
		loc, err := parseLocation(row[1])
		if err != nil {
			return Entry{}, err
		}
		e.Location = &loc
	}
	e.AssetID = row[2]
	e.LineName = row[3]
	e.LineID = row[4]
	e.AssetMarking = row[5]
	if row[6] != "" {
		historic, err := strconv.ParseBool(row[6])
		if err != nil {
			return Entry{}, fmt.Errorf("is_historic: %w", err)
		}
		e.IsHistoric = historic
	}
	e.Source = row[7]
	e.FacilityType = row[8]
	e.ContentHash = row[9]

	var err error
	if e.UploadTime, err = time.Parse(timeLayout, row[10]); err != nil {
		return Entry{}, fmt.Errorf("upload_time: %w", err)
	}
	if e.UpdateTime, err = time.Parse(timeLayout, row[11]); err != nil {
		return Entry{}, fmt.Errorf("update_time: %w", err)
	}
	e.Status = Status(row[12])
	return e, nil
}

func parseLocation(s string) (geo.Point, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return geo.Point{}, fmt.Errorf("location %q: expected lat,lon", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return geo.Point{}, fmt.Errorf("location latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return geo.Point{}, fmt.Errorf("location longitude: %w", err)
	}
	return geo.Point{Latitude: lat, Longitude: lon}, nil
}
