// Package ledger records upload outcomes keyed by content hash.
//
// The ledger is the system's only persisted state: an append-only log with one
// row per upload attempt. Identity is the content digest of the file bytes, so
// the same image under two filenames is one entry. Stores are pluggable; the
// file-backed store is the production format (a human-editable
// semicolon-separated table), the SQLite store is the embedded alternative and
// the in-memory store serves tests.
package ledger

import (
	"fmt"
	"time"

	"github.com/tilovlandlinja/upload-imagegrid/internal/geo"
)

// Status is the terminal outcome of one upload attempt.
type Status string

const (
	// StatusOK marks a fresh successful upload with metadata applied.
	StatusOK Status = "ok"
	// StatusFailed marks a failed transfer or an unclassified error.
	StatusFailed Status = "failed"
	// StatusFailedUpdate marks a completed transfer whose metadata update
	// failed. The remote bytes stay uploaded; only the linking failed.
	StatusFailedUpdate Status = "failed_update"
	// StatusSkipped marks a file settled by an earlier ledger entry. Pure
	// skips are never written; the constant exists for reporting.
	StatusSkipped Status = "skipped"
	// StatusSynced marks an entry reconstructed from remote state by the
	// sync maintenance operation.
	StatusSynced Status = "synced"
	// StatusUpdatedImage marks content that already existed remotely and
	// only had its metadata refreshed.
	StatusUpdatedImage Status = "updated_image"
	// StatusExistsNoID marks content found remotely without a usable
	// identifier, so metadata could not be applied.
	StatusExistsNoID Status = "exists_no_id"
	// StatusNewImage marks a fresh transfer recorded before metadata
	// handling concluded.
	StatusNewImage Status = "new_image"
	// StatusNoNearbyAsset marks a file for which asset linking was
	// requested but no asset could be resolved. A defined outcome, not a
	// failure.
	StatusNoNearbyAsset Status = "no_nearby_asset"
)

// Success reports whether the status represents settled, successful content.
// After cleanup, each hash keeps at most one successful entry.
func (s Status) Success() bool {
	switch s {
	case StatusOK, StatusNewImage, StatusSynced, StatusUpdatedImage:
		return true
	}
	return false
}

// Entry is one upload attempt. Entries are written once and never mutated;
// only CleanupDuplicates removes rows.
type Entry struct {
	Filename     string
	Location     *geo.Point
	AssetID      string
	LineName     string
	LineID       string
	AssetMarking string
	IsHistoric   bool
	Source       string
	FacilityType string
	ContentHash  string
	UploadTime   time.Time
	UpdateTime   time.Time
	Status       Status
}

// Store is the ledger port. Implementations guarantee that Lookup reflects
// every Append made through the same instance, with no consistency window.
// Single-process sequential use is assumed; a concurrent reconciler requires a
// transactional implementation behind this same interface.
type Store interface {
	// Lookup returns the most recent entry for the hash, or nil when the
	// hash has never been recorded.
	Lookup(contentHash string) (*Entry, error)

	// Append records one attempt. The write is atomic from the caller's
	// perspective: readers never observe a partial row.
	Append(e Entry) error

	// CleanupDuplicates retains, per hash, the entry with the latest
	// update time and removes the rest, returning the removed count.
	CleanupDuplicates() (int, error)

	// Entries returns all recorded attempts in log order.
	Entries() ([]Entry, error)

	// Close releases the underlying resources.
	Close() error
}

// IOError is a ledger read/write failure. Ledger failures are fatal: silently
// losing entries breaks the dedup invariant.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
