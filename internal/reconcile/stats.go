package reconcile

import "github.com/tilovlandlinja/upload-imagegrid/internal/ledger"

// RunStats accumulates per-status counts for one batch run. The batch is
// strictly sequential, so plain counters suffice.
type RunStats struct {
	Discovered int
	Uploaded   int
	Updated    int
	Skipped    int
	NoAsset    int
	Failed     int
	Synced     int
}

// record classifies one terminal status into the aggregate counts.
func (s *RunStats) record(status ledger.Status) {
	switch status {
	case ledger.StatusOK, ledger.StatusNewImage:
		s.Uploaded++
	case ledger.StatusUpdatedImage:
		s.Updated++
	case ledger.StatusSkipped:
		s.Skipped++
	case ledger.StatusNoNearbyAsset:
		s.NoAsset++
	case ledger.StatusSynced:
		s.Synced++
	default:
		s.Failed++
	}
}
