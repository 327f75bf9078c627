package reconcile

import (
	"context"

	"github.com/tilovlandlinja/upload-imagegrid/internal/geo"
)

// Asset is a resolved infrastructure asset. The typed fields carry the values
// the ledger records; Attributes holds the full cleaned attribute set pushed
// to the image platform.
type Asset struct {
	ID           string
	Marking      string
	LineName     string
	LineID       string
	FacilityType string
	Historic     bool

	Attributes map[string]any
	Location   *geo.Point
	Distance   float64 // meters from the query point, 0 for identifier matches
}

// RemoteRecord is the upload platform's view of already-stored content.
type RemoteRecord struct {
	ID string // empty when the platform knows the content but exposes no identifier
}

// ResolveRequest is one asset resolution. Identifier-based fields are
// authoritative when set; Location drives the spatial fallback.
type ResolveRequest struct {
	AssetID      string     // derived from the filename, exact match
	Marking      string     // operational marking, derived from the folder name
	Location     *geo.Point // GPS position, nil when the image carries none
	RadiusMeters float64
}

// AssetResolver resolves a request to the single best asset candidate.
// A nil result with a nil error means nothing was found, which is a defined
// outcome and not an error.
type AssetResolver interface {
	Resolve(ctx context.Context, req ResolveRequest) (*Asset, error)
}

// UploadService is the image platform port.
type UploadService interface {
	// Exists reports whether content with this hash is already stored
	// remotely. Nil means unknown content.
	Exists(ctx context.Context, contentHash string) (*RemoteRecord, error)

	// UploadBytes transfers the image and returns the platform identifier.
	UploadBytes(ctx context.Context, data []byte, filename, contentHash string) (string, error)

	// UpdateMetadata applies the attribute set to stored content.
	UpdateMetadata(ctx context.Context, remoteID string, attributes map[string]any) error
}

// GPSExtractor reads a location out of an image file.
type GPSExtractor interface {
	Extract(path string) (*geo.Point, error)
}

// Resizer scales image bytes down before transfer, preserving embedded
// metadata.
type Resizer interface {
	Resize(data []byte, maxWidth, maxHeight, quality int) ([]byte, error)
}
