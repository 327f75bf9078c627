// Package reconcile orchestrates deduplicated photo uploads.
//
// For each candidate file the reconciler computes a content identity, consults
// the ledger, resolves the nearest infrastructure asset from the photo's GPS
// position, delegates the byte transfer and metadata update to the upload
// platform, and records exactly one terminal outcome. Every per-file error is
// contained at the file boundary; restarting the batch is the retry mechanism,
// with the ledger check skipping files that already settled.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tilovlandlinja/upload-imagegrid/internal/geo"
	"github.com/tilovlandlinja/upload-imagegrid/internal/ledger"
)

// DefaultRadiusMeters bounds the spatial asset search.
const DefaultRadiusMeters = 100

// ResizeSpec configures the pre-upload downscale. A zero value disables
// resizing.
type ResizeSpec struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
}

// Enabled reports whether a bounding box is configured.
func (r ResizeSpec) Enabled() bool {
	return r.MaxWidth > 0 && r.MaxHeight > 0
}

// Config configures reconciler behavior.
type Config struct {
	// LinkAsset enables asset resolution. Without it photos upload with
	// base attributes only.
	LinkAsset bool

	// FolderAsset derives the asset marking from each file's parent
	// folder name and resolves by marking instead of by position.
	FolderAsset bool

	// RadiusMeters bounds the spatial search (default 100).
	RadiusMeters float64

	// Resize is applied to image bytes before transfer when enabled.
	Resize ResizeSpec

	// Source tags every ledger entry and upload with its origin batch.
	Source string

	// BaseAttributes are caller-supplied metadata merged under resolved
	// asset attributes. Asset attributes win on key collision.
	BaseAttributes map[string]any

	// Hash selects the content digest algorithm (default md5).
	Hash HashAlgorithm
}

// Option is a functional option for configuring a Reconciler.
type Option func(*Reconciler)

// WithLinkAsset enables nearest-asset resolution.
func WithLinkAsset(link bool) Option {
	return func(r *Reconciler) { r.config.LinkAsset = link }
}

// WithFolderAsset enables folder-name asset resolution.
func WithFolderAsset(folder bool) Option {
	return func(r *Reconciler) { r.config.FolderAsset = folder }
}

// WithRadius sets the spatial search radius in meters.
func WithRadius(meters float64) Option {
	return func(r *Reconciler) { r.config.RadiusMeters = meters }
}

// WithResize sets the pre-upload resize parameters.
func WithResize(spec ResizeSpec) Option {
	return func(r *Reconciler) { r.config.Resize = spec }
}

// WithSource sets the batch source tag.
func WithSource(source string) Option {
	return func(r *Reconciler) { r.config.Source = source }
}

// WithBaseAttributes sets caller-supplied metadata.
func WithBaseAttributes(attrs map[string]any) Option {
	return func(r *Reconciler) { r.config.BaseAttributes = attrs }
}

// WithHashAlgorithm sets the content digest algorithm.
func WithHashAlgorithm(algo HashAlgorithm) Option {
	return func(r *Reconciler) { r.config.Hash = algo }
}

// WithDiscoverer replaces the default jpeg/png discoverer.
func WithDiscoverer(d *ExtensionDiscoverer) Option {
	return func(r *Reconciler) { r.discoverer = d }
}

// Reconciler drives the upload state machine over a folder of photos.
type Reconciler struct {
	extractor  GPSExtractor
	resolver   AssetResolver
	uploader   UploadService
	resizer    Resizer
	store      ledger.Store
	discoverer *ExtensionDiscoverer
	config     Config
	now        func() time.Time
}

// NewReconciler creates a reconciler. The resolver may be nil when asset
// linking stays disabled; the resizer may be nil when no resize is requested.
func NewReconciler(
	extractor GPSExtractor,
	resolver AssetResolver,
	uploader UploadService,
	resizer Resizer,
	store ledger.Store,
	opts ...Option,
) (*Reconciler, error) {
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if uploader == nil {
		return nil, fmt.Errorf("uploader is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	r := &Reconciler{
		extractor: extractor,
		resolver:  resolver,
		uploader:  uploader,
		resizer:   resizer,
		store:     store,
		discoverer: NewExtensionDiscoverer(
			WithExtensions(".jpg", ".jpeg", ".png"),
		),
		config: Config{
			RadiusMeters: DefaultRadiusMeters,
			Hash:         DefaultHashAlgorithm,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.config.LinkAsset && r.resolver == nil {
		return nil, fmt.Errorf("resolver is required when asset linking is enabled")
	}
	if r.config.Resize.Enabled() && r.resizer == nil {
		return nil, fmt.Errorf("resizer is required when resize is enabled")
	}
	if r.config.RadiusMeters <= 0 {
		return nil, fmt.Errorf("radius must be > 0, got %v", r.config.RadiusMeters)
	}
	return r, nil
}

// FileResult is the terminal outcome of one file.
type FileResult struct {
	File   FileInfo
	Status ledger.Status
}

// RunResult summarizes one batch run.
type RunResult struct {
	RunID    string
	Stats    RunStats
	Results  []FileResult
	Duration time.Duration
}

// Run processes every candidate file under rootDir, strictly one at a time in
// sorted path order. Per-file failures are recorded and the batch continues;
// only ledger I/O failures abort the run.
func (r *Reconciler) Run(ctx context.Context, rootDir string) (*RunResult, error) {
	files, err := r.discoverer.Discover(rootDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", rootDir, ErrEmptyFolder)
	}

	result := &RunResult{RunID: uuid.New().String()}
	start := r.now()

	logger := log.With().Str("run", result.RunID).Logger()
	logger.Info().Str("folder", rootDir).Int("files", len(files)).Msg("starting batch")

	for _, file := range files {
		result.Stats.Discovered++

		status, err := r.processFile(ctx, file)
		if err != nil {
			// Ledger failures are fatal: continuing without
			// bookkeeping breaks the dedup invariant.
			result.Duration = time.Since(start)
			return result, err
		}

		result.Stats.record(status)
		result.Results = append(result.Results, FileResult{File: file, Status: status})
		logger.Info().
			Str("file", file.RelativePath).
			Str("status", string(status)).
			Msg("processed")
	}

	result.Duration = time.Since(start)
	logger.Info().
		Int("uploaded", result.Stats.Uploaded).
		Int("updated", result.Stats.Updated).
		Int("skipped", result.Stats.Skipped).
		Int("failed", result.Stats.Failed).
		Int("no_asset", result.Stats.NoAsset).
		Msg("batch complete")
	return result, nil
}

// processFile runs one file through the state machine. The returned error is
// non-nil only for ledger I/O failures; every other failure is contained and
// reflected in the status.
func (r *Reconciler) processFile(ctx context.Context, file FileInfo) (ledger.Status, error) {
	logger := log.With().Str("file", file.RelativePath).Logger()

	hash, err := Digest(file.Path, r.config.Hash)
	if err != nil {
		// No identity could be computed; record the failure keyed on
		// the filename alone.
		logger.Error().Err(err).Msg("content digest failed")
		return ledger.StatusFailed, r.appendEntry(ledger.Entry{
			Filename: filepath.Base(file.Path),
			Source:   r.config.Source,
			Status:   ledger.StatusFailed,
		})
	}

	prior, err := r.store.Lookup(hash)
	if err != nil {
		return "", err
	}
	if prior != nil && settled(prior.Status) {
		// Pure skip: the content already has a settled outcome and no
		// new row is written.
		logger.Debug().Str("hash", hash).Str("prior", string(prior.Status)).Msg("already settled")
		return ledger.StatusSkipped, nil
	}

	entry := ledger.Entry{
		Filename:    filepath.Base(file.Path),
		Source:      r.config.Source,
		ContentHash: hash,
	}
	entry.Status = r.reconcile(ctx, file, hash, &entry, logger)

	now := r.now()
	entry.UploadTime = now
	entry.UpdateTime = now
	return entry.Status, r.appendEntry(entry)
}

func (r *Reconciler) appendEntry(e ledger.Entry) error {
	if e.UploadTime.IsZero() {
		now := r.now()
		e.UploadTime = now
		e.UpdateTime = now
	}
	return r.store.Append(e)
}

// reconcile executes the remote-facing steps and returns the terminal status,
// filling entry with whatever was resolved along the way.
func (r *Reconciler) reconcile(ctx context.Context, file FileInfo, hash string, entry *ledger.Entry, logger zerolog.Logger) ledger.Status {
	remote, err := r.uploader.Exists(ctx, hash)
	if err != nil {
		logger.Error().Err(err).Msg("remote existence check failed")
		return ledger.StatusFailed
	}

	// GPS absence only disables asset matching, never fails the file.
	location, err := r.extractor.Extract(file.Path)
	if err != nil {
		logger.Warn().Err(err).Msg("metadata read failed, continuing without location")
		location = nil
	}
	entry.Location = location

	var asset *Asset
	if r.config.LinkAsset {
		req := ResolveRequest{
			AssetID:      assetIDFromFilename(entry.Filename),
			Location:     location,
			RadiusMeters: r.config.RadiusMeters,
		}
		if r.config.FolderAsset {
			req.Marking = markingFromFolder(filepath.Dir(file.Path))
		}

		asset, err = r.resolver.Resolve(ctx, req)
		if err != nil {
			logger.Error().Err(err).Msg("asset resolution failed")
			return ledger.StatusFailed
		}
		if asset == nil {
			// A defined early exit, not a failure. The photo is
			// not uploaded without an asset to link it to.
			logger.Info().Msg("no asset within tolerance")
			return ledger.StatusNoNearbyAsset
		}

		entry.AssetID = asset.ID
		entry.LineName = asset.LineName
		entry.LineID = asset.LineID
		entry.AssetMarking = asset.Marking
		entry.IsHistoric = asset.Historic
		entry.FacilityType = asset.FacilityType
		logger.Debug().
			Str("asset", asset.ID).
			Float64("distance_m", asset.Distance).
			Msg("asset resolved")
	}

	attrs := r.mergeAttributes(asset, location)

	if remote != nil {
		// Content is already stored remotely, reconciling a previous
		// run that uploaded but never logged. Only metadata is
		// refreshed; the byte transfer is skipped.
		if remote.ID == "" {
			logger.Warn().Msg("remote content has no usable identifier")
			return ledger.StatusExistsNoID
		}
		entry.AssetID = firstNonEmpty(entry.AssetID, remote.ID)
		if err := r.uploader.UpdateMetadata(ctx, remote.ID, attrs); err != nil {
			logger.Error().Err(err).Msg("metadata update failed for existing content")
			return ledger.StatusFailedUpdate
		}
		return ledger.StatusUpdatedImage
	}

	data, err := os.ReadFile(file.Path)
	if err != nil {
		logger.Error().Err(err).Msg("read failed")
		return ledger.StatusFailed
	}
	if r.config.Resize.Enabled() {
		// Identity stays the digest of the original bytes; only the
		// transferred payload shrinks.
		resized, err := r.resizer.Resize(data, r.config.Resize.MaxWidth, r.config.Resize.MaxHeight, r.config.Resize.Quality)
		if err != nil {
			logger.Warn().Err(err).Msg("resize failed, uploading original bytes")
		} else {
			data = resized
		}
	}

	remoteID, err := r.uploader.UploadBytes(ctx, data, entry.Filename, hash)
	if err != nil {
		logger.Error().Err(err).Msg("upload failed")
		return ledger.StatusFailed
	}
	if remoteID == "" {
		logger.Error().Err(ErrNoRemoteID).Msg("upload returned no identifier")
		return ledger.StatusFailed
	}

	if err := r.uploader.UpdateMetadata(ctx, remoteID, attrs); err != nil {
		// The transfer stands; only the metadata linking failed.
		logger.Error().Err(err).Msg("metadata update failed after transfer")
		return ledger.StatusFailedUpdate
	}
	return ledger.StatusOK
}

// mergeAttributes builds the metadata pushed to the platform: base attributes
// under resolved asset attributes, plus the GPS location as a GeoJSON point.
func (r *Reconciler) mergeAttributes(asset *Asset, location *geo.Point) map[string]any {
	attrs := make(map[string]any, len(r.config.BaseAttributes)+8)
	for k, v := range r.config.BaseAttributes {
		attrs[k] = v
	}
	if r.config.Source != "" {
		attrs["source"] = r.config.Source
	}
	if asset != nil {
		for k, v := range asset.Attributes {
			attrs[k] = v
		}
	}
	if location != nil {
		attrs["location"] = map[string]any{
			"type":        "Point",
			"coordinates": []float64{location.Longitude, location.Latitude},
		}
	}
	return attrs
}

// SyncFolder reconstructs missing ledger rows from remote state: files that
// exist remotely but have no local entry get a synced row. Nothing is
// uploaded.
func (r *Reconciler) SyncFolder(ctx context.Context, rootDir string) (*RunResult, error) {
	files, err := r.discoverer.Discover(rootDir)
	if err != nil {
		return nil, err
	}

	result := &RunResult{RunID: uuid.New().String()}
	start := r.now()

	for _, file := range files {
		result.Stats.Discovered++
		logger := log.With().Str("file", file.RelativePath).Logger()

		hash, err := Digest(file.Path, r.config.Hash)
		if err != nil {
			logger.Error().Err(err).Msg("content digest failed")
			result.Stats.Failed++
			continue
		}

		prior, err := r.store.Lookup(hash)
		if err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
		if prior != nil {
			result.Stats.Skipped++
			continue
		}

		remote, err := r.uploader.Exists(ctx, hash)
		if err != nil {
			logger.Error().Err(err).Msg("remote existence check failed")
			result.Stats.Failed++
			continue
		}
		if remote == nil {
			continue
		}

		now := r.now()
		entry := ledger.Entry{
			Filename:    filepath.Base(file.Path),
			AssetID:     remote.ID,
			Source:      r.config.Source,
			ContentHash: hash,
			UploadTime:  now,
			UpdateTime:  now,
			Status:      ledger.StatusSynced,
		}
		if err := r.store.Append(entry); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
		result.Stats.Synced++
		logger.Info().Str("remote_id", remote.ID).Msg("ledger entry reconstructed")
	}

	result.Duration = time.Since(start)
	return result, nil
}

// settled reports whether a prior status ends the content's lifecycle. Failed
// attempts are retried on the next run; settled outcomes are skipped.
func settled(s ledger.Status) bool {
	return s.Success() || s == ledger.StatusNoNearbyAsset
}

// assetIDFromFilename derives an authoritative asset identifier from a
// "12345-description.jpg" style filename. Only an all-digit prefix counts;
// anything else means no identifier.
func assetIDFromFilename(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	prefix, _, found := strings.Cut(base, "-")
	if !found || prefix == "" {
		return ""
	}
	for _, c := range prefix {
		if c < '0' || c > '9' {
			return ""
		}
	}
	return prefix
}

// markingFromFolder derives the asset marking from a folder name. Folder
// names carry a description after the marking ("1171-81 Nordfjordeid"); only
// the first token is the marking.
func markingFromFolder(dir string) string {
	fields := strings.Fields(filepath.Base(dir))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
