package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tilovlandlinja/upload-imagegrid/internal/geo"
	"github.com/tilovlandlinja/upload-imagegrid/internal/ledger"
)

// Mock implementations for testing

type mockExtractor struct {
	point *geo.Point
	err   error
}

func (m *mockExtractor) Extract(path string) (*geo.Point, error) {
	return m.point, m.err
}

type mockResolver struct {
	asset *Asset
	err   error
	calls []ResolveRequest
}

func (m *mockResolver) Resolve(ctx context.Context, req ResolveRequest) (*Asset, error) {
	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.asset, nil
}

type mockUploader struct {
	existing  *RemoteRecord
	existsErr error
	uploadID  string
	uploadErr error
	updateErr error

	uploadCalls  int
	updateCalls  int
	uploadedData []byte
	lastRemoteID string
	lastAttrs    map[string]any
}

func (m *mockUploader) Exists(ctx context.Context, contentHash string) (*RemoteRecord, error) {
	if m.existsErr != nil {
		return nil, m.existsErr
	}
	return m.existing, nil
}

func (m *mockUploader) UploadBytes(ctx context.Context, data []byte, filename, contentHash string) (string, error) {
	m.uploadCalls++
	m.uploadedData = data
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	return m.uploadID, nil
}

func (m *mockUploader) UpdateMetadata(ctx context.Context, remoteID string, attributes map[string]any) error {
	m.updateCalls++
	m.lastRemoteID = remoteID
	m.lastAttrs = attributes
	return m.updateErr
}

type mockResizer struct {
	out   []byte
	err   error
	calls int
}

func (m *mockResizer) Resize(data []byte, maxWidth, maxHeight, quality int) ([]byte, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.out, nil
}

// failingStore errors on every lookup.
type failingStore struct {
	*ledger.MemoryStore
	lookupErr error
}

func (s *failingStore) Lookup(hash string) (*ledger.Entry, error) {
	return nil, s.lookupErr
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newTestReconciler(t *testing.T, extractor GPSExtractor, resolver AssetResolver, uploader UploadService, resizer Resizer, store ledger.Store, opts ...Option) *Reconciler {
	t.Helper()
	r, err := NewReconciler(extractor, resolver, uploader, resizer, store, opts...)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return r
}

func TestRunUploadsNewFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "photo.jpg", "image-bytes")

	store := ledger.NewMemoryStore()
	uploader := &mockUploader{uploadID: "remote-1"}
	r := newTestReconciler(t, &mockExtractor{}, nil, uploader, nil, store)

	result, err := r.Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Stats.Uploaded != 1 {
		t.Errorf("uploaded = %d, want 1", result.Stats.Uploaded)
	}
	if uploader.uploadCalls != 1 || uploader.updateCalls != 1 {
		t.Errorf("upload calls = %d, update calls = %d, want 1 and 1", uploader.uploadCalls, uploader.updateCalls)
	}
	if uploader.lastRemoteID != "remote-1" {
		t.Errorf("metadata updated for %q, want remote-1", uploader.lastRemoteID)
	}

	entries, _ := store.Entries()
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if entries[0].Status != ledger.StatusOK {
		t.Errorf("status = %q, want %q", entries[0].Status, ledger.StatusOK)
	}
	if entries[0].ContentHash == "" {
		t.Error("entry has no content hash")
	}
}

func TestRunSkipsSettledContent(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "photo.jpg", "image-bytes")

	hash, err := Digest(path, DefaultHashAlgorithm)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}

	store := ledger.NewMemoryStore()
	if err := store.Append(ledger.Entry{
		Filename:    "elsewhere.jpg",
		ContentHash: hash,
		UploadTime:  time.Now(),
		UpdateTime:  time.Now(),
		Status:      ledger.StatusOK,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	uploader := &mockUploader{uploadID: "remote-1"}
	r := newTestReconciler(t, &mockExtractor{}, nil, uploader, nil, store)

	result, err := r.Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Stats.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", result.Stats.Skipped)
	}
	if uploader.uploadCalls != 0 {
		t.Errorf("upload calls = %d, want 0", uploader.uploadCalls)
	}
	entries, _ := store.Entries()
	if len(entries) != 1 {
		t.Errorf("ledger entries = %d, want 1 (pure skip writes no row)", len(entries))
	}
}

func TestRunIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.jpg", "first")
	writeFile(t, dir, "b.jpg", "second")

	store := ledger.NewMemoryStore()
	uploader := &mockUploader{uploadID: "remote-1"}
	r := newTestReconciler(t, &mockExtractor{}, nil, uploader, nil, store)

	if _, err := r.Run(context.Background(), dir); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before, _ := store.Entries()

	result, err := r.Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	after, _ := store.Entries()

	if len(after) != len(before) {
		t.Errorf("second run changed ledger: %d -> %d rows", len(before), len(after))
	}
	if result.Stats.Skipped != 2 {
		t.Errorf("skipped = %d, want 2", result.Stats.Skipped)
	}
}

func TestExistingRemoteContentUpdatesMetadataOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "photo.jpg", "image-bytes")

	store := ledger.NewMemoryStore()
	uploader := &mockUploader{existing: &RemoteRecord{ID: "remote-7"}}
	r := newTestReconciler(t, &mockExtractor{}, nil, uploader, nil, store)

	result, err := r.Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Stats.Updated != 1 {
		t.Errorf("updated = %d, want 1", result.Stats.Updated)
	}
	if uploader.uploadCalls != 0 {
		t.Errorf("upload calls = %d, want 0 (transfer must be skipped)", uploader.uploadCalls)
	}
	if uploader.lastRemoteID != "remote-7" {
		t.Errorf("metadata updated for %q, want remote-7", uploader.lastRemoteID)
	}

	entries, _ := store.Entries()
	if len(entries) != 1 || entries[0].Status != ledger.StatusUpdatedImage {
		t.Errorf("entries = %+v, want one updated_image row", entries)
	}
}

func TestExistingRemoteContentWithoutIdentifier(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "photo.jpg", "image-bytes")

	store := ledger.NewMemoryStore()
	uploader := &mockUploader{existing: &RemoteRecord{}}
	r := newTestReconciler(t, &mockExtractor{}, nil, uploader, nil, store)

	if _, err := r.Run(context.Background(), dir); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if uploader.uploadCalls != 0 || uploader.updateCalls != 0 {
		t.Errorf("upload calls = %d, update calls = %d, want 0 and 0", uploader.uploadCalls, uploader.updateCalls)
	}
	entries, _ := store.Entries()
	if len(entries) != 1 || entries[0].Status != ledger.StatusExistsNoID {
		t.Errorf("entries = %+v, want one exists_no_id row", entries)
	}
}

func TestNoNearbyAssetSkipsUpload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "photo.jpg", "image-bytes")

	store := ledger.NewMemoryStore()
	uploader := &mockUploader{uploadID: "remote-1"}
	resolver := &mockResolver{} // finds nothing
	r := newTestReconciler(t, &mockExtractor{point: &geo.Point{Latitude: 62.2, Longitude: 5.7}}, resolver, uploader, nil, store,
		WithLinkAsset(true))

	result, err := r.Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Stats.NoAsset != 1 {
		t.Errorf("no_asset = %d, want 1", result.Stats.NoAsset)
	}
	if uploader.uploadCalls != 0 {
		t.Errorf("upload calls = %d, want 0 (no asset means no upload)", uploader.uploadCalls)
	}
	entries, _ := store.Entries()
	if len(entries) != 1 || entries[0].Status != ledger.StatusNoNearbyAsset {
		t.Errorf("entries = %+v, want one no_nearby_asset row", entries)
	}
}

func TestNoNearbyAssetIsSettled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "photo.jpg", "image-bytes")

	store := ledger.NewMemoryStore()
	uploader := &mockUploader{uploadID: "remote-1"}
	resolver := &mockResolver{}
	r := newTestReconciler(t, &mockExtractor{point: &geo.Point{Latitude: 62.2, Longitude: 5.7}}, resolver, uploader, nil, store,
		WithLinkAsset(true))

	if _, err := r.Run(context.Background(), dir); err != nil {
		t.Fatalf("first run: %v", err)
	}
	result, err := r.Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if result.Stats.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", result.Stats.Skipped)
	}
	entries, _ := store.Entries()
	if len(entries) != 1 {
		t.Errorf("ledger entries = %d, want 1", len(entries))
	}
}

func TestResolverFailureContainedAtFileBoundary(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.jpg", "first")
	writeFile(t, dir, "b.jpg", "second")

	store := ledger.NewMemoryStore()
	uploader := &mockUploader{uploadID: "remote-1"}
	resolver := &mockResolver{err: &ServiceError{Service: "arcgis", Op: "query", Err: errors.New("boom")}}
	r := newTestReconciler(t, &mockExtractor{point: &geo.Point{Latitude: 62.2, Longitude: 5.7}}, resolver, uploader, nil, store,
		WithLinkAsset(true))

	result, err := r.Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Stats.Failed != 2 {
		t.Errorf("failed = %d, want 2", result.Stats.Failed)
	}
	if result.Stats.Discovered != 2 {
		t.Errorf("discovered = %d, want 2 (batch must continue past failures)", result.Stats.Discovered)
	}
	entries, _ := store.Entries()
	if len(entries) != 2 {
		t.Errorf("ledger entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Status != ledger.StatusFailed {
			t.Errorf("status = %q, want %q", e.Status, ledger.StatusFailed)
		}
	}
}

func TestMetadataFailureAfterTransferKeepsUpload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "photo.jpg", "image-bytes")

	store := ledger.NewMemoryStore()
	uploader := &mockUploader{
		uploadID:  "remote-1",
		updateErr: &ServiceError{Service: "imagegrid", Op: "update", Err: errors.New("boom")},
	}
	r := newTestReconciler(t, &mockExtractor{}, nil, uploader, nil, store)

	if _, err := r.Run(context.Background(), dir); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if uploader.uploadCalls != 1 {
		t.Errorf("upload calls = %d, want 1 (transfer happened before the metadata failure)", uploader.uploadCalls)
	}
	entries, _ := store.Entries()
	if len(entries) != 1 || entries[0].Status != ledger.StatusFailedUpdate {
		t.Errorf("entries = %+v, want one failed_update row", entries)
	}
}

func TestUploadWithoutIdentifierFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "photo.jpg", "image-bytes")

	store := ledger.NewMemoryStore()
	uploader := &mockUploader{uploadID: ""}
	r := newTestReconciler(t, &mockExtractor{}, nil, uploader, nil, store)

	if _, err := r.Run(context.Background(), dir); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if uploader.updateCalls != 0 {
		t.Errorf("update calls = %d, want 0", uploader.updateCalls)
	}
	entries, _ := store.Entries()
	if len(entries) != 1 || entries[0].Status != ledger.StatusFailed {
		t.Errorf("entries = %+v, want one failed row", entries)
	}
}

func TestLedgerFailureAbortsRun(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "photo.jpg", "image-bytes")

	lookupErr := &ledger.IOError{Path: "ledger.csv", Err: errors.New("disk gone")}
	store := &failingStore{MemoryStore: ledger.NewMemoryStore(), lookupErr: lookupErr}
	uploader := &mockUploader{uploadID: "remote-1"}
	r := newTestReconciler(t, &mockExtractor{}, nil, uploader, nil, store)

	_, err := r.Run(context.Background(), dir)
	if err == nil {
		t.Fatal("Run succeeded, want ledger error")
	}
	var ioErr *ledger.IOError
	if !errors.As(err, &ioErr) {
		t.Errorf("error = %v, want *ledger.IOError", err)
	}
	if uploader.uploadCalls != 0 {
		t.Errorf("upload calls = %d, want 0", uploader.uploadCalls)
	}
}

func TestAssetAttributesWinOnCollision(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "photo.jpg", "image-bytes")

	store := ledger.NewMemoryStore()
	uploader := &mockUploader{uploadID: "remote-1"}
	resolver := &mockResolver{asset: &Asset{
		ID:      "42",
		Marking: "1171-81",
		Attributes: map[string]any{
			"driftsmerking": "1171-81",
			"kilde":         "arcgis",
		},
	}}
	point := &geo.Point{Latitude: 62.2, Longitude: 5.7}
	r := newTestReconciler(t, &mockExtractor{point: point}, resolver, uploader, nil, store,
		WithLinkAsset(true),
		WithBaseAttributes(map[string]any{"kilde": "manual", "befaring": "2026"}),
	)

	if _, err := r.Run(context.Background(), dir); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := uploader.lastAttrs["kilde"]; got != "arcgis" {
		t.Errorf("kilde = %v, want asset value to win", got)
	}
	if got := uploader.lastAttrs["befaring"]; got != "2026" {
		t.Errorf("befaring = %v, want base attribute kept", got)
	}

	location, ok := uploader.lastAttrs["location"].(map[string]any)
	if !ok {
		t.Fatalf("location = %v, want GeoJSON object", uploader.lastAttrs["location"])
	}
	coords, ok := location["coordinates"].([]float64)
	if !ok || len(coords) != 2 {
		t.Fatalf("coordinates = %v", location["coordinates"])
	}
	if coords[0] != point.Longitude || coords[1] != point.Latitude {
		t.Errorf("coordinates = %v, want [lon lat]", coords)
	}

	entries, _ := store.Entries()
	if entries[0].AssetID != "42" || entries[0].AssetMarking != "1171-81" {
		t.Errorf("entry = %+v, want asset fields recorded", entries[0])
	}
}

func TestResizeAppliedBeforeTransfer(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "photo.jpg", "original-bytes")

	store := ledger.NewMemoryStore()
	uploader := &mockUploader{uploadID: "remote-1"}
	resizer := &mockResizer{out: []byte("resized-bytes")}
	r := newTestReconciler(t, &mockExtractor{}, nil, uploader, resizer, store,
		WithResize(ResizeSpec{MaxWidth: 1920, MaxHeight: 1080, Quality: 80}))

	if _, err := r.Run(context.Background(), dir); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if resizer.calls != 1 {
		t.Errorf("resize calls = %d, want 1", resizer.calls)
	}
	if string(uploader.uploadedData) != "resized-bytes" {
		t.Errorf("uploaded %q, want resized bytes", uploader.uploadedData)
	}
}

func TestFolderAssetPassesMarking(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "1171-81 Nordfjordeid trafo")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, sub, "photo.jpg", "image-bytes")

	store := ledger.NewMemoryStore()
	uploader := &mockUploader{uploadID: "remote-1"}
	resolver := &mockResolver{asset: &Asset{ID: "42", Marking: "1171-81"}}
	r := newTestReconciler(t, &mockExtractor{}, resolver, uploader, nil, store,
		WithLinkAsset(true), WithFolderAsset(true))

	if _, err := r.Run(context.Background(), dir); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(resolver.calls) != 1 {
		t.Fatalf("resolve calls = %d, want 1", len(resolver.calls))
	}
	if resolver.calls[0].Marking != "1171-81" {
		t.Errorf("marking = %q, want folder name", resolver.calls[0].Marking)
	}
}

func TestSyncFolderReconstructsEntries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "photo.jpg", "image-bytes")

	store := ledger.NewMemoryStore()
	uploader := &mockUploader{existing: &RemoteRecord{ID: "remote-9"}}
	r := newTestReconciler(t, &mockExtractor{}, nil, uploader, nil, store)

	result, err := r.SyncFolder(context.Background(), dir)
	if err != nil {
		t.Fatalf("SyncFolder: %v", err)
	}

	if result.Stats.Synced != 1 {
		t.Errorf("synced = %d, want 1", result.Stats.Synced)
	}
	if uploader.uploadCalls != 0 || uploader.updateCalls != 0 {
		t.Error("sync must not transfer or update anything")
	}
	entries, _ := store.Entries()
	if len(entries) != 1 || entries[0].Status != ledger.StatusSynced {
		t.Errorf("entries = %+v, want one synced row", entries)
	}
	if entries[0].AssetID != "remote-9" {
		t.Errorf("asset id = %q, want remote identifier", entries[0].AssetID)
	}
}

func TestAssetIDFromFilename(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"12345-toppbefaring.jpg", "12345"},
		{"12345-toppbefaring-2.jpg", "12345"},
		{"photo.jpg", ""},
		{"12345.jpg", ""},
		{"mast-12345.jpg", ""},
		{"-photo.jpg", ""},
		{"12a45-photo.jpg", ""},
	}
	for _, tt := range tests {
		if got := assetIDFromFilename(tt.name); got != tt.want {
			t.Errorf("assetIDFromFilename(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestEmptyFolder(t *testing.T) {
	dir := t.TempDir()
	store := ledger.NewMemoryStore()
	r := newTestReconciler(t, &mockExtractor{}, nil, &mockUploader{uploadID: "x"}, nil, store)

	_, err := r.Run(context.Background(), dir)
	if !errors.Is(err, ErrEmptyFolder) {
		t.Errorf("error = %v, want ErrEmptyFolder", err)
	}
}
