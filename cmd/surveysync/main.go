// Command surveysync uploads field-survey photos to the image platform,
// linking each photo to the nearest infrastructure asset and recording every
// outcome in the upload ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tilovlandlinja/upload-imagegrid/internal/arcgis"
	"github.com/tilovlandlinja/upload-imagegrid/internal/config"
	"github.com/tilovlandlinja/upload-imagegrid/internal/exif"
	"github.com/tilovlandlinja/upload-imagegrid/internal/geo"
	"github.com/tilovlandlinja/upload-imagegrid/internal/imagegrid"
	"github.com/tilovlandlinja/upload-imagegrid/internal/imaging"
	"github.com/tilovlandlinja/upload-imagegrid/internal/ledger"
	"github.com/tilovlandlinja/upload-imagegrid/internal/reconcile"
)

func main() {
	var (
		folder      = flag.String("folder", "", "source folder of photos to process")
		linkAsset   = flag.Bool("link-asset", false, "link each photo to the nearest asset by GPS position")
		folderAsset = flag.Bool("folder-asset", false, "resolve the asset from each photo's folder name (implies -link-asset)")
		radius      = flag.Float64("radius", reconcile.DefaultRadiusMeters, "asset search radius in meters")
		maxWidth    = flag.Int("max-width", 0, "resize photos to fit this width before upload (0 = no resize)")
		maxHeight   = flag.Int("max-height", 0, "resize photos to fit this height before upload (0 = no resize)")
		quality     = flag.Int("quality", imaging.DefaultQuality, "JPEG quality for resized photos")
		ledgerPath  = flag.String("ledger", "upload_log.csv", "ledger file path")
		useSQLite   = flag.Bool("sqlite", false, "use an embedded SQLite ledger instead of the flat file")
		hashAlgo    = flag.String("hash", string(reconcile.DefaultHashAlgorithm), "content hash algorithm: md5, sha1 or sha256")
		doCleanup   = flag.Bool("cleanup", false, "collapse duplicate ledger entries and exit")
		doSync      = flag.Bool("sync", false, "reconstruct ledger rows from remote state instead of uploading")
		doStats     = flag.Bool("stats", false, "print ledger status counts and exit")
		verbose     = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})

	if err := run(*folder, options{
		linkAsset:   *linkAsset || *folderAsset,
		folderAsset: *folderAsset,
		radius:      *radius,
		maxWidth:    *maxWidth,
		maxHeight:   *maxHeight,
		quality:     *quality,
		ledgerPath:  *ledgerPath,
		useSQLite:   *useSQLite,
		hashAlgo:    reconcile.HashAlgorithm(*hashAlgo),
		cleanup:     *doCleanup,
		sync:        *doSync,
		stats:       *doStats,
	}); err != nil {
		log.Error().Err(err).Msg("run failed")
		os.Exit(1)
	}
}

type options struct {
	linkAsset   bool
	folderAsset bool
	radius      float64
	maxWidth    int
	maxHeight   int
	quality     int
	ledgerPath  string
	useSQLite   bool
	hashAlgo    reconcile.HashAlgorithm
	cleanup     bool
	sync        bool
	stats       bool
}

func run(folder string, opts options) error {
	store, err := openStore(opts)
	if err != nil {
		return err
	}
	defer store.Close()

	if opts.cleanup {
		removed, err := store.CleanupDuplicates()
		if err != nil {
			return err
		}
		fmt.Printf("removed %d duplicate entries\n", removed)
		return nil
	}
	if opts.stats {
		return printStats(store)
	}

	if folder == "" {
		return errors.New("-folder is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.linkAsset {
		if err := cfg.ValidateArcGIS(); err != nil {
			return err
		}
	}

	uploader, err := imagegrid.NewClient(imagegrid.Config{
		ClientID:     cfg.ImageGrid.ClientID,
		ClientSecret: cfg.ImageGrid.ClientSecret,
		TokenURL:     cfg.ImageGrid.TokenURL,
		APIURL:       cfg.ImageGrid.APIURL,
		Tenant:       cfg.ImageGrid.Tenant,
		Schema:       cfg.ImageGrid.Schema,
	})
	if err != nil {
		return err
	}

	var resolver reconcile.AssetResolver
	if opts.linkAsset {
		client, err := arcgis.NewClient(arcgis.Config{
			BaseURL:       cfg.ArcGIS.BaseURL,
			SubstationURL: cfg.ArcGIS.SubstationURL,
			TokenURL:      cfg.ArcGIS.TokenURL,
			Username:      cfg.ArcGIS.Username,
			Password:      cfg.ArcGIS.Password,
			RequestIP:     cfg.ArcGIS.RequestIP,
		})
		if err != nil {
			return err
		}
		resolver = arcgis.NewResolver(client, geo.NewTransformer())
	}

	reconciler, err := reconcile.NewReconciler(
		exif.NewExtractor(),
		resolver,
		uploader,
		imaging.NewResizer(),
		store,
		reconcile.WithLinkAsset(opts.linkAsset),
		reconcile.WithFolderAsset(opts.folderAsset),
		reconcile.WithRadius(opts.radius),
		reconcile.WithResize(reconcile.ResizeSpec{
			MaxWidth:  opts.maxWidth,
			MaxHeight: opts.maxHeight,
			Quality:   opts.quality,
		}),
		reconcile.WithSource(cfg.SourceTag),
		reconcile.WithHashAlgorithm(opts.hashAlgo),
	)
	if err != nil {
		return err
	}

	ctx := context.Background()

	var result *reconcile.RunResult
	if opts.sync {
		result, err = reconciler.SyncFolder(ctx, folder)
	} else {
		result, err = reconciler.Run(ctx, folder)
	}
	if result != nil {
		printSummary(result)
	}
	return err
}

func openStore(opts options) (ledger.Store, error) {
	if opts.useSQLite {
		return ledger.NewSQLiteStore(opts.ledgerPath)
	}
	return ledger.NewFileStore(opts.ledgerPath)
}

func printSummary(result *reconcile.RunResult) {
	s := result.Stats
	fmt.Printf("processed %d files in %s: uploaded=%d updated=%d skipped=%d no_asset=%d synced=%d failed=%d\n",
		s.Discovered, result.Duration.Round(time.Millisecond),
		s.Uploaded, s.Updated, s.Skipped, s.NoAsset, s.Synced, s.Failed)
}

func printStats(store ledger.Store) error {
	entries, err := store.Entries()
	if err != nil {
		return err
	}
	counts := make(map[ledger.Status]int)
	for _, e := range entries {
		counts[e.Status]++
	}
	fmt.Printf("%d entries\n", len(entries))
	for status, n := range counts {
		fmt.Printf("  %-16s %d\n", status, n)
	}
	return nil
}
