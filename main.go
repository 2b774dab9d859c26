// Command immich-takeout uploads Google Photos takeout archives to an
// Immich server, joining media files with their metadata sidecars and
// repairing capture timestamps along the way.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mic159/immich-takeout/archive"
	"github.com/mic159/immich-takeout/immich"
	"github.com/mic159/immich-takeout/reconcile"
	"github.com/mic159/immich-takeout/report"
	"github.com/mic159/immich-takeout/takeout"
	"github.com/mic159/immich-takeout/tracker"
)

func main() {
	apiURL := flag.String("api-url", "", "base URL of the Immich server (required unless -dry-run)")
	apiKey := flag.String("api-key", "", "Immich API key (required unless -dry-run)")
	dryRun := flag.Bool("dry-run", false, "process archives but do not upload anything")
	reportPath := flag.String("report", "report.csv", "write a CSV report of outcomes here (empty to disable)")
	statePath := flag.String("state", "uploaded.db", "state database tracking already-uploaded files")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options] takeout-*.tgz...\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	log := newLogger(*verbose)
	defer log.Sync() //nolint:errcheck

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if !*dryRun && (*apiURL == "" || *apiKey == "") {
		log.Fatal("-api-url and -api-key are required unless -dry-run is set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, log, flag.Args(), *apiURL, *apiKey, *dryRun, *reportPath, *statePath); err != nil {
		log.Fatal("run failed", zap.Error(err))
	}
}

func newLogger(verbose bool) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000")
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core)
}

func run(ctx context.Context, log *zap.Logger, paths []string, apiURL, apiKey string, dryRun bool, reportPath, statePath string) error {
	skip, err := tracker.Open(ctx, statePath)
	if err != nil {
		return err
	}
	defer skip.Close()

	var rep takeout.Reporter = report.Discard{}
	if reportPath != "" {
		csvRep, err := report.NewCSV(reportPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := csvRep.Close(); err != nil {
				log.Error("closing report", zap.Error(err))
			}
		}()
		rep = csvRep
	}

	sources := make([]takeout.Source, 0, len(paths))
	readers := make([]*archive.Reader, 0, len(paths))
	for _, p := range paths {
		r, err := archive.Open(ctx, p)
		if err != nil {
			return fmt.Errorf("opening %s: %w", p, err)
		}
		defer r.Close()
		sources = append(sources, r)
		readers = append(readers, r)
	}

	finder, err := reconcile.NewZoneFinder()
	if err != nil {
		return fmt.Errorf("loading timezone data: %w", err)
	}

	matcher := takeout.NewMatcher(sources, skip, rep, log)
	proc := reconcile.NewProcessor(matcher, finder, rep, log)

	var client *immich.Client
	if !dryRun {
		client = immich.New(apiURL, apiKey, log)
	}

	for {
		asset, err := proc.Next(ctx)
		if errors.Is(err, io.EOF) {
			for _, r := range readers {
				log.Info("archive done",
					zap.String("archive", r.Name()),
					zap.Int64("bytes_read", r.BytesRead()))
			}
			return nil
		}
		if err != nil {
			return err
		}
		if err := handleAsset(ctx, log, client, skip, asset, dryRun); err != nil {
			return err
		}
	}
}

func handleAsset(ctx context.Context, log *zap.Logger, client *immich.Client, skip *tracker.Tracker, asset *takeout.Asset, dryRun bool) error {
	if dryRun {
		log.Info("would upload",
			zap.String("name", asset.Name),
			zap.Time("taken", asset.OriginalTime),
			zap.Bool("timestamp_corrected", asset.TimestampDiffers))
		return nil
	}

	result, err := client.UploadAsset(ctx, asset)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", asset.Name, err)
	}
	if err := skip.Add(ctx, asset.Key); err != nil {
		return err
	}
	if result.Duplicate {
		log.Info("already on server", zap.String("name", asset.Name))
		return nil
	}
	log.Info("uploaded",
		zap.String("name", asset.Name),
		zap.String("id", result.ID))

	if asset.TimestampDiffers && !asset.Unverified {
		if err := client.UpdateAsset(ctx, result.ID, asset); err != nil {
			return fmt.Errorf("updating metadata for %s: %w", asset.Name, err)
		}
		log.Debug("metadata updated", zap.String("name", asset.Name))
	}
	return nil
}
