package reconcile

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cozy/goexif2/exif"
	"github.com/mic159/immich-takeout/takeout"
	"go.uber.org/zap"
)

// AssetSource produces matched assets; the streaming matcher satisfies it.
type AssetSource interface {
	Next(ctx context.Context) (*takeout.Asset, error)
}

// maxEXIFRead bounds how much of a payload is scanned for EXIF data; the
// APP1 segment sits at the front of a JPEG.
const maxEXIFRead = 128 << 10

// Processor is the reconciliation stage of the pipeline. Each Next call
// pulls from the matcher until an asset survives the filters, annotates it
// with the reconciled capture time, and returns it. io.EOF passes through
// from the matcher.
type Processor struct {
	src    AssetSource
	finder ZoneFinder
	report takeout.Reporter
	log    *zap.Logger
}

func NewProcessor(src AssetSource, finder ZoneFinder, report takeout.Reporter, log *zap.Logger) *Processor {
	return &Processor{src: src, finder: finder, report: report, log: log}
}

func (p *Processor) Next(ctx context.Context) (*takeout.Asset, error) {
	for {
		a, err := p.src.Next(ctx)
		if err != nil {
			return nil, err
		}

		// only this account's own assets are uploaded
		if a.Meta.FromPartnerSharing() {
			p.report.Skipped(a.Entry.Name, a.Entry.Archive, "partner sharing")
			continue
		}

		ext := strings.ToLower(a.Extension())
		if ext != ".jpg" && ext != ".jpeg" {
			if !a.OriginalTime.Equal(a.Entry.ModTime) {
				a.TimestampDiffers = true
			}
			if ext == ".vob" || ext == ".thm" {
				p.log.Warn("skipping unsupported file extension", zap.String("name", a.Name))
				p.report.Skipped(a.Entry.Name, a.Entry.Archive, "unsupported extension")
				continue
			}
			return a, nil
		}

		if err := p.reconcile(ctx, a); err != nil {
			return nil, err
		}
		return a, nil
	}
}

func (p *Processor) reconcile(ctx context.Context, a *takeout.Asset) error {
	rc, err := a.Entry.Open(ctx)
	if err != nil {
		return fmt.Errorf("opening payload for %s: %w", a.Key, err)
	}
	defer rc.Close()

	x, err := exif.Decode(io.LimitReader(rc, maxEXIFRead))
	if err != nil && exif.IsCriticalError(err) {
		// no usable EXIF; hand the asset over as-is and let the caller
		// decide whether to upload it unmodified
		p.log.Warn("could not read EXIF, passing through unverified",
			zap.String("name", a.Name),
			zap.Error(err))
		a.Unverified = true
		return nil
	}

	if a.GPS == nil {
		a.GPS = ExtractCoordinates(x)
	}

	sidecar, err := a.Meta.TakenTime()
	if err != nil {
		return fmt.Errorf("sidecar time for %s: %w", a.Key, err)
	}
	differs, chosen := CheckTimestamp(ExtractTimestamp(x), a.GPS, p.finder, sidecar)
	a.TimestampDiffers = differs
	a.OriginalTime = chosen

	p.log.Info("processed",
		zap.String("name", a.Name),
		zap.Time("taken", chosen),
		zap.Bool("corrected", differs),
		zap.Int64("size", a.Entry.Size))
	return nil
}
