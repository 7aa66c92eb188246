package fetcher

import (
	"context"

	"autoscrape/internal/classifier"

	"go.uber.org/zap"
)

// Snapshotter produces a classified snapshot of a page. It starts with the
// static path and upgrades to the render path at most once, when the static
// snapshot classifies as dynamic.
type Snapshotter struct {
	Static Fetcher
	// Render may be nil, in which case dynamic pages keep their static HTML.
	Render Fetcher
	Logger *zap.Logger
}

// Snapshot fetches and classifies url. The returned report explains the
// classification of the first snapshot; the label never changes afterwards.
func (s *Snapshotter) Snapshot(ctx context.Context, url string) (classifier.Snapshot, classifier.Report) {
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}

	snap := classifier.Snapshot{URL: url, Via: classifier.ViaHTTP}
	if s.Static != nil {
		res := s.Static.Fetch(ctx, url)
		if res.OK {
			snap.HTML = res.HTML
		} else {
			log.Debug("static fetch unavailable", zap.String("url", url), zap.Int("status", res.Status))
		}
	}

	report := classifier.Explain(snap)
	snap.Class = report.Class
	log.Debug("page classified",
		zap.String("url", url),
		zap.String("class", string(report.Class)),
		zap.Int("score", report.Score),
	)

	if snap.Class != classifier.Dynamic || snap.Via != classifier.ViaHTTP || s.Render == nil {
		return snap, report
	}

	res := s.Render.Fetch(ctx, url)
	if !res.OK {
		log.Warn("render fetch unavailable, keeping static snapshot", zap.String("url", url))
		return snap, report
	}
	snap.HTML = res.HTML
	snap.Via = classifier.ViaBrowser
	return snap, report
}
