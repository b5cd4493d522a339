package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	cfg "github.com/haven-vlm/vlm-connector/config"
)

// Pipeline wires the configured collaborators to the three modes.
type Pipeline struct {
	cfg      *cfg.Root
	engine   Engine
	media    Media
	log      logrus.FieldLogger
	sink     ProgressSink
	reporter Reporter
}

func NewPipeline(c *cfg.Root, engine Engine, media Media, log logrus.FieldLogger, sink ProgressSink) *Pipeline {
	return &Pipeline{cfg: c, engine: engine, media: media, log: log, sink: sink}
}

// WithReporter sets an observer for per-job and end-of-batch reports.
func (p *Pipeline) WithReporter(r Reporter) *Pipeline {
	p.reporter = r
	return p
}

// TagVideos analyzes every pending scene. Only configuration and catalog
// enumeration failures are returned; job failures are counted in the
// outcome.
func (p *Pipeline) TagVideos(ctx context.Context) (BatchOutcome, error) {
	gate, err := NewGate(p.cfg.ConcurrentTaskLimit)
	if err != nil {
		return BatchOutcome{}, err
	}

	items, err := p.media.PendingItems(ctx)
	if err != nil {
		return BatchOutcome{}, fmt.Errorf("list pending scenes: %w", err)
	}
	if len(items) == 0 {
		p.log.Infof("No videos to tag. Have you tagged any scenes with the %s tag to get processed?", p.cfg.Tags.TagMe)
	}

	exec := NewExecutor(p.engine, p.media, ExecutorOptions{
		Interval:       p.cfg.Video.FrameInterval,
		Threshold:      p.cfg.Video.Threshold,
		WantConfidence: p.cfg.Video.ConfidenceReturn,
		CreateMarkers:  p.cfg.CreateMarkers,
		PathMutation:   p.cfg.PathMutation,
	}, p.log)
	coord := NewCoordinator(gate, exec, p.sink, p.reporter, p.log)
	return coord.Run(ctx, items), nil
}

// FindMarkerSettings derives marker settings from the single pending scene
// and writes them under the output directory. A wrong number of pending
// scenes is logged and returned as *PreconditionError.
func (p *Pipeline) FindMarkerSettings(ctx context.Context) (MarkerSettings, error) {
	items, err := p.media.PendingItems(ctx)
	if err != nil {
		return MarkerSettings{}, fmt.Errorf("list pending scenes: %w", err)
	}

	opt := NewOptimizer(p.engine, p.media, p.cfg.Video.FrameInterval, p.cfg.PathMutation, p.log)
	settings, err := opt.Derive(ctx, items)
	if err != nil {
		var pe *PreconditionError
		if errors.As(err, &pe) {
			p.log.Errorf("Please tag exactly one scene with the %s tag to get processed.", p.cfg.Tags.TagMe)
		}
		return MarkerSettings{}, err
	}

	p.log.WithField("item", items[0].ID).Infof("Optimal marker settings found: threshold=%g min_marker_duration=%g max_gap=%g",
		settings.Threshold, settings.MinMarkerDuration, settings.MaxGap)
	path, err := writeSettings(p.cfg.OutputDataDir, items[0].ID, settings, p.log)
	if err != nil {
		p.log.WithError(err).Warn("Failed to write marker settings")
	} else {
		p.log.Infof("Marker settings written to %s", path)
	}
	return settings, nil
}

// CollectIncorrect exports markers flagged as incorrect for later review,
// then clears the flag, or deletes the markers when configured to.
// It returns the number of markers written.
func (p *Pipeline) CollectIncorrect(ctx context.Context, archive MarkerArchive) (int, error) {
	markers, err := archive.IncorrectMarkers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list incorrect markers: %w", err)
	}
	if len(markers) == 0 {
		p.log.Info("No incorrect markers to collect.")
		return 0, nil
	}

	written, exported := exportMarkers(p.cfg.OutputDataDir, markers, p.log)

	if err := archive.ClearIncorrect(ctx, exported); err != nil {
		return written, fmt.Errorf("clear incorrect tag: %w", err)
	}
	if p.cfg.DeleteIncorrect {
		if err := archive.DeleteMarkers(ctx, exported); err != nil {
			return written, fmt.Errorf("delete incorrect markers: %w", err)
		}
	}
	p.log.Infof("Collected %d of %d incorrect markers", written, len(markers))
	return written, nil
}
