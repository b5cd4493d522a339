package orchestrator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	cfg "github.com/haven-vlm/vlm-connector/config"
)

// Optimizer asks the engine for marker settings that reproduce one item's
// known-correct markers. The search itself happens in the engine.
type Optimizer struct {
	engine       Engine
	media        Media
	interval     float64
	pathMutation []cfg.PathMutation
	log          logrus.FieldLogger
}

func NewOptimizer(engine Engine, media Media, interval float64, pathMutation []cfg.PathMutation, log logrus.FieldLogger) *Optimizer {
	return &Optimizer{engine: engine, media: media, interval: interval, pathMutation: pathMutation, log: log}
}

// Derive requires exactly one candidate; any other count is a
// *PreconditionError and nothing is sent to the engine.
func (o *Optimizer) Derive(ctx context.Context, items []WorkItem) (MarkerSettings, error) {
	if len(items) != 1 {
		return MarkerSettings{}, &PreconditionError{Count: len(items)}
	}
	item := items[0]
	log := o.log.WithField("item", item.ID)

	markers, err := o.media.Markers(ctx, item.ID)
	if err != nil {
		return MarkerSettings{}, fmt.Errorf("read markers: %w", err)
	}
	truth := GroundTruth(markers)
	log.Infof("Using %d known-correct markers across %d tags", len(markers), len(truth))

	raw, err := o.engine.AnalyzeRaw(ctx, AnalyzeRequest{
		Path:     mutatePath(item.Path, o.pathMutation),
		Wide:     item.Wide,
		Interval: o.interval,
	})
	if err != nil {
		return MarkerSettings{}, fmt.Errorf("raw analysis: %w", err)
	}

	settings, err := o.engine.OptimizeSettings(ctx, raw, truth)
	if err != nil {
		return MarkerSettings{}, fmt.Errorf("optimize: %w", err)
	}
	return settings, nil
}

// GroundTruth maps each marker's tag to a fully confident span. A marker
// without an end lasts one second. Later markers of a tag replace earlier
// ones.
func GroundTruth(markers []Marker) map[string]TimeFrame {
	out := make(map[string]TimeFrame, len(markers))
	for _, m := range markers {
		end := m.Start + 1
		if m.End != nil {
			end = *m.End
		}
		out[m.TagName] = TimeFrame{Start: m.Start, End: end, Confidence: 1.0}
	}
	return out
}
