package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	cfg "github.com/haven-vlm/vlm-connector/config"
)

type ExecutorOptions struct {
	Interval       float64
	Threshold      float64
	WantConfidence bool
	CreateMarkers  bool
	PathMutation   []cfg.PathMutation
	// TempRoot holds per-job staging directories; "" means os.TempDir().
	TempRoot string
}

// Executor runs the full pipeline for one item.
type Executor struct {
	engine Engine
	media  Media
	opts   ExecutorOptions
	log    logrus.FieldLogger

	mkdirTemp func(dir, pattern string) (string, error)
	removeAll func(path string) error
}

func NewExecutor(engine Engine, media Media, opts ExecutorOptions, log logrus.FieldLogger) *Executor {
	return &Executor{
		engine:    engine,
		media:     media,
		opts:      opts,
		log:       log,
		mkdirTemp: os.MkdirTemp,
		removeAll: os.RemoveAll,
	}
}

// Execute analyzes item and applies the result to the catalog. It never
// panics and never returns an error directly: failures, panics included,
// come back as JobOutcome.Err after the item has been tagged as errored.
// The staging directory is removed on every path.
func (x *Executor) Execute(ctx context.Context, item WorkItem, onProgress func(percent int)) (out JobOutcome) {
	start := time.Now()
	out.ItemID = item.ID
	out.Status = StatusRunning
	log := x.log.WithField("item", item.ID)

	var workDir string
	defer func() {
		if r := recover(); r != nil {
			out.Tags = nil
			out.Err = &JobError{ItemID: item.ID, Stage: StagePanic, Err: fmt.Errorf("%v", r)}
		}
		if workDir != "" {
			if err := x.removeAll(workDir); err != nil {
				log.WithError(err).Warn("Failed to remove staging directory")
			}
		}
		out.Status = StatusDone
		if out.Err != nil {
			out.Status = StatusErrored
			log.WithError(out.Err).Error("Error processing scene")
			// the job's own context may already be cancelled
			if err := x.media.MarkErrored(context.WithoutCancel(ctx), item.ID); err != nil {
				log.WithError(err).Error("Failed to tag scene as errored")
			}
		}
		out.Duration = time.Since(start)
	}()

	out.Tags, out.Err = x.run(ctx, item, onProgress, &workDir)
	return out
}

func (x *Executor) run(ctx context.Context, item WorkItem, onProgress func(int), workDir *string) ([]string, error) {
	fail := func(stage string, err error) ([]string, error) {
		return nil, &JobError{ItemID: item.ID, Stage: stage, Err: err}
	}

	path := mutatePath(item.Path, x.opts.PathMutation)
	if path == "" {
		return fail(StageResolve, errors.New("scene has no media file"))
	}

	dir, err := x.mkdirTemp(x.opts.TempRoot, "haven-"+item.ID+"-*")
	if err != nil {
		return fail(StageStage, err)
	}
	*workDir = dir

	res, err := x.engine.Analyze(ctx, AnalyzeRequest{
		Path:           path,
		Wide:           item.Wide,
		Interval:       x.opts.Interval,
		Threshold:      x.opts.Threshold,
		WantConfidence: x.opts.WantConfidence,
		WorkDir:        dir,
	}, onProgress)
	if err != nil {
		return fail(StageAnalyze, err)
	}

	tags := unionTags(res.Tags)
	if len(tags) > 0 {
		if stage, err := x.apply(ctx, item, tags, res); err != nil {
			return fail(stage, err)
		}
		x.log.WithField("item", item.ID).Infof("Added tags %v to scene", tags)
	} else {
		x.log.WithField("item", item.ID).Debug("No tags detected")
	}

	if err := x.media.RemovePending(ctx, item.ID); err != nil {
		return fail(StagePending, err)
	}
	return tags, nil
}

// apply replaces the item's analysis tags and markers. Everything that can
// fail without touching the item runs before the clear; a failure after it
// puts the snapshot back so the item never mixes old and new results.
func (x *Executor) apply(ctx context.Context, item WorkItem, tags []string, res *JobResult) (string, error) {
	names := tags
	if x.opts.CreateMarkers {
		names = withSpanTags(tags, res.Spans)
	}
	ids, err := x.media.EnsureTags(ctx, names)
	if err != nil {
		return StageTags, err
	}
	tagIDs := make([]string, 0, len(tags))
	for _, t := range tags {
		id, ok := ids[t]
		if !ok || id == "" {
			return StageTags, fmt.Errorf("no tag id for %q", t)
		}
		tagIDs = append(tagIDs, id)
	}
	var markers []Marker
	if x.opts.CreateMarkers {
		markers = buildMarkers(item, names, ids, res.Spans)
	}

	prev, err := x.media.Snapshot(ctx, item)
	if err != nil {
		return StageApply, err
	}
	if err := x.media.ClearAnalysis(ctx, item.ID); err != nil {
		return StageApply, x.rollback(ctx, item.ID, prev, err)
	}
	if err := x.media.AddTags(ctx, item.ID, tagIDs); err != nil {
		return StageApply, x.rollback(ctx, item.ID, prev, err)
	}
	if len(markers) > 0 {
		if err := x.media.AddMarkers(ctx, item.ID, markers); err != nil {
			return StageApply, x.rollback(ctx, item.ID, prev, err)
		}
		x.log.WithField("item", item.ID).Infof("Added %d markers to scene", len(markers))
	}
	return "", nil
}

func (x *Executor) rollback(ctx context.Context, itemID string, prev AnalysisState, cause error) error {
	if err := x.media.Restore(context.WithoutCancel(ctx), itemID, prev); err != nil {
		return errors.Join(cause, fmt.Errorf("restore previous analysis: %w", err))
	}
	return cause
}

func withSpanTags(tags []string, spans map[string][]TimeFrame) []string {
	seen := make(map[string]struct{}, len(tags)+len(spans))
	out := make([]string, 0, len(tags)+len(spans))
	for _, t := range tags {
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for t, s := range spans {
		if _, ok := seen[t]; ok || len(s) == 0 || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func buildMarkers(item WorkItem, names []string, ids map[string]string, spans map[string][]TimeFrame) []Marker {
	var out []Marker
	for _, name := range names {
		id := ids[name]
		if id == "" {
			continue
		}
		for _, s := range spans[name] {
			end := s.End
			out = append(out, Marker{
				ItemID:  item.ID,
				TagID:   id,
				TagName: name,
				Start:   s.Start,
				End:     &end,
				TagIDs:  []string{id},
			})
		}
	}
	return out
}
