// Package media adapts the Stash catalog to the orchestrator: it owns the
// metadata tags the connector uses to track scenes, caches tag ids and
// knows which tags and markers earlier analyses produced.
package media

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/haven-vlm/vlm-connector/clients"
	"github.com/haven-vlm/vlm-connector/config"
	"github.com/haven-vlm/vlm-connector/orchestrator"
)

// API is the subset of the Stash GraphQL client the handler needs.
type API interface {
	FindTag(ctx context.Context, name string) (*clients.Tag, error)
	CreateTag(ctx context.Context, in clients.TagCreateInput) (*clients.Tag, error)
	ChildTags(ctx context.Context, parentID string) ([]clients.Tag, error)
	ScenesWithTag(ctx context.Context, tagID string) ([]clients.Scene, error)
	UpdateSceneTags(ctx context.Context, sceneIDs, tagIDs []string, mode string) error
	SceneMarkers(ctx context.Context, sceneID string) ([]clients.SceneMarker, error)
	MarkersWithTag(ctx context.Context, tagID string, withEnd bool) ([]clients.SceneMarker, error)
	CreateSceneMarker(ctx context.Context, in clients.MarkerCreateInput) (string, error)
	DestroySceneMarker(ctx context.Context, id string) error
	SetMarkerTags(ctx context.Context, id string, tagIDs []string) error
	VRTagName(ctx context.Context) (string, error)
	Version(ctx context.Context) (string, error)
}

// Marker end times are accepted by Stash builds newer than this one.
var endSecondsSince = []int{0, 27, 2, 76648}

type Handler struct {
	api   API
	names config.Tags
	log   logrus.FieldLogger

	baseID, tagmeID, taggedID, erroredID, incorrectID string
	vrID                                              string
	endSeconds                                        bool

	mu             sync.Mutex
	tagIDs         map[string]string
	analysis       map[string]struct{}
	analysisLoaded bool
}

// New resolves (creating when needed) the metadata tags and checks the
// server. Any failure is an initialization error.
func New(ctx context.Context, api API, names config.Tags, log logrus.FieldLogger) (*Handler, error) {
	h := &Handler{
		api:      api,
		names:    names,
		log:      log,
		tagIDs:   map[string]string{},
		analysis: map[string]struct{}{},
	}
	initErr := func(err error) error { return &config.Error{Code: config.ErrCodeInit, Key: "stash", Err: err} }

	for _, t := range []struct {
		name string
		dst  *string
	}{
		{names.Errored, &h.erroredID},
		{names.TagMe, &h.tagmeID},
		{names.Base, &h.baseID},
		{names.Tagged, &h.taggedID},
		{names.Incorrect, &h.incorrectID},
	} {
		id, err := h.metadataTag(ctx, t.name)
		if err != nil {
			return nil, initErr(fmt.Errorf("tag %q: %w", t.name, err))
		}
		*t.dst = id
	}

	vrName, err := api.VRTagName(ctx)
	if err != nil {
		return nil, initErr(fmt.Errorf("configuration: %w", err))
	}
	if vrName == "" {
		log.Warn("No VR tag found in configuration")
	} else if tag, err := api.FindTag(ctx, vrName); err != nil {
		return nil, initErr(fmt.Errorf("vr tag %q: %w", vrName, err))
	} else if tag == nil {
		log.Warnf("VR tag %q does not exist", vrName)
	} else {
		h.vrID = tag.ID
	}

	version, err := api.Version(ctx)
	if err != nil {
		return nil, initErr(fmt.Errorf("version: %w", err))
	}
	h.endSeconds = compareVersions(parseVersion(version), endSecondsSince) > 0
	log.Debugf("Stash %s, marker end seconds supported: %t", version, h.endSeconds)
	return h, nil
}

func (h *Handler) metadataTag(ctx context.Context, name string) (string, error) {
	tag, err := h.api.FindTag(ctx, name)
	if err != nil {
		return "", err
	}
	if tag == nil {
		if tag, err = h.api.CreateTag(ctx, clients.TagCreateInput{Name: name, IgnoreAutoTag: true}); err != nil {
			return "", err
		}
	}
	h.tagIDs[name] = tag.ID
	return tag.ID, nil
}

func (h *Handler) EndSecondsSupported() bool { return h.endSeconds }

func (h *Handler) PendingItems(ctx context.Context) ([]orchestrator.WorkItem, error) {
	scenes, err := h.api.ScenesWithTag(ctx, h.tagmeID)
	if err != nil {
		return nil, err
	}
	items := make([]orchestrator.WorkItem, 0, len(scenes))
	for _, s := range scenes {
		it := orchestrator.WorkItem{ID: s.ID, Status: orchestrator.StatusPending}
		if len(s.Files) > 0 {
			it.Path = s.Files[0].Path
		}
		for _, t := range s.Tags {
			it.TagIDs = append(it.TagIDs, t.ID)
			if h.vrID != "" && t.ID == h.vrID {
				it.Wide = true
			}
		}
		items = append(items, it)
	}
	return items, nil
}

// EnsureTags resolves names, creating missing ones as children of the base
// tag so later runs recognise them as analysis tags.
func (h *Handler) EnsureTags(ctx context.Context, names []string) (map[string]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(names))
	for _, name := range names {
		if id, ok := h.tagIDs[name]; ok {
			out[name] = id
			continue
		}
		tag, err := h.api.FindTag(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("find tag %q: %w", name, err)
		}
		if tag == nil {
			tag, err = h.api.CreateTag(ctx, clients.TagCreateInput{Name: name, IgnoreAutoTag: true, ParentIDs: []string{h.baseID}})
			if err != nil {
				return nil, fmt.Errorf("create tag %q: %w", name, err)
			}
			h.analysis[tag.ID] = struct{}{}
		}
		h.tagIDs[name] = tag.ID
		out[name] = tag.ID
	}
	return out, nil
}

// analysisTags returns the ids of every tag under the base tag.
func (h *Handler) analysisTags(ctx context.Context) (map[string]struct{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.analysisLoaded {
		children, err := h.api.ChildTags(ctx, h.baseID)
		if err != nil {
			return nil, fmt.Errorf("list analysis tags: %w", err)
		}
		for _, t := range children {
			h.analysis[t.ID] = struct{}{}
		}
		h.analysisLoaded = true
	}
	out := make(map[string]struct{}, len(h.analysis))
	for id := range h.analysis {
		out[id] = struct{}{}
	}
	return out, nil
}

// Snapshot captures the analysis tags, the tagged/errored markers and the
// analysis markers currently on item.
func (h *Handler) Snapshot(ctx context.Context, item orchestrator.WorkItem) (orchestrator.AnalysisState, error) {
	set, err := h.analysisTags(ctx)
	if err != nil {
		return orchestrator.AnalysisState{}, err
	}
	var st orchestrator.AnalysisState
	for _, id := range item.TagIDs {
		if _, ok := set[id]; ok || id == h.taggedID || id == h.erroredID {
			st.TagIDs = append(st.TagIDs, id)
		}
	}
	markers, err := h.api.SceneMarkers(ctx, item.ID)
	if err != nil {
		return orchestrator.AnalysisState{}, err
	}
	for _, m := range markers {
		if _, ok := set[m.PrimaryTag.ID]; ok {
			st.Markers = append(st.Markers, toMarker(m))
		}
	}
	return st, nil
}

// ClearAnalysis removes every analysis tag, the tagged and errored tags and
// all analysis markers from the scene. It is safe on a scene with none.
func (h *Handler) ClearAnalysis(ctx context.Context, itemID string) error {
	set, err := h.analysisTags(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(set)+2)
	for id := range set {
		ids = append(ids, id)
	}
	ids = append(ids, h.taggedID, h.erroredID)
	if err := h.api.UpdateSceneTags(ctx, []string{itemID}, ids, clients.ModeRemove); err != nil {
		return fmt.Errorf("remove analysis tags: %w", err)
	}

	markers, err := h.api.SceneMarkers(ctx, itemID)
	if err != nil {
		return err
	}
	for _, m := range markers {
		if _, ok := set[m.PrimaryTag.ID]; !ok {
			continue
		}
		if err := h.api.DestroySceneMarker(ctx, m.ID); err != nil {
			return fmt.Errorf("delete marker %s: %w", m.ID, err)
		}
	}
	return nil
}

// AddTags adds tagIDs plus the tagged marker tag.
func (h *Handler) AddTags(ctx context.Context, itemID string, tagIDs []string) error {
	ids := append(append([]string(nil), tagIDs...), h.taggedID)
	return h.api.UpdateSceneTags(ctx, []string{itemID}, ids, clients.ModeAdd)
}

func (h *Handler) AddMarkers(ctx context.Context, itemID string, markers []orchestrator.Marker) error {
	for _, m := range markers {
		in := clients.MarkerCreateInput{
			SceneID:      itemID,
			PrimaryTagID: m.TagID,
			TagIDs:       m.TagIDs,
			Seconds:      m.Start,
			Title:        m.TagName,
		}
		if in.TagIDs == nil {
			in.TagIDs = []string{m.TagID}
		}
		if h.endSeconds && m.End != nil {
			end := *m.End
			in.EndSeconds = &end
		}
		if _, err := h.api.CreateSceneMarker(ctx, in); err != nil {
			return fmt.Errorf("create marker %s@%g: %w", m.TagName, m.Start, err)
		}
	}
	return nil
}

// Restore clears whatever a failed apply left behind and puts prev back.
func (h *Handler) Restore(ctx context.Context, itemID string, prev orchestrator.AnalysisState) error {
	if err := h.ClearAnalysis(ctx, itemID); err != nil {
		return err
	}
	if len(prev.TagIDs) > 0 {
		if err := h.api.UpdateSceneTags(ctx, []string{itemID}, prev.TagIDs, clients.ModeAdd); err != nil {
			return err
		}
	}
	return h.AddMarkers(ctx, itemID, prev.Markers)
}

func (h *Handler) RemovePending(ctx context.Context, itemID string) error {
	return h.api.UpdateSceneTags(ctx, []string{itemID}, []string{h.tagmeID}, clients.ModeRemove)
}

func (h *Handler) MarkErrored(ctx context.Context, itemID string) error {
	return h.api.UpdateSceneTags(ctx, []string{itemID}, []string{h.erroredID}, clients.ModeAdd)
}

func (h *Handler) Markers(ctx context.Context, itemID string) ([]orchestrator.Marker, error) {
	ms, err := h.api.SceneMarkers(ctx, itemID)
	if err != nil {
		return nil, err
	}
	out := make([]orchestrator.Marker, 0, len(ms))
	for _, m := range ms {
		out = append(out, toMarker(m))
	}
	return out, nil
}

func (h *Handler) IncorrectMarkers(ctx context.Context) ([]orchestrator.Marker, error) {
	ms, err := h.api.MarkersWithTag(ctx, h.incorrectID, h.endSeconds)
	if err != nil {
		return nil, err
	}
	out := make([]orchestrator.Marker, 0, len(ms))
	for _, m := range ms {
		out = append(out, toMarker(m))
	}
	return out, nil
}

// ClearIncorrect drops the incorrect tag from each marker, carrying on past
// individual failures.
func (h *Handler) ClearIncorrect(ctx context.Context, markers []orchestrator.Marker) error {
	var errs []error
	for _, m := range markers {
		keep := make([]string, 0, len(m.TagIDs))
		for _, id := range m.TagIDs {
			if id != h.incorrectID {
				keep = append(keep, id)
			}
		}
		if err := h.api.SetMarkerTags(ctx, m.ID, keep); err != nil {
			h.log.WithError(err).WithField("marker", m.ID).Error("Failed to remove incorrect tag from marker")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Handler) DeleteMarkers(ctx context.Context, markers []orchestrator.Marker) error {
	var errs []error
	for _, m := range markers {
		if err := h.api.DestroySceneMarker(ctx, m.ID); err != nil {
			h.log.WithError(err).WithField("marker", m.ID).Error("Failed to delete marker")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func toMarker(m clients.SceneMarker) orchestrator.Marker {
	out := orchestrator.Marker{
		ID:      m.ID,
		ItemID:  m.Scene.ID,
		TagID:   m.PrimaryTag.ID,
		TagName: m.PrimaryTag.Name,
		Start:   m.Seconds,
		End:     m.EndSeconds,
	}
	if len(m.Scene.Files) > 0 {
		out.ItemPath = m.Scene.Files[0].Path
	}
	for _, t := range m.Tags {
		out.TagIDs = append(out.TagIDs, t.ID)
	}
	return out
}

// parseVersion reads "v0.27.2-76648-gdeadbeef" as [0 27 2 76648]. Missing
// or malformed parts count as 0.
func parseVersion(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	core, build, _ := strings.Cut(v, "-")
	out := make([]int, 0, 4)
	for _, p := range strings.SplitN(core, ".", 3) {
		n, _ := strconv.Atoi(p)
		out = append(out, n)
	}
	for len(out) < 3 {
		out = append(out, 0)
	}
	b, _, _ := strings.Cut(build, "-")
	n, _ := strconv.Atoi(b)
	return append(out, n)
}

func compareVersions(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		switch {
		case a[i] > b[i]:
			return 1
		case a[i] < b[i]:
			return -1
		}
	}
	return len(a) - len(b)
}
