package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

// memMedia is an in-memory catalog. Tags created by EnsureTags get the id
// "t:<name>" and count as analysis tags.
type memMedia struct {
	mu       sync.Mutex
	items    []WorkItem
	tags     map[string]map[string]bool
	markers  map[string][]Marker
	pending  map[string]bool
	errored  map[string]bool
	restored int

	failEnsure        error
	failSnapshot      error
	failClear         error
	failAddTags       error
	failAddMarkers    error
	failRemovePending error
}

func newMemMedia(items ...WorkItem) *memMedia {
	m := &memMedia{
		items:   items,
		tags:    map[string]map[string]bool{},
		markers: map[string][]Marker{},
		pending: map[string]bool{},
		errored: map[string]bool{},
	}
	for _, it := range items {
		m.tags[it.ID] = map[string]bool{}
		for _, id := range it.TagIDs {
			m.tags[it.ID][id] = true
		}
		m.pending[it.ID] = true
	}
	return m
}

func isAnalysis(id string) bool { return strings.HasPrefix(id, "t:") }

func (m *memMedia) PendingItems(context.Context) ([]WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []WorkItem
	for _, it := range m.items {
		if m.pending[it.ID] {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *memMedia) EnsureTags(_ context.Context, names []string) (map[string]string, error) {
	if m.failEnsure != nil {
		return nil, m.failEnsure
	}
	out := map[string]string{}
	for _, n := range names {
		out[n] = "t:" + n
	}
	return out, nil
}

func (m *memMedia) Snapshot(_ context.Context, item WorkItem) (AnalysisState, error) {
	if m.failSnapshot != nil {
		return AnalysisState{}, m.failSnapshot
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var st AnalysisState
	for id := range m.tags[item.ID] {
		if isAnalysis(id) {
			st.TagIDs = append(st.TagIDs, id)
		}
	}
	st.Markers = append(st.Markers, m.markers[item.ID]...)
	return st, nil
}

func (m *memMedia) ClearAnalysis(_ context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failClear != nil {
		// half done: tags gone, markers still there
		m.clearTagsLocked(itemID)
		return m.failClear
	}
	m.clearTagsLocked(itemID)
	delete(m.markers, itemID)
	return nil
}

func (m *memMedia) clearTagsLocked(itemID string) {
	for id := range m.tags[itemID] {
		if isAnalysis(id) {
			delete(m.tags[itemID], id)
		}
	}
}

func (m *memMedia) AddTags(_ context.Context, itemID string, tagIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAddTags != nil {
		// the first tag lands before the write fails
		if len(tagIDs) > 0 {
			m.tags[itemID][tagIDs[0]] = true
		}
		return m.failAddTags
	}
	for _, id := range tagIDs {
		m.tags[itemID][id] = true
	}
	return nil
}

func (m *memMedia) AddMarkers(_ context.Context, itemID string, markers []Marker) error {
	if m.failAddMarkers != nil {
		return m.failAddMarkers
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[itemID] = append(m.markers[itemID], markers...)
	return nil
}

func (m *memMedia) Restore(_ context.Context, itemID string, prev AnalysisState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restored++
	m.clearTagsLocked(itemID)
	for _, id := range prev.TagIDs {
		m.tags[itemID][id] = true
	}
	m.markers[itemID] = append([]Marker(nil), prev.Markers...)
	return nil
}

func (m *memMedia) RemovePending(_ context.Context, itemID string) error {
	if m.failRemovePending != nil {
		return m.failRemovePending
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, itemID)
	return nil
}

func (m *memMedia) MarkErrored(_ context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errored[itemID] = true
	return nil
}

func (m *memMedia) Markers(_ context.Context, itemID string) ([]Marker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Marker(nil), m.markers[itemID]...), nil
}

func (m *memMedia) tagsOf(itemID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id := range m.tags[itemID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type fakeEngine struct {
	mu       sync.Mutex
	analyze  func(req AnalyzeRequest, onProgress func(int)) (*JobResult, error)
	requests []AnalyzeRequest

	raw       json.RawMessage
	settings  MarkerSettings
	rawCalls  int
	optCalls  int
	gotRaw    json.RawMessage
	gotTruth  map[string]TimeFrame
	optimizeE error
}

func (e *fakeEngine) Analyze(_ context.Context, req AnalyzeRequest, onProgress func(int)) (*JobResult, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	fn := e.analyze
	e.mu.Unlock()
	if fn == nil {
		return &JobResult{Tags: map[string][]string{}}, nil
	}
	return fn(req, onProgress)
}

func (e *fakeEngine) AnalyzeRaw(_ context.Context, req AnalyzeRequest) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rawCalls++
	e.requests = append(e.requests, req)
	return e.raw, nil
}

func (e *fakeEngine) OptimizeSettings(_ context.Context, raw json.RawMessage, truth map[string]TimeFrame) (MarkerSettings, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optCalls++
	e.gotRaw = raw
	e.gotTruth = truth
	return e.settings, e.optimizeE
}

func (e *fakeEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

var errBoom = errors.New("boom")
