package orchestrator

import (
	"context"
	"encoding/json"
	"time"
)

type ItemStatus string

const (
	StatusPending ItemStatus = "pending"
	StatusRunning ItemStatus = "running"
	StatusDone    ItemStatus = "done"
	StatusErrored ItemStatus = "errored"
)

// WorkItem is one catalog scene scheduled for analysis. It belongs to the
// executor processing it and is not reused across batches.
type WorkItem struct {
	ID     string
	Path   string
	Wide   bool     // VR / wide-format content
	TagIDs []string // tags on the item at enumeration time
	Status ItemStatus
}

// TimeFrame is a closed interval in seconds with a confidence in [0,1].
type TimeFrame struct {
	Start      float64 `json:"start" yaml:"start"`
	End        float64 `json:"end" yaml:"end"`
	Confidence float64 `json:"total_confidence" yaml:"confidence"`
}

// JobResult is the engine output for one item.
type JobResult struct {
	Duration float64
	Tags     map[string][]string    // category -> tag names
	Spans    map[string][]TimeFrame // tag name -> spans, in engine order
}

// Marker is a catalog marker: one tagged span on an item.
type Marker struct {
	ID       string
	ItemID   string
	ItemPath string
	TagID    string
	TagName  string
	Start    float64
	End      *float64
	TagIDs   []string // secondary tags
}

// AnalysisState is what a previous analysis left on an item.
type AnalysisState struct {
	TagIDs  []string
	Markers []Marker
}

// JobOutcome is the executor's explicit result; Err is nil on success and
// Status is StatusDone or StatusErrored once the job has finished.
type JobOutcome struct {
	ItemID   string
	Status   ItemStatus
	Tags     []string
	Duration time.Duration
	Err      error
}

func (o JobOutcome) Failed() bool { return o.Err != nil }

// BatchOutcome summarises one batch. It is final once Run returns.
type BatchOutcome struct {
	RunID      string        `json:"run_id"`
	Total      int           `json:"total"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Elapsed    time.Duration `json:"elapsed"`
	AvgPerJob  time.Duration `json:"avg_per_job"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// JobReport is emitted once per finished job, in completion order.
type JobReport struct {
	Outcome   JobOutcome
	Done      int
	Total     int
	Completed int
	Failed    int
	Elapsed   time.Duration
	AvgPerJob time.Duration
	Remaining time.Duration
}

// MarkerSettings is the engine's answer to a settings search. Raw holds the
// full response; the typed fields are the ones every engine returns.
type MarkerSettings struct {
	Threshold         float64         `json:"threshold" yaml:"threshold"`
	MinMarkerDuration float64         `json:"min_marker_duration" yaml:"min_marker_duration"`
	MaxGap            float64         `json:"max_gap" yaml:"max_gap"`
	Raw               json.RawMessage `json:"-" yaml:"-"`
}

type AnalyzeRequest struct {
	Path           string
	Wide           bool
	Interval       float64
	Threshold      float64
	WantConfidence bool
	WorkDir        string
}

// Engine is the inference collaborator.
type Engine interface {
	// Analyze runs one item. onProgress receives integer percentages, zero
	// or more times, before Analyze returns.
	Analyze(ctx context.Context, req AnalyzeRequest, onProgress func(percent int)) (*JobResult, error)
	// AnalyzeRaw returns the un-thresholded engine output untouched.
	AnalyzeRaw(ctx context.Context, req AnalyzeRequest) (json.RawMessage, error)
	OptimizeSettings(ctx context.Context, raw json.RawMessage, truth map[string]TimeFrame) (MarkerSettings, error)
}

// Media is the catalog collaborator. Tag and marker writes are idempotent.
type Media interface {
	PendingItems(ctx context.Context) ([]WorkItem, error)
	// EnsureTags resolves names to tag ids, creating missing analysis tags.
	EnsureTags(ctx context.Context, names []string) (map[string]string, error)
	Snapshot(ctx context.Context, item WorkItem) (AnalysisState, error)
	ClearAnalysis(ctx context.Context, itemID string) error
	AddTags(ctx context.Context, itemID string, tagIDs []string) error
	AddMarkers(ctx context.Context, itemID string, markers []Marker) error
	Restore(ctx context.Context, itemID string, prev AnalysisState) error
	RemovePending(ctx context.Context, itemID string) error
	MarkErrored(ctx context.Context, itemID string) error
	Markers(ctx context.Context, itemID string) ([]Marker, error)
}

// MarkerArchive is the catalog side of the export-mislabeled mode.
type MarkerArchive interface {
	IncorrectMarkers(ctx context.Context) ([]Marker, error)
	ClearIncorrect(ctx context.Context, markers []Marker) error
	DeleteMarkers(ctx context.Context, markers []Marker) error
}

// Reporter observes a batch. Calls come from the coordinator goroutine only.
type Reporter interface {
	OnJobDone(r JobReport)
	OnBatchDone(o BatchOutcome)
}

// ProgressSink receives aggregate completion ratios in [0,1].
type ProgressSink func(ratio float64)
