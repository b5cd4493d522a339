package orchestrator

import "fmt"

// Job pipeline stages, used to label JobError.
const (
	StageGate    = "gate"
	StageResolve = "resolve"
	StageStage   = "stage"
	StageAnalyze = "analyze"
	StageTags    = "tags"
	StageApply   = "apply"
	StagePending = "pending"
	StagePanic   = "panic"
)

// JobError is a failure inside one item's pipeline. It never escapes the
// executor except as JobOutcome.Err.
type JobError struct {
	ItemID string
	Stage  string
	Err    error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("item %s: %s: %v", e.ItemID, e.Stage, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// PreconditionError reports that settings derivation needs exactly one
// pending item.
type PreconditionError struct {
	Count int
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("settings derivation needs exactly one pending item, found %d", e.Count)
}
