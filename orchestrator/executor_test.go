package orchestrator

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"

	cfg "github.com/haven-vlm/vlm-connector/config"
)

func newTestExecutor(t *testing.T, e Engine, m Media, opts ExecutorOptions) *Executor {
	t.Helper()
	if opts.TempRoot == "" {
		opts.TempRoot = t.TempDir()
	}
	return NewExecutor(e, m, opts, quietLog())
}

func assertNoStaging(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read temp root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("staging left behind: %v", entries)
	}
}

func TestExecuteReplacesPreviousAnalysis(t *testing.T) {
	old := Marker{ID: "m1", ItemID: "1", TagID: "t:X", TagName: "X", Start: 4}
	media := newMemMedia(WorkItem{ID: "1", Path: "/v/a.mp4", TagIDs: []string{"t:X", "t:Y", "user"}})
	media.markers["1"] = []Marker{old}

	eng := &fakeEngine{analyze: func(req AnalyzeRequest, onProgress func(int)) (*JobResult, error) {
		if _, err := os.Stat(req.WorkDir); err != nil {
			t.Errorf("staging dir missing during analysis: %v", err)
		}
		onProgress(50)
		return &JobResult{
			Tags:  map[string][]string{"actions": {"Z"}},
			Spans: map[string][]TimeFrame{"Z": {{Start: 1, End: 3, Confidence: 0.9}}},
		}, nil
	}}
	root := t.TempDir()
	x := newTestExecutor(t, eng, media, ExecutorOptions{CreateMarkers: true, TempRoot: root})

	var progress []int
	out := x.Execute(context.Background(), media.items[0], func(p int) { progress = append(progress, p) })
	if out.Err != nil {
		t.Fatalf("Execute() error = %v", out.Err)
	}
	if !reflect.DeepEqual(out.Tags, []string{"Z"}) {
		t.Fatalf("outcome tags = %v", out.Tags)
	}
	if out.Status != StatusDone {
		t.Fatalf("status = %q, want done", out.Status)
	}
	if got := media.tagsOf("1"); !reflect.DeepEqual(got, []string{"t:Z", "user"}) {
		t.Fatalf("item tags = %v, want [t:Z user]", got)
	}
	ms := media.markers["1"]
	if len(ms) != 1 || ms[0].TagName != "Z" || ms[0].Start != 1 || ms[0].End == nil || *ms[0].End != 3 {
		t.Fatalf("markers = %+v", ms)
	}
	if media.pending["1"] {
		t.Fatal("pending tag not removed")
	}
	if media.errored["1"] {
		t.Fatal("item tagged as errored")
	}
	if !reflect.DeepEqual(progress, []int{50}) {
		t.Fatalf("progress = %v", progress)
	}
	assertNoStaging(t, root)
}

func TestExecuteNoTagsStillClearsPending(t *testing.T) {
	media := newMemMedia(WorkItem{ID: "1", Path: "/v/a.mp4", TagIDs: []string{"t:X"}})
	x := newTestExecutor(t, &fakeEngine{}, media, ExecutorOptions{})

	out := x.Execute(context.Background(), media.items[0], func(int) {})
	if out.Err != nil {
		t.Fatalf("Execute() error = %v", out.Err)
	}
	if len(out.Tags) != 0 {
		t.Fatalf("tags = %v", out.Tags)
	}
	if media.pending["1"] {
		t.Fatal("pending tag not removed")
	}
	if got := media.tagsOf("1"); !reflect.DeepEqual(got, []string{"t:X"}) {
		t.Fatalf("item tags = %v", got)
	}
}

func TestExecuteEngineFailureMarksErrored(t *testing.T) {
	media := newMemMedia(WorkItem{ID: "1", Path: "/v/a.mp4"})
	eng := &fakeEngine{analyze: func(AnalyzeRequest, func(int)) (*JobResult, error) { return nil, errBoom }}
	root := t.TempDir()
	x := newTestExecutor(t, eng, media, ExecutorOptions{TempRoot: root})

	out := x.Execute(context.Background(), media.items[0], func(int) {})
	var je *JobError
	if !errors.As(out.Err, &je) || je.Stage != StageAnalyze || !errors.Is(out.Err, errBoom) {
		t.Fatalf("err = %v, want analyze JobError wrapping boom", out.Err)
	}
	if !media.errored["1"] || out.Status != StatusErrored {
		t.Fatalf("errored tag = %v, status = %q", media.errored["1"], out.Status)
	}
	if !media.pending["1"] {
		t.Fatal("pending tag removed from failed item")
	}
	assertNoStaging(t, root)
}

func TestExecuteRecoversPanic(t *testing.T) {
	media := newMemMedia(WorkItem{ID: "1", Path: "/v/a.mp4"})
	eng := &fakeEngine{analyze: func(AnalyzeRequest, func(int)) (*JobResult, error) { panic("engine exploded") }}
	root := t.TempDir()
	x := newTestExecutor(t, eng, media, ExecutorOptions{TempRoot: root})

	out := x.Execute(context.Background(), media.items[0], func(int) {})
	var je *JobError
	if !errors.As(out.Err, &je) || je.Stage != StagePanic {
		t.Fatalf("err = %v, want panic JobError", out.Err)
	}
	if !media.errored["1"] {
		t.Fatal("item not tagged as errored")
	}
	assertNoStaging(t, root)
}

func TestExecuteRollsBackOnWriteFailure(t *testing.T) {
	old := Marker{ID: "m1", ItemID: "1", TagID: "t:X", TagName: "X", Start: 4}
	media := newMemMedia(WorkItem{ID: "1", Path: "/v/a.mp4", TagIDs: []string{"t:X", "t:Y"}})
	media.markers["1"] = []Marker{old}
	media.failAddMarkers = errBoom

	eng := &fakeEngine{analyze: func(AnalyzeRequest, func(int)) (*JobResult, error) {
		return &JobResult{
			Tags:  map[string][]string{"actions": {"Z"}},
			Spans: map[string][]TimeFrame{"Z": {{Start: 1, End: 3, Confidence: 1}}},
		}, nil
	}}
	x := newTestExecutor(t, eng, media, ExecutorOptions{CreateMarkers: true})

	out := x.Execute(context.Background(), media.items[0], func(int) {})
	var je *JobError
	if !errors.As(out.Err, &je) || je.Stage != StageApply {
		t.Fatalf("err = %v, want apply JobError", out.Err)
	}
	if media.restored != 1 {
		t.Fatalf("restore calls = %d, want 1", media.restored)
	}
	if got := media.tagsOf("1"); !reflect.DeepEqual(got, []string{"t:X", "t:Y"}) {
		t.Fatalf("item tags = %v, want previous [t:X t:Y]", got)
	}
	if ms := media.markers["1"]; len(ms) != 1 || ms[0].ID != "m1" {
		t.Fatalf("markers = %+v, want previous marker", ms)
	}
	if !media.errored["1"] {
		t.Fatal("item not tagged as errored")
	}
}

func TestExecuteWriteFailures(t *testing.T) {
	cases := []struct {
		name      string
		fail      func(m *memMedia)
		stage     string
		restored  int
		wantTags  []string
		wantMarks []string
	}{
		{"snapshot", func(m *memMedia) { m.failSnapshot = errBoom }, StageApply, 0, []string{"t:X", "t:Y", "user"}, []string{"m1"}},
		{"clear", func(m *memMedia) { m.failClear = errBoom }, StageApply, 1, []string{"t:X", "t:Y", "user"}, []string{"m1"}},
		{"add tags", func(m *memMedia) { m.failAddTags = errBoom }, StageApply, 1, []string{"t:X", "t:Y", "user"}, []string{"m1"}},
		{"add markers", func(m *memMedia) { m.failAddMarkers = errBoom }, StageApply, 1, []string{"t:X", "t:Y", "user"}, []string{"m1"}},
		{"remove pending", func(m *memMedia) { m.failRemovePending = errBoom }, StagePending, 0, []string{"t:Z", "user"}, []string{"Z"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			old := Marker{ID: "m1", ItemID: "1", TagID: "t:X", TagName: "X", Start: 4}
			media := newMemMedia(WorkItem{ID: "1", Path: "/v/a.mp4", TagIDs: []string{"t:X", "t:Y", "user"}})
			media.markers["1"] = []Marker{old}
			tc.fail(media)

			eng := &fakeEngine{analyze: func(AnalyzeRequest, func(int)) (*JobResult, error) {
				return &JobResult{
					Tags:  map[string][]string{"actions": {"Z"}},
					Spans: map[string][]TimeFrame{"Z": {{Start: 1, End: 3, Confidence: 1}}},
				}, nil
			}}
			root := t.TempDir()
			x := newTestExecutor(t, eng, media, ExecutorOptions{CreateMarkers: true, TempRoot: root})

			out := x.Execute(context.Background(), media.items[0], func(int) {})
			var je *JobError
			if !errors.As(out.Err, &je) || je.Stage != tc.stage || !errors.Is(out.Err, errBoom) {
				t.Fatalf("err = %v, want %s JobError wrapping boom", out.Err, tc.stage)
			}
			if out.Status != StatusErrored || out.Tags != nil {
				t.Fatalf("outcome = %+v", out)
			}
			if !media.errored["1"] {
				t.Fatal("item not tagged as errored")
			}
			if !media.pending["1"] {
				t.Fatal("pending tag removed from failed item")
			}
			if media.restored != tc.restored {
				t.Fatalf("restore calls = %d, want %d", media.restored, tc.restored)
			}
			if got := media.tagsOf("1"); !reflect.DeepEqual(got, tc.wantTags) {
				t.Fatalf("item tags = %v, want %v", got, tc.wantTags)
			}
			var marks []string
			for _, m := range media.markers["1"] {
				if m.ID != "" {
					marks = append(marks, m.ID)
				} else {
					marks = append(marks, m.TagName)
				}
			}
			if !reflect.DeepEqual(marks, tc.wantMarks) {
				t.Fatalf("markers = %v, want %v", marks, tc.wantMarks)
			}
			assertNoStaging(t, root)
		})
	}
}

func TestExecuteTagResolutionFailureLeavesItemUntouched(t *testing.T) {
	media := newMemMedia(WorkItem{ID: "1", Path: "/v/a.mp4", TagIDs: []string{"t:X"}})
	media.failEnsure = errBoom
	eng := &fakeEngine{analyze: func(AnalyzeRequest, func(int)) (*JobResult, error) {
		return &JobResult{Tags: map[string][]string{"a": {"Z"}}}, nil
	}}
	x := newTestExecutor(t, eng, media, ExecutorOptions{})

	out := x.Execute(context.Background(), media.items[0], func(int) {})
	var je *JobError
	if !errors.As(out.Err, &je) || je.Stage != StageTags {
		t.Fatalf("err = %v, want tags JobError", out.Err)
	}
	if got := media.tagsOf("1"); !reflect.DeepEqual(got, []string{"t:X"}) {
		t.Fatalf("item tags = %v", got)
	}
	if media.restored != 0 {
		t.Fatal("restore called before anything was cleared")
	}
}

func TestExecuteAppliesPathMutation(t *testing.T) {
	media := newMemMedia(WorkItem{ID: "1", Path: "E:/Videos/a.mp4", Wide: true})
	eng := &fakeEngine{}
	x := newTestExecutor(t, eng, media, ExecutorOptions{
		Interval:     2,
		Threshold:    0.3,
		PathMutation: []cfg.PathMutation{{From: "E:", To: "/mnt/e"}},
	})

	if out := x.Execute(context.Background(), media.items[0], func(int) {}); out.Err != nil {
		t.Fatalf("Execute() error = %v", out.Err)
	}
	req := eng.requests[0]
	if req.Path != "/mnt/e/Videos/a.mp4" || !req.Wide || req.Interval != 2 || req.Threshold != 0.3 {
		t.Fatalf("request = %+v", req)
	}
}

func TestExecuteWithoutFileFailsBeforeEngine(t *testing.T) {
	media := newMemMedia(WorkItem{ID: "1"})
	eng := &fakeEngine{}
	x := newTestExecutor(t, eng, media, ExecutorOptions{})

	out := x.Execute(context.Background(), media.items[0], func(int) {})
	var je *JobError
	if !errors.As(out.Err, &je) || je.Stage != StageResolve {
		t.Fatalf("err = %v, want resolve JobError", out.Err)
	}
	if eng.calls() != 0 {
		t.Fatal("engine called for item without a file")
	}
}
