package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Job runs one item. The executor satisfies it; tests substitute fakes.
type Job interface {
	Execute(ctx context.Context, item WorkItem, onProgress func(percent int)) JobOutcome
}

// Coordinator fans a batch out over the gate and folds completions back
// into a BatchOutcome.
type Coordinator struct {
	gate     *Gate
	job      Job
	sink     ProgressSink
	reporter Reporter
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewCoordinator(gate *Gate, job Job, sink ProgressSink, reporter Reporter, log logrus.FieldLogger) *Coordinator {
	return &Coordinator{gate: gate, job: job, sink: sink, reporter: reporter, log: log, now: time.Now}
}

// Run processes items concurrently, at most gate.Size() at a time, and
// returns once every job has finished. One job's failure never stops the
// others. Completions are consumed in the order jobs finish.
func (c *Coordinator) Run(ctx context.Context, items []WorkItem) BatchOutcome {
	started := c.now()
	out := BatchOutcome{RunID: uuid.NewString(), Total: len(items), StartedAt: started}
	log := c.log.WithField("run", out.RunID)

	if len(items) == 0 {
		out.FinishedAt = started
		log.Info("No scenes to tag")
		return out
	}

	agg := NewAggregator(c.sink)
	for _, it := range items {
		agg.Register(it.ID)
	}

	events := make(chan ProgressEvent, 64)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		agg.Consume(events)
	}()

	results := make(chan JobOutcome, len(items))
	var wg sync.WaitGroup
	for _, it := range items {
		wg.Add(1)
		go func(item WorkItem) {
			defer wg.Done()
			results <- c.runOne(ctx, item, events)
		}(it)
	}
	go func() {
		wg.Wait()
		close(events)
		close(results)
	}()

	log.Infof("Tagging %d scenes with %d workers", len(items), c.gate.Size())
	for res := range results {
		if res.Failed() {
			out.Failed++
		} else {
			out.Completed++
		}
		done := out.Completed + out.Failed
		elapsed := c.now().Sub(started)
		avg := elapsed / time.Duration(done)
		report := JobReport{
			Outcome:   res,
			Done:      done,
			Total:     out.Total,
			Completed: out.Completed,
			Failed:    out.Failed,
			Elapsed:   elapsed,
			AvgPerJob: avg,
			Remaining: avg * time.Duration(out.Total-done),
		}
		log.WithField("item", res.ItemID).Infof("[%d/%d] done in %s, avg %s, eta %s",
			done, out.Total, FormatDuration(res.Duration), FormatDuration(avg), FormatDuration(report.Remaining))
		if c.reporter != nil {
			c.reporter.OnJobDone(report)
		}
	}
	<-consumed

	out.FinishedAt = c.now()
	out.Elapsed = out.FinishedAt.Sub(started)
	if done := out.Completed + out.Failed; done > 0 {
		out.AvgPerJob = out.Elapsed / time.Duration(done)
	}
	agg.Finish()
	log.Infof("Batch finished: %d completed, %d failed in %s", out.Completed, out.Failed, FormatDuration(out.Elapsed))
	if c.reporter != nil {
		c.reporter.OnBatchDone(out)
	}
	return out
}

// runOne holds a gate permit for the job and always reports the job as
// terminated to the aggregator, whatever happened inside it.
func (c *Coordinator) runOne(ctx context.Context, item WorkItem, events chan<- ProgressEvent) (res JobOutcome) {
	res.ItemID = item.ID
	defer func() {
		if r := recover(); r != nil {
			res = JobOutcome{ItemID: item.ID, Err: &JobError{ItemID: item.ID, Stage: StagePanic, Err: fmt.Errorf("%v", r)}}
		}
		res.Status = StatusDone
		if res.Err != nil {
			res.Status = StatusErrored
		}
		events <- ProgressEvent{JobID: item.ID, Done: true}
	}()

	err := c.gate.Do(ctx, func() {
		res = c.job.Execute(ctx, item, func(percent int) {
			events <- ProgressEvent{JobID: item.ID, Percent: percent}
		})
	})
	if err != nil {
		res = JobOutcome{ItemID: item.ID, Err: &JobError{ItemID: item.ID, Stage: StageGate, Err: err}}
	}
	return res
}
