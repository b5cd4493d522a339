package orchestrator

import "sync"

// ProgressEvent is one progress callback from a job. Done marks the job's
// terminal event, success or failure.
type ProgressEvent struct {
	JobID   string
	Percent int
	Done    bool
}

// Aggregator holds per-job completion fractions for one batch and derives
// the batch-wide ratio from them.
type Aggregator struct {
	mu      sync.Mutex
	jobs    map[string]float64
	last    float64
	emitted float64
	sink    ProgressSink
}

func NewAggregator(sink ProgressSink) *Aggregator {
	return &Aggregator{jobs: map[string]float64{}, emitted: -1, sink: sink}
}

// Register adds a job at 0. Registering an id twice is a no-op.
func (a *Aggregator) Register(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.jobs[id]; !ok {
		a.jobs[id] = 0
	}
}

// Update stores fraction for id, last write wins. Unknown ids are ignored.
// It returns the aggregate after the update.
func (a *Aggregator) Update(id string, fraction float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.jobs[id]; ok {
		a.jobs[id] = clamp01(fraction)
	}
	return a.aggregateLocked()
}

// Complete forces id to 1.0; used for both finished and failed jobs.
func (a *Aggregator) Complete(id string) float64 {
	return a.Update(id, 1)
}

// Aggregate is the sum of fractions over the registered count. It never
// returns less than a value it returned before.
func (a *Aggregator) Aggregate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aggregateLocked()
}

func (a *Aggregator) aggregateLocked() float64 {
	if len(a.jobs) == 0 {
		return a.last
	}
	sum := 0.0
	for _, f := range a.jobs {
		sum += f
	}
	if v := sum / float64(len(a.jobs)); v > a.last {
		a.last = v
	}
	return a.last
}

func (a *Aggregator) Fraction(id string) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.jobs[id]
	return f, ok
}

// Consume applies events until the channel is closed, forwarding every
// increase of the aggregate to the sink.
func (a *Aggregator) Consume(events <-chan ProgressEvent) {
	for ev := range events {
		var v float64
		if ev.Done {
			v = a.Complete(ev.JobID)
		} else {
			v = a.Update(ev.JobID, float64(ev.Percent)/100)
		}
		a.emit(v)
	}
}

// Finish emits the terminal 1.0 for a drained batch.
func (a *Aggregator) Finish() {
	a.mu.Lock()
	a.last = 1
	a.mu.Unlock()
	a.emit(1)
}

func (a *Aggregator) emit(v float64) {
	a.mu.Lock()
	if v <= a.emitted {
		a.mu.Unlock()
		return
	}
	a.emitted = v
	sink := a.sink
	a.mu.Unlock()
	if sink != nil {
		sink(v)
	}
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
