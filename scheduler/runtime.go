package scheduler

import (
	"time"

	"github.com/fpmas/fpmas-go/metrics"
)

// Runtime drives the step loop (spec §4.6: "build epoch for current step;
// for each job in order, run begin, then every task ..., then end;
// advance to step + 1").
type Runtime struct {
	Scheduler *Scheduler
	Metrics   *metrics.Registry

	step int
}

// NewRuntime builds a Runtime over sched, optionally instrumented with
// reg (nil is fine — the step loop then simply skips recording).
func NewRuntime(sched *Scheduler, reg *metrics.Registry) *Runtime {
	return &Runtime{Scheduler: sched, Metrics: reg}
}

// Step builds the current step's Epoch and runs it in order: Begin, then
// every Task (slice order — spec §4.6 leaves task order unspecified
// within a job, design notes §9(i): tests never assert an order), then
// End. It then advances to step+1.
func (r *Runtime) Step() {
	start := time.Now()
	epoch := r.Scheduler.Build(r.step)
	for _, job := range epoch {
		if job.Begin != nil {
			job.Begin()
		}
		for _, task := range job.Tasks {
			task()
		}
		if job.End != nil {
			job.End()
		}
	}
	if r.Metrics != nil {
		r.Metrics.RuntimeSteps.WithLabelValues().Inc()
		r.Metrics.RuntimeStepDuration.WithLabelValues().Observe(time.Since(start).Seconds())
	}
	r.step++
}

// Run calls Step exactly n times.
func (r *Runtime) Run(n int) {
	for i := 0; i < n; i++ {
		r.Step()
	}
}

// CurrentStep returns the step about to be (or most recently) built.
func (r *Runtime) CurrentStep() int { return r.step }
