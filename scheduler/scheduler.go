// Package scheduler compiles scheduled jobs into per-step ordered task
// lists and runs them (spec §4.6). It stores one-shot, recurring, and
// bounded-recurring job specs keyed by starting step, mirroring the
// teacher's own keyed-map storage idiom (etcd/scheduler/scheduler.go keeps
// its work items in maps keyed by a stable identifier rather than a single
// flat slice).
package scheduler

import "sort"

// Task is a callable with no inputs and no outputs (spec §4.6 "Task").
type Task func()

// Job groups a Begin/End pair around an unordered list of Tasks, plus the
// sub-step position that breaks ties within a single integer step (spec
// §4.6: "each insertion keeps the epoch sorted by sub_step").
type Job struct {
	Begin   Task
	End     Task
	Tasks   []Task
	SubStep float64
}

// Epoch is the ordered list of jobs firing at a given step, sorted by
// SubStep (spec §3 GLOSSARY "Epoch (scheduling)").
type Epoch []Job

// Date is a real number split into an integer Step and a SubStep in
// [0, 1) (spec §4.6: "A date is a real number split into (step,
// sub_step)").
type Date struct {
	Step    int
	SubStep float64
}

type uniqueSpec struct {
	job Job
}

type recurringSpec struct {
	job    Job
	period int
}

type boundedSpec struct {
	job    Job
	period int
	end    float64
}

// Scheduler stores every registered job spec, keyed by its starting step,
// and compiles an Epoch on demand via Build.
type Scheduler struct {
	unique    map[int][]uniqueSpec
	recurring map[int][]recurringSpec
	bounded   map[int][]boundedSpec
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{
		unique:    make(map[int][]uniqueSpec),
		recurring: make(map[int][]recurringSpec),
		bounded:   make(map[int][]boundedSpec),
	}
}

// ScheduleOnce fires job exactly once, at step.
func (s *Scheduler) ScheduleOnce(step int, job Job) {
	s.unique[step] = append(s.unique[step], uniqueSpec{job: job})
}

// ScheduleRecurring fires job every period steps starting at step, forever.
// period must be positive.
func (s *Scheduler) ScheduleRecurring(step, period int, job Job) {
	s.recurring[step] = append(s.recurring[step], recurringSpec{job: job, period: period})
}

// ScheduleBounded fires job every period steps starting at step, stopping
// once step+sub_step reaches end (spec §4.6: "step + sub_step < end").
func (s *Scheduler) ScheduleBounded(step, period int, end float64, job Job) {
	s.bounded[step] = append(s.bounded[step], boundedSpec{job: job, period: period, end: end})
}

// Build clears and recomputes the Epoch for step, applying spec §4.6's
// three firing predicates against every stored spec, then sorting the
// result by SubStep so same-step jobs fire in a stable, insertion-order-
// independent sequence.
func (s *Scheduler) Build(step int) Epoch {
	var epoch Epoch

	for start, specs := range s.unique {
		if step == start {
			for _, sp := range specs {
				epoch = append(epoch, sp.job)
			}
		}
	}

	for start, specs := range s.recurring {
		if step < start {
			continue
		}
		for _, sp := range specs {
			if (step-start)%sp.period == 0 {
				epoch = append(epoch, sp.job)
			}
		}
	}

	for start, specs := range s.bounded {
		if step < start {
			continue
		}
		for _, sp := range specs {
			if (step-start)%sp.period != 0 {
				continue
			}
			if float64(step)+sp.job.SubStep < sp.end {
				epoch = append(epoch, sp.job)
			}
		}
	}

	sort.SliceStable(epoch, func(i, j int) bool {
		return epoch[i].SubStep < epoch[j].SubStep
	})
	return epoch
}
