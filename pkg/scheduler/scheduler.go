// Package scheduler selects the per-tick work for a job: which pending
// entities to dispatch under the concurrency budget, and which in-flight
// entities to poll.
//
// Selection is pure and deterministic (it walks the job's fixed entity
// order), so a replayed tick over the same record computes the same plan.
package scheduler

import (
	"github.com/fanout-labs/fanoutd/pkg/jobrecord"
)

// Plan is the work selected for one tick.
type Plan struct {
	// ToDispatch lists pending entity ids to dispatch, in entity order,
	// capped so that in-flight count never exceeds the concurrency budget.
	ToDispatch []string

	// ToPoll lists every entity currently awaiting a remote result, in
	// entity order. Polling is cheap and idempotent, so it is never
	// throttled by the budget: concurrency bounds outbound dispatch
	// pressure, not outstanding polls.
	ToPoll []string

	// InFlight is the dispatched+polling count before this tick's
	// dispatches are applied.
	InFlight int
}

// Next computes the plan for one tick of the given job.
func Next(j *jobrecord.Job) Plan {
	var plan Plan
	for _, id := range j.EntityOrder {
		if j.Entities[id].Status.InFlight() {
			plan.InFlight++
		}
	}

	budget := j.Config.Concurrency - plan.InFlight
	for _, id := range j.EntityOrder {
		e := j.Entities[id]
		switch e.Status {
		case jobrecord.EntityPending:
			if budget > 0 {
				plan.ToDispatch = append(plan.ToDispatch, id)
				budget--
			}
		case jobrecord.EntityDispatched, jobrecord.EntityPolling:
			plan.ToPoll = append(plan.ToPoll, id)
		}
	}
	return plan
}
