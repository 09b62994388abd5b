package jobrecord

// Recompute derives the aggregate progress from the entity map. This is
// the only way Progress is ever produced, which keeps the invariant
// pending+dispatched+done+error == total == len(entities) true at every
// observation point: there is no counter to drift.
//
// Dispatched and polling entities are reported together as "dispatched";
// the distinction is an internal scheduling detail.
func Recompute(entities map[string]*EntityState) Progress {
	p := Progress{Total: len(entities)}
	for _, e := range entities {
		switch e.Status {
		case EntityPending:
			p.Pending++
		case EntityDispatched, EntityPolling:
			p.Dispatched++
		case EntityDone:
			p.Done++
		case EntityError:
			p.Error++
		}
	}
	return p
}
