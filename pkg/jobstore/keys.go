package jobstore

// Redis key layout. Everything lives under the fanoutd: prefix so a
// shared Redis can host other tenants.
//
//	fanoutd:job:<job_id>    string  JSON job record, TTL-bound
//	fanoutd:ticks           zset    member=job_id, score=due unix millis
//	fanoutd:lease:<job_id>  string  lease holder id, TTL-bound

const (
	keyPrefix = "fanoutd:"
	ticksKey  = keyPrefix + "ticks"
)

func jobKey(jobID string) string {
	return keyPrefix + "job:" + jobID
}

func leaseKey(jobID string) string {
	return keyPrefix + "lease:" + jobID
}
