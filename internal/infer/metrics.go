package infer

import "sync/atomic"

// poolMetrics counts pool activity since startup. All counters are atomic so
// workers update them without coordination.
type poolMetrics struct {
	forwardPasses  atomic.Int64
	jobsCompleted  atomic.Int64
	jobsFailed     atomic.Int64
	oomRetries     atomic.Int64
	timeouts       atomic.Int64
	inferenceFails atomic.Int64
}

// PoolStats is a point-in-time copy of the pool counters.
type PoolStats struct {
	ForwardPasses  int64 `json:"forward_passes"`
	JobsCompleted  int64 `json:"jobs_completed"`
	JobsFailed     int64 `json:"jobs_failed"`
	OOMRetries     int64 `json:"oom_retries"`
	Timeouts       int64 `json:"timeouts"`
	InferenceFails int64 `json:"inference_fails"`
}

func (m *poolMetrics) snapshot() PoolStats {
	return PoolStats{
		ForwardPasses:  m.forwardPasses.Load(),
		JobsCompleted:  m.jobsCompleted.Load(),
		JobsFailed:     m.jobsFailed.Load(),
		OOMRetries:     m.oomRetries.Load(),
		Timeouts:       m.timeouts.Load(),
		InferenceFails: m.inferenceFails.Load(),
	}
}
