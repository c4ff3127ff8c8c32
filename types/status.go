package types

// JobStatus is the lifecycle state of a generation job.
//
// Transitions are strictly monotonic: a job only moves forward through the
// chain below, with failed reachable from any non-terminal state.
//
//	queued → extracting_attributes → synthesizing_image → generating_mesh
//	       → light_ready → refining → refined_ready
type JobStatus string

const (
	StatusQueued        JobStatus = "queued"
	StatusExtracting    JobStatus = "extracting_attributes"
	StatusSynthesizing  JobStatus = "synthesizing_image"
	StatusMeshing       JobStatus = "generating_mesh"
	StatusLightReady    JobStatus = "light_ready"
	StatusRefining      JobStatus = "refining"
	StatusRefinedReady  JobStatus = "refined_ready"
	StatusFailed        JobStatus = "failed"
)

// statusRank orders the forward chain. failed is handled separately.
var statusRank = map[JobStatus]int{
	StatusQueued:       0,
	StatusExtracting:   1,
	StatusSynthesizing: 2,
	StatusMeshing:      3,
	StatusLightReady:   4,
	StatusRefining:     5,
	StatusRefinedReady: 6,
}

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == StatusRefinedReady || s == StatusFailed
}

// CanTransitionTo reports whether a transition from s to next is legal.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Quality tiers for generated assets. Refined supersedes light for the same
// world object id.
const (
	QualityLight   = "light"
	QualityRefined = "refined"
)

// QualityRank maps a quality tier to its ordering; higher never regresses.
func QualityRank(q string) int {
	switch q {
	case QualityRefined:
		return 2
	case QualityLight:
		return 1
	default:
		return 0
	}
}
