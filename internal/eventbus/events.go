package eventbus

// Type names an event kind.
type Type string

const (
	MirrorHydrated Type = "mirror.hydrated"
	MirrorApplied  Type = "mirror.applied"

	JobDone    Type = "job.done"
	JobSkipped Type = "job.skipped"
	JobDropped Type = "job.dropped"
	JobRetry   Type = "job.retry"
	JobBuried  Type = "job.buried"

	// ScrimOutcome carries the final state of one handled scrim action.
	ScrimOutcome Type = "scrim.outcome"

	// Worker pool lifecycle.
	TaskFinished Type = "task.finished"
	TaskFailed   Type = "task.failed"
	TaskDropped  Type = "task.dropped"
)

// MirrorEvent is the payload of mirror.* events.
type MirrorEvent struct {
	GuildID string
	Op      string
	ID      string
	Err     string
}

// JobEvent is the payload of job.* events.
type JobEvent struct {
	JobID   int64
	Name    string
	Attempt int
	Reason  string
}

// ScrimEvent is the payload of scrim.outcome.
type ScrimEvent struct {
	ScrimID int64
	Action  string
	State   string
	Reason  string
}
