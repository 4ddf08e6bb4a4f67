package domain

// EventKind tags a JobEvent for observers.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// KindForStage maps a stage to the event kind observers see for it.
func KindForStage(stage string) EventKind {
	switch stage {
	case StageCompleted:
		return EventComplete
	case StageFailed:
		return EventError
	default:
		return EventProgress
	}
}

// JobEvent is one push notification about a job's state.
// JobType is only filled on the snapshot an observer receives when it subscribes.
type JobEvent struct {
	Kind         EventKind      `json:"kind"`
	JobID        string         `json:"job_id"`
	JobType      string         `json:"job_type,omitempty"`
	Stage        string         `json:"stage"`
	Progress     int            `json:"progress"`
	Message      string         `json:"message"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// IsTerminal reports whether the event closes the job's stream.
func (e JobEvent) IsTerminal() bool {
	return e.Kind == EventComplete || e.Kind == EventError
}

// SnapshotEvent builds the current-state event delivered to a new observer.
// Parameters:
//   - job: stored job record.
// Returns:
//   - JobEvent: event with kind chosen by stage and JobType set.
func SnapshotEvent(job *Job) JobEvent {
	return JobEvent{
		Kind:         KindForStage(job.Stage),
		JobID:        job.ID,
		JobType:      job.JobType,
		Stage:        job.Stage,
		Progress:     job.Progress,
		Message:      job.Message,
		Metadata:     copyMetadata(job.Metadata),
		ErrorMessage: job.ErrorMessage,
	}
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
