package model

import "time"

// JobEvent is an immutable, deduplicated observation of a job's status at a
// point in time. Rows are append-only; (job_id, event_key) is unique so
// redelivery of the same logical event never duplicates.
type JobEvent struct {
	ID        string      `gorm:"primaryKey" json:"id"`
	Source    EventSource `json:"source"`
	Kind      string      `json:"kind"`
	EventKey  string      `gorm:"uniqueIndex:idx_job_events_dedup,priority:2" json:"eventKey"`
	JobID     string      `gorm:"uniqueIndex:idx_job_events_dedup,priority:1" json:"jobId"`
	TaskID    string      `gorm:"index" json:"taskId,omitempty"`
	Purpose   string      `json:"purpose,omitempty"`
	Status    string      `json:"status,omitempty"`
	EventSeq  int64       `json:"eventSeq,omitempty"`
	EventID   string      `json:"eventId,omitempty"`
	EventTs   int64       `json:"eventTs,omitempty"`
	Message   string      `json:"message,omitempty"`
	Payload   JSONMap     `gorm:"type:jsonb" json:"payload,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Observation is one validated status report for a job, from any source.
// Callback ingestion, reconciliation polls and SSE updates all funnel
// through the same projection of this type.
type Observation struct {
	JobID    string
	Status   TaskStatus
	Progress *int // nil when the source did not report progress
	Message  string
	Phase    string
	Purpose  string
	EventSeq int64
	EventID  string
	EventTs  int64
	Source   EventSource
	// RunID scopes reconciler observations to one loop invocation so a new
	// run can re-emit while repeated polls inside one run dedup.
	RunID   string
	Payload JSONMap
}

// EventKey derives the dedup key for the observation.
func (o Observation) EventKey() string {
	switch o.Source {
	case SourceReconciler:
		return "rc:" + o.RunID + ":" + o.JobID
	case SourceSSE:
		return "sse:" + o.EventID
	default:
		return "cb:" + o.EventID
	}
}
