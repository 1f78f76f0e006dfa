package model

import "time"

// DispatchRequest starts a new tracked job.
type DispatchRequest struct {
	Kind       TaskKind `json:"kind" validate:"required,oneof=download transcription translation-render video-composition"`
	Engine     string   `json:"engine,omitempty"`
	TargetType string   `json:"targetType,omitempty"`
	TargetID   string   `json:"targetId" validate:"required"`
	Payload    JSONMap  `json:"payload,omitempty"`
}

// DispatchResponse acknowledges a queued task.
type DispatchResponse struct {
	TaskID    string     `json:"taskId"`
	JobID     *string    `json:"jobId,omitempty"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
}

// TaskEventsResponse is the audit trail for one task.
type TaskEventsResponse struct {
	TaskID string     `json:"taskId"`
	Events []JobEvent `json:"events"`
}
