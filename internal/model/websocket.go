package model

// WebSocket message types
const (
	WSMessageTypeTaskUpdate = "task-update"
	WSMessageTypeError      = "error"
	WSMessageTypePing       = "ping"
	WSMessageTypePong       = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSTaskUpdateMessage carries one applied task projection to subscribers.
type WSTaskUpdateMessage struct {
	Type     string     `json:"type"`
	TaskID   string     `json:"taskId"`
	JobID    string     `json:"jobId,omitempty"`
	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress"`
	Message  string     `json:"message,omitempty"`
	Terminal bool       `json:"terminal"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type   string  `json:"type"`
	TaskID string  `json:"taskId"`
	Error  WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
