package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMap is a JSON object column. Snapshots are merged shallowly by key,
// never deep-merged.
type JSONMap map[string]json.RawMessage

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
	return json.Unmarshal(data, m)
}

// Task is the local record of a job dispatched to the orchestrator fleet.
// Mutated only through the projector; FinishedAt is set iff the status is
// terminal.
type Task struct {
	ID                string     `gorm:"primaryKey" json:"id"`
	JobID             *string    `gorm:"index" json:"jobId,omitempty"`
	Kind              TaskKind   `gorm:"index" json:"kind"`
	Engine            string     `json:"engine,omitempty"`
	TargetType        string     `json:"targetType,omitempty"`
	TargetID          string     `gorm:"index" json:"targetId,omitempty"`
	UserID            string     `gorm:"index" json:"userId"`
	Status            TaskStatus `json:"status"`
	Progress          int        `json:"progress"`
	Payload           JSONMap    `gorm:"type:jsonb" json:"payload,omitempty"`
	JobStatusSnapshot JSONMap    `gorm:"type:jsonb" json:"jobStatusSnapshot,omitempty"`
	Error             *string    `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	FinishedAt        *time.Time `json:"finishedAt,omitempty"`
}

// Media is the locally tracked media item a task operates on. The rendered
// variant paths either point at a local file or carry an orchestrator
// reference of the form "remote:<jobId>".
type Media struct {
	ID                     string    `gorm:"primaryKey" json:"id"`
	UserID                 string    `gorm:"index" json:"userId"`
	Title                  string    `json:"title,omitempty"`
	FilePath               string    `json:"filePath,omitempty"`
	DownloadJobID          string    `json:"downloadJobId,omitempty"`
	RemoteVideoKey         string    `json:"remoteVideoKey,omitempty"`
	VideoWithSubtitlesPath string    `json:"videoWithSubtitlesPath,omitempty"`
	VideoWithInfoPath      string    `json:"videoWithInfoPath,omitempty"`
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}
