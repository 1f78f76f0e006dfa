package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/clipforge/api/internal/logger"
	"github.com/clipforge/api/internal/model"
)

// EventStore is the append-only job event log.
type EventStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventStore(db *gorm.DB, log *logger.Logger) *EventStore {
	return &EventStore{db: db, log: log}
}

// InsertIfAbsent appends the event unless a row with the same
// (job_id, event_key) already exists. Returns whether a row was written, so
// callers can tell redelivery from a first observation.
func (s *EventStore) InsertIfAbsent(ctx context.Context, event *model.JobEvent) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "event_key"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		s.log.Errorw("event_store_insert_failed", "jobId", event.JobID, "eventKey", event.EventKey, "error", res.Error)
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *EventStore) ListByTask(ctx context.Context, taskID string, limit int) ([]model.JobEvent, error) {
	var events []model.JobEvent
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		s.log.Errorw("event_store_list_failed", "taskId", taskID, "error", err)
		return nil, err
	}
	return events, nil
}

func (s *EventStore) ListByJob(ctx context.Context, jobID string, limit int) ([]model.JobEvent, error) {
	var events []model.JobEvent
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		s.log.Errorw("event_store_list_by_job_failed", "jobId", jobID, "error", err)
		return nil, err
	}
	return events, nil
}
