package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/clipforge/api/internal/logger"
	"github.com/clipforge/api/internal/model"
)

// TaskStore persists Task rows. Writers go through UpdateByID so every
// mutation is a single atomic row update; the projector's terminal-latch and
// monotonic rules make last-writer-wins safe without extra locking.
type TaskStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskStore(db *gorm.DB, log *logger.Logger) *TaskStore {
	return &TaskStore{db: db, log: log}
}

func (s *TaskStore) Create(ctx context.Context, task *model.Task) error {
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		s.log.Errorw("task_store_create_failed", "taskId", task.ID, "error", err)
		return err
	}
	return nil
}

func (s *TaskStore) FindByID(ctx context.Context, id string) (*model.Task, error) {
	var task model.Task
	if err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &task, nil
}

func (s *TaskStore) FindByJobID(ctx context.Context, jobID string) (*model.Task, error) {
	var task model.Task
	if err := s.db.WithContext(ctx).First(&task, "job_id = ?", jobID).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &task, nil
}

func (s *TaskStore) ListByUser(ctx context.Context, userID string, limit int) ([]model.Task, error) {
	var tasks []model.Task
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		s.log.Errorw("task_store_list_failed", "userId", userID, "error", err)
		return nil, err
	}
	return tasks, nil
}

// UpdateByID applies a patch to one row. gorm sets updated_at itself.
func (s *TaskStore) UpdateByID(ctx context.Context, id string, patch map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", id).Updates(patch)
	if res.Error != nil {
		s.log.Errorw("task_store_update_failed", "taskId", id, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindStaleCandidates returns tasks eligible for reconciliation: dispatched,
// not finished, of a status-reporting kind, older than minAge and not touched
// within the staleness window. Newest first, bounded by limit.
func (s *TaskStore) FindStaleCandidates(ctx context.Context, minAge, staleness time.Duration, limit int) ([]model.Task, error) {
	now := time.Now()
	var tasks []model.Task
	err := s.db.WithContext(ctx).
		Where("job_id IS NOT NULL").
		Where("finished_at IS NULL").
		Where("kind IN ?", model.StatusReportingKinds).
		Where("created_at < ?", now.Add(-minAge)).
		Where("updated_at < ?", now.Add(-staleness)).
		Order("created_at DESC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		s.log.Errorw("task_store_stale_query_failed", "error", err)
		return nil, err
	}
	return tasks, nil
}
