package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/clipforge/api/internal/client"
	"github.com/clipforge/api/internal/logger"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/store"
)

const (
	TaskTypeExecute   = "jobs:execute"
	TaskTypeReconcile = "reconcile:run"
)

// DispatchService creates tasks and hands the work to the orchestrator
// fleet. When no fleet is configured the job is executed by the local mock
// worker instead, which reports back through the normal webhook path.
type DispatchService struct {
	tasks       *store.TaskStore
	media       *store.MediaStore
	fleet       client.JobRunner
	asynqClient *asynq.Client
	log         *logger.Logger
}

func NewDispatchService(tasks *store.TaskStore, media *store.MediaStore, fleet client.JobRunner, asynqClient *asynq.Client, log *logger.Logger) *DispatchService {
	return &DispatchService{
		tasks:       tasks,
		media:       media,
		fleet:       fleet,
		asynqClient: asynqClient,
		log:         log,
	}
}

// Dispatch records a queued task and starts the job. The task row is created
// first so a crash between create and dispatch leaves a visible queued task
// rather than an untracked job.
func (s *DispatchService) Dispatch(ctx context.Context, userID string, req *model.DispatchRequest) (*model.DispatchResponse, error) {
	now := time.Now()

	// A download is what first brings a media item into the system, so its
	// row is created here if the target is new.
	if req.Kind == model.TaskKindDownload {
		if err := s.ensureMedia(ctx, userID, req.TargetID); err != nil {
			return nil, err
		}
	}

	task := &model.Task{
		ID:         uuid.New().String(),
		Kind:       req.Kind,
		Engine:     req.Engine,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		UserID:     userID,
		Status:     model.TaskStatusQueued,
		Payload:    req.Payload,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	jobID, err := s.startJob(ctx, task)
	if err != nil {
		return nil, err
	}

	if err := s.tasks.UpdateByID(ctx, task.ID, map[string]interface{}{"job_id": jobID}); err != nil {
		return nil, fmt.Errorf("failed to record job id: %w", err)
	}

	return &model.DispatchResponse{
		TaskID:    task.ID,
		JobID:     &jobID,
		Status:    model.TaskStatusQueued,
		CreatedAt: now,
	}, nil
}

func (s *DispatchService) ensureMedia(ctx context.Context, userID, mediaID string) error {
	_, err := s.media.FindByID(ctx, mediaID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to look up media: %w", err)
	}
	if err := s.media.Create(ctx, &model.Media{ID: mediaID, UserID: userID}); err != nil {
		return fmt.Errorf("failed to create media: %w", err)
	}
	return nil
}

func (s *DispatchService) startJob(ctx context.Context, task *model.Task) (string, error) {
	if s.fleet != nil {
		resp, err := s.fleet.StartJob(ctx, &client.StartJobRequest{
			Kind:    string(task.Kind),
			Engine:  task.Engine,
			MediaID: task.TargetID,
			Payload: task.Payload,
		})
		if err != nil {
			return "", fmt.Errorf("failed to start job: %w", err)
		}
		return resp.JobID, nil
	}

	// Mock mode: execute locally through asynq. Job ids keep the fleet's
	// "job_" shape so downstream key parsing behaves the same.
	jobID := "job_" + uuid.New().String()
	asynqTask, err := newExecuteTask(task, jobID)
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	_, err = s.asynqClient.Enqueue(asynqTask,
		asynq.Queue("execute"),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	s.log.Infow("dispatch_mock_enqueued", "taskId", task.ID, "jobId", jobID, "kind", task.Kind)
	return jobID, nil
}

// ExecutePayload is the asynq payload for locally executed mock jobs.
type ExecutePayload struct {
	TaskID  string         `json:"taskId"`
	JobID   string         `json:"jobId"`
	MediaID string         `json:"mediaId"`
	Kind    model.TaskKind `json:"kind"`
	Engine  string         `json:"engine"`
}

func newExecuteTask(task *model.Task, jobID string) (*asynq.Task, error) {
	payload := ExecutePayload{
		TaskID:  task.ID,
		JobID:   jobID,
		MediaID: task.TargetID,
		Kind:    task.Kind,
		Engine:  task.Engine,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeExecute, data), nil
}
