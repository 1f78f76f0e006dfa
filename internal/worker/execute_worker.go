package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clipforge/api/internal/client"
	"github.com/clipforge/api/internal/emitter"
	"github.com/clipforge/api/internal/logger"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/service"
)

const presignUploadExpiry = 15 * time.Minute

// ExecuteWorker runs jobs locally when no orchestrator fleet is configured.
// It reports status exactly the way a fleet worker would: through the status
// emitter, back into the service's own webhook, and uploads its artifact to
// a presigned URL when storage is configured.
type ExecuteWorker struct {
	emitter  *emitter.Emitter
	storage  client.StorageClient
	uploader *emitter.Uploader
	log      *logger.Logger
	stepUnit time.Duration
}

func NewExecuteWorker(em *emitter.Emitter, storage client.StorageClient, up *emitter.Uploader, log *logger.Logger) *ExecuteWorker {
	return &ExecuteWorker{emitter: em, storage: storage, uploader: up, log: log, stepUnit: 500 * time.Millisecond}
}

// ProcessTask handles one mock job execution
func (w *ExecuteWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.ExecutePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal execute payload: %w", err)
	}

	engine := payload.Engine
	if engine == "" {
		engine = "mock-" + string(payload.Kind)
	}
	job := w.emitter.ForJob(payload.JobID, payload.MediaID, engine, string(payload.Kind))
	defer job.Close()

	w.log.Infow("mock_job_started", "jobId", payload.JobID, "kind", payload.Kind)

	steps := []struct {
		phase    string
		fraction float64
		units    int
	}{
		{"preparing", 0.05, 1},
		{"processing", 0.25, 4},
		{"processing", 0.55, 4},
		{"processing", 0.85, 4},
		{"uploading", 0.95, 2},
	}

	// The callback intake accepts only terminal statuses, so intermediate
	// phases are logged, not posted.
	for _, step := range steps {
		select {
		case <-ctx.Done():
			job.PostUpdate(string(model.TaskStatusCanceled), map[string]interface{}{
				"error": "execution canceled",
			})
			return ctx.Err()
		case <-time.After(time.Duration(step.units) * w.stepUnit):
		}
		w.log.Debugw("mock_job_progress", "jobId", payload.JobID, "phase", step.phase, "progress", step.fraction)
	}

	outputKey := fmt.Sprintf("videos/%s/output.mp4", payload.JobID)
	w.uploadArtifact(ctx, payload.JobID, outputKey)

	job.PostUpdate(string(model.TaskStatusCompleted), map[string]interface{}{
		"outputs": map[string]model.OutputRef{
			model.OutputVideo: {Key: outputKey},
		},
		"durationMs": int64(7500),
	})

	w.log.Infow("mock_job_completed", "jobId", payload.JobID, "kind", payload.Kind)
	return nil
}

// uploadArtifact pushes a placeholder artifact through the presigned-PUT
// path. Upload failures are logged but never fail the job: the callback with
// the output key is still delivered and the resolver falls through.
func (w *ExecuteWorker) uploadArtifact(ctx context.Context, jobID, key string) {
	if w.storage == nil || w.uploader == nil {
		return
	}
	presignedURL, err := w.storage.PresignUploadURL(ctx, key, presignUploadExpiry)
	if err != nil {
		w.log.Warnw("mock_job_presign_failed", "jobId", jobID, "key", key, "error", err)
		return
	}
	artifact := []byte(fmt.Sprintf("mock artifact for job %s\n", jobID))
	if err := w.uploader.Upload(ctx, presignedURL, bytes.NewReader(artifact), int64(len(artifact)), "video/mp4"); err != nil {
		w.log.Warnw("mock_job_upload_failed", "jobId", jobID, "key", key, "error", err)
		return
	}
	w.log.Infow("mock_job_artifact_uploaded", "jobId", jobID, "key", key)
}
