// Package projector applies validated job observations to Task rows and the
// append-only event log. Callbacks, reconciliation polls and SSE updates all
// funnel through the same Apply, which is idempotent: replaying an
// observation logs nothing new and mutates nothing.
package projector

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/api/internal/logger"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/store"
)

// TaskStore is the slice of the task store the projector needs.
type TaskStore interface {
	FindByJobID(ctx context.Context, jobID string) (*model.Task, error)
	UpdateByID(ctx context.Context, id string, patch map[string]interface{}) error
}

// EventStore appends deduplicated observations.
type EventStore interface {
	InsertIfAbsent(ctx context.Context, event *model.JobEvent) (bool, error)
}

// MediaStore records produced artifacts on the media row. May be nil.
type MediaStore interface {
	UpdateByID(ctx context.Context, id string, patch map[string]interface{}) error
}

// Notifier receives every applied task update. May be nil.
type Notifier interface {
	NotifyTaskUpdate(task *model.Task, message string)
}

// Result reports what one Apply did, for reconciliation run summaries.
type Result struct {
	EventInserted  bool
	TaskFound      bool
	TaskMutated    bool
	StatusChanged  bool
	BecameTerminal bool
}

type Projector struct {
	tasks    TaskStore
	events   EventStore
	media    MediaStore
	notifier Notifier
	log      *logger.Logger
}

func New(tasks TaskStore, events EventStore, media MediaStore, notifier Notifier, log *logger.Logger) *Projector {
	return &Projector{tasks: tasks, events: events, media: media, notifier: notifier, log: log}
}

// sourceSnapshot is the per-source sub-object stored under
// jobStatusSnapshot. Sources never overwrite each other's entry; the merge
// is a key replacement, not a deep merge.
type sourceSnapshot struct {
	Status    string `json:"status"`
	Progress  *int   `json:"progress,omitempty"`
	Message   string `json:"message,omitempty"`
	Phase     string `json:"phase,omitempty"`
	EventSeq  int64  `json:"eventSeq,omitempty"`
	EventTs   int64  `json:"eventTs,omitempty"`
	UpdatedAt string `json:"updatedAt"`
}

// Apply logs the observation (if unseen) and projects it onto the task.
// A task that is already terminal keeps its state: the event is still
// recorded for audit but the row is not touched.
func (p *Projector) Apply(ctx context.Context, obs model.Observation) (*Result, error) {
	res := &Result{}

	task, err := p.tasks.FindByJobID(ctx, obs.JobID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	res.TaskFound = task != nil

	event := p.buildEvent(obs, task)
	inserted, err := p.events.InsertIfAbsent(ctx, event)
	if err != nil {
		return nil, err
	}
	res.EventInserted = inserted

	// Redelivery of an already-logged observation never mutates.
	if !inserted {
		return res, nil
	}
	// Observations may outlive a deleted task; the event above is the audit
	// trail and there is nothing left to project onto.
	if task == nil {
		return res, nil
	}

	// Terminal latch: a later, possibly stale or reordered, update never
	// regresses a finished task.
	if task.FinishedAt != nil {
		return res, nil
	}

	// A sequenced observation older than what we already applied is stale.
	if obs.EventSeq > 0 && obs.EventSeq <= lastAppliedSeq(task.JobStatusSnapshot) {
		return res, nil
	}

	now := time.Now()
	patch := map[string]interface{}{
		"status": obs.Status,
	}
	res.StatusChanged = task.Status != obs.Status

	progress := task.Progress
	if obs.Progress != nil {
		progress = clampProgress(*obs.Progress)
	}
	if obs.Status.IsTerminal() {
		patch["finished_at"] = now
		res.BecameTerminal = true
		if obs.Status == model.TaskStatusCompleted {
			progress = 100
		}
	}
	patch["progress"] = progress

	if task.StartedAt == nil && obs.Status != model.TaskStatusQueued {
		patch["started_at"] = now
	}
	if obs.Status == model.TaskStatusFailed && obs.Message != "" {
		patch["error"] = obs.Message
	}

	snapshot := mergeSnapshot(task.JobStatusSnapshot, obs, progress, now)
	patch["job_status_snapshot"] = snapshot

	if err := p.tasks.UpdateByID(ctx, task.ID, patch); err != nil {
		return nil, err
	}
	res.TaskMutated = true

	if obs.Status == model.TaskStatusCompleted {
		p.recordOutputs(ctx, task, obs)
	}

	if p.notifier != nil {
		updated := *task
		updated.Status = obs.Status
		updated.Progress = progress
		updated.JobStatusSnapshot = snapshot
		if res.BecameTerminal {
			updated.FinishedAt = &now
		}
		p.notifier.NotifyTaskUpdate(&updated, obs.Message)
	}
	return res, nil
}

// recordOutputs reflects a completed job's artifacts onto the media row.
// Download jobs record the produced storage key; render jobs record an
// orchestrator reference so the resolver can fetch the artifact by job id.
// Failures are logged only: the task projection is already committed.
func (p *Projector) recordOutputs(ctx context.Context, task *model.Task, obs model.Observation) {
	if p.media == nil || task.TargetID == "" {
		return
	}

	patch := map[string]interface{}{}
	switch task.Kind {
	case model.TaskKindDownload:
		if key := outputKey(obs.Payload, model.OutputVideo); key != "" {
			patch["remote_video_key"] = key
		}
	case model.TaskKindTranslationRender:
		patch["video_with_subtitles_path"] = "remote:" + obs.JobID
	case model.TaskKindVideoComposition:
		patch["video_with_info_path"] = "remote:" + obs.JobID
	}
	if len(patch) == 0 {
		return
	}

	if err := p.media.UpdateByID(ctx, task.TargetID, patch); err != nil {
		p.log.Warnw("projector_media_update_failed",
			"mediaId", task.TargetID, "jobId", obs.JobID, "error", err)
	}
}

// outputKey digs one slot's storage key out of the observation's raw
// outputs payload.
func outputKey(payload model.JSONMap, slot string) string {
	raw, ok := payload["outputs"]
	if !ok {
		return ""
	}
	var outputs map[string]model.OutputRef
	if err := json.Unmarshal(raw, &outputs); err != nil {
		return ""
	}
	return outputs[slot].Key
}

func (p *Projector) buildEvent(obs model.Observation, task *model.Task) *model.JobEvent {
	kind := model.EventKindStatusUpdate
	if obs.Source == model.SourceReconciler {
		kind = model.EventKindStatusCheck
	}
	taskID := ""
	if task != nil {
		taskID = task.ID
	}
	return &model.JobEvent{
		ID:       uuid.New().String(),
		Source:   obs.Source,
		Kind:     kind,
		EventKey: obs.EventKey(),
		JobID:    obs.JobID,
		TaskID:   taskID,
		Purpose:  obs.Purpose,
		Status:   string(obs.Status),
		EventSeq: obs.EventSeq,
		EventID:  obs.EventID,
		EventTs:  obs.EventTs,
		Message:  obs.Message,
		Payload:  obs.Payload,
	}
}

// RecordError appends an error event for a job without touching the task.
// Used by the reconciler to leave a trace of per-task poll failures.
func (p *Projector) RecordError(ctx context.Context, jobID, taskID, runID, message string) {
	event := &model.JobEvent{
		ID:       uuid.New().String(),
		Source:   model.SourceReconciler,
		Kind:     model.EventKindError,
		EventKey: "rc-err:" + runID + ":" + jobID,
		JobID:    jobID,
		TaskID:   taskID,
		Message:  message,
	}
	if _, err := p.events.InsertIfAbsent(ctx, event); err != nil {
		p.log.Errorw("projector_record_error_failed", "jobId", jobID, "error", err)
	}
}

// mergeSnapshot replaces the observing source's sub-object and leaves the
// other sources' entries untouched.
func mergeSnapshot(current model.JSONMap, obs model.Observation, progress int, now time.Time) model.JSONMap {
	merged := make(model.JSONMap, len(current)+1)
	for k, v := range current {
		merged[k] = v
	}
	entry := sourceSnapshot{
		Status:    string(obs.Status),
		Message:   obs.Message,
		Phase:     obs.Phase,
		EventSeq:  obs.EventSeq,
		EventTs:   obs.EventTs,
		UpdatedAt: now.UTC().Format(time.RFC3339),
	}
	if obs.Progress != nil {
		p := progress
		entry.Progress = &p
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return merged
	}
	merged[string(obs.Source)] = data
	return merged
}

// lastAppliedSeq returns the highest eventSeq recorded by any source.
func lastAppliedSeq(snapshot model.JSONMap) int64 {
	var max int64
	for _, raw := range snapshot {
		var entry sourceSnapshot
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		if entry.EventSeq > max {
			max = entry.EventSeq
		}
	}
	return max
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
