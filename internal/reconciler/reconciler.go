// Package reconciler is the correctness backstop for lost callbacks: a
// scheduled control loop that polls the orchestrator for stale tasks and
// re-runs the same idempotent projection the webhook path uses. Every job
// converges to its true terminal state within one reconciliation window even
// if its callback never arrives.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/api/internal/config"
	"github.com/clipforge/api/internal/logger"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/projector"
)

// TaskStore is the slice of the task store the loop needs.
type TaskStore interface {
	FindStaleCandidates(ctx context.Context, minAge, staleness time.Duration, limit int) ([]model.Task, error)
}

// StatusPoller fetches a job's remote status.
type StatusPoller interface {
	GetJobStatus(ctx context.Context, jobID string) (*model.JobStatusReport, error)
}

// Summary is one run's outcome.
type Summary struct {
	RunID         string
	Scanned       int
	Updated       int
	StatusChanged int
	Terminalized  int
	Failed        int
	Duration      time.Duration
}

type Loop struct {
	tasks  TaskStore
	poller StatusPoller
	proj   *projector.Projector
	cfg    config.ReconcileConfig
	log    *logger.Logger
}

func New(tasks TaskStore, poller StatusPoller, proj *projector.Projector, cfg config.ReconcileConfig, log *logger.Logger) *Loop {
	return &Loop{tasks: tasks, poller: poller, proj: proj, cfg: cfg, log: log}
}

// Run executes one reconciliation pass. It never returns an error to the
// scheduler: per-task failures are isolated into error events, and an
// unexpected panic still produces a fatal summary line.
func (l *Loop) Run(ctx context.Context) (summary Summary) {
	runID := uuid.New().String()
	started := time.Now()
	summary.RunID = runID

	defer func() {
		summary.Duration = time.Since(started)
		if r := recover(); r != nil {
			l.log.Errorw("reconcile_run_panicked",
				"runId", runID, "panic", fmt.Sprint(r),
				"scanned", summary.Scanned, "failed", summary.Failed,
				"durationMs", summary.Duration.Milliseconds())
			return
		}
		l.log.Infow("reconcile_run_done",
			"runId", runID,
			"scanned", summary.Scanned,
			"updated", summary.Updated,
			"statusChanged", summary.StatusChanged,
			"terminalized", summary.Terminalized,
			"failed", summary.Failed,
			"durationMs", summary.Duration.Milliseconds())
	}()

	minAge := time.Duration(l.cfg.MinAgeSec) * time.Second
	staleness := time.Duration(l.cfg.StalenessSec) * time.Second

	candidates, err := l.tasks.FindStaleCandidates(ctx, minAge, staleness, l.cfg.BatchSize)
	if err != nil {
		l.log.Errorw("reconcile_candidate_query_failed", "runId", runID, "error", err)
		summary.Failed++
		return summary
	}

	now := time.Now()
	for i := range candidates {
		task := &candidates[i]
		// Re-check in memory: a callback may have landed between the query
		// and this iteration.
		if !IsStaleCandidate(task, now, minAge, staleness) {
			continue
		}
		summary.Scanned++
		l.reconcileTask(ctx, task, runID, &summary)
	}
	return summary
}

// reconcileTask polls one job with its own bounded deadline and projects the
// result. A hung upstream call cannot stall the rest of the batch beyond its
// own timeout.
func (l *Loop) reconcileTask(ctx context.Context, task *model.Task, runID string, summary *Summary) {
	jobID := *task.JobID

	pollCtx, cancel := context.WithTimeout(ctx, time.Duration(l.cfg.FetchTimeoutSec)*time.Second)
	defer cancel()

	report, err := l.poller.GetJobStatus(pollCtx, jobID)
	if err != nil {
		summary.Failed++
		l.log.Warnw("reconcile_poll_failed", "runId", runID, "jobId", jobID, "error", err)
		l.proj.RecordError(ctx, jobID, task.ID, runID, fmt.Sprintf("status poll failed: %v", err))
		return
	}

	obs := model.Observation{
		JobID:    jobID,
		Status:   NormalizeStatus(report.Status),
		Progress: NormalizeProgress(report.Progress),
		Message:  report.Message,
		Phase:    report.Phase,
		Purpose:  "status-check",
		Source:   model.SourceReconciler,
		RunID:    runID,
		Payload:  reportPayload(report),
	}

	res, err := l.proj.Apply(ctx, obs)
	if err != nil {
		summary.Failed++
		l.log.Errorw("reconcile_apply_failed", "runId", runID, "jobId", jobID, "error", err)
		return
	}
	if res.TaskMutated {
		summary.Updated++
	}
	if res.StatusChanged {
		summary.StatusChanged++
	}
	if res.BecameTerminal {
		summary.Terminalized++
	}
}

// reportPayload carries the poll's outputs into the observation so a
// reconciled completion projects artifacts the same way a callback does.
// A legacy outputKey folds into the video slot when no outputs map came.
func reportPayload(report *model.JobStatusReport) model.JSONMap {
	outputs := report.Outputs
	if len(outputs) == 0 && report.OutputKey != "" {
		outputs = map[string]model.OutputRef{
			model.OutputVideo: {Key: report.OutputKey},
		}
	}
	if len(outputs) == 0 {
		return nil
	}
	payload := model.JSONMap{}
	if data, err := json.Marshal(outputs); err == nil {
		payload["outputs"] = data
	}
	return payload
}

// IsStaleCandidate is the candidate predicate: dispatched, unfinished, of a
// status-reporting kind, older than minAge, and untouched for the staleness
// window.
func IsStaleCandidate(task *model.Task, now time.Time, minAge, staleness time.Duration) bool {
	if task.JobID == nil || *task.JobID == "" {
		return false
	}
	if task.FinishedAt != nil {
		return false
	}
	if !isStatusReportingKind(task.Kind) {
		return false
	}
	if now.Sub(task.CreatedAt) < minAge {
		return false
	}
	if now.Sub(task.UpdatedAt) < staleness {
		return false
	}
	return true
}

func isStatusReportingKind(kind model.TaskKind) bool {
	for _, k := range model.StatusReportingKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// NormalizeStatus maps the fleet's status vocabulary onto task statuses.
func NormalizeStatus(status string) model.TaskStatus {
	switch status {
	case "completed", "succeeded", "success", "done":
		return model.TaskStatusCompleted
	case "failed", "error":
		return model.TaskStatusFailed
	case "canceled", "cancelled":
		return model.TaskStatusCanceled
	case "uploading":
		return model.TaskStatusUploading
	case "queued", "pending":
		return model.TaskStatusQueued
	default:
		return model.TaskStatusRunning
	}
}

// NormalizeProgress converts the poll's 0..1 fraction to a clamped percent.
// Nil stays nil so the projector keeps the task's current progress.
func NormalizeProgress(fraction *float64) *int {
	if fraction == nil {
		return nil
	}
	f := *fraction
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	p := int(f * 100)
	return &p
}
