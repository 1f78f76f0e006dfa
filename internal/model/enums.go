package model

// Task status
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusUploading TaskStatus = "uploading"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// IsTerminal reports whether the status is a latch state. Once a task
// reaches a terminal status it never regresses.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCanceled
}

// Task kinds
type TaskKind string

const (
	TaskKindDownload         TaskKind = "download"
	TaskKindTranscription    TaskKind = "transcription"
	TaskKindTranslationRender TaskKind = "translation-render"
	TaskKindVideoComposition TaskKind = "video-composition"
)

// StatusReportingKinds lists the kinds the orchestrator reports status for.
// Only these are eligible for reconciliation.
var StatusReportingKinds = []TaskKind{
	TaskKindDownload,
	TaskKindTranscription,
	TaskKindTranslationRender,
	TaskKindVideoComposition,
}

// Observation sources
type EventSource string

const (
	SourceCallback   EventSource = "callback"
	SourceReconciler EventSource = "reconciler"
	SourceSSE        EventSource = "sse"
)

// Event kinds
const (
	EventKindStatusUpdate = "status-update"
	EventKindStatusCheck  = "status-check"
	EventKindError        = "error"
)

// Content variants
type Variant string

const (
	VariantOriginal  Variant = "original"
	VariantSubtitles Variant = "subtitles"
	VariantAuto      Variant = "auto"
)

var ValidVariants = []Variant{VariantOriginal, VariantSubtitles, VariantAuto}

// Output slots a job may produce
const (
	OutputVideo          = "video"
	OutputAudio          = "audio"
	OutputAudioSource    = "audioSource"
	OutputAudioProcessed = "audioProcessed"
	OutputMetadata       = "metadata"
	OutputVTT            = "vtt"
	OutputWords          = "words"
)

var KnownOutputSlots = []string{
	OutputVideo, OutputAudio, OutputAudioSource, OutputAudioProcessed,
	OutputMetadata, OutputVTT, OutputWords,
}
