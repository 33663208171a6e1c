// Package types defines the domain model shared by the storage backends and the
// enrichment engine.
package types

import (
	"encoding/json"
	"time"
)

// Platform identifies the source of a shared URL.
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
	PlatformTwitter   Platform = "twitter"
	PlatformWeb       Platform = "web"
)

// SupportedPlatforms is the closed set of platforms the ingestion path accepts.
var SupportedPlatforms = []Platform{
	PlatformYouTube,
	PlatformTikTok,
	PlatformInstagram,
	PlatformTwitter,
	PlatformWeb,
}

// MediaType classifies the primary content of a share and drives stage applicability.
type MediaType string

const (
	MediaTypeVideo MediaType = "video"
	MediaTypeAudio MediaType = "audio"
	MediaTypeText  MediaType = "text"
	MediaTypeImage MediaType = "image"
)

// Status is the coarse lifecycle of a share.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// WorkflowState is the current stage of a share's enrichment pipeline.
// The empty string models the "never enriched" null state.
type WorkflowState string

const (
	WorkflowStateNone         WorkflowState = ""
	WorkflowStatePending      WorkflowState = "pending"
	WorkflowStateTranscribing WorkflowState = "transcribing"
	WorkflowStateSummarizing  WorkflowState = "summarizing"
	WorkflowStateEmbedding    WorkflowState = "embedding"
	WorkflowStateCompleted    WorkflowState = "completed"
	WorkflowStateFailed       WorkflowState = "failed"
)

// Terminal reports whether the state ends an enrichment cycle.
func (s WorkflowState) Terminal() bool {
	return s == WorkflowStateCompleted || s == WorkflowStateFailed
}

// Active reports whether a worker is expected to be processing this stage.
func (s WorkflowState) Active() bool {
	switch s {
	case WorkflowStateTranscribing, WorkflowStateSummarizing, WorkflowStateEmbedding:
		return true
	default:
		return false
	}
}

// TaskType names one enrichment stage executed by an external worker.
type TaskType string

const (
	TaskTranscribe TaskType = "transcribe"
	TaskSummarize  TaskType = "summarize"
	TaskEmbed      TaskType = "embed"
)

// AllTaskTypes lists the stages in pipeline order.
var AllTaskTypes = []TaskType{TaskTranscribe, TaskSummarize, TaskEmbed}

// AppliesTo reports whether the task runs for the given media type.
// Transcription and summarization need an audio track; embedding always
// applies because page text or the transcript feeds it.
func (t TaskType) AppliesTo(media MediaType) bool {
	if t == TaskEmbed {
		return true
	}
	return media == MediaTypeVideo || media == MediaTypeAudio
}

// StageFor maps a task type to the workflow state that marks it in flight.
func StageFor(task TaskType) WorkflowState {
	switch task {
	case TaskTranscribe:
		return WorkflowStateTranscribing
	case TaskSummarize:
		return WorkflowStateSummarizing
	case TaskEmbed:
		return WorkflowStateEmbedding
	default:
		return WorkflowStateNone
	}
}

// TaskFor is the inverse of StageFor for active states.
func TaskFor(state WorkflowState) (TaskType, bool) {
	switch state {
	case WorkflowStateTranscribing:
		return TaskTranscribe, true
	case WorkflowStateSummarizing:
		return TaskSummarize, true
	case WorkflowStateEmbedding:
		return TaskEmbed, true
	default:
		return "", false
	}
}

// ShareRecord is the durable record of one user-submitted content reference.
type ShareRecord struct {
	ID                     string
	UserID                 string
	URL                    string
	Platform               Platform
	MediaType              MediaType
	Status                 Status
	WorkflowState          WorkflowState
	EnhancementStartedAt   *time.Time
	EnhancementCompletedAt *time.Time
	EnhancementVersion     int
	Metadata               json.RawMessage
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Clone returns a deep copy. Backends that hold records in memory hand out
// clones so callers can't mutate stored state.
func (s *ShareRecord) Clone() *ShareRecord {
	cp := *s
	if s.EnhancementStartedAt != nil {
		t := *s.EnhancementStartedAt
		cp.EnhancementStartedAt = &t
	}
	if s.EnhancementCompletedAt != nil {
		t := *s.EnhancementCompletedAt
		cp.EnhancementCompletedAt = &t
	}
	if s.Metadata != nil {
		cp.Metadata = append(json.RawMessage(nil), s.Metadata...)
	}
	return &cp
}

// ResultStatus is the outcome reported by a worker for one task.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
)

// TranscriptPayload is the result body of a transcribe task.
type TranscriptPayload struct {
	Text            string  `json:"text"`
	Language        string  `json:"language,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}

// SummaryPayload is the result body of a summarize task.
type SummaryPayload struct {
	Text      string   `json:"text"`
	KeyPoints []string `json:"keyPoints,omitempty"`
}

// EmbeddingPayload is the result body of an embed task.
type EmbeddingPayload struct {
	Vector  []float64 `json:"vector"`
	ModelID string    `json:"modelId"`
}

// ResultPayload carries the task-specific body of an MLResult. Exactly one
// field is set, matching the result's task type.
type ResultPayload struct {
	Transcript *TranscriptPayload `json:"transcript,omitempty"`
	Summary    *SummaryPayload    `json:"summary,omitempty"`
	Embedding  *EmbeddingPayload  `json:"embedding,omitempty"`
}

// MLResult is one append-only record of a worker task outcome for one share.
// The current result for a (share, taskType) pair is the most recent row.
type MLResult struct {
	ID        string
	ShareID   string
	TaskType  TaskType
	Status    ResultStatus
	Payload   ResultPayload
	Error     string
	CreatedAt time.Time
}

// TaskStatus is the derived, never-stored per-task status of a share.
type TaskStatus string

const (
	TaskStatusDone          TaskStatus = "done"
	TaskStatusFailed        TaskStatus = "failed"
	TaskStatusProcessing    TaskStatus = "processing"
	TaskStatusPending       TaskStatus = "pending"
	TaskStatusNotApplicable TaskStatus = "not_applicable"
)

// MLStatus is the composite enrichment status derived from all per-task statuses.
type MLStatus string

const (
	MLStatusComplete MLStatus = "complete"
	MLStatusPartial  MLStatus = "partial"
	MLStatusNone     MLStatus = "none"
	MLStatusFailed   MLStatus = "failed"
)

// EnrichedShareView is the read-side projection of one share together with the
// derived status of each enrichment task.
type EnrichedShareView struct {
	Share      *ShareRecord
	TaskStatus map[TaskType]TaskStatus
	MLStatus   MLStatus
	Transcript *TranscriptPayload
	Summary    *SummaryPayload
	HasVector  bool
}

// ShareEmbedding associates a share with its current embedding vector.
type ShareEmbedding struct {
	Share   *ShareRecord
	Vector  []float64
	ModelID string
}

// SimilarityResult is one ranked row of a similarity search.
type SimilarityResult struct {
	Share      *ShareRecord
	Similarity float64
}

// WorkflowStateStat is one row of the workflow state statistics projection.
type WorkflowStateStat struct {
	State           WorkflowState
	Count           int
	OldestStarted   *time.Time
	LatestCompleted *time.Time
}
