// Package dispatch publishes enrichment jobs to the external worker queue and
// records that a stage is in flight.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/recollect/recollect/pkg/logger"
	"github.com/recollect/recollect/pkg/storage"
	"github.com/recollect/recollect/pkg/types"
)

// Task is one unit of ML work handed to an external worker.
type Task struct {
	ShareID            string          `json:"shareId"`
	TaskType           types.TaskType  `json:"taskType"`
	URL                string          `json:"url"`
	Platform           types.Platform  `json:"platform"`
	MediaType          types.MediaType `json:"mediaType"`
	EnhancementVersion int             `json:"enhancementVersion"`
	EnqueuedAt         time.Time       `json:"enqueuedAt"`
}

// TaskQueue is the broker the dispatcher publishes to.
type TaskQueue interface {
	Publish(ctx context.Context, task Task) error
}

// ResultSignal is the record a worker lands after executing a task. It mirrors
// the fields persisted as an MLResult row.
type ResultSignal struct {
	ShareID  string              `json:"shareId"`
	TaskType types.TaskType      `json:"taskType"`
	Status   types.ResultStatus  `json:"status"`
	Payload  types.ResultPayload `json:"payload,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// ApplicableStages returns the pipeline stages for a media type, in order.
func ApplicableStages(media types.MediaType) []types.TaskType {
	stages := make([]types.TaskType, 0, len(types.AllTaskTypes))
	for _, task := range types.AllTaskTypes {
		if task.AppliesTo(media) {
			stages = append(stages, task)
		}
	}
	return stages
}

// FirstStage returns the stage a fresh enrichment cycle starts with.
func FirstStage(media types.MediaType) types.TaskType {
	return ApplicableStages(media)[0]
}

// NextStage returns the stage that follows task for the given media type, or
// false when task is the last one.
func NextStage(media types.MediaType, task types.TaskType) (types.TaskType, bool) {
	stages := ApplicableStages(media)
	for i, stage := range stages {
		if stage == task && i+1 < len(stages) {
			return stages[i+1], true
		}
	}
	return "", false
}

// Dispatcher publishes stage jobs and stamps the share as in flight.
type Dispatcher struct {
	queue  TaskQueue
	shares storage.SharesBackend
	logger logger.Logger
}

func NewDispatcher(queue TaskQueue, shares storage.SharesBackend, l logger.Logger) *Dispatcher {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &Dispatcher{queue: queue, shares: shares, logger: l}
}

// Dispatch publishes one job per requested stage and then marks the share as
// being in the first of them. Publish failures surface to the caller and leave
// the share in its prior workflow state so the ready sweep can retry it.
func (d *Dispatcher) Dispatch(ctx context.Context, share *types.ShareRecord, stages ...types.TaskType) (*types.ShareRecord, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("dispatch share %s: no stages requested", share.ID)
	}

	for _, stage := range stages {
		task := Task{
			ShareID:            share.ID,
			TaskType:           stage,
			URL:                share.URL,
			Platform:           share.Platform,
			MediaType:          share.MediaType,
			EnhancementVersion: share.EnhancementVersion,
			EnqueuedAt:         time.Now().UTC(),
		}
		if err := d.queue.Publish(ctx, task); err != nil {
			return nil, fmt.Errorf("publish %s task for share %s: %w", stage, share.ID, err)
		}
	}

	updated, err := d.shares.StartEnhancement(ctx, share.ID, types.StageFor(stages[0]))
	if err != nil {
		return nil, fmt.Errorf("mark share %s as %s: %w", share.ID, types.StageFor(stages[0]), err)
	}

	d.logger.DebugWithContext(ctx, "dispatched enrichment stages",
		zap.String("share_id", share.ID),
		zap.Any("stages", stages),
	)

	return updated, nil
}

// Begin starts a fresh enrichment cycle at the first applicable stage.
func (d *Dispatcher) Begin(ctx context.Context, share *types.ShareRecord) (*types.ShareRecord, error) {
	return d.Dispatch(ctx, share, FirstStage(share.MediaType))
}
