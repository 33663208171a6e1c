// Package coordinator consumes worker result signals and drives each share's
// workflow state machine: pending → transcribing → summarizing → embedding →
// completed, with failed reachable from any active stage.
package coordinator

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/recollect/recollect/internal/dispatch"
	"github.com/recollect/recollect/pkg/id"
	"github.com/recollect/recollect/pkg/logger"
	"github.com/recollect/recollect/pkg/storage"
	"github.com/recollect/recollect/pkg/types"
)

// StalePolicy decides what the sweep does with a share whose active stage
// exceeded the timeout.
type StalePolicy string

const (
	// StalePolicyFail closes the cycle as failed.
	StalePolicyFail StalePolicy = "fail"

	// StalePolicyRequeue re-dispatches the stalled stage.
	StalePolicyRequeue StalePolicy = "requeue"
)

const (
	DefaultShards         = 4
	DefaultStaleTimeout   = 30 * time.Minute
	DefaultSweepInterval  = 1 * time.Minute
	DefaultSweepBatchSize = 100

	shardQueueCapacity = 64
)

var (
	resultsProcessedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recollect",
		Name:      "coordinator_results_processed_total",
		Help:      "Worker result signals processed, by task type and outcome.",
	}, []string{"task_type", "status"})

	lateResultsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recollect",
		Name:      "coordinator_late_results_ignored_total",
		Help:      "Result signals ignored because the share was no longer in the matching stage.",
	})

	staleSharesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recollect",
		Name:      "coordinator_stale_shares_swept_total",
		Help:      "Shares resolved by the stale sweep, by policy.",
	}, []string{"policy"})
)

// Config tunes the coordinator's sharding and sweeps.
type Config struct {
	// Shards is the number of serial advancement lanes. Results for one share
	// always land on the same lane, which makes the read-then-write version
	// bump in completeEnhancement safe.
	Shards int

	// StaleTimeout is how long an active stage may run before the sweep
	// considers its worker lost.
	StaleTimeout time.Duration

	// SweepInterval is the period of the stale and ready sweeps.
	SweepInterval time.Duration

	// SweepBatchSize bounds how many shares one sweep pass touches.
	SweepBatchSize int

	// StalePolicy is what to do with stale shares.
	StalePolicy StalePolicy
}

func (c *Config) applyDefaults() {
	if c.Shards <= 0 {
		c.Shards = DefaultShards
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = DefaultStaleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = DefaultSweepBatchSize
	}
	if c.StalePolicy == "" {
		c.StalePolicy = StalePolicyFail
	}
}

// Coordinator advances workflow state in response to worker results and runs
// the recovery sweeps.
type Coordinator struct {
	ds         storage.RecollectDatastore
	dispatcher *dispatch.Dispatcher
	cfg        Config
	logger     logger.Logger
	shards     []chan dispatch.ResultSignal
}

func New(ds storage.RecollectDatastore, dispatcher *dispatch.Dispatcher, cfg Config, l logger.Logger) *Coordinator {
	cfg.applyDefaults()
	if l == nil {
		l = logger.NewNoopLogger()
	}

	shards := make([]chan dispatch.ResultSignal, cfg.Shards)
	for i := range shards {
		shards[i] = make(chan dispatch.ResultSignal, shardQueueCapacity)
	}

	return &Coordinator{
		ds:         ds,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     l,
		shards:     shards,
	}
}

// Run processes result signals and periodically sweeps for stale and
// never-dispatched shares until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range c.shards {
		shard := c.shards[i]
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case signal := <-shard:
					c.advance(ctx, signal)
				}
			}
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				c.SweepStale(ctx)
				c.SweepReady(ctx)
			}
		}
	})

	return g.Wait()
}

// HandleResult records a worker result and queues it for advancement on the
// share's lane. The signal is durable once this returns nil; advancement that
// is lost to a crash is recovered by the stale sweep.
func (c *Coordinator) HandleResult(ctx context.Context, signal dispatch.ResultSignal) error {
	if signal.ShareID == "" {
		return fmt.Errorf("result signal missing share id")
	}
	if types.StageFor(signal.TaskType) == types.WorkflowStateNone {
		return fmt.Errorf("result signal has unknown task type %q", signal.TaskType)
	}

	result := &types.MLResult{
		ID:       id.MustNewString(),
		ShareID:  signal.ShareID,
		TaskType: signal.TaskType,
		Status:   signal.Status,
		Payload:  signal.Payload,
		Error:    signal.Error,
	}
	if _, err := c.ds.AppendResult(ctx, result); err != nil {
		return fmt.Errorf("append result for share %s: %w", signal.ShareID, err)
	}

	resultsProcessedCounter.WithLabelValues(string(signal.TaskType), string(signal.Status)).Inc()

	select {
	case c.shardFor(signal.ShareID) <- signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) shardFor(shareID string) chan dispatch.ResultSignal {
	h := fnv.New32a()
	_, _ = h.Write([]byte(shareID))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// advance applies one result signal to the state machine. Errors are logged,
// not returned: the result row is already durable and the sweeps recover any
// share left in an active stage.
func (c *Coordinator) advance(ctx context.Context, signal dispatch.ResultSignal) {
	share, err := c.ds.GetShare(ctx, signal.ShareID)
	if err != nil {
		c.logger.ErrorWithContext(ctx, "load share for advancement",
			zap.Error(err), zap.String("share_id", signal.ShareID))
		return
	}

	expected := types.StageFor(signal.TaskType)
	if share.WorkflowState != expected {
		// Late or duplicate signal: the share moved on (timeout, sweep, or a
		// concurrent cycle). Never let it corrupt a settled state.
		lateResultsCounter.Inc()
		c.logger.InfoWithContext(ctx, "ignoring result for inactive stage",
			zap.String("share_id", share.ID),
			zap.String("task_type", string(signal.TaskType)),
			zap.String("workflow_state", string(share.WorkflowState)),
		)
		return
	}

	if signal.Status == types.ResultFailed {
		if _, err := c.ds.FailEnhancement(ctx, share.ID); err != nil {
			c.logger.ErrorWithContext(ctx, "mark share failed",
				zap.Error(err), zap.String("share_id", share.ID))
			return
		}
		c.logger.InfoWithContext(ctx, "enrichment stage failed",
			zap.String("share_id", share.ID),
			zap.String("task_type", string(signal.TaskType)),
			zap.String("worker_error", signal.Error),
		)
		return
	}

	next, ok := dispatch.NextStage(share.MediaType, signal.TaskType)
	if !ok {
		if _, err := c.ds.CompleteEnhancement(ctx, share.ID, types.WorkflowStateCompleted); err != nil {
			c.logger.ErrorWithContext(ctx, "complete enhancement",
				zap.Error(err), zap.String("share_id", share.ID))
		}
		return
	}

	if _, err := c.dispatcher.Dispatch(ctx, share, next); err != nil {
		// Share stays in the finished stage; the stale sweep retries it.
		c.logger.ErrorWithContext(ctx, "dispatch next stage",
			zap.Error(err),
			zap.String("share_id", share.ID),
			zap.String("next_stage", string(next)),
		)
	}
}

// SweepStale resolves shares whose active stage exceeded the timeout.
func (c *Coordinator) SweepStale(ctx context.Context) {
	stale, err := c.ds.ListStaleEnhancements(ctx, c.cfg.StaleTimeout, c.cfg.SweepBatchSize)
	if err != nil {
		c.logger.ErrorWithContext(ctx, "list stale enhancements", zap.Error(err))
		return
	}

	for _, share := range stale {
		c.resolveStale(ctx, share)
	}
}

func (c *Coordinator) resolveStale(ctx context.Context, share *types.ShareRecord) {
	c.logger.WarnWithContext(ctx, "stale enhancement detected",
		zap.String("share_id", share.ID),
		zap.String("workflow_state", string(share.WorkflowState)),
		zap.String("policy", string(c.cfg.StalePolicy)),
	)

	switch c.cfg.StalePolicy {
	case StalePolicyRequeue:
		if task, ok := types.TaskFor(share.WorkflowState); ok {
			// Re-dispatching restarts the stage clock, removing the share
			// from the stale set. On publish failure it stays stale and the
			// next sweep retries.
			if _, err := c.dispatcher.Dispatch(ctx, share, task); err != nil {
				c.logger.ErrorWithContext(ctx, "requeue stale stage",
					zap.Error(err), zap.String("share_id", share.ID))
				return
			}
			staleSharesCounter.WithLabelValues(string(StalePolicyRequeue)).Inc()
			return
		}
		// Active timestamps but no active stage: settle it as failed.
		fallthrough
	default:
		if _, err := c.ds.FailEnhancement(ctx, share.ID); err != nil {
			c.logger.ErrorWithContext(ctx, "fail stale enhancement",
				zap.Error(err), zap.String("share_id", share.ID))
			return
		}
		staleSharesCounter.WithLabelValues(string(StalePolicyFail)).Inc()
	}
}

// SweepReady starts enrichment for shares that are eligible but were never
// dispatched, typically because the broker was down at creation time.
func (c *Coordinator) SweepReady(ctx context.Context) {
	ready, err := c.ds.ListReadyForEnhancement(ctx, c.cfg.SweepBatchSize)
	if err != nil {
		c.logger.ErrorWithContext(ctx, "list shares ready for enhancement", zap.Error(err))
		return
	}

	for _, share := range ready {
		if _, err := c.dispatcher.Begin(ctx, share); err != nil {
			c.logger.ErrorWithContext(ctx, "begin enrichment from ready sweep",
				zap.Error(err), zap.String("share_id", share.ID))
		}
	}
}

// RetryEnhancement explicitly restarts enrichment for a failed share. Failed
// stages are never retried automatically.
func (c *Coordinator) RetryEnhancement(ctx context.Context, shareID string) (*types.ShareRecord, error) {
	share, err := c.ds.GetShare(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if share.WorkflowState != types.WorkflowStateFailed {
		return nil, fmt.Errorf("share %s is %q, only failed shares can be retried", shareID, share.WorkflowState)
	}
	return c.dispatcher.Begin(ctx, share)
}
