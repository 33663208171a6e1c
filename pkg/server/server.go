// Package server bundles the recollect engine's operations behind one object.
// Transport (HTTP routing, authorization) is the embedding application's
// concern; the Server exposes the engine surface directly.
package server

import (
	"context"

	"github.com/recollect/recollect/internal/aggregate"
	"github.com/recollect/recollect/internal/commands"
	"github.com/recollect/recollect/internal/coordinator"
	"github.com/recollect/recollect/internal/dispatch"
	"github.com/recollect/recollect/internal/search"
	"github.com/recollect/recollect/pkg/logger"
	"github.com/recollect/recollect/pkg/storage"
	"github.com/recollect/recollect/pkg/types"
)

// Dependencies carries the external collaborators the server is wired with.
type Dependencies struct {
	Datastore storage.RecollectDatastore
	Guard     commands.ReservationGuard
	Queue     dispatch.TaskQueue
	Logger    logger.Logger
}

// Server is the recollect engine: idempotent ingestion, workflow
// coordination, read-side projection, and similarity search.
type Server struct {
	logger      logger.Logger
	datastore   storage.RecollectDatastore
	coordinator *coordinator.Coordinator
	aggregator  *aggregate.Aggregator
	search      *search.Engine
	createCmd   *commands.CreateShareCommand
}

func New(deps Dependencies, cfg coordinator.Config) *Server {
	l := deps.Logger
	if l == nil {
		l = logger.NewNoopLogger()
	}

	dispatcher := dispatch.NewDispatcher(deps.Queue, deps.Datastore, l)

	return &Server{
		logger:      l,
		datastore:   deps.Datastore,
		coordinator: coordinator.New(deps.Datastore, dispatcher, cfg, l),
		aggregator:  aggregate.New(deps.Datastore, l),
		search:      search.NewEngine(deps.Datastore, l),
		createCmd:   commands.NewCreateShareCommand(deps.Guard, deps.Datastore, dispatcher, l),
	}
}

// Run processes worker results and recovery sweeps until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.coordinator.Run(ctx)
}

// HandleResult ingests one worker result signal.
func (s *Server) HandleResult(ctx context.Context, signal dispatch.ResultSignal) error {
	return s.coordinator.HandleResult(ctx, signal)
}

// CreateShare runs one idempotent share submission and returns the response
// envelope bytes, byte-identical across retries of the same token.
func (s *Server) CreateShare(ctx context.Context, req commands.CreateShareRequest) ([]byte, error) {
	return s.createCmd.Execute(ctx, req)
}

// GetShare returns the enriched view of one share, scoped to its owner.
func (s *Server) GetShare(ctx context.Context, shareID, userID string) (*types.EnrichedShareView, error) {
	return s.aggregator.ProjectForUser(ctx, shareID, userID)
}

// ListShares returns one page of enriched views matching the filter.
func (s *Server) ListShares(ctx context.Context, filter aggregate.Filter, opts storage.PaginationOptions) (aggregate.Page, error) {
	return s.aggregator.ProjectMany(ctx, filter, opts)
}

// FindSimilar runs a ranked cosine-similarity search over current embeddings.
func (s *Server) FindSimilar(ctx context.Context, query search.Query) (search.Page, error) {
	return s.search.FindSimilar(ctx, query)
}

// RetryEnhancement explicitly restarts enrichment for a failed share.
func (s *Server) RetryEnhancement(ctx context.Context, shareID string) (*types.ShareRecord, error) {
	return s.coordinator.RetryEnhancement(ctx, shareID)
}

// WorkflowStateStats returns per-state share counts, optionally scoped to a
// user.
func (s *Server) WorkflowStateStats(ctx context.Context, userID string) ([]types.WorkflowStateStat, error) {
	return s.datastore.WorkflowStateStats(ctx, userID)
}
