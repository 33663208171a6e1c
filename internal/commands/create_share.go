// Package commands implements the write-path operations exposed by the
// engine, wrapping storage, the idempotency guard, and the dispatcher.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/recollect/recollect/internal/dispatch"
	"github.com/recollect/recollect/internal/idempotency"
	"github.com/recollect/recollect/pkg/id"
	"github.com/recollect/recollect/pkg/logger"
	"github.com/recollect/recollect/pkg/storage"
	"github.com/recollect/recollect/pkg/types"
)

// Validation failures are rejected before any reservation or creation occurs.
var (
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrInvalidRequest      = errors.New("invalid create share request")
)

// ReservationGuard is the slice of the idempotency guard the command needs.
type ReservationGuard interface {
	ReserveOrGet(ctx context.Context, userID, token string) (idempotency.Outcome, error)
	Complete(ctx context.Context, userID, token string, response []byte) error
	Release(ctx context.Context, userID, token string) error
}

// CreateShareRequest is one idempotent share submission.
type CreateShareRequest struct {
	UserID           string
	URL              string
	Platform         types.Platform
	MediaType        types.MediaType
	IdempotencyToken string
	Metadata         json.RawMessage
}

// CreateShareResponse is the envelope stored by the guard and replayed
// byte-identically on retries.
type CreateShareResponse struct {
	ShareID       string              `json:"shareId"`
	Status        types.Status        `json:"status"`
	WorkflowState types.WorkflowState `json:"workflowState,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
}

// CreateShareCommand ingests shares: reserve, create, dispatch, complete.
type CreateShareCommand struct {
	guard      ReservationGuard
	shares     storage.SharesBackend
	dispatcher *dispatch.Dispatcher
	logger     logger.Logger
}

func NewCreateShareCommand(guard ReservationGuard, shares storage.SharesBackend, dispatcher *dispatch.Dispatcher, l logger.Logger) *CreateShareCommand {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &CreateShareCommand{
		guard:      guard,
		shares:     shares,
		dispatcher: dispatcher,
		logger:     l,
	}
}

// Execute runs one submission. Exactly one durable share is created per
// (user, token) pair; retries replay the original response bytes, and a
// concurrent duplicate gets idempotency.ErrConflict.
func (c *CreateShareCommand) Execute(ctx context.Context, req CreateShareRequest) ([]byte, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	outcome, err := c.guard.ReserveOrGet(ctx, req.UserID, req.IdempotencyToken)
	if err != nil {
		return nil, err
	}
	if !outcome.Reserved {
		return outcome.Response, nil
	}

	share, err := c.shares.CreateShare(ctx, &types.ShareRecord{
		ID:        id.MustNewString(),
		UserID:    req.UserID,
		URL:       req.URL,
		Platform:  req.Platform,
		MediaType: req.MediaType,
		Status:    types.StatusPending,
		Metadata:  req.Metadata,
	})
	if err != nil {
		// Free the reservation so the client can retry immediately.
		if releaseErr := c.guard.Release(ctx, req.UserID, req.IdempotencyToken); releaseErr != nil {
			c.logger.ErrorWithContext(ctx, "release reservation after create failure",
				zap.Error(releaseErr))
		}
		return nil, fmt.Errorf("create share: %w", err)
	}

	if updated, err := c.dispatcher.Begin(ctx, share); err != nil {
		// Not fatal: the share stays undispatched and the ready sweep
		// retries it once eligible.
		c.logger.WarnWithContext(ctx, "initial dispatch failed, deferring to sweep",
			zap.Error(err), zap.String("share_id", share.ID))
	} else {
		share = updated
	}

	response, err := json.Marshal(CreateShareResponse{
		ShareID:       share.ID,
		Status:        share.Status,
		WorkflowState: share.WorkflowState,
		CreatedAt:     share.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}

	if err := c.guard.Complete(ctx, req.UserID, req.IdempotencyToken, response); err != nil {
		// The share exists; a retry past the processing timeout re-reserves
		// and may create a duplicate record, so this is worth alerting on.
		c.logger.ErrorWithContext(ctx, "store idempotent response",
			zap.Error(err), zap.String("share_id", share.ID))
	}

	return response, nil
}

func validate(req CreateShareRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidRequest)
	}
	if req.URL == "" {
		return fmt.Errorf("%w: missing url", ErrInvalidRequest)
	}
	if req.IdempotencyToken == "" {
		return fmt.Errorf("%w: missing idempotency token", ErrInvalidRequest)
	}
	switch req.MediaType {
	case types.MediaTypeVideo, types.MediaTypeAudio, types.MediaTypeText, types.MediaTypeImage:
	default:
		return fmt.Errorf("%w: unknown media type %q", ErrInvalidRequest, req.MediaType)
	}
	for _, platform := range types.SupportedPlatforms {
		if req.Platform == platform {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedPlatform, req.Platform)
}
