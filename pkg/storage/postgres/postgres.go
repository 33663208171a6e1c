// Package postgres provides the PostgreSQL implementation of the recollect datastore.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/recollect/recollect/pkg/logger"
	"github.com/recollect/recollect/pkg/storage"
	"github.com/recollect/recollect/pkg/storage/sqlcommon"
	"github.com/recollect/recollect/pkg/types"
)

var shareColumns = []string{
	"id", "user_id", "url", "platform", "media_type", "status",
	"workflow_state", "enhancement_started_at", "enhancement_completed_at",
	"enhancement_version", "metadata", "created_at", "updated_at",
}

var resultColumns = []string{
	"id", "share_id", "task_type", "status", "payload", "error", "created_at",
}

// currentEmbedSubquery selects the latest successful embed result per share.
// DISTINCT ON keeps the newest row thanks to the ORDER BY.
const currentEmbedSubquery = `(
	SELECT DISTINCT ON (share_id) share_id, payload
	FROM ml_result
	WHERE task_type = 'embed' AND status = 'success'
	ORDER BY share_id, created_at DESC, id DESC
) emb ON emb.share_id = s.id`

// Datastore provides a PostgreSQL based implementation of [storage.RecollectDatastore].
type Datastore struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
}

// Ensures that Datastore implements the RecollectDatastore interface.
var _ storage.RecollectDatastore = (*Datastore)(nil)

// initDB initializes a new postgres database connection.
func initDB(uri string, cfg *sqlcommon.Config) (*sql.DB, error) {
	if cfg.Username != "" || cfg.Password != "" {
		parsed, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("parse postgres connection uri: %w", err)
		}

		username := cfg.Username
		if username == "" && parsed.User != nil {
			username = parsed.User.Username()
		}

		switch {
		case cfg.Password != "":
			parsed.User = url.UserPassword(username, cfg.Password)
		case parsed.User != nil:
			if password, ok := parsed.User.Password(); ok {
				parsed.User = url.UserPassword(username, password)
			} else {
				parsed.User = url.User(username)
			}
		default:
			parsed.User = url.User(username)
		}

		uri = parsed.String()
	}

	db, err := sql.Open("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
	}

	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// configureDB pings the database with backoff and optionally registers a stats collector.
func configureDB(db *sql.DB, cfg *sqlcommon.Config) (prometheus.Collector, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	attempt := 1
	err := backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			cfg.Logger.Info("waiting for database", zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, "recollect")
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return collector, nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	db, err := initDB(uri, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
	}

	return NewWithDB(db, cfg)
}

// NewWithDB creates a new [Datastore] storage with the provided database connection.
func NewWithDB(db *sql.DB, cfg *sqlcommon.Config) (*Datastore, error) {
	collector, err := configureDB(db, cfg)
	if err != nil {
		return nil, fmt.Errorf("configure db: %w", err)
	}

	return &Datastore{
		stbl:             sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(db),
		db:               db,
		logger:           cfg.Logger,
		dbStatsCollector: collector,
	}, nil
}

// Close see [storage.RecollectDatastore].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}

// CreateShare see [storage.SharesBackend].CreateShare.
func (s *Datastore) CreateShare(ctx context.Context, share *types.ShareRecord) (*types.ShareRecord, error) {
	created := share.Clone()

	row := s.stbl.
		Insert("share").
		Columns(
			"id", "user_id", "url", "platform", "media_type", "status",
			"workflow_state", "enhancement_version", "metadata", "created_at", "updated_at",
		).
		Values(
			share.ID, share.UserID, share.URL, share.Platform, share.MediaType,
			share.Status, nullableState(share.WorkflowState), 1, nullableJSON(share.Metadata),
			sq.Expr("NOW()"), sq.Expr("NOW()"),
		).
		Suffix("RETURNING created_at, updated_at").
		QueryRowContext(ctx)

	if err := row.Scan(&created.CreatedAt, &created.UpdatedAt); err != nil {
		return nil, HandleSQLError(err)
	}

	created.EnhancementVersion = 1
	return created, nil
}

// GetShare see [storage.SharesBackend].GetShare.
func (s *Datastore) GetShare(ctx context.Context, id string) (*types.ShareRecord, error) {
	row := s.selectShares().Where(sq.Eq{"id": id}).QueryRowContext(ctx)
	return scanShare(row)
}

// GetShareForUser see [storage.SharesBackend].GetShareForUser.
func (s *Datastore) GetShareForUser(ctx context.Context, id, userID string) (*types.ShareRecord, error) {
	row := s.selectShares().Where(sq.Eq{"id": id, "user_id": userID}).QueryRowContext(ctx)
	return scanShare(row)
}

// UpdateShare see [storage.SharesBackend].UpdateShare.
func (s *Datastore) UpdateShare(ctx context.Context, id string, patch storage.SharePatch) (*types.ShareRecord, error) {
	ub := s.stbl.Update("share").Set("updated_at", sq.Expr("NOW()"))

	if patch.Status != nil {
		ub = ub.Set("status", *patch.Status)
	}
	if patch.WorkflowState != nil {
		ub = ub.Set("workflow_state", nullableState(*patch.WorkflowState))
	}
	if patch.MediaType != nil {
		ub = ub.Set("media_type", *patch.MediaType)
	}
	if patch.Metadata != nil {
		ub = ub.Set("metadata", patch.Metadata)
	}

	row := ub.Where(sq.Eq{"id": id}).
		Suffix("RETURNING " + strings.Join(shareColumns, ", ")).
		QueryRowContext(ctx)
	return scanShare(row)
}

// ListShares see [storage.SharesBackend].ListShares.
func (s *Datastore) ListShares(ctx context.Context, filter storage.ShareFilter, opts storage.PaginationOptions) ([]*types.ShareRecord, string, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = storage.DefaultPageSize
	}

	sb := s.selectShares().OrderBy("created_at DESC", "id DESC")
	sb = applyShareFilter(sb, filter)

	if opts.From != "" {
		cursor, err := storage.ParseCursor(opts.From)
		if err != nil {
			return nil, "", err
		}
		sb = sb.Where(sq.Expr("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID))
	}

	// + 1 is used to determine whether to return a continuation token.
	rows, err := sb.Limit(uint64(pageSize + 1)).QueryContext(ctx)
	if err != nil {
		return nil, "", HandleSQLError(err)
	}
	defer rows.Close()

	var shares []*types.ShareRecord
	for rows.Next() {
		share, err := scanShare(rows)
		if err != nil {
			return nil, "", err
		}
		shares = append(shares, share)
	}
	if err := rows.Err(); err != nil {
		return nil, "", HandleSQLError(err)
	}

	var token string
	if len(shares) > pageSize {
		shares = shares[:pageSize]
		last := shares[pageSize-1]
		token = storage.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.String()
	}

	return shares, token, nil
}

// ListSharesByWorkflowState see [storage.SharesBackend].ListSharesByWorkflowState.
func (s *Datastore) ListSharesByWorkflowState(ctx context.Context, state types.WorkflowState, limit int) ([]*types.ShareRecord, error) {
	sb := s.selectShares().OrderBy("created_at ASC", "id ASC").Limit(uint64(limit))
	if state == types.WorkflowStateNone {
		sb = sb.Where(sq.Eq{"workflow_state": nil})
	} else {
		sb = sb.Where(sq.Eq{"workflow_state": state})
	}
	return s.queryShares(ctx, sb)
}

// ListReadyForEnhancement see [storage.SharesBackend].ListReadyForEnhancement.
func (s *Datastore) ListReadyForEnhancement(ctx context.Context, limit int) ([]*types.ShareRecord, error) {
	sb := s.selectShares().
		Where(sq.Eq{"status": types.StatusDone}).
		Where(sq.Or{
			sq.Eq{"workflow_state": nil},
			sq.Eq{"workflow_state": types.WorkflowStatePending},
		}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(limit))
	return s.queryShares(ctx, sb)
}

// ListStaleEnhancements see [storage.SharesBackend].ListStaleEnhancements.
func (s *Datastore) ListStaleEnhancements(ctx context.Context, timeout time.Duration, limit int) ([]*types.ShareRecord, error) {
	sb := s.selectShares().
		Where(sq.NotEq{"enhancement_started_at": nil}).
		Where(sq.Eq{"enhancement_completed_at": nil}).
		Where(sq.Expr("enhancement_started_at < NOW() - ?::interval", fmt.Sprintf("%d seconds", int(timeout.Seconds())))).
		OrderBy("enhancement_started_at ASC").
		Limit(uint64(limit))
	return s.queryShares(ctx, sb)
}

// BatchUpdateWorkflowStates see [storage.SharesBackend].BatchUpdateWorkflowStates.
func (s *Datastore) BatchUpdateWorkflowStates(ctx context.Context, ids []string, state types.WorkflowState) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.stbl.
		Update("share").
		Set("workflow_state", nullableState(state)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": ids}).
		ExecContext(ctx)
	if err != nil {
		return HandleSQLError(err)
	}
	return nil
}

// WorkflowStateStats see [storage.SharesBackend].WorkflowStateStats.
func (s *Datastore) WorkflowStateStats(ctx context.Context, userID string) ([]types.WorkflowStateStat, error) {
	sb := s.stbl.
		Select(
			"COALESCE(workflow_state, '')",
			"COUNT(*)",
			"MIN(enhancement_started_at)",
			"MAX(enhancement_completed_at)",
		).
		From("share").
		GroupBy("workflow_state").
		OrderBy("1")
	if userID != "" {
		sb = sb.Where(sq.Eq{"user_id": userID})
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	var stats []types.WorkflowStateStat
	for rows.Next() {
		var stat types.WorkflowStateStat
		var oldest, latest sql.NullTime
		if err := rows.Scan(&stat.State, &stat.Count, &oldest, &latest); err != nil {
			return nil, HandleSQLError(err)
		}
		if oldest.Valid {
			stat.OldestStarted = &oldest.Time
		}
		if latest.Valid {
			stat.LatestCompleted = &latest.Time
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}

	return stats, nil
}

// StartEnhancement see [storage.SharesBackend].StartEnhancement.
func (s *Datastore) StartEnhancement(ctx context.Context, id string, state types.WorkflowState) (*types.ShareRecord, error) {
	row := s.stbl.
		Update("share").
		Set("enhancement_started_at", sq.Expr("NOW()")).
		Set("enhancement_completed_at", nil).
		Set("workflow_state", nullableState(state)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING " + strings.Join(shareColumns, ", ")).
		QueryRowContext(ctx)
	return scanShare(row)
}

// CompleteEnhancement see [storage.SharesBackend].CompleteEnhancement.
func (s *Datastore) CompleteEnhancement(ctx context.Context, id string, state types.WorkflowState) (*types.ShareRecord, error) {
	return s.closeEnhancement(ctx, id, state, true)
}

// FailEnhancement see [storage.SharesBackend].FailEnhancement.
func (s *Datastore) FailEnhancement(ctx context.Context, id string) (*types.ShareRecord, error) {
	return s.closeEnhancement(ctx, id, types.WorkflowStateFailed, false)
}

// closeEnhancement conditionally closes an open cycle in a single write. The
// WHERE guard is what makes a duplicate or late completion impossible.
func (s *Datastore) closeEnhancement(ctx context.Context, id string, state types.WorkflowState, bumpVersion bool) (*types.ShareRecord, error) {
	ub := s.stbl.
		Update("share").
		Set("enhancement_completed_at", sq.Expr("NOW()")).
		Set("workflow_state", nullableState(state)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"enhancement_started_at": nil}).
		Where(sq.Eq{"enhancement_completed_at": nil})
	if bumpVersion {
		ub = ub.Set("enhancement_version", sq.Expr("enhancement_version + 1"))
	}

	row := ub.Suffix("RETURNING " + strings.Join(shareColumns, ", ")).QueryRowContext(ctx)
	share, err := scanShare(row)
	if err == nil {
		return share, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	// No open cycle matched: distinguish a missing share from a stale signal.
	if _, getErr := s.GetShare(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, storage.ErrStaleVersion
}

// AppendResult see [storage.MLResultsBackend].AppendResult.
func (s *Datastore) AppendResult(ctx context.Context, result *types.MLResult) (*types.MLResult, error) {
	payload, err := json.Marshal(result.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal result payload: %w", err)
	}

	created := *result
	row := s.stbl.
		Insert("ml_result").
		Columns("id", "share_id", "task_type", "status", "payload", "error", "created_at").
		Values(result.ID, result.ShareID, result.TaskType, result.Status, payload, result.Error, sq.Expr("NOW()")).
		Suffix("RETURNING created_at").
		QueryRowContext(ctx)
	if err := row.Scan(&created.CreatedAt); err != nil {
		return nil, HandleSQLError(err)
	}

	return &created, nil
}

// LatestResult see [storage.MLResultsBackend].LatestResult.
func (s *Datastore) LatestResult(ctx context.Context, shareID string, task types.TaskType) (*types.MLResult, error) {
	row := s.stbl.
		Select(resultColumns...).
		From("ml_result").
		Where(sq.Eq{"share_id": shareID, "task_type": task}).
		OrderBy("created_at DESC", "id DESC").
		Limit(1).
		QueryRowContext(ctx)
	return scanResult(row)
}

// LatestResults see [storage.MLResultsBackend].LatestResults.
func (s *Datastore) LatestResults(ctx context.Context, shareIDs []string) (map[string]map[types.TaskType]*types.MLResult, error) {
	latest := make(map[string]map[types.TaskType]*types.MLResult, len(shareIDs))
	if len(shareIDs) == 0 {
		return latest, nil
	}

	rows, err := s.stbl.
		Select(resultColumns...).
		Options("DISTINCT ON (share_id, task_type)").
		From("ml_result").
		Where(sq.Eq{"share_id": shareIDs}).
		OrderBy("share_id", "task_type", "created_at DESC", "id DESC").
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		if latest[result.ShareID] == nil {
			latest[result.ShareID] = make(map[types.TaskType]*types.MLResult)
		}
		latest[result.ShareID][result.TaskType] = result
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}

	return latest, nil
}

// ResultHistory see [storage.MLResultsBackend].ResultHistory.
func (s *Datastore) ResultHistory(ctx context.Context, shareID string, task types.TaskType, limit int) ([]*types.MLResult, error) {
	rows, err := s.stbl.
		Select(resultColumns...).
		From("ml_result").
		Where(sq.Eq{"share_id": shareID, "task_type": task}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	var results []*types.MLResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}

	return results, nil
}

// CurrentEmbeddings see [storage.EmbeddingsBackend].CurrentEmbeddings.
func (s *Datastore) CurrentEmbeddings(ctx context.Context, filter storage.EmbeddingFilter) ([]*types.ShareEmbedding, error) {
	cols := make([]string, 0, len(shareColumns)+1)
	for _, c := range shareColumns {
		cols = append(cols, "s."+c)
	}
	cols = append(cols, "emb.payload")

	sb := s.stbl.
		Select(cols...).
		From("share s").
		JoinClause("JOIN " + currentEmbedSubquery)

	if filter.UserID != "" {
		sb = sb.Where(sq.Eq{"s.user_id": filter.UserID})
	}
	if len(filter.Platforms) > 0 {
		sb = sb.Where(sq.Eq{"s.platform": filter.Platforms})
	}
	if len(filter.MediaTypes) > 0 {
		sb = sb.Where(sq.Eq{"s.media_type": filter.MediaTypes})
	}
	if filter.CreatedAfter != nil {
		sb = sb.Where(sq.GtOrEq{"s.created_at": *filter.CreatedAfter})
	}
	if filter.CreatedBefore != nil {
		sb = sb.Where(sq.LtOrEq{"s.created_at": *filter.CreatedBefore})
	}
	if len(filter.ExcludeShares) > 0 {
		sb = sb.Where(sq.NotEq{"s.id": filter.ExcludeShares})
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	var embeddings []*types.ShareEmbedding
	for rows.Next() {
		share, payloadRaw, err := scanShareWithPayload(rows)
		if err != nil {
			return nil, err
		}

		var payload types.ResultPayload
		if err := json.Unmarshal(payloadRaw, &payload); err != nil {
			return nil, fmt.Errorf("decode embedding payload for share %s: %w", share.ID, err)
		}
		if payload.Embedding == nil {
			continue
		}

		embeddings = append(embeddings, &types.ShareEmbedding{
			Share:   share,
			Vector:  payload.Embedding.Vector,
			ModelID: payload.Embedding.ModelID,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}

	return embeddings, nil
}

func (s *Datastore) selectShares() sq.SelectBuilder {
	return s.stbl.Select(shareColumns...).From("share")
}

func (s *Datastore) queryShares(ctx context.Context, sb sq.SelectBuilder) ([]*types.ShareRecord, error) {
	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	var shares []*types.ShareRecord
	for rows.Next() {
		share, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		shares = append(shares, share)
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}

	return shares, nil
}

func applyShareFilter(sb sq.SelectBuilder, filter storage.ShareFilter) sq.SelectBuilder {
	if filter.UserID != "" {
		sb = sb.Where(sq.Eq{"user_id": filter.UserID})
	}
	if len(filter.Platforms) > 0 {
		sb = sb.Where(sq.Eq{"platform": filter.Platforms})
	}
	if filter.Status != "" {
		sb = sb.Where(sq.Eq{"status": filter.Status})
	}
	if filter.MediaType != "" {
		sb = sb.Where(sq.Eq{"media_type": filter.MediaType})
	}
	if filter.CreatedAfter != nil {
		sb = sb.Where(sq.GtOrEq{"created_at": *filter.CreatedAfter})
	}
	if filter.CreatedBefore != nil {
		sb = sb.Where(sq.LtOrEq{"created_at": *filter.CreatedBefore})
	}
	return sb
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShare(row rowScanner) (*types.ShareRecord, error) {
	var share types.ShareRecord
	var workflow sql.NullString
	var startedAt, completedAt sql.NullTime
	var metadata []byte

	err := row.Scan(
		&share.ID, &share.UserID, &share.URL, &share.Platform, &share.MediaType,
		&share.Status, &workflow, &startedAt, &completedAt,
		&share.EnhancementVersion, &metadata, &share.CreatedAt, &share.UpdatedAt,
	)
	if err != nil {
		return nil, HandleSQLError(err)
	}

	hydrateShare(&share, workflow, startedAt, completedAt, metadata)
	return &share, nil
}

func scanShareWithPayload(row rowScanner) (*types.ShareRecord, []byte, error) {
	var share types.ShareRecord
	var workflow sql.NullString
	var startedAt, completedAt sql.NullTime
	var metadata, payload []byte

	err := row.Scan(
		&share.ID, &share.UserID, &share.URL, &share.Platform, &share.MediaType,
		&share.Status, &workflow, &startedAt, &completedAt,
		&share.EnhancementVersion, &metadata, &share.CreatedAt, &share.UpdatedAt,
		&payload,
	)
	if err != nil {
		return nil, nil, HandleSQLError(err)
	}

	hydrateShare(&share, workflow, startedAt, completedAt, metadata)
	return &share, payload, nil
}

func hydrateShare(share *types.ShareRecord, workflow sql.NullString, startedAt, completedAt sql.NullTime, metadata []byte) {
	if workflow.Valid {
		share.WorkflowState = types.WorkflowState(workflow.String)
	}
	if startedAt.Valid {
		share.EnhancementStartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		share.EnhancementCompletedAt = &completedAt.Time
	}
	if len(metadata) > 0 {
		share.Metadata = metadata
	}
}

func scanResult(row rowScanner) (*types.MLResult, error) {
	var result types.MLResult
	var payload []byte
	var errDetail sql.NullString

	err := row.Scan(
		&result.ID, &result.ShareID, &result.TaskType, &result.Status,
		&payload, &errDetail, &result.CreatedAt,
	)
	if err != nil {
		return nil, HandleSQLError(err)
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &result.Payload); err != nil {
			return nil, fmt.Errorf("decode result payload: %w", err)
		}
	}
	result.Error = errDetail.String

	return &result, nil
}

// nullableState maps the empty workflow state to SQL NULL.
func nullableState(state types.WorkflowState) any {
	if state == types.WorkflowStateNone {
		return nil
	}
	return string(state)
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func HandleSQLError(err error, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	if errors.Is(err, context.Canceled) {
		return storage.ErrCancelled
	}

	if strings.Contains(err.Error(), "duplicate key value") {
		return storage.ErrCollision
	}

	return fmt.Errorf("sql error: %w", err)
}
