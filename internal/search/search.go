// Package search ranks stored embedding vectors against a query vector by
// cosine similarity.
package search

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/recollect/recollect/pkg/logger"
	"github.com/recollect/recollect/pkg/storage"
	"github.com/recollect/recollect/pkg/types"
)

const (
	// DefaultMinSimilarity is the score floor applied when the query does not
	// set one.
	DefaultMinSimilarity = 0.7

	DefaultLimit = 20
)

// Query describes one similarity search.
type Query struct {
	// Vector is the query embedding. Its dimensionality must match the
	// stored vectors.
	Vector []float64

	UserID        string
	Platforms     []types.Platform
	MediaTypes    []types.MediaType
	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	// ExcludeShares drops specific shares from the result, typically the
	// query share itself.
	ExcludeShares []string

	Limit int

	// MinSimilarity overrides DefaultMinSimilarity when set. The floor is
	// applied during ranking, so Limit returns up to Limit qualifying rows.
	MinSimilarity *float64

	// Cursor is the similarity score of the last row of the previous page.
	// The next page contains only strictly smaller scores, so rows tied at
	// the boundary value are skipped. Accepted trade-off of the raw-score
	// cursor format.
	Cursor string
}

// Page is one ranked page of results. ContinuationToken is the raw score of
// the last row; empty means the ranking is exhausted.
type Page struct {
	Results           []*types.SimilarityResult
	ContinuationToken string
}

// Engine runs brute-force cosine ranking over the current embeddings.
type Engine struct {
	ds     storage.EmbeddingsBackend
	logger logger.Logger
}

func NewEngine(ds storage.EmbeddingsBackend, l logger.Logger) *Engine {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &Engine{ds: ds, logger: l}
}

// FindSimilar returns the stored embeddings most similar to the query vector,
// descending by cosine similarity with share ID as the tie-break.
func (e *Engine) FindSimilar(ctx context.Context, query Query) (Page, error) {
	if len(query.Vector) == 0 {
		return Page{}, fmt.Errorf("query vector is empty")
	}
	queryNorm := floats.Norm(query.Vector, 2)
	if queryNorm == 0 {
		return Page{}, fmt.Errorf("query vector has zero magnitude")
	}

	limit := query.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	minSimilarity := DefaultMinSimilarity
	if query.MinSimilarity != nil {
		minSimilarity = *query.MinSimilarity
	}

	var maxScore float64
	hasCursor := query.Cursor != ""
	if hasCursor {
		score, err := strconv.ParseFloat(query.Cursor, 64)
		if err != nil {
			return Page{}, storage.ErrInvalidContinuationToken
		}
		maxScore = score
	}

	embeddings, err := e.ds.CurrentEmbeddings(ctx, storage.EmbeddingFilter{
		UserID:        query.UserID,
		Platforms:     query.Platforms,
		MediaTypes:    query.MediaTypes,
		CreatedAfter:  query.CreatedAfter,
		CreatedBefore: query.CreatedBefore,
		ExcludeShares: query.ExcludeShares,
	})
	if err != nil {
		return Page{}, fmt.Errorf("load embeddings: %w", err)
	}

	ranked := make([]*types.SimilarityResult, 0, len(embeddings))
	for _, embedding := range embeddings {
		if len(embedding.Vector) != len(query.Vector) {
			return Page{}, fmt.Errorf("embedding for share %s has dimension %d, query has %d",
				embedding.Share.ID, len(embedding.Vector), len(query.Vector))
		}

		norm := floats.Norm(embedding.Vector, 2)
		if norm == 0 {
			continue
		}

		similarity := floats.Dot(query.Vector, embedding.Vector) / (queryNorm * norm)
		if similarity < minSimilarity {
			continue
		}
		if hasCursor && similarity >= maxScore {
			continue
		}

		ranked = append(ranked, &types.SimilarityResult{
			Share:      embedding.Share,
			Similarity: similarity,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Similarity != ranked[j].Similarity {
			return ranked[i].Similarity > ranked[j].Similarity
		}
		return ranked[i].Share.ID > ranked[j].Share.ID
	})

	page := Page{Results: ranked}
	if len(ranked) > limit {
		page.Results = ranked[:limit]
		last := page.Results[limit-1]
		page.ContinuationToken = strconv.FormatFloat(last.Similarity, 'g', -1, 64)
	}

	return page, nil
}
