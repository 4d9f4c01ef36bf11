// Package search answers queries over extracted vault chunks using semantic
// similarity, exact keyword matching, or a weighted hybrid of both.
package search

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/draftaid/vaultd/internal/storage"
)

// Mode selects the retrieval strategy. The set is closed; anything else
// fails validation before any provider or store call.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeKeyword  Mode = "keyword"
	ModeHybrid   Mode = "hybrid"
)

// Hybrid scoring weights. Exact phrase presence is a stronger relevance
// signal than embedding proximity for document-grounded queries, so the
// keyword branch carries more weight.
const (
	semanticWeight = 0.4
	keywordWeight  = 0.6
)

const (
	defaultLimit     = 10
	defaultThreshold = 0.3
)

// ErrInvalidMode is wrapped into the error returned for an unrecognized mode.
var ErrInvalidMode = fmt.Errorf("invalid search mode")

// Options tunes a single search call. Zero Limit and Mode fall back to the
// engine's defaults; a nil Threshold does too, so an explicit 0 remains a
// valid override (no similarity floor).
type Options struct {
	Mode      Mode
	Limit     int
	Threshold *float64
}

// Result is one ranked chunk. Score is in [0,1].
type Result struct {
	Content        string  `json:"content"`
	Score          float64 `json:"score"`
	ItemID         string  `json:"item_id"`
	Filename       string  `json:"filename"`
	ChunkIndex     int     `json:"chunk_index"`
	HeadingContext string  `json:"heading_context,omitempty"`
}

// EmbeddingProvider converts query text into a fixed-length vector.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is the slice of the persistent store the engine queries.
type Store interface {
	SemanticSearch(ctx context.Context, embedding []float32, threshold float64, limit int, projectID, userID string) ([]storage.SemanticMatch, error)
	KeywordSearch(ctx context.Context, searchText string, limit int, projectID, userID string) ([]storage.KeywordMatch, error)
}

// Engine dispatches queries to the retrieval strategies and performs the
// hybrid merge. It does no internal retry; provider and store errors
// propagate to the caller.
type Engine struct {
	store     Store
	embedder  EmbeddingProvider
	limit     int
	threshold float64
}

// EngineOption configures default limit and threshold.
type EngineOption func(*Engine)

// WithDefaultLimit overrides the default result cap.
func WithDefaultLimit(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.limit = n
		}
	}
}

// WithDefaultThreshold overrides the default similarity floor.
func WithDefaultThreshold(t float64) EngineOption {
	return func(e *Engine) {
		if t > 0 {
			e.threshold = t
		}
	}
}

// NewEngine creates an Engine backed by the given store and embedding provider.
func NewEngine(store Store, embedder EmbeddingProvider, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		embedder:  embedder,
		limit:     defaultLimit,
		threshold: defaultThreshold,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Search validates options and dispatches to the selected strategy.
func (e *Engine) Search(ctx context.Context, projectID, userID, query string, opts Options) ([]Result, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if opts.Mode == "" {
		opts.Mode = ModeHybrid
	}
	if opts.Limit <= 0 {
		opts.Limit = e.limit
	}
	threshold := e.threshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}

	switch opts.Mode {
	case ModeSemantic:
		return e.Semantic(ctx, projectID, userID, query, opts.Limit, threshold)
	case ModeKeyword:
		return e.Keyword(ctx, projectID, userID, query, opts.Limit)
	case ModeHybrid:
		return e.Hybrid(ctx, projectID, userID, query, opts.Limit, threshold)
	default:
		return nil, fmt.Errorf("%w %q", ErrInvalidMode, opts.Mode)
	}
}

// Semantic embeds the query and returns chunks above the similarity
// threshold, ordered by similarity descending.
func (e *Engine) Semantic(ctx context.Context, projectID, userID, query string, limit int, threshold float64) ([]Result, error) {
	embedding, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := e.store.SemanticSearch(ctx, embedding, threshold, limit, projectID, userID)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}

	results := make([]Result, len(matches))
	for i, m := range matches {
		results[i] = Result{
			Content:        m.Content,
			Score:          m.Similarity,
			ItemID:         m.ItemID,
			Filename:       m.Filename,
			ChunkIndex:     m.ChunkIndex,
			HeadingContext: m.HeadingContext,
		}
	}
	return results, nil
}

// Keyword returns chunks ranked by occurrence count of the query substring,
// with ranks normalized to [0,1] by the maximum rank in the result set.
func (e *Engine) Keyword(ctx context.Context, projectID, userID, query string, limit int) ([]Result, error) {
	matches, err := e.store.KeywordSearch(ctx, query, limit, projectID, userID)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	// Floor the divisor at 1 so an empty or zero-rank set cannot divide by zero.
	maxRank := 1
	for _, m := range matches {
		if m.MatchRank > maxRank {
			maxRank = m.MatchRank
		}
	}

	results := make([]Result, len(matches))
	for i, m := range matches {
		results[i] = Result{
			Content:        m.Content,
			Score:          float64(m.MatchRank) / float64(maxRank),
			ItemID:         m.ItemID,
			Filename:       m.Filename,
			ChunkIndex:     m.ChunkIndex,
			HeadingContext: m.HeadingContext,
		}
	}
	return results, nil
}

// Hybrid runs the semantic and keyword strategies concurrently and merges
// their result sets into one combined ranking keyed by (item, chunk index).
func (e *Engine) Hybrid(ctx context.Context, projectID, userID, query string, limit int, threshold float64) ([]Result, error) {
	var semantic, keyword []Result

	// Each branch writes only its own slice; the merge runs after both finish.
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		semantic, err = e.Semantic(gCtx, projectID, userID, query, limit, threshold)
		return err
	})
	g.Go(func() error {
		var err error
		keyword, err = e.Keyword(gCtx, projectID, userID, query, limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return mergeHybrid(semantic, keyword, limit), nil
}

type mergeKey struct {
	itemID     string
	chunkIndex int
}

// mergeHybrid combines the two branches. A chunk present in both branches is
// counted exactly once; a branch that missed it contributes a zero score.
func mergeHybrid(semantic, keyword []Result, limit int) []Result {
	merged := make(map[mergeKey]Result)

	for _, r := range semantic {
		key := mergeKey{r.ItemID, r.ChunkIndex}
		r.Score = r.Score * semanticWeight
		merged[key] = r
	}
	for _, r := range keyword {
		key := mergeKey{r.ItemID, r.ChunkIndex}
		if existing, ok := merged[key]; ok {
			existing.Score += r.Score * keywordWeight
			merged[key] = existing
			continue
		}
		r.Score = r.Score * keywordWeight
		merged[key] = r
	}

	results := make([]Result, 0, len(merged))
	for _, r := range merged {
		results = append(results, r)
	}

	// Score descending; equal scores break deterministically by item then
	// chunk index, so repeated queries return identical rankings.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].ItemID != results[j].ItemID {
			return results[i].ItemID < results[j].ItemID
		}
		return results[i].ChunkIndex < results[j].ChunkIndex
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
