package storage

import (
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
)

// SemanticSearch performs brute-force cosine similarity over the chunks of a
// project's non-deleted items, keeping rows with similarity strictly above
// threshold and returning the top-K ordered by similarity descending.
//
// When the chunk count exceeds ~100K and query latency becomes noticeable,
// consider moving to an ANN-capable vector backend; until then a single scan
// with a top-K heap is sufficient.
func (s *Store) SemanticSearch(ctx context.Context, embedding []float32, threshold float64, limit int, projectID, userID string) ([]SemanticMatch, error) {
	if limit <= 0 {
		return nil, nil
	}

	queryNorm := norm(embedding)
	if queryNorm == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.content, c.embedding, c.item_id, i.filename, c.chunk_index, c.heading_context
		FROM chunks c
		JOIN vault_items i ON i.id = c.item_id
		WHERE i.project_id = ? AND i.user_id = ? AND i.deleted_at IS NULL AND c.embedding IS NOT NULL`,
		projectID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying chunk embeddings: %w", err)
	}
	defer rows.Close()

	h := &matchHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var m SemanticMatch
		var blob []byte
		if err := rows.Scan(&m.Content, &blob, &m.ItemID, &m.Filename, &m.ChunkIndex, &m.HeadingContext); err != nil {
			return nil, fmt.Errorf("scanning chunk row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for chunk %d of %s: %w", m.ChunkIndex, m.ItemID, err)
		}

		m.Similarity = cosineSimilarity(embedding, buf, queryNorm)
		if m.Similarity <= threshold {
			continue
		}

		if h.Len() < limit {
			heap.Push(h, m)
		} else if m.Similarity > (*h)[0].Similarity {
			(*h)[0] = m
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunk rows: %w", err)
	}

	// Pop the min-heap back to front for descending order.
	results := make([]SemanticMatch, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(SemanticMatch)
	}
	return results, nil
}

// KeywordSearch performs a case-insensitive substring match over the chunks of
// a project's non-deleted items. Rank is the occurrence count of searchText in
// the chunk content; rows come back ordered by rank descending, ties broken by
// chunk_index ascending (then item id, for a stable order across items).
//
// The case fold happens in Go: SQLite's lower() folds only ASCII, so an
// SQL-side instr(lower(...)) gate would drop content like "CAFÉ" for the
// query "café". The scan covers the same rows the semantic scan does.
func (s *Store) KeywordSearch(ctx context.Context, searchText string, limit int, projectID, userID string) ([]KeywordMatch, error) {
	if limit <= 0 || searchText == "" {
		return nil, nil
	}

	needle := strings.ToLower(searchText)

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.content, c.item_id, i.filename, c.chunk_index, c.heading_context
		FROM chunks c
		JOIN vault_items i ON i.id = c.item_id
		WHERE i.project_id = ? AND i.user_id = ? AND i.deleted_at IS NULL`,
		projectID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying chunks by keyword: %w", err)
	}
	defer rows.Close()

	var matches []KeywordMatch
	for rows.Next() {
		var m KeywordMatch
		if err := rows.Scan(&m.Content, &m.ItemID, &m.Filename, &m.ChunkIndex, &m.HeadingContext); err != nil {
			return nil, fmt.Errorf("scanning keyword row: %w", err)
		}
		m.MatchRank = strings.Count(strings.ToLower(m.Content), needle)
		if m.MatchRank == 0 {
			continue
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating keyword rows: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].MatchRank != matches[j].MatchRank {
			return matches[i].MatchRank > matches[j].MatchRank
		}
		if matches[i].ChunkIndex != matches[j].ChunkIndex {
			return matches[i].ChunkIndex < matches[j].ChunkIndex
		}
		return matches[i].ItemID < matches[j].ItemID
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosineSimilarity computes dot(a,b) / (aNorm * |b|).
// aNorm is the precomputed L2 norm of vector a.
func cosineSimilarity(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return dot / (aNorm * bNorm)
}

// matchHeap is a min-heap of SemanticMatch ordered by Similarity.
// Used to track the top-K candidates during the scan.
type matchHeap []SemanticMatch

func (h matchHeap) Len() int           { return len(h) }
func (h matchHeap) Less(i, j int) bool { return h[i].Similarity < h[j].Similarity }
func (h matchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x any)        { *h = append(*h, x.(SemanticMatch)) }
func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
