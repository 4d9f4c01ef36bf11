package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ExtractionStatus tracks where a vault item is in the ingestion pipeline.
type ExtractionStatus string

const (
	StatusPending     ExtractionStatus = "pending"
	StatusDownloading ExtractionStatus = "downloading"
	StatusExtracting  ExtractionStatus = "extracting"
	StatusChunking    ExtractionStatus = "chunking"
	StatusEmbedding   ExtractionStatus = "embedding"
	StatusSuccess     ExtractionStatus = "success"
	StatusPartial     ExtractionStatus = "partial"
	StatusFailed      ExtractionStatus = "failed"
)

// InProgressStatuses are the statuses a crashed extraction can be stranded in.
// Items found with one of these at startup are re-enqueued by the recovery pass.
var InProgressStatuses = []ExtractionStatus{
	StatusPending,
	StatusDownloading,
	StatusExtracting,
	StatusChunking,
	StatusEmbedding,
}

// VaultItem is an uploaded reference file in a project's knowledge vault.
// Status is mutated only by the extraction processor; users soft-delete,
// hard deletion is left to an external grace-period cleanup job.
type VaultItem struct {
	ID         string
	ProjectID  string
	UserID     string
	Filename   string
	MIMEType   string
	Status     ExtractionStatus
	ChunkCount int
	BlobKey    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
}

// Chunk is one ordered slice of extracted text belonging to a vault item.
// Embedding is nil when the embedding call for this chunk failed.
type Chunk struct {
	ID             string
	ItemID         string
	ChunkIndex     int
	Content        string
	HeadingContext string
	Embedding      []float32
	CreatedAt      time.Time
}

// SemanticMatch is one row of a similarity query.
type SemanticMatch struct {
	Content        string
	Similarity     float64
	ItemID         string
	Filename       string
	ChunkIndex     int
	HeadingContext string
}

// KeywordMatch is one row of a keyword query. MatchRank is the number of
// occurrences of the search text within Content, not mere presence.
type KeywordMatch struct {
	Content        string
	MatchRank      int
	ItemID         string
	Filename       string
	ChunkIndex     int
	HeadingContext string
}
