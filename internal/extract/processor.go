// Package extract turns an uploaded vault file into searchable chunks.
//
// The Processor owns the full status lifecycle of a vault item: it advances
// the item through downloading, extracting, chunking, and embedding, persists
// the chunk set atomically, and records the terminal status (success, partial,
// or failed). The extraction queue that invokes it sees only the returned
// error and never writes status itself.
package extract

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/draftaid/vaultd/internal/storage"
)

const defaultEmbedConcurrency = 4

// Embedder converts text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// FileSource reads the stored bytes of an uploaded file by blob key.
type FileSource interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// ItemStore is the slice of the persistent store the Processor needs.
type ItemStore interface {
	GetVaultItem(id string) (storage.VaultItem, error)
	UpdateItemStatus(id string, status storage.ExtractionStatus) error
	ReplaceChunks(itemID string, chunks []storage.Chunk) error
	FinalizeItem(id string, status storage.ExtractionStatus, chunkCount int) error
}

// Processor extracts, chunks, and embeds one vault item per Run call.
type Processor struct {
	store       ItemStore
	files       FileSource
	embedder    Embedder
	chunkSize   int
	concurrency int
	logger      *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithChunkSize overrides the maximum chunk content length.
func WithChunkSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.chunkSize = n
		}
	}
}

// WithEmbedConcurrency bounds concurrent embedding calls.
func WithEmbedConcurrency(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProcessor creates a Processor with the given dependencies.
func NewProcessor(store ItemStore, files FileSource, embedder Embedder, opts ...Option) *Processor {
	p := &Processor{
		store:       store,
		files:       files,
		embedder:    embedder,
		chunkSize:   defaultChunkSize,
		concurrency: defaultEmbedConcurrency,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run performs one extraction attempt for the item. On any error the failed
// status is persisted before returning, so the durable record always reflects
// the last attempt even if the caller gives up.
func (p *Processor) Run(ctx context.Context, itemID string) error {
	item, err := p.store.GetVaultItem(itemID)
	if err != nil {
		return fmt.Errorf("loading vault item %s: %w", itemID, err)
	}
	if item.DeletedAt != nil {
		p.logger.Info("skipping extraction of deleted item", "item_id", itemID)
		return nil
	}

	text, err := p.download(ctx, item)
	if err != nil {
		return p.fail(itemID, err)
	}

	if err := p.store.UpdateItemStatus(itemID, storage.StatusChunking); err != nil {
		return p.fail(itemID, fmt.Errorf("updating status: %w", err))
	}
	pieces := ChunkText(text, p.chunkSize)
	if len(pieces) == 0 {
		return p.fail(itemID, fmt.Errorf("no extractable text in %s", item.Filename))
	}

	if err := p.store.UpdateItemStatus(itemID, storage.StatusEmbedding); err != nil {
		return p.fail(itemID, fmt.Errorf("updating status: %w", err))
	}
	chunks, embedded := p.embedPieces(ctx, itemID, pieces)
	if embedded == 0 {
		return p.fail(itemID, fmt.Errorf("embedding failed for all %d chunks", len(pieces)))
	}

	if err := p.store.ReplaceChunks(itemID, chunks); err != nil {
		return p.fail(itemID, fmt.Errorf("persisting chunks: %w", err))
	}

	status := storage.StatusSuccess
	if embedded < len(chunks) {
		status = storage.StatusPartial
	}
	if err := p.store.FinalizeItem(itemID, status, len(chunks)); err != nil {
		return fmt.Errorf("finalizing item %s: %w", itemID, err)
	}

	p.logger.Info("extraction finished",
		"item_id", itemID, "status", status, "chunks", len(chunks), "embedded", embedded)
	return nil
}

// download fetches the stored bytes and extracts plain text from them.
func (p *Processor) download(ctx context.Context, item storage.VaultItem) (string, error) {
	if err := p.store.UpdateItemStatus(item.ID, storage.StatusDownloading); err != nil {
		return "", fmt.Errorf("updating status: %w", err)
	}

	rc, err := p.files.Open(ctx, item.BlobKey)
	if err != nil {
		return "", fmt.Errorf("opening blob %s: %w", item.BlobKey, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("reading blob %s: %w", item.BlobKey, err)
	}

	if err := p.store.UpdateItemStatus(item.ID, storage.StatusExtracting); err != nil {
		return "", fmt.Errorf("updating status: %w", err)
	}

	text, err := ExtractText(item.MIMEType, data)
	if err != nil {
		return "", fmt.Errorf("extracting text from %s: %w", item.Filename, err)
	}
	return text, nil
}

// embedPieces embeds chunk contents with bounded concurrency. A chunk whose
// embedding call fails is kept with a nil embedding (it stays keyword
// searchable); the returned count is how many chunks got vectors.
func (p *Processor) embedPieces(ctx context.Context, itemID string, pieces []Piece) ([]storage.Chunk, int) {
	chunks := make([]storage.Chunk, len(pieces))
	now := time.Now().UTC()
	for i, piece := range pieces {
		chunks[i] = storage.Chunk{
			ID:             uuid.New().String(),
			ItemID:         itemID,
			ChunkIndex:     i,
			Content:        piece.Content,
			HeadingContext: piece.HeadingContext,
			CreatedAt:      now,
		}
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i := range chunks {
		g.Go(func() error {
			vec, err := p.embedder.Embed(gCtx, chunks[i].Content)
			if err != nil {
				p.logger.Warn("embedding chunk failed",
					"item_id", itemID, "chunk_index", i, "error", err)
				return nil
			}
			chunks[i].Embedding = vec
			return nil
		})
	}
	// Workers never return errors; Wait only joins them.
	_ = g.Wait()

	embedded := 0
	for i := range chunks {
		if chunks[i].Embedding != nil {
			embedded++
		}
	}
	return chunks, embedded
}

// fail records the terminal failed status and returns the original error so
// the queue can decide whether to retry.
func (p *Processor) fail(itemID string, cause error) error {
	if err := p.store.FinalizeItem(itemID, storage.StatusFailed, 0); err != nil {
		p.logger.Error("recording failed status", "item_id", itemID, "error", err)
	}
	p.logger.Warn("extraction failed", "item_id", itemID, "error", cause)
	return cause
}
