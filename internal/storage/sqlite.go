package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding vault items and their chunks.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "vault.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database handle for tests and status probes.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Vault items ---

// CreateVaultItem persists a new item. Zero timestamps are filled with now,
// and an empty status defaults to pending.
func (s *Store) CreateVaultItem(item VaultItem) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = now
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	_, err := s.db.Exec(`
		INSERT INTO vault_items (id, project_id, user_id, filename, mime_type, extraction_status, chunk_count, blob_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ProjectID, item.UserID, item.Filename, item.MIMEType,
		string(item.Status), item.ChunkCount, item.BlobKey,
		item.CreatedAt.Format(time.RFC3339), item.UpdatedAt.Format(time.RFC3339),
	)
	return err
}

const itemColumns = `id, project_id, user_id, filename, mime_type, extraction_status, chunk_count, blob_key, created_at, updated_at, deleted_at`

func scanItem(row interface{ Scan(...any) error }) (VaultItem, error) {
	var item VaultItem
	var status, createdAt, updatedAt string
	var deletedAt sql.NullString
	err := row.Scan(&item.ID, &item.ProjectID, &item.UserID, &item.Filename, &item.MIMEType,
		&status, &item.ChunkCount, &item.BlobKey, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return VaultItem{}, err
	}
	item.Status = ExtractionStatus(status)
	if item.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return VaultItem{}, fmt.Errorf("parsing created_at for item %s: %w", item.ID, err)
	}
	if item.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return VaultItem{}, fmt.Errorf("parsing updated_at for item %s: %w", item.ID, err)
	}
	if deletedAt.Valid {
		t, err := time.Parse(time.RFC3339, deletedAt.String)
		if err != nil {
			return VaultItem{}, fmt.Errorf("parsing deleted_at for item %s: %w", item.ID, err)
		}
		item.DeletedAt = &t
	}
	return item, nil
}

// GetVaultItem returns the item with the given id, soft-deleted or not.
func (s *Store) GetVaultItem(id string) (VaultItem, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM vault_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return VaultItem{}, ErrNotFound
	}
	if err != nil {
		return VaultItem{}, err
	}
	return item, nil
}

// ListVaultItems returns non-deleted items for a project/user, newest first.
func (s *Store) ListVaultItems(projectID, userID string, limit, offset int) ([]VaultItem, error) {
	rows, err := s.db.Query(`
		SELECT `+itemColumns+` FROM vault_items
		WHERE project_id = ? AND user_id = ? AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		projectID, userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []VaultItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateItemStatus advances an item's extraction status.
func (s *Store) UpdateItemStatus(id string, status ExtractionStatus) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE vault_items SET extraction_status = ?, updated_at = ? WHERE id = ?`,
		string(status), now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeItem records the terminal status and chunk count of an extraction run.
func (s *Store) FinalizeItem(id string, status ExtractionStatus, chunkCount int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE vault_items SET extraction_status = ?, chunk_count = ?, updated_at = ? WHERE id = ?`,
		string(status), chunkCount, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteItem marks an item deleted. Idempotent for already-deleted items.
func (s *Store) SoftDeleteItem(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE vault_items SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish "already deleted" from "missing".
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM vault_items WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// ListItemIDsByStatus returns ids of items whose status is in statuses.
// When excludeDeleted is true, soft-deleted items are skipped. Used by the
// startup recovery pass to find extractions stranded by an unclean shutdown.
func (s *Store) ListItemIDsByStatus(statuses []ExtractionStatus, excludeDeleted bool) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	query := `SELECT id FROM vault_items WHERE extraction_status IN (?` +
		strings.Repeat(",?", len(statuses)-1) + `)`
	if excludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY created_at ASC`

	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying items by status: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Chunks ---

// ReplaceChunks atomically swaps an item's chunk set for a new one inside a
// single transaction, so a retried extraction can never leave stale or
// duplicate chunks behind.
func (s *Store) ReplaceChunks(itemID string, chunks []Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning replace transaction: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM chunks WHERE item_id = ?`, itemID); err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting prior chunks for %s: %w", itemID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (id, item_id, chunk_index, content, heading_context, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		var blob []byte
		if c.Embedding != nil {
			blob = encodeFloat32s(c.Embedding)
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(c.ID, itemID, c.ChunkIndex, c.Content, c.HeadingContext, blob, createdAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %d for %s: %w", c.ChunkIndex, itemID, err)
		}
	}

	return tx.Commit()
}

// GetChunks returns an item's chunks ordered by chunk_index.
func (s *Store) GetChunks(itemID string) ([]Chunk, error) {
	rows, err := s.db.Query(`
		SELECT id, item_id, chunk_index, content, heading_context, embedding, created_at
		FROM chunks WHERE item_id = ? ORDER BY chunk_index ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks for %s: %w", itemID, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var blob []byte
		var createdAt string
		if err := rows.Scan(&c.ID, &c.ItemID, &c.ChunkIndex, &c.Content, &c.HeadingContext, &blob, &createdAt); err != nil {
			return nil, err
		}
		if blob != nil {
			if c.Embedding, err = decodeFloat32s(blob); err != nil {
				return nil, fmt.Errorf("decoding embedding for chunk %d of %s: %w", c.ChunkIndex, itemID, err)
			}
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for chunk %d of %s: %w", c.ChunkIndex, itemID, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountChunks returns the number of chunks stored for an item.
func (s *Store) CountChunks(itemID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE item_id = ?`, itemID).Scan(&count)
	return count, err
}
