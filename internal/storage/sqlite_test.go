package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestItem(t *testing.T, s *Store, id string) VaultItem {
	t.Helper()
	item := VaultItem{
		ID:        id,
		ProjectID: "proj-1",
		UserID:    "user-1",
		Filename:  id + ".pdf",
		MIMEType:  "application/pdf",
		BlobKey:   "proj-1/" + id,
	}
	if err := s.CreateVaultItem(item); err != nil {
		t.Fatalf("creating item %s: %v", id, err)
	}
	return item
}

func TestCreateAndGetVaultItem(t *testing.T) {
	s := openTestStore(t)
	createTestItem(t, s, "item-1")

	got, err := s.GetVaultItem("item-1")
	if err != nil {
		t.Fatalf("GetVaultItem: %v", err)
	}
	if got.Filename != "item-1.pdf" {
		t.Errorf("filename = %q, want %q", got.Filename, "item-1.pdf")
	}
	if got.Status != StatusPending {
		t.Errorf("status = %q, want pending default", got.Status)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not filled")
	}
	if got.DeletedAt != nil {
		t.Error("new item should not be deleted")
	}
}

func TestGetVaultItem_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetVaultItem("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateItemStatus(t *testing.T) {
	s := openTestStore(t)
	createTestItem(t, s, "item-1")

	if err := s.UpdateItemStatus("item-1", StatusExtracting); err != nil {
		t.Fatalf("UpdateItemStatus: %v", err)
	}
	got, err := s.GetVaultItem("item-1")
	if err != nil {
		t.Fatalf("GetVaultItem: %v", err)
	}
	if got.Status != StatusExtracting {
		t.Errorf("status = %q, want extracting", got.Status)
	}

	if err := s.UpdateItemStatus("missing", StatusFailed); !errors.Is(err, ErrNotFound) {
		t.Errorf("updating missing item: err = %v, want ErrNotFound", err)
	}
}

func TestFinalizeItem(t *testing.T) {
	s := openTestStore(t)
	createTestItem(t, s, "item-1")

	if err := s.FinalizeItem("item-1", StatusSuccess, 7); err != nil {
		t.Fatalf("FinalizeItem: %v", err)
	}
	got, err := s.GetVaultItem("item-1")
	if err != nil {
		t.Fatalf("GetVaultItem: %v", err)
	}
	if got.Status != StatusSuccess || got.ChunkCount != 7 {
		t.Errorf("got status=%q chunks=%d, want success/7", got.Status, got.ChunkCount)
	}
}

func TestSoftDeleteItem(t *testing.T) {
	s := openTestStore(t)
	createTestItem(t, s, "item-1")

	if err := s.SoftDeleteItem("item-1"); err != nil {
		t.Fatalf("SoftDeleteItem: %v", err)
	}

	// Item and chunks survive the delete; only visibility changes.
	got, err := s.GetVaultItem("item-1")
	if err != nil {
		t.Fatalf("GetVaultItem after delete: %v", err)
	}
	if got.DeletedAt == nil {
		t.Fatal("deleted_at not set")
	}

	// Deleting again is a no-op, not an error.
	if err := s.SoftDeleteItem("item-1"); err != nil {
		t.Errorf("second delete: %v", err)
	}

	if err := s.SoftDeleteItem("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleting missing item: err = %v, want ErrNotFound", err)
	}
}

func TestListVaultItems_ExcludesDeleted(t *testing.T) {
	s := openTestStore(t)
	createTestItem(t, s, "item-1")
	createTestItem(t, s, "item-2")
	if err := s.SoftDeleteItem("item-1"); err != nil {
		t.Fatalf("SoftDeleteItem: %v", err)
	}

	items, err := s.ListVaultItems("proj-1", "user-1", 50, 0)
	if err != nil {
		t.Fatalf("ListVaultItems: %v", err)
	}
	if len(items) != 1 || items[0].ID != "item-2" {
		t.Fatalf("got %d items, want only item-2", len(items))
	}
}

func TestListVaultItems_ScopedToProjectAndUser(t *testing.T) {
	s := openTestStore(t)
	createTestItem(t, s, "item-1")

	other := VaultItem{ID: "item-2", ProjectID: "proj-2", UserID: "user-1", Filename: "x.txt", MIMEType: "text/plain"}
	if err := s.CreateVaultItem(other); err != nil {
		t.Fatalf("creating item: %v", err)
	}

	items, err := s.ListVaultItems("proj-1", "user-1", 50, 0)
	if err != nil {
		t.Fatalf("ListVaultItems: %v", err)
	}
	if len(items) != 1 || items[0].ID != "item-1" {
		t.Fatalf("got %d items, want only item-1", len(items))
	}
}

func TestListItemIDsByStatus(t *testing.T) {
	s := openTestStore(t)

	// created_at ordering needs distinct timestamps at RFC3339 resolution.
	base := time.Now().UTC().Add(-time.Minute)
	for i, st := range []ExtractionStatus{StatusPending, StatusEmbedding, StatusSuccess, StatusExtracting} {
		id := []string{"a", "b", "c", "d"}[i]
		item := VaultItem{
			ID: id, ProjectID: "proj-1", UserID: "user-1",
			Filename: id + ".txt", MIMEType: "text/plain",
			Status:    st,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateVaultItem(item); err != nil {
			t.Fatalf("creating item %s: %v", id, err)
		}
	}
	if err := s.SoftDeleteItem("d"); err != nil {
		t.Fatalf("SoftDeleteItem: %v", err)
	}

	ids, err := s.ListItemIDsByStatus(InProgressStatuses, true)
	if err != nil {
		t.Fatalf("ListItemIDsByStatus: %v", err)
	}
	// a (pending) and b (embedding); c is terminal and d is deleted.
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("ids = %v, want [a b]", ids)
	}

	ids, err = s.ListItemIDsByStatus(nil, true)
	if err != nil {
		t.Fatalf("ListItemIDsByStatus(nil): %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("empty status set returned %v", ids)
	}
}

func TestReplaceChunks(t *testing.T) {
	s := openTestStore(t)
	createTestItem(t, s, "item-1")

	first := []Chunk{
		{ID: "c1", ItemID: "item-1", ChunkIndex: 0, Content: "old zero", Embedding: []float32{1, 0}},
		{ID: "c2", ItemID: "item-1", ChunkIndex: 1, Content: "old one", Embedding: []float32{0, 1}},
		{ID: "c3", ItemID: "item-1", ChunkIndex: 2, Content: "old two"},
	}
	if err := s.ReplaceChunks("item-1", first); err != nil {
		t.Fatalf("first ReplaceChunks: %v", err)
	}

	second := []Chunk{
		{ID: "c4", ItemID: "item-1", ChunkIndex: 0, Content: "new zero", Embedding: []float32{0.5, 0.5}},
	}
	if err := s.ReplaceChunks("item-1", second); err != nil {
		t.Fatalf("second ReplaceChunks: %v", err)
	}

	chunks, err := s.GetChunks("item-1")
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks after replacement, want 1", len(chunks))
	}
	if chunks[0].Content != "new zero" {
		t.Errorf("content = %q, want replacement content", chunks[0].Content)
	}
	if len(chunks[0].Embedding) != 2 || chunks[0].Embedding[0] != 0.5 {
		t.Errorf("embedding did not survive round trip: %v", chunks[0].Embedding)
	}

	count, err := s.CountChunks("item-1")
	if err != nil {
		t.Fatalf("CountChunks: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestReplaceChunks_NilEmbeddingStoredAsNull(t *testing.T) {
	s := openTestStore(t)
	createTestItem(t, s, "item-1")

	chunks := []Chunk{{ID: "c1", ItemID: "item-1", ChunkIndex: 0, Content: "no vector"}}
	if err := s.ReplaceChunks("item-1", chunks); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	got, err := s.GetChunks("item-1")
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if got[0].Embedding != nil {
		t.Errorf("embedding = %v, want nil", got[0].Embedding)
	}
}

func TestReplaceChunks_DuplicateIndexRollsBack(t *testing.T) {
	s := openTestStore(t)
	createTestItem(t, s, "item-1")

	good := []Chunk{{ID: "c1", ItemID: "item-1", ChunkIndex: 0, Content: "keep me"}}
	if err := s.ReplaceChunks("item-1", good); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	bad := []Chunk{
		{ID: "c2", ItemID: "item-1", ChunkIndex: 0, Content: "dup a"},
		{ID: "c3", ItemID: "item-1", ChunkIndex: 0, Content: "dup b"},
	}
	if err := s.ReplaceChunks("item-1", bad); err == nil {
		t.Fatal("expected unique constraint violation")
	}

	// The failed transaction must not have destroyed the prior chunk set.
	chunks, err := s.GetChunks("item-1")
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Content != "keep me" {
		t.Fatalf("prior chunks lost after rollback: %+v", chunks)
	}
}
