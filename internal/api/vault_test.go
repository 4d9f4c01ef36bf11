package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/draftaid/vaultd/internal/blob"
	"github.com/draftaid/vaultd/internal/search"
	"github.com/draftaid/vaultd/internal/storage"
)

type fakeQueue struct {
	enqueued []string
	queued   int
	inFlight int
}

func (f *fakeQueue) Enqueue(itemID string) { f.enqueued = append(f.enqueued, itemID) }

func (f *fakeQueue) Stats() (int, int) { return f.queued, f.inFlight }

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

type testEnv struct {
	store  *storage.Store
	queue  *fakeQueue
	server http.Handler
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	files, err := blob.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating blob store: %v", err)
	}

	q := &fakeQueue{}
	engine := search.NewEngine(store, stubEmbedder{})

	handler := NewHandler(Deps{
		Store:  store,
		Files:  files,
		Queue:  q,
		Engine: engine,
		Token:  token,
	})
	return &testEnv{store: store, queue: q, server: handler}
}

func multipartBody(t *testing.T, filename, contentType, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(map[string][]string)
	hdr["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
	if contentType != "" {
		hdr["Content-Type"] = []string{contentType}
	}
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("creating part: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("writing part: %v", err)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUpload_CreatesPendingItemAndEnqueues(t *testing.T) {
	env := newTestEnv(t, "")

	body, contentType := multipartBody(t, "notes.md", "text/markdown", "# Title\n\nbody")
	req := httptest.NewRequest(http.MethodPost, "/projects/proj-1/vault/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "pending" {
		t.Errorf("status = %q, want pending", resp.Status)
	}

	if len(env.queue.enqueued) != 1 || env.queue.enqueued[0] != resp.ID {
		t.Errorf("enqueued = %v, want [%s]", env.queue.enqueued, resp.ID)
	}

	item, err := env.store.GetVaultItem(resp.ID)
	if err != nil {
		t.Fatalf("GetVaultItem: %v", err)
	}
	if item.Status != storage.StatusPending || item.Filename != "notes.md" {
		t.Errorf("item = %+v", item)
	}
	if item.BlobKey != "proj-1/"+resp.ID {
		t.Errorf("blob key = %q", item.BlobKey)
	}
}

func TestUpload_InfersMIMEFromExtension(t *testing.T) {
	env := newTestEnv(t, "")

	body, contentType := multipartBody(t, "report.pdf", "application/octet-stream", "%PDF-fake")
	req := httptest.NewRequest(http.MethodPost, "/projects/proj-1/vault/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	item, err := env.store.GetVaultItem(env.queue.enqueued[0])
	if err != nil {
		t.Fatalf("GetVaultItem: %v", err)
	}
	if item.MIMEType != "application/pdf" {
		t.Errorf("mime = %q, want application/pdf", item.MIMEType)
	}
}

func TestUpload_MissingFileField(t *testing.T) {
	env := newTestEnv(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("other", "value")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/projects/proj-1/vault/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListAndGetItem(t *testing.T) {
	env := newTestEnv(t, "")
	seedItem(t, env.store, "item-1", "proj-1", "local")

	req := httptest.NewRequest(http.MethodGet, "/projects/proj-1/vault/", nil)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var items []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&items); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}

	req = httptest.NewRequest(http.MethodGet, "/projects/proj-1/vault/item-1", nil)
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/projects/proj-1/vault/missing", nil)
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing item status = %d, want 404", rec.Code)
	}
}

func TestDelete_HidesItem(t *testing.T) {
	env := newTestEnv(t, "")
	seedItem(t, env.store, "item-1", "proj-1", "local")

	req := httptest.NewRequest(http.MethodDelete, "/projects/proj-1/vault/item-1", nil)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	// Deleted items 404 on direct get.
	req = httptest.NewRequest(http.MethodGet, "/projects/proj-1/vault/item-1", nil)
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", rec.Code)
	}
}

func TestSearch_KeywordModeReturnsResults(t *testing.T) {
	env := newTestEnv(t, "")
	seedItem(t, env.store, "item-1", "proj-1", "local")
	if err := env.store.ReplaceChunks("item-1", []storage.Chunk{
		{ID: "c1", ChunkIndex: 0, Content: "annual budget overview"},
	}); err != nil {
		t.Fatalf("seeding chunks: %v", err)
	}

	rec := doSearch(t, env, `{"query": "budget", "mode": "keyword"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var results []search.Result
	if err := json.NewDecoder(rec.Body).Decode(&results); err != nil {
		t.Fatalf("decoding results: %v", err)
	}
	if len(results) != 1 || results[0].ItemID != "item-1" {
		t.Fatalf("results = %+v", results)
	}
}

func TestSearch_EmptyResultsEncodeAsArray(t *testing.T) {
	env := newTestEnv(t, "")

	rec := doSearch(t, env, `{"query": "nothing", "mode": "keyword"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want empty array", got)
	}
}

func TestSearch_InvalidModeIs400(t *testing.T) {
	env := newTestEnv(t, "")

	rec := doSearch(t, env, `{"query": "q", "mode": "bogus"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestSearch_MissingQueryIs400(t *testing.T) {
	env := newTestEnv(t, "")

	rec := doSearch(t, env, `{"mode": "keyword"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStatus_ReportsQueueDepth(t *testing.T) {
	env := newTestEnv(t, "")
	env.queue.queued = 4
	env.queue.inFlight = 1

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Queued   int `json:"queued"`
		InFlight int `json:"in_flight"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.Queued != 4 || resp.InFlight != 1 {
		t.Errorf("resp = %+v, want 4/1", resp)
	}
}

func TestBearerAuth(t *testing.T) {
	env := newTestEnv(t, "secret-token")

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, want 200", rec.Code)
	}
}

func doSearch(t *testing.T, env *testEnv, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/projects/proj-1/vault/search", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	return rec
}

func seedItem(t *testing.T, s *storage.Store, id, projectID, uid string) {
	t.Helper()
	item := storage.VaultItem{
		ID:        id,
		ProjectID: projectID,
		UserID:    uid,
		Filename:  id + ".txt",
		MIMEType:  "text/plain",
	}
	if err := s.CreateVaultItem(item); err != nil {
		t.Fatalf("seeding item %s: %v", id, err)
	}
}
