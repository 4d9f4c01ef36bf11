// Package api exposes the vault over HTTP and MCP. Every route is thin glue:
// persist, enqueue, or query, then encode. The scheduling and ranking logic
// lives in internal/queue and internal/search.
package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/draftaid/vaultd/internal/blob"
	"github.com/draftaid/vaultd/internal/search"
	"github.com/draftaid/vaultd/internal/storage"
)

const maxUploadSize = 25 << 20 // 25MB

// Enqueuer is the queue surface upload handling needs.
type Enqueuer interface {
	Enqueue(itemID string)
	Stats() (queued, inFlight int)
}

// Deps holds the collaborators the vault routes need.
type Deps struct {
	Store  *storage.Store
	Files  blob.FileStore
	Queue  Enqueuer
	Engine *search.Engine
	Token  string
}

// NewHandler builds the vault router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Route("/projects/{projectID}/vault", func(r chi.Router) {
		r.Post("/", handleUpload(deps))
		r.Get("/", handleList(deps))
		r.Post("/search", handleSearch(deps))
		r.Get("/{itemID}", handleGetItem(deps))
		r.Delete("/{itemID}", handleDelete(deps))
	})
	r.Get("/status", handleStatus(deps))

	return r
}

// userID resolves the acting user. Authentication proper is handled upstream;
// the scoping header is all the vault needs.
func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "local"
}

type uploadResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// handleUpload persists a pending item, stores the original bytes, and hands
// the item id to the extraction queue. It returns immediately; extraction
// proceeds asynchronously.
func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file field is required")
			return
		}
		defer file.Close()

		mimeType := header.Header.Get("Content-Type")
		if mimeType == "" || mimeType == "application/octet-stream" {
			if byExt := mime.TypeByExtension(filepath.Ext(header.Filename)); byExt != "" {
				mimeType = byExt
			}
		}
		if mimeType == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "could not determine content type for %q", header.Filename)
			return
		}

		itemID := uuid.New().String()
		blobKey := projectID + "/" + itemID

		if err := deps.Files.Save(r.Context(), blobKey, file); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store file: %v", err)
			return
		}

		item := storage.VaultItem{
			ID:        itemID,
			ProjectID: projectID,
			UserID:    userID(r),
			Filename:  header.Filename,
			MIMEType:  mimeType,
			Status:    storage.StatusPending,
			BlobKey:   blobKey,
		}
		if err := deps.Store.CreateVaultItem(item); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save vault item: %v", err)
			return
		}

		deps.Queue.Enqueue(itemID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(uploadResponse{ID: itemID, Status: string(storage.StatusPending)})
	}
}

type itemResponse struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	MIMEType   string `json:"mime_type"`
	Status     string `json:"extraction_status"`
	ChunkCount int    `json:"chunk_count"`
	CreatedAt  string `json:"created_at"`
}

func toItemResponse(item storage.VaultItem) itemResponse {
	return itemResponse{
		ID:         item.ID,
		Filename:   item.Filename,
		MIMEType:   item.MIMEType,
		Status:     string(item.Status),
		ChunkCount: item.ChunkCount,
		CreatedAt:  item.CreatedAt.Format(time.RFC3339),
	}
}

func handleList(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")
		limit := parseIntParam(r, "limit", 50, 200)
		offset := parseIntParam(r, "offset", 0, 0)

		items, err := deps.Store.ListVaultItems(projectID, userID(r), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list vault items: %v", err)
			return
		}

		resp := make([]itemResponse, len(items))
		for i, item := range items {
			resp[i] = toItemResponse(item)
		}
		writeJSON(w, resp)
	}
}

func handleGetItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "itemID")

		item, err := deps.Store.GetVaultItem(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "vault item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get vault item: %v", err)
			return
		}
		if item.DeletedAt != nil {
			httpError(w, http.StatusNotFound, "not_found", "vault item not found")
			return
		}

		writeJSON(w, toItemResponse(item))
	}
}

// handleDelete soft-deletes; hard deletion happens later via the external
// grace-period cleanup job, so the blob stays in place too.
func handleDelete(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "itemID")

		err := deps.Store.SoftDeleteItem(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "vault item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete vault item: %v", err)
			return
		}

		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

type searchRequest struct {
	Query     string   `json:"query"`
	Mode      string   `json:"mode"`
	Limit     int      `json:"limit"`
	Threshold *float64 `json:"threshold"` // absent means the engine default; 0 disables the floor
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")

		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}

		results, err := deps.Engine.Search(r.Context(), projectID, userID(r), req.Query, search.Options{
			Mode:      search.Mode(req.Mode),
			Limit:     req.Limit,
			Threshold: req.Threshold,
		})
		if errors.Is(err, search.ErrInvalidMode) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}

		if results == nil {
			results = []search.Result{}
		}
		writeJSON(w, results)
	}
}

type statusResponse struct {
	Queued   int `json:"queued"`
	InFlight int `json:"in_flight"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queued, inFlight := deps.Queue.Stats()
		writeJSON(w, statusResponse{Queued: queued, InFlight: inFlight})
	}
}
