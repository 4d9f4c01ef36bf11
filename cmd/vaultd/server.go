package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/draftaid/vaultd/internal/api"
	"github.com/draftaid/vaultd/internal/blob"
	"github.com/draftaid/vaultd/internal/config"
	"github.com/draftaid/vaultd/internal/embed"
	"github.com/draftaid/vaultd/internal/extract"
	"github.com/draftaid/vaultd/internal/queue"
	"github.com/draftaid/vaultd/internal/search"
	"github.com/draftaid/vaultd/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the vaultd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue status of a running vaultd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "vaultd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	files, err := blob.NewDirStore(filepath.Join(cfg.Storage.DataDir, "blobs"))
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	embedder := embed.New(cfg.Embedding.BaseURL, cfg.Embedding.Model, cfg.Embedding.Dimension)

	processor := extract.NewProcessor(store, files, embedder)
	q := queue.New(processor, queue.Config{
		BaseBackoff: cfg.Queue.BaseBackoff,
		MaxBackoff:  cfg.Queue.MaxBackoff,
		MaxRetries:  cfg.Queue.MaxRetries,
	})
	queue.SetDefault(q)
	defer queue.ResetDefault()

	// Reconcile against the durable store: anything left in an in-progress
	// status by an unclean shutdown goes back on the queue.
	if n, err := q.RecoverStalled(store); err != nil {
		return fmt.Errorf("recovering stalled extractions: %w", err)
	} else if n > 0 {
		slog.Info("re-enqueued stalled extractions", "count", n)
	}

	engine := search.NewEngine(store, embedder,
		search.WithDefaultLimit(cfg.Search.DefaultLimit),
		search.WithDefaultThreshold(cfg.Search.DefaultThreshold),
	)

	handler := api.NewHandler(api.Deps{
		Store:  store,
		Files:  files,
		Queue:  q,
		Engine: engine,
		Token:  cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("vaultd listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// MCP server on its own port.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Engine: engine})
	mcpHTTP := server.NewStreamableHTTPServer(mcpSrv)
	mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
	go func() {
		slog.Info("vaultd MCP listening", "addr", mcpAddr)
		if err := mcpHTTP.Start(mcpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	if err := mcpHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Warn("mcp shutdown", "error", err)
	}
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/status", cfg.Server.Port)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if cfg.Server.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Server.APIToken)
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Println("vaultd: not running")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var status struct {
		Queued   int `json:"queued"`
		InFlight int `json:"in_flight"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	fmt.Printf("vaultd: running\n  queued extractions:    %d\n  in-flight extractions: %d\n", status.Queued, status.InFlight)
	return nil
}
