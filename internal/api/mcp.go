package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/draftaid/vaultd/internal/search"
	"github.com/draftaid/vaultd/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  *storage.Store
	Engine *search.Engine
}

// NewMCPServer creates an MCP server exposing the vault to the assistant.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"vaultd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("vaultd — knowledge vault of uploaded reference files, searchable by semantic similarity, keywords, or both."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("vault_search",
			mcp.WithDescription("Search a project's knowledge vault and return ranked text chunks."),
			mcp.WithString("project_id", mcp.Description("Project whose vault to search"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("mode", mcp.Description("Retrieval mode: semantic, keyword, or hybrid (default hybrid)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpVaultSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("vault_status",
			mcp.WithDescription("Report the extraction status and chunk count of a vault item."),
			mcp.WithString("item_id", mcp.Description("Vault item id"), mcp.Required()),
		),
		mcpVaultStatus(deps),
	)

	return s
}

func mcpVaultSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		mode := req.GetString("mode", string(search.ModeHybrid))
		limit := req.GetInt("limit", 0)
		if limit > 50 {
			limit = 50
		}

		results, err := deps.Engine.Search(ctx, projectID, "local", query, search.Options{
			Mode:  search.Mode(mode),
			Limit: limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(results) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(results)
	}
}

func mcpVaultStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		itemID, err := req.RequireString("item_id")
		if err != nil {
			return mcpError("item_id is required"), nil
		}

		item, err := deps.Store.GetVaultItem(itemID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("vault item not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load item: %v", err)), nil
		}

		return mcpJSON(toItemResponse(item))
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
