package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mstolbov/corpusd/internal/sources"
	"github.com/mstolbov/corpusd/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store      *storage.Store
	Sources    *sources.Manager
	Retriever  Querier
	Health     HealthReporter
	MaxRetries int
}

// NewMCPServer creates an MCP server exposing the knowledge base to agent
// clients over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.MaxRetries <= 0 {
		deps.MaxRetries = 3
	}

	s := server.NewMCPServer(
		"corpusd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("corpusd — source-ranked document knowledge base for ingestion and retrieval."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ingest_document",
			mcp.WithDescription("Store a document in the knowledge base and queue it for chunking and embedding."),
			mcp.WithString("content", mcp.Description("The document text to ingest"), mcp.Required()),
			mcp.WithString("source_id", mcp.Description("Registered knowledge source id"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Optional document title")),
			mcp.WithString("owner_id", mcp.Description("Owner identity for scoped retrieval")),
		),
		mcpIngestDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge",
			mcp.WithDescription("Semantically search the knowledge base; results are re-ranked by source priority and credibility."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("owner_id", mcp.Description("Owner identity for scoped retrieval")),
		),
		mcpSearchKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_status",
			mcp.WithDescription("Report ingestion queue depth by state and whether processing is active."),
		),
		mcpQueueStatus(deps),
	)

	return s
}

func mcpIngestDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		sourceID, err := req.RequireString("source_id")
		if err != nil {
			return mcpError("source_id is required"), nil
		}
		if _, err := deps.Sources.Get(sourceID); err != nil {
			return mcpError(fmt.Sprintf("unknown source %q", sourceID)), nil
		}

		doc := storage.Document{
			ID:       uuid.New().String(),
			Title:    req.GetString("title", ""),
			Content:  content,
			OwnerID:  req.GetString("owner_id", ""),
			Type:     storage.DocTypeDocument,
			SourceID: sourceID,
		}
		if err := deps.Store.SaveDocument(doc); err != nil {
			return mcpError(fmt.Sprintf("failed to save document: %v", err)), nil
		}
		if err := deps.Store.Enqueue(doc.ID, deps.MaxRetries); err != nil {
			return mcpError(fmt.Sprintf("saved document but failed to queue processing: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Queued document %s for ingestion", doc.ID)), nil
	}
}

func mcpSearchKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		resp, err := deps.Retriever.Retrieve(ctx, query, req.GetString("owner_id", ""), sources.QueryContext{})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(resp.Results) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(resp.Results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpQueueStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		h, err := deps.Health.Health()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read queue health: %v", err)), nil
		}
		b, err := json.Marshal(h)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal health: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
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
