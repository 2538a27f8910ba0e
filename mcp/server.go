// Package mcp exposes the sync client as MCP (Model Context Protocol) tools
// over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CharlySistemas23/possync"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server with possync tools.
type Server struct {
	client    *possync.Client
	mcpServer *server.MCPServer
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// NewServer creates a new MCP server with possync tools registered.
func NewServer(client *possync.Client) *Server {
	s := &Server{client: client}

	s.mcpServer = server.NewMCPServer(
		"possync",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()

	return s
}

// Run serves MCP over stdin/stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return []ToolInfo{
		{Name: "possync_status", Description: "Show session mode, pending mutations and the last drain report"},
		{Name: "possync_queue", Description: "List pending mutations in drain order"},
		{Name: "possync_drain", Description: "Run one drain pass against the server of record"},
		{Name: "possync_enqueue", Description: "Record a local mutation and queue it for sync"},
	}
}

// CallTool executes a tool by name with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	switch name {
	case "possync_status":
		return s.handleStatus(ctx, args)
	case "possync_queue":
		return s.handleQueue(ctx, args)
	case "possync_drain":
		return s.handleDrain(ctx, args)
	case "possync_enqueue":
		return s.handleEnqueue(ctx, args)
	default:
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("possync_status",
		mcp.WithDescription("Show the identity mode used for sync, the number of pending mutations and the most recent drain report."),
	), s.wrap(s.handleStatus))

	s.mcpServer.AddTool(mcp.NewTool("possync_queue",
		mcp.WithDescription("List pending mutations in the order they will be drained."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of entries to show (default: 20)"),
		),
	), s.wrap(s.handleQueue))

	s.mcpServer.AddTool(mcp.NewTool("possync_drain",
		mcp.WithDescription("Run one drain pass now. Requires a configured server URL."),
	), s.wrap(s.handleDrain))

	s.mcpServer.AddTool(mcp.NewTool("possync_enqueue",
		mcp.WithDescription("Record a local mutation and queue it for sync. With a record object the record is written to the local store first."),
		mcp.WithString("entity_type",
			mcp.Description("Entity type, e.g. sale, customer, product"),
			mcp.Required(),
		),
		mcp.WithString("entity_id",
			mcp.Description("Entity id. Generated as a local id when omitted for an upsert with a record."),
		),
		mcp.WithString("op",
			mcp.Description("Operation: upsert or delete (default: upsert)"),
		),
		mcp.WithObject("record",
			mcp.Description("Record fields to store locally before queueing"),
		),
	), s.wrap(s.handleEnqueue))
}

func (s *Server) wrap(h func(context.Context, map[string]any) (*ToolResult, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := h(ctx, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	}
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: r.Content},
		},
		IsError: r.IsError,
	}
}

func (s *Server) handleStatus(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	pending, err := s.client.Pending(ctx)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("status failed: %v", err), IsError: true}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Identity: %s\n", s.client.Session().Mode())
	fmt.Fprintf(&sb, "Pending: %d\n", len(pending))
	if until := s.client.Engine().CooldownUntil(); !until.IsZero() {
		fmt.Fprintf(&sb, "Cooling down until: %s\n", until.Format(time.RFC3339))
	}
	if last, ok := s.client.LastReport(); ok {
		sb.WriteString("Last drain:\n")
		sb.WriteString(formatReport(last))
	} else {
		sb.WriteString("Last drain: never\n")
	}
	return &ToolResult{Content: sb.String()}, nil
}

func (s *Server) handleQueue(ctx context.Context, args map[string]any) (*ToolResult, error) {
	limit := 20
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	pending, err := s.client.Pending(ctx)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("queue failed: %v", err), IsError: true}, nil
	}
	if len(pending) == 0 {
		return &ToolResult{Content: "Queue is empty."}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d pending mutations:\n", len(pending))
	for i, e := range pending {
		if i == limit {
			fmt.Fprintf(&sb, "  ... %d more\n", len(pending)-limit)
			break
		}
		fmt.Fprintf(&sb, "  %s %s %s (retries: %d)\n", e.Op, e.EntityType, e.EntityID, e.RetryCount)
	}
	return &ToolResult{Content: sb.String()}, nil
}

func (s *Server) handleDrain(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	report, err := s.client.Drain(ctx)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("drain failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: "Drain completed:\n" + formatReport(report)}, nil
}

func (s *Server) handleEnqueue(ctx context.Context, args map[string]any) (*ToolResult, error) {
	entityType, _ := args["entity_type"].(string)
	if entityType == "" {
		return &ToolResult{Content: "entity_type is required", IsError: true}, nil
	}
	entityID, _ := args["entity_id"].(string)

	op := possync.OpUpsert
	if v, ok := args["op"].(string); ok && v != "" {
		op = possync.Op(v)
	}
	if !op.IsValid() {
		return &ToolResult{Content: fmt.Sprintf("invalid op: %s", op), IsError: true}, nil
	}

	if fields, ok := args["record"].(map[string]any); ok && op == possync.OpUpsert {
		a, found := s.client.Registry().Lookup(entityType)
		if !found {
			return &ToolResult{Content: fmt.Sprintf("unknown entity type: %s", entityType), IsError: true}, nil
		}
		if entityID == "" {
			entityID = possync.NewLocalID()
		}
		rec := possync.Record(fields).Clone()
		rec["id"] = entityID
		if err := s.client.Store().Put(ctx, a.Table(), rec); err != nil {
			return &ToolResult{Content: fmt.Sprintf("store failed: %v", err), IsError: true}, nil
		}
	}

	if entityID == "" {
		return &ToolResult{Content: "entity_id is required", IsError: true}, nil
	}

	entry, err := s.client.Enqueue(ctx, entityType, entityID, op, nil)
	if err != nil {
		if errors.Is(err, possync.ErrInvalidOp) {
			return &ToolResult{Content: err.Error(), IsError: true}, nil
		}
		return &ToolResult{Content: fmt.Sprintf("enqueue failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Queued %s %s %s [%s]", entry.Op, entry.EntityType, entry.EntityID, entry.ID)}, nil
}

func formatReport(r possync.Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "  Succeeded: %d\n  Failed: %d\n  Remaining: %d\n", r.Succeeded, r.Failed, r.Remaining)
	if r.Dropped > 0 {
		fmt.Fprintf(&sb, "  Dropped: %d\n", r.Dropped)
	}
	if r.Aborted {
		sb.WriteString("  Aborted: no sync identity available\n")
	}
	if r.RateLimited {
		fmt.Fprintf(&sb, "  Rate limited, resuming at %s\n", r.ResumeAt.Format(time.RFC3339))
	}
	for _, f := range r.Failures {
		fmt.Fprintf(&sb, "    - %s %s: %s (%s)\n", f.EntityType, f.EntityID, f.Kind, truncate(f.Error, 100))
	}
	return sb.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
