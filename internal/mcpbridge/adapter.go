package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/xcopilot/xcopilot/internal/common/logger"
)

// BuildServer mirrors the upstream tool catalog onto a new MCP server. Tools
// are registered with raw schemas so the upstream's schema survives the
// round trip; every call forwards to upstream and results gain
// structuredContent when missing.
func BuildServer(ctx context.Context, upstream Upstream, log *logger.Logger) (*server.MCPServer, error) {
	tools, err := upstream.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	s := server.NewMCPServer(
		"xcopilot-mcpbridge",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	for _, tool := range tools {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("failed to encode schema for %s: %w", tool.Name, err)
		}
		mirrored := mcp.NewToolWithRawSchema(tool.Name, tool.Description, ensureObjectSchema(schema))
		s.AddTool(mirrored, forwardHandler(upstream, tool.Name, log))
	}

	log.Info("mirrored native tool catalog", zap.Int("tools", len(tools)))
	return s, nil
}

// forwardHandler relays one tool call to the child and patches the result.
func forwardHandler(upstream Upstream, name string, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()

		result, err := upstream.CallTool(ctx, name, req.GetArguments())
		if err != nil {
			log.Warn("native tool call failed",
				zap.String("tool", name),
				zap.Error(err))
			return nil, err
		}

		log.Debug("native tool call completed",
			zap.String("tool", name),
			zap.Duration("duration", time.Since(start)),
			zap.Bool("is_error", result != nil && result.IsError))

		return withStructuredContent(result), nil
	}
}

// withStructuredContent backfills structuredContent from the first text
// item: JSON text is injected parsed, anything else is wrapped as {text}.
// Results that already carry structuredContent pass through untouched.
func withStructuredContent(result *mcp.CallToolResult) *mcp.CallToolResult {
	if result == nil || result.StructuredContent != nil {
		return result
	}

	for _, item := range result.Content {
		text, ok := item.(mcp.TextContent)
		if !ok {
			continue
		}

		var decoded any
		if err := json.Unmarshal([]byte(text.Text), &decoded); err == nil && decoded != nil {
			result.StructuredContent = decoded
		} else {
			result.StructuredContent = map[string]any{"text": text.Text}
		}
		break
	}
	return result
}

// ensureObjectSchema keeps empty object schemas explicit. Re-marshaling a
// typed schema drops an empty properties map, and some clients reject
// {"type":"object"} without one.
func ensureObjectSchema(schema json.RawMessage) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(schema, &m); err != nil {
		return schema
	}
	if m["type"] != "object" {
		return schema
	}
	if _, ok := m["properties"]; ok {
		return schema
	}

	m["properties"] = map[string]any{}
	patched, err := json.Marshal(m)
	if err != nil {
		return schema
	}
	return patched
}
