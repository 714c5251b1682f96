// Package mcpbridge adapts Xcode's native MCP server (launched via `xcrun
// mcpbridge`) for MCP clients that require structuredContent on tool
// results. The adapter spawns the native server as a child process, mirrors
// its tool catalog on a stdio server of its own, forwards every call, and
// backfills structuredContent from the first text item when the child's
// result lacks it.
package mcpbridge

import (
	"context"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/xcopilot/xcopilot/internal/common/logger"
)

// Upstream is the slice of the child MCP server the adapter consumes.
type Upstream interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, arguments any) (*mcp.CallToolResult, error)
	Close() error
}

// stdioUpstream wraps a mark3labs stdio client bound to the child process.
type stdioUpstream struct {
	client *mcpclient.Client
}

// Dial spawns the child MCP server and completes the initialize handshake.
// The transport is started with context.Background() so its lifetime is
// bound to Close rather than to the dial context.
func Dial(ctx context.Context, command string, args []string, log *logger.Logger) (Upstream, error) {
	tr := mcptransport.NewStdio(command, nil, args...)
	c := mcpclient.NewClient(tr)

	if err := c.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	result, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "xcopilot-mcpbridge",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize failed: %w", err)
	}

	log.Info("connected to native MCP server",
		zap.String("command", command),
		zap.Strings("args", args),
		zap.String("server", result.ServerInfo.Name),
		zap.String("server_version", result.ServerInfo.Version))

	return &stdioUpstream{client: c}, nil
}

func (u *stdioUpstream) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	result, err := u.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools failed: %w", err)
	}
	return result.Tools, nil
}

func (u *stdioUpstream) CallTool(ctx context.Context, name string, arguments any) (*mcp.CallToolResult, error) {
	return u.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: arguments,
		},
	})
}

func (u *stdioUpstream) Close() error {
	return u.client.Close()
}
