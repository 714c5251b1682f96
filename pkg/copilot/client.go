// Package copilot binds the GitHub Copilot SDK to the proxy's session
// surface. This is a thin wrapper around github.com/github/copilot-sdk/go.
//
// When CLIUrl is configured, the SDK connects to an externally managed
// Copilot CLI server via TCP (JSON-RPC). Otherwise, the SDK spawns and
// manages the CLI process internally via stdio.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/github/copilot-sdk/go"
	"go.uber.org/zap"

	"github.com/xcopilot/xcopilot/internal/common/config"
	"github.com/xcopilot/xcopilot/internal/common/logger"
	"github.com/xcopilot/xcopilot/internal/session"
)

// Client wraps the Copilot SDK client and launches proxy sessions on it. It
// implements session.Launcher.
type Client struct {
	logger   *logger.Logger
	cliURL   string
	logLevel string

	mu        sync.Mutex
	sdkClient *copilot.Client
	started   bool
}

// NewClient creates the client wrapper from the copilot config section.
func NewClient(cfg config.CopilotConfig, log *logger.Logger) *Client {
	logLevel := cfg.LogLevel
	if logLevel == "" {
		logLevel = "error"
	}
	return &Client{
		logger:   log.WithFields(zap.String("component", "copilot-sdk-client")),
		cliURL:   cfg.CLIUrl,
		logLevel: logLevel,
	}
}

// Start initializes the Copilot SDK client. The SDK's AutoStart defers the
// actual connection (or CLI spawn) to the first CreateSession call.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("client already started")
	}

	c.logger.Info("starting Copilot SDK client", zap.String("cli_url", c.cliURL))

	if c.cliURL != "" {
		c.sdkClient = copilot.NewClient(&copilot.ClientOptions{
			CLIUrl:   c.cliURL,
			LogLevel: c.logLevel,
		})
	} else {
		c.sdkClient = copilot.NewClient(nil)
	}

	c.started = true
	return nil
}

// Stop shuts down the SDK client and whatever CLI process it manages.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}

	c.logger.Info("stopping Copilot SDK client")

	var errs []error
	if c.sdkClient != nil {
		errs = c.sdkClient.Stop()
		c.sdkClient = nil
	}
	c.started = false
	return errors.Join(errs...)
}

// NewSession creates one SDK session from the proxy config and wraps it as a
// session.Session. The permission handler composed here enforces the
// config's kind policy and per-tool gate; the SDK itself has no availableTools
// parameter, so the gate is the enforcement point for that list too.
func (c *Client) NewSession(ctx context.Context, cfg session.Config) (session.Session, error) {
	c.mu.Lock()
	sdkClient := c.sdkClient
	started := c.started
	c.mu.Unlock()

	if !started || sdkClient == nil {
		return nil, fmt.Errorf("client not started")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := newSession(c.logger, cfg)

	c.logger.Info("creating session",
		zap.String("model", cfg.Model),
		zap.Int("mcp_servers", len(cfg.MCPServers)),
		zap.Bool("streaming", cfg.Streaming))
	if cfg.ReasoningEffort != "" {
		c.logger.Debug("reasoning effort requested", zap.String("effort", cfg.ReasoningEffort))
	}
	if cfg.WorkingDirectory != "" {
		c.logger.Debug("working directory hint", zap.String("dir", cfg.WorkingDirectory))
	}

	sdkSession, err := sdkClient.CreateSession(&copilot.SessionConfig{
		Model:               cfg.Model,
		Streaming:           cfg.Streaming,
		OnPermissionRequest: s.handlePermission,
		MCPServers:          mcpServersToSDK(cfg.MCPServers),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.attach(sdkSession)
	c.logger.Info("session created", zap.String("session_id", sdkSession.SessionID))
	return s, nil
}

// mcpServersToSDK converts proxy MCP server entries to the SDK's map shape.
func mcpServersToSDK(servers map[string]session.MCPServer) map[string]copilot.MCPServerConfig {
	if len(servers) == 0 {
		return nil
	}
	result := make(map[string]copilot.MCPServerConfig, len(servers))
	for name, srv := range servers {
		tools := srv.Tools
		if len(tools) == 0 {
			tools = []string{"*"}
		}
		cfg := copilot.MCPServerConfig{
			"tools": tools,
		}
		switch srv.Type {
		case "sse":
			cfg["type"] = "sse"
			cfg["url"] = srv.URL
		case "http":
			cfg["type"] = "http"
			cfg["url"] = srv.URL
		default: // stdio / local
			cfg["type"] = "local"
			cfg["command"] = srv.Command
			if len(srv.Args) > 0 {
				cfg["args"] = srv.Args
			}
			if len(srv.Env) > 0 {
				cfg["env"] = srv.Env
			}
		}
		result[name] = cfg
	}
	return result
}
