package session

import (
	"fmt"
	"strings"

	"github.com/xcopilot/xcopilot/internal/common/config"
)

const (
	// BridgeServerName is the synthetic MCP server the proxy registers so
	// tool calls route back through its own bridge endpoints.
	BridgeServerName = "xcode-bridge"

	// BridgeToolPrefix is prepended by the session library to tools served
	// by the bridge MCP server.
	BridgeToolPrefix = BridgeServerName + "-"
)

// userInputRefusal answers any interactive question the session library asks;
// the proxy has no user to forward it to.
const userInputRefusal = "User input is not available. Continue with your best judgment."

// MCPServer describes one MCP server entry in the session config.
type MCPServer struct {
	Type    string
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	Tools   []string
}

// Config is the full parameter set for launching one session.
type Config struct {
	Model            string
	SystemMessage    string
	WorkingDirectory string
	Streaming        bool
	InfiniteSessions bool
	MCPServers       map[string]MCPServer

	// AvailableTools restricts built-in CLI tools; nil leaves them all on.
	AvailableTools []string

	// ReasoningEffort is set only when configured and the model supports it.
	ReasoningEffort string

	// OnUserInputRequest answers interactive questions from the model.
	OnUserInputRequest func(question string) string

	// OnPermissionRequest approves or denies a permission kind.
	OnPermissionRequest func(kind string) bool

	// OnPreToolUse gates every tool invocation by name.
	OnPreToolUse func(toolName string) bool
}

// BuildParams are the inputs to BuildConfig.
type BuildParams struct {
	Model                   string
	SystemMessage           string
	Settings                *config.Config
	SupportsReasoningEffort bool
	WorkingDirectory        string
	HasToolBridge           bool
	Port                    int
	ConversationID          string
}

// BuildConfig derives the session config from server settings. Pure: no IO,
// no stored state beyond the returned closures.
func BuildConfig(p BuildParams) Config {
	cfg := Config{
		Model:            p.Model,
		SystemMessage:    p.SystemMessage,
		WorkingDirectory: p.WorkingDirectory,
		Streaming:        true,
		InfiniteSessions: true,
		MCPServers:       make(map[string]MCPServer),
	}

	for name, srv := range p.Settings.MCPServers {
		cfg.MCPServers[name] = MCPServer{
			Type:    "local",
			Command: srv.Command,
			Args:    append([]string(nil), srv.Args...),
			Env:     srv.Env,
			Tools:   []string{"*"},
		}
	}

	if p.HasToolBridge {
		cfg.MCPServers[BridgeServerName] = MCPServer{
			Type:  "http",
			URL:   fmt.Sprintf("http://127.0.0.1:%d/mcp/%s", p.Port, p.ConversationID),
			Tools: []string{"*"},
		}
	} else if len(p.Settings.AllowedCliTools) > 0 {
		cfg.AvailableTools = append([]string(nil), p.Settings.AllowedCliTools...)
	}

	if p.Settings.ReasoningEffort != "" && p.SupportsReasoningEffort {
		cfg.ReasoningEffort = p.Settings.ReasoningEffort
	}

	cfg.OnUserInputRequest = func(string) string {
		return userInputRefusal
	}

	policy := p.Settings.PermissionPolicy()
	cfg.OnPermissionRequest = policy.Approves

	cfg.OnPreToolUse = preToolUseGate(p.Settings)

	return cfg
}

// preToolUseGate allows bridge traffic, explicitly allowed CLI tools, and
// tools allowlisted on any configured MCP server. Everything else is denied.
func preToolUseGate(settings *config.Config) func(string) bool {
	cliTools := make(map[string]bool, len(settings.AllowedCliTools))
	cliWildcard := false
	for _, name := range settings.AllowedCliTools {
		if name == "*" {
			cliWildcard = true
			continue
		}
		cliTools[name] = true
	}

	serverTools := make(map[string]bool)
	serverWildcard := false
	for _, srv := range settings.MCPServers {
		for _, name := range srv.AllowedTools {
			if name == "*" {
				serverWildcard = true
				continue
			}
			serverTools[name] = true
		}
	}

	return func(toolName string) bool {
		if strings.HasPrefix(toolName, BridgeToolPrefix) {
			return true
		}
		if cliWildcard || cliTools[toolName] {
			return true
		}
		if serverWildcard || serverTools[toolName] {
			return true
		}
		return false
	}
}
