// Package main is the entry point for the MCP passthrough shim. The Copilot
// CLI launches this binary as a stdio MCP server; every tools/list and
// tools/call is forwarded over HTTP to the xcopilot proxy, which serves the
// Xcode tool catalog and parks tool calls until Xcode posts results.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/xcopilot/xcopilot/internal/common/logger"
	"github.com/xcopilot/xcopilot/internal/shim"
)

const defaultPort = 8123

// Command-line flags
var (
	portFlag      = flag.Int("port", 0, "xcopilot proxy port (overrides MCP_SERVER_PORT)")
	logLevelFlag  = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormatFlag = flag.String("log-format", "console", "Log format (console, json)")
)

func main() {
	flag.Parse()

	// stdout carries the protocol; all logging goes to stderr.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      *logLevelFlag,
		Format:     *logFormatFlag,
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	port := resolvePort()
	log.Info("starting mcp-shim", zap.Int("port", port))

	bridge := shim.New(shim.Config{
		BaseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
	}, os.Stdin, os.Stdout, log)

	if err := bridge.Run(); err != nil {
		log.Error("shim terminated", zap.Error(err))
		os.Exit(1)
	}
}

// resolvePort prefers the --port flag, then MCP_SERVER_PORT, then the proxy
// default.
func resolvePort() int {
	if *portFlag > 0 {
		return *portFlag
	}
	if v := os.Getenv("MCP_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			return port
		}
	}
	return defaultPort
}
