// Package main is the entry point for the mcpbridge adapter shim. It spawns
// Xcode's native MCP server (`xcrun mcpbridge`), mirrors its tool catalog,
// and serves the adapted catalog over stdio; forwarded tool results gain the
// structuredContent field some MCP clients require.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/xcopilot/xcopilot/internal/common/logger"
	"github.com/xcopilot/xcopilot/internal/mcpbridge"
)

// Command-line flags
var (
	commandFlag   = flag.String("command", "xcrun", "native MCP server command")
	argsFlag      = flag.String("args", "mcpbridge", "space-separated arguments for the native server")
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

	command := getEnvOrFlag("MCPBRIDGE_COMMAND", *commandFlag)
	args := strings.Fields(getEnvOrFlag("MCPBRIDGE_ARGS", *argsFlag))

	log.Info("starting mcpbridge-shim",
		zap.String("command", command),
		zap.Strings("args", args))

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	upstream, err := mcpbridge.Dial(startCtx, command, args, log)
	if err != nil {
		log.Error("failed to reach native MCP server", zap.Error(err))
		os.Exit(1)
	}
	defer func() { _ = upstream.Close() }()

	srv, err := mcpbridge.BuildServer(startCtx, upstream, log)
	if err != nil {
		log.Error("failed to mirror tool catalog", zap.Error(err))
		os.Exit(1)
	}

	// Blocks until stdin closes; signal handling lives inside ServeStdio.
	if err := server.ServeStdio(srv); err != nil {
		log.Error("stdio server terminated", zap.Error(err))
		os.Exit(1)
	}
}

// getEnvOrFlag returns the environment variable value if set, otherwise the flag value.
func getEnvOrFlag(envKey, flagValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return flagValue
}
