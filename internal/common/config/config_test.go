package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8123, cfg.Server.Port)
	assert.Equal(t, int64(50*1024*1024), cfg.Server.BodyLimit)
	assert.Equal(t, 0, cfg.Server.WriteTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Copilot.CLIUrl)
	assert.Empty(t, cfg.AllowedCliTools)
	assert.True(t, cfg.PermissionPolicy().All)
	assert.NotEmpty(t, cfg.Models)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
server:
  port: 9999
  bodyLimit: 1024
allowedCliTools: ["*"]
excludedFilePatterns: ["\\.env$"]
autoApprovePermissions:
  - shell
  - write
reasoningEffort: high
mcpServers:
  xcode-tools:
    command: xcrun
    args: [mcpbridge]
    allowedTools: ["*"]
models:
  - id: gpt-5
    displayName: GPT-5
    reasoningEffort: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, int64(1024), cfg.Server.BodyLimit)
	assert.Equal(t, []string{"*"}, cfg.AllowedCliTools)
	assert.Equal(t, "high", cfg.ReasoningEffort)

	policy := cfg.PermissionPolicy()
	assert.False(t, policy.All)
	assert.True(t, policy.Approves("shell"))
	assert.True(t, policy.Approves("write"))
	assert.False(t, policy.Approves("network"))

	require.Contains(t, cfg.MCPServers, "xcode-tools")
	assert.Equal(t, "xcrun", cfg.MCPServers["xcode-tools"].Command)
	assert.Equal(t, []string{"mcpbridge"}, cfg.MCPServers["xcode-tools"].Args)

	require.Len(t, cfg.Models, 1)
	assert.True(t, cfg.Models[0].ReasoningEffort)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("XCOPILOT_SERVER_PORT", "7070")
	t.Setenv("XCOPILOT_AUTO_APPROVE_PERMISSIONS", "false")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.False(t, cfg.PermissionPolicy().All)
	assert.False(t, cfg.PermissionPolicy().Approves("shell"))
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Run("bad regex", func(t *testing.T) {
		dir := t.TempDir()
		content := "excludedFilePatterns: [\"([\"]\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644))

		_, err := LoadWithPath(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid regex")
	})

	t.Run("bad reasoning effort", func(t *testing.T) {
		dir := t.TempDir()
		content := "reasoningEffort: extreme\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644))

		_, err := LoadWithPath(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reasoningEffort")
	})

	t.Run("mcp server without command", func(t *testing.T) {
		dir := t.TempDir()
		content := "mcpServers:\n  broken:\n    args: [x]\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644))

		_, err := LoadWithPath(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "command is required")
	})
}

func TestFindModel(t *testing.T) {
	cfg := &Config{Models: []ModelConfig{
		{ID: "gpt-5", ReasoningEffort: true},
		{ID: "gpt-4.1"},
	}}

	require.NotNil(t, cfg.FindModel("gpt-5"))
	assert.True(t, cfg.FindModel("gpt-5").ReasoningEffort)
	assert.Nil(t, cfg.FindModel("nope"))
}

func TestPermissionPolicyNormalization(t *testing.T) {
	cases := []struct {
		name  string
		value any
		all   bool
		kind  string
		want  bool
	}{
		{"bool true", true, true, "anything", true},
		{"bool false", false, false, "shell", false},
		{"string true", "true", true, "anything", true},
		{"single kind", "shell", false, "shell", true},
		{"list", []any{"shell", "write"}, false, "write", true},
		{"list miss", []any{"shell"}, false, "network", false},
		{"nil", nil, false, "shell", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{AutoApprovePermissions: tc.value}
			policy := cfg.PermissionPolicy()
			assert.Equal(t, tc.all, policy.All)
			assert.Equal(t, tc.want, policy.Approves(tc.kind))
		})
	}
}
