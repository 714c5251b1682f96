package prompt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xcopilot/xcopilot/pkg/anthropic"
)

func TestFormatBasicConversation(t *testing.T) {
	f, err := NewFormatter(nil)
	require.NoError(t, err)

	messages := []anthropic.Message{
		{Role: anthropic.RoleUser, Content: anthropic.TextContent("What does this code do?")},
		{Role: anthropic.RoleAssistant, Content: anthropic.TextContent("It parses JSON.")},
		{Role: anthropic.RoleUser, Content: anthropic.TextContent("Make it faster.")},
	}

	got := f.Format(messages, 0)
	want := "user: What does this code do?\n\n" +
		"assistant: It parses JSON.\n\n" +
		"user: Make it faster."
	assert.Equal(t, want, got)
}

func TestFormatFromIndexSkipsSentMessages(t *testing.T) {
	f, err := NewFormatter(nil)
	require.NoError(t, err)

	messages := []anthropic.Message{
		{Role: anthropic.RoleUser, Content: anthropic.TextContent("one")},
		{Role: anthropic.RoleAssistant, Content: anthropic.TextContent("two")},
		{Role: anthropic.RoleUser, Content: anthropic.TextContent("three")},
	}

	assert.Equal(t, "user: three", f.Format(messages, 2))
	assert.Equal(t, "", f.Format(messages, 3), "nothing new to send")
}

func TestFormatBlocks(t *testing.T) {
	f, err := NewFormatter(nil)
	require.NoError(t, err)

	messages := []anthropic.Message{
		{
			Role: anthropic.RoleAssistant,
			Content: anthropic.PartsContent(
				anthropic.ContentBlock{Type: anthropic.BlockTypeText, Text: "Let me check."},
				anthropic.ContentBlock{Type: anthropic.BlockTypeToolUse, ID: "tc1", Name: "XcodeRead"},
			),
		},
		{
			Role: anthropic.RoleUser,
			Content: anthropic.PartsContent(
				anthropic.ContentBlock{
					Type:      anthropic.BlockTypeToolResult,
					ToolUseID: "tc1",
					Content:   json.RawMessage(`"secret file contents"`),
				},
			),
		},
	}

	got := f.Format(messages, 0)
	assert.Equal(t, "assistant: Let me check.\n[tool: XcodeRead]", got,
		"tool_use renders as a marker and tool_result-only messages vanish")
	assert.NotContains(t, got, "secret file contents")
}

func TestStripExcludedFences(t *testing.T) {
	f, err := NewFormatter([]string{`\.pbxproj`, `Secrets\.swift`})
	require.NoError(t, err)

	t.Run("matching fence removed", func(t *testing.T) {
		text := "Look at this:\n```\nMyApp.xcodeproj/project.pbxproj\n// giant project file\n```\nDone."
		msg := anthropic.Message{Role: anthropic.RoleUser, Content: anthropic.TextContent(text)}
		got := f.Format([]anthropic.Message{msg}, 0)
		assert.Equal(t, "user: Look at this:\nDone.", got)
	})

	t.Run("non-matching fence kept", func(t *testing.T) {
		text := "```swift\nSources/App.swift\nprint(1)\n```"
		msg := anthropic.Message{Role: anthropic.RoleUser, Content: anthropic.TextContent(text)}
		got := f.Format([]anthropic.Message{msg}, 0)
		assert.Contains(t, got, "print(1)")
	})

	t.Run("unclosed fence kept", func(t *testing.T) {
		text := "```\nSecrets.swift\nlet key = 1"
		msg := anthropic.Message{Role: anthropic.RoleUser, Content: anthropic.TextContent(text)}
		got := f.Format([]anthropic.Message{msg}, 0)
		assert.Contains(t, got, "let key = 1")
	})

	t.Run("assistant fences untouched", func(t *testing.T) {
		text := "```\nSecrets.swift\nlet key = 1\n```"
		msg := anthropic.Message{Role: anthropic.RoleAssistant, Content: anthropic.TextContent(text)}
		got := f.Format([]anthropic.Message{msg}, 0)
		assert.Contains(t, got, "let key = 1")
	})
}

func TestNewFormatterRejectsBadPattern(t *testing.T) {
	_, err := NewFormatter([]string{"(["})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid excluded file pattern")
}
