package conversation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xcopilot/xcopilot/internal/common/logger"
	"github.com/xcopilot/xcopilot/pkg/anthropic"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return NewManager(log)
}

func toolResultMessage(ids ...string) anthropic.Message {
	blocks := make([]anthropic.ContentBlock, 0, len(ids))
	for _, id := range ids {
		blocks = append(blocks, anthropic.ContentBlock{
			Type:      anthropic.BlockTypeToolResult,
			ToolUseID: id,
			Content:   json.RawMessage(`"ok"`),
		})
	}
	return anthropic.Message{Role: anthropic.RoleUser, Content: anthropic.PartsContent(blocks...)}
}

func TestCreateGetRemove(t *testing.T) {
	m := setupManager(t)

	conv := m.Create()
	require.NotEmpty(t, conv.ID)
	require.NotNil(t, conv.State)
	require.NotNil(t, conv.Tools)
	assert.Equal(t, 1, m.Count())

	got, ok := m.Get(conv.ID)
	require.True(t, ok)
	assert.Same(t, conv, got)

	m.Remove(conv.ID)
	_, ok = m.Get(conv.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Count())
}

func TestRemoveRejectsParkedCalls(t *testing.T) {
	m := setupManager(t)
	conv := m.Create()
	conv.State.RegisterExpected("tc1", "Read")
	ch, err := conv.State.RegisterMCPRequest("Read")
	require.NoError(t, err)

	m.Remove(conv.ID)

	result := awaitResult(t, ch)
	require.Error(t, result.Err)
	assert.Equal(t, "Session cleanup", result.Err.Error())
}

func TestSessionEndAutoRemoval(t *testing.T) {
	m := setupManager(t)
	conv := m.Create()
	require.Equal(t, 1, m.Count())

	conv.State.MarkSessionActive()
	conv.State.MarkSessionInactive()

	assert.Equal(t, 0, m.Count(), "inactivation must unregister the conversation")
}

func TestFindByContinuation(t *testing.T) {
	m := setupManager(t)
	a := m.Create()
	b := m.Create()
	a.State.RegisterExpected("tc-a", "Read")
	b.State.RegisterExpected("tc-b", "Write")

	t.Run("routes by tool_use_id", func(t *testing.T) {
		found := m.FindByContinuation([]anthropic.Message{toolResultMessage("tc-b")})
		require.NotNil(t, found)
		assert.Equal(t, b.ID, found.ID)
	})

	t.Run("parked ids still match", func(t *testing.T) {
		_, err := a.State.RegisterMCPRequest("Read")
		require.NoError(t, err)
		found := m.FindByContinuation([]anthropic.Message{toolResultMessage("tc-a")})
		require.NotNil(t, found)
		assert.Equal(t, a.ID, found.ID)
	})

	t.Run("assistant last message is never a continuation", func(t *testing.T) {
		msg := anthropic.Message{Role: anthropic.RoleAssistant, Content: anthropic.TextContent("hi")}
		assert.Nil(t, m.FindByContinuation([]anthropic.Message{msg}))
	})

	t.Run("plain string content is never a continuation", func(t *testing.T) {
		msg := anthropic.Message{Role: anthropic.RoleUser, Content: anthropic.TextContent("hello")}
		assert.Nil(t, m.FindByContinuation([]anthropic.Message{msg}))
	})

	t.Run("unmatched id falls back to the active session", func(t *testing.T) {
		b.State.MarkSessionActive()
		found := m.FindByContinuation([]anthropic.Message{toolResultMessage("tc-unknown")})
		require.NotNil(t, found)
		assert.Equal(t, b.ID, found.ID)
	})

	t.Run("no match and nothing active returns nil", func(t *testing.T) {
		b.State.MarkSessionInactive()
		m.Remove(a.ID)
		assert.Nil(t, m.FindByContinuation([]anthropic.Message{toolResultMessage("tc-unknown")}))
	})

	t.Run("empty message list returns nil", func(t *testing.T) {
		assert.Nil(t, m.FindByContinuation(nil))
	})
}

func TestFindByExpectedTool(t *testing.T) {
	m := setupManager(t)
	a := m.Create()
	a.State.RegisterExpected("tc1", "Grep")

	found := m.FindByExpectedTool("Grep")
	require.NotNil(t, found)
	assert.Equal(t, a.ID, found.ID)
	assert.Nil(t, m.FindByExpectedTool("Glob"))
}

func TestLatest(t *testing.T) {
	m := setupManager(t)
	assert.Nil(t, m.Latest())

	a := m.Create()
	b := m.Create()
	b.CreatedAt = a.CreatedAt.Add(time.Millisecond)

	latest := m.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, b.ID, latest.ID)
}

func TestConcurrentCreatesStayIndependent(t *testing.T) {
	m := setupManager(t)

	results := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- m.Create().ID
		}()
	}
	first := <-results
	second := <-results

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, m.Count())
}

func TestSentMessagesNeverRetrims(t *testing.T) {
	m := setupManager(t)
	conv := m.Create()

	conv.MarkMessagesSent(4)
	assert.Equal(t, 4, conv.SentMessages())

	conv.MarkMessagesSent(2)
	assert.Equal(t, 4, conv.SentMessages(), "truncated histories must not rewind the counter")

	conv.MarkMessagesSent(7)
	assert.Equal(t, 7, conv.SentMessages())
}
