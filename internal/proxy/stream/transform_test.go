package stream

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xcopilot/xcopilot/internal/common/logger"
	"github.com/xcopilot/xcopilot/internal/proxy/conversation"
	"github.com/xcopilot/xcopilot/internal/session"
	"github.com/xcopilot/xcopilot/pkg/anthropic"
)

type frame struct {
	event string
	data  string
}

type recorder struct {
	mu      sync.Mutex
	frames  []frame
	onEvent func(event string)
}

func (r *recorder) Send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.frames = append(r.frames, frame{event: event, data: string(payload)})
	r.mu.Unlock()
	if r.onEvent != nil {
		r.onEvent(event)
	}
	return nil
}

func (r *recorder) all() []frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frame(nil), r.frames...)
}

func (r *recorder) events() []string {
	var names []string
	for _, f := range r.all() {
		names = append(names, f.event)
	}
	return names
}

func setupTransform(t *testing.T) (*conversation.Manager, *conversation.Conversation, *Transform, *recorder) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	m := conversation.NewManager(log)
	conv := m.Create()
	conv.Tools.Cache([]anthropic.Tool{{
		Name: "mcp__xcode-tools__XcodeRead",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{"type": "string"},
			},
		},
	}})

	tr := New(log, conv, "gpt-5")
	rec := &recorder{}
	require.NoError(t, tr.Begin(rec))
	return m, conv, tr, rec
}

func assertClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("streaming-done waiter never released")
	}
}

func TestBeginEmitsMessageStartAndActivates(t *testing.T) {
	_, conv, _, rec := setupTransform(t)

	frames := rec.all()
	require.Len(t, frames, 1)
	assert.Equal(t, anthropic.EventMessageStart, frames[0].event)
	assert.Contains(t, frames[0].data, `"model":"gpt-5"`)
	assert.Contains(t, frames[0].data, `"role":"assistant"`)
	assert.True(t, conv.State.SessionActive())
}

func TestTextStreamingThroughIdle(t *testing.T) {
	m, conv, tr, rec := setupTransform(t)
	done := conv.State.WaitStreamingDone()

	tr.HandleEvent(session.TextDelta{Text: "Hel"})
	tr.HandleEvent(session.TextDelta{Text: "lo"})
	tr.HandleEvent(session.Idle{})

	assert.Equal(t, []string{
		anthropic.EventMessageStart,
		anthropic.EventContentBlockStart,
		anthropic.EventContentBlockDelta,
		anthropic.EventContentBlockDelta,
		anthropic.EventContentBlockStop,
		anthropic.EventMessageDelta,
		anthropic.EventMessageStop,
	}, rec.events())

	frames := rec.all()
	assert.JSONEq(t,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		frames[1].data)
	assert.JSONEq(t,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		frames[2].data)
	assert.Contains(t, frames[5].data, `"stop_reason":"end_turn"`)

	assertClosed(t, done)
	assert.False(t, conv.State.SessionActive())
	assert.Equal(t, 0, m.Count(), "idle must auto-remove the conversation")
}

func TestToolUseRoundTrip(t *testing.T) {
	m, conv, tr, rec := setupTransform(t)
	done := conv.State.WaitStreamingDone()

	// The call id must be registered by the time its block becomes visible.
	rec.onEvent = func(event string) {
		if event == anthropic.EventContentBlockStart {
			assert.True(t, conv.State.HasToolCall("tc1"),
				"tool call visible before it was registered")
		}
	}

	tr.HandleEvent(session.ToolStart{
		ID:        "tc1",
		Name:      "xcode-bridge-XcodeRead",
		Arguments: map[string]any{"filePath": "/tmp/a.swift"},
	})
	rec.onEvent = nil

	frames := rec.all()
	require.Len(t, frames, 4)
	assert.JSONEq(t,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tc1","name":"mcp__xcode-tools__XcodeRead","input":{}}}`,
		frames[1].data)
	assert.Equal(t, anthropic.EventContentBlockDelta, frames[2].event)
	assert.Contains(t, frames[2].data, `input_json_delta`)
	assert.Contains(t, frames[2].data, `file_path`, "arguments are normalized against the schema")
	assert.Equal(t, anthropic.EventContentBlockStop, frames[3].event)

	// The shim's bridge call parks and the turn finalizes for Xcode.
	ch, err := conv.State.RegisterMCPRequest("mcp__xcode-tools__XcodeRead")
	require.NoError(t, err)

	events := rec.events()
	require.Len(t, events, 6)
	assert.Equal(t, anthropic.EventMessageDelta, events[4])
	assert.Equal(t, anthropic.EventMessageStop, events[5])
	assert.Contains(t, rec.all()[4].data, `"stop_reason":"tool_use"`)

	assertClosed(t, done)
	assert.Nil(t, conv.State.CurrentReply(), "reply detaches at end of tool turn")
	assert.True(t, conv.State.SessionActive(), "session stays live across the tool round")
	assert.Equal(t, 1, m.Count())

	// Xcode's continuation resolves the call; the parked bridge call gets it.
	require.True(t, conv.State.ResolveToolCall("tc1", json.RawMessage(`"FILE"`)))
	select {
	case result := <-ch:
		require.NoError(t, result.Err)
		assert.Equal(t, json.RawMessage(`"FILE"`), result.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge call never resolved")
	}
}

func TestInternalToolsEmitNothing(t *testing.T) {
	_, conv, tr, rec := setupTransform(t)

	tr.HandleEvent(session.ToolStart{ID: "x1", Name: "shell", Arguments: map[string]any{"cmd": "ls"}})

	assert.Len(t, rec.all(), 1, "only message_start")
	assert.False(t, conv.State.HasToolCall("x1"))
}

func TestTextBlockClosesBeforeToolBlock(t *testing.T) {
	_, _, tr, rec := setupTransform(t)

	tr.HandleEvent(session.TextDelta{Text: "Let me look."})
	tr.HandleEvent(session.ToolStart{ID: "tc1", Name: "xcode-bridge-XcodeRead"})

	assert.Equal(t, []string{
		anthropic.EventMessageStart,
		anthropic.EventContentBlockStart, // text, index 0
		anthropic.EventContentBlockDelta,
		anthropic.EventContentBlockStop,  // text closed
		anthropic.EventContentBlockStart, // tool_use, index 1
		anthropic.EventContentBlockDelta,
		anthropic.EventContentBlockStop,
	}, rec.events())
	assert.Contains(t, rec.all()[4].data, `"index":1`)
}

func TestResumeFlushesDeferredToolBlocks(t *testing.T) {
	_, conv, tr, rec := setupTransform(t)

	tr.HandleEvent(session.ToolStart{ID: "tc1", Name: "xcode-bridge-XcodeRead"})
	firstPark, err := conv.State.RegisterMCPRequest("mcp__xcode-tools__XcodeRead")
	require.NoError(t, err)
	require.Nil(t, conv.State.CurrentReply())
	firstTurnFrames := len(rec.all())

	// Announced while no reply is attached: deferred.
	tr.HandleEvent(session.ToolStart{ID: "tc2", Name: "xcode-bridge-XcodeRead"})
	assert.Len(t, rec.all(), firstTurnFrames, "no frames while detached")
	assert.True(t, conv.State.HasToolCall("tc2"), "registration is not deferred")

	rec2 := &recorder{}
	require.NoError(t, tr.Resume(rec2))

	events := rec2.events()
	require.Len(t, events, 4)
	assert.Equal(t, anthropic.EventMessageStart, events[0])
	assert.JSONEq(t,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tc2","name":"mcp__xcode-tools__XcodeRead","input":{}}}`,
		rec2.all()[1].data, "deferred blocks restart at index zero on the new reply")

	tr.FinishContinuation()
	assert.Len(t, rec2.all(), 4, "no spurious finalize without an unreplied park")

	require.True(t, conv.State.ResolveToolCall("tc1", json.RawMessage(`"done"`)))
	<-firstPark
}

func TestFinishContinuationFinalizesOutstandingPark(t *testing.T) {
	_, conv, tr, _ := setupTransform(t)

	tr.HandleEvent(session.ToolStart{ID: "tc1", Name: "xcode-bridge-XcodeRead"})
	tr.HandleEvent(session.ToolStart{ID: "tc2", Name: "xcode-bridge-XcodeRead"})

	// First park finalizes the turn; second park finds no reply.
	first, err := conv.State.RegisterMCPRequest("mcp__xcode-tools__XcodeRead")
	require.NoError(t, err)
	second, err := conv.State.RegisterMCPRequest("mcp__xcode-tools__XcodeRead")
	require.NoError(t, err)

	rec2 := &recorder{}
	require.NoError(t, tr.Resume(rec2))

	// The continuation only carried tc1's result.
	require.True(t, conv.State.ResolveToolCall("tc1", json.RawMessage(`"A"`)))
	result := <-first
	require.NoError(t, result.Err)

	tr.FinishContinuation()

	events := rec2.events()
	require.Len(t, events, 3)
	assert.Equal(t, anthropic.EventMessageDelta, events[1])
	assert.Equal(t, anthropic.EventMessageStop, events[2])
	assert.Contains(t, rec2.all()[1].data, `"stop_reason":"tool_use"`)

	// tc2 is still parked; clean up so its timer is cleared.
	require.True(t, conv.State.ResolveToolCall("tc2", json.RawMessage(`"B"`)))
	<-second
}

func TestSessionErrorEmitsAnthropicErrorFrame(t *testing.T) {
	m, conv, tr, rec := setupTransform(t)
	done := conv.State.WaitStreamingDone()

	tr.HandleEvent(session.Errored{Message: "model exploded"})

	frames := rec.all()
	require.Len(t, frames, 2)
	assert.Equal(t, anthropic.EventError, frames[1].event)
	assert.JSONEq(t,
		`{"type":"error","error":{"type":"api_error","message":"model exploded"}}`,
		frames[1].data)

	assertClosed(t, done)
	assert.True(t, conv.State.HadError())
	assert.False(t, conv.State.SessionActive())
	assert.Equal(t, 0, m.Count())
}

func TestUsageFlowsIntoMessageDelta(t *testing.T) {
	_, _, tr, rec := setupTransform(t)

	tr.HandleEvent(session.Usage{InputTokens: 12, OutputTokens: 34})
	tr.HandleEvent(session.Idle{})

	frames := rec.all()
	delta := frames[len(frames)-2]
	require.Equal(t, anthropic.EventMessageDelta, delta.event)
	assert.Contains(t, delta.data, `"output_tokens":34`)
}

func TestIdleAfterDetachStillTearsDown(t *testing.T) {
	m, conv, tr, rec := setupTransform(t)

	tr.HandleEvent(session.ToolStart{ID: "tc1", Name: "xcode-bridge-XcodeRead"})
	ch, err := conv.State.RegisterMCPRequest("mcp__xcode-tools__XcodeRead")
	require.NoError(t, err)
	framesAfterPark := len(rec.all())

	// The tool round never completes; the session gives up on its own.
	tr.HandleEvent(session.Idle{})

	assert.Len(t, rec.all(), framesAfterPark, "no frames without a reply")
	assert.False(t, conv.State.SessionActive())
	assert.Equal(t, 0, m.Count())

	result := <-ch
	require.Error(t, result.Err)
	assert.Equal(t, "Session ended", result.Err.Error())
}
