package stream

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xcopilot/xcopilot/internal/common/logger"
	"github.com/xcopilot/xcopilot/internal/proxy/conversation"
	"github.com/xcopilot/xcopilot/internal/session"
	"github.com/xcopilot/xcopilot/pkg/anthropic"
)

type deferredTool struct {
	id    string
	name  string
	input map[string]any
}

// Transform consumes one conversation's session events and emits the
// Anthropic SSE stream. It outlives individual HTTP requests: a tool round
// ends the current response with stop_reason "tool_use" and the next
// continuation request re-attaches through Resume.
//
// Block indexes restart at zero for every attached reply, since each reply is
// a separate Anthropic message.
type Transform struct {
	log   *logger.Logger
	conv  *conversation.Conversation
	model string

	mu            sync.Mutex
	nextIndex     int
	textOpen      bool
	textIndex     int
	inputTokens   int
	outputTokens  int
	finalized     bool
	parkedNoReply bool
	deferredTools []deferredTool
}

// New builds the transform for conv and installs its turn-parked hook.
func New(log *logger.Logger, conv *conversation.Conversation, model string) *Transform {
	if log == nil {
		log = logger.Default()
	}
	t := &Transform{
		log:   log.WithConversationID(conv.ID),
		conv:  conv,
		model: model,
	}
	conv.State.OnTurnParked(t.finalizeToolTurn)
	return t
}

// Begin opens the first turn on reply: emits message_start and flags the
// session active. SSE headers are the handler's job.
func (t *Transform) Begin(reply conversation.Reply) error {
	t.mu.Lock()
	t.resetTurnLocked()
	t.conv.State.SetReply(reply)
	err := reply.Send(anthropic.EventMessageStart,
		anthropic.NewMessageStartEvent(mintMessageID(), t.model, t.inputTokens))
	t.mu.Unlock()

	t.conv.State.MarkSessionActive()
	return err
}

// Resume attaches a continuation reply: emits message_start and flushes any
// tool blocks announced while no reply was attached. Flushing precedes the
// caller's tool-result resolutions, so a park triggered by a resolution can
// never finalize the reply ahead of its own block.
func (t *Transform) Resume(reply conversation.Reply) error {
	t.mu.Lock()
	t.resetTurnLocked()
	t.conv.State.SetReply(reply)
	err := reply.Send(anthropic.EventMessageStart,
		anthropic.NewMessageStartEvent(mintMessageID(), t.model, t.inputTokens))

	deferred := t.deferredTools
	t.deferredTools = nil
	for _, tool := range deferred {
		t.emitToolBlockLocked(reply, tool)
	}
	t.mu.Unlock()
	return err
}

// FinishContinuation runs after a continuation's tool results have been
// resolved. If a park fired while no reply was attached and calls are still
// outstanding, the fresh reply is finalized immediately so Xcode can execute
// them.
func (t *Transform) FinishContinuation() {
	t.mu.Lock()
	parked := t.parkedNoReply
	t.parkedNoReply = false
	t.mu.Unlock()

	if parked && t.conv.State.HasPending() {
		t.finalizeToolTurn()
	}
}

// HandleEvent is the session event sink. Register it before the first Send.
func (t *Transform) HandleEvent(ev session.Event) {
	switch e := ev.(type) {
	case session.TextDelta:
		t.onText(e.Text)
	case session.ToolStart:
		t.onToolStart(e)
	case session.Usage:
		t.mu.Lock()
		if e.InputTokens > 0 {
			t.inputTokens = e.InputTokens
		}
		if e.OutputTokens > 0 {
			t.outputTokens = e.OutputTokens
		}
		t.mu.Unlock()
	case session.Idle:
		t.finish(anthropic.StopEndTurn)
	case session.Errored:
		t.conv.State.SetHadError()
		t.log.Error("session error", zap.String("message", e.Message))
		t.finishError("api_error", e.Message)
	}
}

func (t *Transform) onText(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return
	}
	reply := t.conv.State.CurrentReply()
	if reply == nil {
		t.log.Debug("text delta with no attached reply, dropping")
		return
	}
	if !t.textOpen {
		t.textIndex = t.nextIndex
		t.nextIndex++
		t.textOpen = true
		t.sendLocked(reply, anthropic.EventContentBlockStart, anthropic.NewTextBlockStartEvent(t.textIndex))
	}
	t.sendLocked(reply, anthropic.EventContentBlockDelta, anthropic.NewTextDeltaEvent(t.textIndex, text))
}

// onToolStart handles bridge tool announcements. Tools without the bridge
// prefix run inside the CLI and emit nothing. The call id is registered as
// expected before any frame becomes visible, because the shim's bridge call
// and Xcode's continuation both race against this event.
func (t *Transform) onToolStart(e session.ToolStart) {
	if !strings.HasPrefix(e.Name, session.BridgeToolPrefix) {
		t.log.Debug("internal tool execution", zap.String("tool", e.Name))
		return
	}
	short := strings.TrimPrefix(e.Name, session.BridgeToolPrefix)
	resolved := t.conv.Tools.ResolveName(short)
	args := t.conv.Tools.NormalizeArgs(resolved, e.Arguments)

	t.conv.State.RegisterExpected(e.ID, resolved)
	t.log.Debug("tool call announced",
		zap.String("tool_call_id", e.ID), zap.String("tool", resolved))

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return
	}
	reply := t.conv.State.CurrentReply()
	tool := deferredTool{id: e.ID, name: resolved, input: args}
	if reply == nil {
		t.deferredTools = append(t.deferredTools, tool)
		return
	}
	t.emitToolBlockLocked(reply, tool)
}

func (t *Transform) emitToolBlockLocked(reply conversation.Reply, tool deferredTool) {
	t.closeTextLocked(reply)
	index := t.nextIndex
	t.nextIndex++

	t.sendLocked(reply, anthropic.EventContentBlockStart,
		anthropic.NewToolUseBlockStartEvent(index, tool.id, tool.name))

	input := []byte("{}")
	if tool.input != nil {
		if encoded, err := json.Marshal(tool.input); err == nil {
			input = encoded
		}
	}
	t.sendLocked(reply, anthropic.EventContentBlockDelta,
		anthropic.NewInputJSONDeltaEvent(index, string(input)))
	t.sendLocked(reply, anthropic.EventContentBlockStop, anthropic.NewContentBlockStopEvent(index))
}

// finalizeToolTurn ends the attached reply with stop_reason "tool_use" once a
// bridge call parks. The session stays active; the conversation now waits for
// Xcode's continuation. With no reply attached the finalization is remembered
// and applied by FinishContinuation.
func (t *Transform) finalizeToolTurn() {
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return
	}
	reply := t.conv.State.CurrentReply()
	if reply == nil {
		t.parkedNoReply = true
		t.mu.Unlock()
		return
	}
	t.closeTextLocked(reply)
	t.sendLocked(reply, anthropic.EventMessageDelta,
		anthropic.NewMessageDeltaEvent(anthropic.StopToolUse, t.outputTokens))
	t.sendLocked(reply, anthropic.EventMessageStop, anthropic.NewMessageStopEvent())
	t.mu.Unlock()

	t.conv.State.ClearReply(reply)
	t.conv.State.NotifyStreamingDone()
}

func (t *Transform) finish(stopReason string) {
	t.terminal(func(reply conversation.Reply) {
		t.closeTextLocked(reply)
		t.sendLocked(reply, anthropic.EventMessageDelta,
			anthropic.NewMessageDeltaEvent(stopReason, t.outputTokens))
		t.sendLocked(reply, anthropic.EventMessageStop, anthropic.NewMessageStopEvent())
	})
}

func (t *Transform) finishError(errType, message string) {
	t.terminal(func(reply conversation.Reply) {
		t.closeTextLocked(reply)
		t.sendLocked(reply, anthropic.EventError, anthropic.NewErrorResponse(errType, message))
	})
}

// terminal runs the one-time end-of-session sequence: emit closing frames if
// a reply is attached, deactivate the session (rejecting stragglers), release
// the streaming waiter.
func (t *Transform) terminal(emit func(conversation.Reply)) {
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return
	}
	t.finalized = true
	reply := t.conv.State.CurrentReply()
	if reply != nil {
		emit(reply)
	}
	t.mu.Unlock()

	if reply != nil {
		t.conv.State.ClearReply(reply)
	}
	t.conv.State.MarkSessionInactive()
	t.conv.State.NotifyStreamingDone()
}

func (t *Transform) closeTextLocked(reply conversation.Reply) {
	if !t.textOpen {
		return
	}
	t.textOpen = false
	t.sendLocked(reply, anthropic.EventContentBlockStop, anthropic.NewContentBlockStopEvent(t.textIndex))
}

func (t *Transform) sendLocked(reply conversation.Reply, event string, data any) {
	if err := reply.Send(event, data); err != nil {
		t.log.Debug("sse write failed", zap.String("event", event), zap.Error(err))
	}
}

func (t *Transform) resetTurnLocked() {
	t.nextIndex = 0
	t.textOpen = false
}

func mintMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
