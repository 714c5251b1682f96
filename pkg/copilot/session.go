package copilot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/github/copilot-sdk/go"
	"go.uber.org/zap"

	"github.com/xcopilot/xcopilot/internal/common/logger"
	"github.com/xcopilot/xcopilot/internal/session"
)

// SDK permission verdicts.
const (
	permissionApproved = "approved"
	permissionDenied   = "denied-interactively-by-user"
)

type subscriber struct {
	id int
	fn func(session.Event)
}

// Session adapts one SDK session to session.Session: it maps the SDK's event
// stream onto the proxy's event union and composes the permission policy.
type Session struct {
	log *logger.Logger
	cfg session.Config

	mu             sync.Mutex
	sdk            *copilot.Session
	subs           []subscriber
	nextSub        int
	toolNames      map[string]string
	receivedDeltas bool
	sentSystem     bool
}

func newSession(log *logger.Logger, cfg session.Config) *Session {
	return &Session{
		log:       log.WithFields(zap.String("component", "copilot-session")),
		cfg:       cfg,
		toolNames: make(map[string]string),
	}
}

// attach binds the SDK handle, scopes the logger to the SDK session id, and
// hooks the event stream. The proxy registers its own handler through On
// before the first Send, so nothing user-visible can be missed.
func (s *Session) attach(sdk *copilot.Session) {
	s.mu.Lock()
	s.sdk = sdk
	s.log = s.log.WithSessionID(sdk.SessionID)
	s.mu.Unlock()
	sdk.On(s.dispatch)
}

// ID returns the SDK-assigned session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sdk == nil {
		return ""
	}
	return s.sdk.SessionID
}

// Send submits a prompt. The session-level system message, which the SDK has
// no config field for, is folded into the first prompt.
func (s *Session) Send(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	sdk := s.sdk
	prompt = s.outgoingPromptLocked(prompt)
	s.mu.Unlock()

	if sdk == nil {
		return "", fmt.Errorf("no active session")
	}

	messageID, err := sdk.Send(copilot.MessageOptions{Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return messageID, nil
}

func (s *Session) outgoingPromptLocked(prompt string) string {
	if s.sentSystem {
		return prompt
	}
	s.sentSystem = true
	if s.cfg.SystemMessage == "" {
		return prompt
	}
	if prompt == "" {
		return s.cfg.SystemMessage
	}
	return s.cfg.SystemMessage + "\n\n" + prompt
}

// On registers an event handler and returns its unsubscribe func.
func (s *Session) On(handler func(session.Event)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, subscriber{id: id, fn: handler})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Abort cancels the in-flight turn.
func (s *Session) Abort() error {
	s.mu.Lock()
	sdk := s.sdk
	s.mu.Unlock()
	if sdk == nil {
		return nil
	}
	return sdk.Abort()
}

// Destroy tears the SDK session down.
func (s *Session) Destroy() error {
	s.mu.Lock()
	sdk := s.sdk
	s.sdk = nil
	s.mu.Unlock()
	if sdk == nil {
		return nil
	}
	return sdk.Destroy()
}

func (s *Session) emit(ev session.Event) {
	s.mu.Lock()
	handlers := make([]func(session.Event), len(s.subs))
	for i, sub := range s.subs {
		handlers[i] = sub.fn
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// dispatch maps one SDK event onto the proxy event union. Streaming sessions
// deliver both deltas and a trailing full message; the full message is
// dropped once any delta for the turn has been seen.
func (s *Session) dispatch(evt copilot.SessionEvent) {
	switch evt.Type {
	case copilot.AssistantMessageDelta:
		if evt.Data.DeltaContent == nil || *evt.Data.DeltaContent == "" {
			return
		}
		s.mu.Lock()
		s.receivedDeltas = true
		s.mu.Unlock()
		s.emit(session.TextDelta{Text: *evt.Data.DeltaContent})

	case copilot.AssistantMessage:
		if evt.Data.Content == nil || *evt.Data.Content == "" {
			return
		}
		s.mu.Lock()
		dup := s.receivedDeltas
		s.mu.Unlock()
		if dup {
			return
		}
		s.emit(session.TextDelta{Text: *evt.Data.Content})

	case copilot.AssistantTurnStart:
		s.mu.Lock()
		s.receivedDeltas = false
		s.mu.Unlock()

	case copilot.ToolExecutionStart:
		toolCallID := ""
		toolName := ""
		if evt.Data.ToolCallID != nil {
			toolCallID = *evt.Data.ToolCallID
		}
		if evt.Data.ToolName != nil {
			toolName = *evt.Data.ToolName
		}
		var args map[string]any
		if argsMap, ok := evt.Data.Arguments.(map[string]any); ok {
			args = argsMap
		}
		s.mu.Lock()
		s.toolNames[toolCallID] = toolName
		s.mu.Unlock()
		s.log.Debug("tool execution started",
			zap.String("tool_call_id", toolCallID),
			zap.String("tool_name", toolName))
		s.emit(session.ToolStart{ID: toolCallID, Name: toolName, Arguments: args})

	case copilot.ToolExecutionComplete:
		if evt.Data.ToolCallID != nil {
			s.mu.Lock()
			delete(s.toolNames, *evt.Data.ToolCallID)
			s.mu.Unlock()
		}

	case copilot.SessionIdle:
		s.mu.Lock()
		s.toolNames = make(map[string]string)
		s.mu.Unlock()
		s.emit(session.Idle{})

	case copilot.SessionError:
		msg := "session error"
		if evt.Data.Message != nil && *evt.Data.Message != "" {
			msg = *evt.Data.Message
		}
		if evt.Data.ErrorType != nil && *evt.Data.ErrorType != "" {
			msg = fmt.Sprintf("%s: %s", *evt.Data.ErrorType, msg)
		}
		s.emit(session.Errored{Message: msg})

	case copilot.Abort:
		s.emit(session.Errored{Message: "operation aborted"})

	case copilot.AssistantUsage:
		usage := session.Usage{}
		if evt.Data.InputTokens != nil {
			usage.InputTokens = int(*evt.Data.InputTokens)
		}
		if evt.Data.OutputTokens != nil {
			usage.OutputTokens = int(*evt.Data.OutputTokens)
		}
		s.emit(usage)

	case copilot.SessionUsageInfo:
		if evt.Data.CurrentTokens != nil && evt.Data.TokenLimit != nil {
			s.log.Debug("context usage",
				zap.Int("current_tokens", int(*evt.Data.CurrentTokens)),
				zap.Int("token_limit", int(*evt.Data.TokenLimit)))
		}

	default:
		s.log.Debug("unhandled SDK event", zap.String("type", string(evt.Type)))
	}
}

// handlePermission is the SDK permission callback. The request carries a
// tool call id but no tool name; names arrive on ToolExecutionStart events,
// which race this callback, so missing entries get a short grace period.
// The callback is registered before attach rescopes the logger, hence the
// locked read.
func (s *Session) handlePermission(request copilot.PermissionRequest, _ copilot.PermissionInvocation) (copilot.PermissionRequestResult, error) {
	s.mu.Lock()
	log := s.log
	s.mu.Unlock()

	toolName := s.toolNameFor(request.ToolCallID)

	if toolName != "" && !s.toolAllowed(toolName) {
		log.Info("tool use denied",
			zap.String("tool", toolName),
			zap.String("kind", request.Kind))
		return copilot.PermissionRequestResult{Kind: permissionDenied}, nil
	}

	if s.cfg.OnPermissionRequest != nil && !s.cfg.OnPermissionRequest(request.Kind) {
		log.Info("permission denied", zap.String("kind", request.Kind))
		return copilot.PermissionRequestResult{Kind: permissionDenied}, nil
	}

	log.Debug("permission approved",
		zap.String("kind", request.Kind),
		zap.String("tool_call_id", request.ToolCallID))
	return copilot.PermissionRequestResult{Kind: permissionApproved}, nil
}

func (s *Session) toolNameFor(callID string) string {
	if callID == "" {
		return ""
	}
	for i := 0; i < 10; i++ {
		s.mu.Lock()
		name, ok := s.toolNames[callID]
		s.mu.Unlock()
		if ok {
			return name
		}
		time.Sleep(50 * time.Millisecond)
	}
	return ""
}

func (s *Session) toolAllowed(name string) bool {
	if s.cfg.OnPreToolUse != nil && !s.cfg.OnPreToolUse(name) {
		return false
	}
	if len(s.cfg.AvailableTools) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AvailableTools {
		if allowed == "*" || allowed == name {
			return true
		}
	}
	return false
}
