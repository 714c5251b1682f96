// Package conversation holds the per-conversation tool-bridge state and the
// process-wide registry over it. A conversation spans one new-session request
// and every continuation request that delivers tool results for it, until the
// session goes idle or is torn down.
package conversation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xcopilot/xcopilot/internal/common/logger"
)

// ToolCallTimeout bounds how long a parked bridge call waits for Xcode to
// deliver the matching tool_result.
const ToolCallTimeout = 5 * time.Minute

// Reply is the streaming HTTP response currently attached to a conversation.
// The transform writes named SSE frames through it.
type Reply interface {
	Send(event string, data any) error
}

// CallResult is delivered to a parked bridge call: the verbatim tool_result
// content from Xcode, or the rejection that ended the wait.
type CallResult struct {
	Content json.RawMessage
	Err     error
}

type pendingCall struct {
	done  chan CallResult
	timer *time.Timer
}

// State is the tool-bridge state machine for one conversation. A single mutex
// guards every map and flag; the channels returned by RegisterMCPRequest are
// awaited outside it.
type State struct {
	log     *logger.Logger
	timeout time.Duration

	mu             sync.Mutex
	expectedByName map[string][]string
	pending        map[string]*pendingCall
	earlyResults   map[string]json.RawMessage
	reply          Reply
	streamingDone  chan struct{}
	onSessionEnd   func()
	onTurnParked   func()
	sessionActive  bool
	hadError       bool
}

// NewState returns an empty, inactive state.
func NewState(log *logger.Logger) *State {
	if log == nil {
		log = logger.Default()
	}
	return &State{
		log:            log,
		timeout:        ToolCallTimeout,
		expectedByName: make(map[string][]string),
		pending:        make(map[string]*pendingCall),
		earlyResults:   make(map[string]json.RawMessage),
	}
}

// RegisterExpected appends callID to the FIFO queue for toolName. The
// transform calls this before the matching tool_use block becomes visible to
// Xcode, so continuation lookups by id cannot race the next request.
func (s *State) RegisterExpected(callID, toolName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectedByName[toolName] = append(s.expectedByName[toolName], callID)
}

// RegisterMCPRequest promotes the oldest expected call for name into a parked
// pending call and returns the channel its resolution will arrive on. An
// empty queue is rejected immediately via the error return. A result that
// already arrived (parallel tool rounds) resolves the channel up front with
// no timer. Otherwise a timeout is armed that rejects the call and evicts it.
func (s *State) RegisterMCPRequest(name string) (<-chan CallResult, error) {
	s.mu.Lock()

	queue := s.expectedByName[name]
	if len(queue) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("No expected tool call for %s", name)
	}
	callID := queue[0]
	if len(queue) == 1 {
		delete(s.expectedByName, name)
	} else {
		s.expectedByName[name] = queue[1:]
	}

	done := make(chan CallResult, 1)

	if result, ok := s.earlyResults[callID]; ok {
		delete(s.earlyResults, callID)
		s.mu.Unlock()
		done <- CallResult{Content: result}
		return done, nil
	}

	call := &pendingCall{done: done}
	call.timer = time.AfterFunc(s.timeout, func() {
		s.expirePending(callID)
	})
	s.pending[callID] = call
	parked := s.onTurnParked
	s.mu.Unlock()

	if parked != nil {
		parked()
	}
	return done, nil
}

func (s *State) expirePending(callID string) {
	s.mu.Lock()
	call, ok := s.pending[callID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, callID)
	s.mu.Unlock()

	s.log.Warn("tool call timed out", zap.String("tool_call_id", callID))
	call.done <- CallResult{Err: fmt.Errorf("Tool call %s timed out", callID)}
}

// ResolveToolCall delivers a tool result. A parked call resolves and its
// timeout is cleared; a call still only expected stashes the result for the
// park that is about to happen. Unknown ids return false.
func (s *State) ResolveToolCall(callID string, content json.RawMessage) bool {
	s.mu.Lock()
	if call, ok := s.pending[callID]; ok {
		delete(s.pending, callID)
		s.mu.Unlock()
		call.timer.Stop()
		call.done <- CallResult{Content: content}
		return true
	}
	if s.expectedContainsLocked(callID) {
		s.earlyResults[callID] = content
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()
	return false
}

func (s *State) expectedContainsLocked(callID string) bool {
	for _, queue := range s.expectedByName {
		for _, id := range queue {
			if id == callID {
				return true
			}
		}
	}
	return false
}

// HasPending reports whether any call is parked or still expected.
func (s *State) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		return true
	}
	for _, queue := range s.expectedByName {
		if len(queue) > 0 {
			return true
		}
	}
	return false
}

// HasExpectedTool reports whether the queue for name is non-empty.
func (s *State) HasExpectedTool(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expectedByName[name]) > 0
}

// HasToolCall reports whether callID is known to this state in any stage:
// expected, parked, or resolved early. Continuation routing keys on this.
func (s *State) HasToolCall(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[callID]; ok {
		return true
	}
	if _, ok := s.earlyResults[callID]; ok {
		return true
	}
	return s.expectedContainsLocked(callID)
}

// MarkSessionActive flags the session as accepting events.
func (s *State) MarkSessionActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionActive = true
}

// MarkSessionInactive ends the session's bridge lifetime: every expected
// queue is cleared, every parked call rejects with "Session ended", and the
// session-end callback fires once.
func (s *State) MarkSessionInactive() {
	s.teardown("Session ended", false)
}

// Cleanup is the hard-teardown variant used on client disconnect and manager
// removal; parked calls reject with "Session cleanup" and any streaming
// waiter is released.
func (s *State) Cleanup() {
	s.teardown("Session cleanup", true)
}

func (s *State) teardown(cause string, notifyDone bool) {
	s.mu.Lock()
	rejected := make(map[string]*pendingCall, len(s.pending))
	for id, call := range s.pending {
		rejected[id] = call
	}
	s.pending = make(map[string]*pendingCall)
	s.expectedByName = make(map[string][]string)
	s.earlyResults = make(map[string]json.RawMessage)
	s.sessionActive = false
	ended := s.onSessionEnd
	s.onSessionEnd = nil
	s.mu.Unlock()

	for id, call := range rejected {
		call.timer.Stop()
		call.done <- CallResult{Err: fmt.Errorf("%s", cause)}
		s.log.Debug("rejected parked tool call", zap.String("tool_call_id", id), zap.String("cause", cause))
	}
	if notifyDone {
		s.NotifyStreamingDone()
	}
	if ended != nil {
		ended()
	}
}

// SessionActive reports the active flag.
func (s *State) SessionActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionActive
}

// SetHadError latches the sticky error flag.
func (s *State) SetHadError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hadError = true
}

// HadError reports the sticky error flag.
func (s *State) HadError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hadError
}

// OnSessionEnd installs the single-shot notifier the manager uses for
// auto-removal. Teardown fires and clears it.
func (s *State) OnSessionEnd(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSessionEnd = fn
}

// OnTurnParked installs the hook RegisterMCPRequest invokes, outside the
// state lock, after a call parks. The transform uses it to finish the
// attached reply with stop_reason "tool_use".
func (s *State) OnTurnParked(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTurnParked = fn
}

// SetReply attaches the HTTP reply the transform should write to.
func (s *State) SetReply(r Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = r
}

// ClearReply detaches the current reply, if it is still r. Stale clears from
// an earlier turn must not detach a newer reply.
func (s *State) ClearReply(r Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reply == r {
		s.reply = nil
	}
}

// CurrentReply returns the attached reply, or nil.
func (s *State) CurrentReply() Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reply
}

// WaitStreamingDone returns the channel that closes when streaming for the
// current turn finishes. The caller must obtain it before the turn can
// possibly complete.
func (s *State) WaitStreamingDone() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamingDone == nil {
		s.streamingDone = make(chan struct{})
	}
	return s.streamingDone
}

// NotifyStreamingDone releases the current waiter, if any, and clears the
// slot. Without a waiter it is a no-op.
func (s *State) NotifyStreamingDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamingDone != nil {
		close(s.streamingDone)
		s.streamingDone = nil
	}
}
