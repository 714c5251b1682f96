// Package session defines the narrow surface the proxy needs from the
// underlying session library: a launcher, a streaming session handle, the
// event union the streaming transform consumes, and the config builder that
// turns server settings into session parameters.
package session

import "context"

// Event is one occurrence on a streaming session. The concrete types below
// are the only implementations.
type Event interface {
	isEvent()
}

// TextDelta carries one chunk of assistant text.
type TextDelta struct {
	Text string
}

// ToolStart announces a tool invocation the model requested. Arguments hold
// the decoded input object, possibly nil.
type ToolStart struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Idle marks the end of the assistant's final turn.
type Idle struct{}

// Errored carries a session-level failure.
type Errored struct {
	Message string
}

// Usage reports token counts for the turn so far.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

func (TextDelta) isEvent() {}
func (ToolStart) isEvent() {}
func (Idle) isEvent()      {}
func (Errored) isEvent()   {}
func (Usage) isEvent()     {}

// Session is one live model session.
type Session interface {
	// ID returns the library-assigned session identifier.
	ID() string

	// Send submits a prompt and returns the library's message id.
	Send(ctx context.Context, prompt string) (string, error)

	// On registers an event handler and returns its unsubscribe func.
	// Handlers must be registered before the first Send so no events are
	// lost.
	On(handler func(Event)) func()

	// Abort interrupts the in-flight turn.
	Abort() error

	// Destroy tears the session down.
	Destroy() error
}

// Launcher creates sessions.
type Launcher interface {
	NewSession(ctx context.Context, cfg Config) (Session, error)
}
